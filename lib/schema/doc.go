/*
Package schema describes the shape of the objects held by the object store.

A Schema is a registry of ObjectTypes, each carrying an ordered list of Fields.
Every type shares a block of built-in bookkeeping fields (owner list, expiration
and removal dates, notes, creation/modification stamps, container link), and the
four administrative types (OwnerGroup, Persona, Role, User) are always present.
Additional types are described in YAML and loaded with Load or LoadFile.

A Schema is mutable only until Publish is called; after that every lookup is
lock free and every Field/ObjectType must be treated as read-only.

Example YAML:

	namespaces:
	  - name: hostname
	    caseInsensitive: true
	types:
	  - id: 256
	    name: system
	    label: name
	    canInactivate: true
	    fields:
	      - {id: 100, name: name, type: string, namespace: hostname, maxLength: 64}
	      - {id: 101, name: interfaces, type: invid, vector: true, target: interface, targetField: system}
	  - id: 257
	    name: interface
	    label: address
	    embedded: true
	    fields:
	      - {id: 100, name: address, type: ip, namespace: address}
	      - {id: 101, name: system, type: invid, target: system, targetField: interfaces}
*/
package schema

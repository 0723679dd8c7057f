// Package rpc is the network layer of the object server. Clients talk to a
// server through sessions: every operation of session.Session is one request
// Message, answered by one response Message.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, configuration structures and logging.
//
//   - transport: Network communication abstractions, implemented over HTTP.
//
//   - serializer: Message serialization (JSON, GOB). Serializers also encode
//     the records of the file journal.
//
//   - client: Client-side session proxy mirroring session.Session.
//
//   - server: Server dispatching requests onto the sessions of a
//     session.Manager.
package rpc

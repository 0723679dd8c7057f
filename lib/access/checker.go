package access

import (
	"sync"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// grants is the merged permission state of one subject at one stamp.
type grants struct {
	stamp uint64

	// owned and notOwned keep the source matrices separate so field
	// lookups fall back to each matrix's own object entry.
	owned    []perm.Matrix
	notOwned []perm.Matrix

	groups     map[invid.Invid]struct{}
	privileged bool
}

func (g *grants) matrices(owned bool) []perm.Matrix {
	if owned {
		return g.owned
	}
	return g.notOwned
}

func objectEntry(ms []perm.Matrix, typeID schema.TypeID) perm.Entry {
	var e perm.Entry
	for _, m := range ms {
		o, _ := m.Object(typeID)
		e = e.Union(o)
	}
	return e
}

func fieldEntry(ms []perm.Matrix, typeID schema.TypeID, field schema.FieldID) perm.Entry {
	var e perm.Entry
	for _, m := range ms {
		e = e.Union(m.Field(typeID, field))
	}
	return e
}

// Checker resolves permissions for one subject. It is safe for concurrent
// use.
type Checker struct {
	engine  *Engine
	subject db.Subject

	mu    sync.Mutex
	cache *grants
}

var _ db.Gate = (*Checker)(nil)

// Subject returns the subject the checker is bound to.
func (c *Checker) Subject() db.Subject { return c.subject }

func (c *Checker) bypass() bool {
	return c.subject == nil || c.subject.Supergash() || c.engine.store.Loading()
}

// grants returns the subject's cached permission state, recomputing it if
// the store's permission stamp moved.
func (c *Checker) grants() *grants {
	store := c.engine.store
	stamp := store.PermStamp()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil && c.cache.stamp >= stamp {
		return c.cache
	}

	g := &grants{stamp: stamp, groups: map[invid.Invid]struct{}{}}
	def, ok := c.engine.defaultRole()
	if !ok {
		panic(&db.Fault{Msg: "the Default role does not exist"})
	}
	g.addRole(def)

	if id := c.subject.Persona(); !id.IsNil() {
		g.privileged = true
		if p, ok := store.Get(id); ok {
			for _, role := range db.RefsOf(p, schema.PersonaRoles) {
				if r, ok := store.Get(role); ok {
					g.addRole(r)
				}
			}
			for _, group := range db.RefsOf(p, schema.PersonaOwnerGroups) {
				g.groups[group] = struct{}{}
			}
		}
	}

	c.cache = g
	grantRecomputes.Inc()
	Logger.Debugf("permissions of %s recomputed at stamp %d", c.subject.Name(), stamp)
	return g
}

func (g *grants) addRole(r *db.ObjectRecord) {
	if v, ok := db.ScalarOf(r, schema.RoleOwnedPerms); ok {
		g.owned = append(g.owned, v.AsMatrix())
	}
	if v, ok := db.ScalarOf(r, schema.RoleDefaultPerms); ok {
		g.notOwned = append(g.notOwned, v.AsMatrix())
	}
}

// --------------------------------------------------------------------------
// Resolution
// --------------------------------------------------------------------------

// ObjectPerm returns the subject's permission on obj.
func (c *Checker) ObjectPerm(obj db.FieldReader) perm.Entry {
	if c.bypass() {
		return perm.Full
	}
	top := c.container(obj)
	hook := c.engine.store.Hook(top.Type().ID)
	if e, ok := hook.PermOverride(c.subject, top); ok {
		return e
	}
	expand := hook.PermExpand(c.subject, top)
	g := c.grants()
	return objectEntry(g.matrices(c.owns(top, g)), top.Type().ID).Union(expand)
}

// FieldPerm returns the subject's permission on one field of obj. The result
// never exceeds the object permission except for the create bit.
func (c *Checker) FieldPerm(obj db.FieldReader, field schema.FieldID) perm.Entry {
	if c.bypass() {
		return perm.Full
	}
	f, ok := obj.Type().Field(field)
	if !ok {
		return perm.None
	}
	objPerm := c.ObjectPerm(obj)

	g := c.grants()
	owned := c.owns(c.container(obj), g)
	hook := c.engine.store.Hook(obj.Type().ID)
	fp, ok := hook.FieldPermOverride(c.subject, obj, field)
	if !ok {
		fp = fieldEntry(g.matrices(owned), obj.Type().ID, field).
			Union(hook.FieldPermExpand(c.subject, obj, field))
	}

	result := fp.Intersect(objPerm) | (fp & perm.Creatable)
	if f.Protected && !(owned && g.privileged) {
		result &= perm.Visible
	}
	return result
}

// CanCreate reports whether the subject may create objects of a type.
func (c *Checker) CanCreate(typeID schema.TypeID) bool {
	if c.bypass() {
		return true
	}
	return objectEntry(c.grants().owned, typeID).Creatable()
}

// Owns reports whether the subject owns obj.
func (c *Checker) Owns(obj db.FieldReader) bool {
	if c.bypass() {
		return true
	}
	return c.owns(c.container(obj), c.grants())
}

// OwnerGroups returns the owner groups of the subject's persona.
func (c *Checker) OwnerGroups() []invid.Invid {
	if c.subject == nil || c.subject.Persona().IsNil() {
		return nil
	}
	p, ok := c.engine.store.Get(c.subject.Persona())
	if !ok {
		return nil
	}
	return db.RefsOf(p, schema.PersonaOwnerGroups)
}

// owns decides ownership of a top-level object: the subject's own user
// record, objects still being created by the subject's transaction, hook
// grants, or an owner-group path from the object to one of the persona's
// groups.
func (c *Checker) owns(obj db.FieldReader, g *grants) bool {
	if user := c.subject.User(); !user.IsNil() && obj.Invid() == user {
		return true
	}
	if e, ok := obj.(*db.EditRecord); ok && e.Status() == db.Creating {
		return true
	}
	if c.engine.store.Hook(obj.Type().ID).GrantOwnership(c.subject, obj) {
		return true
	}
	return c.engine.snapshot().reaches(db.RefsOf(obj, schema.OwnerListField), g.groups)
}

// container follows the container field of embedded objects up to the
// top-level object. Objects checked out in a transaction resolve their
// container in that transaction's view.
func (c *Checker) container(obj db.FieldReader) db.FieldReader {
	seen := map[invid.Invid]struct{}{}
	for obj.Type().Embedded {
		if _, ok := seen[obj.Invid()]; ok {
			break
		}
		seen[obj.Invid()] = struct{}{}
		ref, ok := db.ScalarOf(obj, schema.ContainerField)
		if !ok {
			break
		}
		next, ok := c.lookup(obj, ref.AsInvid())
		if !ok {
			break
		}
		obj = next
	}
	return obj
}

func (c *Checker) lookup(from db.FieldReader, id invid.Invid) (db.FieldReader, bool) {
	if e, ok := from.(*db.EditRecord); ok {
		return e.Transaction().View(id)
	}
	if e, ok := c.engine.store.Get(id); ok {
		return e, true
	}
	return nil, false
}

package db

import (
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/namespace"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// savedObject is the state of one object before it was first touched inside
// a checkpoint frame.
type savedObject struct {
	fields map[schema.FieldID]Slot
	order  []schema.FieldID

	statusSaved bool
	status      Status
	deleting    bool
}

// frame is one entry of a transaction's checkpoint stack. Frames with an
// empty key are pushed internally to make single mutators atomic.
type frame struct {
	key string

	saved   map[invid.Invid]*savedObject
	touched []invid.Invid

	added    []invid.Invid
	addedSet map[invid.Invid]struct{}

	ns    namespace.Savepoint
	links int
}

func (t *Transaction) push(key string) *frame {
	f := &frame{
		key:      key,
		saved:    map[invid.Invid]*savedObject{},
		addedSet: map[invid.Invid]struct{}{},
		ns:       t.store.namespaces.Savepoint(namespace.TxnID(t.id)),
		links:    t.store.backlinks.Savepoint(t.id),
	}
	t.frames = append(t.frames, f)
	return f
}

// dropUndo discards the claim and link undo logs once no frame is left.
func (t *Transaction) dropUndo() {
	if len(t.frames) == 0 {
		t.store.namespaces.Release(namespace.TxnID(t.id))
		t.store.backlinks.Release(t.id)
	}
}

func (t *Transaction) top() *frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

func (t *Transaction) savedFor(e *EditRecord) *savedObject {
	f := t.top()
	if f == nil {
		return nil
	}
	if _, ok := f.addedSet[e.id]; ok {
		// dropped as a whole on rollback
		return nil
	}
	so, ok := f.saved[e.id]
	if !ok {
		so = &savedObject{fields: map[schema.FieldID]Slot{}}
		f.saved[e.id] = so
		f.touched = append(f.touched, e.id)
	}
	return so
}

// recordField saves a field's current slot in the top frame unless it was
// already saved there.
func (t *Transaction) recordField(e *EditRecord, field schema.FieldID) {
	so := t.savedFor(e)
	if so == nil {
		return
	}
	if _, ok := so.fields[field]; ok {
		return
	}
	so.fields[field] = e.slots[field].Clone()
	so.order = append(so.order, field)
}

// recordStatus saves the object's status in the top frame.
func (t *Transaction) recordStatus(e *EditRecord) {
	so := t.savedFor(e)
	if so == nil || so.statusSaved {
		return
	}
	so.statusSaved = true
	so.status = e.status
	so.deleting = e.deleting
}

// atomically runs fn inside an internal frame: either every change fn makes
// survives, or none does.
func (t *Transaction) atomically(fn func() error) error {
	f := t.push("")
	if err := fn(); err != nil {
		t.rollbackTop(f)
		return err
	}
	t.popTop(f)
	return nil
}

// --------------------------------------------------------------------------
// Public checkpoint API
// --------------------------------------------------------------------------

// Checkpoint pushes a named frame. Every change made after it can be undone
// with Rollback(key).
func (t *Transaction) Checkpoint(key string) error {
	if err := t.assertOpen(); err != nil {
		return err
	}
	if key == "" {
		return errInvalidOp("checkpoint key must not be empty")
	}
	t.push(key)
	Logger.Debugf("txn %d: checkpoint %q (depth %d)", t.id, key, len(t.frames))
	return nil
}

// Rollback undoes every change made since the most recent checkpoint named
// key and pops it together with every frame above it.
func (t *Transaction) Rollback(key string) error {
	if err := t.assertOpen(); err != nil {
		return err
	}
	idx := -1
	for i := len(t.frames) - 1; i >= 0; i-- {
		if t.frames[i].key == key {
			idx = i
			break
		}
	}
	if idx < 0 || key == "" {
		return errInvalidOp("no checkpoint named %q", key)
	}
	for len(t.frames) > idx {
		t.rollbackTop(t.top())
	}
	rollbacksTotal.Inc()
	Logger.Debugf("txn %d: rolled back to checkpoint %q", t.id, key)
	return nil
}

// PopCheckpoint discards the top checkpoint, keeping its changes. Popping
// anything but the top frame is a fault.
func (t *Transaction) PopCheckpoint(key string) error {
	if err := t.assertOpen(); err != nil {
		return err
	}
	f := t.top()
	if f == nil || f.key != key || key == "" {
		fault("unbalanced checkpoint pop of %q", key)
	}
	t.popTop(f)
	return nil
}

// Checkpoints returns the keys of the open checkpoints, bottom first.
func (t *Transaction) Checkpoints() []string {
	var keys []string
	for _, f := range t.frames {
		if f.key != "" {
			keys = append(keys, f.key)
		}
	}
	return keys
}

// --------------------------------------------------------------------------
// Frame handling
// --------------------------------------------------------------------------

// popTop removes f from the stack and merges its saved state into the frame
// below.
func (t *Transaction) popTop(f *frame) {
	if t.top() != f {
		fault("checkpoint frame %q popped out of order", f.key)
	}
	t.frames = t.frames[:len(t.frames)-1]
	below := t.top()
	if below == nil {
		t.dropUndo()
		return
	}
	for _, id := range f.added {
		if _, ok := below.addedSet[id]; !ok {
			below.added = append(below.added, id)
			below.addedSet[id] = struct{}{}
		}
	}
	for _, id := range f.touched {
		if _, ok := below.addedSet[id]; ok {
			continue
		}
		src := f.saved[id]
		dst, ok := below.saved[id]
		if !ok {
			below.saved[id] = src
			below.touched = append(below.touched, id)
			continue
		}
		for _, fid := range src.order {
			if _, ok := dst.fields[fid]; !ok {
				dst.fields[fid] = src.fields[fid]
				dst.order = append(dst.order, fid)
			}
		}
		if src.statusSaved && !dst.statusSaved {
			dst.statusSaved, dst.status, dst.deleting = true, src.status, src.deleting
		}
	}
}

// rollbackTop restores the state captured by f and pops it. Any state that
// cannot be restored is a fault.
func (t *Transaction) rollbackTop(f *frame) {
	if t.top() != f {
		fault("checkpoint frame %q rolled back out of order", f.key)
	}

	for i := len(f.added) - 1; i >= 0; i-- {
		if e, ok := t.objects[f.added[i]]; ok {
			t.discard(e, true)
		}
	}

	for i := len(f.touched) - 1; i >= 0; i-- {
		id := f.touched[i]
		e, ok := t.objects[id]
		if !ok {
			fault("object %s vanished from transaction %d during rollback", id, t.id)
		}
		if e.committing {
			fault("cannot roll back %s while it is committing", id)
		}
		so := f.saved[id]
		for j := len(so.order) - 1; j >= 0; j-- {
			fid := so.order[j]
			field, ok := e.typ.Field(fid)
			if !ok {
				fault("cannot restore unknown field %d of %s", fid, id)
			}
			slot := so.fields[fid]
			for _, v := range slot.Values() {
				if v.Kind() != field.Type {
					fault("cannot restore %s of %s: stored %s value", field.Name, id, v.Kind())
				}
			}
			e.slots[fid] = slot
		}
		if so.statusSaved {
			e.status, e.deleting = so.status, so.deleting
		}
	}

	t.store.namespaces.RollbackTo(namespace.TxnID(t.id), f.ns)
	t.store.backlinks.RollbackTo(t.id, f.links)
	t.frames = t.frames[:len(t.frames)-1]
	t.dropUndo()
}

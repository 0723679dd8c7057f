package db

import (
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/namespace"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// Status is the lifecycle state of an EditRecord.
type Status uint8

const (
	Creating Status = iota + 1
	Editing
	Deleting
	Dropping
)

func (s Status) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Editing:
		return "EDITING"
	case Deleting:
		return "DELETING"
	case Dropping:
		return "DROPPING"
	default:
		return "UNKNOWN"
	}
}

// Removed reports whether the object is on its way out of the store.
func (s Status) Removed() bool { return s == Deleting || s == Dropping }

// EditRecord is the exclusive, mutable checkout of one object inside one
// transaction. Its slots are a schema-complete deep copy of the original.
type EditRecord struct {
	txn  *Transaction
	id   invid.Invid
	typ  *schema.ObjectType
	hook ObjectHook

	status     Status
	committing bool
	deleting   bool
	original   *ObjectRecord

	slots map[schema.FieldID]Slot
}

func newEditRecord(txn *Transaction, id invid.Invid, typ *schema.ObjectType, original *ObjectRecord) *EditRecord {
	e := &EditRecord{
		txn:      txn,
		id:       id,
		typ:      typ,
		hook:     txn.store.Hook(typ.ID),
		status:   Editing,
		original: original,
		slots:    make(map[schema.FieldID]Slot, len(typ.Fields())),
	}
	if original == nil {
		e.status = Creating
	}
	for _, f := range typ.Fields() {
		if original != nil {
			e.slots[f.ID] = original.Slot(f.ID)
		} else {
			e.slots[f.ID] = Slot{}
		}
	}
	return e
}

func (e *EditRecord) Invid() invid.Invid       { return e.id }
func (e *EditRecord) Type() *schema.ObjectType { return e.typ }
func (e *EditRecord) Status() Status           { return e.status }
func (e *EditRecord) Committing() bool         { return e.committing }
func (e *EditRecord) Deleting() bool           { return e.deleting }

// Original returns the committed record the edit started from, nil for new
// objects.
func (e *EditRecord) Original() *ObjectRecord { return e.original }

// Transaction returns the owning transaction.
func (e *EditRecord) Transaction() *Transaction { return e.txn }

// Slot returns a copy of a field's current slot.
func (e *EditRecord) Slot(field schema.FieldID) Slot {
	return e.slots[field].Clone()
}

// Record freezes the current state into an ObjectRecord.
func (e *EditRecord) Record() *ObjectRecord {
	return NewObjectRecord(e.id, e.typ, e.slots)
}

// --------------------------------------------------------------------------
// Public mutators (permission checked, atomic)
// --------------------------------------------------------------------------

// SetValue sets a scalar field. The zero Value clears the field (null set).
func (e *EditRecord) SetValue(field schema.FieldID, v Value) error {
	f, err := e.editable(field, false)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error { return e.setValue(f, v, true) })
}

// SetNull clears a scalar field.
func (e *EditRecord) SetNull(field schema.FieldID) error {
	return e.SetValue(field, Value{})
}

// MarkUndefined resets a field to the undefined state. It is the clearing
// path for permission matrix, password and options fields.
func (e *EditRecord) MarkUndefined(field schema.FieldID) error {
	f, err := e.editableField(field)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error { return e.markUndefined(f) })
}

// AddElement appends v to a vector field.
func (e *EditRecord) AddElement(field schema.FieldID, v Value) error {
	f, err := e.editable(field, true)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error { return e.addElement(f, v, true) })
}

// AddElements appends several values; either all are added or none.
func (e *EditRecord) AddElements(field schema.FieldID, vs []Value) error {
	f, err := e.editable(field, true)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error {
		for _, v := range vs {
			if err := e.addElement(f, v, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetElement replaces the element at index of a vector field.
func (e *EditRecord) SetElement(field schema.FieldID, index int, v Value) error {
	f, err := e.editable(field, true)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error {
		if err := e.deleteElement(f, index, true); err != nil {
			return err
		}
		return e.insertElement(f, index, v, true)
	})
}

// DeleteElement removes the element at index of a vector field.
func (e *EditRecord) DeleteElement(field schema.FieldID, index int) error {
	f, err := e.editable(field, true)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error { return e.deleteElement(f, index, true) })
}

// DeleteElementValue removes v from a vector field.
func (e *EditRecord) DeleteElementValue(field schema.FieldID, v Value) error {
	f, err := e.editable(field, true)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error {
		idx := e.slots[f.ID].indexOf(v)
		if idx < 0 {
			return errValidation("%s does not contain %s", f.Name, v)
		}
		return e.deleteElement(f, idx, true)
	})
}

// DeleteAllElements empties a vector field element by element.
func (e *EditRecord) DeleteAllElements(field schema.FieldID) error {
	f, err := e.editable(field, true)
	if err != nil {
		return err
	}
	return e.txn.atomically(func() error { return e.clearVector(f) })
}

// editable resolves a field and checks that it may be changed by the
// transaction's subject.
func (e *EditRecord) editable(field schema.FieldID, vector bool) (*schema.Field, error) {
	f, err := e.editableField(field)
	if err != nil {
		return nil, err
	}
	if f.Vector != vector {
		if vector {
			return nil, errInvalidOp("%s is a scalar field", f.Name)
		}
		return nil, errInvalidOp("%s is a vector field", f.Name)
	}
	return f, nil
}

func (e *EditRecord) editableField(field schema.FieldID) (*schema.Field, error) {
	e.assertMutable()
	if e.status.Removed() {
		return nil, errInvalidOp("%s is being removed", Label(e))
	}
	f, ok := e.typ.Field(field)
	if !ok {
		return nil, errNotFound("type %s has no field %d", e.typ.Name, field)
	}
	if g := e.txn.gate; g != nil && !e.txn.store.Loading() {
		p := g.FieldPerm(e, f.ID)
		if !p.Editable() && !(e.status == Creating && p.Creatable()) {
			return nil, errPermission("you do not have permission to edit %s of %s", f.Name, Label(e))
		}
	}
	return f, nil
}

func (e *EditRecord) assertMutable() {
	if e.committing {
		fault("%s (%s) was modified after commit phase 1, no further edits are allowed", Label(e), e.id)
	}
}

// --------------------------------------------------------------------------
// Internal mutators
//
// The internal mutators skip permission checks. hooks == false also skips
// the finalize hooks and reciprocal link maintenance; it is used to fix up
// the far end of a symmetric link.
// --------------------------------------------------------------------------

func (e *EditRecord) setValue(f *schema.Field, v Value, hooks bool) error {
	e.assertMutable()
	old := e.slots[f.ID]
	next := ScalarSlot(v)
	if !v.IsZero() {
		if err := e.validate(f, v); err != nil {
			return err
		}
	} else if old.State == Undefined {
		// null-setting an undefined field keeps it undefined
		next = old
	}
	if old.Equal(next) {
		return nil
	}
	if hooks {
		if err := e.hook.FinalizeSetValue(e, f, v); err != nil {
			return err
		}
	}
	if old.IsDefined() {
		if err := e.releaseValue(f, old.Scalar, hooks); err != nil {
			return err
		}
	}
	if next.IsDefined() {
		if err := e.claimValue(f, v, hooks); err != nil {
			return err
		}
	}
	e.put(f.ID, next)
	return nil
}

func (e *EditRecord) markUndefined(f *schema.Field) error {
	e.assertMutable()
	old := e.slots[f.ID]
	if old.State == Undefined {
		return nil
	}
	if err := e.hook.FinalizeSetValue(e, f, Value{}); err != nil {
		return err
	}
	for _, v := range old.Values() {
		if err := e.releaseValue(f, v, true); err != nil {
			return err
		}
	}
	e.put(f.ID, Slot{})
	return nil
}

func (e *EditRecord) addElement(f *schema.Field, v Value, hooks bool) error {
	return e.insertElement(f, len(e.slots[f.ID].Vector), v, hooks)
}

func (e *EditRecord) insertElement(f *schema.Field, index int, v Value, hooks bool) error {
	e.assertMutable()
	if err := e.validate(f, v); err != nil {
		return err
	}
	old := e.slots[f.ID]
	if old.indexOf(v) >= 0 {
		return errValidation("%s already contains %s", f.Name, v)
	}
	if f.MaxSize > 0 && len(old.Vector) >= f.MaxSize {
		return errValidation("%s can hold at most %d values", f.Name, f.MaxSize)
	}
	if index < 0 || index > len(old.Vector) {
		return errInvalidOp("index %d out of range for %s", index, f.Name)
	}
	if hooks {
		if err := e.hook.FinalizeAddElement(e, f, v); err != nil {
			return err
		}
	}
	if err := e.claimValue(f, v, hooks); err != nil {
		return err
	}
	vec := make([]Value, 0, len(old.Vector)+1)
	vec = append(vec, old.Vector[:index]...)
	vec = append(vec, v)
	vec = append(vec, old.Vector[index:]...)
	e.put(f.ID, VectorSlot(vec))
	return nil
}

func (e *EditRecord) deleteElement(f *schema.Field, index int, hooks bool) error {
	e.assertMutable()
	old := e.slots[f.ID]
	if index < 0 || index >= len(old.Vector) {
		return errInvalidOp("index %d out of range for %s", index, f.Name)
	}
	v := old.Vector[index]
	if hooks {
		if err := e.hook.FinalizeDeleteElement(e, f, index, v); err != nil {
			return err
		}
	}
	if err := e.releaseValue(f, v, hooks); err != nil {
		return err
	}
	vec := make([]Value, 0, len(old.Vector)-1)
	vec = append(vec, old.Vector[:index]...)
	vec = append(vec, old.Vector[index+1:]...)
	e.put(f.ID, VectorSlot(vec))
	return nil
}

func (e *EditRecord) clearVector(f *schema.Field) error {
	for n := len(e.slots[f.ID].Vector); n > 0; n = len(e.slots[f.ID].Vector) {
		if err := e.deleteElement(f, n-1, true); err != nil {
			return err
		}
	}
	return nil
}

// put records the prior slot in the active checkpoint frame and installs
// the new one.
func (e *EditRecord) put(field schema.FieldID, s Slot) {
	e.txn.recordField(e, field)
	e.slots[field] = s
}

// --------------------------------------------------------------------------
// Claims: namespaces and links
// --------------------------------------------------------------------------

// claimValue takes whatever a new value needs: a namespace claim and the link
// to its target.
func (e *EditRecord) claimValue(f *schema.Field, v Value, reciprocal bool) error {
	if f.Namespace != "" {
		owner := namespace.Owner{Invid: e.id, Field: f.ID}
		if err := e.txn.store.namespaces.Mark(namespace.TxnID(e.txn.id), f.Namespace, v.NamespaceKey(), owner); err != nil {
			namespaceConflicts.Inc()
			return namespaceError(err, f, v)
		}
	}
	if f.Type == schema.Invid {
		return e.link(f, v.AsInvid(), reciprocal)
	}
	return nil
}

// releaseValue gives up what claimValue took for an old value.
func (e *EditRecord) releaseValue(f *schema.Field, v Value, reciprocal bool) error {
	if f.Namespace != "" {
		owner := namespace.Owner{Invid: e.id, Field: f.ID}
		if err := e.txn.store.namespaces.Unmark(namespace.TxnID(e.txn.id), f.Namespace, v.NamespaceKey(), owner); err != nil {
			return namespaceError(err, f, v)
		}
	}
	if f.Type == schema.Invid {
		return e.unlink(f, v.AsInvid(), reciprocal)
	}
	return nil
}

func namespaceError(err error, f *schema.Field, v Value) error {
	if _, ok := err.(*namespace.ConflictError); ok {
		return NewError(RetCNamespaceConflict, "Value In Use",
			"%s %q is already in use in namespace %q", f.Name, v.String(), f.Namespace)
	}
	return errValidation("%s: %v", f.Name, err)
}

func (e *EditRecord) link(f *schema.Field, target invid.Invid, reciprocal bool) error {
	if !f.Symmetric() {
		e.txn.store.backlinks.Add(e.txn.id, target, LinkRef{From: e.id, Field: f.ID})
		return nil
	}
	if !reciprocal {
		return nil
	}
	remote, err := e.txn.checkout(target)
	if err != nil {
		return err
	}
	back, _ := remote.typ.Field(f.TargetField)
	if back.Vector {
		if remote.slots[back.ID].indexOf(Ref(e.id)) >= 0 {
			return nil
		}
		return remote.addElement(back, Ref(e.id), false)
	}
	// a scalar back pointer may currently name a third object whose
	// forward pointer has to go
	if cur, ok := ScalarOf(remote, back.ID); ok && cur.AsInvid() != e.id {
		if third, err := e.txn.checkout(cur.AsInvid()); err == nil {
			if err := third.dropRef(f.ID, remote.id); err != nil {
				return err
			}
		} else if !IsCode(err, RetCNotFound) {
			return err
		}
	}
	return remote.setValue(back, Ref(e.id), false)
}

func (e *EditRecord) unlink(f *schema.Field, target invid.Invid, reciprocal bool) error {
	if !f.Symmetric() {
		e.txn.store.backlinks.Remove(e.txn.id, target, LinkRef{From: e.id, Field: f.ID})
		return nil
	}
	if !reciprocal {
		return nil
	}
	remote, err := e.txn.checkout(target)
	if IsCode(err, RetCNotFound) {
		// dangling pointer, nothing to fix on the far end
		return nil
	}
	if err != nil {
		return err
	}
	return remote.dropRef(f.TargetField, e.id)
}

// dropRef removes ref from field without touching the far end.
func (e *EditRecord) dropRef(field schema.FieldID, ref invid.Invid) error {
	f, ok := e.typ.Field(field)
	if !ok {
		return nil
	}
	if f.Vector {
		if idx := e.slots[f.ID].indexOf(Ref(ref)); idx >= 0 {
			return e.deleteElement(f, idx, false)
		}
		return nil
	}
	if cur, ok := ScalarOf(e, f.ID); ok && cur.AsInvid() == ref {
		return e.setValue(f, Value{}, false)
	}
	return nil
}

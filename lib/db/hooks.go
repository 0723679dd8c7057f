package db

import (
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// Subject is the identity a transaction or permission check acts for.
type Subject interface {
	// User is the end-user record of the session, or invid.Nil.
	User() invid.Invid
	// Persona is the active administrative persona, or invid.Nil for an
	// end-user session.
	Persona() invid.Invid
	// Name is used in logs, audit events and lock conflict messages.
	Name() string
	// Supergash reports whether the subject bypasses permission checks.
	Supergash() bool
}

// Gate authorizes field level edits on behalf of a transaction's subject.
// A transaction without a gate performs no permission checks (bulk load).
type Gate interface {
	ObjectPerm(obj FieldReader) perm.Entry
	FieldPerm(obj FieldReader, field schema.FieldID) perm.Entry
}

// ObjectHook is the per-type behavior table consulted by the edit lifecycle
// and the permission engine. Implementations should embed DefaultHook and
// override what they need. A hook must not keep per-object state: the same
// instance serves every object of its type.
type ObjectHook interface {
	// PermOverride, if ok, replaces the computed object permission outright.
	PermOverride(s Subject, obj FieldReader) (e perm.Entry, ok bool)
	// PermExpand is unioned into the computed object permission.
	PermExpand(s Subject, obj FieldReader) perm.Entry
	// FieldPermOverride, if ok, replaces the computed field permission.
	FieldPermOverride(s Subject, obj FieldReader, field schema.FieldID) (e perm.Entry, ok bool)
	// FieldPermExpand is unioned into the computed field permission.
	FieldPermExpand(s Subject, obj FieldReader, field schema.FieldID) perm.Entry
	// GrantOwnership makes the subject an owner of obj regardless of the
	// owner list.
	GrantOwnership(s Subject, obj FieldReader) bool

	// FinalizeSetValue may veto a scalar change. v is the zero Value when
	// the field is cleared.
	FinalizeSetValue(e *EditRecord, field *schema.Field, v Value) error
	// FinalizeAddElement may veto adding v to a vector field.
	FinalizeAddElement(e *EditRecord, field *schema.Field, v Value) error
	// FinalizeDeleteElement may veto removing the element at index.
	FinalizeDeleteElement(e *EditRecord, field *schema.Field, index int, v Value) error

	// ConsistencyCheck validates a whole object before commit.
	ConsistencyCheck(obj FieldReader) error
	// CommitPhase1 runs after the object has been locked against edits and
	// may allocate external resources.
	CommitPhase1(e *EditRecord) error
	// CommitPhase2 runs side effects once the whole transaction is fixed.
	CommitPhase2(e *EditRecord)
	// Release tears down whatever CommitPhase1 allocated.
	Release(e *EditRecord, finalAbort bool)

	// CanRemove may veto the removal of an object.
	CanRemove(s Subject, e *EditRecord) error
	// CanInactivate may veto inactivation of an object.
	CanInactivate(s Subject, e *EditRecord) error
	// CanCloneField reports whether field is copied when cloning src.
	CanCloneField(s Subject, src FieldReader, field *schema.Field) bool
}

// DefaultHook implements ObjectHook with neutral behavior.
type DefaultHook struct{}

var _ ObjectHook = DefaultHook{}

func (DefaultHook) PermOverride(Subject, FieldReader) (perm.Entry, bool) { return perm.None, false }

func (DefaultHook) PermExpand(Subject, FieldReader) perm.Entry { return perm.None }

func (DefaultHook) FieldPermOverride(Subject, FieldReader, schema.FieldID) (perm.Entry, bool) {
	return perm.None, false
}

func (DefaultHook) FieldPermExpand(Subject, FieldReader, schema.FieldID) perm.Entry {
	return perm.None
}

func (DefaultHook) GrantOwnership(Subject, FieldReader) bool { return false }

func (DefaultHook) FinalizeSetValue(*EditRecord, *schema.Field, Value) error { return nil }

func (DefaultHook) FinalizeAddElement(*EditRecord, *schema.Field, Value) error { return nil }

func (DefaultHook) FinalizeDeleteElement(*EditRecord, *schema.Field, int, Value) error {
	return nil
}

// ConsistencyCheck requires every field marked Required to be defined.
func (DefaultHook) ConsistencyCheck(obj FieldReader) error {
	for _, f := range obj.Type().Fields() {
		if f.Required && !obj.Slot(f.ID).IsDefined() {
			return NewError(RetCConsistency, "Incomplete Object",
				"%s %q is missing required field %q", obj.Type().Name, Label(obj), f.Name)
		}
	}
	return nil
}

func (DefaultHook) CommitPhase1(*EditRecord) error { return nil }

func (DefaultHook) CommitPhase2(*EditRecord) {}

func (DefaultHook) Release(*EditRecord, bool) {}

func (DefaultHook) CanRemove(Subject, *EditRecord) error { return nil }

// CanInactivate only allows inactivation for types that support it.
func (DefaultHook) CanInactivate(_ Subject, e *EditRecord) error {
	if !e.Type().CanInactivate {
		return errInvalidOp("objects of type %s cannot be inactivated", e.Type().Name)
	}
	return nil
}

// CanCloneField copies every field that is neither built-in nor bound to a
// namespace.
func (DefaultHook) CanCloneField(_ Subject, _ FieldReader, f *schema.Field) bool {
	return !f.Builtin && f.Namespace == ""
}

// --------------------------------------------------------------------------
// Built-in hooks
// --------------------------------------------------------------------------

// adminHook protects the objects created at bootstrap.
type adminHook struct {
	DefaultHook
}

func isProtectedObject(obj FieldReader) bool {
	switch obj.Type().ID {
	case schema.OwnerGroupType, schema.PersonaType:
		return Label(obj) == schema.SupergashName
	case schema.RoleType:
		return Label(obj) == schema.DefaultRole
	}
	return false
}

func (adminHook) CanRemove(_ Subject, e *EditRecord) error {
	if e.original != nil && isProtectedObject(e.original) {
		return errPermission("%s %q cannot be removed", e.Type().Name, Label(e.original))
	}
	return nil
}

func (adminHook) FinalizeSetValue(e *EditRecord, f *schema.Field, v Value) error {
	if e.deleting || e.original == nil || f.ID != e.Type().LabelField {
		return nil
	}
	if isProtectedObject(e.original) {
		return errPermission("%s %q cannot be renamed", e.Type().Name, Label(e.original))
	}
	return nil
}

package db

import (
	"unicode/utf8"

	"github.com/ValentinKolb/dObj/lib/schema"
)

// validate checks a value against a field definition. Invid values must
// point at an object that exists in the transaction's view and is not being
// removed.
func (e *EditRecord) validate(f *schema.Field, v Value) error {
	if v.Kind() != f.Type {
		return errValidation("%s expects a %s value, got %s", f.Name, f.Type, v.Kind())
	}
	switch f.Type {
	case schema.String:
		s := v.AsString()
		n := utf8.RuneCountInString(s)
		if f.MinLength > 0 && n < f.MinLength {
			return errValidation("%s must be at least %d characters long", f.Name, f.MinLength)
		}
		if f.MaxLength > 0 && n > f.MaxLength {
			return errValidation("%s must be at most %d characters long", f.Name, f.MaxLength)
		}
		if f.Pattern != nil && !f.Pattern.MatchString(s) {
			return errValidation("%q is not a valid %s", s, f.Name)
		}
	case schema.IP:
		if v.AsIP() == nil {
			return errValidation("%q is not a valid ip address", v.AsString())
		}
	case schema.Password:
		if v.AsString() == "" {
			return errValidation("%s cannot be empty", f.Name)
		}
	case schema.Invid:
		target := v.AsInvid()
		if target.IsNil() {
			return errValidation("%s cannot point at the nil object", f.Name)
		}
		if f.TargetType != schema.AnyType && target.Type != f.TargetType {
			want, _ := e.txn.store.schema.Type(f.TargetType)
			return errValidation("%s must point at a %s object", f.Name, want.Name)
		}
		if target == e.id && f.Symmetric() {
			return errValidation("%s cannot point at the object itself", f.Name)
		}
		status, ok := e.txn.statusOf(target)
		if !ok {
			return errNotFound("%s: object %s does not exist", f.Name, target)
		}
		if status.Removed() {
			return errValidation("%s: object %s is being removed", f.Name, target)
		}
	}
	return nil
}

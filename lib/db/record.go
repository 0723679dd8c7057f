package db

import (
	"sort"
	"time"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// FieldReader is the read view shared by committed records and edit
// buffers. Slot never exposes internal storage; the returned slot is a copy.
type FieldReader interface {
	Invid() invid.Invid
	Type() *schema.ObjectType
	Slot(field schema.FieldID) Slot
}

// ScalarOf returns the scalar value of a field, if defined.
func ScalarOf(r FieldReader, field schema.FieldID) (Value, bool) {
	s := r.Slot(field)
	if s.State != Defined || s.Vector != nil {
		return Value{}, false
	}
	return s.Scalar, true
}

// VectorOf returns the elements of a vector field.
func VectorOf(r FieldReader, field schema.FieldID) []Value {
	return r.Slot(field).Vector
}

// RefsOf returns the invids held by an invid field, scalar or vector.
func RefsOf(r FieldReader, field schema.FieldID) []invid.Invid {
	var out []invid.Invid
	for _, v := range r.Slot(field).Values() {
		if v.Kind() == schema.Invid {
			out = append(out, v.AsInvid())
		}
	}
	return out
}

// Label returns the display label of an object: the text of its label
// field, or its invid when the type has none or it is unset.
func Label(r FieldReader) string {
	t := r.Type()
	if t != nil && t.LabelField != schema.NoField {
		if v, ok := ScalarOf(r, t.LabelField); ok {
			return v.Text()
		}
	}
	return r.Invid().String()
}

// IsInactive reports whether the object carries a removal date.
func IsInactive(r FieldReader) bool {
	_, ok := ScalarOf(r, schema.RemovalField)
	return ok
}

// --------------------------------------------------------------------------
// ObjectRecord
// --------------------------------------------------------------------------

// ObjectRecord is the committed, read-only state of one object. Records are
// shared by every session and are replaced, never modified, on commit.
type ObjectRecord struct {
	id     invid.Invid
	typ    *schema.ObjectType
	fields map[schema.FieldID]Slot
}

// NewObjectRecord builds a record from slots. Only defined slots are kept
// and every slot is copied.
func NewObjectRecord(id invid.Invid, typ *schema.ObjectType, slots map[schema.FieldID]Slot) *ObjectRecord {
	r := &ObjectRecord{id: id, typ: typ, fields: make(map[schema.FieldID]Slot, len(slots))}
	for fid, s := range slots {
		if s.IsDefined() {
			r.fields[fid] = s.Clone()
		}
	}
	return r
}

func (r *ObjectRecord) Invid() invid.Invid       { return r.id }
func (r *ObjectRecord) Type() *schema.ObjectType { return r.typ }

// Slot returns a copy of the field's slot; absent fields are Undefined.
func (r *ObjectRecord) Slot(field schema.FieldID) Slot {
	s, ok := r.fields[field]
	if !ok {
		return Slot{}
	}
	return s.Clone()
}

// Defined returns the ids of all defined fields in ascending order.
func (r *ObjectRecord) Defined() []schema.FieldID {
	ids := make([]schema.FieldID, 0, len(r.fields))
	for fid := range r.fields {
		ids = append(ids, fid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Modified returns the last modification time, if recorded.
func (r *ObjectRecord) Modified() time.Time {
	if v, ok := ScalarOf(r, schema.ModificationDateField); ok {
		return v.AsTime()
	}
	return time.Time{}
}

// DecodeRecord rebuilds a record from its encoded form.
func DecodeRecord(s *schema.Schema, er EncodedRecord) (*ObjectRecord, error) {
	id, err := invid.Parse(er.Invid)
	if err != nil {
		return nil, err
	}
	typ, ok := s.Type(id.Type)
	if !ok {
		return nil, errNotFound("unknown object type %d", id.Type)
	}
	slots := make(map[schema.FieldID]Slot, len(er.Fields))
	for _, es := range er.Fields {
		if _, ok := typ.Field(es.Field); !ok {
			// fields dropped from the schema are ignored
			continue
		}
		slot, err := DecodeSlot(es)
		if err != nil {
			return nil, err
		}
		slots[es.Field] = slot
	}
	return NewObjectRecord(id, typ, slots), nil
}

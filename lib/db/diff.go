package db

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dObj/lib/schema"
)

// FieldChange describes the change of one field.
type FieldChange struct {
	Field  *schema.Field
	Before Slot
	After  Slot
	// Added and Removed hold the element changes of vector fields.
	Added   []Value
	Removed []Value
}

// Diff summarizes how an edit record differs from its original.
type Diff struct {
	Added   []FieldChange
	Changed []FieldChange
	Deleted []FieldChange
	// Fields is the set of schema fields that changed.
	Fields map[schema.FieldID]struct{}
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool { return len(d.Fields) == 0 }

// Diff compares the record's current state with its original field by field,
// skipping bookkeeping fields. For new objects every defined field is added.
func (e *EditRecord) Diff() *Diff {
	d := &Diff{Fields: map[schema.FieldID]struct{}{}}
	for _, f := range e.typ.Fields() {
		if schema.IsBookkeeping(f.ID) {
			continue
		}
		var before Slot
		if e.original != nil {
			before = e.original.Slot(f.ID)
		}
		after := e.slots[f.ID]
		if before.IsDefined() == after.IsDefined() && (!after.IsDefined() || before.Equal(after)) {
			continue
		}
		fc := FieldChange{Field: f, Before: before, After: after.Clone()}
		if f.Vector {
			fc.Added, fc.Removed = vectorDelta(before.Vector, after.Vector)
		}
		switch {
		case !before.IsDefined():
			d.Added = append(d.Added, fc)
		case !after.IsDefined():
			d.Deleted = append(d.Deleted, fc)
		default:
			d.Changed = append(d.Changed, fc)
		}
		d.Fields[f.ID] = struct{}{}
	}
	return d
}

func vectorDelta(before, after []Value) (added, removed []Value) {
	has := func(list []Value, v Value) bool {
		for _, x := range list {
			if x.Equal(v) {
				return true
			}
		}
		return false
	}
	for _, v := range after {
		if !has(before, v) {
			added = append(added, v)
		}
	}
	for _, v := range before {
		if !has(after, v) {
			removed = append(removed, v)
		}
	}
	return added, removed
}

// String renders the diff in the classic Added/Changed/Deleted layout.
func (d *Diff) String() string {
	var sb strings.Builder
	section := func(title string, changes []FieldChange, render func(FieldChange) string) {
		if len(changes) == 0 {
			return
		}
		sb.WriteString(title)
		sb.WriteString(":\n")
		for _, c := range changes {
			sb.WriteString("\t")
			sb.WriteString(c.Field.Name)
			sb.WriteString(": ")
			sb.WriteString(render(c))
			sb.WriteString("\n")
		}
	}
	section("Fields Added", d.Added, func(c FieldChange) string { return slotText(c.After) })
	section("Fields Changed", d.Changed, func(c FieldChange) string {
		if c.Field.Vector {
			return fmt.Sprintf("added %s, removed %s", valuesText(c.Added), valuesText(c.Removed))
		}
		return slotText(c.Before) + " -> " + slotText(c.After)
	})
	section("Fields Deleted", d.Deleted, func(c FieldChange) string { return slotText(c.Before) })
	return sb.String()
}

func slotText(s Slot) string {
	if !s.IsDefined() {
		return "<" + s.State.String() + ">"
	}
	if s.Vector != nil {
		return valuesText(s.Vector)
	}
	return s.Scalar.String()
}

func valuesText(vs []Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

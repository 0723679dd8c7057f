// Package perm holds the permission primitives shared by the object store
// and the permission engine: the Entry bit-set and the type/field indexed
// Matrix of entries.
package perm

import (
	"sort"
	"strconv"
	"strings"
)

// Entry is an immutable permission bit-set.
type Entry uint8

const (
	Visible Entry = 1 << iota
	Editable
	Creatable
	Deletable
)

const (
	// None grants nothing.
	None Entry = 0
	// Full grants every permission.
	Full = Visible | Editable | Creatable | Deletable
	// ViewOnly grants visibility only.
	ViewOnly = Visible
)

// NewEntry builds an entry from individual flags.
func NewEntry(visible, editable, creatable, deletable bool) Entry {
	var e Entry
	if visible {
		e |= Visible
	}
	if editable {
		e |= Editable
	}
	if creatable {
		e |= Creatable
	}
	if deletable {
		e |= Deletable
	}
	return e
}

func (e Entry) Visible() bool { return e&Visible != 0 }
func (e Entry) Editable() bool { return e&Editable != 0 }
func (e Entry) Creatable() bool { return e&Creatable != 0 }
func (e Entry) Deletable() bool { return e&Deletable != 0 }

// Union returns the entry granting everything either operand grants.
func (e Entry) Union(o Entry) Entry { return e | o }

// Intersect returns the entry granting only what both operands grant.
func (e Entry) Intersect(o Entry) Entry { return e & o }

// String renders the entry as a four character "vecd" mask, e.g. "ve--".
func (e Entry) String() string {
	b := []byte("----")
	if e.Visible() {
		b[0] = 'v'
	}
	if e.Editable() {
		b[1] = 'e'
	}
	if e.Creatable() {
		b[2] = 'c'
	}
	if e.Deletable() {
		b[3] = 'd'
	}
	return string(b)
}

// ParseEntry parses the representation produced by String. Any letter out
// of "vecd" sets the matching bit, dashes are ignored.
func ParseEntry(s string) (Entry, error) {
	var e Entry
	for _, r := range s {
		switch r {
		case 'v', 'V':
			e |= Visible
		case 'e', 'E':
			e |= Editable
		case 'c', 'C':
			e |= Creatable
		case 'd', 'D':
			e |= Deletable
		case '-':
		default:
			return None, &ParseError{Input: s}
		}
	}
	return e, nil
}

// ParseError reports a malformed permission mask.
type ParseError struct {
	Input string
}

func (p *ParseError) Error() string {
	return "invalid permission mask " + strconv.Quote(p.Input)
}

// --------------------------------------------------------------------------
// Matrix
// --------------------------------------------------------------------------

// ObjectField is the field id used for the object-level entry of a type.
const ObjectField uint16 = 0xFFFF

// Key addresses one cell of a Matrix.
type Key struct {
	Type  uint16
	Field uint16
}

// Matrix maps (type[, field]) to an Entry. A Matrix value is never mutated
// once shared: Set and Union return a new Matrix.
type Matrix struct {
	cells map[Key]Entry
}

// NewMatrix returns an empty matrix.
func NewMatrix() Matrix {
	return Matrix{}
}

// Len returns the number of cells set.
func (m Matrix) Len() int { return len(m.cells) }

// Object returns the object-level entry for the type and whether it is set.
func (m Matrix) Object(typeID uint16) (Entry, bool) {
	return m.Get(typeID, ObjectField)
}

// Get returns the entry for the given cell and whether it is set.
func (m Matrix) Get(typeID, field uint16) (Entry, bool) {
	e, ok := m.cells[Key{Type: typeID, Field: field}]
	return e, ok
}

// Field returns the entry for the field, falling back to the type's
// object-level entry when no field-level cell is set.
func (m Matrix) Field(typeID, field uint16) Entry {
	if e, ok := m.Get(typeID, field); ok {
		return e
	}
	e, _ := m.Object(typeID)
	return e
}

// Set returns a copy of m with the cell set to e.
func (m Matrix) Set(typeID, field uint16, e Entry) Matrix {
	cells := make(map[Key]Entry, len(m.cells)+1)
	for k, v := range m.cells {
		cells[k] = v
	}
	cells[Key{Type: typeID, Field: field}] = e
	return Matrix{cells: cells}
}

// Union returns a matrix whose every cell is the union of the corresponding
// cells of m and o.
func (m Matrix) Union(o Matrix) Matrix {
	if len(o.cells) == 0 {
		return m
	}
	if len(m.cells) == 0 {
		return o
	}
	cells := make(map[Key]Entry, len(m.cells)+len(o.cells))
	for k, v := range m.cells {
		cells[k] = v
	}
	for k, v := range o.cells {
		cells[k] |= v
	}
	return Matrix{cells: cells}
}

// Keys returns the set cells in (type, field) order.
func (m Matrix) Keys() []Key {
	keys := make([]Key, 0, len(m.cells))
	for k := range m.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Field < keys[j].Field
	})
	return keys
}

// Equal reports whether both matrices hold the same cells.
func (m Matrix) Equal(o Matrix) bool {
	if len(m.cells) != len(o.cells) {
		return false
	}
	for k, v := range m.cells {
		if ov, ok := o.cells[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Cells returns a copy of the underlying cells, mostly for encoding.
func (m Matrix) Cells() map[Key]Entry {
	cells := make(map[Key]Entry, len(m.cells))
	for k, v := range m.cells {
		cells[k] = v
	}
	return cells
}

// FromCells builds a matrix from a cell map. The map is copied.
func FromCells(cells map[Key]Entry) Matrix {
	m := Matrix{cells: make(map[Key]Entry, len(cells))}
	for k, v := range cells {
		m.cells[k] = v
	}
	return m
}

// String renders the matrix as "type[.field]=mask" pairs separated by
// commas, which is also the textual form accepted by ParseMatrix.
func (m Matrix) String() string {
	var sb strings.Builder
	for i, k := range m.Keys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(k.Type)))
		if k.Field != ObjectField {
			sb.WriteByte('.')
			sb.WriteString(strconv.Itoa(int(k.Field)))
		}
		sb.WriteByte('=')
		sb.WriteString(m.cells[k].String())
	}
	return sb.String()
}

// ParseMatrix parses the textual form produced by Matrix.String.
func ParseMatrix(s string) (Matrix, error) {
	m := Matrix{cells: map[Key]Entry{}}
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		cell, mask, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Matrix{}, &ParseError{Input: part}
		}
		typePart, fieldPart, hasField := strings.Cut(cell, ".")
		t, err := strconv.ParseUint(typePart, 10, 16)
		if err != nil {
			return Matrix{}, &ParseError{Input: part}
		}
		f := uint64(ObjectField)
		if hasField {
			if f, err = strconv.ParseUint(fieldPart, 10, 16); err != nil {
				return Matrix{}, &ParseError{Input: part}
			}
		}
		e, err := ParseEntry(mask)
		if err != nil {
			return Matrix{}, err
		}
		m.cells[Key{Type: uint16(t), Field: uint16(f)}] = e
	}
	return m, nil
}

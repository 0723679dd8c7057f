// Package invid implements the permanent object identifier used throughout
// the object store. An Invid is a (type, instance) pair: the type part names
// the object type the object was created as, the instance part is allocated
// by the type's table and never handed out twice for the lifetime of a store.
package invid

import (
	"fmt"
	"strconv"
	"strings"
)

// Invid identifies a single object. The zero value is the "no object" Invid.
type Invid struct {
	Type uint16 `json:"type"`
	Num  uint32 `json:"num"`
}

// Nil is the empty Invid. No object is ever allocated instance number 0.
var Nil = Invid{}

// New returns the Invid for the given type and instance number.
func New(typeID uint16, num uint32) Invid {
	return Invid{Type: typeID, Num: num}
}

// IsNil reports whether the Invid does not point at any object.
func (i Invid) IsNil() bool {
	return i.Num == 0
}

// String formats the Invid as "type:num".
func (i Invid) String() string {
	return strconv.FormatUint(uint64(i.Type), 10) + ":" + strconv.FormatUint(uint64(i.Num), 10)
}

// Less orders Invids by type, then by instance number.
func (i Invid) Less(o Invid) bool {
	if i.Type != o.Type {
		return i.Type < o.Type
	}
	return i.Num < o.Num
}

// Parse parses the "type:num" representation produced by String.
func Parse(s string) (Invid, error) {
	typePart, numPart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Nil, fmt.Errorf("invalid invid %q (expected type:num)", s)
	}
	t, err := strconv.ParseUint(typePart, 10, 16)
	if err != nil {
		return Nil, fmt.Errorf("invalid invid type %q: %w", typePart, err)
	}
	n, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return Nil, fmt.Errorf("invalid invid number %q: %w", numPart, err)
	}
	return New(uint16(t), uint32(n)), nil
}

// MustParse is like Parse but panics on malformed input. Intended for tests
// and static tables.
func MustParse(s string) Invid {
	i, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return i
}

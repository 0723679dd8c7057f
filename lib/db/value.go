package db

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/schema"
	"golang.org/x/crypto/bcrypt"
)

// --------------------------------------------------------------------------
// Value
// --------------------------------------------------------------------------

// Value is a single typed field value. The zero Value has no kind and is
// used as "no value"; it is never stored in a slot.
type Value struct {
	kind schema.FieldType
	b    bool
	i    int64
	f    float64
	t    time.Time
	s    string // string, ip, password hash
	id   invid.Invid
	m    perm.Matrix
	o    map[string]string
}

func Bool(b bool) Value { return Value{kind: schema.Boolean, b: b} }
func Int(i int64) Value { return Value{kind: schema.Numeric, i: i} }
func Float(f float64) Value { return Value{kind: schema.Float, f: f} }
func Time(t time.Time) Value { return Value{kind: schema.Date, t: t.UTC()} }
func String(s string) Value { return Value{kind: schema.String, s: s} }
func Ref(id invid.Invid) Value { return Value{kind: schema.Invid, id: id} }
func Matrix(m perm.Matrix) Value { return Value{kind: schema.PermMatrix, m: m} }

// IP returns an IP value, or the zero Value if ip is not a valid address.
func IP(ip net.IP) Value {
	if ip == nil {
		return Value{}
	}
	return Value{kind: schema.IP, s: ip.String()}
}

// OptionsValue returns an options (string map) value. The map is copied.
func OptionsValue(o map[string]string) Value {
	c := make(map[string]string, len(o))
	for k, v := range o {
		c[k] = v
	}
	return Value{kind: schema.Options, o: c}
}

// PasswordHash wraps an already hashed password.
func PasswordHash(hash string) Value {
	return Value{kind: schema.Password, s: hash}
}

// NewPassword hashes a plaintext password.
func NewPassword(plain string) (Value, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return Value{}, err
	}
	return PasswordHash(string(hash)), nil
}

// CheckPassword reports whether plain matches a password value.
func CheckPassword(v Value, plain string) bool {
	if v.kind != schema.Password || v.s == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(v.s), []byte(plain)) == nil
}

func (v Value) Kind() schema.FieldType { return v.kind }
func (v Value) IsZero() bool { return v.kind == 0 }
func (v Value) AsBool() bool { return v.b }
func (v Value) AsInt() int64 { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsTime() time.Time { return v.t }
func (v Value) AsString() string { return v.s }
func (v Value) AsInvid() invid.Invid { return v.id }
func (v Value) AsMatrix() perm.Matrix { return v.m }
func (v Value) AsIP() net.IP { return net.ParseIP(v.s) }
func (v Value) AsOptions() map[string]string { return OptionsValue(v.o).o }

// Equal reports whether both values are of the same kind and hold the same
// value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case schema.Boolean:
		return v.b == o.b
	case schema.Numeric:
		return v.i == o.i
	case schema.Float:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case schema.Date:
		return v.t.Equal(o.t)
	case schema.Invid:
		return v.id == o.id
	case schema.PermMatrix:
		return v.m.Equal(o.m)
	case schema.Options:
		if len(v.o) != len(o.o) {
			return false
		}
		for k, x := range v.o {
			if y, ok := o.o[k]; !ok || x != y {
				return false
			}
		}
		return true
	default:
		return v.s == o.s
	}
}

// Compare orders two values of the same kind. Values of different kinds
// are ordered by kind.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		return cmpInt(int64(v.kind), int64(o.kind))
	}
	switch v.kind {
	case schema.Boolean:
		return cmpInt(b2i(v.b), b2i(o.b))
	case schema.Numeric:
		return cmpInt(v.i, o.i)
	case schema.Float:
		switch {
		case v.f < o.f:
			return -1
		case v.f > o.f:
			return 1
		}
		return 0
	case schema.Date:
		return v.t.Compare(o.t)
	case schema.Invid:
		if v.id == o.id {
			return 0
		}
		if v.id.Less(o.id) {
			return -1
		}
		return 1
	case schema.IP:
		return compareIP(v.AsIP(), o.AsIP())
	default:
		return strings.Compare(v.Text(), o.Text())
	}
}

func compareIP(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			return cmpInt(int64(a16[i]), int64(b16[i]))
		}
	}
	return cmpInt(int64(len(a16)), int64(len(b16)))
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Text returns the canonical textual form of the value, the inverse of
// ParseValue.
func (v Value) Text() string {
	switch v.kind {
	case schema.Boolean:
		return strconv.FormatBool(v.b)
	case schema.Numeric:
		return strconv.FormatInt(v.i, 10)
	case schema.Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case schema.Date:
		return v.t.Format(time.RFC3339Nano)
	case schema.Invid:
		return v.id.String()
	case schema.PermMatrix:
		return v.m.String()
	case schema.Options:
		data, _ := json.Marshal(v.o)
		return string(data)
	default:
		return v.s
	}
}

// String renders the value for display. Passwords are never shown.
func (v Value) String() string {
	if v.kind == schema.Password {
		return "<password>"
	}
	return v.Text()
}

// NamespaceKey is the value's identity within a namespace. Values of
// different kinds never collide.
func (v Value) NamespaceKey() string {
	return v.kind.String() + ":" + v.Text()
}

// ParseValue parses the textual form of a value of the given kind.
// Password text is taken as an existing hash.
func ParseValue(kind schema.FieldType, text string) (Value, error) {
	switch kind {
	case schema.Boolean:
		b, err := strconv.ParseBool(text)
		return Bool(b), err
	case schema.Numeric:
		i, err := strconv.ParseInt(text, 10, 64)
		return Int(i), err
	case schema.Float:
		f, err := strconv.ParseFloat(text, 64)
		return Float(f), err
	case schema.Date:
		t, err := time.Parse(time.RFC3339Nano, text)
		return Time(t), err
	case schema.String:
		return String(text), nil
	case schema.Invid:
		id, err := invid.Parse(text)
		return Ref(id), err
	case schema.Password:
		return PasswordHash(text), nil
	case schema.IP:
		ip := net.ParseIP(text)
		if ip == nil {
			return Value{}, fmt.Errorf("invalid ip address %q", text)
		}
		return IP(ip), nil
	case schema.PermMatrix:
		m, err := perm.ParseMatrix(text)
		return Matrix(m), err
	case schema.Options:
		o := map[string]string{}
		if text != "" {
			if err := json.Unmarshal([]byte(text), &o); err != nil {
				return Value{}, err
			}
		}
		return OptionsValue(o), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %d", kind)
	}
}

// --------------------------------------------------------------------------
// Slot
// --------------------------------------------------------------------------

// SlotState distinguishes a field that was never set from one that was
// explicitly cleared.
type SlotState uint8

const (
	Undefined SlotState = iota
	Null
	Defined
)

func (s SlotState) String() string {
	switch s {
	case Undefined:
		return "undefined"
	case Null:
		return "null"
	default:
		return "defined"
	}
}

// Slot is the content of one field: Undefined | Null | Value. Vector slots
// are Defined while they hold at least one element.
type Slot struct {
	State  SlotState
	Scalar Value
	Vector []Value
}

// ScalarSlot returns a defined scalar slot, or a null slot for the zero Value.
func ScalarSlot(v Value) Slot {
	if v.IsZero() {
		return Slot{State: Null}
	}
	return Slot{State: Defined, Scalar: v}
}

// VectorSlot returns a vector slot holding a copy of vs.
func VectorSlot(vs []Value) Slot {
	if len(vs) == 0 {
		return Slot{}
	}
	return Slot{State: Defined, Vector: append([]Value(nil), vs...)}
}

// IsDefined reports whether the slot holds a value.
func (s Slot) IsDefined() bool { return s.State == Defined }

// Clone returns a deep copy of the slot (vector storage is not shared).
func (s Slot) Clone() Slot {
	if s.Vector != nil {
		s.Vector = append([]Value(nil), s.Vector...)
	}
	return s
}

// Values returns the slot's values: the vector, or the scalar as a one
// element slice.
func (s Slot) Values() []Value {
	if s.State != Defined {
		return nil
	}
	if s.Vector != nil {
		return append([]Value(nil), s.Vector...)
	}
	return []Value{s.Scalar}
}

// Equal compares two slots including their state.
func (s Slot) Equal(o Slot) bool {
	if s.State != o.State {
		return false
	}
	if s.State != Defined {
		return true
	}
	if len(s.Vector) != len(o.Vector) {
		return false
	}
	for i := range s.Vector {
		if !s.Vector[i].Equal(o.Vector[i]) {
			return false
		}
	}
	if s.Vector == nil {
		return s.Scalar.Equal(o.Scalar)
	}
	return true
}

func (s Slot) indexOf(v Value) int {
	for i, x := range s.Vector {
		if x.Equal(v) {
			return i
		}
	}
	return -1
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// EncodedValue is the serializer-friendly form of a Value.
type EncodedValue struct {
	Kind uint8  `json:"kind"`
	Text string `json:"text"`
}

// EncodedSlot is the serializer-friendly form of a Slot.
type EncodedSlot struct {
	Field  uint16         `json:"field"`
	State  uint8          `json:"state"`
	Values []EncodedValue `json:"values,omitempty"`
	Vector bool           `json:"vector,omitempty"`
}

// EncodedRecord is the serializer-friendly form of an object.
type EncodedRecord struct {
	Invid  string        `json:"invid"`
	Label  string        `json:"label,omitempty"`
	Fields []EncodedSlot `json:"fields"`
}

func EncodeValue(v Value) EncodedValue {
	return EncodedValue{Kind: uint8(v.kind), Text: v.Text()}
}

func DecodeValue(ev EncodedValue) (Value, error) {
	return ParseValue(schema.FieldType(ev.Kind), ev.Text)
}

func EncodeSlot(field schema.FieldID, s Slot) EncodedSlot {
	es := EncodedSlot{Field: field, State: uint8(s.State), Vector: s.Vector != nil}
	for _, v := range s.Values() {
		es.Values = append(es.Values, EncodeValue(v))
	}
	return es
}

func DecodeSlot(es EncodedSlot) (Slot, error) {
	s := Slot{State: SlotState(es.State)}
	if s.State != Defined {
		return s, nil
	}
	values := make([]Value, 0, len(es.Values))
	for _, ev := range es.Values {
		v, err := DecodeValue(ev)
		if err != nil {
			return Slot{}, err
		}
		values = append(values, v)
	}
	if es.Vector {
		return VectorSlot(values), nil
	}
	if len(values) != 1 {
		return Slot{}, fmt.Errorf("scalar slot for field %d holds %d values", es.Field, len(values))
	}
	return ScalarSlot(values[0]), nil
}

// EncodeFields encodes the defined fields of r in field id order. Fields
// rejected by keep are skipped; keep may be nil.
func EncodeFields(r FieldReader, keep func(schema.FieldID) bool) EncodedRecord {
	er := EncodedRecord{Invid: r.Invid().String(), Label: Label(r)}
	for _, f := range r.Type().Fields() {
		s := r.Slot(f.ID)
		if !s.IsDefined() || (keep != nil && !keep(f.ID)) {
			continue
		}
		er.Fields = append(er.Fields, EncodeSlot(f.ID, s))
	}
	sort.Slice(er.Fields, func(i, j int) bool { return er.Fields[i].Field < er.Fields[j].Field })
	return er
}

package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type (
	// TypeID identifies an object type. Ids below FirstCustomType are reserved.
	TypeID = uint16
	// FieldID identifies a field within a type.
	FieldID = uint16
)

const (
	// NoField marks the absence of a field, e.g. the reverse field of an
	// asymmetric link. It equals the object-level column of a perm.Matrix.
	NoField FieldID = 0xFFFF
	// AnyType is the link target of an invid field that may point anywhere.
	AnyType TypeID = 0xFFFF
	// FirstCustomType is the lowest id handed to schema-defined types.
	FirstCustomType TypeID = 256
	// FirstCustomField is the lowest id handed to type specific fields.
	FirstCustomField FieldID = 100
)

// FieldType is the value kind stored in a field.
type FieldType uint8

const (
	Boolean FieldType = iota + 1
	Numeric
	Float
	Date
	String
	Invid
	Password
	IP
	PermMatrix
	Options
)

var fieldTypeNames = map[FieldType]string{
	Boolean:    "boolean",
	Numeric:    "numeric",
	Float:      "float",
	Date:       "date",
	String:     "string",
	Invid:      "invid",
	Password:   "password",
	IP:         "ip",
	PermMatrix: "permmatrix",
	Options:    "options",
}

func (t FieldType) String() string {
	if s, ok := fieldTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("fieldtype(%d)", uint8(t))
}

// ParseFieldType resolves the textual name used in schema files.
func ParseFieldType(s string) (FieldType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range fieldTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// UsesMarkUndefined reports whether clearing a field of this type goes
// through the dedicated undefine path instead of a null set.
func (t FieldType) UsesMarkUndefined() bool {
	return t == PermMatrix || t == Password || t == Options
}

// Field describes one field slot of an object type.
type Field struct {
	ID      FieldID
	Name    string
	Comment string
	Type    FieldType
	Vector  bool
	// MaxSize bounds the number of elements of a vector field. 0 means unbounded.
	MaxSize int

	// Namespace binds the field's values to a uniqueness domain.
	Namespace string

	// TargetType and TargetField describe an invid link. TargetField is the
	// field on the remote object that points back (symmetric link) or
	// NoField for an asymmetric, reverse-indexed link.
	TargetType  TypeID
	TargetField FieldID

	MinLength int
	MaxLength int
	Pattern   *regexp.Regexp

	// Builtin fields are maintained by the store and never cloned.
	Builtin bool
	// Protected fields are forced view-only unless the caller owns the object
	// through a privileged persona.
	Protected bool
	// Required fields must be defined for an object to be consistent.
	Required bool
}

// Symmetric reports whether the field is an invid link with a back pointer
// on the remote object.
func (f *Field) Symmetric() bool {
	return f.Type == Invid && f.TargetField != NoField
}

func (f *Field) String() string {
	vec := ""
	if f.Vector {
		vec = "[]"
	}
	return fmt.Sprintf("%s(%d) %s%s", f.Name, f.ID, vec, f.Type)
}

// ObjectType describes one object type.
type ObjectType struct {
	ID            TypeID
	Name          string
	LabelField    FieldID
	Embedded      bool
	CanInactivate bool

	fields []*Field
	byID   map[FieldID]*Field
	byName map[string]*Field
}

// NewObjectType returns a type carrying the built-in fields.
func NewObjectType(id TypeID, name string, embedded bool) *ObjectType {
	t := &ObjectType{
		ID:         id,
		Name:       name,
		LabelField: NoField,
		Embedded:   embedded,
		byID:       map[FieldID]*Field{},
		byName:     map[string]*Field{},
	}
	for _, f := range builtinFields(embedded) {
		t.fields = append(t.fields, f)
		t.byID[f.ID] = f
		t.byName[strings.ToLower(f.Name)] = f
	}
	return t
}

// AddField appends a field. It fails on duplicate ids or names.
func (t *ObjectType) AddField(f *Field) error {
	if _, ok := t.byID[f.ID]; ok {
		return fmt.Errorf("type %s: duplicate field id %d", t.Name, f.ID)
	}
	key := strings.ToLower(f.Name)
	if _, ok := t.byName[key]; ok {
		return fmt.Errorf("type %s: duplicate field name %q", t.Name, f.Name)
	}
	t.fields = append(t.fields, f)
	t.byID[f.ID] = f
	t.byName[key] = f
	return nil
}

// Fields returns the fields in declaration order. The slice must not be modified.
func (t *ObjectType) Fields() []*Field { return t.fields }

// Field looks up a field by id.
func (t *ObjectType) Field(id FieldID) (*Field, bool) {
	f, ok := t.byID[id]
	return f, ok
}

// FieldByName looks up a field by case-insensitive name.
func (t *ObjectType) FieldByName(name string) (*Field, bool) {
	f, ok := t.byName[strings.ToLower(name)]
	return f, ok
}

// Label returns the designated label field, if any.
func (t *ObjectType) Label() (*Field, bool) {
	if t.LabelField == NoField {
		return nil, false
	}
	return t.Field(t.LabelField)
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

// Namespace describes a uniqueness domain.
type Namespace struct {
	Name            string
	CaseInsensitive bool
}

// Schema is the registry of object types and namespaces.
type Schema struct {
	types      map[TypeID]*ObjectType
	byName     map[string]*ObjectType
	namespaces map[string]Namespace
	published  bool
}

// New returns a schema holding the built-in administrative types.
func New() *Schema {
	s := &Schema{
		types:      map[TypeID]*ObjectType{},
		byName:     map[string]*ObjectType{},
		namespaces: map[string]Namespace{},
	}
	for _, ns := range builtinNamespaces() {
		s.namespaces[ns.Name] = ns
	}
	for _, t := range builtinTypes() {
		s.types[t.ID] = t
		s.byName[strings.ToLower(t.Name)] = t
	}
	return s
}

// AddNamespace registers a namespace.
func (s *Schema) AddNamespace(ns Namespace) error {
	if s.published {
		return fmt.Errorf("schema is published")
	}
	if ns.Name == "" {
		return fmt.Errorf("namespace without name")
	}
	if _, ok := s.namespaces[ns.Name]; ok {
		return fmt.Errorf("duplicate namespace %q", ns.Name)
	}
	s.namespaces[ns.Name] = ns
	return nil
}

// AddType registers an object type.
func (s *Schema) AddType(t *ObjectType) error {
	if s.published {
		return fmt.Errorf("schema is published")
	}
	if t.ID < FirstCustomType || t.ID == AnyType {
		return fmt.Errorf("type %s: id %d is reserved", t.Name, t.ID)
	}
	if _, ok := s.types[t.ID]; ok {
		return fmt.Errorf("duplicate type id %d", t.ID)
	}
	if _, ok := s.byName[strings.ToLower(t.Name)]; ok {
		return fmt.Errorf("duplicate type name %q", t.Name)
	}
	s.types[t.ID] = t
	s.byName[strings.ToLower(t.Name)] = t
	return nil
}

// Publish validates cross references and freezes the schema.
func (s *Schema) Publish() error {
	if s.published {
		return nil
	}
	for _, t := range s.types {
		if t.LabelField != NoField {
			if _, ok := t.Field(t.LabelField); !ok {
				return fmt.Errorf("type %s: label field %d does not exist", t.Name, t.LabelField)
			}
		}
		for _, f := range t.fields {
			if err := s.checkField(t, f); err != nil {
				return err
			}
		}
	}
	s.published = true
	return nil
}

func (s *Schema) checkField(t *ObjectType, f *Field) error {
	if f.Namespace != "" {
		if _, ok := s.namespaces[f.Namespace]; !ok {
			return fmt.Errorf("field %s.%s: unknown namespace %q", t.Name, f.Name, f.Namespace)
		}
	}
	if f.Type != Invid {
		return nil
	}
	if f.TargetType == AnyType {
		if f.TargetField != NoField {
			return fmt.Errorf("field %s.%s: symmetric link needs a target type", t.Name, f.Name)
		}
		return nil
	}
	target, ok := s.types[f.TargetType]
	if !ok {
		return fmt.Errorf("field %s.%s: unknown target type %d", t.Name, f.Name, f.TargetType)
	}
	if f.TargetField == NoField {
		return nil
	}
	back, ok := target.Field(f.TargetField)
	if !ok {
		return fmt.Errorf("field %s.%s: target field %d missing on %s", t.Name, f.Name, f.TargetField, target.Name)
	}
	if back.Type != Invid || back.TargetField != f.ID || (back.TargetType != t.ID && back.TargetType != AnyType) {
		return fmt.Errorf("field %s.%s: link is not symmetric with %s.%s", t.Name, f.Name, target.Name, back.Name)
	}
	return nil
}

// Published reports whether Publish succeeded.
func (s *Schema) Published() bool { return s.published }

// Type looks up a type by id.
func (s *Schema) Type(id TypeID) (*ObjectType, bool) {
	t, ok := s.types[id]
	return t, ok
}

// TypeByName looks up a type by case-insensitive name.
func (s *Schema) TypeByName(name string) (*ObjectType, bool) {
	t, ok := s.byName[strings.ToLower(name)]
	return t, ok
}

// Types returns all types ordered by id.
func (s *Schema) Types() []*ObjectType {
	out := make([]*ObjectType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Namespace looks up a namespace by name.
func (s *Schema) Namespace(name string) (Namespace, bool) {
	ns, ok := s.namespaces[name]
	return ns, ok
}

// Namespaces returns all registered namespaces ordered by name.
func (s *Schema) Namespaces() []Namespace {
	out := make([]Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Field resolves a (type, field) pair.
func (s *Schema) Field(typeID TypeID, fieldID FieldID) (*Field, bool) {
	t, ok := s.types[typeID]
	if !ok {
		return nil, false
	}
	return t.Field(fieldID)
}

package schema

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

type fileSchema struct {
	Namespaces []fileNamespace `yaml:"namespaces"`
	Types      []fileType      `yaml:"types"`
}

type fileNamespace struct {
	Name            string `yaml:"name"`
	CaseInsensitive bool   `yaml:"caseInsensitive"`
}

type fileType struct {
	ID            TypeID      `yaml:"id"`
	Name          string      `yaml:"name"`
	Label         string      `yaml:"label"`
	Embedded      bool        `yaml:"embedded"`
	CanInactivate bool        `yaml:"canInactivate"`
	Fields        []fileField `yaml:"fields"`
}

type fileField struct {
	ID          FieldID `yaml:"id"`
	Name        string  `yaml:"name"`
	Comment     string  `yaml:"comment"`
	Type        string  `yaml:"type"`
	Vector      bool    `yaml:"vector"`
	MaxSize     int     `yaml:"maxSize"`
	Namespace   string  `yaml:"namespace"`
	Target      string  `yaml:"target"`
	TargetField string  `yaml:"targetField"`
	MinLength   int     `yaml:"minLength"`
	MaxLength   int     `yaml:"maxLength"`
	Pattern     string  `yaml:"pattern"`
	Required    bool    `yaml:"required"`
}

// LoadFile reads a YAML schema description from path and returns the
// published schema (built-in types included).
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Load(data)
}

// Load parses a YAML schema description and returns the published schema.
// Link targets are resolved by type and field name after every type has been
// declared, so types may reference each other in any order.
func Load(data []byte) (*Schema, error) {
	var fs fileSchema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fs); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	s := New()
	for _, ns := range fs.Namespaces {
		if err := s.AddNamespace(Namespace{Name: ns.Name, CaseInsensitive: ns.CaseInsensitive}); err != nil {
			return nil, err
		}
	}

	// first pass: declare types and non-link attributes
	for _, ft := range fs.Types {
		t := NewObjectType(ft.ID, ft.Name, ft.Embedded)
		t.CanInactivate = ft.CanInactivate
		for _, ff := range ft.Fields {
			f, err := ff.build(t)
			if err != nil {
				return nil, err
			}
			if err := t.AddField(f); err != nil {
				return nil, err
			}
		}
		if ft.Label != "" {
			label, ok := t.FieldByName(ft.Label)
			if !ok {
				return nil, fmt.Errorf("type %s: unknown label field %q", ft.Name, ft.Label)
			}
			t.LabelField = label.ID
		}
		if err := s.AddType(t); err != nil {
			return nil, err
		}
	}

	// second pass: resolve link targets
	for _, ft := range fs.Types {
		t, _ := s.Type(ft.ID)
		for _, ff := range ft.Fields {
			f, _ := t.Field(ff.ID)
			if f.Type != Invid {
				continue
			}
			if err := ff.resolveTarget(s, t, f); err != nil {
				return nil, err
			}
		}
	}

	if err := s.Publish(); err != nil {
		return nil, err
	}
	return s, nil
}

func (ff fileField) build(t *ObjectType) (*Field, error) {
	if ff.ID < FirstCustomField || ff.ID == NoField {
		return nil, fmt.Errorf("type %s: field %q uses reserved id %d", t.Name, ff.Name, ff.ID)
	}
	ftype, err := ParseFieldType(ff.Type)
	if err != nil {
		return nil, fmt.Errorf("type %s field %q: %w", t.Name, ff.Name, err)
	}
	f := &Field{
		ID:          ff.ID,
		Name:        ff.Name,
		Comment:     ff.Comment,
		Type:        ftype,
		Vector:      ff.Vector,
		MaxSize:     ff.MaxSize,
		Namespace:   ff.Namespace,
		MinLength:   ff.MinLength,
		MaxLength:   ff.MaxLength,
		Required:    ff.Required,
		TargetType:  AnyType,
		TargetField: NoField,
	}
	if ff.Pattern != "" {
		if f.Pattern, err = regexp.Compile(ff.Pattern); err != nil {
			return nil, fmt.Errorf("type %s field %q: bad pattern: %w", t.Name, ff.Name, err)
		}
	}
	if ftype.UsesMarkUndefined() && ff.Vector {
		return nil, fmt.Errorf("type %s field %q: %s fields cannot be vectors", t.Name, ff.Name, ftype)
	}
	return f, nil
}

func (ff fileField) resolveTarget(s *Schema, t *ObjectType, f *Field) error {
	if ff.Target == "" {
		if ff.TargetField != "" {
			return fmt.Errorf("type %s field %q: targetField without target", t.Name, ff.Name)
		}
		return nil
	}
	target, ok := s.TypeByName(ff.Target)
	if !ok {
		return fmt.Errorf("type %s field %q: unknown target type %q", t.Name, ff.Name, ff.Target)
	}
	f.TargetType = target.ID
	if ff.TargetField == "" {
		return nil
	}
	back, ok := target.FieldByName(ff.TargetField)
	if !ok {
		return fmt.Errorf("type %s field %q: unknown target field %q on %s", t.Name, ff.Name, ff.TargetField, target.Name)
	}
	f.TargetField = back.ID
	return nil
}

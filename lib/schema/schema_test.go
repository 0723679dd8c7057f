package schema

import (
	"strings"
	"testing"
)

const testSchema = `
namespaces:
  - name: hostname
    caseInsensitive: true
types:
  - id: 256
    name: system
    label: name
    canInactivate: true
    fields:
      - {id: 100, name: name, type: string, namespace: hostname, maxLength: 64, required: true}
      - {id: 101, name: interfaces, type: invid, vector: true, maxSize: 4, target: interface, targetField: system}
      - {id: 102, name: admin, type: invid, target: user}
  - id: 257
    name: interface
    label: address
    embedded: true
    fields:
      - {id: 100, name: address, type: ip}
      - {id: 101, name: system, type: invid, target: system, targetField: interfaces}
`

func TestBuiltins(t *testing.T) {
	s := New()
	if err := s.Publish(); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	user, ok := s.TypeByName("user")
	if !ok {
		t.Fatalf("user type missing")
	}
	label, ok := user.Label()
	if !ok || label.ID != UserName || label.Namespace != UserNamespace {
		t.Errorf("user label = %v", label)
	}
	owner, ok := user.Field(OwnerListField)
	if !ok || !owner.Protected || !owner.Vector {
		t.Errorf("owner list field = %v", owner)
	}
	if _, ok := user.Field(ContainerField); ok {
		t.Errorf("non embedded type should not carry a container field")
	}

	members, _ := s.Field(OwnerGroupType, OwnerGroupMembers)
	if !members.Symmetric() {
		t.Errorf("members should be symmetric")
	}
	roles, _ := s.Field(PersonaType, PersonaRoles)
	if roles.Symmetric() {
		t.Errorf("roles should be asymmetric")
	}
}

func TestLoad(t *testing.T) {
	s, err := Load([]byte(testSchema))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.Published() {
		t.Fatalf("loaded schema not published")
	}

	system, ok := s.TypeByName("System")
	if !ok {
		t.Fatalf("system type missing")
	}
	ifaces, _ := system.FieldByName("interfaces")
	if ifaces.TargetType != 257 || ifaces.TargetField != 101 || ifaces.MaxSize != 4 {
		t.Errorf("interfaces = %+v", ifaces)
	}
	admin, _ := system.FieldByName("admin")
	if admin.TargetType != UserType || admin.Symmetric() {
		t.Errorf("admin = %+v", admin)
	}

	iface, _ := s.TypeByName("interface")
	if !iface.Embedded {
		t.Errorf("interface should be embedded")
	}
	if _, ok := iface.Field(ContainerField); !ok {
		t.Errorf("embedded type needs a container field")
	}
	if ns, ok := s.Namespace("hostname"); !ok || !ns.CaseInsensitive {
		t.Errorf("hostname namespace = %+v", ns)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "reserved type id",
			yaml:    "types: [{id: 3, name: clash}]",
			wantErr: "reserved",
		},
		{
			name:    "reserved field id",
			yaml:    "types: [{id: 300, name: x, fields: [{id: 5, name: y, type: string}]}]",
			wantErr: "reserved id",
		},
		{
			name:    "unknown namespace",
			yaml:    "types: [{id: 300, name: x, fields: [{id: 100, name: y, type: string, namespace: nope}]}]",
			wantErr: "unknown namespace",
		},
		{
			name:    "asymmetric back pointer",
			yaml:    "types: [{id: 300, name: x, fields: [{id: 100, name: y, type: invid, target: user, targetField: username}]}]",
			wantErr: "not symmetric",
		},
		{
			name:    "unknown key",
			yaml:    "types: [{id: 300, name: x, color: red}]",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

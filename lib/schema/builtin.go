package schema

import "regexp"

// Built-in type ids.
const (
	OwnerGroupType TypeID = 0
	PersonaType    TypeID = 1
	RoleType       TypeID = 2
	UserType       TypeID = 3
)

// Built-in fields present on every type.
const (
	OwnerListField        FieldID = 0
	ExpirationField       FieldID = 1
	RemovalField          FieldID = 2
	NotesField            FieldID = 3
	CreationDateField     FieldID = 4
	CreatorField          FieldID = 5
	ModificationDateField FieldID = 6
	ModifierField         FieldID = 7
	ContainerField        FieldID = 8
)

// OwnerGroup fields.
const (
	OwnerGroupName    FieldID = 100
	OwnerGroupMembers FieldID = 101
	OwnerGroupEmail   FieldID = 102
)

// Persona fields.
const (
	PersonaName        FieldID = 100
	PersonaPassword    FieldID = 101
	PersonaUser        FieldID = 102
	PersonaOwnerGroups FieldID = 103
	PersonaRoles       FieldID = 104
)

// Role fields.
const (
	RoleName         FieldID = 100
	RoleOwnedPerms   FieldID = 101
	RoleDefaultPerms FieldID = 102
)

// User fields.
const (
	UserName     FieldID = 100
	UserPassword FieldID = 101
	UserPersonae FieldID = 102
	UserEmail    FieldID = 103
)

// Built-in namespace names.
const (
	OwnerGroupNamespace = "ownergroup"
	PersonaNamespace    = "persona"
	RoleNamespace       = "role"
	UserNamespace       = "username"
)

// Well known object names created at bootstrap.
const (
	SupergashName = "supergash"
	DefaultRole   = "Default"
)

// IsAdminType reports whether objects of the type feed the permission engine.
// Commits touching these types invalidate cached permission matrices.
func IsAdminType(id TypeID) bool {
	return id <= UserType
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

func builtinNamespaces() []Namespace {
	return []Namespace{
		{Name: OwnerGroupNamespace, CaseInsensitive: true},
		{Name: PersonaNamespace, CaseInsensitive: true},
		{Name: RoleNamespace, CaseInsensitive: true},
		{Name: UserNamespace, CaseInsensitive: true},
	}
}

func builtinFields(embedded bool) []*Field {
	fields := []*Field{
		{ID: OwnerListField, Name: "owner list", Type: Invid, Vector: true, TargetType: OwnerGroupType, TargetField: NoField, Builtin: true, Protected: true},
		{ID: ExpirationField, Name: "expiration date", Type: Date, Builtin: true},
		{ID: RemovalField, Name: "removal date", Type: Date, Builtin: true},
		{ID: NotesField, Name: "notes", Type: String, Builtin: true},
		{ID: CreationDateField, Name: "creation date", Type: Date, Builtin: true, Protected: true},
		{ID: CreatorField, Name: "creator", Type: String, Builtin: true, Protected: true},
		{ID: ModificationDateField, Name: "modification date", Type: Date, Builtin: true, Protected: true},
		{ID: ModifierField, Name: "modifier", Type: String, Builtin: true, Protected: true},
	}
	if embedded {
		fields = append(fields, &Field{ID: ContainerField, Name: "container", Type: Invid, TargetType: AnyType, TargetField: NoField, Builtin: true, Required: true})
	}
	return fields
}

// IsBookkeeping reports whether the field only records when and by whom an
// object was created or changed.
func IsBookkeeping(id FieldID) bool {
	switch id {
	case CreationDateField, CreatorField, ModificationDateField, ModifierField:
		return true
	}
	return false
}

func mustAdd(t *ObjectType, fields ...*Field) *ObjectType {
	for _, f := range fields {
		if err := t.AddField(f); err != nil {
			panic(err)
		}
	}
	return t
}

func builtinTypes() []*ObjectType {
	ownerGroup := mustAdd(NewObjectType(OwnerGroupType, "Owner Group", false),
		&Field{ID: OwnerGroupName, Name: "name", Type: String, Namespace: OwnerGroupNamespace, MaxLength: 64, Required: true},
		&Field{ID: OwnerGroupMembers, Name: "members", Type: Invid, Vector: true, TargetType: PersonaType, TargetField: PersonaOwnerGroups},
		&Field{ID: OwnerGroupEmail, Name: "email", Type: String, Vector: true, Pattern: emailPattern},
	)
	ownerGroup.LabelField = OwnerGroupName

	persona := mustAdd(NewObjectType(PersonaType, "Persona", false),
		&Field{ID: PersonaName, Name: "name", Type: String, Namespace: PersonaNamespace, MaxLength: 64, Required: true},
		&Field{ID: PersonaPassword, Name: "password", Type: Password},
		&Field{ID: PersonaUser, Name: "user", Type: Invid, TargetType: UserType, TargetField: UserPersonae},
		&Field{ID: PersonaOwnerGroups, Name: "owner groups", Type: Invid, Vector: true, TargetType: OwnerGroupType, TargetField: OwnerGroupMembers},
		&Field{ID: PersonaRoles, Name: "roles", Type: Invid, Vector: true, TargetType: RoleType, TargetField: NoField},
	)
	persona.LabelField = PersonaName

	role := mustAdd(NewObjectType(RoleType, "Role", false),
		&Field{ID: RoleName, Name: "name", Type: String, Namespace: RoleNamespace, MaxLength: 64, Required: true},
		&Field{ID: RoleOwnedPerms, Name: "owned perms", Type: PermMatrix},
		&Field{ID: RoleDefaultPerms, Name: "default perms", Type: PermMatrix},
	)
	role.LabelField = RoleName

	user := mustAdd(NewObjectType(UserType, "User", false),
		&Field{ID: UserName, Name: "username", Type: String, Namespace: UserNamespace, MinLength: 1, MaxLength: 32, Required: true},
		&Field{ID: UserPassword, Name: "password", Type: Password},
		&Field{ID: UserPersonae, Name: "personae", Type: Invid, Vector: true, TargetType: PersonaType, TargetField: PersonaUser},
		&Field{ID: UserEmail, Name: "email", Type: String, Pattern: emailPattern},
	)
	user.LabelField = UserName
	user.CanInactivate = true

	return []*ObjectType{ownerGroup, persona, role, user}
}

package access

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/schema"
)

const testSchemaYAML = `
namespaces:
  - name: hostname
types:
  - id: 256
    name: system
    label: name
    fields:
      - {id: 100, name: name, type: string, namespace: hostname, required: true}
      - {id: 101, name: cpus, type: numeric}
  - id: 257
    name: interface
    label: name
    embedded: true
    fields:
      - {id: 100, name: name, type: string}
`

const (
	systemType    schema.TypeID  = 256
	interfaceType schema.TypeID  = 257
	systemName    schema.FieldID = 100
	systemCPUs    schema.FieldID = 101
)

type fixture struct {
	store  *db.Store
	engine *Engine

	groupG, groupP, groupH invid.Invid
	alice, bob             *Identity
	carol                  *Identity
	role                   invid.Invid
	sys, sys2, iface       invid.Invid
}

func mustMatrix(t *testing.T, s string) perm.Matrix {
	t.Helper()
	m, err := perm.ParseMatrix(s)
	if err != nil {
		t.Fatalf("ParseMatrix(%q) error = %v", s, err)
	}
	return m
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// newFixture builds a store with this owner graph:
//
//	G is owned by P, P is owned by G (cycle), H stands alone.
//	alice-admin is a member of G, bob-admin of H, both hold role "admins".
//	sys is owned by G, sys2 by P, iface is embedded in sys.
func newFixture(t *testing.T, hooks map[schema.TypeID]db.ObjectHook) *fixture {
	t.Helper()
	s, err := schema.Load([]byte(testSchemaYAML))
	check(t, err)
	opts := db.DefaultOptions()
	opts.Hooks = hooks
	st, err := db.NewStore(s, opts)
	check(t, err)
	check(t, st.Bootstrap(context.Background(), "secret"))

	f := &fixture{store: st, engine: NewEngine(st)}
	txn := st.Begin(nil, nil, "fixture")

	group := func(name string, owners ...invid.Invid) *db.EditRecord {
		e, err := txn.Create(schema.OwnerGroupType, owners...)
		check(t, err)
		check(t, e.SetValue(schema.OwnerGroupName, db.String(name)))
		return e
	}
	p := group("P")
	g := group("G", p.Invid())
	h := group("H")
	check(t, p.AddElement(schema.OwnerListField, db.Ref(g.Invid())))
	f.groupG, f.groupP, f.groupH = g.Invid(), p.Invid(), h.Invid()

	role, err := txn.Create(schema.RoleType)
	check(t, err)
	check(t, role.SetValue(schema.RoleName, db.String("admins")))
	check(t, role.SetValue(schema.RoleOwnedPerms, db.Matrix(mustMatrix(t, "256=vecd,256.101=ve,257=ve"))))
	check(t, role.SetValue(schema.RoleDefaultPerms, db.Matrix(mustMatrix(t, "256=v,256.101=vec"))))
	f.role = role.Invid()

	persona := func(name string, groups ...invid.Invid) *Identity {
		e, err := txn.Create(schema.PersonaType)
		check(t, err)
		check(t, e.SetValue(schema.PersonaName, db.String(name)))
		check(t, e.AddElement(schema.PersonaRoles, db.Ref(f.role)))
		for _, gid := range groups {
			check(t, e.AddElement(schema.PersonaOwnerGroups, db.Ref(gid)))
		}
		return &Identity{PersonaID: e.Invid(), Label: name}
	}
	f.alice = persona("alice-admin", f.groupG)
	f.bob = persona("bob-admin", f.groupH)

	user, err := txn.Create(schema.UserType)
	check(t, err)
	check(t, user.SetValue(schema.UserName, db.String("carol")))
	f.carol = &Identity{UserID: user.Invid(), Label: "carol"}

	system := func(name string, owner invid.Invid) *db.EditRecord {
		e, err := txn.Create(systemType, owner)
		check(t, err)
		check(t, e.SetValue(systemName, db.String(name)))
		return e
	}
	f.sys = system("alpha", f.groupG).Invid()
	f.sys2 = system("beta", f.groupP).Invid()

	iface, err := txn.Create(interfaceType)
	check(t, err)
	check(t, iface.SetValue(schema.ContainerField, db.Ref(f.sys)))
	check(t, iface.SetValue(100, db.String("eth0")))
	f.iface = iface.Invid()

	check(t, txn.Commit(context.Background(), true))
	return f
}

func (f *fixture) get(t *testing.T, id invid.Invid) *db.ObjectRecord {
	t.Helper()
	r, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("object %s missing", id)
	}
	return r
}

func TestObjectPermOwnedAndNotOwned(t *testing.T) {
	f := newFixture(t, nil)
	sys := f.get(t, f.sys)

	tests := []struct {
		name    string
		subject *Identity
		want    perm.Entry
	}{
		{"member of owning group", f.alice, perm.Full},
		{"outsider", f.bob, perm.ViewOnly},
		{"end user", f.carol, perm.None},
		{"supergash", &Identity{Label: "supergash", Super: true}, perm.Full},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.engine.Checker(tt.subject).ObjectPerm(sys); got != tt.want {
				t.Errorf("ObjectPerm() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckoutConflictIndependentOfPermission(t *testing.T) {
	f := newFixture(t, nil)
	aliceChecker := f.engine.Checker(f.alice)
	bobChecker := f.engine.Checker(f.bob)

	t1 := f.store.Begin(f.alice, aliceChecker, "edit")
	e, err := t1.Checkout(f.sys)
	check(t, err)
	check(t, e.SetValue(systemCPUs, db.Int(4)))

	t2 := f.store.Begin(f.bob, bobChecker, "edit")
	_, err = t2.Checkout(f.sys)
	if !db.IsCode(err, db.RetCLocked) {
		t.Fatalf("Checkout() error = %v, want locked", err)
	}
	if holder := err.(*db.Error).Holder; holder != "alice-admin" {
		t.Errorf("holder = %q", holder)
	}
	if got := bobChecker.ObjectPerm(f.get(t, f.sys)); got != perm.ViewOnly {
		t.Errorf("outsider permission = %s, want the not-owned entry", got)
	}
}

func TestFieldPermNeverExceedsObjectPerm(t *testing.T) {
	f := newFixture(t, nil)
	objects := []db.FieldReader{f.get(t, f.sys), f.get(t, f.sys2), f.get(t, f.iface)}
	for _, subject := range []*Identity{f.alice, f.bob, f.carol} {
		c := f.engine.Checker(subject)
		for _, obj := range objects {
			op := c.ObjectPerm(obj)
			for _, field := range obj.Type().Fields() {
				fp := c.FieldPerm(obj, field.ID)
				if extra := (fp &^ perm.Creatable) &^ op; extra != 0 {
					t.Errorf("%s on %s.%s: field %s exceeds object %s",
						subject.Label, obj.Type().Name, field.Name, fp, op)
				}
			}
		}
	}
}

func TestCreateBitCarveOut(t *testing.T) {
	f := newFixture(t, nil)
	c := f.engine.Checker(f.bob)
	sys := f.get(t, f.sys)

	if got := c.ObjectPerm(sys); got.Creatable() {
		t.Fatalf("object entry unexpectedly creatable: %s", got)
	}
	if got, want := c.FieldPerm(sys, systemCPUs), perm.Visible|perm.Creatable; got != want {
		t.Errorf("FieldPerm(cpus) = %s, want %s", got, want)
	}
	// fields without their own cell fall back to the object entry
	if got := c.FieldPerm(sys, systemName); got != perm.ViewOnly {
		t.Errorf("FieldPerm(name) = %s, want %s", got, perm.ViewOnly)
	}
}

func TestOwnerGraphWalk(t *testing.T) {
	f := newFixture(t, nil)
	sys2 := f.get(t, f.sys2)

	if !f.engine.Checker(f.alice).Owns(sys2) {
		t.Errorf("member of G should own an object owned by P (G owns P)")
	}
	if f.engine.Checker(f.bob).Owns(sys2) {
		t.Errorf("member of H should not own an object owned by P")
	}

	g := f.engine.snapshot()
	if g.reaches([]invid.Invid{f.groupG}, map[invid.Invid]struct{}{f.groupH: {}}) {
		t.Errorf("walk over the G/P cycle reached an unrelated group")
	}
}

func TestProtectedFields(t *testing.T) {
	f := newFixture(t, nil)
	sys := f.get(t, f.sys)
	user := f.get(t, f.carol.UserID)

	tests := []struct {
		name    string
		subject *Identity
		obj     db.FieldReader
		field   schema.FieldID
		want    perm.Entry
	}{
		{"privileged owner edits owner list", f.alice, sys, schema.OwnerListField, perm.Full},
		{"outsider sees owner list", f.bob, sys, schema.OwnerListField, perm.ViewOnly},
		{"end user cannot edit own owner list", f.carol, user, schema.OwnerListField, perm.ViewOnly},
		{"end user cannot edit creator", f.carol, user, schema.CreatorField, perm.ViewOnly},
		{"end user edits own email", f.carol, user, schema.UserEmail, perm.Visible | perm.Editable},
		{"end user views own username", f.carol, user, schema.UserName, perm.ViewOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.engine.Checker(tt.subject).FieldPerm(tt.obj, tt.field); got != tt.want {
				t.Errorf("FieldPerm() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEmbeddedObjectsUseContainer(t *testing.T) {
	f := newFixture(t, nil)
	iface := f.get(t, f.iface)

	alice := f.engine.Checker(f.alice)
	if got := alice.ObjectPerm(iface); got != perm.Full {
		t.Errorf("owner ObjectPerm(iface) = %s", got)
	}
	if got := alice.FieldPerm(iface, 100); got != perm.Visible|perm.Editable {
		t.Errorf("owner FieldPerm(iface.name) = %s", got)
	}

	bob := f.engine.Checker(f.bob)
	if got := bob.ObjectPerm(iface); got != perm.ViewOnly {
		t.Errorf("outsider ObjectPerm(iface) = %s", got)
	}
	if got := bob.FieldPerm(iface, 100); got != perm.None {
		t.Errorf("outsider FieldPerm(iface.name) = %s", got)
	}
}

func TestGrantsFollowPermStamp(t *testing.T) {
	f := newFixture(t, nil)
	bob := f.engine.Checker(f.bob)
	sys := f.get(t, f.sys)
	if got := bob.ObjectPerm(sys); got != perm.ViewOnly {
		t.Fatalf("before: %s", got)
	}

	txn := f.store.Begin(nil, nil, "join G")
	p, err := txn.Checkout(f.bob.PersonaID)
	check(t, err)
	check(t, p.AddElement(schema.PersonaOwnerGroups, db.Ref(f.groupG)))
	check(t, txn.Commit(context.Background(), true))

	if got := bob.ObjectPerm(sys); got != perm.Full {
		t.Errorf("after joining G: %s", got)
	}
}

func TestLoadingBypassesChecks(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetLoading(true)
	defer f.store.SetLoading(false)
	if got := f.engine.Checker(f.carol).ObjectPerm(f.get(t, f.sys)); got != perm.Full {
		t.Errorf("ObjectPerm() during load = %s", got)
	}
}

func TestMissingDefaultRoleIsFault(t *testing.T) {
	s, err := schema.Load([]byte(testSchemaYAML))
	check(t, err)
	st, err := db.NewStore(s, nil)
	check(t, err)

	txn := st.Begin(nil, nil, "setup")
	e, err := txn.Create(systemType)
	check(t, err)
	check(t, e.SetValue(systemName, db.String("lonely")))
	check(t, txn.Commit(context.Background(), true))
	rec, _ := st.Get(e.Invid())

	defer func() {
		if _, ok := db.AsFault(recover()); !ok {
			t.Errorf("expected a fault")
		}
	}()
	NewEngine(st).Checker(&Identity{Label: "nobody"}).ObjectPerm(rec)
}

func TestGateRejectsEdits(t *testing.T) {
	f := newFixture(t, nil)

	bob := f.store.Begin(f.bob, f.engine.Checker(f.bob), "edit")
	e, err := bob.Checkout(f.sys)
	check(t, err)
	if err := e.SetValue(systemCPUs, db.Int(2)); !db.IsCode(err, db.RetCPermissionDenied) {
		t.Errorf("outsider edit error = %v, want permission denied", err)
	}

	// a new object is owned by its creator until committed
	created, err := bob.Create(systemType)
	check(t, err)
	check(t, created.SetValue(systemName, db.String("gamma")))
	check(t, created.SetValue(systemCPUs, db.Int(8)))
	bob.Abort()

	alice := f.store.Begin(f.alice, f.engine.Checker(f.alice), "edit")
	e, err = alice.Checkout(f.sys)
	check(t, err)
	check(t, e.SetValue(systemCPUs, db.Int(2)))
	check(t, e.SetValue(systemName, db.String("alpha2")))
	check(t, alice.Commit(context.Background(), true))
}

type readOnlyHook struct{ db.DefaultHook }

func (readOnlyHook) PermOverride(db.Subject, db.FieldReader) (perm.Entry, bool) {
	return perm.ViewOnly, true
}

func (readOnlyHook) FieldPermExpand(_ db.Subject, _ db.FieldReader, field schema.FieldID) perm.Entry {
	if field == systemCPUs {
		return perm.Full
	}
	return perm.None
}

func TestHookOverrideAndExpand(t *testing.T) {
	f := newFixture(t, map[schema.TypeID]db.ObjectHook{systemType: readOnlyHook{}})
	alice := f.engine.Checker(f.alice)
	sys := f.get(t, f.sys)

	if got := alice.ObjectPerm(sys); got != perm.ViewOnly {
		t.Errorf("ObjectPerm() = %s, override should win", got)
	}
	// the expanded field entry is still capped by the object entry
	if got := alice.FieldPerm(sys, systemCPUs); got != perm.Visible|perm.Creatable {
		t.Errorf("FieldPerm(cpus) = %s", got)
	}
}

func TestCanCreate(t *testing.T) {
	f := newFixture(t, nil)
	if !f.engine.Checker(f.bob).CanCreate(systemType) {
		t.Errorf("role grants create on systems")
	}
	if f.engine.Checker(f.carol).CanCreate(systemType) {
		t.Errorf("end user may not create systems")
	}
}

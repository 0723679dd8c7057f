package query

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/google/go-cmp/cmp"
)

const testSchemaYAML = `
namespaces:
  - name: hostname
    caseInsensitive: true
types:
  - id: 256
    name: system
    label: name
    fields:
      - {id: 100, name: name, type: string, namespace: hostname, required: true}
      - {id: 101, name: admin, type: invid, target: User}
      - {id: 102, name: tags, type: string, vector: true, maxSize: 4}
      - {id: 103, name: cpus, type: numeric}
`

const (
	systemType schema.TypeID  = 256
	sysName    schema.FieldID = 100
	sysAdmin   schema.FieldID = 101
	sysTags    schema.FieldID = 102
	sysCPUs    schema.FieldID = 103
)

type fixture struct {
	store  *db.Store
	engine *Engine

	alice, bob         invid.Invid
	red, blue          invid.Invid
	alpha, beta, delta invid.Invid
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// newFixture creates:
//
//	users alice and bob (alice has a password)
//	groups red and blue
//	alpha: 8 cpus, tags web+db, admin alice, owned by red
//	beta:  2 cpus, tag web, admin bob, owned by blue
//	delta: no cpus, no tags, owned by red
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := schema.Load([]byte(testSchemaYAML))
	check(t, err)
	st, err := db.NewStore(s, db.DefaultOptions())
	check(t, err)
	check(t, st.Bootstrap(context.Background(), "secret"))

	f := &fixture{store: st, engine: NewEngine(st)}
	txn := st.Begin(nil, nil, "fixture")

	user := func(name string) *db.EditRecord {
		e, err := txn.Create(schema.UserType)
		check(t, err)
		check(t, e.SetValue(schema.UserName, db.String(name)))
		check(t, e.SetValue(schema.UserEmail, db.String(name+"@example.org")))
		return e
	}
	a := user("alice")
	pw, err := db.NewPassword("hunter2")
	check(t, err)
	check(t, a.SetValue(schema.UserPassword, pw))
	f.alice = a.Invid()
	f.bob = user("bob").Invid()

	group := func(name string) invid.Invid {
		e, err := txn.Create(schema.OwnerGroupType)
		check(t, err)
		check(t, e.SetValue(schema.OwnerGroupName, db.String(name)))
		return e.Invid()
	}
	f.red = group("red")
	f.blue = group("blue")

	system := func(name string, owner invid.Invid, cpus int64, admin invid.Invid, tags ...string) invid.Invid {
		e, err := txn.Create(systemType, owner)
		check(t, err)
		check(t, e.SetValue(sysName, db.String(name)))
		if cpus > 0 {
			check(t, e.SetValue(sysCPUs, db.Int(cpus)))
		}
		if !admin.IsNil() {
			check(t, e.SetValue(sysAdmin, db.Ref(admin)))
		}
		for _, tag := range tags {
			check(t, e.AddElement(sysTags, db.String(tag)))
		}
		return e.Invid()
	}
	f.alpha = system("alpha", f.red, 8, f.alice, "web", "db")
	f.beta = system("beta", f.blue, 2, f.bob, "web")
	f.delta = system("delta", f.red, 0, invid.Nil)

	check(t, txn.Commit(context.Background(), true))
	return f
}

func (f *fixture) labels(t *testing.T, q *Query, txn *db.Transaction, gate db.Gate) []string {
	t.Helper()
	res, err := f.engine.Query(context.Background(), q, txn, gate)
	check(t, err)
	out := []string{}
	for _, r := range res {
		out = append(out, r.Label)
	}
	return out
}

func mustParse(t *testing.T, s string) *Node {
	t.Helper()
	n, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", s, err)
	}
	return n
}

// gate hides one object and one field, and makes one object read-only.
type gate struct {
	hidden   invid.Invid
	readOnly invid.Invid
	field    schema.FieldID
}

func (g gate) ObjectPerm(obj db.FieldReader) perm.Entry {
	switch obj.Invid() {
	case g.hidden:
		return perm.None
	case g.readOnly:
		return perm.ViewOnly
	}
	return perm.Full
}

func (g gate) FieldPerm(obj db.FieldReader, field schema.FieldID) perm.Entry {
	if field == g.field {
		return perm.None
	}
	return g.ObjectPerm(obj)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want *Node
	}{
		{"(name=alpha)", Eq("name", "alpha")},
		{"name=alpha", Eq("name", "alpha")},
		{"(cpus>=4)", Data("cpus", GreaterEq, "4")},
		{"(cpus<=4)", Data("cpus", LessEq, "4")},
		{"(cpus>4)", Data("cpus", Greater, "4")},
		{"(cpus<4)", Data("cpus", Less, "4")},
		{"(cpus=*)", Data("cpus", Present, "")},
		{"(name=al*)", Data("name", StartsWith, "al")},
		{"(tags=*we*)", Data("tags", Contains, "we")},
		{`(name=a\*)`, Eq("name", "a*")},
		{"(name~=^a.*a$)", Data("name", Matches, "^a.*a$")},
		{"(owner list=0:1)", Eq("owner list", "0:1")},
		{
			"(&(name=al*)(!(cpus=*)))",
			And(Data("name", StartsWith, "al"), Not(Data("cpus", Present, ""))),
		},
		{
			"(|(name=alpha) (name=beta))",
			Or(Eq("name", "alpha"), Eq("name", "beta")),
		},
		{
			"(admin->(username=alice))",
			Deref("admin", Eq("username", "alice")),
		},
		{
			"(&(cpus>1)(admin->(|(username=alice)(username=bob))))",
			And(Data("cpus", Greater, "1"), Deref("admin", Or(Eq("username", "alice"), Eq("username", "bob")))),
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := mustParse(t, tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
			// the rendered form parses back to the same tree
			again := mustParse(t, got.String())
			if diff := cmp.Diff(got, again); diff != "" {
				t.Errorf("Parse(%q) after String mismatch (-want +got):\n%s", got.String(), diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmptyFilter},
		{"()", ErrEmptyFilter},
		{"(&(a=1)", ErrUnbalancedParens},
		{"(=x)", ErrMissingField},
		{"(abc)", ErrInvalidFilter},
		{"(&)", ErrInvalidFilter},
		{"(&(a=1)x)", ErrInvalidFilter},
		{"(a~b)", ErrInvalidFilter},
		{"(a=1)(b=2)", ErrInvalidFilter},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := Parse(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.in, err, tt.want)
			}
		})
	}
}

func TestQueryScan(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"alpha", "beta", "delta"}},
		{"(cpus>=4)", []string{"alpha"}},
		{"(cpus<8)", []string{"beta"}},
		{"(!(cpus=*))", []string{"delta"}},
		{"(name=AL*)", []string{"alpha"}},
		{"(tags=db)", []string{"alpha"}},
		{"(tags=*EB*)", []string{"alpha", "beta"}},
		{"(name~=^[ab])", []string{"alpha", "beta"}},
		{"(|(cpus=2)(name=delta))", []string{"beta", "delta"}},
		{"(&(tags=web)(!(cpus>4)))", []string{"beta"}},
		{"(admin->(username=alice))", []string{"alpha"}},
		{"(admin->(email=*example*))", []string{"alpha", "beta"}},
		{"(!(admin->(username=*)))", []string{"delta"}},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			q := &Query{Type: "system"}
			if tt.filter != "" {
				q.Filter = mustParse(t, tt.filter)
			}
			if diff := cmp.Diff(tt.want, f.labels(t, q, nil, nil)); diff != "" {
				t.Errorf("labels mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPointLookup(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{"namespace", &Query{Type: "system", Filter: Eq("name", "ALPHA")}, []string{"alpha"}},
		{"namespace miss", &Query{Type: "system", Filter: Eq("name", "gamma")}, []string{}},
		{"invid", &Query{Type: "system", Filter: Eq(InvidField, f.beta.String())}, []string{"beta"}},
		{"invid of other type", &Query{Type: "system", Filter: Eq(InvidField, f.alice.String())}, []string{}},
		{"user name", &Query{Type: "user", Filter: Eq("username", "Bob")}, []string{"bob"}},
		{"user name miss", &Query{Type: "user", Filter: Eq("username", "red")}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := compile(f.store.Schema(), tt.query)
			check(t, err)
			if c.point == nil {
				t.Fatal("expected a point lookup")
			}
			if diff := cmp.Diff(tt.want, f.labels(t, tt.query, nil, nil)); diff != "" {
				t.Errorf("labels mismatch (-want +got):\n%s", diff)
			}
		})
	}

	// vector fields are not namespace indexed and fall back to a scan
	c, err := compile(f.store.Schema(), &Query{Type: "system", Filter: Eq("tags", "web")})
	check(t, err)
	if c.point != nil {
		t.Error("vector field equality must scan")
	}
}

func TestQueryOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := f.store.Begin(nil, nil, "overlay")
	defer txn.Abort()

	e, err := txn.Checkout(f.alpha)
	check(t, err)
	check(t, e.SetValue(sysCPUs, db.Int(16)))
	check(t, e.SetValue(sysName, db.String("alpha2")))

	created, err := txn.Create(systemType, f.red)
	check(t, err)
	check(t, created.SetValue(sysName, db.String("gamma")))
	check(t, created.SetValue(sysCPUs, db.Int(32)))

	check(t, txn.Remove(f.beta))

	big := &Query{Type: "system", Filter: mustParse(t, "(cpus>=16)")}
	all := &Query{Type: "system"}

	t.Run("inside the transaction", func(t *testing.T) {
		if diff := cmp.Diff([]string{"alpha2", "gamma"}, f.labels(t, big, txn, nil)); diff != "" {
			t.Errorf("labels mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"alpha2", "delta", "gamma"}, f.labels(t, all, txn, nil)); diff != "" {
			t.Errorf("labels mismatch (-want +got):\n%s", diff)
		}
		for name, want := range map[string][]string{"gamma": {"gamma"}, "alpha2": {"alpha2"}, "alpha": {}, "beta": {}} {
			q := &Query{Type: "system", Filter: Eq("name", name)}
			if diff := cmp.Diff(want, f.labels(t, q, txn, nil)); diff != "" {
				t.Errorf("point lookup %q mismatch (-want +got):\n%s", name, diff)
			}
		}
	})

	t.Run("outside the transaction", func(t *testing.T) {
		if diff := cmp.Diff([]string{}, f.labels(t, big, nil, nil)); diff != "" {
			t.Errorf("labels mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"alpha", "beta", "delta"}, f.labels(t, all, nil, nil)); diff != "" {
			t.Errorf("labels mismatch (-want +got):\n%s", diff)
		}
		q := &Query{Type: "system", Filter: Eq("name", "gamma")}
		if diff := cmp.Diff([]string{}, f.labels(t, q, nil, nil)); diff != "" {
			t.Errorf("labels mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("committed", func(t *testing.T) {
		check(t, txn.Commit(ctx, true))
		if diff := cmp.Diff([]string{"alpha2", "gamma"}, f.labels(t, big, nil, nil)); diff != "" {
			t.Errorf("labels mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestQueryFilters(t *testing.T) {
	f := newFixture(t)
	g := gate{hidden: f.beta, readOnly: f.delta}

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{"visibility", &Query{Type: "system"}, []string{"alpha", "delta"}},
		{"hidden by point lookup", &Query{Type: "system", Filter: Eq("name", "beta")}, []string{}},
		{"editable only", &Query{Type: "system", EditableOnly: true}, []string{"alpha"}},
		{"owner groups", &Query{Type: "system", OwnerGroups: []invid.Invid{f.red}}, []string{"alpha", "delta"}},
		{"owner groups and visibility", &Query{Type: "system", OwnerGroups: []invid.Invid{f.blue}}, []string{}},
		{"limit", &Query{Type: "system", Limit: 1}, []string{"alpha"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, f.labels(t, tt.query, nil, g)); diff != "" {
				t.Errorf("labels mismatch (-want +got):\n%s", diff)
			}
		})
	}

	res, err := f.engine.Query(context.Background(), &Query{Type: "system"}, nil, g)
	check(t, err)
	for _, r := range res {
		if want := r.Invid != f.delta; r.Editable != want {
			t.Errorf("%s: Editable = %v, want %v", r.Label, r.Editable, want)
		}
	}
}

func TestDump(t *testing.T) {
	f := newFixture(t)

	recs, err := f.engine.Dump(context.Background(), &Query{Type: "user", Filter: Eq("username", "alice")}, nil, gate{field: schema.UserEmail})
	check(t, err)
	if len(recs) != 1 {
		t.Fatalf("Dump returned %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Invid != f.alice.String() || rec.Label != "alice" {
		t.Errorf("Dump record = %s %q, want %s alice", rec.Invid, rec.Label, f.alice)
	}
	fields := map[uint16]bool{}
	for _, s := range rec.Fields {
		fields[s.Field] = true
	}
	if !fields[schema.UserName] {
		t.Error("username missing from dump")
	}
	if fields[schema.UserPassword] {
		t.Error("password must never be dumped")
	}
	if fields[schema.UserEmail] {
		t.Error("email is not visible and must not be dumped")
	}
}

func TestBadQueries(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		query *Query
	}{
		{"unknown type", &Query{Type: "router"}},
		{"unknown field", &Query{Type: "system", Filter: Eq("color", "red")}},
		{"invid ordering", &Query{Type: "system", Filter: Data(InvidField, Less, "256:1")}},
		{"bad invid", &Query{Type: "system", Filter: Eq(InvidField, "alpha")}},
		{"bad number", &Query{Type: "system", Filter: Data("cpus", Greater, "many")}},
		{"bad pattern", &Query{Type: "system", Filter: Data("name", Matches, "(")}},
		{"password", &Query{Type: "user", Filter: Data("password", Present, "")}},
		{"deref of string", &Query{Type: "system", Filter: Deref("name", Eq("username", "x"))}},
		{"deref into unknown field", &Query{Type: "system", Filter: Deref("admin", Eq("cpus", "1"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Query(context.Background(), tt.query, nil, nil)
			if code := db.CodeOf(err); code != db.RetCValidation {
				t.Errorf("Query error = %v (code %v), want %v", err, code, db.RetCValidation)
			}
		})
	}
}

func TestQueryHonorsContext(t *testing.T) {
	f := newFixture(t)

	txn := f.store.Begin(nil, nil, "bulk")
	for i := 0; i < 2*ctxCheckInterval; i++ {
		e, err := txn.Create(systemType, f.red)
		check(t, err)
		check(t, e.SetValue(sysName, db.String(fmt.Sprintf("host%03d", i))))
	}
	check(t, txn.Commit(context.Background(), true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Query(ctx, &Query{Type: "system", Filter: Data("name", StartsWith, "host")}, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Query error = %v, want context.Canceled", err)
	}
}

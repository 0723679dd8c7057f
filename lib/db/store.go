package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/lockmgr"
	"github.com/ValentinKolb/dObj/lib/namespace"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("db")

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Delta is the before/after state of one object in a committed transaction.
// Before is nil for created objects, After is nil for deleted ones.
type Delta struct {
	Invid  invid.Invid
	Before *ObjectRecord
	After  *ObjectRecord
	// Diff is the field level change of a created or edited object; nil for
	// deletions and replayed transactions.
	Diff *Diff
}

// Changeset is everything a persistence collaborator needs to record one
// committed transaction.
type Changeset struct {
	TxnID  uint64
	Time   time.Time
	Actor  invid.Invid
	Name   string
	Deltas []Delta
}

// ChangedFields returns, per object type, the schema fields the changeset
// modified. Deleted objects contribute every field they had defined.
func (cs *Changeset) ChangedFields() map[schema.TypeID]map[schema.FieldID]struct{} {
	out := map[schema.TypeID]map[schema.FieldID]struct{}{}
	add := func(typ schema.TypeID, fid schema.FieldID) {
		set, ok := out[typ]
		if !ok {
			set = map[schema.FieldID]struct{}{}
			out[typ] = set
		}
		set[fid] = struct{}{}
	}
	for _, d := range cs.Deltas {
		switch {
		case d.Diff != nil:
			for fid := range d.Diff.Fields {
				add(d.Invid.Type, fid)
			}
		case d.After == nil && d.Before != nil:
			for _, fid := range d.Before.Defined() {
				if !schema.IsBookkeeping(fid) {
					add(d.Invid.Type, fid)
				}
			}
		}
	}
	return out
}

// Persister durably records committed transactions. Persist is called
// before the transaction becomes visible; a failure aborts it.
type Persister interface {
	Persist(ctx context.Context, cs *Changeset) error
}

// --------------------------------------------------------------------------
// Tables
// --------------------------------------------------------------------------

// Table holds the committed objects of one type.
type Table struct {
	typ *schema.ObjectType

	// mu is held exclusively while commits integrate into the table and
	// shared by scans spanning several types.
	mu      sync.RWMutex
	objects *xsync.MapOf[uint32, *ObjectRecord]
	next    atomic.Uint32
	snap    atomic.Pointer[[]*ObjectRecord]
}

func newTable(typ *schema.ObjectType) *Table {
	return &Table{typ: typ, objects: xsync.NewMapOf[uint32, *ObjectRecord]()}
}

// Type returns the table's object type.
func (t *Table) Type() *schema.ObjectType { return t.typ }

// Get returns the committed record with the given instance number.
func (t *Table) Get(num uint32) (*ObjectRecord, bool) {
	return t.objects.Load(num)
}

// Len returns the number of committed objects.
func (t *Table) Len() int { return t.objects.Size() }

// Snapshot returns an immutable point-in-time list of the table's objects
// ordered by instance number. The slice must not be modified.
func (t *Table) Snapshot() []*ObjectRecord {
	if s := t.snap.Load(); s != nil {
		return *s
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s := t.snap.Load(); s != nil {
		return *s
	}
	out := make([]*ObjectRecord, 0, t.objects.Size())
	t.objects.Range(func(_ uint32, r *ObjectRecord) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id.Num < out[j].id.Num })
	t.snap.Store(&out)
	return out
}

// RLock takes the table's shared lock for a multi-type scan.
func (t *Table) RLock() { t.mu.RLock() }

// RUnlock releases the shared lock.
func (t *Table) RUnlock() { t.mu.RUnlock() }

// Range iterates the live map. Callers scanning several tables hold RLock.
func (t *Table) Range(fn func(*ObjectRecord) bool) {
	t.objects.Range(func(_ uint32, r *ObjectRecord) bool { return fn(r) })
}

func (t *Table) allocate() uint32 {
	return t.next.Add(1)
}

func (t *Table) reserve(num uint32) {
	for {
		cur := t.next.Load()
		if cur >= num || t.next.CompareAndSwap(cur, num) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Options configures a Store.
type Options struct {
	// Oversight enables consistency checks in commit phase 1.
	Oversight bool
	// Persister records committed transactions (optional).
	Persister Persister
	// Audit receives commit events (optional).
	Audit audit.Log
	// Hooks overrides the behavior of individual types.
	Hooks map[schema.TypeID]ObjectHook
	// Clock returns the current time (defaults to time.Now).
	Clock func() time.Time
}

// DefaultOptions returns options with oversight enabled and no collaborators.
func DefaultOptions() *Options {
	return &Options{Oversight: true}
}

// Store is the in-memory object database: committed tables, namespace
// registry, checkout claims and the asymmetric reverse index.
type Store struct {
	schema *schema.Schema
	tables map[schema.TypeID]*Table
	hooks  map[schema.TypeID]ObjectHook

	namespaces *namespace.Registry
	claims     lockmgr.ILockManager
	backlinks  *backlinkIndex

	oversight bool
	persister Persister
	audit     audit.Log
	clock     func() time.Time

	// commitMu serializes namespace verification and integration.
	commitMu  sync.Mutex
	txnSeq    atomic.Uint64
	permStamp atomic.Uint64
	loading   atomic.Bool

	commits atomic.Uint64
	aborts  atomic.Uint64
}

// NewStore creates an empty store for a published schema.
func NewStore(s *schema.Schema, opts *Options) (*Store, error) {
	if !s.Published() {
		return nil, fmt.Errorf("schema must be published before use")
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	nsConf := map[string]bool{}
	for _, ns := range s.Namespaces() {
		nsConf[ns.Name] = ns.CaseInsensitive
	}

	st := &Store{
		schema:     s,
		tables:     map[schema.TypeID]*Table{},
		hooks:      map[schema.TypeID]ObjectHook{},
		namespaces: namespace.New(nsConf),
		claims:     lockmgr.NewLockManager(),
		backlinks:  newBacklinkIndex(),
		oversight:  opts.Oversight,
		persister:  opts.Persister,
		audit:      opts.Audit,
		clock:      opts.Clock,
	}
	if st.clock == nil {
		st.clock = time.Now
	}

	// hooks are resolved once per type
	for _, t := range s.Types() {
		st.tables[t.ID] = newTable(t)
		switch {
		case opts.Hooks[t.ID] != nil:
			st.hooks[t.ID] = opts.Hooks[t.ID]
		case schema.IsAdminType(t.ID):
			st.hooks[t.ID] = adminHook{}
		default:
			st.hooks[t.ID] = DefaultHook{}
		}
	}
	st.permStamp.Store(1)
	return st, nil
}

// Schema returns the store's schema.
func (s *Store) Schema() *schema.Schema { return s.schema }

// Namespaces returns the namespace registry.
func (s *Store) Namespaces() *namespace.Registry { return s.namespaces }

// Hook returns the behavior table of a type.
func (s *Store) Hook(typeID schema.TypeID) ObjectHook {
	if h, ok := s.hooks[typeID]; ok {
		return h
	}
	return DefaultHook{}
}

// Table returns the table of a type.
func (s *Store) Table(typeID schema.TypeID) (*Table, bool) {
	t, ok := s.tables[typeID]
	return t, ok
}

// Get returns the committed record of an object.
func (s *Store) Get(id invid.Invid) (*ObjectRecord, bool) {
	t, ok := s.tables[id.Type]
	if !ok {
		return nil, false
	}
	return t.Get(id.Num)
}

// PermStamp advances whenever a commit touches owner groups, personae,
// roles or users. Permission caches compare against it.
func (s *Store) PermStamp() uint64 { return s.permStamp.Load() }

// Loading reports whether the store is in bulk-load mode, where permission
// checks are bypassed.
func (s *Store) Loading() bool { return s.loading.Load() }

// SetLoading switches bulk-load mode.
func (s *Store) SetLoading(on bool) { s.loading.Store(on) }

// Holder returns the transaction owning the checkout of an object.
func (s *Store) Holder(id invid.Invid) (lockmgr.Owner, bool) {
	return s.claims.Holder(id.String())
}

// Referrers returns the committed asymmetric references to an object.
func (s *Store) Referrers(id invid.Invid) []LinkRef {
	return s.backlinks.Referrers(0, id)
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Objects    map[string]int `json:"objects"`
	CheckedOut int            `json:"checked_out"`
	Commits    uint64         `json:"commits"`
	Aborts     uint64         `json:"aborts"`
	PermStamp  uint64         `json:"perm_stamp"`
}

// Stats returns object counts per type and transaction counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Objects:    map[string]int{},
		CheckedOut: s.claims.Len(),
		Commits:    s.commits.Load(),
		Aborts:     s.aborts.Load(),
		PermStamp:  s.PermStamp(),
	}
	for _, t := range s.tables {
		st.Objects[t.typ.Name] = t.Len()
	}
	return st
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin opens a new transaction acting for subject. gate may be nil, in
// which case field edits are not permission checked.
func (s *Store) Begin(subject Subject, gate Gate, description string) *Transaction {
	id := s.txnSeq.Add(1)
	name := description
	if subject != nil {
		name = subject.Name()
	}
	t := &Transaction{
		store:       s,
		id:          id,
		owner:       lockmgr.Owner{ID: id, Name: name},
		subject:     subject,
		gate:        gate,
		description: description,
		objects:     map[invid.Invid]*EditRecord{},
		started:     s.clock(),
	}
	Logger.Debugf("txn %d opened for %s (%s)", id, name, description)
	return t
}

// --------------------------------------------------------------------------
// Bulk load
// --------------------------------------------------------------------------

const loadTxn namespace.TxnID = 0

// Apply integrates a changeset directly into committed state, bypassing
// transactions, hooks and permission checks. It is used to replay a journal
// at startup.
func (s *Store) Apply(cs *Changeset) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// release old claims first so values moving between objects never collide
	for _, d := range cs.Deltas {
		if _, ok := s.tables[d.Invid.Type]; !ok {
			return fmt.Errorf("changeset %d: unknown type %d", cs.TxnID, d.Invid.Type)
		}
		if prev, ok := s.Get(d.Invid); ok {
			if err := s.indexRecord(prev, false); err != nil {
				return err
			}
		}
	}
	for _, d := range cs.Deltas {
		t := s.tables[d.Invid.Type]
		t.mu.Lock()
		if d.After == nil {
			t.objects.Delete(d.Invid.Num)
		} else {
			t.objects.Store(d.Invid.Num, d.After)
			t.reserve(d.Invid.Num)
		}
		t.snap.Store(nil)
		t.mu.Unlock()
		if d.After != nil {
			if err := s.indexRecord(d.After, true); err != nil {
				s.namespaces.Abort(loadTxn)
				return err
			}
		}
	}
	s.namespaces.Commit(loadTxn)
	for {
		cur := s.txnSeq.Load()
		if cur >= cs.TxnID || s.txnSeq.CompareAndSwap(cur, cs.TxnID) {
			break
		}
	}
	s.permStamp.Add(1)
	return nil
}

// indexRecord adds or removes a committed record's namespace claims and
// asymmetric reverse references.
func (s *Store) indexRecord(r *ObjectRecord, add bool) error {
	for _, f := range r.typ.Fields() {
		slot := r.Slot(f.ID)
		if !slot.IsDefined() {
			continue
		}
		for _, v := range slot.Values() {
			if f.Namespace != "" {
				owner := namespace.Owner{Invid: r.id, Field: f.ID}
				var err error
				if add {
					err = s.namespaces.Mark(loadTxn, f.Namespace, v.NamespaceKey(), owner)
				} else {
					err = s.namespaces.Unmark(loadTxn, f.Namespace, v.NamespaceKey(), owner)
				}
				if err != nil {
					return err
				}
			}
			if f.Type == schema.Invid && !f.Symmetric() {
				s.backlinks.load(v.AsInvid(), LinkRef{From: r.id, Field: f.ID}, add)
			}
		}
	}
	return nil
}

// Bootstrap creates the supergash owner group and persona and the Default
// role if the store holds no personae yet. It runs in bulk-load mode.
func (s *Store) Bootstrap(ctx context.Context, supergashPassword string) error {
	if t := s.tables[schema.PersonaType]; t.Len() > 0 {
		return nil
	}
	s.SetLoading(true)
	defer s.SetLoading(false)

	txn := s.Begin(nil, nil, "bootstrap")
	err := func() error {
		group, err := txn.Create(schema.OwnerGroupType)
		if err != nil {
			return err
		}
		if err := group.SetValue(schema.OwnerGroupName, String(schema.SupergashName)); err != nil {
			return err
		}

		persona, err := txn.Create(schema.PersonaType, group.Invid())
		if err != nil {
			return err
		}
		if err := persona.SetValue(schema.PersonaName, String(schema.SupergashName)); err != nil {
			return err
		}
		pw, err := NewPassword(supergashPassword)
		if err != nil {
			return err
		}
		if err := persona.SetValue(schema.PersonaPassword, pw); err != nil {
			return err
		}
		if err := persona.AddElement(schema.PersonaOwnerGroups, Ref(group.Invid())); err != nil {
			return err
		}

		role, err := txn.Create(schema.RoleType, group.Invid())
		if err != nil {
			return err
		}
		if err := role.SetValue(schema.RoleName, String(schema.DefaultRole)); err != nil {
			return err
		}
		if err := role.SetValue(schema.RoleOwnedPerms, Matrix(defaultOwnedPerms())); err != nil {
			return err
		}
		return role.SetValue(schema.RoleDefaultPerms, Matrix(defaultPerms()))
	}()
	if err != nil {
		txn.Abort()
		return err
	}
	if err := txn.Commit(ctx, true); err != nil {
		return err
	}
	Logger.Infof("bootstrapped supergash owner group, persona and default role")
	return nil
}

func defaultOwnedPerms() perm.Matrix {
	return perm.NewMatrix().
		Set(schema.UserType, perm.ObjectField, perm.Visible|perm.Editable).
		Set(schema.UserType, schema.UserName, perm.ViewOnly).
		Set(schema.UserType, schema.UserPersonae, perm.ViewOnly)
}

func defaultPerms() perm.Matrix {
	return perm.NewMatrix()
}

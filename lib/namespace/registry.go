// Package namespace implements the uniqueness registry backing namespace
// bound fields. Every namespace maps a canonical value to the field instance
// currently holding it. Claims made inside a transaction are provisional and
// only visible to that transaction until Commit promotes them; several
// transactions may provisionally hold the same value, the first one to commit
// wins and every later Verify reports a conflict.
package namespace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("namespace")

// TxnID identifies the transaction a provisional claim belongs to.
type TxnID uint64

// Owner is the field instance holding a value.
type Owner struct {
	Invid invid.Invid
	Field uint16
}

func (o Owner) String() string {
	return fmt.Sprintf("%s#%d", o.Invid, o.Field)
}

// ConflictError is returned when a value is already held by another field
// instance.
type ConflictError struct {
	Namespace string
	Value     string
	Holder    Owner
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("value %q in namespace %q is already in use by %s", e.Value, e.Namespace, e.Holder)
}

// --------------------------------------------------------------------------
// Internal state
// --------------------------------------------------------------------------

// claim is a transaction's view of one value. held == false records that the
// transaction released the committed holder; released remembers that holder
// even after the value is claimed again by another field of the same
// transaction.
type claim struct {
	owner       Owner
	held        bool
	released    Owner
	hasReleased bool
}

// blocks reports whether the committed holder conflicts with the claim.
func (c claim) blocks(committed *Owner) bool {
	if !c.held || committed == nil || *committed == c.owner {
		return false
	}
	return !c.hasReleased || c.released != *committed
}

type entry struct {
	committed   *Owner
	provisional map[TxnID]claim
}

func (e *entry) empty() bool {
	return e.committed == nil && len(e.provisional) == 0
}

// view returns the holder of the value as seen by txn.
func (e *entry) view(txn TxnID) (Owner, bool) {
	if c, ok := e.provisional[txn]; ok {
		return c.owner, c.held
	}
	if e.committed != nil {
		return *e.committed, true
	}
	return Owner{}, false
}

type space struct {
	mu              sync.Mutex
	name            string
	caseInsensitive bool
	entries         map[string]*entry
}

func (s *space) canonical(value string) string {
	if s.caseInsensitive {
		return strings.ToLower(value)
	}
	return value
}

type key struct {
	ns    string
	value string
}

// undoEntry is the provisional claim a transaction held on k before one
// Mark or Unmark changed it.
type undoEntry struct {
	k    key
	prev claim
	had  bool
}

// Savepoint is a position in a transaction's undo log.
type Savepoint int

// Registry holds every namespace of a store.
type Registry struct {
	spaces map[string]*space

	txnMu   sync.Mutex
	txnKeys map[TxnID]map[key]struct{}
	undo    map[TxnID][]undoEntry
}

// New creates a registry. caseInsensitive lists, per namespace name, whether
// values compare case-insensitively.
func New(namespaces map[string]bool) *Registry {
	r := &Registry{
		spaces:  make(map[string]*space, len(namespaces)),
		txnKeys: map[TxnID]map[key]struct{}{},
		undo:    map[TxnID][]undoEntry{},
	}
	for name, ci := range namespaces {
		r.spaces[name] = &space{name: name, caseInsensitive: ci, entries: map[string]*entry{}}
	}
	return r
}

func (r *Registry) space(ns string) (*space, error) {
	s, ok := r.spaces[ns]
	if !ok {
		return nil, fmt.Errorf("unknown namespace %q", ns)
	}
	return s, nil
}

// touch remembers that txn changed its claim on k from prev. The change is
// logged for undo while txn holds a savepoint.
func (r *Registry) touch(txn TxnID, k key, prev claim, had bool) {
	r.txnMu.Lock()
	defer r.txnMu.Unlock()
	keys, ok := r.txnKeys[txn]
	if !ok {
		keys = map[key]struct{}{}
		r.txnKeys[txn] = keys
	}
	keys[k] = struct{}{}
	if log, ok := r.undo[txn]; ok {
		r.undo[txn] = append(log, undoEntry{k: k, prev: prev, had: had})
	}
}

func (r *Registry) keysOf(txn TxnID) []key {
	r.txnMu.Lock()
	defer r.txnMu.Unlock()
	keys := make([]key, 0, len(r.txnKeys[txn]))
	for k := range r.txnKeys[txn] {
		keys = append(keys, k)
	}
	// deterministic lock order
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ns != keys[j].ns {
			return keys[i].ns < keys[j].ns
		}
		return keys[i].value < keys[j].value
	})
	return keys
}

// --------------------------------------------------------------------------
// Provisional claims
// --------------------------------------------------------------------------

// Mark provisionally claims value in ns for owner on behalf of txn. It fails
// with a *ConflictError if the value is held by a different field instance in
// the transaction's view of the namespace.
func (r *Registry) Mark(txn TxnID, ns, value string, owner Owner) error {
	s, err := r.space(ns)
	if err != nil {
		return err
	}
	v := s.canonical(value)

	s.mu.Lock()
	e, ok := s.entries[v]
	if !ok {
		e = &entry{}
		s.entries[v] = e
	}
	if holder, held := e.view(txn); held && holder != owner {
		if e.empty() {
			delete(s.entries, v)
		}
		s.mu.Unlock()
		return &ConflictError{Namespace: ns, Value: value, Holder: holder}
	}
	if e.provisional == nil {
		e.provisional = map[TxnID]claim{}
	}
	prev, had := e.provisional[txn]
	e.provisional[txn] = claim{owner: owner, held: true, released: prev.released, hasReleased: prev.hasReleased}
	s.mu.Unlock()

	r.touch(txn, key{ns: ns, value: v}, prev, had)
	return nil
}

// Unmark releases owner's claim on value within txn. Releasing a value the
// owner does not hold is a no-op.
func (r *Registry) Unmark(txn TxnID, ns, value string, owner Owner) error {
	s, err := r.space(ns)
	if err != nil {
		return err
	}
	v := s.canonical(value)

	s.mu.Lock()
	e, ok := s.entries[v]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if holder, held := e.view(txn); !held || holder != owner {
		s.mu.Unlock()
		return nil
	}
	prev, had := e.provisional[txn]
	switch {
	case e.committed != nil && *e.committed == owner:
		if e.provisional == nil {
			e.provisional = map[TxnID]claim{}
		}
		e.provisional[txn] = claim{released: owner, hasReleased: true}
	case prev.hasReleased:
		e.provisional[txn] = claim{released: prev.released, hasReleased: true}
	default:
		delete(e.provisional, txn)
		if e.empty() {
			delete(s.entries, v)
		}
	}
	s.mu.Unlock()

	r.touch(txn, key{ns: ns, value: v}, prev, had)
	return nil
}

// Lookup returns the committed holder of value.
func (r *Registry) Lookup(ns, value string) (Owner, bool) {
	s, err := r.space(ns)
	if err != nil {
		return Owner{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.canonical(value)]
	if !ok || e.committed == nil {
		return Owner{}, false
	}
	return *e.committed, true
}

// LookupTxn returns the holder of value as seen from inside txn.
func (r *Registry) LookupTxn(txn TxnID, ns, value string) (Owner, bool) {
	s, err := r.space(ns)
	if err != nil {
		return Owner{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.canonical(value)]
	if !ok {
		return Owner{}, false
	}
	return e.view(txn)
}

// --------------------------------------------------------------------------
// Transaction boundaries
// --------------------------------------------------------------------------

// Verify checks that every value txn claims is still free in the committed
// state (or held by the same owner). Callers must serialize Verify+Commit
// across transactions.
func (r *Registry) Verify(txn TxnID) error {
	for _, k := range r.keysOf(txn) {
		s := r.spaces[k.ns]
		s.mu.Lock()
		e, ok := s.entries[k.value]
		if ok {
			if c, mine := e.provisional[txn]; mine && c.blocks(e.committed) {
				holder := *e.committed
				s.mu.Unlock()
				return &ConflictError{Namespace: k.ns, Value: k.value, Holder: holder}
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// Commit promotes txn's provisional claims to committed state.
func (r *Registry) Commit(txn TxnID) {
	for _, k := range r.keysOf(txn) {
		s := r.spaces[k.ns]
		s.mu.Lock()
		if e, ok := s.entries[k.value]; ok {
			if c, mine := e.provisional[txn]; mine {
				if c.held {
					owner := c.owner
					e.committed = &owner
				} else {
					e.committed = nil
				}
				delete(e.provisional, txn)
			}
			if e.empty() {
				delete(s.entries, k.value)
			}
		}
		s.mu.Unlock()
	}
	r.forget(txn)
}

// Abort drops every provisional claim of txn.
func (r *Registry) Abort(txn TxnID) {
	for _, k := range r.keysOf(txn) {
		r.drop(txn, k)
	}
	r.forget(txn)
}

func (r *Registry) drop(txn TxnID, k key) {
	s := r.spaces[k.ns]
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k.value]; ok {
		delete(e.provisional, txn)
		if e.empty() {
			delete(s.entries, k.value)
		}
	}
}

func (r *Registry) forget(txn TxnID) {
	r.txnMu.Lock()
	delete(r.txnKeys, txn)
	delete(r.undo, txn)
	r.txnMu.Unlock()
}

// --------------------------------------------------------------------------
// Savepoints
// --------------------------------------------------------------------------

// Savepoint starts (or continues) logging txn's claim changes and returns the
// current log position. Claim changes made after it can be undone with
// RollbackTo.
func (r *Registry) Savepoint(txn TxnID) Savepoint {
	r.txnMu.Lock()
	defer r.txnMu.Unlock()
	log, ok := r.undo[txn]
	if !ok {
		r.undo[txn] = []undoEntry{}
	}
	return Savepoint(len(log))
}

// RollbackTo undoes every claim change txn made after sp, newest first.
func (r *Registry) RollbackTo(txn TxnID, sp Savepoint) {
	r.txnMu.Lock()
	log := r.undo[txn]
	if int(sp) > len(log) {
		r.txnMu.Unlock()
		return
	}
	undo := log[sp:]
	r.undo[txn] = log[:sp]
	r.txnMu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		s := r.spaces[u.k.ns]
		s.mu.Lock()
		e, ok := s.entries[u.k.value]
		switch {
		case u.had:
			if !ok {
				e = &entry{}
				s.entries[u.k.value] = e
			}
			if e.provisional == nil {
				e.provisional = map[TxnID]claim{}
			}
			e.provisional[txn] = u.prev
		case ok:
			delete(e.provisional, txn)
			if e.empty() {
				delete(s.entries, u.k.value)
			}
		}
		s.mu.Unlock()
	}
}

// Release stops logging txn's claim changes and drops the log.
func (r *Registry) Release(txn TxnID) {
	r.txnMu.Lock()
	delete(r.undo, txn)
	r.txnMu.Unlock()
}

// Len returns the number of committed values held in ns.
func (r *Registry) Len(ns string) int {
	s, err := r.space(ns)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.committed != nil {
			n++
		}
	}
	return n
}

package db

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// LinkRef is one asymmetric reference: field Field of object From points at
// the indexed object.
type LinkRef struct {
	From  invid.Invid
	Field schema.FieldID
}

// linkDelta is a transaction's pending change to the reverse index:
// true adds the reference, false removes it.
type linkDelta map[invid.Invid]map[LinkRef]bool

// linkUndo is the pending state of one reference before a change.
type linkUndo struct {
	target invid.Invid
	ref    LinkRef
	add    bool
	had    bool
}

// backlinkIndex is the reverse index of asymmetric invid links
// (target -> set of referencing field instances). Changes made inside a
// transaction are kept as deltas until Commit and take part in checkpoint
// rollback through an undo log.
type backlinkIndex struct {
	mu        sync.RWMutex
	committed map[invid.Invid]map[LinkRef]struct{}
	pending   map[uint64]linkDelta
	undo      map[uint64][]linkUndo
}

func newBacklinkIndex() *backlinkIndex {
	return &backlinkIndex{
		committed: map[invid.Invid]map[LinkRef]struct{}{},
		pending:   map[uint64]linkDelta{},
		undo:      map[uint64][]linkUndo{},
	}
}

func (b *backlinkIndex) set(txn uint64, target invid.Invid, ref LinkRef, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.pending[txn]
	if !ok {
		d = linkDelta{}
		b.pending[txn] = d
	}
	refs, ok := d[target]
	if !ok {
		refs = map[LinkRef]bool{}
		d[target] = refs
	}
	if log, ok := b.undo[txn]; ok {
		prev, had := refs[ref]
		b.undo[txn] = append(log, linkUndo{target: target, ref: ref, add: prev, had: had})
	}
	_, committed := b.committed[target][ref]
	if committed == add {
		// delta would be a no-op against committed state
		delete(refs, ref)
		if len(refs) == 0 {
			delete(d, target)
		}
		return
	}
	refs[ref] = add
}

// Add records that ref points at target within txn.
func (b *backlinkIndex) Add(txn uint64, target invid.Invid, ref LinkRef) {
	b.set(txn, target, ref, true)
}

// Remove records that ref no longer points at target within txn.
func (b *backlinkIndex) Remove(txn uint64, target invid.Invid, ref LinkRef) {
	b.set(txn, target, ref, false)
}

// Referrers returns every reference to target as seen by txn, ordered by
// referencing invid and field.
func (b *backlinkIndex) Referrers(txn uint64, target invid.Invid) []LinkRef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := map[LinkRef]struct{}{}
	for ref := range b.committed[target] {
		seen[ref] = struct{}{}
	}
	for ref, add := range b.pending[txn][target] {
		if add {
			seen[ref] = struct{}{}
		} else {
			delete(seen, ref)
		}
	}
	out := make([]LinkRef, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From.Less(out[j].From)
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Savepoint starts (or continues) logging txn's changes and returns the
// current log position.
func (b *backlinkIndex) Savepoint(txn uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.undo[txn]
	if !ok {
		b.undo[txn] = []linkUndo{}
	}
	return len(log)
}

// RollbackTo undoes every change txn made after position sp.
func (b *backlinkIndex) RollbackTo(txn uint64, sp int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.undo[txn]
	if sp > len(log) {
		return
	}
	for i := len(log) - 1; i >= sp; i-- {
		u := log[i]
		d, ok := b.pending[txn]
		if !ok {
			d = linkDelta{}
			b.pending[txn] = d
		}
		refs, ok := d[u.target]
		if !ok {
			refs = map[LinkRef]bool{}
			d[u.target] = refs
		}
		if u.had {
			refs[u.ref] = u.add
		} else {
			delete(refs, u.ref)
		}
		if len(refs) == 0 {
			delete(d, u.target)
		}
		if len(d) == 0 {
			delete(b.pending, txn)
		}
	}
	b.undo[txn] = log[:sp]
}

// Release drops txn's undo log.
func (b *backlinkIndex) Release(txn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.undo, txn)
}

// Commit applies txn's deltas to the committed index.
func (b *backlinkIndex) Commit(txn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for target, refs := range b.pending[txn] {
		for ref, add := range refs {
			b.apply(target, ref, add)
		}
	}
	delete(b.pending, txn)
	delete(b.undo, txn)
}

func (b *backlinkIndex) apply(target invid.Invid, ref LinkRef, add bool) {
	set, ok := b.committed[target]
	if add {
		if !ok {
			set = map[LinkRef]struct{}{}
			b.committed[target] = set
		}
		set[ref] = struct{}{}
		return
	}
	if ok {
		delete(set, ref)
		if len(set) == 0 {
			delete(b.committed, target)
		}
	}
}

// Abort discards txn's deltas.
func (b *backlinkIndex) Abort(txn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, txn)
	delete(b.undo, txn)
}

// load adds a committed reference directly (bulk load).
func (b *backlinkIndex) load(target invid.Invid, ref LinkRef, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apply(target, ref, add)
}

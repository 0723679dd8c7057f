package namespace

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dObj/lib/invid"
)

func owner(num uint32, field uint16) Owner {
	return Owner{Invid: invid.New(3, num), Field: field}
}

func newTestRegistry() *Registry {
	return New(map[string]bool{"username": true, "exact": false})
}

func TestMarkCommitLookup(t *testing.T) {
	r := newTestRegistry()
	alice := owner(1, 100)

	if err := r.Mark(1, "username", "Alice", alice); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if _, ok := r.Lookup("username", "alice"); ok {
		t.Errorf("provisional claim visible outside the transaction")
	}
	if got, ok := r.LookupTxn(1, "username", "ALICE"); !ok || got != alice {
		t.Errorf("LookupTxn() = %v, %v", got, ok)
	}

	if err := r.Verify(1); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	r.Commit(1)

	if got, ok := r.Lookup("username", "alice"); !ok || got != alice {
		t.Errorf("Lookup() after commit = %v, %v", got, ok)
	}
	if r.Len("username") != 1 {
		t.Errorf("Len() = %d, want 1", r.Len("username"))
	}
}

func TestCaseSensitivity(t *testing.T) {
	r := newTestRegistry()
	if err := r.Mark(1, "exact", "Bob", owner(1, 100)); err != nil {
		t.Fatal(err)
	}
	if err := r.Mark(1, "exact", "bob", owner(2, 100)); err != nil {
		t.Errorf("case-sensitive namespace rejected distinct value: %v", err)
	}
	if err := r.Mark(1, "username", "Bob", owner(1, 100)); err != nil {
		t.Fatal(err)
	}
	var conflict *ConflictError
	if err := r.Mark(1, "username", "BOB", owner(2, 100)); !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	} else if conflict.Holder != owner(1, 100) {
		t.Errorf("conflict holder = %v", conflict.Holder)
	}
}

func TestConcurrentProvisionalFirstCommitWins(t *testing.T) {
	r := newTestRegistry()
	first, second := owner(1, 100), owner(2, 100)

	if err := r.Mark(10, "username", "carol", first); err != nil {
		t.Fatal(err)
	}
	if err := r.Mark(20, "username", "carol", second); err != nil {
		t.Fatalf("second provisional claim rejected: %v", err)
	}

	if err := r.Verify(10); err != nil {
		t.Fatal(err)
	}
	r.Commit(10)

	var conflict *ConflictError
	if err := r.Verify(20); !errors.As(err, &conflict) || conflict.Holder != first {
		t.Fatalf("Verify() of loser = %v, want conflict with %v", err, first)
	}

	// the losing transaction stays open and can correct its value
	if err := r.Unmark(20, "username", "carol", second); err != nil {
		t.Fatal(err)
	}
	if err := r.Mark(20, "username", "carol2", second); err != nil {
		t.Fatal(err)
	}
	if err := r.Verify(20); err != nil {
		t.Errorf("Verify() after correction = %v", err)
	}
}

func TestReleaseAndReclaimInOneTransaction(t *testing.T) {
	r := newTestRegistry()
	x, y := owner(1, 100), owner(2, 100)
	_ = r.Mark(1, "username", "dave", x)
	r.Commit(1)

	// txn 2 renames x and hands the old value to y
	if err := r.Unmark(2, "username", "dave", x); err != nil {
		t.Fatal(err)
	}
	if err := r.Mark(2, "username", "dave", y); err != nil {
		t.Fatalf("Mark() of released value = %v", err)
	}
	if _, ok := r.Lookup("username", "dave"); !ok {
		t.Errorf("committed state changed before commit")
	}
	if err := r.Verify(2); err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	r.Commit(2)
	if got, _ := r.Lookup("username", "dave"); got != y {
		t.Errorf("Lookup() = %v, want %v", got, y)
	}
}

func TestSavepointRollbackAndAbort(t *testing.T) {
	r := newTestRegistry()
	a := owner(1, 100)
	_ = r.Mark(5, "username", "erin", a)
	sp := r.Savepoint(5)

	_ = r.Mark(5, "username", "frank", owner(2, 100))
	_ = r.Unmark(5, "username", "erin", a)
	inner := r.Savepoint(5)
	_ = r.Mark(5, "username", "gina", owner(3, 100))

	r.RollbackTo(5, inner)
	if _, ok := r.LookupTxn(5, "username", "gina"); ok {
		t.Errorf("gina survived inner rollback")
	}
	if _, ok := r.LookupTxn(5, "username", "frank"); !ok {
		t.Errorf("frank lost by inner rollback")
	}

	r.RollbackTo(5, sp)
	if got, ok := r.LookupTxn(5, "username", "erin"); !ok || got != a {
		t.Errorf("erin after rollback = %v, %v", got, ok)
	}
	if _, ok := r.LookupTxn(5, "username", "frank"); ok {
		t.Errorf("frank survived rollback")
	}
	if err := r.Mark(6, "username", "frank", owner(4, 100)); err != nil {
		t.Errorf("rolled back value not free for other transactions: %v", err)
	}
	r.Release(5)

	r.Abort(5)
	if _, ok := r.LookupTxn(5, "username", "erin"); ok {
		t.Errorf("claim survived abort")
	}
	if err := r.Mark(6, "username", "erin", owner(9, 100)); err != nil {
		t.Errorf("value not free after abort: %v", err)
	}
}

func TestRollbackRestoresReleasedCommittedClaim(t *testing.T) {
	r := newTestRegistry()
	a := owner(1, 100)
	_ = r.Mark(1, "exact", "v", a)
	r.Commit(1)

	sp := r.Savepoint(2)
	if err := r.Unmark(2, "exact", "v", a); err != nil {
		t.Fatalf("Unmark() error = %v", err)
	}
	if _, ok := r.LookupTxn(2, "exact", "v"); ok {
		t.Fatalf("released value still held inside the transaction")
	}
	r.RollbackTo(2, sp)
	if got, ok := r.LookupTxn(2, "exact", "v"); !ok || got != a {
		t.Errorf("LookupTxn() after rollback = %v, %v; want %v", got, ok, a)
	}
	if err := r.Verify(2); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestUnknownNamespace(t *testing.T) {
	r := newTestRegistry()
	if err := r.Mark(1, "nope", "x", owner(1, 1)); err == nil {
		t.Errorf("expected error for unknown namespace")
	}
}

package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/google/go-cmp/cmp"
)

// phaseHook records the commit phase callbacks of the system type.
type phaseHook struct {
	DefaultHook
	calls  []string
	failOn invid.Invid
}

func (h *phaseHook) CommitPhase1(e *EditRecord) error {
	h.calls = append(h.calls, fmt.Sprintf("phase1 %s committing=%t", e.Invid(), e.Committing()))
	if e.Invid() == h.failOn {
		return NewError(RetCConsistency, "Rejected", "%s rejected", e.Invid())
	}
	return nil
}

func (h *phaseHook) CommitPhase2(e *EditRecord) {
	_, integrated := e.Transaction().Store().Get(e.Invid())
	h.calls = append(h.calls, fmt.Sprintf("phase2 %s integrated=%t", e.Invid(), integrated))
}

func (h *phaseHook) Release(e *EditRecord, finalAbort bool) {
	h.calls = append(h.calls, fmt.Sprintf("release %s final=%t", e.Invid(), finalAbort))
}

func newHookedStore(t *testing.T) (*Store, *phaseHook) {
	t.Helper()
	h := &phaseHook{}
	opts := DefaultOptions()
	opts.Hooks = map[schema.TypeID]ObjectHook{systemType: h}
	return newTestStore(t, opts), h
}

func TestCommitPhaseHooks(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, st *Store, h *phaseHook) []string
	}{
		{
			name: "successful commit skips dropped objects in phase 2",
			run: func(t *testing.T, st *Store, h *phaseHook) []string {
				a := createSystem(t, st, "alpha")
				h.calls = nil

				txn := begin(st, "alice")
				e, err := txn.Checkout(a)
				must(t, err)
				must(t, e.SetValue(systemName, String("alpha2")))
				created, err := txn.Create(systemType)
				must(t, err)
				must(t, created.SetValue(systemName, String("beta")))
				dropped, err := txn.Create(systemType)
				must(t, err)
				must(t, txn.Remove(dropped.Invid()))
				mustCommit(t, txn)

				return []string{
					fmt.Sprintf("phase1 %s committing=true", a),
					fmt.Sprintf("phase1 %s committing=true", created.Invid()),
					fmt.Sprintf("phase2 %s integrated=true", a),
					fmt.Sprintf("phase2 %s integrated=true", created.Invid()),
				}
			},
		},
		{
			name: "failed phase 1 releases every object without dropping it",
			run: func(t *testing.T, st *Store, h *phaseHook) []string {
				a := createSystem(t, st, "alpha")
				b := createSystem(t, st, "beta")
				h.calls = nil
				h.failOn = b

				txn := begin(st, "alice")
				ea, _ := txn.Checkout(a)
				eb, _ := txn.Checkout(b)
				must(t, ea.SetValue(systemCPUs, Int(1)))
				must(t, eb.SetValue(systemCPUs, Int(2)))

				expectCode(t, txn.Commit(context.Background(), false), RetCConsistency)
				if !txn.Open() || ea.Committing() || eb.Committing() {
					t.Fatalf("failed commit left open=%t committing=%t/%t", txn.Open(), ea.Committing(), eb.Committing())
				}
				must(t, ea.SetValue(systemCPUs, Int(3)))

				return []string{
					fmt.Sprintf("phase1 %s committing=true", a),
					fmt.Sprintf("phase1 %s committing=true", b),
					fmt.Sprintf("release %s final=false", a),
					fmt.Sprintf("release %s final=false", b),
				}
			},
		},
		{
			name: "abort releases finally",
			run: func(t *testing.T, st *Store, h *phaseHook) []string {
				a := createSystem(t, st, "alpha")
				h.calls = nil

				txn := begin(st, "alice")
				_, err := txn.Checkout(a)
				must(t, err)
				created, err := txn.Create(systemType)
				must(t, err)
				txn.Abort()

				return []string{
					fmt.Sprintf("release %s final=true", a),
					fmt.Sprintf("release %s final=true", created.Invid()),
				}
			},
		},
		{
			name: "rollback discards an object checked out after the checkpoint",
			run: func(t *testing.T, st *Store, h *phaseHook) []string {
				a := createSystem(t, st, "alpha")
				h.calls = nil

				txn := begin(st, "alice")
				must(t, txn.Checkpoint("k"))
				e, err := txn.Checkout(a)
				must(t, err)
				must(t, e.SetValue(systemCPUs, Int(4)))
				must(t, txn.Rollback("k"))

				if _, ok := txn.Edited(a); ok {
					t.Errorf("object still checked out after rollback")
				}
				other := begin(st, "bob")
				if _, err := other.Checkout(a); err != nil {
					t.Errorf("checkout after rollback: %v", err)
				}
				other.Abort()

				return []string{
					fmt.Sprintf("release %s final=true", a),
					fmt.Sprintf("release %s final=true", a),
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, h := newHookedStore(t)
			want := tt.run(t, st, h)
			if diff := cmp.Diff(want, h.calls); diff != "" {
				t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

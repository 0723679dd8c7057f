package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/google/go-cmp/cmp"
)

var (
	alice  = invid.New(1, 1)
	objA   = invid.New(3, 10)
	objB   = invid.New(3, 11)
	base   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events = []Event{
		{Kind: KindLogin, Time: base, Actor: alice, ActorName: "alice"},
		{Kind: KindCommit, Time: base.Add(time.Minute), Actor: alice, ActorName: "alice", Invids: []invid.Invid{objA, objB}, TxnID: 7, Text: "rename"},
		{Kind: KindCommit, Time: base.Add(2 * time.Minute), Actor: invid.New(1, 2), ActorName: "bob", Invids: []invid.Invid{objB}, TxnID: 8, MailTo: []string{"ops@example.org"}},
		{Kind: KindLogout, Time: base.Add(3 * time.Minute), Actor: alice, ActorName: "alice"},
	}
)

// runLogSuite exercises a Log implementation with the shared event set.
func runLogSuite(t *testing.T, log Log) {
	ctx := context.Background()
	for _, ev := range events {
		if err := log.Log(ctx, ev); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	tests := []struct {
		name  string
		query Query
		want  []Event
	}{
		{
			name:  "object history trimmed to object",
			query: Query{Invid: objB},
			want: []Event{
				{Kind: KindCommit, Time: base.Add(time.Minute), Actor: alice, ActorName: "alice", Invids: []invid.Invid{objB}, TxnID: 7, Text: "rename"},
				events[2],
			},
		},
		{
			name:  "full transactions",
			query: Query{Invid: objA, FullTransactions: true},
			want:  []Event{events[1]},
		},
		{
			name:  "actor login only",
			query: Query{Invid: alice, LoginOnly: true},
			want:  []Event{events[0], events[3]},
		},
		{
			name:  "since",
			query: Query{Invid: objB, Since: base.Add(90 * time.Second)},
			want:  []Event{events[2]},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := log.History(ctx, tt.query)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
				t.Errorf("History() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemoryLog(t *testing.T) {
	log := NewMemoryLog()
	runLogSuite(t, log)
	if log.Len() != len(events) {
		t.Errorf("Len() = %d", log.Len())
	}
}

func TestSQLiteLog(t *testing.T) {
	log, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer func() { _ = log.Close() }()
	runLogSuite(t, log)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", ""); err == nil || !Error.Has(err) {
		t.Errorf("Open() error = %v, want audit class error", err)
	}
}

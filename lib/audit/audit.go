// Package audit implements the audit-log collaborator of the object store.
// Commits and session events (login, logout, inactivation, reactivation,
// forced disconnects) are recorded as structured events; a Log answers
// "what happened to object or actor X since T".
//
// Backends: an in-memory log for tests and throwaway servers, and a
// database/sql backed log for sqlite (modernc.org/sqlite) and postgres
// (pgx stdlib).
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/zeebo/errs"
)

var Logger = logger.GetLogger("audit")

// Error is the error class of every backend failure.
var Error = errs.Class("audit")

// Kind classifies an event.
type Kind string

const (
	KindCommit           Kind = "commit"
	KindLogin            Kind = "login"
	KindLogout           Kind = "logout"
	KindInactivate       Kind = "inactivate"
	KindReactivate       Kind = "reactivate"
	KindForcedDisconnect Kind = "forced-disconnect"
)

// IsSession reports whether the kind belongs to the login/logout family.
func (k Kind) IsSession() bool {
	return k == KindLogin || k == KindLogout || k == KindForcedDisconnect
}

// Event is one audit record.
type Event struct {
	Kind      Kind          `json:"kind"`
	Time      time.Time     `json:"time"`
	Actor     invid.Invid   `json:"actor"`
	ActorName string        `json:"actor_name"`
	Invids    []invid.Invid `json:"invids,omitempty"`
	Text      string        `json:"text,omitempty"`
	MailTo    []string      `json:"mail_to,omitempty"`
	TxnID     uint64        `json:"txn_id,omitempty"`
}

func (e Event) String() string {
	ids := make([]string, len(e.Invids))
	for i, id := range e.Invids {
		ids[i] = id.String()
	}
	s := fmt.Sprintf("%s %-17s %s", e.Time.Format(time.RFC3339), e.Kind, e.ActorName)
	if e.TxnID != 0 {
		s += fmt.Sprintf(" txn=%d", e.TxnID)
	}
	if len(ids) > 0 {
		s += " [" + strings.Join(ids, " ") + "]"
	}
	if e.Text != "" {
		s += " " + e.Text
	}
	return s
}

// Query selects events for History.
type Query struct {
	// Invid is the object or actor of interest.
	Invid invid.Invid
	// Since excludes older events.
	Since time.Time
	// LoginOnly restricts the result to login/logout events.
	LoginOnly bool
	// FullTransactions keeps every object of a matching transaction in the
	// returned events instead of only Invid.
	FullTransactions bool
}

// matches reports whether ev is selected by q.
func (q Query) matches(ev Event) bool {
	if ev.Time.Before(q.Since) {
		return false
	}
	if q.LoginOnly && !ev.Kind.IsSession() {
		return false
	}
	if ev.Actor == q.Invid {
		return true
	}
	for _, id := range ev.Invids {
		if id == q.Invid {
			return true
		}
	}
	return false
}

// shape trims the event's object list unless whole transactions are wanted.
func (q Query) shape(ev Event) Event {
	if q.FullTransactions || len(ev.Invids) == 0 {
		return ev
	}
	for _, id := range ev.Invids {
		if id == q.Invid {
			ev.Invids = []invid.Invid{q.Invid}
			return ev
		}
	}
	ev.Invids = nil
	return ev
}

// Log stores and queries audit events.
type Log interface {
	// Log appends an event.
	Log(ctx context.Context, ev Event) error
	// History returns the events selected by q, oldest first.
	History(ctx context.Context, q Query) ([]Event, error)
	// Close releases the backend.
	Close() error
}

// Open selects a backend by driver name: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Log, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryLog(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, Error.New("unknown audit driver %q", driver)
	}
}

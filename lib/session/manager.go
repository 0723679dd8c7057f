// Package session implements the client facing layer of the object store.
// A Session belongs to one logged in user or persona, holds at most one open
// transaction and dispatches view, edit, create, clone, inactivate,
// reactivate, remove, query and dump calls after consulting the permission
// engine.
//
// The Manager owns every session of a store. It authenticates logins,
// writes login/logout events to the audit log, keeps per-manager statistics
// and force-disconnects sessions that stay idle longer than the configured
// timeout.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dObj/lib/access"
	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/query"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("session")

var (
	loginsTotal       = metrics.NewCounter("dobj_logins_total")
	loginFailures     = metrics.NewCounter("dobj_login_failures_total")
	forcedDisconnects = metrics.NewCounter("dobj_forced_disconnects_total")
	faultsTotal       = metrics.NewCounter("dobj_session_faults_total")
)

// Options configures a Manager.
type Options struct {
	// IdleTimeout disconnects sessions without activity for this long.
	// Zero disables the reaper.
	IdleTimeout time.Duration
	// Audit receives session events. Defaults to an in-memory log.
	Audit audit.Log
	// Clock returns the current time (defaults to time.Now).
	Clock func() time.Time
}

// Manager owns the sessions of one store.
type Manager struct {
	store  *db.Store
	perms  *access.Engine
	query  *query.Engine
	audit  audit.Log
	clock  func() time.Time
	idleTO time.Duration

	seq      atomic.Uint64
	sessions *xsync.MapOf[string, *Session] // by token
	byID     *xsync.MapOf[uint64, *Session]

	idleMu sync.Mutex
	idle   *idleQueue

	registry gometrics.Registry
	logins   gometrics.Meter
	failures gometrics.Meter
	reaped   gometrics.Meter
	commits  gometrics.Timer
	queries  gometrics.Timer
}

// NewManager creates a session manager for store.
func NewManager(store *db.Store, opts Options) *Manager {
	m := &Manager{
		store:    store,
		perms:    access.NewEngine(store),
		query:    query.NewEngine(store),
		audit:    opts.Audit,
		clock:    opts.Clock,
		idleTO:   opts.IdleTimeout,
		sessions: xsync.NewMapOf[string, *Session](),
		byID:     xsync.NewMapOf[uint64, *Session](),
		idle:     newIdleQueue(),
		registry: gometrics.NewRegistry(),
	}
	if m.audit == nil {
		m.audit = audit.NewMemoryLog()
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	m.logins = gometrics.GetOrRegisterMeter("logins", m.registry)
	m.failures = gometrics.GetOrRegisterMeter("login.failures", m.registry)
	m.reaped = gometrics.GetOrRegisterMeter("sessions.reaped", m.registry)
	m.commits = gometrics.GetOrRegisterTimer("commits", m.registry)
	m.queries = gometrics.GetOrRegisterTimer("queries", m.registry)
	return m
}

// Store returns the manager's store.
func (m *Manager) Store() *db.Store { return m.store }

// Permissions returns the permission engine shared by all sessions.
func (m *Manager) Permissions() *access.Engine { return m.perms }

// --------------------------------------------------------------------------
// Login
// --------------------------------------------------------------------------

// Login authenticates name and password and opens a session. name is tried
// as a persona first (privileged session) and then as a user name (end-user
// session holding only the Default role). The error never tells which part
// of the credentials was wrong.
func (m *Manager) Login(ctx context.Context, name, password string) (*Session, error) {
	ident, ok := m.authenticate(name, password)
	if !ok {
		loginFailures.Inc()
		m.failures.Mark(1)
		Logger.Infof("failed login for %q", name)
		return nil, db.NewError(db.RetCPermissionDenied, "Login Failed", "unknown user or wrong password")
	}

	token, err := newToken()
	if err != nil {
		return nil, db.NewError(db.RetCInfrastructure, "Login Failed", "cannot issue session token: %v", err)
	}

	now := m.clock()
	s := &Session{
		id:       m.seq.Add(1),
		token:    token,
		mgr:      m,
		subject:  ident,
		checker:  m.perms.Checker(ident),
		handles:  map[invid.Invid]struct{}{},
		started:  now,
		lastSeen: now,
	}
	m.sessions.Store(s.token, s)
	m.byID.Store(s.id, s)
	m.touch(s.id, now)

	loginsTotal.Inc()
	m.logins.Mark(1)
	Logger.Infof("session %d: %s logged in", s.id, ident.Name())
	m.logEvent(ctx, audit.Event{
		Kind:      audit.KindLogin,
		Time:      now,
		Actor:     actorOf(ident),
		ActorName: ident.Name(),
		Text:      "session " + strconv.FormatUint(s.id, 10),
	})
	return s, nil
}

// newToken returns 128 random bits, hex encoded.
func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// authenticate resolves a persona or user name and checks its password.
func (m *Manager) authenticate(name, password string) (*access.Identity, bool) {
	ns := m.store.Namespaces()
	if owner, ok := ns.Lookup(schema.PersonaNamespace, db.String(name).NamespaceKey()); ok {
		persona, ok := m.store.Get(owner.Invid)
		if !ok || !checkPassword(persona, schema.PersonaPassword, password) {
			return nil, false
		}
		ident := &access.Identity{
			PersonaID: persona.Invid(),
			Label:     db.Label(persona),
			Super:     strings.EqualFold(db.Label(persona), schema.SupergashName),
		}
		if user, ok := db.ScalarOf(persona, schema.PersonaUser); ok {
			ident.UserID = user.AsInvid()
		}
		return ident, true
	}
	if owner, ok := ns.Lookup(schema.UserNamespace, db.String(name).NamespaceKey()); ok {
		user, ok := m.store.Get(owner.Invid)
		if !ok || db.IsInactive(user) || !checkPassword(user, schema.UserPassword, password) {
			return nil, false
		}
		return &access.Identity{UserID: user.Invid(), Label: db.Label(user)}, true
	}
	return nil, false
}

func checkPassword(obj db.FieldReader, field schema.FieldID, password string) bool {
	hash, ok := db.ScalarOf(obj, field)
	return ok && db.CheckPassword(hash, password)
}

func actorOf(ident *access.Identity) invid.Invid {
	if !ident.PersonaID.IsNil() {
		return ident.PersonaID
	}
	return ident.UserID
}

// logEvent records a session event. Audit failures never fail the session
// operation that caused them.
func (m *Manager) logEvent(ctx context.Context, ev audit.Event) {
	if err := m.audit.Log(ctx, ev); err != nil {
		Logger.Errorf("failed to record %s event for %s: %v", ev.Kind, ev.ActorName, err)
	}
}

// --------------------------------------------------------------------------
// Session registry
// --------------------------------------------------------------------------

// Session returns the live session holding token.
func (m *Manager) Session(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	return m.sessions.Load(token)
}

// Sessions returns every live session ordered by id.
func (m *Manager) Sessions() []*Session {
	out := make([]*Session, 0, m.sessions.Size())
	m.byID.Range(func(_ uint64, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) touch(id uint64, at time.Time) {
	m.idleMu.Lock()
	m.idle.touch(id, at)
	m.idleMu.Unlock()
}

func (m *Manager) forget(s *Session) {
	m.sessions.Delete(s.token)
	m.byID.Delete(s.id)
	m.idleMu.Lock()
	m.idle.remove(s.id)
	m.idleMu.Unlock()
}

// --------------------------------------------------------------------------
// Idle reaper
// --------------------------------------------------------------------------

// Reap force-disconnects every session idle since before now minus the idle
// timeout and returns how many were disconnected.
func (m *Manager) Reap(ctx context.Context, now time.Time) int {
	if m.idleTO <= 0 {
		return 0
	}
	cutoff := now.Add(-m.idleTO)

	m.idleMu.Lock()
	ids := m.idle.expired(cutoff)
	m.idleMu.Unlock()

	n := 0
	for _, id := range ids {
		s, ok := m.byID.Load(id)
		if !ok {
			continue
		}
		if s.disconnectIfIdle(ctx, cutoff) {
			n++
		}
	}
	if n > 0 {
		m.reaped.Mark(int64(n))
		Logger.Infof("reaped %d idle sessions", n)
	}
	return n
}

// Run reaps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.idleTO <= 0 {
		<-ctx.Done()
		return
	}
	interval := m.idleTO / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx, m.clock())
		}
	}
}

// Close logs out every session.
func (m *Manager) Close(ctx context.Context) {
	for _, s := range m.Sessions() {
		s.Logout(ctx)
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats is a point-in-time summary of the manager and its store.
type Stats struct {
	Sessions          int           `json:"sessions"`
	OpenTransactions  int           `json:"open_transactions"`
	OldestActivity    time.Time     `json:"oldest_activity,omitempty"`
	Logins            int64         `json:"logins"`
	LoginFailures     int64         `json:"login_failures"`
	ForcedDisconnects int64         `json:"forced_disconnects"`
	Commits           int64         `json:"commits"`
	CommitMean        time.Duration `json:"commit_mean"`
	CommitP99         time.Duration `json:"commit_p99"`
	Queries           int64         `json:"queries"`
	QueryMean         time.Duration `json:"query_mean"`
	Store             db.Stats      `json:"store"`
}

// Stats returns the manager's statistics.
func (m *Manager) Stats() Stats {
	st := Stats{
		Logins:            m.logins.Count(),
		LoginFailures:     m.failures.Count(),
		ForcedDisconnects: m.reaped.Count(),
		Store:             m.store.Stats(),
	}
	for _, s := range m.Sessions() {
		st.Sessions++
		if s.InTransaction() {
			st.OpenTransactions++
		}
	}
	m.idleMu.Lock()
	if _, at, ok := m.idle.oldest(); ok {
		st.OldestActivity = at
	}
	m.idleMu.Unlock()

	commits := m.commits.Snapshot()
	st.Commits = commits.Count()
	st.CommitMean = time.Duration(commits.Mean())
	st.CommitP99 = time.Duration(commits.Percentile(0.99))
	queries := m.queries.Snapshot()
	st.Queries = queries.Count()
	st.QueryMean = time.Duration(queries.Mean())
	return st
}

// Package access implements the permission engine. Permissions are resolved
// per subject and object from the roles of the subject's persona (plus the
// Default role every subject has), the owner-group graph and the per-type
// object hooks.
//
// An Engine is shared by all sessions of a store. Each session holds a
// Checker, which caches the subject's merged permission matrices and
// recomputes them only when the store's permission stamp advances. A Checker
// implements db.Gate, so it can be handed to Store.Begin directly.
package access

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("access")

var (
	grantRecomputes = metrics.NewCounter("dobj_perm_recomputes_total")
	graphRebuilds   = metrics.NewCounter("dobj_owner_graph_rebuilds_total")
)

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// Identity is a plain db.Subject.
type Identity struct {
	UserID    invid.Invid
	PersonaID invid.Invid
	Label     string
	Super     bool
}

func (i *Identity) User() invid.Invid    { return i.UserID }
func (i *Identity) Persona() invid.Invid { return i.PersonaID }
func (i *Identity) Name() string         { return i.Label }
func (i *Identity) Supergash() bool      { return i.Super }

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine resolves permissions against one store.
type Engine struct {
	store *db.Store

	mu    sync.Mutex
	graph atomic.Pointer[ownerGraph]
}

// NewEngine creates a permission engine for store.
func NewEngine(store *db.Store) *Engine {
	return &Engine{store: store}
}

// Store returns the engine's store.
func (e *Engine) Store() *db.Store { return e.store }

// Checker returns a permission checker bound to subject.
func (e *Engine) Checker(subject db.Subject) *Checker {
	return &Checker{engine: e, subject: subject}
}

// ownerGraph is an immutable snapshot of which owner groups own which owner
// groups, taken at a permission stamp.
type ownerGraph struct {
	stamp  uint64
	owners map[invid.Invid][]invid.Invid
}

// snapshot returns the owner graph for the current permission stamp,
// rebuilding it if owner groups changed since the last snapshot.
func (e *Engine) snapshot() *ownerGraph {
	stamp := e.store.PermStamp()
	if g := e.graph.Load(); g != nil && g.stamp == stamp {
		return g
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if g := e.graph.Load(); g != nil && g.stamp == stamp {
		return g
	}

	g := &ownerGraph{stamp: stamp, owners: map[invid.Invid][]invid.Invid{}}
	if tbl, ok := e.store.Table(schema.OwnerGroupType); ok {
		for _, r := range tbl.Snapshot() {
			if owners := db.RefsOf(r, schema.OwnerListField); len(owners) > 0 {
				g.owners[r.Invid()] = owners
			}
		}
	}
	e.graph.Store(g)
	graphRebuilds.Inc()
	Logger.Debugf("owner graph rebuilt at stamp %d (%d owned groups)", stamp, len(g.owners))
	return g
}

// reaches reports whether a walk from seeds upward through the groups owning
// each group meets one of groups.
func (g *ownerGraph) reaches(seeds []invid.Invid, groups map[invid.Invid]struct{}) bool {
	if len(groups) == 0 {
		return false
	}
	visited := make(map[invid.Invid]struct{}, len(seeds))
	queue := append([]invid.Invid(nil), seeds...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		if _, ok := groups[id]; ok {
			return true
		}
		queue = append(queue, g.owners[id]...)
	}
	return false
}

// defaultRole returns the committed Default role.
func (e *Engine) defaultRole() (*db.ObjectRecord, bool) {
	owner, ok := e.store.Namespaces().Lookup(schema.RoleNamespace, db.String(schema.DefaultRole).NamespaceKey())
	if !ok {
		return nil, false
	}
	return e.store.Get(owner.Invid)
}

package query

import (
	"context"
	"sort"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/namespace"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("query")

var (
	queryDuration = metrics.NewHistogram("dobj_query_duration_seconds")
	pointLookups  = metrics.NewCounter("dobj_query_point_lookups_total")
	tableScans    = metrics.NewCounter("dobj_query_scans_total")
)

// ctxCheckInterval is the number of candidates evaluated between checks of
// the context during a scan.
const ctxCheckInterval = 256

// Result is one object matched by a query.
type Result struct {
	Invid    invid.Invid `json:"invid"`
	Label    string      `json:"label"`
	Editable bool        `json:"editable,omitempty"`
}

// Engine evaluates queries against a store.
type Engine struct {
	store *db.Store
}

// NewEngine creates a query engine for the store.
func NewEngine(store *db.Store) *Engine {
	return &Engine{store: store}
}

type hit struct {
	obj      db.FieldReader
	editable bool
}

// Query returns the objects matching q, ordered by label and invid.
//
// If txn is not nil the query sees the transaction's uncommitted state:
// objects it checked out are evaluated in their edited form, objects it
// created are included and objects it is removing are hidden. gate decides
// visibility; a nil gate sees everything.
func (e *Engine) Query(ctx context.Context, q *Query, txn *db.Transaction, gate db.Gate) ([]Result, error) {
	hits, err := e.run(ctx, q, txn, gate)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Invid: h.obj.Invid(), Label: db.Label(h.obj), Editable: h.editable}
	}
	return out, nil
}

// Dump is Query returning the field values of every match. Fields the gate
// does not make visible and password fields are left out.
func (e *Engine) Dump(ctx context.Context, q *Query, txn *db.Transaction, gate db.Gate) ([]db.EncodedRecord, error) {
	hits, err := e.run(ctx, q, txn, gate)
	if err != nil {
		return nil, err
	}
	out := make([]db.EncodedRecord, 0, len(hits))
	for _, h := range hits {
		obj := h.obj
		out = append(out, db.EncodeFields(obj, func(fid schema.FieldID) bool {
			f, ok := obj.Type().Field(fid)
			if !ok || f.Type == schema.Password {
				return false
			}
			return gate == nil || gate.FieldPerm(obj, fid).Visible()
		}))
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, q *Query, txn *db.Transaction, gate db.Gate) ([]hit, error) {
	defer queryDuration.UpdateDuration(time.Now())

	if q == nil {
		return nil, db.NewError(db.RetCInvalidOperation, "Bad Query", "no query given")
	}
	c, err := compile(e.store.Schema(), q)
	if err != nil {
		return nil, db.NewError(db.RetCValidation, "Bad Query", "%v", err)
	}

	ec := &evalCtx{view: e.viewer(txn)}
	f := &filter{q: q, gate: gate}
	if len(q.OwnerGroups) > 0 {
		f.groups = make(map[invid.Invid]struct{}, len(q.OwnerGroups))
		for _, g := range q.OwnerGroups {
			f.groups[g] = struct{}{}
		}
	}

	var hits []hit
	if c.point != nil {
		pointLookups.Inc()
		hits = e.point(c, ec, txn, f)
	} else {
		tableScans.Inc()
		if hits, err = e.scan(ctx, c, ec, txn, f); err != nil {
			return nil, err
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		li, lj := db.Label(hits[i].obj), db.Label(hits[j].obj)
		if li != lj {
			return li < lj
		}
		return hits[i].obj.Invid().Less(hits[j].obj.Invid())
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	Logger.Debugf("query %s%s returned %d objects", q.Type, q.Filter, len(hits))
	return hits, nil
}

func (e *Engine) viewer(txn *db.Transaction) func(invid.Invid) (db.FieldReader, bool) {
	if txn != nil {
		return txn.View
	}
	return func(id invid.Invid) (db.FieldReader, bool) {
		r, ok := e.store.Get(id)
		if !ok {
			return nil, false
		}
		return r, true
	}
}

// point answers a single equality test on the invid or a namespace bound
// field without scanning.
func (e *Engine) point(c *compiled, ec *evalCtx, txn *db.Transaction, f *filter) []hit {
	id := c.point.id
	if c.point.field != nil {
		field := c.point.field
		var (
			owner namespace.Owner
			ok    bool
		)
		if txn != nil {
			owner, ok = e.store.Namespaces().LookupTxn(namespace.TxnID(txn.ID()), field.Namespace, c.point.value.NamespaceKey())
		} else {
			owner, ok = e.store.Namespaces().Lookup(field.Namespace, c.point.value.NamespaceKey())
		}
		if !ok || owner.Field != field.ID {
			return nil
		}
		id = owner.Invid
	}
	if id.IsNil() || id.Type != c.typ.ID {
		return nil
	}
	obj, ok := ec.view(id)
	if !ok || !c.match(ec, obj) {
		return nil
	}
	if h, ok := f.accept(obj); ok {
		return []hit{h}
	}
	return nil
}

// scan evaluates the filter over every object of the queried type. A filter
// touching one table iterates its snapshot; one reaching into other tables
// holds the shared lock of each involved table for the duration of the scan
// so the view is consistent across them.
func (e *Engine) scan(ctx context.Context, c *compiled, ec *evalCtx, txn *db.Transaction, f *filter) ([]hit, error) {
	table, ok := e.store.Table(c.typ.ID)
	if !ok {
		return nil, db.NewError(db.RetCNotFound, "Bad Query", "no table for type %s", c.typ.Name)
	}

	seen := map[invid.Invid]struct{}{}
	var (
		matched []db.FieldReader
		n       int
		err     error
	)
	visit := func(r *db.ObjectRecord) bool {
		if n++; n%ctxCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				return false
			}
		}
		var obj db.FieldReader = r
		if txn != nil {
			if edited, ok := txn.Edited(r.Invid()); ok {
				if edited.Status().Removed() {
					return true
				}
				obj = edited
			}
		}
		seen[obj.Invid()] = struct{}{}
		if c.match(ec, obj) {
			matched = append(matched, obj)
		}
		return true
	}

	if len(c.types) == 1 {
		for _, r := range table.Snapshot() {
			if !visit(r) {
				break
			}
		}
	} else {
		unlock := e.rlock(c.types)
		table.Range(visit)
		unlock()
	}
	if err != nil {
		return nil, err
	}

	// objects created in this transaction are not in the table yet
	if txn != nil {
		for _, edited := range txn.Objects() {
			if edited.Status() != db.Creating || edited.Type().ID != c.typ.ID {
				continue
			}
			if _, dup := seen[edited.Invid()]; dup {
				continue
			}
			seen[edited.Invid()] = struct{}{}
			if c.match(ec, edited) {
				matched = append(matched, edited)
			}
		}
	}

	// permission checks read other tables, so they run after the locks
	// are released
	hits := make([]hit, 0, len(matched))
	for _, obj := range matched {
		if h, ok := f.accept(obj); ok {
			hits = append(hits, h)
		}
	}
	return hits, nil
}

// rlock takes the shared lock of every table in ascending type order and
// returns the matching unlock.
func (e *Engine) rlock(types map[schema.TypeID]struct{}) func() {
	ids := make([]schema.TypeID, 0, len(types))
	for id := range types {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make([]*db.Table, 0, len(ids))
	for _, id := range ids {
		if t, ok := e.store.Table(id); ok {
			t.RLock()
			locked = append(locked, t)
		}
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].RUnlock()
		}
	}
}

// filter applies the result filters to a matching object.
type filter struct {
	q      *Query
	gate   db.Gate
	groups map[invid.Invid]struct{}
}

func (f *filter) accept(obj db.FieldReader) (hit, bool) {
	if e, ok := obj.(*db.EditRecord); ok && e.Status().Removed() {
		return hit{}, false
	}

	editable := true
	if f.gate != nil {
		p := f.gate.ObjectPerm(obj)
		if !p.Visible() {
			return hit{}, false
		}
		editable = p.Editable()
	}
	if f.q.EditableOnly && !editable {
		return hit{}, false
	}

	if f.groups != nil {
		owned := false
		for _, g := range db.RefsOf(obj, schema.OwnerListField) {
			if _, ok := f.groups[g]; ok {
				owned = true
				break
			}
		}
		if !owned {
			return hit{}, false
		}
	}
	return hit{obj: obj, editable: editable}, true
}

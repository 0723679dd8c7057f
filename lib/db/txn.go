package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/lockmgr"
	"github.com/ValentinKolb/dObj/lib/namespace"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/zeebo/errs"
)

type txnState uint8

const (
	txnOpen txnState = iota
	txnCommitted
	txnAborted
)

// Transaction owns a set of EditRecords and a stack of checkpoints, and
// drives the two-phase commit that integrates them into the store. A
// transaction is driven by a single goroutine at a time.
type Transaction struct {
	store       *Store
	id          uint64
	owner       lockmgr.Owner
	subject     Subject
	gate        Gate
	description string
	started     time.Time

	state   txnState
	objects map[invid.Invid]*EditRecord
	order   []invid.Invid
	frames  []*frame
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// Subject returns the identity the transaction acts for (nil for internal
// transactions).
func (t *Transaction) Subject() Subject { return t.subject }

// Open reports whether the transaction can still be used.
func (t *Transaction) Open() bool { return t.state == txnOpen }

// Store returns the store the transaction belongs to.
func (t *Transaction) Store() *Store { return t.store }

// Objects returns the transaction's edit records in checkout order.
func (t *Transaction) Objects() []*EditRecord {
	out := make([]*EditRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.objects[id])
	}
	return out
}

// Edited returns the edit record of an object checked out by this
// transaction.
func (t *Transaction) Edited(id invid.Invid) (*EditRecord, bool) {
	e, ok := t.objects[id]
	return e, ok
}

// View returns the transaction's view of an object: its edit record if it
// is checked out here, otherwise the committed record. Objects being removed
// in this transaction are reported as absent.
func (t *Transaction) View(id invid.Invid) (FieldReader, bool) {
	if e, ok := t.objects[id]; ok {
		if e.status.Removed() {
			return nil, false
		}
		return e, true
	}
	r, ok := t.store.Get(id)
	if !ok {
		return nil, false
	}
	return r, true
}

func (t *Transaction) statusOf(id invid.Invid) (Status, bool) {
	if e, ok := t.objects[id]; ok {
		return e.status, true
	}
	if _, ok := t.store.Get(id); ok {
		return Editing, true
	}
	return 0, false
}

func (t *Transaction) assertOpen() error {
	if t.state != txnOpen {
		return errInvalidOp("transaction %d is no longer open", t.id)
	}
	return nil
}

// --------------------------------------------------------------------------
// Checkout and creation
// --------------------------------------------------------------------------

// Checkout returns an edit record for a committed object. It fails fast with
// RetCLocked if another transaction holds the object.
func (t *Transaction) Checkout(id invid.Invid) (*EditRecord, error) {
	if err := t.assertOpen(); err != nil {
		return nil, err
	}
	e, err := t.checkout(id)
	if err != nil {
		return nil, err
	}
	if e.status.Removed() {
		return nil, errInvalidOp("%s is being removed", Label(e))
	}
	return e, nil
}

func (t *Transaction) checkout(id invid.Invid) (*EditRecord, error) {
	if e, ok := t.objects[id]; ok {
		return e, nil
	}
	table, ok := t.store.tables[id.Type]
	if !ok {
		return nil, errNotFound("object %s does not exist", id)
	}
	if _, ok := table.Get(id.Num); !ok {
		return nil, errNotFound("object %s does not exist", id)
	}

	acquired, holder, err := t.store.claims.AcquireLock(id.String(), t.owner)
	if err != nil {
		return nil, errInfrastructure(err)
	}
	if !acquired {
		checkoutConflicts.Inc()
		Logger.Debugf("txn %d: checkout of %s refused, held by %s", t.id, id, holder)
		return nil, errLocked(holder, id.String())
	}

	// the object may have been removed between lookup and claim
	original, ok := table.Get(id.Num)
	if !ok {
		_, _ = t.store.claims.ReleaseLock(id.String(), t.owner)
		return nil, errNotFound("object %s does not exist", id)
	}

	e := newEditRecord(t, id, table.typ, original)
	t.adopt(e)
	return e, nil
}

// Create allocates a new object of the given type. owners seeds the owner
// list without permission checks.
func (t *Transaction) Create(typeID schema.TypeID, owners ...invid.Invid) (*EditRecord, error) {
	if err := t.assertOpen(); err != nil {
		return nil, err
	}
	table, ok := t.store.tables[typeID]
	if !ok {
		return nil, errNotFound("unknown object type %d", typeID)
	}
	id := invid.New(typeID, table.allocate())
	if ok, holder, err := t.store.claims.AcquireLock(id.String(), t.owner); err != nil || !ok {
		if err == nil {
			fault("freshly allocated invid %s already claimed by %s", id, holder)
		}
		return nil, errInfrastructure(err)
	}

	e := newEditRecord(t, id, table.typ, nil)
	t.adopt(e)

	if len(owners) > 0 {
		ownerField, _ := e.typ.Field(schema.OwnerListField)
		err := t.atomically(func() error {
			for _, o := range owners {
				if err := e.addElement(ownerField, Ref(o), true); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.discard(e, true)
			return nil, err
		}
	}
	return e, nil
}

func (t *Transaction) adopt(e *EditRecord) {
	t.objects[e.id] = e
	t.order = append(t.order, e.id)
	if f := t.top(); f != nil {
		f.added = append(f.added, e.id)
		f.addedSet[e.id] = struct{}{}
	}
}

// discard drops an edit record from the transaction and releases its claim.
func (t *Transaction) discard(e *EditRecord, finalAbort bool) {
	e.hook.Release(e, finalAbort)
	delete(t.objects, e.id)
	for i, id := range t.order {
		if id == e.id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	_, _ = t.store.claims.ReleaseLock(e.id.String(), t.owner)
}

// --------------------------------------------------------------------------
// Removal
// --------------------------------------------------------------------------

// Remove marks an object for deletion and tears down its relationships. A
// failure leaves the object exactly as it was.
func (t *Transaction) Remove(id invid.Invid) error {
	if err := t.assertOpen(); err != nil {
		return err
	}
	e, err := t.checkout(id)
	if err != nil {
		return err
	}
	if e.status.Removed() {
		return nil
	}
	if err := e.hook.CanRemove(t.subject, e); err != nil {
		return err
	}
	return t.atomically(func() error {
		t.recordStatus(e)
		if e.status == Creating {
			e.status = Dropping
		} else {
			e.status = Deleting
		}
		e.deleting = true
		return e.finalizeRemove()
	})
}

// finalizeRemove clears every relationship of an object that is being
// removed: reverse references first, then vectors element by element, then
// scalars, and the owner list last.
func (e *EditRecord) finalizeRemove() error {
	if err := e.clearBackLinks(); err != nil {
		return err
	}
	for _, f := range e.typ.Fields() {
		if f.ID == schema.OwnerListField || !f.Vector {
			continue
		}
		if err := e.clearVector(f); err != nil {
			return err
		}
	}
	for _, f := range e.typ.Fields() {
		if f.Vector || schema.IsBookkeeping(f.ID) {
			continue
		}
		var err error
		if f.Type.UsesMarkUndefined() {
			err = e.markUndefined(f)
		} else {
			err = e.setValue(f, Value{}, true)
		}
		if err != nil {
			return err
		}
	}
	ownerField, _ := e.typ.Field(schema.OwnerListField)
	return e.clearVector(ownerField)
}

// clearBackLinks removes every asymmetric pointer at this object by checking
// out the referencing objects.
func (e *EditRecord) clearBackLinks() error {
	for _, ref := range e.txn.store.backlinks.Referrers(e.txn.id, e.id) {
		if ref.From == e.id {
			continue
		}
		remote, err := e.txn.checkout(ref.From)
		if err != nil {
			if IsCode(err, RetCNotFound) {
				continue
			}
			return err
		}
		f, ok := remote.typ.Field(ref.Field)
		if !ok {
			continue
		}
		if f.Vector {
			idx := remote.slots[f.ID].indexOf(Ref(e.id))
			if idx < 0 {
				continue
			}
			err = remote.deleteElement(f, idx, true)
		} else {
			err = remote.setValue(f, Value{}, true)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Inactivation and cloning
// --------------------------------------------------------------------------

// Inactivate sets the removal date of an object whose type supports it.
func (t *Transaction) Inactivate(id invid.Invid, when time.Time) (*EditRecord, error) {
	e, err := t.Checkout(id)
	if err != nil {
		return nil, err
	}
	if err := e.hook.CanInactivate(t.subject, e); err != nil {
		return nil, err
	}
	f, _ := e.typ.Field(schema.RemovalField)
	return e, t.atomically(func() error { return e.setValue(f, Time(when), true) })
}

// Reactivate clears the removal date of an inactive object.
func (t *Transaction) Reactivate(id invid.Invid) (*EditRecord, error) {
	e, err := t.Checkout(id)
	if err != nil {
		return nil, err
	}
	if !IsInactive(e) {
		return nil, errInvalidOp("%s is not inactive", Label(e))
	}
	f, _ := e.typ.Field(schema.RemovalField)
	return e, t.atomically(func() error { return e.setValue(f, Value{}, true) })
}

// Clone creates a new object of src's type copying every field the type's
// hook allows. Copied fields go through the permission checked mutators.
func (t *Transaction) Clone(src FieldReader, owners ...invid.Invid) (*EditRecord, error) {
	var clone *EditRecord
	err := t.atomically(func() error {
		var err error
		if clone, err = t.Create(src.Type().ID, owners...); err != nil {
			return err
		}
		if src.Type().Embedded {
			// clones of embedded objects live in the same container
			if c := src.Slot(schema.ContainerField); c.IsDefined() {
				if err = clone.SetValue(schema.ContainerField, c.Scalar); err != nil {
					return err
				}
			}
		}
		hook := t.store.Hook(src.Type().ID)
		for _, f := range src.Type().Fields() {
			s := src.Slot(f.ID)
			if !s.IsDefined() || !hook.CanCloneField(t.subject, src, f) {
				continue
			}
			if f.Symmetric() && !f.Vector {
				// a scalar symmetric link would steal the source's partner
				continue
			}
			if f.Vector {
				err = clone.AddElements(f.ID, s.Vector)
			} else {
				err = clone.SetValue(f.ID, s.Scalar)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// --------------------------------------------------------------------------
// Commit and abort
// --------------------------------------------------------------------------

var (
	errAudit   = errs.Class("audit")
	errJournal = errs.Class("journal")
)

// Commit runs the two-phase commit. Phase 1 locks every object against
// further edits and checks consistency; on failure every object is released
// back to editable state and the transaction stays open unless autoAbort is
// set. Namespace conflicts with transactions that committed first are
// reported the same way. Collaborator failures abort the transaction.
func (t *Transaction) Commit(ctx context.Context, autoAbort bool) error {
	if err := t.assertOpen(); err != nil {
		return err
	}
	objs := t.Objects()

	for _, e := range objs {
		if err := e.commitPhase1(); err != nil {
			t.failCommit(objs, autoAbort)
			return err
		}
	}

	s := t.store
	s.commitMu.Lock()
	if err := s.namespaces.Verify(namespace.TxnID(t.id)); err != nil {
		s.commitMu.Unlock()
		namespaceConflicts.Inc()
		Logger.Infof("txn %d: commit refused: %v", t.id, err)
		t.failCommit(objs, autoAbort)
		return NewError(RetCNamespaceConflict, "Value In Use", "%v", err)
	}

	now := s.clock()
	cs := t.changeset(objs, now)

	// the journal write is the last step that can fail: a journaled
	// transaction is replayed as committed on the next start
	if s.audit != nil {
		if err := s.audit.Log(ctx, t.auditEvent(cs)); err != nil {
			s.commitMu.Unlock()
			Logger.Errorf("txn %d: audit log failed: %v", t.id, err)
			t.Abort()
			return errInfrastructure(errAudit.Wrap(err))
		}
	}
	if s.persister != nil {
		if err := s.persister.Persist(ctx, cs); err != nil {
			s.commitMu.Unlock()
			Logger.Errorf("txn %d: persisting failed, audit event of the transaction is orphaned: %v", t.id, err)
			t.Abort()
			return errInfrastructure(errJournal.Wrap(err))
		}
	}

	t.integrate(cs)
	t.state = txnCommitted
	s.commitMu.Unlock()

	for _, e := range objs {
		if e.status != Dropping {
			e.hook.CommitPhase2(e)
		}
	}
	s.commits.Add(1)
	commitsTotal.Inc()
	Logger.Infof("txn %d committed by %s: %d object(s)", t.id, t.owner.Name, len(cs.Deltas))
	return nil
}

func (t *Transaction) failCommit(objs []*EditRecord, autoAbort bool) {
	for _, e := range objs {
		e.release(false)
	}
	if autoAbort {
		t.Abort()
	}
}

// commitPhase1 locks the object against edits and validates it.
func (e *EditRecord) commitPhase1() error {
	e.committing = true
	if e.status.Removed() {
		return nil
	}
	if e.txn.store.oversight {
		if err := e.hook.ConsistencyCheck(e); err != nil {
			if e.original != nil && e.hook.ConsistencyCheck(e.original) != nil {
				// inconsistent before this transaction touched it
				Logger.Debugf("txn %d: %s was already inconsistent: %v", e.txn.id, e.id, err)
			} else {
				return asConsistency(err)
			}
		}
	}
	if err := e.hook.CommitPhase1(e); err != nil {
		return asConsistency(err)
	}
	return nil
}

func asConsistency(err error) error {
	if e, ok := err.(*Error); ok {
		if e.Code == RetCConsistency {
			return e
		}
		return &Error{Code: RetCConsistency, Title: e.Title, Msg: e.Msg, DoNormalProcessing: true}
	}
	return NewError(RetCConsistency, "Commit Failed", "%v", err)
}

// release returns the object to editable state. With finalAbort the object
// is about to be dropped from the transaction.
func (e *EditRecord) release(finalAbort bool) {
	e.hook.Release(e, finalAbort)
	if !finalAbort {
		e.committing = false
	}
}

func (t *Transaction) changeset(objs []*EditRecord, now time.Time) *Changeset {
	cs := &Changeset{TxnID: t.id, Time: now, Name: t.owner.Name}
	if t.subject != nil {
		cs.Actor = t.subject.Persona()
		if cs.Actor.IsNil() {
			cs.Actor = t.subject.User()
		}
	}
	for _, e := range objs {
		switch e.status {
		case Dropping:
			continue
		case Deleting:
			cs.Deltas = append(cs.Deltas, Delta{Invid: e.id, Before: e.original})
		default:
			if e.original != nil && !e.changed() {
				continue
			}
			cs.Deltas = append(cs.Deltas, Delta{Invid: e.id, Before: e.original, After: e.stamped(now, cs.Name), Diff: e.Diff()})
		}
	}
	return cs
}

func (e *EditRecord) changed() bool {
	for _, f := range e.typ.Fields() {
		if !e.slots[f.ID].Equal(e.original.Slot(f.ID)) {
			return true
		}
	}
	return false
}

// stamped returns the record to commit with bookkeeping fields filled in.
func (e *EditRecord) stamped(now time.Time, actor string) *ObjectRecord {
	slots := make(map[schema.FieldID]Slot, len(e.slots))
	for fid, s := range e.slots {
		slots[fid] = s
	}
	if e.status == Creating {
		slots[schema.CreationDateField] = ScalarSlot(Time(now))
		slots[schema.CreatorField] = ScalarSlot(String(actor))
	}
	slots[schema.ModificationDateField] = ScalarSlot(Time(now))
	slots[schema.ModifierField] = ScalarSlot(String(actor))
	return NewObjectRecord(e.id, e.typ, slots)
}

func (t *Transaction) auditEvent(cs *Changeset) audit.Event {
	ev := audit.Event{
		Kind:      audit.KindCommit,
		Time:      cs.Time,
		Actor:     cs.Actor,
		ActorName: cs.Name,
		TxnID:     cs.TxnID,
	}
	var sb strings.Builder
	sb.WriteString(t.description)
	for _, d := range cs.Deltas {
		ev.Invids = append(ev.Invids, d.Invid)
		switch {
		case d.After == nil:
			fmt.Fprintf(&sb, "\n%s %s deleted\n", d.Before.Type().Name, Label(d.Before))
		case d.Diff != nil && !d.Diff.Empty():
			verb := "changed"
			if d.Before == nil {
				verb = "created"
			}
			fmt.Fprintf(&sb, "\n%s %s %s\n%s", d.After.Type().Name, Label(d.After), verb, d.Diff)
		}
	}
	ev.Text = strings.TrimSpace(sb.String())
	return ev
}

// integrate installs the committed records. Called with commitMu held.
func (t *Transaction) integrate(cs *Changeset) {
	s := t.store

	byType := map[schema.TypeID][]Delta{}
	for _, d := range cs.Deltas {
		byType[d.Invid.Type] = append(byType[d.Invid.Type], d)
	}
	types := make([]schema.TypeID, 0, len(byType))
	for id := range byType {
		types = append(types, id)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	permsTouched := false
	for _, typeID := range types {
		table := s.tables[typeID]
		table.mu.Lock()
		for _, d := range byType[typeID] {
			if d.After == nil {
				table.objects.Delete(d.Invid.Num)
			} else {
				table.objects.Store(d.Invid.Num, d.After)
			}
		}
		table.snap.Store(nil)
		table.mu.Unlock()
		permsTouched = permsTouched || schema.IsAdminType(typeID)
	}

	s.namespaces.Commit(namespace.TxnID(t.id))
	s.backlinks.Commit(t.id)
	for _, e := range t.objects {
		_, _ = s.claims.ReleaseLock(e.id.String(), t.owner)
	}
	t.frames = nil
	if permsTouched {
		s.permStamp.Add(1)
	}
}

// Abort releases every object, drops every provisional claim and discards
// all checkpoints. Aborting a finished transaction is a no-op.
func (t *Transaction) Abort() {
	if t.state != txnOpen {
		return
	}
	for _, e := range t.Objects() {
		t.discard(e, true)
	}
	s := t.store
	s.namespaces.Abort(namespace.TxnID(t.id))
	s.backlinks.Abort(t.id)
	t.frames = nil
	t.state = txnAborted
	s.aborts.Add(1)
	abortsTotal.Inc()
	Logger.Infof("txn %d aborted (%s)", t.id, t.owner.Name)
}

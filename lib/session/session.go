package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dObj/lib/access"
	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/query"
	"github.com/ValentinKolb/dObj/lib/schema"
)

var (
	errClosed = db.NewError(db.RetCInvalidOperation, "Session Closed", "the session has been logged out")
	errNoTxn  = db.NewError(db.RetCInvalidOperation, "No Transaction", "no transaction is open")
)

// Session is the state of one logged in client. All methods are safe for
// concurrent use; calls are serialized.
type Session struct {
	id    uint64
	token string
	mgr   *Manager

	mu       sync.Mutex
	subject  *access.Identity
	checker  *access.Checker
	txn      *db.Transaction
	handles  map[invid.Invid]struct{}
	owners   []invid.Invid
	pending  []audit.Event
	started  time.Time
	lastSeen time.Time
	closed   bool
}

// ID is the session number used in log lines. It is not a credential.
func (s *Session) ID() uint64 { return s.id }

// Token is the secret a client presents to reach this session.
func (s *Session) Token() string { return s.token }

// Subject returns the identity the session acts as.
func (s *Session) Subject() db.Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject.Name()
}

// InTransaction reports whether the session has an open transaction.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn != nil
}

// Started returns the login time.
func (s *Session) Started() time.Time { return s.started }

// LastSeen returns the time of the last call.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Handles returns the objects checked out by the open transaction.
func (s *Session) Handles() []invid.Invid {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]invid.Invid, 0, len(s.handles))
	for id := range s.handles {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// do runs fn with the session lock held and records activity. A lifecycle
// Fault raised by fn aborts the open transaction and is returned as a
// RetCFault error; the session itself stays usable.
func (s *Session) do(fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	now := s.mgr.clock()
	s.lastSeen = now
	s.mgr.touch(s.id, now)

	defer func() {
		if r := recover(); r != nil {
			f, ok := db.AsFault(r)
			if !ok {
				panic(r)
			}
			faultsTotal.Inc()
			Logger.Errorf("session %d (%s): %s, aborting transaction", s.id, s.subject.Name(), f.Msg)
			s.abortLocked()
			err = db.FaultError(f)
		}
	}()
	return fn()
}

func (s *Session) requireTxn() (*db.Transaction, error) {
	if s.txn == nil {
		return nil, errNoTxn
	}
	return s.txn, nil
}

func (s *Session) abortLocked() {
	if s.txn != nil {
		s.txn.Abort()
	}
	s.endTxn()
}

func (s *Session) endTxn() {
	s.txn = nil
	s.handles = map[invid.Invid]struct{}{}
	s.pending = nil
}

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// SelectPersona switches the session to one of the user's personae. An
// empty name returns to the plain user identity. No transaction may be open.
func (s *Session) SelectPersona(ctx context.Context, name, password string) error {
	return s.do(func() error {
		if s.txn != nil {
			return db.NewError(db.RetCInvalidOperation, "Transaction Open", "close the open transaction before changing persona")
		}
		store := s.mgr.store
		if name == "" {
			if s.subject.UserID.IsNil() {
				return db.NewError(db.RetCInvalidOperation, "No User", "%s has no end-user identity", s.subject.Name())
			}
			user, ok := store.Get(s.subject.UserID)
			if !ok {
				return db.NewError(db.RetCNotFound, "No User", "user %s no longer exists", s.subject.UserID)
			}
			s.become(&access.Identity{UserID: user.Invid(), Label: db.Label(user)})
			return nil
		}

		owner, ok := store.Namespaces().Lookup(schema.PersonaNamespace, db.String(name).NamespaceKey())
		if !ok {
			return errPersonaDenied
		}
		persona, ok := store.Get(owner.Invid)
		if !ok || !checkPassword(persona, schema.PersonaPassword, password) {
			return errPersonaDenied
		}
		user, _ := db.ScalarOf(persona, schema.PersonaUser)
		if s.subject.UserID.IsNil() || user.AsInvid() != s.subject.UserID {
			return errPersonaDenied
		}
		s.become(&access.Identity{
			UserID:    s.subject.UserID,
			PersonaID: persona.Invid(),
			Label:     db.Label(persona),
			Super:     strings.EqualFold(db.Label(persona), schema.SupergashName),
		})
		return nil
	})
}

var errPersonaDenied = db.NewError(db.RetCPermissionDenied, "Persona Denied", "unknown persona or wrong password")

func (s *Session) become(ident *access.Identity) {
	Logger.Infof("session %d: %s is now %s", s.id, s.subject.Name(), ident.Name())
	s.subject = ident
	s.checker = s.mgr.perms.Checker(ident)
	s.owners = nil
}

// SetDefaultOwners sets the owner groups of objects the session creates
// without naming owners. Each group must be available to the persona.
func (s *Session) SetDefaultOwners(groups ...invid.Invid) error {
	return s.do(func() error {
		if err := s.checkOwners(groups); err != nil {
			return err
		}
		s.owners = append([]invid.Invid(nil), groups...)
		return nil
	})
}

// checkOwners verifies that the subject may assign every group as owner:
// the group is one of the persona's groups or is owned by the persona.
func (s *Session) checkOwners(groups []invid.Invid) error {
	if s.subject.Supergash() {
		return nil
	}
	mine := map[invid.Invid]struct{}{}
	for _, g := range s.checker.OwnerGroups() {
		mine[g] = struct{}{}
	}
	for _, g := range groups {
		if g.Type != schema.OwnerGroupType {
			return db.NewError(db.RetCValidation, "Bad Owner", "%s is not an owner group", g)
		}
		if _, ok := mine[g]; ok {
			continue
		}
		rec, ok := s.mgr.store.Get(g)
		if !ok || !s.checker.Owns(rec) {
			return db.NewError(db.RetCPermissionDenied, "Bad Owner", "%s is not one of your owner groups", g)
		}
	}
	return nil
}

// newOwners decides the owner list of a new object.
func (s *Session) newOwners(explicit []invid.Invid) ([]invid.Invid, error) {
	if len(explicit) > 0 {
		return explicit, s.checkOwners(explicit)
	}
	if len(s.owners) > 0 || s.subject.Supergash() {
		return s.owners, nil
	}
	groups := s.checker.OwnerGroups()
	if len(groups) > 1 {
		return nil, db.NewError(db.RetCInvalidOperation, "Owner Required",
			"%s belongs to %d owner groups, set the default owners first", s.subject.Name(), len(groups))
	}
	return groups, nil
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// OpenTransaction starts the session's transaction.
func (s *Session) OpenTransaction(description string) error {
	return s.do(func() error {
		if s.txn != nil {
			return db.NewError(db.RetCInvalidOperation, "Transaction Open", "a transaction is already open")
		}
		s.txn = s.mgr.store.Begin(s.subject, s.checker, description)
		Logger.Debugf("session %d: opened txn %d (%s)", s.id, s.txn.ID(), description)
		return nil
	})
}

// Commit commits the open transaction. If the commit fails and autoAbort is
// false the transaction stays open so the client may fix the problem and
// retry. With autoAbort a failed commit discards the transaction.
func (s *Session) Commit(ctx context.Context, autoAbort bool) error {
	return s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		start := time.Now()
		err = txn.Commit(ctx, autoAbort)
		s.mgr.commits.UpdateSince(start)
		if err != nil {
			if !txn.Open() {
				s.endTxn()
			}
			return err
		}
		pending := s.pending
		s.endTxn()
		for _, ev := range pending {
			ev.TxnID = txn.ID()
			s.mgr.logEvent(ctx, ev)
		}
		return nil
	})
}

// Abort discards the open transaction.
func (s *Session) Abort() error {
	return s.do(func() error {
		if _, err := s.requireTxn(); err != nil {
			return err
		}
		s.abortLocked()
		return nil
	})
}

func (s *Session) Checkpoint(key string) error {
	return s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		return txn.Checkpoint(key)
	})
}

// Rollback undoes everything done since the checkpoint key.
func (s *Session) Rollback(key string) error {
	return s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		if err := txn.Rollback(key); err != nil {
			return err
		}
		for id := range s.handles {
			if _, ok := txn.Edited(id); !ok {
				delete(s.handles, id)
			}
		}
		return nil
	})
}

func (s *Session) PopCheckpoint(key string) error {
	return s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		return txn.PopCheckpoint(key)
	})
}

// --------------------------------------------------------------------------
// Objects
// --------------------------------------------------------------------------

// lookup returns the session's view of an object: the transaction's copy
// when it has one, else the committed record.
func (s *Session) lookup(id invid.Invid) (db.FieldReader, bool) {
	if s.txn != nil {
		return s.txn.View(id)
	}
	r, ok := s.mgr.store.Get(id)
	if !ok {
		return nil, false
	}
	return r, true
}

// visible returns an object the subject may see. Invisible and missing
// objects are reported the same way.
func (s *Session) visible(id invid.Invid) (db.FieldReader, perm.Entry, error) {
	obj, ok := s.lookup(id)
	if !ok {
		return nil, perm.None, db.NewError(db.RetCNotFound, "Object Not Found", "object %s does not exist", id)
	}
	p := s.checker.ObjectPerm(obj)
	if !p.Visible() {
		return nil, perm.None, db.NewError(db.RetCNotFound, "Object Not Found", "object %s does not exist", id)
	}
	return obj, p, nil
}

// checkout returns an edit copy of an object the subject may edit.
func (s *Session) checkout(id invid.Invid) (*db.EditRecord, error) {
	txn, err := s.requireTxn()
	if err != nil {
		return nil, err
	}
	obj, p, err := s.visible(id)
	if err != nil {
		return nil, err
	}
	if !p.Editable() {
		return nil, db.NewError(db.RetCPermissionDenied, "Permission Denied", "you do not have permission to edit %s", db.Label(obj))
	}
	e, err := txn.Checkout(id)
	if err != nil {
		return nil, err
	}
	s.handles[id] = struct{}{}
	return e, nil
}

func (s *Session) encode(obj db.FieldReader) db.EncodedRecord {
	return db.EncodeFields(obj, func(fid schema.FieldID) bool {
		f, ok := obj.Type().Field(fid)
		if !ok || f.Type == schema.Password {
			return false
		}
		return s.checker.FieldPerm(obj, fid).Visible()
	})
}

// View returns the visible fields of an object as the session sees it.
func (s *Session) View(id invid.Invid) (db.EncodedRecord, error) {
	var out db.EncodedRecord
	err := s.do(func() error {
		obj, _, err := s.visible(id)
		if err != nil {
			return err
		}
		out = s.encode(obj)
		return nil
	})
	return out, err
}

// Edit checks an object out into the open transaction.
func (s *Session) Edit(id invid.Invid) error {
	return s.do(func() error {
		_, err := s.checkout(id)
		return err
	})
}

// Create creates an object of the named type. Without explicit owners the
// session's default owners are used, or the persona's only owner group.
func (s *Session) Create(typeName string, owners ...invid.Invid) (invid.Invid, error) {
	var id invid.Invid
	err := s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		typ, ok := s.mgr.store.Schema().TypeByName(typeName)
		if !ok {
			return db.NewError(db.RetCNotFound, "Unknown Type", "no object type %q", typeName)
		}
		if !s.checker.CanCreate(typ.ID) {
			return db.NewError(db.RetCPermissionDenied, "Permission Denied", "you do not have permission to create %s objects", typ.Name)
		}
		if typ.Embedded {
			owners = nil
		} else if owners, err = s.newOwners(owners); err != nil {
			return err
		}
		e, err := txn.Create(typ.ID, owners...)
		if err != nil {
			return err
		}
		id = e.Invid()
		s.handles[id] = struct{}{}
		return nil
	})
	return id, err
}

// Clone creates a copy of a visible object.
func (s *Session) Clone(src invid.Invid, owners ...invid.Invid) (invid.Invid, error) {
	var id invid.Invid
	err := s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		obj, _, err := s.visible(src)
		if err != nil {
			return err
		}
		if !s.checker.CanCreate(obj.Type().ID) {
			return db.NewError(db.RetCPermissionDenied, "Permission Denied", "you do not have permission to create %s objects", obj.Type().Name)
		}
		if obj.Type().Embedded {
			owners = nil
		} else if owners, err = s.newOwners(owners); err != nil {
			return err
		}
		e, err := txn.Clone(obj, owners...)
		if err != nil {
			return err
		}
		id = e.Invid()
		s.handles[id] = struct{}{}
		return nil
	})
	return id, err
}

// Remove deletes an object when the transaction commits.
func (s *Session) Remove(id invid.Invid) error {
	return s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		obj, p, err := s.visible(id)
		if err != nil {
			return err
		}
		if !p.Deletable() {
			return db.NewError(db.RetCPermissionDenied, "Permission Denied", "you do not have permission to delete %s", db.Label(obj))
		}
		if err := txn.Remove(id); err != nil {
			return err
		}
		s.handles[id] = struct{}{}
		return nil
	})
}

// Inactivate sets the removal date of an object. The event is written to
// the audit log when the transaction commits.
func (s *Session) Inactivate(id invid.Invid) error {
	return s.do(func() error {
		txn, err := s.requireTxn()
		if err != nil {
			return err
		}
		obj, p, err := s.visible(id)
		if err != nil {
			return err
		}
		if !p.Deletable() {
			return db.NewError(db.RetCPermissionDenied, "Permission Denied", "you do not have permission to inactivate %s", db.Label(obj))
		}
		now := s.mgr.clock()
		if _, err := txn.Inactivate(id, now); err != nil {
			return err
		}
		s.handles[id] = struct{}{}
		s.queue(audit.KindInactivate, now, obj)
		return nil
	})
}

// Reactivate clears the removal date of an inactive object.
func (s *Session) Reactivate(id invid.Invid) error {
	return s.do(func() error {
		if _, err := s.requireTxn(); err != nil {
			return err
		}
		obj, p, err := s.visible(id)
		if err != nil {
			return err
		}
		if !p.Editable() {
			return db.NewError(db.RetCPermissionDenied, "Permission Denied", "you do not have permission to reactivate %s", db.Label(obj))
		}
		if _, err := s.txn.Reactivate(id); err != nil {
			return err
		}
		s.handles[id] = struct{}{}
		s.queue(audit.KindReactivate, s.mgr.clock(), obj)
		return nil
	})
}

func (s *Session) queue(kind audit.Kind, at time.Time, obj db.FieldReader) {
	s.pending = append(s.pending, audit.Event{
		Kind:      kind,
		Time:      at,
		Actor:     actorOf(s.subject),
		ActorName: s.subject.Name(),
		Invids:    []invid.Invid{obj.Invid()},
		Text:      db.Label(obj),
	})
}

// --------------------------------------------------------------------------
// Fields
// --------------------------------------------------------------------------

func (s *Session) field(e *db.EditRecord, name string) (*schema.Field, error) {
	f, ok := e.Type().FieldByName(name)
	if !ok {
		return nil, db.NewError(db.RetCNotFound, "Unknown Field", "type %s has no field %q", e.Type().Name, name)
	}
	return f, nil
}

func parseValue(f *schema.Field, text string) (db.Value, error) {
	var (
		v   db.Value
		err error
	)
	if f.Type == schema.Password {
		v, err = db.NewPassword(text)
	} else {
		v, err = db.ParseValue(f.Type, text)
	}
	if err != nil {
		return db.Value{}, db.NewError(db.RetCValidation, "Bad Value", "%q is not a valid %s for %s: %v", text, f.Type, f.Name, err)
	}
	return v, nil
}

// edit checks out id, resolves the field and parses value (unless empty)
// before calling fn.
func (s *Session) edit(id invid.Invid, field, value string, fn func(*db.EditRecord, *schema.Field, db.Value) error) error {
	return s.do(func() error {
		e, err := s.checkout(id)
		if err != nil {
			return err
		}
		f, err := s.field(e, field)
		if err != nil {
			return err
		}
		var v db.Value
		if value != "" {
			if v, err = parseValue(f, value); err != nil {
				return err
			}
		}
		return fn(e, f, v)
	})
}

// SetField sets a scalar field from its textual form.
func (s *Session) SetField(id invid.Invid, field, value string) error {
	return s.edit(id, field, value, func(e *db.EditRecord, f *schema.Field, v db.Value) error {
		if v.IsZero() {
			return e.SetNull(f.ID)
		}
		return e.SetValue(f.ID, v)
	})
}

// ClearField empties a field. Scalars become undefined, vectors lose every
// element.
func (s *Session) ClearField(id invid.Invid, field string) error {
	return s.edit(id, field, "", func(e *db.EditRecord, f *schema.Field, _ db.Value) error {
		if f.Vector {
			return e.DeleteAllElements(f.ID)
		}
		return e.MarkUndefined(f.ID)
	})
}

func (s *Session) AddElement(id invid.Invid, field, value string) error {
	return s.edit(id, field, value, func(e *db.EditRecord, f *schema.Field, v db.Value) error {
		if v.IsZero() {
			return db.NewError(db.RetCValidation, "Bad Value", "cannot add an empty value to %s", f.Name)
		}
		return e.AddElement(f.ID, v)
	})
}

func (s *Session) DeleteElement(id invid.Invid, field, value string) error {
	return s.edit(id, field, value, func(e *db.EditRecord, f *schema.Field, v db.Value) error {
		if v.IsZero() {
			return db.NewError(db.RetCValidation, "Bad Value", "no value given for %s", f.Name)
		}
		return e.DeleteElementValue(f.ID, v)
	})
}

// --------------------------------------------------------------------------
// Queries and history
// --------------------------------------------------------------------------

// Query runs q as the session sees the store.
func (s *Session) Query(ctx context.Context, q *query.Query) ([]query.Result, error) {
	var out []query.Result
	err := s.do(func() error {
		start := time.Now()
		defer s.mgr.queries.UpdateSince(start)
		var err error
		out, err = s.mgr.query.Query(ctx, q, s.txn, s.checker)
		return err
	})
	return out, err
}

// Dump runs q and returns the visible fields of every match.
func (s *Session) Dump(ctx context.Context, q *query.Query) ([]db.EncodedRecord, error) {
	var out []db.EncodedRecord
	err := s.do(func() error {
		start := time.Now()
		defer s.mgr.queries.UpdateSince(start)
		var err error
		out, err = s.mgr.query.Dump(ctx, q, s.txn, s.checker)
		return err
	})
	return out, err
}

// Perm returns the subject's permission on an object, or on one of its
// fields when field is not empty.
func (s *Session) Perm(id invid.Invid, field string) (perm.Entry, error) {
	var out perm.Entry
	err := s.do(func() error {
		obj, ok := s.lookup(id)
		if !ok {
			return db.NewError(db.RetCNotFound, "Object Not Found", "object %s does not exist", id)
		}
		if field == "" {
			out = s.checker.ObjectPerm(obj)
			return nil
		}
		f, ok := obj.Type().FieldByName(field)
		if !ok {
			return db.NewError(db.RetCNotFound, "Unknown Field", "type %s has no field %q", obj.Type().Name, field)
		}
		out = s.checker.FieldPerm(obj, f.ID)
		return nil
	})
	return out, err
}

// History returns the audit events of a visible object.
func (s *Session) History(ctx context.Context, id invid.Invid, since time.Time, loginOnly, full bool) ([]audit.Event, error) {
	var out []audit.Event
	err := s.do(func() error {
		if _, _, err := s.visible(id); err != nil {
			return err
		}
		var err error
		out, err = s.mgr.audit.History(ctx, audit.Query{Invid: id, Since: since, LoginOnly: loginOnly, FullTransactions: full})
		if err != nil {
			return db.NewError(db.RetCInfrastructure, "Audit Log", "%v", err)
		}
		return nil
	})
	return out, err
}

// --------------------------------------------------------------------------
// Logout
// --------------------------------------------------------------------------

// Logout aborts the open transaction and ends the session.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.end(ctx, audit.KindLogout, "logout")
	Logger.Infof("session %d: %s logged out", s.id, s.subject.Name())
	return nil
}

// disconnectIfIdle ends the session if it saw no call since cutoff.
func (s *Session) disconnectIfIdle(ctx context.Context, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.lastSeen.Before(cutoff) {
		s.mgr.touch(s.id, s.lastSeen)
		return false
	}
	s.end(ctx, audit.KindForcedDisconnect, "idle since "+s.lastSeen.Format(time.RFC3339))
	forcedDisconnects.Inc()
	Logger.Warningf("session %d: %s disconnected after idle timeout", s.id, s.subject.Name())
	return true
}

func (s *Session) end(ctx context.Context, kind audit.Kind, text string) {
	s.abortLocked()
	s.closed = true
	s.mgr.forget(s)
	s.mgr.logEvent(ctx, audit.Event{
		Kind:      kind,
		Time:      s.mgr.clock(),
		Actor:     actorOf(s.subject),
		ActorName: s.subject.Name(),
		Text:      text,
	})
}

package client

import (
	"time"

	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/perm"
	"github.com/ValentinKolb/dObj/lib/query"
	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/serializer"
	"github.com/ValentinKolb/dObj/rpc/transport"
)

// Client is a connection to an object server.
type Client struct {
	rpcClientAdapter
}

// NewRPCClient connects the transport and returns a client using it
//
// Usage:
//
//	c, err := client.NewRPCClient(config, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//	s, err := c.Login("carol", "secret")
//	defer s.Logout()
func NewRPCClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Client, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &Client{rpcClientAdapter{
		config:     config,
		transport:  transport,
		serializer: serializer,
	}}, nil
}

// Close closes the transport. Open sessions stay alive on the server until
// they are reaped.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Login opens a session as a user or persona.
func (c *Client) Login(name, password string) (*Session, error) {
	resp, err := c.invoke(common.NewLoginRequest(name, password))
	if err != nil {
		return nil, err
	}
	if resp.Session == "" {
		return nil, db.NewError(db.RetCInfrastructure, "Protocol Error", "login response carries no session token")
	}
	Logger.Debugf("logged in as %s", name)
	return &Session{adapter: &c.rpcClientAdapter, token: resp.Session, name: name}, nil
}

// Session is the client side of a server session. Its methods mirror
// session.Session.
type Session struct {
	adapter *rpcClientAdapter
	token   string
	name    string
}

// Token returns the secret identifying the session on the server.
func (s *Session) Token() string { return s.token }

// Name returns the name the session logged in with.
func (s *Session) Name() string { return s.name }

func (s *Session) call(req *common.Message) (*common.Message, error) {
	req.Session = s.token
	return s.adapter.invoke(req)
}

func (s *Session) simple(t common.MessageType, name string) error {
	req := common.NewRequest(t, s.token)
	req.Name = name
	_, err := s.call(req)
	return err
}

func (s *Session) object(t common.MessageType, id invid.Invid) (*common.Message, error) {
	return s.call(common.NewObjectRequest(t, s.token, id))
}

func (s *Session) field(t common.MessageType, id invid.Invid, field, value string) error {
	_, err := s.call(common.NewFieldRequest(t, s.token, id, field, value))
	return err
}

// --------------------------------------------------------------------------
// Session operations
// --------------------------------------------------------------------------

func (s *Session) Logout() error {
	return s.simple(common.MsgTLogout, "")
}

func (s *Session) SelectPersona(name, password string) error {
	req := common.NewRequest(common.MsgTSelectPersona, s.token)
	req.Name, req.Password = name, password
	_, err := s.call(req)
	return err
}

func (s *Session) SetDefaultOwners(groups ...invid.Invid) error {
	req := common.NewRequest(common.MsgTSetOwners, s.token)
	req.Owners = groups
	_, err := s.call(req)
	return err
}

// Handles returns the objects checked out by the open transaction.
func (s *Session) Handles() ([]invid.Invid, error) {
	resp, err := s.call(common.NewRequest(common.MsgTHandles, s.token))
	if err != nil {
		return nil, err
	}
	return resp.Handles, nil
}

// Stats returns the server's session and store statistics.
func (s *Session) Stats() (*common.SessionStats, error) {
	resp, err := s.call(common.NewRequest(common.MsgTStats, s.token))
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// --------------------------------------------------------------------------
// Transaction operations
// --------------------------------------------------------------------------

func (s *Session) OpenTransaction(description string) error {
	return s.simple(common.MsgTOpen, description)
}

// Commit commits the open transaction. With autoAbort a failed commit
// discards the transaction on the server.
func (s *Session) Commit(autoAbort bool) error {
	_, err := s.call(common.NewCommitRequest(s.token, autoAbort))
	return err
}

func (s *Session) Abort() error { return s.simple(common.MsgTAbort, "") }

func (s *Session) Checkpoint(key string) error { return s.simple(common.MsgTCheckpoint, key) }

func (s *Session) Rollback(key string) error { return s.simple(common.MsgTRollback, key) }

func (s *Session) PopCheckpoint(key string) error { return s.simple(common.MsgTPopCheckpoint, key) }

// --------------------------------------------------------------------------
// Object operations
// --------------------------------------------------------------------------

func (s *Session) View(id invid.Invid) (db.EncodedRecord, error) {
	resp, err := s.object(common.MsgTView, id)
	if err != nil {
		return db.EncodedRecord{}, err
	}
	if len(resp.Records) != 1 {
		return db.EncodedRecord{}, db.NewError(db.RetCInfrastructure, "Bad Response", "view returned %d records", len(resp.Records))
	}
	return resp.Records[0], nil
}

func (s *Session) Edit(id invid.Invid) error {
	_, err := s.object(common.MsgTEdit, id)
	return err
}

func (s *Session) Create(typeName string, owners ...invid.Invid) (invid.Invid, error) {
	req := common.NewRequest(common.MsgTCreate, s.token)
	req.Name, req.Owners = typeName, owners
	resp, err := s.call(req)
	if err != nil {
		return invid.Nil, err
	}
	return resp.Invid, nil
}

func (s *Session) Clone(src invid.Invid, owners ...invid.Invid) (invid.Invid, error) {
	req := common.NewObjectRequest(common.MsgTClone, s.token, src)
	req.Owners = owners
	resp, err := s.call(req)
	if err != nil {
		return invid.Nil, err
	}
	return resp.Invid, nil
}

func (s *Session) Remove(id invid.Invid) error {
	_, err := s.object(common.MsgTRemove, id)
	return err
}

func (s *Session) Inactivate(id invid.Invid) error {
	_, err := s.object(common.MsgTInactivate, id)
	return err
}

func (s *Session) Reactivate(id invid.Invid) error {
	_, err := s.object(common.MsgTReactivate, id)
	return err
}

// --------------------------------------------------------------------------
// Field operations
// --------------------------------------------------------------------------

func (s *Session) SetField(id invid.Invid, field, value string) error {
	return s.field(common.MsgTSetField, id, field, value)
}

func (s *Session) ClearField(id invid.Invid, field string) error {
	return s.field(common.MsgTClearField, id, field, "")
}

func (s *Session) AddElement(id invid.Invid, field, value string) error {
	return s.field(common.MsgTAddElement, id, field, value)
}

func (s *Session) DeleteElement(id invid.Invid, field, value string) error {
	return s.field(common.MsgTDeleteElement, id, field, value)
}

// --------------------------------------------------------------------------
// Read operations
// --------------------------------------------------------------------------

// Query returns the objects matching q. ownerGroups narrows the result to
// objects owned by one of the groups.
func (s *Session) Query(q common.QueryArgs, ownerGroups ...invid.Invid) ([]query.Result, error) {
	resp, err := s.call(common.NewQueryRequest(common.MsgTQuery, s.token, &q, ownerGroups...))
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Dump returns the visible fields of every object matching q.
func (s *Session) Dump(q common.QueryArgs, ownerGroups ...invid.Invid) ([]db.EncodedRecord, error) {
	resp, err := s.call(common.NewQueryRequest(common.MsgTDump, s.token, &q, ownerGroups...))
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Perm returns the session's permission on an object, or on one of its
// fields.
func (s *Session) Perm(id invid.Invid, field string) (perm.Entry, error) {
	resp, err := s.call(common.NewFieldRequest(common.MsgTPerm, s.token, id, field, ""))
	if err != nil {
		return perm.None, err
	}
	return perm.ParseEntry(resp.Perm)
}

func (s *Session) History(id invid.Invid, since time.Time, loginOnly, full bool) ([]audit.Event, error) {
	resp, err := s.call(common.NewHistoryRequest(s.token, id, since, loginOnly, full))
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

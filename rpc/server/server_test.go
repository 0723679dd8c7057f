package server

import (
	"context"
	"strconv"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/ValentinKolb/dObj/lib/session"
	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/serializer"
	"github.com/ValentinKolb/dObj/rpc/transport"
)

const testSchemaYAML = `
types:
  - id: 256
    name: system
    label: name
    fields:
      - {id: 100, name: name, type: string, required: true}
      - {id: 101, name: tags, type: string, vector: true}
`

// nopTransport never listens; tests call Handle directly.
type nopTransport struct{}

func (nopTransport) RegisterHandler(transport.ServerHandleFunc) {}

func (nopTransport) Listen(context.Context, common.ServerConfig) error { return nil }

func newTestServer(t *testing.T) (*rpcServer, *session.Manager) {
	t.Helper()
	s, err := schema.Load([]byte(testSchemaYAML))
	if err != nil {
		t.Fatalf("schema.Load() error = %v", err)
	}
	st, err := db.NewStore(s, db.DefaultOptions())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := st.Bootstrap(context.Background(), "secret"); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	mgr := session.NewManager(st, session.Options{})
	srv := NewRPCServer(common.ServerConfig{Serializer: "json", LogLevel: "info"},
		nopTransport{}, serializer.NewJSONSerializer(), NewSessionServerAdapter(mgr))
	return srv, mgr
}

// roundTrip sends req through the server's request path.
func roundTrip(t *testing.T, srv *rpcServer, req *common.Message) *common.Message {
	t.Helper()
	data, err := srv.serializer.Serialize(*req)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	var resp common.Message
	if err := srv.serializer.Deserialize(srv.Handle(context.Background(), data), &resp); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	return &resp
}

func TestHandleUndecodableRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	var resp common.Message
	if err := srv.serializer.Deserialize(srv.Handle(context.Background(), []byte("{not json")), &resp); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if resp.MsgType != common.MsgTError || resp.Err == nil || resp.Err.Code != db.RetCValidation {
		t.Errorf("response = %+v, want validation error", resp)
	}
}

func TestHandleSessions(t *testing.T) {
	srv, mgr := newTestServer(t)

	// failed login keeps its code
	resp := roundTrip(t, srv, common.NewLoginRequest(schema.SupergashName, "wrong"))
	if resp.Err == nil || resp.Err.Code != db.RetCPermissionDenied {
		t.Fatalf("login with wrong password: err = %+v, want permission denied", resp.Err)
	}

	resp = roundTrip(t, srv, common.NewLoginRequest(schema.SupergashName, "secret"))
	if resp.Err != nil || resp.Session == "" {
		t.Fatalf("login: err = %+v, session = %q", resp.Err, resp.Session)
	}
	id := resp.Session
	s, ok := mgr.Session(id)
	if !ok {
		t.Fatal("login token unknown to the manager")
	}

	// unknown tokens are rejected
	for name, token := range map[string]string{
		"none":    "",
		"log id":  strconv.FormatUint(s.ID(), 10),
		"guessed": "1",
		"altered": id[:len(id)-1] + "x",
	} {
		t.Run(name, func(t *testing.T) {
			resp := roundTrip(t, srv, common.NewRequest(common.MsgTHandles, token))
			if resp.Err == nil || resp.Err.Code != db.RetCInvalidOperation {
				t.Errorf("token %q: err = %+v, want invalid operation", token, resp.Err)
			}
			if resp.Session != "" {
				t.Errorf("rejected request answered with session %q", resp.Session)
			}
		})
	}

	// unsupported types are protocol errors
	resp = roundTrip(t, srv, common.NewRequest(common.MsgTSuccess, id))
	if resp.MsgType != common.MsgTError {
		t.Errorf("unsupported type answered with %s", resp.MsgType)
	}

	resp = roundTrip(t, srv, common.NewRequest(common.MsgTStats, id))
	if resp.Err != nil || resp.Stats == nil || resp.Stats.Sessions != 1 {
		t.Errorf("stats: err = %+v, stats = %+v", resp.Err, resp.Stats)
	}

	resp = roundTrip(t, srv, common.NewRequest(common.MsgTLogout, id))
	if resp.Err != nil {
		t.Fatalf("logout: %+v", resp.Err)
	}
	if _, ok := mgr.Session(id); ok {
		t.Error("session still known after logout")
	}
}

func TestHandleObjectLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := roundTrip(t, srv, common.NewLoginRequest(schema.SupergashName, "secret")).Session

	mustOK := func(req *common.Message) *common.Message {
		t.Helper()
		resp := roundTrip(t, srv, req)
		if resp.Err != nil {
			t.Fatalf("%s: %s", req.MsgType, resp.Err.Msg)
		}
		return resp
	}

	// edits need a transaction
	resp := roundTrip(t, srv, &common.Message{MsgType: common.MsgTCreate, Session: id, Name: "system"})
	if resp.Err == nil || resp.Err.Code != db.RetCInvalidOperation {
		t.Fatalf("create without transaction: err = %+v", resp.Err)
	}

	mustOK(&common.Message{MsgType: common.MsgTOpen, Session: id, Name: "add alpha"})
	obj := mustOK(&common.Message{MsgType: common.MsgTCreate, Session: id, Name: "system"}).Invid
	if obj.IsNil() {
		t.Fatal("create returned no invid")
	}
	mustOK(common.NewFieldRequest(common.MsgTSetField, id, obj, "name", "alpha"))
	mustOK(common.NewFieldRequest(common.MsgTAddElement, id, obj, "tags", "rack-1"))

	handles := mustOK(common.NewRequest(common.MsgTHandles, id)).Handles
	if len(handles) != 1 || handles[0] != obj {
		t.Errorf("handles = %v, want [%s]", handles, obj)
	}
	mustOK(common.NewCommitRequest(id, false))

	recs := mustOK(common.NewObjectRequest(common.MsgTView, id, obj)).Records
	if len(recs) != 1 || recs[0].Label != "alpha" {
		t.Fatalf("view = %+v, want one record labelled alpha", recs)
	}

	results := mustOK(common.NewQueryRequest(common.MsgTQuery, id, &common.QueryArgs{Type: "system", Filter: "name=alpha"})).Results
	if len(results) != 1 || results[0].Invid != obj {
		t.Errorf("query = %+v, want alpha", results)
	}
	all := mustOK(common.NewQueryRequest(common.MsgTQuery, id, &common.QueryArgs{Type: "system"})).Results
	if len(all) != 1 {
		t.Errorf("unfiltered query returned %d results, want 1", len(all))
	}

	resp = roundTrip(t, srv, common.NewQueryRequest(common.MsgTQuery, id, &common.QueryArgs{Type: "system", Filter: "(&(name=alpha)"}))
	if resp.Err == nil || resp.Err.Code != db.RetCValidation {
		t.Errorf("malformed filter: err = %+v, want validation", resp.Err)
	}

	if p := mustOK(common.NewFieldRequest(common.MsgTPerm, id, obj, "", "")).Perm; p != "vecd" {
		t.Errorf("perm = %q, want vecd", p)
	}

	// a failed commit stays open unless the request asks for auto-abort
	for _, autoAbort := range []bool{false, true} {
		mustOK(&common.Message{MsgType: common.MsgTOpen, Session: id, Name: "nameless"})
		mustOK(&common.Message{MsgType: common.MsgTCreate, Session: id, Name: "system"})
		resp = roundTrip(t, srv, common.NewCommitRequest(id, autoAbort))
		if resp.Err == nil || resp.Err.Code != db.RetCConsistency {
			t.Fatalf("commit without name (autoAbort=%t): err = %+v", autoAbort, resp.Err)
		}
		open := len(mustOK(common.NewRequest(common.MsgTHandles, id)).Handles) > 0
		if open == autoAbort {
			t.Errorf("autoAbort=%t: transaction open after failed commit = %t", autoAbort, open)
		}
		if open {
			mustOK(common.NewRequest(common.MsgTAbort, id))
		}
	}
}

package server

import (
	"context"
	"strings"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/query"
	"github.com/ValentinKolb/dObj/lib/session"
	"github.com/ValentinKolb/dObj/rpc/common"
)

// NewSessionServerAdapter creates an adapter dispatching Messages onto the
// sessions of mgr.
func NewSessionServerAdapter(mgr *session.Manager) IRPCServerAdapter {
	return &sessionServerAdapterImpl{mgr: mgr}
}

type sessionServerAdapterImpl struct {
	mgr *session.Manager
}

func (adapter *sessionServerAdapterImpl) Handle(ctx context.Context, req *common.Message) *common.Message {
	// Login is the only request without a session
	if req.MsgType == common.MsgTLogin {
		s, err := adapter.mgr.Login(ctx, req.Name, req.Password)
		if err != nil {
			return common.NewResponse(req.MsgType, "", err)
		}
		return common.NewResponse(req.MsgType, s.Token(), nil)
	}

	// Every other request needs the token of a live session
	s, ok := adapter.mgr.Session(req.Session)
	if !ok {
		return common.NewResponse(req.MsgType, "",
			db.NewError(db.RetCInvalidOperation, "Not Logged In", "unknown session token or the session has ended"))
	}

	resp := common.NewResponse(req.MsgType, req.Session, nil)
	var err error

	switch req.MsgType {

	// Session operations
	case common.MsgTLogout:
		err = s.Logout(ctx)
	case common.MsgTSelectPersona:
		err = s.SelectPersona(ctx, req.Name, req.Password)
	case common.MsgTSetOwners:
		err = s.SetDefaultOwners(req.Owners...)
	case common.MsgTHandles:
		resp.Handles = s.Handles()
	case common.MsgTStats:
		resp.Stats = statsToWire(adapter.mgr.Stats())

	// Transaction operations
	case common.MsgTOpen:
		err = s.OpenTransaction(req.Name)
	case common.MsgTCommit:
		err = s.Commit(ctx, req.Flags&common.FlagAutoAbort != 0)
	case common.MsgTAbort:
		err = s.Abort()
	case common.MsgTCheckpoint:
		err = s.Checkpoint(req.Name)
	case common.MsgTRollback:
		err = s.Rollback(req.Name)
	case common.MsgTPopCheckpoint:
		err = s.PopCheckpoint(req.Name)

	// Object operations
	case common.MsgTView:
		var rec db.EncodedRecord
		if rec, err = s.View(req.Invid); err == nil {
			resp.Records = []db.EncodedRecord{rec}
		}
	case common.MsgTEdit:
		err = s.Edit(req.Invid)
	case common.MsgTCreate:
		resp.Invid, err = s.Create(req.Name, req.Owners...)
	case common.MsgTClone:
		resp.Invid, err = s.Clone(req.Invid, req.Owners...)
	case common.MsgTRemove:
		err = s.Remove(req.Invid)
	case common.MsgTInactivate:
		err = s.Inactivate(req.Invid)
	case common.MsgTReactivate:
		err = s.Reactivate(req.Invid)

	// Field operations
	case common.MsgTSetField:
		err = s.SetField(req.Invid, req.Field, req.Value)
	case common.MsgTClearField:
		err = s.ClearField(req.Invid, req.Field)
	case common.MsgTAddElement:
		err = s.AddElement(req.Invid, req.Field, req.Value)
	case common.MsgTDeleteElement:
		err = s.DeleteElement(req.Invid, req.Field, req.Value)

	// Read operations
	case common.MsgTQuery:
		var q *query.Query
		if q, err = toQuery(req); err == nil {
			resp.Results, err = s.Query(ctx, q)
		}
	case common.MsgTDump:
		var q *query.Query
		if q, err = toQuery(req); err == nil {
			resp.Records, err = s.Dump(ctx, q)
		}
	case common.MsgTPerm:
		p, perr := s.Perm(req.Invid, req.Field)
		if err = perr; err == nil {
			resp.Perm = p.String()
		}
	case common.MsgTHistory:
		resp.Events, err = s.History(ctx, req.Invid, req.Since,
			req.Flags&common.FlagLoginOnly != 0, req.Flags&common.FlagFullTransactions != 0)

	default:
		return common.NewErrorResponse(db.RetCInvalidOperation, "unsupported message type: %s", req.MsgType)
	}

	resp.Err = common.NewErrorInfo(err)
	return resp
}

// toQuery parses the wire query of a Query or Dump request.
func toQuery(req *common.Message) (*query.Query, error) {
	if req.Query == nil {
		return nil, db.NewError(db.RetCValidation, "Bad Query", "request carries no query")
	}
	var filter *query.Node
	if strings.TrimSpace(req.Query.Filter) != "" {
		var err error
		if filter, err = query.Parse(req.Query.Filter); err != nil {
			return nil, db.NewError(db.RetCValidation, "Bad Query", "%v", err)
		}
	}
	return &query.Query{
		Type:         req.Query.Type,
		Filter:       filter,
		EditableOnly: req.Query.EditableOnly,
		OwnerGroups:  req.Owners,
		Limit:        req.Query.Limit,
	}, nil
}

func statsToWire(st session.Stats) *common.SessionStats {
	return &common.SessionStats{
		Sessions:          st.Sessions,
		OpenTransactions:  st.OpenTransactions,
		OldestActivity:    st.OldestActivity,
		Logins:            st.Logins,
		LoginFailures:     st.LoginFailures,
		ForcedDisconnects: st.ForcedDisconnects,
		Commits:           st.Commits,
		CommitMean:        st.CommitMean,
		CommitP99:         st.CommitP99,
		Queries:           st.Queries,
		QueryMean:         st.QueryMean,
		Objects:           st.Store.Objects,
		CheckedOut:        st.Store.CheckedOut,
		StoreCommits:      st.Store.Commits,
		StoreAborts:       st.Store.Aborts,
	}
}

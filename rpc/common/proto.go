package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/query"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`
	// Session token the request belongs to (every type except Login). The
	// Login response carries the new token.
	Session string `json:"session,omitempty"`

	// Request fields
	Name     string        `json:"name,omitempty"`     // Login, SelectPersona: account; Create: type; Open: description; checkpoints: key
	Password string        `json:"password,omitempty"` // Login, SelectPersona
	Invid    invid.Invid   `json:"invid,omitempty"`    // object operations, Perm, History; Create and Clone response: new object
	Field    string        `json:"field,omitempty"`    // field operations, Perm
	Value    string        `json:"value,omitempty"`    // SetField, AddElement, DeleteElement
	Owners   []invid.Invid `json:"owners,omitempty"`   // SetOwners, Create, Clone, Query owner groups
	Query    *QueryArgs    `json:"query,omitempty"`    // Query, Dump
	Since    time.Time     `json:"since,omitempty"`    // History
	Flags    uint8         `json:"flags,omitempty"`    // History: FlagLoginOnly, FlagFullTransactions; Commit: FlagAutoAbort

	// Response only fields
	Results []query.Result     `json:"results,omitempty"` // Query
	Records []db.EncodedRecord `json:"records,omitempty"` // View (one record), Dump
	Events  []audit.Event      `json:"events,omitempty"`  // History
	Handles []invid.Invid      `json:"handles,omitempty"` // Handles
	Perm    string             `json:"perm,omitempty"`    // Perm
	Stats   *SessionStats      `json:"stats,omitempty"`   // Stats
	Err     *ErrorInfo         `json:"err,omitempty"`     // nil on success
}

// QueryArgs is the wire form of a query.
type QueryArgs struct {
	Type         string `json:"type"`
	Filter       string `json:"filter,omitempty"`
	EditableOnly bool   `json:"editable_only,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// Request flags
const (
	FlagLoginOnly uint8 = 1 << iota
	FlagFullTransactions
	FlagAutoAbort
)

// ErrorInfo carries a failed operation's error across the wire.
type ErrorInfo struct {
	Code   db.RetCode `json:"code"`
	Title  string     `json:"title,omitempty"`
	Msg    string     `json:"msg"`
	Holder string     `json:"holder,omitempty"`
	Retry  bool       `json:"retry,omitempty"`
}

// NewErrorInfo converts err into its wire form. Foreign errors become
// infrastructure errors.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var e *db.Error
	if errors.As(err, &e) {
		return &ErrorInfo{Code: e.Code, Title: e.Title, Msg: e.Msg, Holder: e.Holder, Retry: e.DoNormalProcessing}
	}
	return &ErrorInfo{Code: db.RetCInfrastructure, Title: "Server Error", Msg: err.Error()}
}

// AsError restores the *db.Error carried by the message.
func (i *ErrorInfo) AsError() error {
	if i == nil {
		return nil
	}
	return &db.Error{Code: i.Code, Title: i.Title, Msg: i.Msg, Holder: i.Holder, DoNormalProcessing: i.Retry}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewRequest creates a request of the given type for a session.
func NewRequest(t MessageType, session string) *Message {
	return &Message{MsgType: t, Session: session}
}

// NewCommitRequest creates a Commit request. With autoAbort a failed commit
// discards the transaction instead of leaving it open.
func NewCommitRequest(session string, autoAbort bool) *Message {
	msg := &Message{MsgType: MsgTCommit, Session: session}
	if autoAbort {
		msg.Flags |= FlagAutoAbort
	}
	return msg
}

// NewLoginRequest creates a new Login request
func NewLoginRequest(name, password string) *Message {
	return &Message{MsgType: MsgTLogin, Name: name, Password: password}
}

// NewObjectRequest creates a request addressing one object
func NewObjectRequest(t MessageType, session string, id invid.Invid) *Message {
	return &Message{MsgType: t, Session: session, Invid: id}
}

// NewFieldRequest creates a SetField, ClearField, AddElement or DeleteElement
// request
func NewFieldRequest(t MessageType, session string, id invid.Invid, field, value string) *Message {
	return &Message{MsgType: t, Session: session, Invid: id, Field: field, Value: value}
}

// NewQueryRequest creates a Query or Dump request
func NewQueryRequest(t MessageType, session string, q *QueryArgs, ownerGroups ...invid.Invid) *Message {
	return &Message{MsgType: t, Session: session, Query: q, Owners: ownerGroups}
}

// NewHistoryRequest creates a History request
func NewHistoryRequest(session string, id invid.Invid, since time.Time, loginOnly, full bool) *Message {
	msg := &Message{MsgType: MsgTHistory, Session: session, Invid: id, Since: since}
	if loginOnly {
		msg.Flags |= FlagLoginOnly
	}
	if full {
		msg.Flags |= FlagFullTransactions
	}
	return msg
}

// NewResponse creates a response of the request's type
func NewResponse(t MessageType, session string, err error) *Message {
	return &Message{MsgType: t, Session: session, Err: NewErrorInfo(err)}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code db.RetCode, msg string, args ...any) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     &ErrorInfo{Code: code, Title: "Protocol Error", Msg: fmt.Sprintf(msg, args...)},
	}
}

// --------------------------------------------------------------------------
// Session statistics
// --------------------------------------------------------------------------

// SessionStats is the wire form of the server's session statistics.
type SessionStats struct {
	Sessions          int            `json:"sessions"`
	OpenTransactions  int            `json:"open_transactions"`
	OldestActivity    time.Time      `json:"oldest_activity"`
	Logins            int64          `json:"logins"`
	LoginFailures     int64          `json:"login_failures"`
	ForcedDisconnects int64          `json:"forced_disconnects"`
	Commits           int64          `json:"commits"`
	CommitMean        time.Duration  `json:"commit_mean"`
	CommitP99         time.Duration  `json:"commit_p99"`
	Queries           int64          `json:"queries"`
	QueryMean         time.Duration  `json:"query_mean"`
	Objects           map[string]int `json:"objects"`
	CheckedOut        int            `json:"checked_out"`
	StoreCommits      uint64         `json:"store_commits"`
	StoreAborts       uint64         `json:"store_aborts"`
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates a protocol error

	// Session operations

	MsgTLogin
	MsgTLogout
	MsgTSelectPersona
	MsgTSetOwners
	MsgTHandles
	MsgTStats

	// Transaction operations

	MsgTOpen
	MsgTCommit
	MsgTAbort
	MsgTCheckpoint
	MsgTRollback
	MsgTPopCheckpoint

	// Object operations

	MsgTView
	MsgTEdit
	MsgTCreate
	MsgTClone
	MsgTRemove
	MsgTInactivate
	MsgTReactivate

	// Field operations

	MsgTSetField
	MsgTClearField
	MsgTAddElement
	MsgTDeleteElement

	// Read operations

	MsgTQuery
	MsgTDump
	MsgTPerm
	MsgTHistory

	msgTCount
)

var msgTypeNames = [msgTCount]string{
	MsgTUnknown:       "unknown",
	MsgTSuccess:       "success",
	MsgTError:         "error",
	MsgTLogin:         "login",
	MsgTLogout:        "logout",
	MsgTSelectPersona: "selectPersona",
	MsgTSetOwners:     "setOwners",
	MsgTHandles:       "handles",
	MsgTStats:         "stats",
	MsgTOpen:          "open",
	MsgTCommit:        "commit",
	MsgTAbort:         "abort",
	MsgTCheckpoint:    "checkpoint",
	MsgTRollback:      "rollback",
	MsgTPopCheckpoint: "popCheckpoint",
	MsgTView:          "view",
	MsgTEdit:          "edit",
	MsgTCreate:        "create",
	MsgTClone:         "clone",
	MsgTRemove:        "remove",
	MsgTInactivate:    "inactivate",
	MsgTReactivate:    "reactivate",
	MsgTSetField:      "setField",
	MsgTClearField:    "clearField",
	MsgTAddElement:    "addElement",
	MsgTDeleteElement: "deleteElement",
	MsgTQuery:         "query",
	MsgTDump:          "dump",
	MsgTPerm:          "perm",
	MsgTHistory:       "history",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if t < msgTCount {
		return msgTypeNames[t]
	}
	return "unknown"
}

// ParseMessageType is the inverse of MessageType.String.
func ParseMessageType(s string) (MessageType, error) {
	for t, name := range msgTypeNames {
		if name == s {
			return MessageType(t), nil
		}
	}
	return MsgTUnknown, fmt.Errorf("unknown message type: %s", s)
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

package serializer

import (
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/lib/audit"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/query"
	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/google/go-cmp/cmp"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON": NewJSONSerializer,
	"GOB":  NewGOBSerializer,
}

var ts = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

// testMessages covers every group of fields of the Message
func testMessages() map[string]common.Message {
	alpha := invid.New(256, 3)
	ops := invid.New(2, 1)
	return map[string]common.Message{
		"type only": {MsgType: common.MsgTSuccess},
		"login": {
			MsgType:  common.MsgTLogin,
			Name:     "carol",
			Password: "s3cret",
		},
		"field edit": {
			MsgType: common.MsgTAddElement,
			Session: "9f86d081884c7d659a2feaa0c55ad015",
			Invid:   alpha,
			Field:   "tags",
			Value:   "rack-4",
		},
		"query": {
			MsgType: common.MsgTQuery,
			Session: "9f86d081884c7d659a2feaa0c55ad015",
			Query:   &common.QueryArgs{Type: "system", Filter: `name ~= "al"`, EditableOnly: true, Limit: 10},
			Owners:  []invid.Invid{ops},
			Results: []query.Result{{Invid: alpha, Label: "alpha", Editable: true}},
		},
		"records": {
			MsgType: common.MsgTView,
			Session: "9f86d081884c7d659a2feaa0c55ad015",
			Records: []db.EncodedRecord{{
				Invid: alpha.String(),
				Label: "alpha",
				Fields: []db.EncodedSlot{
					{Field: 100, State: 1, Values: []db.EncodedValue{{Kind: 1, Text: "alpha"}}},
					{Field: 102, State: 1, Vector: true, Values: []db.EncodedValue{{Kind: 1, Text: "a"}, {Kind: 1, Text: "b"}}},
				},
			}},
		},
		"history": {
			MsgType: common.MsgTHistory,
			Session: "3c59dc048e8850243be8079a5c74d079",
			Invid:   alpha,
			Since:   ts,
			Flags:   common.FlagLoginOnly | common.FlagFullTransactions,
			Events: []audit.Event{{
				Kind:      audit.KindCommit,
				Time:      ts,
				Actor:     ops,
				ActorName: "carol",
				Invids:    []invid.Invid{alpha},
				Text:      "edited alpha",
				TxnID:     12,
			}},
		},
		"stats": {
			MsgType: common.MsgTStats,
			Stats: &common.SessionStats{
				Sessions:   2,
				Logins:     5,
				CommitMean: 3 * time.Millisecond,
				Objects:    map[string]int{"system": 4},
			},
		},
		"error": {
			MsgType: common.MsgTCommit,
			Session: "9f86d081884c7d659a2feaa0c55ad015",
			Err:     &common.ErrorInfo{Code: db.RetCLocked, Title: "Object Locked", Msg: "alpha is checked out", Holder: "bob", Retry: true},
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		serializer := factory()
		for msgName, msg := range testMessages() {
			t.Run(name+"/"+msgName, func(t *testing.T) {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Fatalf("Serialize() error = %v", err)
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Fatalf("Deserialize() error = %v", err)
				}

				if diff := cmp.Diff(msg, result); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

// TestErrorSurvivesWire checks that a db.Error keeps its code across the wire
func TestErrorSurvivesWire(t *testing.T) {
	sent := db.NewError(db.RetCNamespaceConflict, "Name Taken", "name %q is in use", "alpha")

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(*common.NewResponse(common.MsgTSetField, "1", sent))
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			got := result.Err.AsError()
			if !db.IsCode(got, db.RetCNamespaceConflict) {
				t.Errorf("code = %v, want %v", db.CodeOf(got), db.RetCNamespaceConflict)
			}
			if got.Error() != sent.Error() {
				t.Errorf("Error() = %q, want %q", got.Error(), sent.Error())
			}
		})
	}

	foreign := common.NewErrorInfo(errors.New("disk full"))
	if foreign.Code != db.RetCInfrastructure {
		t.Errorf("foreign error code = %v, want %v", foreign.Code, db.RetCInfrastructure)
	}
}

// TestCodec checks the serializers as journal codecs
func TestCodec(t *testing.T) {
	type record struct {
		ID    uint64
		Names []string
	}
	want := record{ID: 9, Names: []string{"alpha", "beta"}}

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Encode(want)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			var got record
			if err := serializer.Decode(data, &got); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("codec mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"json", "gob"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) error = %v", name, err)
		}
	}
	if _, err := New("binary"); err == nil {
		t.Error("New(binary) succeeded")
	}
}

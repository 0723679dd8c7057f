// Package journal implements the persistence collaborator of the object
// store. Every committed transaction is written as one record holding the
// before/after state of each changed object; at startup the records are
// replayed into an empty store through its bulk-load path.
//
// Two journals exist: an in-memory one (tests, ephemeral servers) and a file
// journal writing length-prefixed frames encoded with a pluggable Codec
// (the rpc serializers implement it).
package journal

import (
	"context"
	"slices"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/zeebo/errs"
)

var Logger = logger.GetLogger("journal")

// Error is the error class of every journal failure.
var Error = errs.Class("journal")

// Codec encodes journal records.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Delta is the encoded before/after state of one object.
type Delta struct {
	Invid  string            `json:"invid"`
	Before *db.EncodedRecord `json:"before,omitempty"`
	After  *db.EncodedRecord `json:"after,omitempty"`
	// Changed lists the fields a create or edit modified, for collaborators
	// that schedule rebuilds from the journal.
	Changed []uint16 `json:"changed,omitempty"`
}

// Transaction is the journal record of one committed transaction.
type Transaction struct {
	ID     uint64    `json:"id"`
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Name   string    `json:"name"`
	Deltas []Delta   `json:"deltas"`
}

// Journal persists committed transactions and replays them.
type Journal interface {
	db.Persister
	// Replay calls fn for every stored transaction in commit order.
	Replay(ctx context.Context, fn func(*Transaction) error) error
	Close() error
}

// Encode converts a changeset into its journal record.
func Encode(cs *db.Changeset) *Transaction {
	tx := &Transaction{ID: cs.TxnID, Time: cs.Time, Actor: cs.Actor.String(), Name: cs.Name}
	for _, d := range cs.Deltas {
		jd := Delta{Invid: d.Invid.String()}
		if d.Before != nil {
			er := db.EncodeFields(d.Before, nil)
			jd.Before = &er
		}
		if d.After != nil {
			er := db.EncodeFields(d.After, nil)
			jd.After = &er
		}
		if d.Diff != nil {
			for fid := range d.Diff.Fields {
				jd.Changed = append(jd.Changed, fid)
			}
			slices.Sort(jd.Changed)
		}
		tx.Deltas = append(tx.Deltas, jd)
	}
	return tx
}

// Decode converts a journal record back into a changeset for s.
func Decode(s *schema.Schema, tx *Transaction) (*db.Changeset, error) {
	actor, err := invid.Parse(tx.Actor)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cs := &db.Changeset{TxnID: tx.ID, Time: tx.Time, Actor: actor, Name: tx.Name}
	for _, jd := range tx.Deltas {
		id, err := invid.Parse(jd.Invid)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		d := db.Delta{Invid: id}
		if jd.Before != nil {
			if d.Before, err = db.DecodeRecord(s, *jd.Before); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		if jd.After != nil {
			if d.After, err = db.DecodeRecord(s, *jd.After); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		cs.Deltas = append(cs.Deltas, d)
	}
	return cs, nil
}

// Restore replays j into store. The store is switched to bulk-load mode for
// the duration of the replay.
func Restore(ctx context.Context, j Journal, store *db.Store) (int, error) {
	store.SetLoading(true)
	defer store.SetLoading(false)

	n := 0
	err := j.Replay(ctx, func(tx *Transaction) error {
		cs, err := Decode(store.Schema(), tx)
		if err != nil {
			return err
		}
		if err := store.Apply(cs); err != nil {
			return Error.New("apply transaction %d: %v", tx.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	Logger.Infof("replayed %d transaction(s)", n)
	return n, nil
}

package journal

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dObj/lib/db"
)

// MemoryJournal keeps records in memory.
type MemoryJournal struct {
	mu  sync.Mutex
	txs []*Transaction
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Persist(ctx context.Context, cs *db.Changeset) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, Encode(cs))
	return nil
}

func (m *MemoryJournal) Replay(ctx context.Context, fn func(*Transaction) error) error {
	m.mu.Lock()
	txs := append([]*Transaction(nil), m.txs...)
	m.mu.Unlock()
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored transactions.
func (m *MemoryJournal) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *MemoryJournal) Close() error { return nil }

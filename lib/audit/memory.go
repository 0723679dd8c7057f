package audit

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dObj/lib/invid"
)

// MemoryLog keeps events in memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Log(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Invids = append([]invid.Invid(nil), ev.Invids...)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryLog) History(_ context.Context, q Query) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if q.matches(ev) {
			out = append(out, q.shape(ev))
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryLog) Close() error { return nil }

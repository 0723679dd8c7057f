package session

import (
	"container/heap"
	"time"
)

// idleEntry is one session in the idle queue, ordered by last activity.
type idleEntry struct {
	id       uint64
	lastSeen int64 // unix nanos
	index    int
}

// idleQueue is a min-heap of sessions by last activity combined with a map
// for O(1) access by session id, so touching a session is O(log n) and the
// reaper only inspects sessions that actually expired. It is not safe for
// concurrent use.
type idleQueue struct {
	entries []*idleEntry
	byID    map[uint64]*idleEntry
}

func newIdleQueue() *idleQueue {
	return &idleQueue{byID: map[uint64]*idleEntry{}}
}

// heap.Interface

func (q *idleQueue) Len() int { return len(q.entries) }

func (q *idleQueue) Less(i, j int) bool {
	return q.entries[i].lastSeen < q.entries[j].lastSeen
}

func (q *idleQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *idleQueue) Push(x any) {
	e := x.(*idleEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
	q.byID[e.id] = e
}

func (q *idleQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.entries = old[:n-1]
	delete(q.byID, e.id)
	return e
}

// touch records activity of a session, adding it if unknown.
func (q *idleQueue) touch(id uint64, at time.Time) {
	if e, ok := q.byID[id]; ok {
		e.lastSeen = at.UnixNano()
		heap.Fix(q, e.index)
		return
	}
	heap.Push(q, &idleEntry{id: id, lastSeen: at.UnixNano()})
}

// remove drops a session from the queue.
func (q *idleQueue) remove(id uint64) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, e.index)
	return true
}

// expired pops every session whose last activity is before cutoff, oldest
// first.
func (q *idleQueue) expired(cutoff time.Time) []uint64 {
	var out []uint64
	limit := cutoff.UnixNano()
	for len(q.entries) > 0 && q.entries[0].lastSeen < limit {
		out = append(out, heap.Pop(q).(*idleEntry).id)
	}
	return out
}

// oldest returns the least recently active session.
func (q *idleQueue) oldest() (uint64, time.Time, bool) {
	if len(q.entries) == 0 {
		return 0, time.Time{}, false
	}
	e := q.entries[0]
	return e.id, time.Unix(0, e.lastSeen), true
}

package session

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIdleQueueOrder(t *testing.T) {
	q := newIdleQueue()
	q.touch(1, t0.Add(3*time.Second))
	q.touch(2, t0.Add(1*time.Second))
	q.touch(3, t0.Add(2*time.Second))

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	id, at, ok := q.oldest()
	if !ok || id != 2 || !at.Equal(t0.Add(time.Second)) {
		t.Errorf("oldest() = %d, %v, %v; want 2 at t0+1s", id, at, ok)
	}

	// touching moves a session to the back
	q.touch(2, t0.Add(10*time.Second))
	if id, _, _ := q.oldest(); id != 3 {
		t.Errorf("oldest() after touch = %d, want 3", id)
	}
}

func TestIdleQueueExpired(t *testing.T) {
	tests := []struct {
		name   string
		cutoff time.Duration
		want   []uint64
		left   int
	}{
		{"nothing expired", 0, nil, 3},
		{"cutoff is exclusive", time.Second, nil, 3},
		{"oldest first", 2500 * time.Millisecond, []uint64{2, 3}, 1},
		{"everything", time.Minute, []uint64{2, 3, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newIdleQueue()
			q.touch(1, t0.Add(3*time.Second))
			q.touch(2, t0.Add(1*time.Second))
			q.touch(3, t0.Add(2*time.Second))

			got := q.expired(t0.Add(tt.cutoff))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("expired() mismatch (-want +got):\n%s", diff)
			}
			if q.Len() != tt.left {
				t.Errorf("Len() = %d, want %d", q.Len(), tt.left)
			}
			for _, id := range got {
				if _, ok := q.byID[id]; ok {
					t.Errorf("expired session %d still indexed", id)
				}
			}
		})
	}
}

func TestIdleQueueRemove(t *testing.T) {
	q := newIdleQueue()
	for i := uint64(1); i <= 5; i++ {
		q.touch(i, t0.Add(time.Duration(i)*time.Second))
	}
	if !q.remove(3) {
		t.Fatal("remove(3) = false")
	}
	if q.remove(3) {
		t.Error("second remove(3) = true")
	}
	if q.remove(42) {
		t.Error("remove of unknown session = true")
	}

	got := q.expired(t0.Add(time.Hour))
	if diff := cmp.Diff([]uint64{1, 2, 4, 5}, got); diff != "" {
		t.Errorf("expired() mismatch (-want +got):\n%s", diff)
	}
	if _, _, ok := q.oldest(); ok {
		t.Error("oldest() on empty queue reported a session")
	}
}

package eventlog

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps the most recent events in a fixed-size ring.
type MemStore struct {
	mu     sync.Mutex
	buf    []Event
	next   int // index of the slot the next event is written to
	full   bool
	lastID int64
}

// NewMemStore returns a store that keeps at most capacity events.
// A capacity below 1 is treated as 1.
func NewMemStore(capacity int) *MemStore {
	return &MemStore{buf: make([]Event, max(capacity, 1))}
}

// Append implements [Store]. It never fails.
func (s *MemStore) Append(_ context.Context, e Event) (Event, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	e.ID = s.lastID
	s.buf[s.next] = e
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	return e, nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.buf)
	}
	out := make([]Event, 0, min(n, q.limit()))
	for i := range n {
		e := s.buf[(s.next-1-i+len(s.buf))%len(s.buf)]
		if !q.match(e) {
			continue
		}
		out = append(out, e)
		if len(out) == q.limit() {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}

// Ping implements [Store].
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() {}

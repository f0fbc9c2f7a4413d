package eventlog

import (
	"context"
	"sync"
)

var _ Store = (*Broadcast)(nil)

// Broadcast wraps a [Store] and passes every successfully appended event to
// its subscribers. Subscribers run synchronously on the appending goroutine
// and must not block.
type Broadcast struct {
	Store

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBroadcast wraps s.
func NewBroadcast(s Store) *Broadcast {
	return &Broadcast{Store: s, subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcast) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Append implements [Store].
func (b *Broadcast) Append(ctx context.Context, e Event) (Event, error) {
	e, err := b.Store.Append(ctx, e)
	if err != nil {
		return e, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(e)
	}
	return e, nil
}

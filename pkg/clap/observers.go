package clap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Level is one loudness observation, published for every processed frame.
type Level struct {
	Timestamp time.Duration `json:"timestamp"`
	Loudness  float64       `json:"loudness"`
}

// Notification kinds, used in logs and telemetry attributes.
const (
	kindLevel      = "level"
	kindCandidate  = "clap_candidate"
	kindDoubleClap = "double_clap"
)

// registry is a copy-on-write list of subscribers. Readers iterate an
// immutable snapshot without locking; writers replace the snapshot.
type registry[T any] struct {
	mu   sync.Mutex
	next uint64
	subs atomic.Pointer[[]subscriber[T]]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns a function that removes it. The returned
// function is idempotent.
func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next

	var cur []subscriber[T]
	if p := r.subs.Load(); p != nil {
		cur = *p
	}
	next := make([]subscriber[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscriber[T]{id: id, fn: fn})
	r.subs.Store(&next)

	var once sync.Once
	return func() { once.Do(func() { r.remove(id) }) }
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.subs.Load()
	if p == nil {
		return
	}
	next := make([]subscriber[T], 0, len(*p))
	for _, s := range *p {
		if s.id != id {
			next = append(next, s)
		}
	}
	r.subs.Store(&next)
}

func (r *registry[T]) snapshot() []subscriber[T] {
	if p := r.subs.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *registry[T]) empty() bool {
	return len(r.snapshot()) == 0
}

// observers groups the three subscriber registries of an engine.
type observers struct {
	levels     registry[Level]
	candidates registry[Candidate]
	doubles    registry[DoubleClap]
}

// notification is one queued event delivery. Exactly one field is set.
type notification struct {
	candidate *Candidate
	double    *DoubleClap
}

// Queue sizes. Level notifications are frequent and disposable; candidate
// and double-clap notifications are rare and get a deeper queue.
const (
	levelQueueSize = 64
	eventQueueSize = 256
)

// dispatcher delivers notifications to subscribers on its own goroutine so
// the audio path never waits on consumer code. Enqueueing never blocks: a
// full queue drops the notification and counts it.
type dispatcher struct {
	obs       *observers
	log       *slog.Logger
	telemetry Telemetry

	levels chan Level
	events chan notification

	closeOnce sync.Once
	done      chan struct{}
}

func newDispatcher(obs *observers, log *slog.Logger, t Telemetry) *dispatcher {
	d := &dispatcher{
		obs:       obs,
		log:       log,
		telemetry: t,
		levels:    make(chan Level, levelQueueSize),
		events:    make(chan notification, eventQueueSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) publishLevel(l Level) {
	if d.obs.levels.empty() {
		return
	}
	select {
	case d.levels <- l:
	default:
		d.telemetry.RecordNotificationDropped(context.Background(), kindLevel)
	}
}

func (d *dispatcher) publishCandidate(c Candidate) {
	if d.obs.candidates.empty() {
		return
	}
	d.enqueue(notification{candidate: &c}, kindCandidate)
}

func (d *dispatcher) publishDoubleClap(e DoubleClap) {
	if d.obs.doubles.empty() {
		return
	}
	d.enqueue(notification{double: &e}, kindDoubleClap)
}

func (d *dispatcher) enqueue(n notification, kind string) {
	select {
	case d.events <- n:
	default:
		d.log.Warn("clap: notification queue full, dropping", "kind", kind)
		d.telemetry.RecordNotificationDropped(context.Background(), kind)
	}
}

// close stops accepting work. Already queued notifications are still
// delivered; close does not wait for them.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *dispatcher) run() {
	for {
		// Events take priority over level updates.
		select {
		case n := <-d.events:
			d.deliver(n)
			continue
		default:
		}
		select {
		case n := <-d.events:
			d.deliver(n)
		case l := <-d.levels:
			notify(d, kindLevel, d.obs.levels.snapshot(), l)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain delivers whatever is still queued after close.
func (d *dispatcher) drain() {
	for {
		select {
		case n := <-d.events:
			d.deliver(n)
		case l := <-d.levels:
			notify(d, kindLevel, d.obs.levels.snapshot(), l)
		default:
			return
		}
	}
}

func (d *dispatcher) deliver(n notification) {
	switch {
	case n.candidate != nil:
		notify(d, kindCandidate, d.obs.candidates.snapshot(), *n.candidate)
	case n.double != nil:
		notify(d, kindDoubleClap, d.obs.doubles.snapshot(), *n.double)
	}
}

// notify invokes every subscriber with v. A panicking subscriber is logged
// and counted; its siblings still run.
func notify[T any](d *dispatcher, kind string, subs []subscriber[T], v T) {
	for _, s := range subs {
		if err := invoke(s.fn, v); err != nil {
			d.log.Error("clap: subscriber failed", "kind", kind, "error", err)
			d.telemetry.RecordCallbackFailure(context.Background(), kind)
		}
	}
}

func invoke[T any](fn func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrConsumerCallbackFailed, r)
		}
	}()
	fn(v)
	return nil
}

package action

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/pkg/clap"
)

// DefaultQueueSize is the number of undelivered events a [Dispatcher] holds.
const DefaultQueueSize = 32

// Recorder receives delivery measurements. [observe.Metrics] satisfies it.
type Recorder interface {
	RecordActionRequest(ctx context.Context, action, status string, elapsed time.Duration)
}

// Delivery status values passed to [Recorder] and stored in the history.
const (
	StatusOK      = "ok"
	StatusFailed  = "error"
	StatusSkipped = "circuit_open"
)

// Dispatcher fans double claps out to sinks and records them in the event
// history. [Dispatcher.Handle] never blocks; delivery happens in
// [Dispatcher.Run].
type Dispatcher struct {
	sinks atomic.Pointer[[]Sink]
	queue chan clap.DoubleClap
	store eventlog.Store
	rec   Recorder
	log   *slog.Logger

	dropped atomic.Uint64
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithStore records events and delivery results in s.
func WithStore(s eventlog.Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// WithRecorder reports delivery metrics to r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.rec = r }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithQueueSize overrides [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan clap.DoubleClap, n)
		}
	}
}

// NewDispatcher creates a dispatcher delivering to sinks.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue: make(chan clap.DoubleClap, DefaultQueueSize),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.SetSinks(sinks)
	return d
}

// SetSinks replaces the sink list. Deliveries already in progress finish
// with the previous list.
func (d *Dispatcher) SetSinks(sinks []Sink) {
	cp := append([]Sink(nil), sinks...)
	d.sinks.Store(&cp)
}

// Sinks returns the current sink list.
func (d *Dispatcher) Sinks() []Sink {
	return *d.sinks.Load()
}

// Dropped returns the number of events discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Handle queues ev for delivery. It is meant to be registered with
// [clap.Engine.OnDoubleClap].
func (d *Dispatcher) Handle(ev clap.DoubleClap) {
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.log.Warn("action: queue full, dropping double clap", "timestamp", ev.Timestamp)
	}
}

// Run delivers queued events until ctx is cancelled. It always returns nil
// so it can run inside an errgroup next to the HTTP server.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev clap.DoubleClap) {
	d.append(ctx, eventlog.Event{
		Kind:      eventlog.KindDoubleClap,
		At:        ev.At,
		Timestamp: ev.Timestamp.Seconds(),
		Interval:  ev.Interval.Seconds(),
		Loudness:  ev.Loudness,
	})

	var g errgroup.Group
	for _, s := range d.Sinks() {
		g.Go(func() error {
			start := time.Now()
			err := s.Fire(ctx, ev)
			elapsed := time.Since(start)

			status, msg := StatusOK, "delivered"
			switch {
			case errors.Is(err, ErrCircuitOpen):
				status, msg = StatusSkipped, err.Error()
				d.log.Debug("action: skipped, circuit open", "sink", s.Name())
			case err != nil:
				status, msg = StatusFailed, err.Error()
				d.log.Warn("action: delivery failed", "sink", s.Name(), "err", err, "elapsed", elapsed)
			default:
				d.log.Info("action: delivered", "sink", s.Name(), "elapsed", elapsed)
			}
			if d.rec != nil {
				d.rec.RecordActionRequest(ctx, s.Name(), status, elapsed)
			}
			d.append(ctx, eventlog.Event{
				Kind:    eventlog.KindAction,
				Source:  s.Name(),
				Message: status + ": " + msg,
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) append(ctx context.Context, e eventlog.Event) {
	if d.store == nil {
		return
	}
	if _, err := d.store.Append(context.WithoutCancel(ctx), e); err != nil {
		d.log.Error("action: record event", "kind", e.Kind, "err", err)
	}
}

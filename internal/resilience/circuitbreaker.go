// Package resilience keeps unreliable collaborators from dragging the
// service down. A [CircuitBreaker] guards every webhook action and every
// audio source; a [FallbackGroup] walks from a primary audio source to its
// fallbacks.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a single trial call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures a [CircuitBreaker]. Zero values take the
// documented defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before a trial call.
	// Default: 30s.
	ResetTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// OnStateChange runs after every transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a consecutive-failure breaker with a single-trial
// half-open state. Safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg, log: log.With("breaker", cfg.Name)}
}

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen].
// An error caused only by ctx ending is returned as is and does not count
// against the protected endpoint.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, from, err := cb.admit()
	cb.changed(from, StateHalfOpen, trial && from == StateOpen)
	if err != nil {
		return err
	}

	err = fn(ctx)
	cancelled := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())

	cb.mu.Lock()
	before := cb.state
	switch {
	case cancelled:
		// No verdict on the endpoint; free the trial slot.
	case err == nil:
		cb.failures = 0
		cb.state = StateClosed
	default:
		cb.failures++
		if trial || cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
	}
	if trial {
		cb.trialing = false
	}
	after, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if after == StateOpen && before != StateOpen {
		cb.log.Warn("circuit breaker opened", "from", before.String(), "consecutive_failures", failures)
	}
	cb.changed(before, after, before != after)
	return err
}

// admit decides whether a call may proceed. It reports whether the call is
// the half-open trial call and the state it found.
func (cb *CircuitBreaker) admit() (trial bool, from State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from = cb.state
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, from, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		fallthrough
	case StateHalfOpen:
		if cb.trialing {
			return false, from, ErrCircuitOpen
		}
		cb.trialing = true
		return true, from, nil
	}
	return false, from, nil
}

func (cb *CircuitBreaker) changed(from, to State, ok bool) {
	if !ok {
		return
	}
	if to != StateOpen {
		cb.log.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

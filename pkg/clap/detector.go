package clap

import (
	"sync"
	"time"
)

// Candidate is a single frame classified as clap-like.
type Candidate struct {
	// Timestamp is the monotonic offset of the frame from stream start.
	Timestamp time.Duration `json:"timestamp"`
	Loudness  float64       `json:"loudness"`
}

// DoubleClap is an accepted pair of claps.
type DoubleClap struct {
	// Timestamp is the monotonic offset of the second clap.
	Timestamp time.Duration `json:"timestamp"`

	// Interval is the gap between the two claps.
	Interval time.Duration `json:"interval"`

	// Loudness of the second clap.
	Loudness float64 `json:"loudness"`

	// At is the wall-clock time the event was emitted. Informational only;
	// never used for interval logic.
	At time.Time `json:"at"`
}

// Phase is the state machine's current phase.
type Phase int

const (
	// PhaseIdle means no clap is pending.
	PhaseIdle Phase = iota
	// PhaseAwaitingPartner means one clap was seen and its pair is awaited.
	PhaseAwaitingPartner
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingPartner:
		return "awaiting_partner"
	default:
		return "unknown"
	}
}

// Stamp is an optional timestamp.
type Stamp struct {
	At    time.Duration
	Valid bool
}

func (s Stamp) within(t, window time.Duration) bool {
	return s.Valid && t-s.At < window
}

// State is a snapshot of the detector's working memory.
type State struct {
	Pending       Stamp
	LastCandidate Stamp
	LastEmitted   Stamp
}

// Phase derives the phase from the pending stamp.
func (s State) Phase() Phase {
	if s.Pending.Valid {
		return PhaseAwaitingPartner
	}
	return PhaseIdle
}

// Detector is the double-clap state machine. Its state is mutated only
// inside [Detector.Process] under a mutex held for the transition alone.
type Detector struct {
	mu    sync.Mutex
	state State
}

// NewDetector returns a Detector in the idle phase.
func NewDetector() *Detector {
	return &Detector{}
}

// Process feeds one candidate through the transition table and reports the
// double clap it completes, if any. The first matching row wins:
//
//	any              t - lastEmitted   < Cooldown        ignore
//	any              t - lastCandidate < Refractory      ignore
//	Idle                                                 pending = t
//	Awaiting(p)      t - p < MinClapInterval             discard, keep p
//	Awaiting(p)      Min <= t - p <= Max                 emit, Idle
//	Awaiting(p)      t - p > MaxClapInterval             pending = t
//
// The caller must deliver the returned event after Process returns; no
// consumer code runs under the lock.
func (d *Detector) Process(c Candidate, cfg Config) (DoubleClap, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := c.Timestamp
	s := &d.state

	if s.LastEmitted.within(t, cfg.Cooldown) {
		return DoubleClap{}, false
	}
	if s.LastCandidate.within(t, cfg.IntraClapRefractory) {
		return DoubleClap{}, false
	}
	s.LastCandidate = Stamp{At: t, Valid: true}

	if !s.Pending.Valid {
		s.Pending = Stamp{At: t, Valid: true}
		return DoubleClap{}, false
	}

	gap := t - s.Pending.At
	switch {
	case gap < cfg.MinClapInterval:
		return DoubleClap{}, false
	case gap <= cfg.MaxClapInterval:
		s.Pending = Stamp{}
		s.LastEmitted = Stamp{At: t, Valid: true}
		return DoubleClap{
			Timestamp: t,
			Interval:  gap,
			Loudness:  c.Loudness,
			At:        time.Now(),
		}, true
	default:
		s.Pending = Stamp{At: t, Valid: true}
		return DoubleClap{}, false
	}
}

// State returns a snapshot of the working memory.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset returns the detector to the idle phase with no history.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = State{}
}

// Package eventlog records what the detector and its actions did: double
// claps, listening and calibration transitions, settings updates, action
// deliveries and engine faults.
//
// Two [Store] implementations are provided: [MemStore], a bounded in-memory
// ring used by default, and [PostgresStore], which persists events across
// restarts. Both are safe for concurrent use.
package eventlog

import (
	"context"
	"time"
)

// Kind classifies an [Event].
type Kind string

const (
	KindDoubleClap          Kind = "double_clap"
	KindListeningStart      Kind = "listening_start"
	KindListeningStop       Kind = "listening_stop"
	KindCalibrationStart    Kind = "calibration_start"
	KindCalibrationComplete Kind = "calibration_complete"
	KindSettingsUpdate      Kind = "settings_update"
	KindAction              Kind = "action"
	KindEngineFault         Kind = "engine_fault"
)

// Event is one entry of the history.
type Event struct {
	// ID is assigned by the store on append and increases monotonically.
	ID int64 `json:"id"`

	Kind Kind `json:"kind"`

	// At is the wall-clock time the event was recorded.
	At time.Time `json:"at"`

	// Timestamp is the stream position in seconds, for detector events.
	Timestamp float64 `json:"timestamp,omitempty"`

	// Interval is the gap between the two claps in seconds.
	Interval float64 `json:"interval,omitempty"`

	// Loudness is the loudness of the event's closing clap, or the suggested
	// threshold for calibration events.
	Loudness float64 `json:"loudness,omitempty"`

	// Source names the action or device the event relates to.
	Source string `json:"source,omitempty"`

	// Message is a human-readable summary or error text.
	Message string `json:"message,omitempty"`
}

// Query filters [Store.Recent].
type Query struct {
	// Kind restricts results to one kind when non-empty.
	Kind Kind

	// Since excludes events recorded before it when non-zero.
	Since time.Time

	// Limit caps the number of results. Zero means [DefaultLimit].
	Limit int
}

// DefaultLimit is used when [Query.Limit] is zero.
const DefaultLimit = 50

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) match(e Event) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return true
}

// Store persists events.
type Store interface {
	// Append stores e and returns it with ID set. A zero At is replaced by
	// the current time.
	Append(ctx context.Context, e Event) (Event, error)

	// Recent returns matching events, newest first.
	Recent(ctx context.Context, q Query) ([]Event, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	Close()
}

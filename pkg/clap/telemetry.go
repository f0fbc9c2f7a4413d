package clap

import (
	"context"
	"time"
)

// Telemetry receives engine measurements. Implementations must be safe for
// concurrent use and must not block.
type Telemetry interface {
	// RecordFrame is called once per processed frame with the processing
	// time and the measured loudness.
	RecordFrame(ctx context.Context, elapsed time.Duration, loudness float64)
	RecordClapCandidate(ctx context.Context)
	RecordDoubleClap(ctx context.Context)
	// RecordCallbackFailure counts a panicking subscriber of the given kind.
	RecordCallbackFailure(ctx context.Context, kind string)
	// RecordNotificationDropped counts a notification discarded because the
	// dispatcher queue was full.
	RecordNotificationDropped(ctx context.Context, kind string)
	// RecordStreamActive adjusts the number of open device streams.
	RecordStreamActive(ctx context.Context, delta int64)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordFrame(context.Context, time.Duration, float64) {}
func (noopTelemetry) RecordClapCandidate(context.Context)                 {}
func (noopTelemetry) RecordDoubleClap(context.Context)                    {}
func (noopTelemetry) RecordCallbackFailure(context.Context, string)       {}
func (noopTelemetry) RecordNotificationDropped(context.Context, string)   {}
func (noopTelemetry) RecordStreamActive(context.Context, int64)           {}

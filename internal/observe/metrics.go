// Package observe provides application-wide observability primitives for
// clapper: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// [Metrics] implements [clap.Telemetry] and can be handed to the detection
// engine directly.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/clapper/pkg/clap"
)

// meterName is the instrumentation scope name used for all clapper metrics.
const meterName = "github.com/MrWong99/clapper"

var _ clap.Telemetry = (*Metrics)(nil)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Detection pipeline ---

	// FrameDuration tracks the time spent analysing one audio frame.
	FrameDuration metric.Float64Histogram

	// Loudness tracks the distribution of per-frame loudness values.
	Loudness metric.Float64Histogram

	// Frames counts analysed frames.
	Frames metric.Int64Counter

	// ClapCandidates counts frames classified as a clap.
	ClapCandidates metric.Int64Counter

	// DoubleClaps counts emitted double-clap events.
	DoubleClaps metric.Int64Counter

	// --- Notification delivery ---

	// CallbackFailures counts subscriber callbacks that panicked. Use with attribute:
	//   attribute.String("kind", ...)
	CallbackFailures metric.Int64Counter

	// NotificationsDropped counts notifications discarded by a full queue. Use with attribute:
	//   attribute.String("kind", ...)
	NotificationsDropped metric.Int64Counter

	// --- Actions ---

	// ActionRequests counts webhook deliveries. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	ActionRequests metric.Int64Counter

	// ActionDuration tracks webhook round-trip latency.
	ActionDuration metric.Float64Histogram

	// CalibrationRuns counts calibration requests. Use with attribute:
	//   attribute.String("status", ...)
	CalibrationRuns metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of open audio device streams.
	ActiveStreams metric.Int64UpDownCounter

	// LiveClients tracks the number of connected live-feed WebSocket clients.
	LiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// frameBuckets defines histogram bucket boundaries (in seconds) for
// per-frame analysis, which runs well below a millisecond on most hosts.
var frameBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// loudnessBuckets spans the normalised [0, 1] loudness range.
var loudnessBuckets = []float64{
	0.01, 0.02, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.8, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("clapper.frame.duration",
		metric.WithDescription("Time spent analysing one audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Loudness, err = m.Float64Histogram("clapper.loudness",
		metric.WithDescription("Per-frame normalised RMS loudness."),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(loudnessBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActionDuration, err = m.Float64Histogram("clapper.action.duration",
		metric.WithDescription("Latency of double-clap action delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("clapper.frames",
		metric.WithDescription("Total analysed audio frames."),
	); err != nil {
		return nil, err
	}
	if met.ClapCandidates, err = m.Int64Counter("clapper.clap_candidates",
		metric.WithDescription("Total frames classified as a clap."),
	); err != nil {
		return nil, err
	}
	if met.DoubleClaps, err = m.Int64Counter("clapper.double_claps",
		metric.WithDescription("Total detected double claps."),
	); err != nil {
		return nil, err
	}
	if met.CallbackFailures, err = m.Int64Counter("clapper.callback_failures",
		metric.WithDescription("Total failed subscriber callbacks by notification kind."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsDropped, err = m.Int64Counter("clapper.notifications_dropped",
		metric.WithDescription("Total notifications dropped by a full queue, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActionRequests, err = m.Int64Counter("clapper.action_requests",
		metric.WithDescription("Total action deliveries by action and status."),
	); err != nil {
		return nil, err
	}
	if met.CalibrationRuns, err = m.Int64Counter("clapper.calibrations",
		metric.WithDescription("Total calibration runs by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("clapper.active_streams",
		metric.WithDescription("Number of open audio device streams."),
	); err != nil {
		return nil, err
	}
	if met.LiveClients, err = m.Int64UpDownCounter("clapper.live_clients",
		metric.WithDescription("Number of connected live-feed clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("clapper.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrame records one analysed frame.
func (m *Metrics) RecordFrame(ctx context.Context, elapsed time.Duration, loudness float64) {
	m.Frames.Add(ctx, 1)
	m.FrameDuration.Record(ctx, elapsed.Seconds())
	m.Loudness.Record(ctx, loudness)
}

// RecordClapCandidate counts a frame classified as a clap.
func (m *Metrics) RecordClapCandidate(ctx context.Context) {
	m.ClapCandidates.Add(ctx, 1)
}

// RecordDoubleClap counts an emitted double clap.
func (m *Metrics) RecordDoubleClap(ctx context.Context) {
	m.DoubleClaps.Add(ctx, 1)
}

// RecordCallbackFailure counts a failed subscriber of the given kind.
func (m *Metrics) RecordCallbackFailure(ctx context.Context, kind string) {
	m.CallbackFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordNotificationDropped counts a dropped notification of the given kind.
func (m *Metrics) RecordNotificationDropped(ctx context.Context, kind string) {
	m.NotificationsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordStreamActive adjusts the open stream gauge.
func (m *Metrics) RecordStreamActive(ctx context.Context, delta int64) {
	m.ActiveStreams.Add(ctx, delta)
}

// RecordActionRequest is a convenience method that records one action
// delivery with the standard attribute set.
func (m *Metrics) RecordActionRequest(ctx context.Context, action, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)
	m.ActionRequests.Add(ctx, 1, attrs)
	m.ActionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordCalibration counts one calibration run.
func (m *Metrics) RecordCalibration(ctx context.Context, status string) {
	m.CalibrationRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordLiveClient adjusts the connected live-feed client gauge.
func (m *Metrics) RecordLiveClient(ctx context.Context, delta int64) {
	m.LiveClients.Add(ctx, delta)
}

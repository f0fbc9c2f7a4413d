// Package server exposes the detection engine over HTTP: a small JSON API for
// status, settings, calibration, listening control and event history, a
// WebSocket live feed, the optional remote-microphone ingest endpoint, health
// probes and the Prometheus scrape endpoint.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/internal/health"
	"github.com/MrWong99/clapper/internal/observe"
	"github.com/MrWong99/clapper/pkg/clap"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultCalibrationDuration = 3 * time.Second
	DefaultLevelInterval       = 100 * time.Millisecond
	maxCalibrationDuration     = time.Minute
)

// Server routes HTTP requests to the engine. Create one with [New] and serve
// [Server.Handler].
type Server struct {
	engine  *clap.Engine
	events  *eventlog.Broadcast
	metrics *observe.Metrics
	health  *health.Handler
	log     *slog.Logger

	ingest         http.Handler
	metricsPath    string
	metricsHandler http.Handler
	origins        []string
	calDuration    time.Duration
	levelInterval  time.Duration

	calibrating atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	mux *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithEvents sets the event history. Defaults to an in-memory store of 100
// events.
func WithEvents(b *eventlog.Broadcast) Option {
	return func(s *Server) {
		if b != nil {
			s.events = b
		}
	}
}

// WithMetrics sets the metrics used by the middleware and live feed.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithIngest mounts h on /ingest, typically a [wsstream.Device].
func WithIngest(h http.Handler) Option {
	return func(s *Server) { s.ingest = h }
}

// WithMetricsHandler mounts h on path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithAllowedOrigins accepts cross-origin WebSocket handshakes from hosts
// matching the given patterns.
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithCalibrationDuration sets the duration used when a calibration request
// does not specify one.
func WithCalibrationDuration(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.calDuration = d
		}
	}
}

// WithLevelInterval sets the minimum spacing of level messages per live
// client. Zero forwards every level.
func WithLevelInterval(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.levelInterval = d
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a server for engine.
func New(engine *clap.Engine, opts ...Option) *Server {
	s := &Server{
		engine:        engine,
		events:        eventlog.NewBroadcast(eventlog.NewMemStore(100)),
		metrics:       observe.DefaultMetrics(),
		log:           slog.Default(),
		calDuration:   DefaultCalibrationDuration,
		levelInterval: DefaultLevelInterval,
		done:          make(chan struct{}),
		mux:           http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/audio-devices", s.handleDevices)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	s.mux.HandleFunc("POST /api/calibrate", s.handleCalibrate)
	s.mux.HandleFunc("POST /api/listening", s.handleListening)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /ws", s.handleLive)

	if s.ingest != nil {
		s.mux.Handle("GET /ingest", s.ingest)
	}
	if s.health != nil {
		s.health.Register(s.mux)
	}
	if s.metricsHandler != nil && s.metricsPath != "" {
		s.mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}
}

// Handler returns the routed API wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	quiet := []string{"/healthz", "/readyz"}
	if s.metricsPath != "" {
		quiet = append(quiet, s.metricsPath)
	}
	return observe.Middleware(s.metrics,
		observe.WithRequestLogger(s.log),
		observe.WithQuietPaths(quiet...),
	)(s.mux)
}

// Events returns the event history the server records into.
func (s *Server) Events() *eventlog.Broadcast {
	return s.events
}

// Close disconnects all live-feed clients. Hijacked WebSocket connections
// are not closed by [http.Server.Shutdown].
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Package app wires all clapper subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and delivers actions until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithEventStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clapper/internal/action"
	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/internal/health"
	"github.com/MrWong99/clapper/internal/observe"
	"github.com/MrWong99/clapper/internal/resilience"
	"github.com/MrWong99/clapper/internal/server"
	"github.com/MrWong99/clapper/pkg/audio"
	"github.com/MrWong99/clapper/pkg/clap"
)

const (
	// shutdownTimeout bounds the HTTP drain when Run's context is cancelled.
	shutdownTimeout = 10 * time.Second

	// sourceRetryAfter is how long a source that failed to open is skipped
	// in favour of its fallbacks.
	sourceRetryAfter = 30 * time.Second

	// streamStallAfter fails readiness when a running stream delivers no
	// frames for this long.
	streamStallAfter = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	log *slog.Logger

	// mu guards cfg and device, which config reloads replace.
	mu  sync.Mutex
	cfg *config.Config

	// Injected or created in New.
	device         audio.Device
	store          eventlog.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	httpClient     *http.Client
	configPath     string
	reloadEvery    time.Duration
	listener       net.Listener

	registry   *config.Registry
	ingest     *ingestSwitch
	engine     *clap.Engine
	events     *eventlog.Broadcast
	dispatcher *action.Dispatcher
	server     *server.Server
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the audio device instead of creating it from
// cfg.Audio.Source.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithEventStore injects the event history store instead of creating a
// MemStore or PostgresStore from config.
func WithEventStore(s eventlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at cfg.Telemetry.MetricsPath.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the process
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithHTTPClient sets the client webhooks use.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithConfigPath enables hot reload of the file at path while Run is active.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithReloadInterval overrides how often the config file is polled.
func WithReloadInterval(d time.Duration) Option {
	return func(a *App) { a.reloadEvery = d }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is started
// and no port is bound until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    slog.Default(),
		ingest: &ingestSwitch{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio source ──────────────────────────────────────────────────
	a.registry = config.NewRegistry()
	RegisterBuiltinSources(a.registry, cfg.Server.AllowedOrigins, a.ingest.set)
	if a.device == nil {
		dev, err := a.buildSource(cfg.Audio.Source, cfg.Audio.Fallbacks)
		if err != nil {
			return nil, fmt.Errorf("app: create audio source: %w", err)
		}
		a.device = dev
	}

	// ── 2. Event history ─────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 3. Engine ────────────────────────────────────────────────────────
	eng, err := clap.NewEngine(
		clap.WithLogger(a.log),
		clap.WithTelemetry(a.metrics),
		clap.WithDevice(a.device),
		clap.WithConfig(cfg.Detector.ToClap()),
		clap.WithEndHandler(a.onStreamEnd),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.engine = eng

	// ── 4. Actions ───────────────────────────────────────────────────────
	a.dispatcher = action.NewDispatcher(a.webhooks(cfg.Actions.Webhooks),
		action.WithStore(a.events),
		action.WithRecorder(a.metrics),
		action.WithLogger(a.log),
	)
	eng.OnDoubleClap(a.dispatcher.Handle)

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	probes := health.New(
		health.WithCheck("engine", health.Engine(eng)),
		health.WithCheck("stream", health.Stream(eng, streamStallAfter)),
		health.WithCheck("eventlog", health.Ping(a.events)),
	)
	srvOpts := []server.Option{
		server.WithEvents(a.events),
		server.WithMetrics(a.metrics),
		server.WithHealth(probes),
		server.WithIngest(a.ingest),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		server.WithCalibrationDuration(cfg.Calibration.Duration),
		server.WithLogger(a.log),
	}
	if a.metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(cfg.Telemetry.MetricsPath, a.metricsHandler))
	}
	a.server = server.New(eng, srvOpts...)
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEvents sets up the event history: an injected store, PostgreSQL when a
// DSN is configured, or an in-memory ring otherwise.
func (a *App) initEvents(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Events.PostgresDSN; dsn != "" {
			ps, err := eventlog.NewPostgresStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = ps
			a.log.Info("event history persisted in postgres")
		} else {
			a.store = eventlog.NewMemStore(a.cfg.Events.HistorySize)
		}
	}
	store := a.store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.events = eventlog.NewBroadcast(store)
	return nil
}

// webhooks builds one sink per configured webhook.
func (a *App) webhooks(cfgs []config.WebhookConfig) []action.Sink {
	sinks := make([]action.Sink, 0, len(cfgs))
	for _, wc := range cfgs {
		opts := []action.WebhookOption{action.WithBreakerListener(a.onBreakerChange)}
		if a.httpClient != nil {
			opts = append(opts, action.WithHTTPClient(a.httpClient))
		}
		sinks = append(sinks, action.NewWebhook(wc, opts...))
	}
	return sinks
}

// onBreakerChange records webhook circuit breaker transitions in the history.
func (a *App) onBreakerChange(name string, from, to resilience.State) {
	a.record(eventlog.Event{
		Kind:    eventlog.KindAction,
		Source:  name,
		Message: "circuit breaker " + from.String() + " -> " + to.String(),
	})
}

// onStreamEnd records a session that ended without a stop request.
func (a *App) onStreamEnd(dev audio.DeviceInfo, cause error) {
	e := eventlog.Event{Kind: eventlog.KindListeningStop, Source: dev.Name, Message: "audio stream ended"}
	if cause != nil {
		e.Kind = eventlog.KindEngineFault
		e.Message = cause.Error()
	}
	if _, err := a.events.Append(context.Background(), e); err != nil {
		a.log.Warn("record stream end", "error", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API, delivers actions and, when configured, watches
// the config file. It blocks until ctx is cancelled or the HTTP server
// fails, and returns nil on a clean cancellation.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	var watcher *config.Watcher
	if a.configPath != "" {
		var err error
		watcher, err = config.NewWatcher(a.configPath, a.reload,
			config.WithWatcherLogger(a.log),
			config.WithInterval(a.reloadEvery),
			config.WithRejectHandler(a.rejectReload),
		)
		if err != nil {
			ln.Close()
			return fmt.Errorf("app: %w", err)
		}
	}

	if cfg.ListenOnStart {
		a.startListening(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.server.Close()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(sctx)
	})

	a.log.Info("app running", "addr", ln.Addr().String(), "device", a.deviceName())
	return g.Wait()
}

// startListening starts detection on the configured device. A failure is
// logged and recorded; the API stays up so the user can retry.
func (a *App) startListening(ctx context.Context) {
	if err := a.engine.Start(ctx, nil); err != nil {
		a.log.Error("start listening", "error", err)
		a.record(eventlog.Event{Kind: eventlog.KindEngineFault, Source: a.deviceName(), Message: err.Error()})
		return
	}
	a.record(eventlog.Event{Kind: eventlog.KindListeningStart, Source: a.deviceName(), Message: "listening started"})
}

func (a *App) deviceName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device.Info().Name
}

func (a *App) record(e eventlog.Event) {
	if _, err := a.events.Append(context.Background(), e); err != nil {
		a.log.Warn("record event", "kind", string(e.Kind), "error", err)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the detection engine.
func (a *App) Engine() *clap.Engine { return a.engine }

// Events returns the event history.
func (a *App) Events() *eventlog.Broadcast { return a.events }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops detection and releases all resources. It is safe to call
// more than once; only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.server.Close()
		if err := a.engine.Stop(); err != nil {
			a.log.Warn("engine stop error", "err", err)
		}

		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers))
			shutdownErr = ctx.Err()
			return
		default:
		}
		a.closeAll()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers in order.
func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clapper/internal/action"
	"github.com/MrWong99/clapper/internal/app"
	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/pkg/audio"
	"github.com/MrWong99/clapper/pkg/audio/mock"
)

const (
	rate      = 44100
	frameSize = 2048
)

// testConfig returns a config that needs no real audio hardware.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.ListenOnStart = false
	return cfg
}

type harness struct {
	app   *app.App
	dev   *mock.Device
	store *eventlog.MemStore
	base  string
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &harness{
		dev:   &mock.Device{InfoResult: audio.DeviceInfo{Name: "test-mic", Kind: "mock", SampleRate: rate, Channels: 1}},
		store: eventlog.NewMemStore(50),
		base:  "http://" + ln.Addr().String(),
	}
	opts = append([]app.Option{
		app.WithDevice(h.dev),
		app.WithEventStore(h.store),
		app.WithListener(ln),
	}, opts...)
	h.app, err = app.New(context.Background(), cfg, opts...)
	if err != nil {
		ln.Close()
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = h.app.Shutdown(context.Background())
		ln.Close()
	})
	return h
}

// run starts Run in the background and returns a function that cancels it
// and returns its error.
func (h *harness) run() func() error {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.app.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("Run did not return")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func tone(ts time.Duration, amp float64) audio.Frame {
	s := make([]float64, frameSize)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*3000*float64(i)/rate)
	}
	return audio.Frame{Samples: s, SampleRate: rate, Timestamp: ts}
}

func kinds(t *testing.T, s eventlog.Store) map[eventlog.Kind]int {
	t.Helper()
	evs, err := s.Recent(context.Background(), eventlog.Query{Limit: 100})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	out := make(map[eventlog.Kind]int)
	for _, e := range evs {
		out[e.Kind]++
	}
	return out
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig()).app
	if a.Engine().Running() {
		t.Error("engine running before Run")
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/status = %d", rec.Code)
	}

	// No websocket source is configured, so ingest is unavailable.
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /ingest = %d, want 404", rec.Code)
	}
}

func TestNew_DetectorConfigApplied(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Detector.LoudnessThreshold = 0.2
	a := newTestApp(t, cfg).app
	if got := a.Engine().Config().LoudnessThreshold; got != 0.2 {
		t.Errorf("threshold = %v, want 0.2", got)
	}
}

func TestNew_UnknownSource(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.Source.Name = "pulseaudio"
	_, err := app.New(context.Background(), cfg, app.WithEventStore(eventlog.NewMemStore(1)))
	if !errors.Is(err, config.ErrSourceNotRegistered) {
		t.Errorf("New() error = %v, want ErrSourceNotRegistered", err)
	}
}

func TestRun_ListenOnStartAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ListenOnStart = true
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	h := newTestApp(t, cfg, app.WithMetricsHandler(metrics))
	a, dev, store, base := h.app, h.dev, h.store, h.base
	stop := h.run()

	waitFor(t, "engine to start", a.Engine().Running)
	if dev.OpenCalls() != 1 {
		t.Errorf("Open calls = %d, want 1", dev.OpenCalls())
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		var resp *http.Response
		waitFor(t, "server to accept "+path, func() bool {
			r, err := http.Get(base + path)
			if err != nil {
				return false
			}
			resp = r
			return true
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}

	if err := stop(); err != nil {
		t.Fatalf("Run() = %v, want nil after cancel", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Engine().Running() {
		t.Error("engine running after Shutdown")
	}
	if got := kinds(t, store)[eventlog.KindListeningStart]; got != 1 {
		t.Errorf("listening_start events = %d, want 1", got)
	}
}

func TestRun_DeviceUnavailableKeepsServing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ListenOnStart = true
	h := newTestApp(t, cfg)
	a, store, base := h.app, h.store, h.base
	h.dev.OpenError = errors.New("no such device")
	defer h.run()()

	waitFor(t, "status endpoint", func() bool {
		resp, err := http.Get(base + "/api/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if a.Engine().Running() {
		t.Error("engine running with unavailable device")
	}
	if got := kinds(t, store)[eventlog.KindEngineFault]; got != 1 {
		t.Errorf("engine_fault events = %d, want 1", got)
	}
}

func TestDoubleClapFiresWebhook(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		payloads []action.Payload
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p action.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.ListenOnStart = true
	cfg.Actions.Webhooks = []config.WebhookConfig{{Name: "lights", URL: hook.URL}}
	h := newTestApp(t, cfg, app.WithHTTPClient(hook.Client()))
	a, dev, store := h.app, h.dev, h.store
	defer h.run()()

	waitFor(t, "engine to start", a.Engine().Running)
	stream := dev.LastStream()
	stream.Push(tone(0, 0.9))
	stream.Push(tone(100*time.Millisecond, 0))
	stream.Push(tone(200*time.Millisecond, 0.9))

	waitFor(t, "webhook delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	})
	mu.Lock()
	p := payloads[0]
	mu.Unlock()
	if p.Interval < 0.19 || p.Interval > 0.21 {
		t.Errorf("payload interval = %v, want 0.2", p.Interval)
	}

	waitFor(t, "history entries", func() bool {
		k := kinds(t, store)
		return k[eventlog.KindDoubleClap] == 1 && k[eventlog.KindAction] == 1
	})
}

func TestStreamEndIsRecorded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ListenOnStart = true
	h := newTestApp(t, cfg)
	a, dev, store := h.app, h.dev, h.store
	defer h.run()()

	waitFor(t, "engine to start", a.Engine().Running)
	dev.LastStream().End()

	waitFor(t, "engine to stop", func() bool { return !a.Engine().Running() })
	waitFor(t, "listening_stop event", func() bool {
		return kinds(t, store)[eventlog.KindListeningStop] == 1
	})
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig()).app
	for i := range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d: %v", i+1, err)
		}
	}
}

func TestRun_HotReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clapper.yaml")
	write := func(content string, bump time.Duration) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		at := time.Now().Add(bump)
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	write("listen_on_start: false\ndetector:\n  loudness_threshold: 0.5\n", 0)

	h := newTestApp(t, testConfig(),
		app.WithConfigPath(path),
		app.WithReloadInterval(20*time.Millisecond),
	)
	stop := h.run()
	defer func() {
		if err := stop(); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	write("listen_on_start: false\ndetector:\n  loudness_threshold: 0.3\n", time.Second)
	waitFor(t, "detector reload", func() bool {
		return h.app.Engine().Config().LoudnessThreshold == 0.3
	})

	write("detector:\n  loudness_threshold: 7\n", 2*time.Second)
	waitFor(t, "rejected config event", func() bool {
		evs, _ := h.store.Recent(context.Background(), eventlog.Query{Kind: eventlog.KindSettingsUpdate, Limit: 10})
		for _, e := range evs {
			if strings.HasPrefix(e.Message, "config file rejected") {
				return true
			}
		}
		return false
	})
	if got := h.app.Engine().Config().LoudnessThreshold; got != 0.3 {
		t.Errorf("threshold after rejected file = %v, want 0.3", got)
	}
}

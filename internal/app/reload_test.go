package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/pkg/audio"
	"github.com/MrWong99/clapper/pkg/audio/mock"
)

func newReloadApp(t *testing.T) (*App, *slog.LevelVar, *eventlog.MemStore) {
	t.Helper()
	cfg := config.Default()
	cfg.ListenOnStart = false
	level := new(slog.LevelVar)
	store := eventlog.NewMemStore(10)
	a, err := New(context.Background(), cfg,
		WithDevice(&mock.Device{InfoResult: audio.DeviceInfo{Name: "mic"}}),
		WithEventStore(store),
		WithLevelVar(level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, level, store
}

func clone(c *config.Config) *config.Config {
	cp := *c
	cp.Actions.Webhooks = append([]config.WebhookConfig(nil), c.Actions.Webhooks...)
	return &cp
}

func TestReload_LiveSettings(t *testing.T) {
	t.Parallel()
	a, level, store := newReloadApp(t)

	old := a.cfg
	next := clone(old)
	next.Detector.LoudnessThreshold = 0.35
	next.Server.LogLevel = config.LogDebug
	next.Actions.Webhooks = []config.WebhookConfig{{Name: "lamp", URL: "http://localhost:1/hook"}}

	a.reload(old, next)

	if got := a.engine.Config().LoudnessThreshold; got != 0.35 {
		t.Errorf("threshold = %v, want 0.35", got)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if sinks := a.dispatcher.Sinks(); len(sinks) != 1 || sinks[0].Name() != "lamp" {
		t.Errorf("sinks = %v, want [lamp]", sinks)
	}
	evs, _ := store.Recent(context.Background(), eventlog.Query{Kind: eventlog.KindSettingsUpdate})
	if len(evs) != 1 {
		t.Errorf("settings_update events = %d, want 1", len(evs))
	}
}

func TestReload_InvalidDetectorKeepsConfig(t *testing.T) {
	t.Parallel()
	a, _, store := newReloadApp(t)

	old := a.cfg
	next := clone(old)
	next.Detector.SegmentSize = 100

	a.reload(old, next)

	if got := a.engine.Config().SegmentSize; got != 512 {
		t.Errorf("segment size = %d, want 512 kept", got)
	}
	if store.Len() != 0 {
		t.Errorf("history has %d events, want none", store.Len())
	}
}

func TestReload_Source(t *testing.T) {
	t.Parallel()
	a, _, _ := newReloadApp(t)

	old := a.cfg
	next := clone(old)
	next.Audio.Source = config.SourceEntry{
		Name:       config.SourceWebSocket,
		Device:     "phone",
		SampleRate: 48000,
		Channels:   1,
		FrameSize:  1024,
		Encoding:   config.EncodingPCM16,
	}

	a.reload(old, next)

	if got := a.deviceName(); got != "phone" {
		t.Errorf("device = %q, want phone", got)
	}
	if a.ingest.current.Load() == nil {
		t.Fatal("ingest not switched to the websocket source")
	}

	// A plain GET without upgrade headers reaches the websocket handler,
	// which rejects the handshake rather than answering 404.
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	if rec.Code == http.StatusNotFound {
		t.Error("GET /ingest = 404 after switching to a websocket source")
	}

	// A source that cannot be created leaves the current one in place.
	bad := clone(next)
	bad.Audio.Source = config.SourceEntry{Name: config.SourceWAV, Path: "/does/not/exist.wav"}
	a.reload(next, bad)
	if got := a.deviceName(); got != "phone" {
		t.Errorf("device = %q after failed reload, want phone", got)
	}
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/internal/health"
	"github.com/MrWong99/clapper/internal/server"
	"github.com/MrWong99/clapper/pkg/audio"
	"github.com/MrWong99/clapper/pkg/audio/mock"
	"github.com/MrWong99/clapper/pkg/clap"
)

type fixture struct {
	engine *clap.Engine
	device *mock.Device
	events *eventlog.Broadcast
	srv    *server.Server
	http   *httptest.Server
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	dev := &mock.Device{InfoResult: audio.DeviceInfo{Name: "mic", SampleRate: 44100, Channels: 1}}
	e, err := clap.NewEngine(clap.WithDevice(dev))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })

	events := eventlog.NewBroadcast(eventlog.NewMemStore(50))
	opts = append([]server.Option{
		server.WithEvents(events),
		server.WithHealth(health.New(health.WithCheck("engine", health.Engine(e)))),
		server.WithLevelInterval(0),
	}, opts...)
	srv := server.New(e, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &fixture{engine: e, device: dev, events: events, srv: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func (f *fixture) kinds(t *testing.T) []eventlog.Kind {
	t.Helper()
	evs, err := f.events.Recent(context.Background(), eventlog.Query{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	out := make([]eventlog.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	st := decode[struct {
		Listening   bool `json:"listening"`
		Calibrating bool `json:"calibrating"`
		Config      struct {
			LoudnessThreshold float64 `json:"loudness_threshold"`
			MinClapInterval   string  `json:"min_clap_interval"`
		} `json:"config"`
	}](t, raw)
	if st.Listening || st.Calibrating {
		t.Errorf("status = %+v, want idle", st)
	}
	if st.Config.LoudnessThreshold != 0.5 {
		t.Errorf("loudness_threshold = %v, want 0.5", st.Config.LoudnessThreshold)
	}
	if st.Config.MinClapInterval != "100ms" {
		t.Errorf("min_clap_interval = %q, want 100ms", st.Config.MinClapInterval)
	}
}

func TestAudioDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, raw := f.do(t, http.MethodGet, "/api/audio-devices", nil)
	body := decode[struct {
		Devices []audio.DeviceInfo `json:"devices"`
	}](t, raw)
	if len(body.Devices) != 1 || body.Devices[0].Name != "mic" {
		t.Errorf("devices = %+v, want [mic]", body.Devices)
	}
}

func TestPutConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantThresh float64
		wantMin    time.Duration
	}{
		{
			name:       "partial update",
			body:       `{"loudness_threshold": 0.3}`,
			wantStatus: http.StatusOK,
			wantThresh: 0.3,
			wantMin:    100 * time.Millisecond,
		},
		{
			name:       "duration string",
			body:       `{"min_clap_interval": "150ms"}`,
			wantStatus: http.StatusOK,
			wantThresh: 0.5,
			wantMin:    150 * time.Millisecond,
		},
		{
			name:       "duration seconds",
			body:       `{"min_clap_interval": 0.2}`,
			wantStatus: http.StatusOK,
			wantThresh: 0.5,
			wantMin:    200 * time.Millisecond,
		},
		{
			name:       "invalid keeps config",
			body:       `{"loudness_threshold": 1.5}`,
			wantStatus: http.StatusBadRequest,
			wantThresh: 0.5,
			wantMin:    100 * time.Millisecond,
		},
		{
			name:       "unknown field",
			body:       `{"threshold": 0.1}`,
			wantStatus: http.StatusBadRequest,
			wantThresh: 0.5,
			wantMin:    100 * time.Millisecond,
		},
		{
			name:       "malformed",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
			wantThresh: 0.5,
			wantMin:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			resp, raw := f.do(t, http.MethodPut, "/api/config", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, raw)
			}
			cfg := f.engine.Config()
			if cfg.LoudnessThreshold != tt.wantThresh {
				t.Errorf("threshold = %v, want %v", cfg.LoudnessThreshold, tt.wantThresh)
			}
			if cfg.MinClapInterval != tt.wantMin {
				t.Errorf("min interval = %v, want %v", cfg.MinClapInterval, tt.wantMin)
			}

			kinds := f.kinds(t)
			if tt.wantStatus == http.StatusOK {
				if len(kinds) != 1 || kinds[0] != eventlog.KindSettingsUpdate {
					t.Errorf("events = %v, want [settings_update]", kinds)
				}
			} else {
				if len(kinds) != 0 {
					t.Errorf("events = %v, want none", kinds)
				}
				if !strings.Contains(string(raw), `"error"`) {
					t.Errorf("body %s has no error field", raw)
				}
			}
		})
	}
}

func TestListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/api/listening", `{"listening": true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, raw)
	}
	if !f.engine.Running() {
		t.Fatal("engine not running after start")
	}

	// Starting twice is a no-op and records nothing new.
	f.do(t, http.MethodPost, "/api/listening", `{"listening": true}`)

	resp, raw = f.do(t, http.MethodPost, "/api/listening", `{"listening": false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", resp.StatusCode, raw)
	}
	if f.engine.Running() {
		t.Fatal("engine still running after stop")
	}

	kinds := f.kinds(t)
	want := []eventlog.Kind{eventlog.KindListeningStop, eventlog.KindListeningStart}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestListening_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		openErr    error
		wantStatus int
	}{
		{name: "missing field", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "device unavailable", body: `{"listening": true}`, openErr: errors.New("busy"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.device.OpenError = tt.openErr

			resp, raw := f.do(t, http.MethodPost, "/api/listening", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, raw)
			}
			if f.engine.Running() {
				t.Error("engine running after failed request")
			}
		})
	}
}

// feed pushes constant frames into the device's streams until stop is
// closed.
func feed(dev *mock.Device, v float64, stop <-chan struct{}) {
	var ts time.Duration
	for {
		select {
		case <-stop:
			return
		default:
		}
		if s := dev.LastStream(); s != nil {
			frame := audio.Frame{Samples: make([]float64, 256), SampleRate: 44100, Timestamp: ts}
			for i := range frame.Samples {
				frame.Samples[i] = v
			}
			if s.TryPush(frame) {
				ts += 5 * time.Millisecond
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCalibrate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		feed(f.device, 0.25, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	resp, raw := f.do(t, http.MethodPost, "/api/calibrate", `{"duration": "200ms", "apply": true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	res := decode[struct {
		SuggestedThreshold float64 `json:"suggested_threshold"`
		Samples            int     `json:"samples"`
		Duration           string  `json:"duration"`
		Applied            bool    `json:"applied"`
	}](t, raw)

	if res.Samples == 0 {
		t.Fatal("no samples collected")
	}
	if res.SuggestedThreshold != 0.25 {
		t.Errorf("suggested = %v, want 0.25", res.SuggestedThreshold)
	}
	if res.Duration != "200ms" {
		t.Errorf("duration = %q, want 200ms", res.Duration)
	}
	if !res.Applied || f.engine.Config().LoudnessThreshold != 0.25 {
		t.Errorf("applied = %v, threshold = %v; want suggestion applied", res.Applied, f.engine.Config().LoudnessThreshold)
	}
	if f.engine.Running() {
		t.Error("engine left running after calibration")
	}

	kinds := f.kinds(t)
	want := []eventlog.Kind{eventlog.KindCalibrationComplete, eventlog.KindCalibrationStart}
	if len(kinds) != 2 || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestCalibrate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "negative duration", body: `{"duration": "-1s"}`, wantStatus: http.StatusBadRequest},
		{name: "too long", body: `{"duration": "2m"}`, wantStatus: http.StatusBadRequest},
		{name: "bad duration", body: `{"duration": "soon"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			resp, raw := f.do(t, http.MethodPost, "/api/calibrate", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, raw)
			}
		})
	}
}

func TestCalibrate_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.OpenError = errors.New("unplugged")

	resp, raw := f.do(t, http.MethodPost, "/api/calibrate", `{"duration": "50ms"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (body %s)", resp.StatusCode, raw)
	}
}

func TestCalibrate_Concurrent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.WithCalibrationDuration(300*time.Millisecond))

	first := make(chan int, 1)
	go func() {
		resp, err := f.http.Client().Post(f.http.URL+"/api/calibrate", "application/json", nil)
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, raw := f.do(t, http.MethodGet, "/api/status", nil)
		if strings.Contains(string(raw), `"calibrating":true`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("calibration never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, raw := f.do(t, http.MethodPost, "/api/calibrate", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second calibration status = %d, want 409 (body %s)", resp.StatusCode, raw)
	}
	if got := <-first; got != http.StatusOK {
		t.Errorf("first calibration status = %d, want 200", got)
	}
}

func TestListening_DuringCalibration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		listening     bool
		wantCalStatus int
		wantRunning   bool
		wantEvent     eventlog.Kind
	}{
		{"start keeps the session", true, http.StatusOK, true, eventlog.KindListeningStart},
		{"stop interrupts calibration", false, http.StatusConflict, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			calStatus := make(chan int, 1)
			go func() {
				resp, err := f.http.Client().Post(f.http.URL+"/api/calibrate", "application/json",
					strings.NewReader(`{"duration": "300ms"}`))
				if err != nil {
					calStatus <- 0
					return
				}
				resp.Body.Close()
				calStatus <- resp.StatusCode
			}()

			deadline := time.Now().Add(3 * time.Second)
			for !f.engine.Running() {
				if time.Now().After(deadline) {
					t.Fatal("calibration never started")
				}
				time.Sleep(5 * time.Millisecond)
			}
			_, raw := f.do(t, http.MethodGet, "/api/status", nil)
			if st := decode[struct{ Listening bool }](t, raw); st.Listening {
				t.Error("calibration reported as listening")
			}

			body := fmt.Sprintf(`{"listening": %t}`, tt.listening)
			if resp, raw := f.do(t, http.MethodPost, "/api/listening", body); resp.StatusCode != http.StatusOK {
				t.Fatalf("listening status = %d, body %s", resp.StatusCode, raw)
			}
			if got := <-calStatus; got != tt.wantCalStatus {
				t.Errorf("calibration status = %d, want %d", got, tt.wantCalStatus)
			}
			if got := f.engine.Running(); got != tt.wantRunning {
				t.Errorf("running = %v, want %v", got, tt.wantRunning)
			}

			kinds := f.kinds(t)
			if tt.wantEvent != "" && !slices.Contains(kinds, tt.wantEvent) {
				t.Errorf("events = %v, want %s recorded", kinds, tt.wantEvent)
			}
			if slices.Contains(kinds, eventlog.KindListeningStop) {
				t.Errorf("events = %v, stopping a calibration is not a listening stop", kinds)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, k := range []eventlog.Kind{eventlog.KindDoubleClap, eventlog.KindAction, eventlog.KindDoubleClap} {
		if _, err := f.events.Append(ctx, eventlog.Event{Kind: k}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{name: "all", query: "", wantStatus: http.StatusOK, wantCount: 3},
		{name: "by kind", query: "?kind=double_clap", wantStatus: http.StatusOK, wantCount: 2},
		{name: "limit", query: "?limit=1", wantStatus: http.StatusOK, wantCount: 1},
		{name: "since future", query: "?since=2999-01-01T00:00:00Z", wantStatus: http.StatusOK, wantCount: 0},
		{name: "bad limit", query: "?limit=x", wantStatus: http.StatusBadRequest},
		{name: "bad since", query: "?since=yesterday", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, raw := f.do(t, http.MethodGet, "/api/events"+tt.query, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, raw)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			body := decode[struct {
				Events []eventlog.Event `json:"events"`
			}](t, raw)
			if body.Events == nil {
				t.Fatal("events is null, want array")
			}
			if len(body.Events) != tt.wantCount {
				t.Errorf("got %d events, want %d", len(body.Events), tt.wantCount)
			}
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("clapper_frames_total 0\n"))
	})
	f := newFixture(t, server.WithMetricsHandler("/metrics", metrics))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, raw := f.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, body %s", path, resp.StatusCode, raw)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/ingest", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /ingest without ingest handler = %d, want 404", resp.StatusCode)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `"1.5s"`, want: 1500 * time.Millisecond},
		{in: `0.25`, want: 250 * time.Millisecond},
		{in: `"nope"`, wantErr: true},
		{in: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			var d server.Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && time.Duration(d) != tt.want {
				t.Errorf("got %v, want %v", time.Duration(d), tt.want)
			}
		})
	}
}

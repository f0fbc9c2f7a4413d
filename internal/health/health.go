// Package health serves the liveness (/healthz) and readiness (/readyz)
// probes. Readiness runs every registered check concurrently and reports
// each result by name.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// Check reports nil when its dependency is healthy.
type Check func(ctx context.Context) error

// EngineState is the part of the detection engine the probes look at.
type EngineState interface {
	Running() bool
	Err() error
	LastFrame() time.Time
}

// Engine fails while the engine is stopped by a pipeline fault. A cleanly
// stopped engine is ready: it accepts a start request.
func Engine(e EngineState) Check {
	return func(context.Context) error {
		if err := e.Err(); err != nil && !e.Running() {
			return err
		}
		return nil
	}
}

// Stream fails when the engine is running but its device has delivered no
// frame for longer than stall, which usually means the capture process hung
// or the remote microphone went quiet without disconnecting.
func Stream(e EngineState, stall time.Duration) Check {
	return func(context.Context) error {
		if !e.Running() {
			return nil
		}
		if since := time.Since(e.LastFrame()); since > stall {
			return fmt.Errorf("no audio for %s", since.Truncate(time.Second))
		}
		return nil
	}
}

// Pinger is implemented by event stores that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps p as a [Check].
func Ping(p Pinger) Check {
	return p.Ping
}

type namedCheck struct {
	name  string
	check Check
}

// Handler serves the probes. Checks are fixed at construction.
type Handler struct {
	checks  []namedCheck
	timeout time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck adds a readiness check reported under name.
func WithCheck(name string, c Check) Option {
	return func(h *Handler) {
		h.checks = append(h.checks, namedCheck{name: name, check: c})
	}
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a probe handler.
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Report is the JSON body of both probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports liveness: a process that can answer HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz answers 200 when every check passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Check runs all checks concurrently, each under the handler timeout.
func (h *Handler) Check(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: "ok", Checks: make(map[string]string, len(h.checks))}
		g   errgroup.Group
	)
	for _, c := range h.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			err := c.check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Status = "fail"
				rep.Checks[c.name] = "fail: " + err.Error()
				return nil
			}
			rep.Checks[c.name] = "ok"
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/internal/observe"
	"github.com/MrWong99/clapper/pkg/clap"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Listening   bool     `json:"listening"`
	Calibrating bool     `json:"calibrating"`
	Level       float64  `json:"level"`
	Error       string   `json:"error,omitempty"`
	Config      settings `json:"config"`
}

func (s *Server) status() statusBody {
	st := statusBody{
		Listening:   s.engine.Listening(),
		Calibrating: s.calibrating.Load(),
		Level:       s.engine.Level(),
		Config:      settingsFrom(s.engine.Config()),
	}
	if err := s.engine.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.engine.Devices()})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsFrom(s.engine.Config()))
}

// handlePutConfig applies a full or partial settings update. Fields absent
// from the body keep their current value.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	next := settingsFrom(s.engine.Config())
	if err := decodeJSON(w, r, &next); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Configure(next.config()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, clap.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	observe.Logger(r.Context()).Info("server: detector settings updated")
	s.record(r.Context(), eventlog.Event{Kind: eventlog.KindSettingsUpdate, Message: "detector settings updated"})
	writeJSON(w, http.StatusOK, settingsFrom(s.engine.Config()))
}

type listeningRequest struct {
	Listening *bool `json:"listening"`
}

func (s *Server) handleListening(w http.ResponseWriter, r *http.Request) {
	var req listeningRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Listening == nil {
		writeError(w, http.StatusBadRequest, errors.New(`missing field "listening"`))
		return
	}

	was := s.engine.Listening()
	if *req.Listening {
		if err := s.engine.Start(r.Context(), nil); err != nil {
			writeError(w, startStatus(err), err)
			return
		}
		if !was {
			s.record(r.Context(), eventlog.Event{Kind: eventlog.KindListeningStart, Message: "listening started"})
		}
	} else {
		if err := s.engine.Stop(); err != nil {
			observe.Logger(r.Context()).Warn("server: stop listening", "error", err)
		}
		if was {
			s.record(r.Context(), eventlog.Event{Kind: eventlog.KindListeningStop, Message: "listening stopped"})
		}
	}
	writeJSON(w, http.StatusOK, s.status())
}

type calibrateRequest struct {
	Duration Duration `json:"duration"`
	Apply    bool     `json:"apply"`
}

// handleCalibrate measures ambient loudness and reports a suggested
// threshold. With apply set, the suggestion is written to the live config.
// Only one calibration may run at a time.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	d := time.Duration(req.Duration)
	if d == 0 {
		d = s.calDuration
	}
	if d < 0 || d > maxCalibrationDuration {
		writeError(w, http.StatusBadRequest, fmt.Errorf("duration %v must be within (0, %v]", d, maxCalibrationDuration))
		return
	}
	if !s.calibrating.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("calibration already in progress"))
		return
	}
	defer s.calibrating.Store(false)

	ctx := r.Context()
	log := observe.Logger(ctx)
	s.record(ctx, eventlog.Event{Kind: eventlog.KindCalibrationStart, Message: "calibrating for " + d.String()})

	res, err := s.engine.Calibrate(ctx, d)
	if err != nil {
		s.metrics.RecordCalibration(ctx, "error")
		log.Warn("server: calibration failed", "error", err)
		writeError(w, startStatus(err), err)
		return
	}
	s.metrics.RecordCalibration(ctx, "ok")

	out := calibrationFrom(res)
	if req.Apply && res.Samples > 0 {
		cfg := s.engine.Config()
		cfg.LoudnessThreshold = res.SuggestedThreshold
		if err := s.engine.Configure(cfg); err != nil {
			log.Warn("server: suggested threshold rejected", "threshold", res.SuggestedThreshold, "error", err)
		} else {
			out.Applied = true
		}
	}

	s.record(ctx, eventlog.Event{
		Kind:     eventlog.KindCalibrationComplete,
		Loudness: res.SuggestedThreshold,
		Message:  fmt.Sprintf("%d samples, suggested threshold %.4f", res.Samples, res.SuggestedThreshold),
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := eventlog.Query{Kind: eventlog.Kind(r.URL.Query().Get("kind"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since %q: %w", v, err))
			return
		}
		q.Since = t
	}

	events, err := s.events.Recent(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// record appends e to the history. Failures are logged and otherwise
// ignored; the history is informational.
func (s *Server) record(ctx context.Context, e eventlog.Event) {
	if _, err := s.events.Append(context.WithoutCancel(ctx), e); err != nil {
		observe.Logger(ctx).Warn("server: record event", "kind", string(e.Kind), "error", err)
	}
}

// startStatus maps engine start errors to HTTP status codes.
func startStatus(err error) int {
	switch {
	case errors.Is(err, clap.ErrNoDevice), errors.Is(err, clap.ErrCalibrationInProgress),
		errors.Is(err, clap.ErrCalibrationInterrupted):
		return http.StatusConflict
	case errors.Is(err, clap.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

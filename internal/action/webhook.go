// Package action delivers double-clap events to the outside world.
//
// A [Dispatcher] subscribes to the detection engine, queues every double
// clap and fans it out to the configured [Sink]s from a background worker,
// so slow endpoints never stall the engine's notification delivery.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/internal/observe"
	"github.com/MrWong99/clapper/internal/resilience"
	"github.com/MrWong99/clapper/pkg/clap"
)

// DefaultTimeout bounds a webhook request when the configuration sets none.
const DefaultTimeout = 5 * time.Second

// Sink receives double-clap events.
type Sink interface {
	// Name identifies the sink in logs, metrics and the event history.
	Name() string

	// Fire delivers ev. It must respect ctx cancellation.
	Fire(ctx context.Context, ev clap.DoubleClap) error
}

// Payload is the JSON body sent by [Webhook].
type Payload struct {
	Event     string    `json:"event"`
	Timestamp float64   `json:"timestamp"`
	Interval  float64   `json:"interval"`
	Loudness  float64   `json:"loudness"`
	At        time.Time `json:"at"`
}

// NewPayload converts a detector event into its wire form.
func NewPayload(ev clap.DoubleClap) Payload {
	return Payload{
		Event:     "double_clap",
		Timestamp: ev.Timestamp.Seconds(),
		Interval:  ev.Interval.Seconds(),
		Loudness:  ev.Loudness,
		At:        ev.At,
	}
}

// StatusError is returned by [Webhook.Fire] for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

var _ Sink = (*Webhook)(nil)

// Webhook posts every double clap to an HTTP endpoint. Consecutive failures
// open a circuit breaker so an unreachable endpoint is skipped until it
// recovers.
type Webhook struct {
	cfg     config.WebhookConfig
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// WebhookOption configures a [Webhook].
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithBreakerListener is notified of every breaker transition.
func WithBreakerListener(fn func(name string, from, to resilience.State)) WebhookOption {
	return func(w *Webhook) {
		w.breaker = resilience.NewCircuitBreaker(breakerConfig(w.cfg, fn))
	}
}

// NewWebhook creates a webhook sink from cfg. An empty method defaults to POST.
func NewWebhook(cfg config.WebhookConfig, opts ...WebhookOption) *Webhook {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	w := &Webhook{
		cfg:     cfg,
		client:  &http.Client{},
		breaker: resilience.NewCircuitBreaker(breakerConfig(cfg, nil)),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func breakerConfig(cfg config.WebhookConfig, fn func(string, resilience.State, resilience.State)) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:          "webhook/" + cfg.Name,
		MaxFailures:   cfg.MaxFailures,
		ResetTimeout:  cfg.ResetTimeout,
		OnStateChange: fn,
	}
}

// Name implements [Sink].
func (w *Webhook) Name() string { return w.cfg.Name }

// BreakerState reports the state of the webhook's circuit breaker.
func (w *Webhook) BreakerState() resilience.State { return w.breaker.State() }

// Fire implements [Sink]. POST, PUT and PATCH send a JSON [Payload]; GET
// encodes the same fields as query parameters.
func (w *Webhook) Fire(ctx context.Context, ev clap.DoubleClap) error {
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "webhook "+w.cfg.Name,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(w.cfg.Method),
				attribute.Float64("clap.interval", ev.Interval.Seconds()),
			),
		)
		defer span.End()

		err := w.do(ctx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

func (w *Webhook) do(ctx context.Context, ev clap.DoubleClap) error {
	req, err := w.newRequest(ctx, NewPayload(ev))
	if err != nil {
		return err
	}
	observe.InjectTraceContext(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("action: webhook %q: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()
	trace.SpanFromContext(ctx).SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("action: webhook %q: %w", w.cfg.Name, &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(body)),
		})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *Webhook) newRequest(ctx context.Context, p Payload) (*http.Request, error) {
	var (
		body   io.Reader
		target = w.cfg.URL
	)
	if w.cfg.Method == http.MethodGet {
		u, err := url.Parse(w.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("action: webhook %q: parse url: %w", w.cfg.Name, err)
		}
		q := u.Query()
		q.Set("event", p.Event)
		q.Set("timestamp", strconv.FormatFloat(p.Timestamp, 'f', -1, 64))
		q.Set("interval", strconv.FormatFloat(p.Interval, 'f', -1, 64))
		q.Set("loudness", strconv.FormatFloat(p.Loudness, 'f', -1, 64))
		u.RawQuery = q.Encode()
		target = u.String()
	} else {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("action: webhook %q: encode payload: %w", w.cfg.Name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("action: webhook %q: build request: %w", w.cfg.Name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "clapper")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// ErrCircuitOpen is returned by sinks whose circuit breaker rejected the call.
var ErrCircuitOpen = resilience.ErrCircuitOpen

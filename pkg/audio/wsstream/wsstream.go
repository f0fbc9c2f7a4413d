// Package wsstream provides an [audio.Device] fed by a remote microphone over
// WebSocket. A browser or companion app connects to the device's HTTP
// handler and sends binary messages holding either raw signed 16-bit
// little-endian PCM or Opus packets.
//
// One remote microphone may be connected at a time. Audio received while no
// stream is open, or while the consumer lags behind, is dropped.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/clapper/pkg/audio"
)

// Encoding names the payload format of binary WebSocket messages.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingOpus  Encoding = "opus"
)

const (
	// DefaultFrameSize is the number of mono samples per emitted frame.
	DefaultFrameSize = 2048

	frameBuffer  = 32
	maxMessageSz = 1 << 20
)

var (
	// ErrBusy is returned by Open while a previously opened stream is still
	// active.
	ErrBusy = errors.New("wsstream: device already has an open stream")

	// ErrUnsupportedFormat is returned by New for an encoding or sample rate
	// that cannot be decoded.
	ErrUnsupportedFormat = errors.New("wsstream: unsupported format")
)

// Option configures a [Device].
type Option func(*Device)

// WithFormat sets the sample rate and channel count the client sends.
func WithFormat(f audio.Format) Option {
	return func(d *Device) {
		if f.SampleRate > 0 {
			d.format.SampleRate = f.SampleRate
		}
		if f.Channels > 0 {
			d.format.Channels = f.Channels
		}
	}
}

// WithEncoding selects the message payload format. Defaults to PCM16.
func WithEncoding(e Encoding) Option {
	return func(d *Device) { d.encoding = e }
}

// WithFrameSize sets the number of mono samples per frame.
func WithFrameSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.frameSize = n
		}
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket handshakes.
func WithOriginPatterns(patterns ...string) Option {
	return func(d *Device) { d.origins = patterns }
}

// Device is an [audio.Device] and an [http.Handler] accepting remote
// microphone connections.
type Device struct {
	name      string
	format    audio.Format
	encoding  Encoding
	frameSize int
	origins   []string

	connected atomic.Bool
	dropped   atomic.Int64

	mu     sync.Mutex
	active *stream
}

// New returns a Device. Opus input must use a sample rate libopus supports
// (8, 12, 16, 24 or 48 kHz).
func New(name string, opts ...Option) (*Device, error) {
	d := &Device{
		name:      name,
		format:    audio.Format{SampleRate: 48000, Channels: 1},
		encoding:  EncodingPCM16,
		frameSize: DefaultFrameSize,
	}
	for _, o := range opts {
		o(d)
	}
	switch d.encoding {
	case EncodingPCM16:
	case EncodingOpus:
		if !opusRates[d.format.SampleRate] {
			return nil, fmt.Errorf("%w: opus at %d Hz", ErrUnsupportedFormat, d.format.SampleRate)
		}
		if d.format.Channels > 2 {
			return nil, fmt.Errorf("%w: opus with %d channels", ErrUnsupportedFormat, d.format.Channels)
		}
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, d.encoding)
	}
	return d, nil
}

// Info implements [audio.Device].
func (d *Device) Info() audio.DeviceInfo {
	return audio.DeviceInfo{
		Name:       d.name,
		Kind:       "websocket",
		SampleRate: d.format.SampleRate,
		Channels:   d.format.Channels,
	}
}

// Connected reports whether a remote microphone is currently attached.
func (d *Device) Connected() bool { return d.connected.Load() }

// Dropped returns the number of frames discarded because no stream was open
// or the consumer was not keeping up.
func (d *Device) Dropped() int64 { return d.dropped.Load() }

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, ErrBusy
	}
	s := &stream{
		dev:    d,
		frames: make(chan audio.Frame, frameBuffer),
		framer: audio.NewFramer(d.frameSize, d.format.SampleRate),
	}
	d.active = s
	return s, nil
}

// deliver hands mono samples to the active stream, if any.
func (d *Device) deliver(samples []float64) {
	d.mu.Lock()
	s := d.active
	d.mu.Unlock()
	if s == nil {
		d.dropped.Add(1)
		return
	}
	s.push(samples)
}

func (d *Device) release(s *stream) {
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	d.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket and reads audio messages
// until the client disconnects or the request context ends.
func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: d.origins,
	})
	if err != nil {
		slog.Warn("wsstream: accept failed", "device", d.name, "error", err)
		return
	}
	if !d.connected.CompareAndSwap(false, true) {
		conn.Close(websocket.StatusTryAgainLater, "another microphone is connected")
		return
	}
	defer d.connected.Store(false)
	defer conn.CloseNow()

	conn.SetReadLimit(maxMessageSz)

	decode, err := d.newDecoder()
	if err != nil {
		slog.Error("wsstream: decoder setup failed", "device", d.name, "error", err)
		conn.Close(websocket.StatusInternalError, "decoder unavailable")
		return
	}

	slog.Info("wsstream: microphone connected", "device", d.name, "remote", r.RemoteAddr)
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("wsstream: microphone disconnected", "device", d.name)
			} else {
				slog.Warn("wsstream: read failed", "device", d.name, "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		samples, err := decode(data)
		if err != nil {
			slog.Warn("wsstream: dropping undecodable message", "device", d.name, "error", err)
			continue
		}
		if len(samples) > 0 {
			d.deliver(samples)
		}
	}
}

// newDecoder returns a per-connection payload decoder.
func (d *Device) newDecoder() (func([]byte) ([]float64, error), error) {
	if d.encoding == EncodingOpus {
		dec, err := newOpusDecoder(d.format)
		if err != nil {
			return nil, err
		}
		return dec.decode, nil
	}
	conv := &audio.FormatConverter{}
	return func(data []byte) ([]float64, error) {
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("wsstream: odd PCM payload length %d", len(data))
		}
		return conv.Convert(data, d.format), nil
	}, nil
}

type stream struct {
	dev *Device

	mu     sync.Mutex
	closed bool
	frames chan audio.Frame
	framer *audio.Framer
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) push(samples []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.framer.Push(samples, func(f audio.Frame) {
		select {
		case s.frames <- f:
		default:
			s.dev.dropped.Add(1)
		}
	})
}

// Close detaches the stream from the device. It is idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	s.mu.Unlock()
	s.dev.release(s)
	return nil
}

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ http.Handler = (*Device)(nil)
)

// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	dev := &mock.Device{OpenResult: stream}
//	s, err := dev.Open(ctx)
//	stream.Push(audio.Frame{Samples: samples, SampleRate: 44100})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/clapper/pkg/audio"
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] fed by the test through
// [Stream.Push]. Create instances with [NewStream].
type Stream struct {
	// sendMu is held for reading by senders and for writing while the frame
	// channel is closed, so a send never races the close.
	sendMu   sync.RWMutex
	ch       chan audio.Frame
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	closed bool

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream whose frame channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{
		ch:   make(chan audio.Frame, buffer),
		done: make(chan struct{}),
	}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.Frame {
	return s.ch
}

// Push delivers f to the consumer. It blocks while the buffer is full and
// reports false once the stream has been closed.
func (s *Stream) Push(f audio.Frame) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- f:
		return true
	case <-s.done:
		return false
	}
}

// TryPush delivers f without blocking. It reports false when the buffer is
// full or the stream is closed.
func (s *Stream) TryPush(f audio.Frame) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// End closes the frame channel as a driver would at end of input, without
// counting as a consumer Close call.
func (s *Stream) End() {
	s.shutdown()
}

// Close implements [audio.Stream]. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseError
	s.mu.Unlock()
	s.shutdown()
	return err
}

func (s *Stream) shutdown() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
}

// Closed reports whether the stream has been closed or ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported Result fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// InfoResult is returned by [Device.Info].
	InfoResult audio.DeviceInfo

	// OpenResult is returned by [Device.Open] when OpenError is nil.
	// A fresh [Stream] is created on every call if left nil.
	OpenResult *Stream

	// OpenError is returned by [Device.Open] when non-nil.
	OpenError error

	// OpenDelay, when positive, makes Open block for this duration or until
	// the context is cancelled.
	OpenDelay time.Duration

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Streams holds every stream handed out by Open, in order.
	Streams []*Stream
}

// Info implements [audio.Device].
func (d *Device) Info() audio.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.InfoResult
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	d.mu.Lock()
	d.CallCountOpen++
	delay := d.OpenDelay
	err := d.OpenError
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.OpenResult
	if s == nil || s.Closed() {
		s = NewStream(64)
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// OpenCalls returns how many times Open was called.
func (d *Device) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

// Compile-time interface assertions.
var (
	_ audio.Stream = (*Stream)(nil)
	_ audio.Device = (*Device)(nil)
)

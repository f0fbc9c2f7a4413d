// Package audio defines the frame model and the device abstraction that feeds
// microphone audio into the clap detection engine.
//
// The two primary abstractions are:
//
//   - [Device] describes a capture source and opens a [Stream] on it.
//   - [Stream] is an open capture session delivering fixed-size [Frame] values
//     at the device cadence until it is closed.
//
// Implementations live in the driver packages (audio/pcmstream,
// audio/wavfile, audio/wsstream). The interfaces are intentionally narrow so
// the engine only ever sees samples, a sample rate and a timestamp.
package audio

import "context"

// DeviceInfo is the capability record reported by a [Device].
type DeviceInfo struct {
	// Name is the human-readable device name (e.g. "hw:1,0" or "kitchen-esp32").
	Name string `json:"name"`

	// Kind is the registered driver name ("command", "wav", "websocket", …).
	Kind string `json:"kind"`

	// SampleRate is the native rate in Hz delivered by the device.
	SampleRate int `json:"sample_rate"`

	// Channels is the channel count of the raw capture before downmixing.
	Channels int `json:"channels"`
}

// Stream is an open capture session.
//
// Frames are delivered on the channel returned by [Stream.Frames], which is
// closed when the underlying source ends or after [Stream.Close]. The driver
// must never block indefinitely on a send after Close has been called.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the read-only frame channel. Every call returns the same
	// channel.
	Frames() <-chan Frame

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls do nothing.
	Close() error
}

// Device is a frame source that can be opened for capture.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Info reports the device capabilities.
	Info() DeviceInfo

	// Open acquires the device and starts capture. ctx governs the acquisition
	// only; the returned Stream stays alive until Close is called.
	Open(ctx context.Context) (Stream, error)
}

// DrainFrames discards frames still buffered in s until its channel closes,
// so a driver blocked on a send after Close can exit. Run it in its own
// goroutine.
func DrainFrames(s Stream) {
	for range s.Frames() {
	}
}

package audio

import "time"

// Frame is a single block of mono audio flowing through the detection
// pipeline. Frames are created by a [Stream] per capture callback and are not
// retained after processing.
type Frame struct {
	// Samples holds mono amplitude values, nominally in [-1, 1].
	Samples []float64

	// SampleRate in Hz (e.g., 44100 for a USB microphone, 48000 for Opus).
	SampleRate int

	// Timestamp marks when this frame was captured, as a monotonic offset from
	// stream start. It is derived from the sample count, never from the wall
	// clock, so clock adjustments cannot skew interval measurements.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Clock converts running sample counts into monotonic frame timestamps.
// Create one per stream; not safe for concurrent use.
type Clock struct {
	SampleRate int
	samples    int64
}

// Next returns the timestamp of a frame holding n samples and advances the
// clock past it.
func (c *Clock) Next(n int) time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	// Whole seconds first: samples*time.Second overflows after ~58h at 44.1 kHz.
	rate := int64(c.SampleRate)
	ts := time.Duration(c.samples/rate)*time.Second +
		time.Duration(c.samples%rate)*time.Second/time.Duration(rate)
	c.samples += int64(n)
	return ts
}

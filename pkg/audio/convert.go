package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// pcm16Scale maps signed 16-bit samples onto [-1, 1).
const pcm16Scale = 1.0 / 32768.0

// FormatConverter turns raw interleaved PCM into mono float samples at the
// target sample rate. It logs a warning on the first format mismatch and
// validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	// Target is the output format. Only Target.SampleRate is honoured; the
	// output is always mono. A zero SampleRate keeps the source rate.
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert decodes little-endian int16 PCM in src format into mono samples.
// Conversion order: downmix first, then resample (avoids resampling every
// channel when only mono is needed). A trailing odd byte drops the frame.
func (c *FormatConverter) Convert(pcm []byte, src Format) []float64 {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(pcm),
				"sampleRate", src.SampleRate,
				"channels", src.Channels,
			)
		})
		return nil
	}

	samples := Downmix(PCM16ToFloat(pcm), src.Channels)

	if c.Target.SampleRate == 0 || c.Target.SampleRate == src.SampleRate {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: resampling",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(c.Target.SampleRate, 1),
		)
	})
	return ResampleMono(samples, src.SampleRate, c.Target.SampleRate)
}

// PCM16ToFloat decodes little-endian int16 samples into floats in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) * pcm16Scale
	}
	return out
}

// Int16ToFloat converts int16 samples into floats in [-1, 1).
func Int16ToFloat(pcm []int16) []float64 {
	out := make([]float64, len(pcm))
	for i, s := range pcm {
		out[i] = float64(s) * pcm16Scale
	}
	return out
}

// IntToFloat converts integer samples of the given bit depth into floats in
// [-1, 1). Unknown bit depths are treated as 16-bit.
func IntToFloat(pcm []int, bitDepth int) []float64 {
	if bitDepth <= 0 || bitDepth > 32 {
		bitDepth = 16
	}
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	out := make([]float64, len(pcm))
	for i, s := range pcm {
		out[i] = float64(s) * scale
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Mono input is
// returned unchanged (zero allocation). A trailing partial frame is dropped.
func Downmix(samples []float64, channels int) []float64 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float64, frames)
	inv := 1.0 / float64(channels)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum * inv
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float64, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Framer cuts an arbitrary-length sample stream into fixed-size frames and
// stamps them with a monotonic [Clock]. Create one per stream; not safe for
// concurrent use.
type Framer struct {
	size    int
	rate    int
	clock   Clock
	pending []float64
}

// NewFramer returns a Framer emitting frames of size samples at rate Hz.
func NewFramer(size, rate int) *Framer {
	if size <= 0 {
		size = 1
	}
	return &Framer{
		size:    size,
		rate:    rate,
		clock:   Clock{SampleRate: rate},
		pending: make([]float64, 0, size),
	}
}

// Push appends samples and calls emit for every complete frame. Leftover
// samples are kept for the next call.
func (f *Framer) Push(samples []float64, emit func(Frame)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) < f.size {
			return
		}
		out := make([]float64, f.size)
		copy(out, f.pending)
		f.pending = f.pending[:0]
		emit(Frame{
			Samples:    out,
			SampleRate: f.rate,
			Timestamp:  f.clock.Next(f.size),
		})
	}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

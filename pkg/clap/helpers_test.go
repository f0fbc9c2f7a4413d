package clap

import (
	"math"
	"time"

	"github.com/MrWong99/clapper/pkg/audio"
)

const testRate = 44100

// sine returns a frame holding a sine tone.
func sine(freqHz, amp float64, n int, ts time.Duration) audio.Frame {
	s := make([]float64, n)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*freqHz*float64(i)/testRate)
	}
	return audio.Frame{Samples: s, SampleRate: testRate, Timestamp: ts}
}

// constant returns a frame where every sample equals v.
func constant(v float64, n int, ts time.Duration) audio.Frame {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return audio.Frame{Samples: s, SampleRate: testRate, Timestamp: ts}
}

// sec converts fractional seconds to a Duration.
func sec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

package clap

import (
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/MrWong99/clapper/pkg/audio"
)

// precheckFactor scales the loudness threshold for the cheap pre-check that
// decides whether the spectral ratio is computed at all.
const precheckFactor = 0.5

// FeatureSet holds the per-frame features.
type FeatureSet struct {
	// Loudness is the RMS amplitude of the (optionally pre-emphasised) frame.
	Loudness float64

	// BandEnergyRatio is the fraction of spectral power inside the configured
	// band. Zero when Spectral is false or the frame carries no power.
	BandEnergyRatio float64

	// Spectral reports whether the band ratio was computed. It is false when
	// the loudness pre-check short-circuited.
	Spectral bool
}

// Extractor turns frames into [FeatureSet] values. It owns the high-pass
// filter memory and FFT scratch space, so use one Extractor per stream.
// Not safe for concurrent use.
type Extractor struct {
	// High-pass filter memory and the parameters its coefficient was
	// derived from.
	prevX, prevY float64
	alpha        float64
	cutoff       float64
	rate         int

	filtered []float64

	// Welch scratch, keyed by segment length.
	plans   map[int]*algofft.Plan[complex128]
	windows map[int][]float64
	seg     []float64
	in      []complex128
	out     []complex128
	re, im  []float64
	pow     []float64
	psd     []float64
}

// NewExtractor returns an Extractor with empty filter memory.
func NewExtractor() *Extractor {
	return &Extractor{
		plans:   make(map[int]*algofft.Plan[complex128]),
		windows: make(map[int][]float64),
	}
}

// Reset clears the filter memory.
func (e *Extractor) Reset() {
	e.prevX, e.prevY = 0, 0
}

// Extract computes the features of f under cfg. The band ratio is only
// computed when the loudness passes the pre-check.
func (e *Extractor) Extract(f audio.Frame, cfg Config) FeatureSet {
	fs := FeatureSet{Loudness: e.Loudness(f, cfg.HighPassCutoffHz)}
	if fs.Loudness < cfg.LoudnessThreshold*precheckFactor {
		return fs
	}
	fs.BandEnergyRatio = e.BandEnergyRatio(f, cfg.BandMinHz, cfg.BandMaxHz, cfg.SegmentSize)
	fs.Spectral = true
	return fs
}

// Loudness returns the RMS amplitude of f. With a positive cutoff the frame
// is passed through the single-pole high-pass filter first; the filter
// memory carries over to the next call.
func (e *Extractor) Loudness(f audio.Frame, cutoffHz float64) float64 {
	x := f.Samples
	if len(x) == 0 {
		return 0
	}
	if cutoffHz > 0 && f.SampleRate > 0 {
		x = e.highPass(x, cutoffHz, f.SampleRate)
	}
	return rms(x)
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	v := math.Sqrt(vecmath.DotProduct(x, x) / float64(len(x)))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// highPass applies y[n] = alpha*(y[n-1] + x[n] - x[n-1]) into a scratch
// buffer that is valid until the next call.
func (e *Extractor) highPass(x []float64, cutoffHz float64, rate int) []float64 {
	if cutoffHz != e.cutoff || rate != e.rate {
		rc := 1 / (2 * math.Pi * cutoffHz)
		dt := 1 / float64(rate)
		e.alpha = rc / (rc + dt)
		e.cutoff, e.rate = cutoffHz, rate
	}
	if cap(e.filtered) < len(x) {
		e.filtered = make([]float64, len(x))
	}
	y := e.filtered[:len(x)]
	prevX, prevY := e.prevX, e.prevY
	for i, s := range x {
		prevY = e.alpha * (prevY + s - prevX)
		prevX = s
		y[i] = prevY
	}
	e.prevX, e.prevY = prevX, prevY
	return y
}

// BandEnergyRatio estimates the power spectral density of f with Welch's
// method and returns the share of power inside [minHz, maxHz]. Segments are
// Hann-windowed, overlap by half and are zero-padded when the frame is
// shorter than the segment. A frame without power yields 0.
func (e *Extractor) BandEnergyRatio(f audio.Frame, minHz, maxHz float64, segmentSize int) float64 {
	x := f.Samples
	if len(x) == 0 || f.SampleRate <= 0 {
		return 0
	}
	n := min(segmentSize, nextPow2(len(x)))
	if n < 2 {
		return 0
	}
	plan, win, err := e.prepare(n)
	if err != nil {
		return 0
	}

	bins := n/2 + 1
	psd := e.psd[:bins]
	clear(psd)
	// Frames shorter than a segment yield one zero-padded segment; longer
	// frames are covered by full segments only.
	hop := n / 2
	segments := 0
	for start := 0; start == 0 || start+n <= len(x); start += hop {
		seg := e.seg[:n]
		clear(seg)
		copy(seg, x[start:min(start+n, len(x))])
		vecmath.MulBlockInPlace(seg, win)

		for i, v := range seg {
			e.in[i] = complex(v, 0)
		}
		if err := plan.Forward(e.out, e.in); err != nil {
			return 0
		}
		for k := range bins {
			e.re[k] = real(e.out[k])
			e.im[k] = imag(e.out[k])
		}
		vecmath.Power(e.pow[:bins], e.re[:bins], e.im[:bins])
		vecmath.AddBlockInPlace(psd, e.pow[:bins])
		segments++
	}

	vecmath.ScaleBlockInPlace(psd, 1/float64(segments))

	// One-sided spectrum: every bin except DC and Nyquist folds in its
	// negative-frequency mirror.
	for k := 1; k < bins-1; k++ {
		psd[k] *= 2
	}

	total := vecmath.Sum(psd)
	if !(total > 0) || math.IsInf(total, 0) {
		return 0
	}
	binHz := float64(f.SampleRate) / float64(n)
	var band float64
	for k, p := range psd {
		hz := float64(k) * binHz
		if hz >= minHz && hz <= maxHz {
			band += p
		}
	}
	ratio := band / total
	if math.IsNaN(ratio) {
		return 0
	}
	return min(max(ratio, 0), 1)
}

// prepare returns the cached FFT plan and periodic Hann window for segment
// length n and sizes the scratch buffers.
func (e *Extractor) prepare(n int) (*algofft.Plan[complex128], []float64, error) {
	plan, ok := e.plans[n]
	if !ok {
		var err error
		plan, err = algofft.NewPlan64(n)
		if err != nil {
			return nil, nil, err
		}
		win, err := window.Hann(n, window.WithPeriodic())
		if err != nil {
			return nil, nil, err
		}
		e.plans[n] = plan
		e.windows[n] = win
	}
	if cap(e.seg) < n {
		e.seg = make([]float64, n)
		e.in = make([]complex128, n)
		e.out = make([]complex128, n)
		e.re = make([]float64, n)
		e.im = make([]float64, n)
		e.pow = make([]float64, n)
		e.psd = make([]float64, n)
	}
	e.in, e.out = e.in[:n], e.out[:n]
	return plan, e.windows[n], nil
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

package clap

import (
	"math"
	"slices"
	"time"

	"github.com/goccmack/godsp"
)

// DefaultSuggestedThreshold is returned as the suggestion when calibration
// collected no samples.
const DefaultSuggestedThreshold = 0.1

// CalibrationResult summarises the loudness observed during calibration.
// Applying SuggestedThreshold is the caller's decision.
type CalibrationResult struct {
	Min                float64       `json:"min"`
	Max                float64       `json:"max"`
	Mean               float64       `json:"mean"`
	StdDev             float64       `json:"std_dev"`
	SuggestedThreshold float64       `json:"suggested_threshold"`
	Samples            int           `json:"samples"`
	Duration           time.Duration `json:"duration"`
}

// Summarize computes the calibration statistics of samples. The suggested
// threshold is the nearest-rank 95th percentile. Without samples it returns
// the neutral default.
func Summarize(samples []float64) CalibrationResult {
	if len(samples) == 0 {
		return CalibrationResult{SuggestedThreshold: DefaultSuggestedThreshold}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	mean := godsp.Average(sorted)
	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}

	return CalibrationResult{
		Min:                sorted[0],
		Max:                godsp.Max(sorted),
		Mean:               mean,
		StdDev:             math.Sqrt(sq / float64(len(sorted))),
		SuggestedThreshold: percentile(sorted, 95),
		Samples:            len(sorted),
	}
}

// percentile returns the nearest-rank p-th percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

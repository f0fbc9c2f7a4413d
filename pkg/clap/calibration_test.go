package clap

import (
	"math"
	"testing"
)

func TestSummarize_Example(t *testing.T) {
	t.Parallel()

	res := Summarize([]float64{0.1, 0.1, 0.1, 0.9})
	if res.Min != 0.1 || res.Max != 0.9 {
		t.Errorf("min/max = %v/%v, want 0.1/0.9", res.Min, res.Max)
	}
	if math.Abs(res.Mean-0.3) > 1e-9 {
		t.Errorf("mean = %v, want 0.3", res.Mean)
	}
	if math.Abs(res.StdDev-math.Sqrt(0.12)) > 1e-9 {
		t.Errorf("stddev = %v, want %v", res.StdDev, math.Sqrt(0.12))
	}
	if res.SuggestedThreshold != 0.9 {
		t.Errorf("suggested threshold = %v, want 0.9", res.SuggestedThreshold)
	}
	if res.Samples != 4 {
		t.Errorf("samples = %d, want 4", res.Samples)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	res := Summarize(nil)
	if res.SuggestedThreshold != DefaultSuggestedThreshold || res.Samples != 0 {
		t.Errorf("Summarize(nil) = %+v, want neutral default", res)
	}
}

func TestSummarize_DoesNotReorderInput(t *testing.T) {
	t.Parallel()

	in := []float64{0.5, 0.1, 0.3}
	Summarize(in)
	if in[0] != 0.5 || in[1] != 0.1 || in[2] != 0.3 {
		t.Errorf("input reordered: %v", in)
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	t.Parallel()

	sorted := make([]float64, 100)
	for i := range sorted {
		sorted[i] = float64(i + 1)
	}
	tests := []struct {
		p    float64
		want float64
	}{
		{95, 95},
		{50, 50},
		{100, 100},
		{0, 1},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

package clap

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the detector tuning. The zero value is invalid; start from
// [DefaultConfig].
type Config struct {
	// LoudnessThreshold is the minimum RMS loudness (0–1) of a clap frame.
	LoudnessThreshold float64 `json:"loudness_threshold"`

	// BandRatioThreshold is the minimum fraction (0–1) of spectral power that
	// must fall inside [BandMinHz, BandMaxHz].
	BandRatioThreshold float64 `json:"band_ratio_threshold"`

	BandMinHz float64 `json:"band_min_hz"`
	BandMaxHz float64 `json:"band_max_hz"`

	// MinClapInterval and MaxClapInterval bound the gap between the two
	// claps of a double clap.
	MinClapInterval time.Duration `json:"min_clap_interval"`
	MaxClapInterval time.Duration `json:"max_clap_interval"`

	// IntraClapRefractory is the minimum gap for two candidates to count as
	// distinct claps rather than one sustained sound.
	IntraClapRefractory time.Duration `json:"intra_clap_refractory"`

	// Cooldown is the minimum time after an accepted double clap before
	// another can fire.
	Cooldown time.Duration `json:"cooldown"`

	// HighPassCutoffHz enables single-pole pre-emphasis before the loudness
	// measurement. Zero disables the filter.
	HighPassCutoffHz float64 `json:"highpass_cutoff_hz"`

	// SegmentSize is the Welch segment length. Must be a power of two.
	SegmentSize int `json:"segment_size"`
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		LoudnessThreshold:   0.5,
		BandRatioThreshold:  0.3,
		BandMinHz:           2000,
		BandMaxHz:           4000,
		MinClapInterval:     100 * time.Millisecond,
		MaxClapInterval:     500 * time.Millisecond,
		IntraClapRefractory: 50 * time.Millisecond,
		Cooldown:            time.Second,
		HighPassCutoffHz:    0,
		SegmentSize:         512,
	}
}

// Validate checks the configuration invariants and returns every violation
// joined together, wrapped in [ErrInvalidConfig]. Returns nil if valid.
func (c Config) Validate() error {
	var errs []error

	if c.LoudnessThreshold < 0 || c.LoudnessThreshold > 1 {
		errs = append(errs, fmt.Errorf("loudness_threshold %v must be within [0, 1]", c.LoudnessThreshold))
	}
	if c.BandRatioThreshold < 0 || c.BandRatioThreshold > 1 {
		errs = append(errs, fmt.Errorf("band_ratio_threshold %v must be within [0, 1]", c.BandRatioThreshold))
	}
	if c.BandMinHz < 0 {
		errs = append(errs, fmt.Errorf("band_min_hz %v must not be negative", c.BandMinHz))
	}
	if c.BandMinHz >= c.BandMaxHz {
		errs = append(errs, fmt.Errorf("band_min_hz %v must be below band_max_hz %v", c.BandMinHz, c.BandMaxHz))
	}
	if c.MinClapInterval <= 0 {
		errs = append(errs, fmt.Errorf("min_clap_interval %v must be positive", c.MinClapInterval))
	}
	if c.MinClapInterval >= c.MaxClapInterval {
		errs = append(errs, fmt.Errorf("min_clap_interval %v must be below max_clap_interval %v", c.MinClapInterval, c.MaxClapInterval))
	}
	if c.IntraClapRefractory <= 0 {
		errs = append(errs, fmt.Errorf("intra_clap_refractory %v must be positive", c.IntraClapRefractory))
	}
	if c.IntraClapRefractory >= c.MinClapInterval {
		errs = append(errs, fmt.Errorf("intra_clap_refractory %v must be below min_clap_interval %v", c.IntraClapRefractory, c.MinClapInterval))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("cooldown %v must be positive", c.Cooldown))
	}
	if c.HighPassCutoffHz < 0 {
		errs = append(errs, fmt.Errorf("highpass_cutoff_hz %v must not be negative", c.HighPassCutoffHz))
	}
	if c.SegmentSize < 2 || c.SegmentSize&(c.SegmentSize-1) != 0 {
		errs = append(errs, fmt.Errorf("segment_size %d must be a power of two >= 2", c.SegmentSize))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/clapper/pkg/clap"
)

// Duration is a [time.Duration] that encodes as a Go duration string
// ("150ms") and decodes from either such a string or a number of seconds.
type Duration time.Duration

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements [json.Unmarshaler].
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// settings is the JSON form of [clap.Config] used by /api/config.
type settings struct {
	LoudnessThreshold   float64  `json:"loudness_threshold"`
	BandRatioThreshold  float64  `json:"band_ratio_threshold"`
	BandMinHz           float64  `json:"band_min_hz"`
	BandMaxHz           float64  `json:"band_max_hz"`
	MinClapInterval     Duration `json:"min_clap_interval"`
	MaxClapInterval     Duration `json:"max_clap_interval"`
	IntraClapRefractory Duration `json:"intra_clap_refractory"`
	Cooldown            Duration `json:"cooldown"`
	HighPassCutoffHz    float64  `json:"highpass_cutoff_hz"`
	SegmentSize         int      `json:"segment_size"`
}

func settingsFrom(c clap.Config) settings {
	return settings{
		LoudnessThreshold:   c.LoudnessThreshold,
		BandRatioThreshold:  c.BandRatioThreshold,
		BandMinHz:           c.BandMinHz,
		BandMaxHz:           c.BandMaxHz,
		MinClapInterval:     Duration(c.MinClapInterval),
		MaxClapInterval:     Duration(c.MaxClapInterval),
		IntraClapRefractory: Duration(c.IntraClapRefractory),
		Cooldown:            Duration(c.Cooldown),
		HighPassCutoffHz:    c.HighPassCutoffHz,
		SegmentSize:         c.SegmentSize,
	}
}

func (s settings) config() clap.Config {
	return clap.Config{
		LoudnessThreshold:   s.LoudnessThreshold,
		BandRatioThreshold:  s.BandRatioThreshold,
		BandMinHz:           s.BandMinHz,
		BandMaxHz:           s.BandMaxHz,
		MinClapInterval:     time.Duration(s.MinClapInterval),
		MaxClapInterval:     time.Duration(s.MaxClapInterval),
		IntraClapRefractory: time.Duration(s.IntraClapRefractory),
		Cooldown:            time.Duration(s.Cooldown),
		HighPassCutoffHz:    s.HighPassCutoffHz,
		SegmentSize:         s.SegmentSize,
	}
}

// calibration is the JSON form of [clap.CalibrationResult].
type calibration struct {
	Min                float64  `json:"min"`
	Max                float64  `json:"max"`
	Mean               float64  `json:"mean"`
	StdDev             float64  `json:"std_dev"`
	SuggestedThreshold float64  `json:"suggested_threshold"`
	Samples            int      `json:"samples"`
	Duration           Duration `json:"duration"`
	Applied            bool     `json:"applied"`
}

func calibrationFrom(r clap.CalibrationResult) calibration {
	return calibration{
		Min:                r.Min,
		Max:                r.Max,
		Mean:               r.Mean,
		StdDev:             r.StdDev,
		SuggestedThreshold: r.SuggestedThreshold,
		Samples:            r.Samples,
		Duration:           Duration(r.Duration),
	}
}

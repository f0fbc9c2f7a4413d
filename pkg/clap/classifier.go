package clap

// IsClap applies the two-stage classifier to fs. Both gates must hold: the
// frame must be at least as loud as the loudness threshold, and its band
// energy ratio must reach the band ratio threshold. A FeatureSet whose
// spectral stage was skipped is never a clap.
func IsClap(fs FeatureSet, cfg Config) bool {
	if fs.Loudness < cfg.LoudnessThreshold {
		return false
	}
	if !fs.Spectral {
		return false
	}
	return fs.BandEnergyRatio >= cfg.BandRatioThreshold
}

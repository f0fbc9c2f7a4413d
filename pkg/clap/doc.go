// Package clap implements the clap event detection engine: per-frame feature
// extraction, the two-stage clap classifier, the double-clap state machine
// and the calibration estimator, tied together by [Engine].
//
// The engine consumes frames from any [audio.Device]. Feature extraction,
// classification and the state machine run inline on a single audio
// goroutine; subscriber callbacks registered with [Engine.OnLoudness],
// [Engine.OnClapCandidate] and [Engine.OnDoubleClap] are invoked on a
// separate dispatcher goroutine so a slow or panicking consumer never stalls
// audio processing.
//
// All timestamps are monotonic offsets from stream start, derived from the
// sample count of the incoming frames.
package clap

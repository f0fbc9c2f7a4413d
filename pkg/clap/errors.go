package clap

import "errors"

var (
	// ErrDeviceUnavailable is returned by [Engine.Start] when the frame source
	// cannot be acquired. The engine remains stopped.
	ErrDeviceUnavailable = errors.New("clap: device unavailable")

	// ErrInvalidConfig is returned by [Engine.Configure] and [Config.Validate]
	// when a configuration violates its invariants. The prior config is kept.
	ErrInvalidConfig = errors.New("clap: invalid config")

	// ErrConsumerCallbackFailed wraps a panic raised by a subscriber callback.
	// It is logged and counted, never propagated into the audio path.
	ErrConsumerCallbackFailed = errors.New("clap: consumer callback failed")

	// ErrPipelineFault is the single fatal condition: a panic inside feature
	// extraction, classification or the state machine. The engine releases
	// the device, stops, and reports the fault through [Engine.Err].
	ErrPipelineFault = errors.New("clap: pipeline fault")

	// ErrNoDevice is returned when an operation needs a device but none was
	// supplied and no default is known.
	ErrNoDevice = errors.New("clap: no device")

	// ErrCalibrationInProgress is returned by [Engine.Calibrate] while
	// another calibration is running.
	ErrCalibrationInProgress = errors.New("clap: calibration in progress")

	// ErrCalibrationInterrupted is returned by [Engine.Calibrate] when the
	// session it observes stops or ends before the duration has passed.
	ErrCalibrationInterrupted = errors.New("clap: calibration interrupted")
)

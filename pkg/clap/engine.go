package clap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/clapper/pkg/audio"
)

// maxCalibrationSamples bounds the loudness values kept by one calibration.
const maxCalibrationSamples = 1 << 16

// Option is a functional option for [NewEngine].
type Option func(*Engine)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTelemetry sets the telemetry sink. Defaults to a no-op.
func WithTelemetry(t Telemetry) Option {
	return func(e *Engine) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithDevice sets the default device used by [Engine.Start] with a nil
// device and by [Engine.Calibrate] on a stopped engine.
func WithDevice(d audio.Device) Option {
	return func(e *Engine) { e.device = d }
}

// WithDevices sets the devices reported by [Engine.Devices].
func WithDevices(ds ...audio.Device) Option {
	return func(e *Engine) { e.devices = append(e.devices, ds...) }
}

// WithConfig sets the initial detector configuration. An invalid config
// makes [NewEngine] fail.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.initial = &c }
}

// WithEndHandler registers fn to run when a session ends without a call to
// [Engine.Stop]: the stream closed (nil error) or a pipeline fault occurred.
// fn runs on its own goroutine after the device was released.
func WithEndHandler(fn func(device audio.DeviceInfo, cause error)) Option {
	return func(e *Engine) { e.onEnd = fn }
}

// Engine runs the detection pipeline on frames from an [audio.Device].
// All methods are safe for concurrent use.
type Engine struct {
	log       *slog.Logger
	telemetry Telemetry
	initial   *Config

	cfg       atomic.Pointer[Config]
	obs       observers
	detector  *Detector
	level     atomic.Uint64
	lastFrame atomic.Int64 // unix nanoseconds
	calib     atomic.Pointer[calibration]

	// processHook, when set, runs before every frame. Tests use it to
	// inject pipeline faults.
	processHook func(audio.Frame)

	onEnd func(audio.DeviceInfo, error)

	mu      sync.Mutex
	sess    *session
	device  audio.Device
	devices []audio.Device
	fault   error
}

// session is one Start/Stop lifetime.
type session struct {
	device audio.Device
	stream audio.Stream
	cancel context.CancelFunc
	done   chan struct{}
	disp   *dispatcher

	// calibrating marks a session opened by Calibrate. Guarded by e.mu.
	calibrating bool
}

// calibration collects loudness values on the audio goroutine.
type calibration struct {
	mu      sync.Mutex
	samples []float64

	stopped chan struct{}
	once    sync.Once
}

func newCalibration() *calibration {
	return &calibration{samples: make([]float64, 0, 256), stopped: make(chan struct{})}
}

func (c *calibration) add(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) < maxCalibrationSamples {
		c.samples = append(c.samples, v)
	}
}

func (c *calibration) interrupt() {
	c.once.Do(func() { close(c.stopped) })
}

// NewEngine returns a stopped Engine configured with [DefaultConfig] unless
// [WithConfig] says otherwise.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		log:       slog.Default(),
		telemetry: noopTelemetry{},
		detector:  NewDetector(),
	}
	for _, o := range opts {
		o(e)
	}
	cfg := DefaultConfig()
	if e.initial != nil {
		cfg = *e.initial
	}
	if err := e.Configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Configure validates cfg and swaps it in atomically. It takes effect on the
// next processed frame. On error the prior config is kept.
func (e *Engine) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(&cfg)
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// Start opens d and begins processing its frames. A nil d selects the
// default device. Start is a no-op while running, except that a session
// opened by [Engine.Calibrate] is taken over and keeps running after the
// calibration. If the device cannot be opened the error wraps
// [ErrDeviceUnavailable] and the engine stays stopped.
func (e *Engine) Start(ctx context.Context, d audio.Device) error {
	_, err := e.start(ctx, d, false)
	return err
}

// start returns the session it opened, or nil when one was already running.
func (e *Engine) start(ctx context.Context, d audio.Device, calibrating bool) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.sess; s != nil {
		if s.calibrating && !calibrating {
			s.calibrating = false
			e.log.Info("clap: calibration session kept for listening", "device", s.device.Info().Name)
		}
		return nil, nil
	}
	if d == nil {
		d = e.device
	}
	if d == nil {
		return nil, ErrNoDevice
	}

	name := d.Info().Name
	stream, err := d.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, name, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		device: d,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
		disp:   newDispatcher(&e.obs, e.log, e.telemetry),

		calibrating: calibrating,
	}
	e.sess = s
	e.device = d
	e.fault = nil
	e.detector.Reset()
	e.level.Store(0)
	e.lastFrame.Store(time.Now().UnixNano())
	e.telemetry.RecordStreamActive(ctx, 1)

	go e.loop(loopCtx, s)

	e.log.Info("clap: engine started", "device", name, "calibration", calibrating)
	return s, nil
}

// Stop halts frame processing, then releases the device. In-flight
// subscriber callbacks may finish, but no frame is processed after Stop
// returns. Stop is a no-op when not running.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

// stopCalibration stops s if it is still the calibration's own session.
func (e *Engine) stopCalibration(s *session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != s || !s.calibrating {
		return nil
	}
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	s := e.sess
	if s == nil {
		return nil
	}
	e.sess = nil
	s.cancel()
	<-s.done
	err := e.release(s)
	e.log.Info("clap: engine stopped", "device", s.device.Info().Name)
	if err != nil {
		return fmt.Errorf("clap: stop: %w", err)
	}
	return nil
}

// release closes the session's stream and dispatcher and interrupts a
// running calibration. Callers hold e.mu and have already cleared e.sess.
func (e *Engine) release(s *session) error {
	if c := e.calib.Load(); c != nil {
		c.interrupt()
	}
	err := s.stream.Close()
	go audio.DrainFrames(s.stream)
	s.disp.close()
	e.detector.Reset()
	e.telemetry.RecordStreamActive(context.Background(), -1)
	return err
}

// SetDevice replaces the default device used by Start with a nil device. A
// running session keeps its device until it stops.
func (e *Engine) SetDevice(d audio.Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device = d
}

// Running reports whether the engine is processing frames.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

// Listening reports whether the engine runs a session started by
// [Engine.Start]. A session opened only for calibration does not count.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil && !e.sess.calibrating
}

// Err returns the pipeline fault that stopped the engine, if any. It is
// cleared by the next successful Start.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fault
}

// Level returns the loudness of the most recently processed frame.
func (e *Engine) Level() float64 {
	return math.Float64frombits(e.level.Load())
}

// LastFrame returns when the current or most recent session last received a
// frame, or when it started if none arrived yet. Zero before the first Start.
func (e *Engine) LastFrame() time.Time {
	ns := e.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Devices returns the capability list of the known devices.
func (e *Engine) Devices() []audio.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]audio.DeviceInfo, 0, len(e.devices)+1)
	seen := false
	for _, d := range e.devices {
		if d == e.device {
			seen = true
		}
		infos = append(infos, d.Info())
	}
	if e.device != nil && !seen {
		infos = append(infos, e.device.Info())
	}
	return infos
}

// OnLoudness registers fn for every processed frame's loudness. Level
// notifications are dropped rather than queued when the subscriber side
// falls behind. The returned function unregisters fn.
func (e *Engine) OnLoudness(fn func(Level)) (unsubscribe func()) {
	return e.obs.levels.add(fn)
}

// OnClapCandidate registers fn for every frame classified as a clap.
func (e *Engine) OnClapCandidate(fn func(Candidate)) (unsubscribe func()) {
	return e.obs.candidates.add(fn)
}

// OnDoubleClap registers fn for every accepted double clap.
func (e *Engine) OnDoubleClap(fn func(DoubleClap)) (unsubscribe func()) {
	return e.obs.doubles.add(fn)
}

// Calibrate observes the loudness of every processed frame for d and
// returns its statistics. A stopped engine is started on its default device
// for the duration and stopped again afterwards, unless [Engine.Start] took
// the session over in the meantime. Only one calibration runs at a time. If
// the session ends before d has passed the error wraps
// [ErrCalibrationInterrupted]. The live config is not modified.
func (e *Engine) Calibrate(ctx context.Context, d time.Duration) (CalibrationResult, error) {
	if d <= 0 {
		return CalibrationResult{}, fmt.Errorf("clap: calibrate: duration %v must be positive", d)
	}

	c := newCalibration()
	if !e.calib.CompareAndSwap(nil, c) {
		return CalibrationResult{}, ErrCalibrationInProgress
	}
	defer e.calib.CompareAndSwap(c, nil)

	s, err := e.start(ctx, nil, true)
	if err != nil {
		return CalibrationResult{}, fmt.Errorf("clap: calibrate: %w", err)
	}
	if s != nil {
		defer func() {
			if err := e.stopCalibration(s); err != nil {
				e.log.Warn("clap: calibrate: stop after calibration", "error", err)
			}
		}()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stopped:
		return CalibrationResult{}, ErrCalibrationInterrupted
	case <-ctx.Done():
		return CalibrationResult{}, fmt.Errorf("clap: calibrate: %w", ctx.Err())
	}
	e.calib.CompareAndSwap(c, nil)

	c.mu.Lock()
	res := Summarize(c.samples)
	c.mu.Unlock()
	res.Duration = d

	e.log.Info("clap: calibration complete",
		"samples", res.Samples,
		"suggested_threshold", res.SuggestedThreshold,
	)
	return res, nil
}

// loop is the audio goroutine. Feature extraction, classification and the
// state machine run inline here.
func (e *Engine) loop(ctx context.Context, s *session) {
	ext := NewExtractor()
	var err error
	defer func() {
		close(s.done)
		if ctx.Err() == nil {
			// The loop ended on its own: stream closed or pipeline fault.
			go e.terminate(s, err)
		}
	}()

	frames := s.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if err = e.process(ctx, ext, s.disp, f); err != nil {
				return
			}
		}
	}
}

// terminate tears a self-ended session down unless Stop already did, then
// reports the end to the handler set with [WithEndHandler].
func (e *Engine) terminate(s *session, cause error) {
	if !e.end(s, cause) {
		return
	}
	if e.onEnd != nil {
		e.onEnd(s.device.Info(), cause)
	}
}

func (e *Engine) end(s *session, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != s {
		return false
	}
	e.sess = nil
	e.fault = cause
	if err := e.release(s); err != nil {
		e.log.Warn("clap: release device", "error", err)
	}
	name := s.device.Info().Name
	if cause != nil {
		e.log.Error("clap: engine stopped by pipeline fault", "device", name, "error", cause)
		return true
	}
	e.log.Info("clap: audio stream ended", "device", name)
	return true
}

// process runs one frame through the pipeline. A panic is converted into
// ErrPipelineFault.
func (e *Engine) process(ctx context.Context, ext *Extractor, disp *dispatcher, f audio.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPipelineFault, r)
		}
	}()

	start := time.Now()
	e.lastFrame.Store(start.UnixNano())
	if e.processHook != nil {
		e.processHook(f)
	}
	cfg := e.cfg.Load()

	fs := ext.Extract(f, *cfg)
	e.level.Store(math.Float64bits(fs.Loudness))
	if c := e.calib.Load(); c != nil {
		c.add(fs.Loudness)
	}
	disp.publishLevel(Level{Timestamp: f.Timestamp, Loudness: fs.Loudness})

	if IsClap(fs, *cfg) {
		c := Candidate{Timestamp: f.Timestamp, Loudness: fs.Loudness}
		e.telemetry.RecordClapCandidate(ctx)
		disp.publishCandidate(c)

		if ev, ok := e.detector.Process(c, *cfg); ok {
			e.telemetry.RecordDoubleClap(ctx)
			e.log.Info("clap: double clap detected",
				"timestamp", ev.Timestamp,
				"interval", ev.Interval,
				"loudness", ev.Loudness,
			)
			disp.publishDoubleClap(ev)
		}
	}

	e.telemetry.RecordFrame(ctx, time.Since(start), fs.Loudness)
	return nil
}

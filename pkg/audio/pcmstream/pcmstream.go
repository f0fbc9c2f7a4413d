// Package pcmstream provides an [audio.Device] backed by a raw PCM byte
// stream: either the standard output of an external capture command such as
// `arecord -q -t raw -f S16_LE -c 1 -r 44100` or an arbitrary [io.Reader].
//
// Input is signed 16-bit little-endian interleaved PCM. The stream cuts it
// into fixed-size frames, downmixes to mono and stamps every frame with a
// monotonic timestamp derived from the sample count.
package pcmstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/MrWong99/clapper/pkg/audio"
)

// Defaults mirror a typical USB microphone capture.
const (
	DefaultSampleRate = 44100
	DefaultChannels   = 1
	DefaultFrameSize  = 2048

	frameBuffer = 32
)

// Option configures a [Device].
type Option func(*Device)

// WithFormat sets the PCM sample rate and channel count of the input.
func WithFormat(f audio.Format) Option {
	return func(d *Device) {
		if f.SampleRate > 0 {
			d.format.SampleRate = f.SampleRate
		}
		if f.Channels > 0 {
			d.format.Channels = f.Channels
		}
	}
}

// WithFrameSize sets the number of mono samples per emitted frame.
func WithFrameSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.frameSize = n
		}
	}
}

// WithName overrides the device name reported by [Device.Info].
func WithName(name string) Option {
	return func(d *Device) {
		if name != "" {
			d.name = name
		}
	}
}

// Device is an [audio.Device] reading PCM from a command or reader.
type Device struct {
	name      string
	kind      string
	format    audio.Format
	frameSize int
	open      func(ctx context.Context) (io.ReadCloser, error)
}

// NewCommand returns a Device that runs argv on every Open and captures its
// standard output. The process is killed when the stream is closed.
func NewCommand(argv []string, opts ...Option) (*Device, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("pcmstream: capture command must not be empty")
	}
	args := append([]string(nil), argv...)
	d := newDevice(strings.Join(args, " "), "command", opts)
	d.open = func(context.Context) (io.ReadCloser, error) {
		return startCommand(args)
	}
	return d, nil
}

// NewReader returns a Device that streams from r. The reader can only be
// consumed once; a second Open fails after the first stream reached EOF.
func NewReader(name string, r io.Reader, opts ...Option) *Device {
	d := newDevice(name, "reader", opts)
	var once sync.Once
	d.open = func(context.Context) (io.ReadCloser, error) {
		var rc io.ReadCloser
		once.Do(func() {
			if c, ok := r.(io.ReadCloser); ok {
				rc = c
			} else {
				rc = io.NopCloser(r)
			}
		})
		if rc == nil {
			return nil, errors.New("pcmstream: reader already consumed")
		}
		return rc, nil
	}
	return d
}

func newDevice(name, kind string, opts []Option) *Device {
	d := &Device{
		name:      name,
		kind:      kind,
		format:    audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels},
		frameSize: DefaultFrameSize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Info implements [audio.Device].
func (d *Device) Info() audio.DeviceInfo {
	return audio.DeviceInfo{
		Name:       d.name,
		Kind:       d.kind,
		SampleRate: d.format.SampleRate,
		Channels:   d.format.Channels,
	}
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := d.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("pcmstream: open %q: %w", d.name, err)
	}
	s := &stream{
		src:    rc,
		frames: make(chan audio.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop(d.format, d.frameSize, d.name)
	return s, nil
}

type stream struct {
	src       io.ReadCloser
	frames    chan audio.Frame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

// Close stops the read loop and releases the source. A reader that cannot be
// interrupted keeps the loop alive until its next read returns, but the loop
// never blocks on a send once Close has been called.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.src.Close()
	})
	return s.closeErr
}

func (s *stream) readLoop(f audio.Format, frameSize int, name string) {
	defer close(s.frames)

	channels := max(f.Channels, 1)
	buf := make([]byte, frameSize*channels*2)
	clock := audio.Clock{SampleRate: f.SampleRate}

	for {
		_, err := io.ReadFull(s.src, buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Info("pcmstream: end of input", "device", name)
				} else {
					slog.Warn("pcmstream: read failed", "device", name, "error", err)
				}
			}
			return
		}

		samples := audio.Downmix(audio.PCM16ToFloat(buf), channels)
		frame := audio.Frame{
			Samples:    samples,
			SampleRate: f.SampleRate,
			Timestamp:  clock.Next(len(samples)),
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// cmdReader couples a running capture process with its stdout pipe.
type cmdReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func startCommand(argv []string) (*cmdReader, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdReader{ReadCloser: out, cmd: cmd}, nil
}

// Close kills the capture process and reaps it.
func (c *cmdReader) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.ReadCloser.Close()
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed on purpose.
		return nil
	}
	return err
}

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

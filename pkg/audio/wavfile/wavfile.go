// Package wavfile provides an [audio.Device] that replays a WAV recording.
//
// The file is decoded with go-audio/wav on every Open, downmixed to mono and
// cut into fixed-size frames. In realtime mode frames are paced at the
// recording's sample rate so interval logic behaves as it would live;
// otherwise frames are emitted as fast as the consumer reads them. Timestamps
// are always derived from the sample count.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/clapper/pkg/audio"
)

// DefaultFrameSize is the number of mono samples per emitted frame.
const DefaultFrameSize = 2048

const frameBuffer = 32

// ErrInvalidFile is returned by Open when the path is not a readable PCM WAV.
var ErrInvalidFile = errors.New("wavfile: not a valid PCM WAV file")

// Option configures a [Device].
type Option func(*Device)

// WithFrameSize sets the number of mono samples per frame.
func WithFrameSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.frameSize = n
		}
	}
}

// WithRealtime paces frame delivery at the recording's sample rate.
func WithRealtime(on bool) Option {
	return func(d *Device) { d.realtime = on }
}

// WithLoop restarts playback from the beginning at end of file.
func WithLoop(on bool) Option {
	return func(d *Device) { d.loop = on }
}

// Device replays a WAV file.
type Device struct {
	path      string
	frameSize int
	realtime  bool
	loop      bool

	mu     sync.Mutex
	format audio.Format
}

// New returns a Device for the WAV file at path. The header is read eagerly
// so [Device.Info] can report the recording's format.
func New(path string, opts ...Option) (*Device, error) {
	d := &Device{path: path, frameSize: DefaultFrameSize}
	for _, o := range opts {
		o(d)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavfile: %q: %w", path, ErrInvalidFile)
	}
	d.format = audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return d, nil
}

// Info implements [audio.Device].
func (d *Device) Info() audio.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return audio.DeviceInfo{
		Name:       d.path,
		Kind:       "wav",
		SampleRate: d.format.SampleRate,
		Channels:   d.format.Channels,
	}
}

// Open implements [audio.Device]. The whole file is decoded up front.
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples, format, err := decode(d.path)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.format = format
	d.mu.Unlock()

	s := &stream{
		frames: make(chan audio.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	go s.play(samples, format.SampleRate, d.frameSize, d.realtime, d.loop)
	return s, nil
}

// decode reads the file at path into mono float samples.
func decode(path string) ([]float64, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	if !wav.NewDecoder(f).IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %q: %w", path, ErrInvalidFile)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: rewind %q: %w", path, err)
	}
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: decode %q: %w", path, err)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	samples := audio.Downmix(audio.IntToFloat(buf.Data, int(dec.BitDepth)), format.Channels)
	return samples, format, nil
}

type stream struct {
	frames    chan audio.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *stream) play(samples []float64, rate, frameSize int, realtime, loop bool) {
	defer close(s.frames)

	clock := audio.Clock{SampleRate: rate}
	var tick <-chan time.Time
	if realtime && rate > 0 {
		t := time.NewTicker(time.Duration(frameSize) * time.Second / time.Duration(rate))
		defer t.Stop()
		tick = t.C
	}

	for {
		for off := 0; off+frameSize <= len(samples); off += frameSize {
			if tick != nil {
				select {
				case <-tick:
				case <-s.done:
					return
				}
			}
			out := make([]float64, frameSize)
			copy(out, samples[off:off+frameSize])
			frame := audio.Frame{
				Samples:    out,
				SampleRate: rate,
				Timestamp:  clock.Next(frameSize),
			}
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
		if !loop || len(samples) < frameSize {
			slog.Debug("wavfile: playback finished")
			return
		}
	}
}

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

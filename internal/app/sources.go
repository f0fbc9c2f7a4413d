package app

import (
	"net/http"
	"sync/atomic"

	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/pkg/audio"
	"github.com/MrWong99/clapper/pkg/audio/pcmstream"
	"github.com/MrWong99/clapper/pkg/audio/wavfile"
	"github.com/MrWong99/clapper/pkg/audio/wsstream"
)

// RegisterBuiltinSources wires the source drivers that ship with clapper into
// reg. Every websocket source created through reg is passed to ingest so its
// handler can be mounted.
func RegisterBuiltinSources(reg *config.Registry, origins []string, ingest func(*wsstream.Device)) {
	reg.RegisterSource(config.SourceCommand, func(e config.SourceEntry) (audio.Device, error) {
		return pcmstream.NewCommand(e.Command,
			pcmstream.WithFormat(audio.Format{SampleRate: e.SampleRate, Channels: e.Channels}),
			pcmstream.WithFrameSize(e.FrameSize),
			pcmstream.WithName(e.Device),
		)
	})

	reg.RegisterSource(config.SourceWAV, func(e config.SourceEntry) (audio.Device, error) {
		return wavfile.New(e.Path,
			wavfile.WithFrameSize(e.FrameSize),
			wavfile.WithRealtime(e.Realtime),
			wavfile.WithLoop(e.Loop),
		)
	})

	reg.RegisterSource(config.SourceWebSocket, func(e config.SourceEntry) (audio.Device, error) {
		name := e.Device
		if name == "" {
			name = "remote"
		}
		d, err := wsstream.New(name,
			wsstream.WithFormat(audio.Format{SampleRate: e.SampleRate, Channels: e.Channels}),
			wsstream.WithEncoding(wsstream.Encoding(e.Encoding)),
			wsstream.WithFrameSize(e.FrameSize),
			wsstream.WithOriginPatterns(origins...),
		)
		if err != nil {
			return nil, err
		}
		if ingest != nil {
			ingest(d)
		}
		return d, nil
	})
}

// ingestSwitch routes /ingest to the current websocket source. It answers
// 404 while the configured source is not a websocket source.
type ingestSwitch struct {
	current atomic.Pointer[wsstream.Device]
}

func (s *ingestSwitch) set(d *wsstream.Device) { s.current.Store(d) }

func (s *ingestSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := s.current.Load()
	if d == nil {
		http.Error(w, "no websocket source configured", http.StatusNotFound)
		return
	}
	d.ServeHTTP(w, r)
}

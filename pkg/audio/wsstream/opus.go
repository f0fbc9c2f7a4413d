package wsstream

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/clapper/pkg/audio"
)

// opusMaxFrameMs is the longest Opus frame duration (120 ms).
const opusMaxFrameMs = 120

// opusRates lists the sample rates libopus can decode to.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// opusDecoder wraps a gopus decoder for a single connection. Each connection
// gets its own decoder to maintain state across consecutive packets.
type opusDecoder struct {
	dec       *gopus.Decoder
	channels  int
	frameSize int
}

func newOpusDecoder(f audio.Format) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("wsstream: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:       dec,
		channels:  f.Channels,
		frameSize: f.SampleRate * opusMaxFrameMs / 1000,
	}, nil
}

// decode turns one Opus packet into mono float samples.
func (d *opusDecoder) decode(packet []byte) ([]float64, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("wsstream: opus decode: %w", err)
	}
	return audio.Downmix(audio.Int16ToFloat(pcm), d.channels), nil
}

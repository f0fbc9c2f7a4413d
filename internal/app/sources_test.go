package app_test

import (
	"testing"

	"github.com/MrWong99/clapper/internal/app"
	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/pkg/audio/wsstream"
)

func TestRegisterBuiltinSources(t *testing.T) {
	t.Parallel()

	var ingested []string
	reg := config.NewRegistry()
	app.RegisterBuiltinSources(reg, nil, func(d *wsstream.Device) {
		ingested = append(ingested, d.Info().Name)
	})

	if got := reg.Sources(); len(got) != 3 {
		t.Fatalf("Sources() = %v, want command, wav and websocket", got)
	}

	tests := []struct {
		name     string
		entry    config.SourceEntry
		wantErr  bool
		wantKind string
	}{
		{
			name:     "command",
			entry:    config.Default().Audio.Source,
			wantKind: "command",
		},
		{
			name:    "command without argv",
			entry:   config.SourceEntry{Name: config.SourceCommand},
			wantErr: true,
		},
		{
			name:    "missing wav",
			entry:   config.SourceEntry{Name: config.SourceWAV, Path: "testdata/missing.wav"},
			wantErr: true,
		},
		{
			name:     "websocket",
			entry:    config.SourceEntry{Name: config.SourceWebSocket, SampleRate: 16000, Channels: 1, Encoding: config.EncodingPCM16},
			wantKind: "websocket",
		},
		{
			name:    "websocket opus at unsupported rate",
			entry:   config.SourceEntry{Name: config.SourceWebSocket, SampleRate: 44100, Channels: 1, Encoding: config.EncodingOpus},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		d, err := reg.CreateSource(tt.entry)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && d.Info().Kind != tt.wantKind {
			t.Errorf("%s: kind = %q, want %q", tt.name, d.Info().Kind, tt.wantKind)
		}
	}

	if len(ingested) != 1 || ingested[0] != "remote" {
		t.Errorf("ingest callback saw %v, want [remote]", ingested)
	}
}

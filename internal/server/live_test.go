package server_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/pkg/audio"
)

type liveMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialLive(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) liveMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var m liveMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func TestLive_StatusThenEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := dialLive(t, f)

	status := readUntil(t, conn, "status")
	if !strings.Contains(string(status.Data), `"listening":false`) {
		t.Errorf("status data = %s", status.Data)
	}

	if _, err := f.events.Append(context.Background(), eventlog.Event{Kind: eventlog.KindAction, Source: "lamp"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	m := readUntil(t, conn, "event")
	var ev eventlog.Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Kind != eventlog.KindAction || ev.Source != "lamp" {
		t.Errorf("event = %+v, want action from lamp", ev)
	}
}

func TestLive_Levels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := dialLive(t, f)
	readUntil(t, conn, "status")

	if err := f.engine.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := f.device.LastStream()
	samples := make([]float64, 512)
	for i := range samples {
		samples[i] = 0.5
	}
	if !stream.Push(audio.Frame{Samples: samples, SampleRate: 44100, Timestamp: 0}) {
		t.Fatal("push failed")
	}

	m := readUntil(t, conn, "level")
	var lvl struct {
		Timestamp float64 `json:"timestamp"`
		Loudness  float64 `json:"loudness"`
	}
	if err := json.Unmarshal(m.Data, &lvl); err != nil {
		t.Fatalf("decode level: %v", err)
	}
	if lvl.Loudness < 0.49 || lvl.Loudness > 0.51 {
		t.Errorf("loudness = %v, want 0.5", lvl.Loudness)
	}
}

func TestLive_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := dialLive(t, f)
	readUntil(t, conn, "status")

	f.srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
			t.Errorf("close status = %v, want StatusGoingAway (err %v)", got, err)
		}
		return
	}
}

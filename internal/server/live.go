package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/clapper/internal/eventlog"
	"github.com/MrWong99/clapper/internal/observe"
	"github.com/MrWong99/clapper/pkg/clap"
)

const (
	liveBuffer       = 64
	liveWriteTimeout = 5 * time.Second
)

// Live feed message types.
const (
	MessageStatus     = "status"
	MessageLevel      = "level"
	MessageClap       = "clap"
	MessageDoubleClap = "double_clap"
	MessageEvent      = "event"
)

// message is one live feed frame.
type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Stream positions are sent as float seconds so browser clients need no
// duration parsing.
type levelMessage struct {
	Timestamp float64 `json:"timestamp"`
	Loudness  float64 `json:"loudness"`
}

type doubleClapMessage struct {
	Timestamp float64   `json:"timestamp"`
	Interval  float64   `json:"interval"`
	Loudness  float64   `json:"loudness"`
	At        time.Time `json:"at"`
}

// liveClient buffers messages for one connection. Producers never block: a
// full buffer drops the message.
type liveClient struct {
	out       chan message
	interval  time.Duration
	lastLevel atomic.Int64
	dropped   atomic.Int64
}

func newLiveClient(interval time.Duration) *liveClient {
	c := &liveClient{out: make(chan message, liveBuffer), interval: interval}
	c.lastLevel.Store(-1)
	return c
}

func (c *liveClient) send(m message) {
	select {
	case c.out <- m:
	default:
		c.dropped.Add(1)
	}
}

// level forwards l unless one was forwarded less than the throttle interval
// earlier in stream time. A timestamp going backwards means the stream was
// restarted and always passes.
func (c *liveClient) level(l clap.Level) {
	ts := int64(l.Timestamp)
	last := c.lastLevel.Load()
	if c.interval > 0 && last >= 0 && ts >= last && ts-last < int64(c.interval) {
		return
	}
	if !c.lastLevel.CompareAndSwap(last, ts) {
		return
	}
	c.send(message{Type: MessageLevel, Data: levelMessage{Timestamp: l.Timestamp.Seconds(), Loudness: l.Loudness}})
}

func (s *Server) subscribe(c *liveClient) (unsubscribe func()) {
	unsubs := []func(){
		s.engine.OnLoudness(c.level),
		s.engine.OnClapCandidate(func(cand clap.Candidate) {
			c.send(message{Type: MessageClap, Data: levelMessage{Timestamp: cand.Timestamp.Seconds(), Loudness: cand.Loudness}})
		}),
		s.engine.OnDoubleClap(func(e clap.DoubleClap) {
			c.send(message{Type: MessageDoubleClap, Data: doubleClapMessage{
				Timestamp: e.Timestamp.Seconds(),
				Interval:  e.Interval.Seconds(),
				Loudness:  e.Loudness,
				At:        e.At,
			}})
		}),
		s.events.Subscribe(func(e eventlog.Event) {
			c.send(message{Type: MessageEvent, Data: e})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// handleLive upgrades to a WebSocket and streams status, levels, clap
// candidates, double claps and history events until the client goes away or
// the server is closed. Client messages are ignored.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("server: live feed accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	c := newLiveClient(s.levelInterval)
	c.send(message{Type: MessageStatus, Data: s.status()})
	unsubscribe := s.subscribe(c)
	defer unsubscribe()

	s.metrics.RecordLiveClient(ctx, 1)
	defer s.metrics.RecordLiveClient(context.WithoutCancel(ctx), -1)
	log.Debug("server: live client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			log.Debug("server: live client disconnected", "remote", r.RemoteAddr, "dropped", c.dropped.Load())
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case m := <-c.out:
			if err := write(ctx, conn, m); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("server: live write failed", "error", err)
				}
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, m message) error {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}

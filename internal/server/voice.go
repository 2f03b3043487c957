package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicesync/internal/session"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

const (
	// outboundBuffer is the number of messages queued for a voice client
	// before it is considered too slow and disconnected.
	outboundBuffer = 256

	writeTimeout = 5 * time.Second
)

// Client → server message types.
const (
	msgRecognition = "recognition"
	msgSinkSignal  = "sink_signal"
	msgSubmit      = "submit"
	msgFlush       = "flush"
	msgStop        = "stop"
	msgReset       = "reset"
)

// inbound is any JSON message a voice client sends. Only the fields relevant
// to Type are set.
type inbound struct {
	Type string `json:"type"`

	// recognition
	stt.RecognitionEvent

	// sink_signal
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`

	// submit
	Text string `json:"text"`
}

// readyMessage is the first message on every voice connection.
type readyMessage struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	ServerRecognition bool   `json:"server_recognition"`
	ServerSynthesis   bool   `json:"server_synthesis"`
}

// ── Connection ───────────────────────────────────────────────────────────────

// voiceConn serialises writes to one WebSocket through a bounded queue. A
// client that cannot keep up is disconnected rather than blocking the
// session.
type voiceConn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan outbound

	closeOnce sync.Once
}

// outbound is a JSON message or, when audio is set, a binary audio frame.
type outbound struct {
	msg   any
	audio []byte
}

func newVoiceConn(ctx context.Context, ws *websocket.Conn) *voiceConn {
	c := &voiceConn{ws: ws, out: make(chan outbound, outboundBuffer)}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// send queues v for the client. It reports false once the connection is
// closing or the queue is full.
func (c *voiceConn) send(v any) bool {
	return c.enqueue(outbound{msg: v})
}

func (c *voiceConn) enqueue(m outbound) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.out <- m:
		return true
	default:
		c.closeSlow()
		return false
	}
}

func (c *voiceConn) closeSlow() {
	c.closeOnce.Do(func() {
		slog.Warn("server: voice client too slow, disconnecting")
		c.cancel()
		go c.ws.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
	})
}

// Write queues p as a binary audio frame. It implements [io.Writer] for
// server-side synthesis.
func (c *voiceConn) Write(p []byte) (int, error) {
	if !c.enqueue(outbound{audio: slices.Clone(p)}) {
		return 0, ErrDisconnected
	}
	return len(p), nil
}

func (c *voiceConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			var err error
			if m.audio != nil {
				err = c.ws.Write(ctx, websocket.MessageBinary, m.audio)
			} else {
				err = wsjson.Write(ctx, c.ws, m.msg)
			}
			cancel()
			if err != nil {
				slog.Debug("server: voice write failed", "err", err)
				c.cancel()
				return
			}
		}
	}
}

// ── Handler ──────────────────────────────────────────────────────────────────

// originPatterns converts allowed origins into host patterns for the
// WebSocket handshake.
func originPatterns(origins []string) []string {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// handleVoice runs one voice session over a WebSocket until either side
// closes it.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		slog.Warn("server: websocket handshake failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer ws.CloseNow()

	conn := newVoiceConn(r.Context(), ws)
	defer conn.cancel()
	go conn.writeLoop()

	if err := s.serveVoice(conn); err != nil {
		slog.Error("server: voice session failed", "err", err)
		ws.Close(websocket.StatusInternalError, "session failed")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) serveVoice(conn *voiceConn) error {
	ctx := conn.ctx

	var (
		sink   tts.Sink
		remote *RemoteSink
	)
	if s.cfg.NewSink != nil {
		var err error
		if sink, err = s.cfg.NewSink(conn); err != nil {
			return fmt.Errorf("server: create speech sink: %w", err)
		}
	} else {
		remote = NewRemoteSink(conn.send)
		sink = remote
	}
	defer func() {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Debug("server: closing speech sink", "err", err)
			}
		}
	}()

	voice, err := s.cfg.Sessions.Open(ctx, sink, session.EmitterFunc(func(e session.Event) { conn.send(e) }))
	if err != nil {
		return fmt.Errorf("server: open voice session: %w", err)
	}
	log := slog.With("session", voice.ID())
	defer func() {
		if err := s.cfg.Sessions.Close(voice.ID()); err != nil {
			log.Warn("server: closing voice session", "err", err)
		}
	}()

	var rec *session.Recognizer
	if s.cfg.STT != nil {
		rec = session.NewRecognizer(session.RecognizerConfig{
			Provider: s.cfg.STT,
			Stream:   s.cfg.Stream,
			OnReconnect: func(attempt int) {
				log.Info("server: recognition stream reopened", "attempt", attempt)
			},
		})
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("server: start recognition: %w", err)
		}
		defer rec.Close()
		go func() {
			if err := voice.Consume(ctx, rec.Events()); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("server: recognition feed ended", "err", err)
			}
		}()
	}

	conn.send(readyMessage{
		Type:              "ready",
		SessionID:         voice.ID(),
		ServerRecognition: rec != nil,
		ServerSynthesis:   remote == nil,
	})
	log.Info("server: voice client connected")

	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("server: voice client disconnected")
			default:
				log.Info("server: voice connection ended", "err", err)
			}
			return nil
		}

		if typ == websocket.MessageBinary {
			if rec == nil {
				conn.send(session.Event{Type: session.EventError, Error: "binary audio needs server-side recognition"})
				continue
			}
			if err := rec.SendAudio(data); err != nil {
				log.Warn("server: forwarding audio failed", "err", err)
			}
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.send(session.Event{Type: session.EventError, Error: "malformed message: " + err.Error()})
			continue
		}
		if err := dispatch(voice, remote, msg); err != nil {
			conn.send(session.Event{Type: session.EventError, Error: err.Error()})
		}
	}
}

// dispatch applies one client message to the session.
func dispatch(voice *session.Voice, remote *RemoteSink, msg inbound) error {
	switch msg.Type {
	case msgRecognition:
		voice.Recognize(msg.RecognitionEvent)
	case msgSinkSignal:
		if remote == nil {
			return errors.New("sink_signal: server performs synthesis")
		}
		kind, err := tts.ParseSignalKind(msg.Kind)
		if err != nil {
			return fmt.Errorf("sink_signal: %w", err)
		}
		sig := tts.Signal{SessionID: msg.SessionID, Sequence: msg.Sequence, Kind: kind}
		if kind == tts.SignalError {
			sig.Err = errors.New(cmp.Or(msg.Error, "client synthesis failed"))
		}
		remote.Deliver(sig)
	case msgSubmit:
		voice.Submit(msg.Text)
	case msgFlush:
		voice.Flush()
	case msgStop:
		voice.Stop()
	case msgReset:
		voice.Reset()
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

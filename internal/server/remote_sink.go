package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// ErrDisconnected is returned by [RemoteSink] once its client is gone.
var ErrDisconnected = errors.New("server: client disconnected")

// speakMessage asks the client to synthesise one chunk.
type speakMessage struct {
	Type string `json:"type"`
	tts.Chunk
}

// cancelMessage asks the client to abort synthesis and drop queued audio.
type cancelMessage struct {
	Type string `json:"type"`
}

// RemoteSink is a [tts.Sink] whose engine runs in the connected client.
// Speak and Cancel become "speak" and "cancel" messages; the client's
// "sink_signal" replies are handed back through [RemoteSink.Deliver].
type RemoteSink struct {
	send func(v any) bool

	mu      sync.Mutex
	closed  bool
	signals chan tts.Signal
}

var _ tts.Sink = (*RemoteSink)(nil)

// NewRemoteSink returns a sink that queues its messages with send. send
// reports false when the client can no longer be reached.
func NewRemoteSink(send func(v any) bool) *RemoteSink {
	return &RemoteSink{send: send, signals: make(chan tts.Signal, 16)}
}

// Speak implements [tts.Sink].
func (s *RemoteSink) Speak(ctx context.Context, c tts.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.send(speakMessage{Type: "speak", Chunk: c}) {
		return ErrDisconnected
	}
	return nil
}

// Cancel implements [tts.Sink].
func (s *RemoteSink) Cancel() error {
	if !s.send(cancelMessage{Type: "cancel"}) {
		return ErrDisconnected
	}
	return nil
}

// Signals implements [tts.Sink].
func (s *RemoteSink) Signals() <-chan tts.Signal { return s.signals }

// Deliver passes a completion signal reported by the client to the
// scheduler. It reports false when the signal was dropped.
func (s *RemoteSink) Deliver(sig tts.Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.signals <- sig:
		return true
	default:
		slog.Warn("server: sink signal dropped", "playback", sig.SessionID, "seq", sig.Sequence)
		return false
	}
}

// Close closes the signal channel. Call it after the session using the
// sink has been closed.
func (s *RemoteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.signals)
	}
	return nil
}

// Package playback drives a speech synthesis sink through a strict
// cancel, settle, speak, wait, next-chunk sequence.
//
// Synthesis engines commonly stall on long utterances and silently drop audio
// when a new utterance follows a cancel too closely. The [Scheduler] works
// around both: it splits a response into bounded chunks ([Segment]), cancels
// the sink and waits a settle interval before the first chunk, and only
// dispatches the next chunk once the sink reports the previous one finished.
//
// Each call to [Scheduler.Speak] creates a [Session] that moves through
//
//	Idle → Canceling → Speaking → Completed
//
// with [Scheduler.Stop] leading from Canceling or Speaking to Interrupted.
// Only one session is active at a time; Speak stops the previous one first.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// DefaultSettleInterval is the pause between cancelling the sink and
// dispatching the first chunk.
const DefaultSettleInterval = 100 * time.Millisecond

var (
	// ErrPlayback is matched by every [*PlaybackError].
	ErrPlayback = errors.New("playback: synthesis failed")

	// ErrStopped is returned by [Session.Wait] for an interrupted session.
	ErrStopped = errors.New("playback: stopped")

	// ErrClosed is returned by [Scheduler.Speak] after Close.
	ErrClosed = errors.New("playback: scheduler closed")
)

// PlaybackError reports that the sink failed a chunk. Chunks before Sequence
// were played; the rest were abandoned.
type PlaybackError struct {
	SessionID string
	Sequence  int
	Err       error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: session %s chunk %d: %v", e.SessionID, e.Sequence, e.Err)
}

// Unwrap lets errors.Is match both [ErrPlayback] and the cause.
func (e *PlaybackError) Unwrap() []error { return []error{ErrPlayback, e.Err} }

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithMaxChunkLength sets the chunk length limit in characters.
func WithMaxChunkLength(n int) Option {
	return func(s *Scheduler) {
		s.maxLen = n
	}
}

// WithSettleInterval sets the wait after the pre-speak cancel. Zero keeps the
// Canceling phase but does not wait.
func WithSettleInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.settle = d
	}
}

// WithNoSplit sets a pattern whose matches are never split across chunks.
func WithNoSplit(re *regexp.Regexp) Option {
	return func(s *Scheduler) {
		s.noSplit = re
	}
}

// WithTransitionHook registers fn to observe every state change. fn runs
// synchronously and in order; it may read the session but must not call Stop
// or Speak.
func WithTransitionHook(fn func(id string, from, to State)) Option {
	return func(s *Scheduler) {
		s.onTransition = fn
	}
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler sequences speech chunks onto a [tts.Sink]. It owns the sink's
// signal channel for its lifetime.
type Scheduler struct {
	sink         tts.Sink
	onTransition func(id string, from, to State)
	metrics      *observe.Metrics

	mu      sync.Mutex
	maxLen  int
	settle  time.Duration
	noSplit *regexp.Regexp
	active  *Session
	closed  bool

	quit         chan struct{}
	dispatchDone chan struct{}
}

// New returns a Scheduler for sink and starts routing its signals.
func New(sink tts.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:         sink,
		maxLen:       DefaultMaxChunkLength,
		settle:       DefaultSettleInterval,
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	go s.dispatch()
	return s
}

// Speak stops the active session, if any, and starts speaking text in a new
// session. Cancelling ctx stops the new session like [Scheduler.Stop].
func (s *Scheduler) Speak(ctx context.Context, text string) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sess := newSession(ctx, s, Segment(text, s.maxLen, s.noSplit))
	settle := s.settle
	prev := s.active
	s.active = sess
	s.mu.Unlock()

	if prev != nil && prev.stop() {
		slog.Debug("playback: previous session stopped by new request", "session", prev.id)
	}

	slog.Debug("playback: speak", "session", sess.id, "chunks", len(sess.chunks))
	go sess.run(settle)
	return sess, nil
}

// Stop interrupts the active session. It is a no-op when nothing is active.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		sess.stop()
	}
}

// Active returns the current session, or nil.
func (s *Scheduler) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetSettleInterval changes the settle interval for sessions started
// afterwards.
func (s *Scheduler) SetSettleInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle = d
}

// SetMaxChunkLength changes the chunk length limit for sessions started
// afterwards.
func (s *Scheduler) SetMaxChunkLength(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxLen = n
}

// Close stops the active session and the signal router. Speak fails with
// [ErrClosed] afterwards.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	close(s.quit)
	<-s.dispatchDone
	return nil
}

// dispatch routes sink signals to the active session. Signals for any other
// session, or for a chunk the session is not waiting on, are dropped.
func (s *Scheduler) dispatch() {
	defer close(s.dispatchDone)
	signals := s.sink.Signals()
	for {
		select {
		case <-s.quit:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.mu.Lock()
			sess := s.active
			s.mu.Unlock()

			if sess == nil || sess.id != sig.SessionID || !sess.deliver(sig) {
				slog.Debug("playback: dropping stale signal", "session", sig.SessionID, "seq", sig.Sequence, "kind", sig.Kind.String())
			}
		}
	}
}

package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateCanceling
	StateSpeaking
	StateInterrupted
	StateCompleted
)

// String returns the lower-case state name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCanceling:
		return "canceling"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is Interrupted or Completed.
func (s State) Terminal() bool {
	return s == StateInterrupted || s == StateCompleted
}

// Session is one spoken response.
type Session struct {
	id     string
	chunks []tts.Chunk
	sched  *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	// tmu orders transitions and their hook calls; mu guards the fields.
	tmu        sync.Mutex
	mu         sync.Mutex
	state      State
	current    int
	awaiting   bool
	dispatched int
	err        error

	signals chan tts.Signal
	stopped chan struct{}
	done    chan struct{}
}

func newSession(ctx context.Context, s *Scheduler, chunks []tts.Chunk) *Session {
	id := uuid.NewString()
	for i := range chunks {
		chunks[i].SessionID = id
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:      id,
		chunks:  chunks,
		sched:   s,
		ctx:     sctx,
		cancel:  cancel,
		state:   StateIdle,
		signals: make(chan tts.Signal, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the session identifier carried by its chunks and signals.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dispatched returns how many chunks were handed to the sink.
func (s *Session) Dispatched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched
}

// Chunks returns a copy of the session's chunks.
func (s *Session) Chunks() []tts.Chunk {
	return append([]tts.Chunk(nil), s.chunks...)
}

// PartialFailure reports whether the session completed after a sink error.
func (s *Session) PartialFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCompleted && s.err != nil
}

// Wait blocks until the session ends or ctx is done. It returns nil for a
// fully played session, a [*PlaybackError] after a sink failure and
// [ErrStopped] for an interrupted session.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInterrupted {
		return ErrStopped
	}
	return s.err
}

// run drives the session from Idle to a terminal state.
func (s *Session) run(settle time.Duration) {
	sink := s.sched.sink

	if !s.transition(StateIdle, StateCanceling, nil) {
		return
	}
	if err := sink.Cancel(); err != nil {
		slog.Debug("playback: pre-speak cancel failed", "session", s.id, "err", err)
	}
	if !s.wait(settle) {
		return
	}
	if !s.transition(StateCanceling, StateSpeaking, nil) {
		return
	}

	for i, chunk := range s.chunks {
		// Holding tmu across the check and Speak orders a concurrent stop
		// either before the dispatch or after it, where its Cancel covers
		// the chunk.
		s.tmu.Lock()
		s.mu.Lock()
		if s.state != StateSpeaking {
			s.mu.Unlock()
			s.tmu.Unlock()
			return
		}
		s.current, s.awaiting = i, true
		s.mu.Unlock()
		err := sink.Speak(s.ctx, chunk)
		s.tmu.Unlock()

		if err != nil {
			if s.ctx.Err() != nil {
				s.stop()
				return
			}
			s.fail(i, err)
			return
		}
		s.mu.Lock()
		s.dispatched++
		s.mu.Unlock()
		s.sched.metrics.RecordPlaybackChunk(context.WithoutCancel(s.ctx))

		select {
		case sig := <-s.signals:
			if sig.Kind == tts.SignalError {
				err := sig.Err
				if err == nil {
					err = fmt.Errorf("sink reported %s", sig.Kind)
				}
				s.fail(i, err)
				return
			}
		case <-s.stopped:
			return
		case <-s.ctx.Done():
			s.stop()
			return
		}
	}

	s.transition(StateSpeaking, StateCompleted, nil)
}

// wait sleeps for the settle interval. It returns false if the session was
// stopped meanwhile.
func (s *Session) wait(d time.Duration) bool {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.stopped:
			return false
		case <-s.ctx.Done():
			s.stop()
			return false
		}
	}
	select {
	case <-s.stopped:
		return false
	default:
		return true
	}
}

// deliver hands sig to the session if it is the terminal signal of the chunk
// currently playing. It reports whether the signal was accepted.
func (s *Session) deliver(sig tts.Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSpeaking || !s.awaiting || sig.Sequence != s.current {
		return false
	}
	s.awaiting = false
	s.signals <- sig
	return true
}

// fail ends the session as a partial failure.
func (s *Session) fail(seq int, err error) {
	perr := &PlaybackError{SessionID: s.id, Sequence: seq, Err: err}
	if s.transition(StateSpeaking, StateCompleted, perr) {
		slog.Warn("playback: sink failed, abandoning remaining chunks",
			"session", s.id,
			"seq", seq,
			"remaining", len(s.chunks)-seq-1,
			"err", err,
		)
	}
}

// stop moves a non-terminal session to Interrupted and cancels the sink. It
// reports whether this call performed the transition.
func (s *Session) stop() bool {
	s.tmu.Lock()
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.tmu.Unlock()
		return false
	}
	from := s.state
	s.state = StateInterrupted
	s.awaiting = false
	close(s.stopped)
	s.mu.Unlock()

	s.cancel()
	if err := s.sched.sink.Cancel(); err != nil {
		slog.Debug("playback: cancel on stop failed", "session", s.id, "err", err)
	}
	s.finish(from, StateInterrupted, false)
	s.tmu.Unlock()
	return true
}

// transition moves from → to if the session is still in from. A non-nil err
// is recorded as the session's failure.
func (s *Session) transition(from, to State, err error) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()

	if to.Terminal() {
		s.cancel()
		s.finish(from, to, err != nil)
	} else {
		s.notify(from, to)
	}
	return true
}

// finish reports a terminal transition and releases waiters. Callers hold tmu.
func (s *Session) finish(from, to State, failed bool) {
	s.notify(from, to)
	s.sched.metrics.RecordPlaybackEnd(context.WithoutCancel(s.ctx), to.String(), failed)
	slog.Debug("playback: session ended", "session", s.id, "state", to.String(), "dispatched", s.Dispatched())
	close(s.done)
}

func (s *Session) notify(from, to State) {
	if fn := s.sched.onTransition; fn != nil {
		fn(s.id, from, to)
	}
}

// Package mock provides a test double for the tts.Sink interface.
//
// Sink records every Speak and Cancel call. By default a spoken chunk stays
// "playing" until the test calls Finish or Fail; set AutoFinish to have every
// chunk finish immediately, and FailSequences to script engine errors.
//
// Example:
//
//	sink := mock.NewSink()
//	sink.AutoFinish = true
//	sched := playback.New(sink)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// Sink is a mock implementation of tts.Sink.
type Sink struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// AutoFinish makes every accepted chunk emit SignalFinished at once.
	AutoFinish bool

	// FailSequences maps chunk sequences to errors. A matching chunk emits
	// SignalError with the mapped error instead of finishing.
	FailSequences map[int]error

	// SpeakErr, if non-nil, is returned by Speak and no signal is emitted.
	SpeakErr error

	// --- Call records ---

	// SpeakCalls records every chunk passed to Speak, in order.
	SpeakCalls []tts.Chunk

	// CancelCount is the number of Cancel calls.
	CancelCount int

	signals chan tts.Signal
	spoken  chan tts.Chunk
}

// NewSink returns a Sink with buffered signal and notification channels.
func NewSink() *Sink {
	return &Sink{
		signals: make(chan tts.Signal, 64),
		spoken:  make(chan tts.Chunk, 64),
	}
}

var _ tts.Sink = (*Sink)(nil)

// Speak records the chunk and emits any scripted signal.
func (s *Sink) Speak(_ context.Context, c tts.Chunk) error {
	s.mu.Lock()
	s.SpeakCalls = append(s.SpeakCalls, c)
	speakErr := s.SpeakErr
	failErr, fail := s.FailSequences[c.Sequence]
	auto := s.AutoFinish
	s.mu.Unlock()

	if speakErr != nil {
		return speakErr
	}

	select {
	case s.spoken <- c:
	default:
	}

	switch {
	case fail:
		s.Fail(c, failErr)
	case auto:
		s.Finish(c)
	}
	return nil
}

// Cancel records the call.
func (s *Sink) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCount++
	return nil
}

// Signals returns the signal channel.
func (s *Sink) Signals() <-chan tts.Signal { return s.signals }

// Spoken returns a channel that receives every accepted chunk. Tests use it
// to wait for dispatch without polling.
func (s *Sink) Spoken() <-chan tts.Chunk { return s.spoken }

// Finish emits SignalFinished for c.
func (s *Sink) Finish(c tts.Chunk) {
	s.Emit(tts.Signal{SessionID: c.SessionID, Sequence: c.Sequence, Kind: tts.SignalFinished})
}

// Fail emits SignalError for c.
func (s *Sink) Fail(c tts.Chunk, err error) {
	s.Emit(tts.Signal{SessionID: c.SessionID, Sequence: c.Sequence, Kind: tts.SignalError, Err: err})
}

// Emit delivers an arbitrary signal, such as a stale one.
func (s *Sink) Emit(sig tts.Signal) {
	s.signals <- sig
}

// SpeakCallCount returns the number of Speak calls.
func (s *Sink) SpeakCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SpeakCalls)
}

// CancelCallCount returns the number of Cancel calls.
func (s *Sink) CancelCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCount
}

// Chunks returns a copy of every chunk passed to Speak.
func (s *Sink) Chunks() []tts.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tts.Chunk, len(s.SpeakCalls))
	copy(out, s.SpeakCalls)
	return out
}

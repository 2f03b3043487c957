// Package mock provides test doubles for the stt package.
//
// A [Session] is driven by the test: results pushed with [Session.Emit] (or
// sent on EventsCh directly) come out of Events, and Close ends the stream
// the way a dropped provider connection would.
//
//	sess := mock.NewSession(4)
//	p := &mock.Provider{Session: sess}
//	// ... start the code under test ...
//	sess.Emit(0, mock.Final(0, "你好"), mock.Interim(1, "今"))
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

// Interim returns a non-final result at pos.
func Interim(pos int, text string) stt.RecognitionResult {
	return stt.RecognitionResult{Position: pos, Text: text}
}

// Final returns a final result at pos.
func Final(pos int, text string) stt.RecognitionResult {
	return stt.RecognitionResult{Position: pos, IsFinal: true, Text: text}
}

// StartStreamCall records one StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a scripted [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out in order, one per StartStream call. Once they
	// run out, Session is returned, and after that a fresh NewSession(16).
	Sessions []stt.SessionHandle
	Session  stt.SessionHandle

	// StartStreamErr fails every StartStream call while set.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns the next scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case len(p.Sessions) > 0:
		next := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return next, nil
	case p.Session != nil:
		return p.Session, nil
	default:
		return NewSession(16), nil
	}
}

// StartStreamCallCount returns how often StartStream was called.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastConfig returns the StreamConfig of the latest StartStream call.
func (p *Provider) LastConfig() (stt.StreamConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StartStreamCalls) == 0 {
		return stt.StreamConfig{}, false
	}
	return p.StartStreamCalls[len(p.StartStreamCalls)-1].Cfg, true
}

// SetStartStreamErr changes StartStreamErr while the provider is in use.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
}

// Session is a scripted [stt.SessionHandle].
type Session struct {
	// EventsCh backs Events. It is closed by the first Close.
	EventsCh chan stt.RecognitionEvent

	mu           sync.Mutex
	sendAudioErr error
	audio        [][]byte
	closes       int
	closed       bool
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session whose event channel buffers buffer events.
func NewSession(buffer int) *Session {
	return &Session{EventsCh: make(chan stt.RecognitionEvent, buffer)}
}

// Emit sends one event carrying results. It blocks while the buffer is full.
func (s *Session) Emit(startIndex int, results ...stt.RecognitionResult) {
	s.EventsCh <- stt.RecognitionEvent{StartIndex: startIndex, Results: results}
}

// FailAudio makes every later SendAudio call return err.
func (s *Session) FailAudio(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendAudioErr = err
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.sendAudioErr != nil {
		return s.sendAudioErr
	}
	s.audio = append(s.audio, slices.Clone(chunk))
	return nil
}

// Audio returns the chunks accepted so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.RecognitionEvent { return s.EventsCh }

// Close closes EventsCh once and counts every call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.EventsCh)
	}
	return nil
}

// Closes returns how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

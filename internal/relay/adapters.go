package relay

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// ── ChunkStream ──────────────────────────────────────────────────────────────

// ChunkStream adapts an LLM provider's chunk channel to a [ResponseStream].
//
// A chunk whose FinishReason is [llm.FinishReasonError] becomes a transport
// error carrying the chunk text. Any other non-empty FinishReason, or the
// channel closing, ends the stream.
type ChunkStream struct {
	ch   <-chan llm.Chunk
	done bool
}

var _ ResponseStream = (*ChunkStream)(nil)

// NewChunkStream returns a ChunkStream reading from ch.
func NewChunkStream(ch <-chan llm.Chunk) *ChunkStream {
	return &ChunkStream{ch: ch}
}

// Next implements [ResponseStream].
func (s *ChunkStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case c, ok := <-s.ch:
			if !ok {
				s.done = true
				return "", io.EOF
			}
			if err := c.Err(); err != nil {
				s.done = true
				return "", err
			}
			s.done = c.Final()
			if c.Text != "" {
				return c.Text, nil
			}
		}
	}
}

// ── sinks ─────────────────────────────────────────────────────────────────────

// FuncSink adapts two functions to a [FragmentSink]. Either may be nil.
type FuncSink struct {
	OnPublish  func(fragment string)
	OnComplete func(text string)
}

var _ FragmentSink = FuncSink{}

// Publish implements [FragmentSink].
func (f FuncSink) Publish(fragment string) {
	if f.OnPublish != nil {
		f.OnPublish(fragment)
	}
}

// Complete implements [FragmentSink].
func (f FuncSink) Complete(text string) {
	if f.OnComplete != nil {
		f.OnComplete(text)
	}
}

// MultiSink fans every notification out to each sink in order.
type MultiSink []FragmentSink

var _ FragmentSink = MultiSink(nil)

// Publish implements [FragmentSink].
func (m MultiSink) Publish(fragment string) {
	for _, s := range m {
		s.Publish(fragment)
	}
}

// Complete implements [FragmentSink].
func (m MultiSink) Complete(text string) {
	for _, s := range m {
		s.Complete(text)
	}
}

// Recorder is a [FragmentSink] that keeps everything it receives. It is safe
// for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	fragments []string
	completed []string
}

var _ FragmentSink = (*Recorder)(nil)

// Publish implements [FragmentSink].
func (r *Recorder) Publish(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments = append(r.fragments, fragment)
}

// Complete implements [FragmentSink].
func (r *Recorder) Complete(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, text)
}

// Fragments returns a copy of the published fragments.
func (r *Recorder) Fragments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fragments...)
}

// Completions returns a copy of the texts passed to Complete.
func (r *Recorder) Completions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...)
}

// Package mock is a scripted [llm.Provider] for tests.
//
// A Provider replays canned chunk sequences and records every request it
// receives, so a test can both drive the relay and assert on the prompt that
// reached the model:
//
//	p := &mock.Provider{
//	    StreamChunks:  []llm.Chunk{{Text: "Hel"}, {Text: "lo"}},
//	    StreamFailure: "upstream reset",
//	}
//
// Set the exported fields before the first call; the recorded calls may be
// read at any time through the accessor methods.
package mock

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scripted [llm.Provider].
type Provider struct {
	mu sync.Mutex

	// ── streaming ────────────────────────────────────────────────────────

	// Replies scripts consecutive StreamCompletion calls: call n replays
	// Replies[n]. Calls beyond the script replay StreamChunks.
	Replies [][]llm.Chunk

	// StreamChunks is replayed by every call not covered by Replies.
	StreamChunks []llm.Chunk

	// StreamFailure, when set, is sent as a [llm.FinishReasonError] chunk
	// after the scripted chunks, the way a backend reports a dropped
	// connection.
	StreamFailure string

	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration

	// StreamErr makes StreamCompletion fail before a channel is opened.
	StreamErr error

	// ── one-shot and metadata ────────────────────────────────────────────

	CompleteResponse  *llm.CompletionResponse
	CompleteErr       error
	TokenCount        int
	ModelCapabilities llm.ModelCapabilities

	// ── recorded calls ───────────────────────────────────────────────────

	StreamCalls   []Call
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	script := p.StreamChunks
	if n < len(p.Replies) {
		script = p.Replies[n]
	}
	script = slices.Clone(script)
	if p.StreamFailure != "" {
		script = append(script, llm.ErrorChunk(errors.New(p.StreamFailure)))
	}
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script))
	go replay(ctx, script, delay, ch)
	return ch, nil
}

func replay(ctx context.Context, script []llm.Chunk, delay time.Duration, ch chan<- llm.Chunk) {
	defer close(ch)
	for _, c := range script {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case <-ctx.Done():
			return
		case ch <- c:
		}
	}
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens([]llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// StreamCallCount returns how often StreamCompletion was called.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// LastStreamRequest returns the most recent streamed request, or the zero
// value before the first call.
func (p *Provider) LastStreamRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req
}

// Reset forgets recorded calls and restarts the Replies script.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

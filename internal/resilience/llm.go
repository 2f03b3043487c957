package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// ── LLMFallback ──────────────────────────────────────────────────────────────

// LLMFallback is an [llm.Provider] that fails over between backends. Failover
// covers opening a stream only: once chunks flow, errors reach the consumer.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after the existing ones.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the backend names in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// StreamCompletion opens a stream on the first backend that accepts it.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete returns the first successful response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens asks the first healthy backend.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary backend's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// ── LLMSwitch ────────────────────────────────────────────────────────────────

// ErrNoProvider is returned by an [LLMSwitch] that holds no provider.
var ErrNoProvider = errors.New("resilience: no llm provider configured")

// LLMSwitch is an [llm.Provider] that forwards to a replaceable backend.
// Requests already started keep the backend they started with.
type LLMSwitch struct {
	mu   sync.RWMutex
	name string
	p    llm.Provider
}

var _ llm.Provider = (*LLMSwitch)(nil)

// NewLLMSwitch returns a switch forwarding to p. p may be nil.
func NewLLMSwitch(name string, p llm.Provider) *LLMSwitch {
	return &LLMSwitch{name: name, p: p}
}

// Set replaces the backend and returns the previous name.
func (s *LLMSwitch) Set(name string, p llm.Provider) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.name
	s.name, s.p = name, p
	return previous
}

// Current returns the active backend and its name.
func (s *LLMSwitch) Current() (string, llm.Provider) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name, s.p
}

// Name returns the active backend's name.
func (s *LLMSwitch) Name() string {
	name, _ := s.Current()
	return name
}

func (s *LLMSwitch) provider() (llm.Provider, error) {
	_, p := s.Current()
	if p == nil {
		return nil, ErrNoProvider
	}
	return p, nil
}

// StreamCompletion forwards to the active backend.
func (s *LLMSwitch) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p, err := s.provider()
	if err != nil {
		return nil, err
	}
	return p.StreamCompletion(ctx, req)
}

// Complete forwards to the active backend.
func (s *LLMSwitch) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p, err := s.provider()
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

// CountTokens forwards to the active backend.
func (s *LLMSwitch) CountTokens(messages []llm.Message) (int, error) {
	p, err := s.provider()
	if err != nil {
		return 0, err
	}
	return p.CountTokens(messages)
}

// Capabilities forwards to the active backend.
func (s *LLMSwitch) Capabilities() llm.ModelCapabilities {
	p, err := s.provider()
	if err != nil {
		return llm.ModelCapabilities{}
	}
	return p.Capabilities()
}

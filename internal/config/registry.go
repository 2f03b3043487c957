package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when no factory is registered under
// the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds a language model client from its config entry.
type LLMFactory func(entry ProviderEntry) (llm.Provider, error)

// STTFactory builds a speech recognizer from its config entry.
type STTFactory func(entry ProviderEntry) (stt.Provider, error)

// SinkFactory builds a speech sink that writes synthesised audio to out.
// Sinks are per connection, so the factory runs once per voice session.
type SinkFactory func(entry ProviderEntry, out io.Writer) (tts.Sink, error)

// factories is the name → constructor table of one provider kind.
type factories[F any] struct {
	kind   string
	byName map[string]F
}

func newFactories[F any](kind string) factories[F] {
	return factories[F]{kind: kind, byName: make(map[string]F)}
}

func (f factories[F]) lookup(name string) (F, error) {
	fn, ok := f.byName[name]
	if !ok {
		return fn, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn, nil
}

// Registry maps provider names to constructors for the three provider kinds
// a deployment can configure. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[LLMFactory]
	stt factories[STTFactory]
	tts factories[SinkFactory]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[LLMFactory]("llm"),
		stt: newFactories[STTFactory]("stt"),
		tts: newFactories[SinkFactory]("tts"),
	}
}

// RegisterLLM registers factory under name, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byName[name] = factory
}

// RegisterSTT registers factory under name, replacing any earlier one.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byName[name] = factory
}

// RegisterTTS registers factory under name, replacing any earlier one.
func (r *Registry) RegisterTTS(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.byName[name] = factory
}

// LLMNames returns the registered LLM provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm.byName))
}

// CreateLLM runs the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	fn, err := r.llm.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry)
}

// CreateSTT runs the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	fn, err := r.stt.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry)
}

// CreateTTS runs the sink factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry, out io.Writer) (tts.Sink, error) {
	r.mu.RLock()
	fn, err := r.tts.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry, out)
}

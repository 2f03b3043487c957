// Package openai streams chat replies from the OpenAI Chat Completions API
// or any server speaking the same wire protocol (vLLM, LM Studio, a local
// proxy); point it elsewhere with [WithBaseURL].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// streamBuffer is the capacity of the chunk channel handed to the relay.
const streamBuffer = 32

// Provider implements [llm.Provider] on top of the official OpenAI SDK.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL targets an OpenAI-compatible server instead of api.openai.com.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sends the OpenAI-Organization header on every request.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request, including the full body of a
// streamed reply.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request before
// giving up. The default of zero leaves failover to the caller.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	return &Provider{client: oai.NewClient(s.requestOptions(apiKey)...), model: model}, nil
}

func (s settings) requestOptions(apiKey string) []option.RequestOption {
	out := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}
	if s.baseURL != "" {
		out = append(out, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		out = append(out, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		out = append(out, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return out
}

// ── streaming ────────────────────────────────────────────────────────────────

// StreamCompletion implements [llm.Provider]. Frames that carry neither text
// nor a finish reason (role announcements, usage trailers) are skipped.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	ch := make(chan llm.Chunk, streamBuffer)
	go forward(ctx, stream, ch)
	return ch, nil
}

// deltaStream is the part of the SDK stream that [forward] consumes.
type deltaStream interface {
	Next() bool
	Current() oai.ChatCompletionChunk
	Err() error
	Close() error
}

// forward copies content deltas from s to ch and closes both when done. A
// read failure that is not caused by ctx becomes a [llm.FinishReasonError]
// chunk.
func forward(ctx context.Context, s deltaStream, ch chan<- llm.Chunk) {
	defer close(ch)
	defer s.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for s.Next() {
		frame := s.Current()
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		if !send(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}) {
			return
		}
	}
	if err := s.Err(); err != nil && ctx.Err() == nil {
		send(llm.ErrorChunk(err))
	}
}

// ── one-shot ─────────────────────────────────────────────────────────────────

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: complete: response has no choices")
	}
	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

// CountTokens implements [llm.Provider] with the shared heuristic.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.LookupCapabilities(p.model)
}

// ── request mapping ──────────────────────────────────────────────────────────

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	conv := req.Conversation()
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(conv))
	for i, m := range conv {
		msg, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	out := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		out.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return out, nil
}

func toParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		var a oai.ChatCompletionAssistantMessageParam
		a.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			a.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown role %q", m.Role)
}

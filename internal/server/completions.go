package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/relay"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// ChatMessage is one message of a [ChatRequest].
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/chat/completions. Unset fields take
// the server's session defaults.
type ChatRequest struct {
	Messages     []ChatMessage `json:"messages"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	MaxTokens    *int          `json:"max_tokens,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
}

func (s *Server) completionRequest(cr ChatRequest) (llm.CompletionRequest, error) {
	if len(cr.Messages) == 0 {
		return llm.CompletionRequest{}, errors.New("messages must not be empty")
	}
	req := llm.CompletionRequest{
		SystemPrompt: s.cfg.Session.SystemPrompt,
		MaxTokens:    s.cfg.Session.MaxTokens,
		Temperature:  s.cfg.Session.Temperature,
		Messages:     make([]llm.Message, 0, len(cr.Messages)),
	}
	for i, m := range cr.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return llm.CompletionRequest{}, fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	if cr.SystemPrompt != "" {
		req.SystemPrompt = cr.SystemPrompt
	}
	if cr.MaxTokens != nil {
		if *cr.MaxTokens <= 0 {
			return llm.CompletionRequest{}, errors.New("max_tokens must be positive")
		}
		req.MaxTokens = *cr.MaxTokens
	}
	if cr.Temperature != nil {
		if *cr.Temperature < 0 || *cr.Temperature > 2 {
			return llm.CompletionRequest{}, errors.New("temperature must be within [0, 2]")
		}
		req.Temperature = *cr.Temperature
	}
	return req, nil
}

// handleCompletions relays one streamed completion to the client as
// server-sent events. Failures before the stream opens are plain JSON
// errors; failures after it opens end the stream with an error frame.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var cr ChatRequest
	if err := decodeJSON(w, r, &cr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	req, err := s.completionRequest(cr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	ctx := r.Context()
	log := observe.Logger(ctx, "provider", s.providerName())

	ch, err := s.cfg.LLM.StreamCompletion(ctx, req)
	if err != nil {
		log.Error("server: completion request failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	sse := relay.NewSSEWriter(w)
	rl := relay.New(
		relay.WithYieldInterval(time.Duration(s.yield.Load())),
		relay.WithMetrics(s.metrics),
	)
	res, err := rl.Relay(ctx, relay.NewChunkStream(ch), sse)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("relay.outcome", res.Outcome.String()),
		attribute.Int("relay.fragments", res.Fragments),
	)
	switch {
	case err == nil:
		log.Debug("server: completion relayed", "fragments", res.Fragments, "ttfc", res.TimeToFirstContent, "total", res.Total)
	case errors.Is(err, relay.ErrCanceled):
		log.Debug("server: client went away", "fragments", res.Fragments)
	default:
		log.Warn("server: completion stream failed", "err", err, "fragments", res.Fragments)
		sse.Fail(err)
	}
	if werr := sse.Err(); werr != nil {
		log.Debug("server: writing event stream failed", "err", werr)
	}
}

// Package llm defines the Provider interface for Large Language Model backends.
//
// voicesync only ever consumes the streamed text of a reply. The blocking
// Complete call serves housekeeping: history summaries, readiness probes and
// provider validation in /v1/provider/configure.
//
// Providers must be safe for concurrent use. A channel returned by
// StreamCompletion is closed by the provider once the stream ends or its
// context is canceled.
package llm

import "context"

// Usage is the token accounting reported by a backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one chat completion call. Messages must not be empty.
type CompletionRequest struct {
	// SystemPrompt, when set, is sent as a leading system message.
	SystemPrompt string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Temperature in [0, 2]. Zero keeps the backend default.
	Temperature float64

	// MaxTokens caps the reply. Zero keeps the backend default.
	MaxTokens int
}

// Conversation returns the messages to send, with SystemPrompt prepended as
// a system message when set. The request is not modified.
func (r CompletionRequest) Conversation() []Message {
	if r.SystemPrompt == "" {
		return r.Messages
	}
	out := make([]Message, 0, len(r.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	return append(out, r.Messages...)
}

// Chunk is one streamed fragment. Text may be empty on the final chunk.
// FinishReason is "" until the last chunk, which carries "stop", "length"
// or [FinishReasonError].
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionResponse is the result of a blocking Complete call.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a streamed reply. The returned error covers only
	// failures that keep the stream from opening; later failures arrive as an
	// error chunk (see [ErrorChunk]). The channel is never nil when err is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how much of the context window messages use. It
	// may overcount but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities describes the configured model.
	Capabilities() ModelCapabilities
}

package llm

import "errors"

// Roles accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a chunk reporting a failure after the stream
// opened. Its Text holds the error message.
const FinishReasonError = "error"

// errStreamFailed stands in for an error chunk without a message.
var errStreamFailed = errors.New("llm: provider stream failed")

// ErrorChunk returns the final chunk that reports err mid-stream.
func ErrorChunk(err error) Chunk {
	return Chunk{FinishReason: FinishReasonError, Text: err.Error()}
}

// Err returns the failure carried by an error chunk, or nil.
func (c Chunk) Err() error {
	if c.FinishReason != FinishReasonError {
		return nil
	}
	if c.Text == "" {
		return errStreamFailed
	}
	return errors.New(c.Text)
}

// Final reports whether c ends the stream.
func (c Chunk) Final() bool { return c.FinishReason != "" }

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
	// Name optionally identifies the speaker within a role.
	Name string
}

// ModelCapabilities describes limits of a model.
type ModelCapabilities struct {
	ContextWindow     int // input plus output tokens
	MaxOutputTokens   int
	SupportsStreaming bool
}

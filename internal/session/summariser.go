package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

const summarisationPrompt = `You maintain the running summary of a spoken conversation between a user and a voice assistant.
Merge the previous summary (if any) with the new turns into one summary.
Keep facts the user stated, questions still open, decisions and commitments.
Write in the language of the conversation. Be brief.`

// Summariser folds conversation turns into a running summary.
type Summariser interface {
	// Summarise returns a summary covering both previous (possibly empty)
	// and messages.
	Summarise(ctx context.Context, previous string, messages []llm.Message) (string, error)
}

// LLMSummariser asks a language model for the summary.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser returns a summariser backed by provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise implements [Summariser]. Without new messages the previous
// summary is returned unchanged and no request is made.
func (s *LLMSummariser) Summarise(ctx context.Context, previous string, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return previous, nil
	}

	var sb strings.Builder
	if previous != "" {
		fmt.Fprintf(&sb, "Previous summary:\n%s\n\nNew turns:\n", previous)
	}
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", speaker(m), m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return previous, nil
	}
	return strings.TrimSpace(resp.Content), nil
}

func speaker(m llm.Message) string {
	if m.Name != "" {
		return m.Name
	}
	return m.Role
}

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// summaryPrefix introduces the running summary in the history sent to the
// model.
const summaryPrefix = "Summary of the earlier conversation: "

// ContextManager keeps a conversation history inside the model's context
// window. When the estimated size passes ThresholdRatio × MaxTokens, the
// older half of the turns is folded into a single running summary, which is
// sent to the model as a system message ahead of the remaining turns.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser

	mu       sync.Mutex
	tokens   int
	messages []llm.Message
	summary  string
}

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// MaxTokens is the context window size. Zero disables compaction.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which the history is
	// compacted. Defaults to 0.75.
	ThresholdRatio float64

	// Summariser folds old turns into the summary. Nil drops them instead.
	Summariser Summariser
}

// NewContextManager returns an empty ContextManager.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &ContextManager{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
	}
}

// AddMessages appends msgs and compacts the history if it grew past the
// threshold. A failed summarisation leaves the history intact and is
// returned.
func (cm *ContextManager) AddMessages(ctx context.Context, msgs ...llm.Message) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, m := range msgs {
		cm.messages = append(cm.messages, m)
		cm.tokens += estimateTokens(m)
	}
	if cm.maxTokens <= 0 || len(cm.messages) < 2 {
		return nil
	}
	if float64(cm.tokens) <= float64(cm.maxTokens)*cm.thresholdRatio {
		return nil
	}
	if err := cm.compactLocked(ctx); err != nil {
		return fmt.Errorf("session: compact history: %w", err)
	}
	return nil
}

// Messages returns the summary, if any, followed by the retained turns.
func (cm *ContextManager) Messages() []llm.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := make([]llm.Message, 0, len(cm.messages)+1)
	if cm.summary != "" {
		out = append(out, summaryMessage(cm.summary))
	}
	return append(out, cm.messages...)
}

// Summary returns the running summary of compacted turns.
func (cm *ContextManager) Summary() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.summary
}

// TokenEstimate returns the estimated size of [ContextManager.Messages].
func (cm *ContextManager) TokenEstimate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.tokens
}

// Len returns the number of retained turns, not counting the summary.
func (cm *ContextManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.messages)
}

// Reset forgets the whole conversation.
func (cm *ContextManager) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = nil
	cm.summary = ""
	cm.tokens = 0
}

// cutPoint returns how many leading messages to compact: about half, moved
// forward so an assistant reply is never separated from the question
// before it.
func cutPoint(msgs []llm.Message) int {
	cut := max(len(msgs)/2, 1)
	if cut < len(msgs)-1 && msgs[cut].Role == llm.RoleAssistant {
		cut++
	}
	return cut
}

// compactLocked folds the older turns into the summary. The lock is released
// while the summariser runs; turns added meanwhile are kept.
func (cm *ContextManager) compactLocked(ctx context.Context) error {
	cut := cutPoint(cm.messages)
	old := append([]llm.Message(nil), cm.messages[:cut]...)
	prev := cm.summary

	next := ""
	if cm.summariser != nil {
		cm.mu.Unlock()
		s, err := cm.summariser.Summarise(ctx, prev, old)
		cm.mu.Lock()
		if err != nil {
			return err
		}
		next = s
	}

	// Reset may have run while unlocked.
	if len(cm.messages) < cut || cm.summary != prev {
		return nil
	}
	for _, m := range cm.messages[:cut] {
		cm.tokens -= estimateTokens(m)
	}
	cm.messages = append([]llm.Message(nil), cm.messages[cut:]...)
	if prev != "" {
		cm.tokens -= estimateTokens(summaryMessage(prev))
	}
	cm.summary = next
	if next != "" {
		cm.tokens += estimateTokens(summaryMessage(next))
	}
	return nil
}

func summaryMessage(s string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: summaryPrefix + s}
}

// estimateTokens approximates a message's size, counting its role and name
// along with the content.
func estimateTokens(m llm.Message) int {
	return llm.TextTokens(m.Role + m.Name + m.Content)
}

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

// mockSummariser is a test double for Summariser.
type mockSummariser struct {
	mu       sync.Mutex
	result   string
	err      error
	calls    [][]llm.Message
	previous []string
}

func (m *mockSummariser) Summarise(_ context.Context, previous string, messages []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	m.previous = append(m.previous, previous)
	return m.result, m.err
}

func (m *mockSummariser) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  llm.Message
		want int
	}{
		{name: "empty", msg: llm.Message{}, want: 0},
		{name: "short rounds up to one", msg: llm.Message{Role: "user", Content: "Hi"}, want: 1},
		{name: "long", msg: llm.Message{Role: "assistant", Content: strings.Repeat("a", 391)}, want: 100},
		{name: "han counts per rune", msg: llm.Message{Role: "user", Content: "今天天氣如何"}, want: 7},
		{name: "kana and hangul", msg: llm.Message{Content: "こんにちは안녕"}, want: 7},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.msg); got != tt.want {
			t.Errorf("%s: want %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestContextManager_BelowThresholdKeepsEverything(t *testing.T) {
	t.Parallel()

	s := &mockSummariser{result: "summary"}
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 10000, Summariser: s})

	err := cm.AddMessages(context.Background(),
		llm.Message{Role: llm.RoleUser, Content: "你好"},
		llm.Message{Role: llm.RoleAssistant, Content: "你好，有什麼可以幫忙的？"},
	)
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	if got := len(cm.Messages()); got != 2 {
		t.Errorf("messages: want 2, got %d", got)
	}
	if cm.TokenEstimate() == 0 {
		t.Error("token estimate: want non-zero")
	}
	if s.callCount() != 0 {
		t.Errorf("summarise calls: want 0, got %d", s.callCount())
	}
}

func TestContextManager_CompactsOlderHalf(t *testing.T) {
	t.Parallel()

	s := &mockSummariser{result: "they talked"}
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 100, ThresholdRatio: 0.5, Summariser: s})

	long := strings.Repeat("x", 200)
	err := cm.AddMessages(context.Background(),
		llm.Message{Role: llm.RoleUser, Content: long},
		llm.Message{Role: llm.RoleAssistant, Content: long},
	)
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	if s.callCount() != 1 {
		t.Fatalf("summarise calls: want 1, got %d", s.callCount())
	}
	if got := len(s.calls[0]); got != 1 {
		t.Errorf("summarised messages: want 1, got %d", got)
	}

	msgs := cm.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages: want summary + 1 turn, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != summaryPrefix+"they talked" {
		t.Errorf("summary message: unexpected %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleAssistant {
		t.Errorf("retained turn: want assistant, got %q", msgs[1].Role)
	}
	if cm.Len() != 1 {
		t.Errorf("Len: want 1, got %d", cm.Len())
	}
}

func TestContextManager_WithoutSummariserDropsOldTurns(t *testing.T) {
	t.Parallel()

	cm := NewContextManager(ContextManagerConfig{MaxTokens: 100, ThresholdRatio: 0.5})
	long := strings.Repeat("y", 200)
	if err := cm.AddMessages(context.Background(),
		llm.Message{Role: llm.RoleUser, Content: long},
		llm.Message{Role: llm.RoleAssistant, Content: long},
	); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	msgs := cm.Messages()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleAssistant {
		t.Errorf("messages: want only the assistant turn, got %+v", msgs)
	}
}

func TestContextManager_SummariserErrorKeepsHistory(t *testing.T) {
	t.Parallel()

	errDown := errors.New("down")
	cm := NewContextManager(ContextManagerConfig{
		MaxTokens:      10,
		ThresholdRatio: 0.5,
		Summariser:     &mockSummariser{err: errDown},
	})
	err := cm.AddMessages(context.Background(),
		llm.Message{Role: llm.RoleUser, Content: strings.Repeat("a", 100)},
		llm.Message{Role: llm.RoleAssistant, Content: strings.Repeat("b", 100)},
	)
	if !errors.Is(err, errDown) {
		t.Fatalf("err: want wrapped errDown, got %v", err)
	}
	if cm.Len() != 2 {
		t.Errorf("Len: want 2, got %d", cm.Len())
	}
}

func TestContextManager_ZeroWindowNeverCompacts(t *testing.T) {
	t.Parallel()

	s := &mockSummariser{result: "x"}
	cm := NewContextManager(ContextManagerConfig{Summariser: s})
	for range 10 {
		_ = cm.AddMessages(context.Background(), llm.Message{Role: llm.RoleUser, Content: strings.Repeat("z", 1000)})
	}
	if s.callCount() != 0 {
		t.Errorf("summarise calls: want 0, got %d", s.callCount())
	}
	if cm.Len() != 10 {
		t.Errorf("Len: want 10, got %d", cm.Len())
	}
}

func TestContextManager_Reset(t *testing.T) {
	t.Parallel()

	cm := NewContextManager(ContextManagerConfig{MaxTokens: 10000})
	_ = cm.AddMessages(context.Background(), llm.Message{Role: llm.RoleUser, Content: "Hello"})
	cm.Reset()

	if cm.TokenEstimate() != 0 {
		t.Errorf("tokens: want 0, got %d", cm.TokenEstimate())
	}
	if len(cm.Messages()) != 0 {
		t.Errorf("messages: want 0, got %d", len(cm.Messages()))
	}
}

func TestCutPoint(t *testing.T) {
	t.Parallel()

	u := llm.Message{Role: llm.RoleUser}
	a := llm.Message{Role: llm.RoleAssistant}
	tests := []struct {
		name string
		msgs []llm.Message
		want int
	}{
		{"pair", []llm.Message{u, a}, 1},
		{"keeps reply with question", []llm.Message{u, a, u}, 2},
		{"even split", []llm.Message{u, a, u, a}, 2},
		{"five", []llm.Message{u, a, u, a, u}, 2},
		{"consecutive users", []llm.Message{u, u, u, a}, 2},
	}
	for _, tt := range tests {
		if got := cutPoint(tt.msgs); got != tt.want {
			t.Errorf("%s: want %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestContextManager_RollingSummary(t *testing.T) {
	t.Parallel()

	s := &mockSummariser{result: "first"}
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 100, ThresholdRatio: 0.5, Summariser: s})
	long := strings.Repeat("x", 200)
	ctx := context.Background()

	if err := cm.AddMessages(ctx,
		llm.Message{Role: llm.RoleUser, Content: long},
		llm.Message{Role: llm.RoleAssistant, Content: long},
	); err != nil {
		t.Fatalf("first AddMessages: %v", err)
	}
	s.mu.Lock()
	s.result = "second"
	s.mu.Unlock()
	if err := cm.AddMessages(ctx, llm.Message{Role: llm.RoleUser, Content: long}); err != nil {
		t.Fatalf("second AddMessages: %v", err)
	}

	if s.callCount() != 2 {
		t.Fatalf("summarise calls: want 2, got %d", s.callCount())
	}
	if s.previous[0] != "" || s.previous[1] != "first" {
		t.Errorf("previous summaries passed: want [\"\" first], got %q", s.previous)
	}
	if cm.Summary() != "second" {
		t.Errorf("Summary: want %q, got %q", "second", cm.Summary())
	}
	summaries := 0
	for _, m := range cm.Messages() {
		if m.Role == llm.RoleSystem {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("summary messages: want exactly 1, got %d", summaries)
	}
}

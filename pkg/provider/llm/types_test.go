package llm

import (
	"errors"
	"testing"
)

func TestCompletionRequest_Conversation(t *testing.T) {
	t.Parallel()

	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	if got := (CompletionRequest{Messages: msgs}).Conversation(); len(got) != 1 || got[0] != msgs[0] {
		t.Errorf("without system prompt: want %v, got %v", msgs, got)
	}

	req := CompletionRequest{SystemPrompt: "be brief", Messages: msgs}
	got := req.Conversation()
	want := []Message{{Role: RoleSystem, Content: "be brief"}, msgs[0]}
	if len(got) != len(want) {
		t.Fatalf("len: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: want %+v, got %+v", i, want[i], got[i])
		}
	}
	if len(req.Messages) != 1 {
		t.Errorf("request messages modified: got %d", len(req.Messages))
	}
}

func TestChunk_Err(t *testing.T) {
	t.Parallel()

	if err := (Chunk{Text: "x"}).Err(); err != nil {
		t.Errorf("content chunk: want nil, got %v", err)
	}
	if err := (Chunk{FinishReason: "stop"}).Err(); err != nil {
		t.Errorf("stop chunk: want nil, got %v", err)
	}

	c := ErrorChunk(errors.New("connection reset"))
	if !c.Final() {
		t.Error("error chunk: want Final")
	}
	if err := c.Err(); err == nil || err.Error() != "connection reset" {
		t.Errorf("error chunk: want %q, got %v", "connection reset", err)
	}
	if err := (Chunk{FinishReason: FinishReasonError}).Err(); !errors.Is(err, errStreamFailed) {
		t.Errorf("empty error chunk: want errStreamFailed, got %v", err)
	}
}

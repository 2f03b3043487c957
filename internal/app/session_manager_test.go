package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicesync/internal/app"
	"github.com/MrWong99/voicesync/internal/session"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicesync/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/voicesync/pkg/provider/tts/mock"
)

func newTestSessionManager(maxSessions int) *app.SessionManager {
	return app.NewSessionManager(app.SessionManagerConfig{
		Template: session.VoiceConfig{
			LLM: &llmmock.Provider{
				StreamChunks: []llm.Chunk{{Text: "abcdefghij"}, {FinishReason: "stop"}},
			},
		},
		MaxSessions: maxSessions,
	})
}

// eventLog collects session events.
type eventLog struct {
	mu     sync.Mutex
	events []session.Event
}

func (l *eventLog) Emit(e session.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(typ, state string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ && e.State == state {
			return true
		}
	}
	return false
}

func TestSessionManager_OpenListClose(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(0)
	ctx := context.Background()

	first, err := sm.Open(ctx, ttsmock.NewSink(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := sm.Open(ctx, ttsmock.NewSink(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if first.ID() == second.ID() {
		t.Fatalf("sessions share id %q", first.ID())
	}

	if n := sm.Len(); n != 2 {
		t.Errorf("Len: want 2, got %d", n)
	}
	infos := sm.List()
	if len(infos) != 2 {
		t.Fatalf("List: want 2 entries, got %d", len(infos))
	}
	if infos[0].StartedAt.After(infos[1].StartedAt) {
		t.Errorf("List: want oldest first, got %v", infos)
	}
	if got := sm.Get(first.ID()); got != first {
		t.Errorf("Get: want first session, got %v", got)
	}

	if err := sm.Close(first.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sm.Get(first.ID()) != nil {
		t.Error("Get after Close: want nil")
	}
	if n := sm.Len(); n != 1 {
		t.Errorf("Len after Close: want 1, got %d", n)
	}
}

func TestSessionManager_CloseUnknown(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(0)
	if err := sm.Close("nope"); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}
}

func TestSessionManager_MaxSessions(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(1)
	ctx := context.Background()

	v, err := sm.Open(ctx, ttsmock.NewSink(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := sm.Open(ctx, ttsmock.NewSink(), nil); !errors.Is(err, app.ErrTooManySessions) {
		t.Fatalf("second Open: want ErrTooManySessions, got %v", err)
	}

	if err := sm.Close(v.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sm.Open(ctx, ttsmock.NewSink(), nil); err != nil {
		t.Errorf("Open after Close: unexpected error: %v", err)
	}
}

func TestSessionManager_OpenRequiresSink(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(0)
	if _, err := sm.Open(context.Background(), nil, nil); err == nil {
		t.Fatal("want error for missing sink, got nil")
	}
	if n := sm.Len(); n != 0 {
		t.Errorf("Len: want 0, got %d", n)
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(0)
	ctx := context.Background()
	for range 3 {
		if _, err := sm.Open(ctx, ttsmock.NewSink(), nil); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	if err := sm.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if n := sm.Len(); n != 0 {
		t.Errorf("Len after CloseAll: want 0, got %d", n)
	}
	if _, err := sm.Open(ctx, ttsmock.NewSink(), nil); !errors.Is(err, app.ErrManagerClosed) {
		t.Errorf("Open after CloseAll: want ErrManagerClosed, got %v", err)
	}
}

func TestSessionManager_TuneAppliesToLaterSessions(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(0)
	sm.Tune(session.Tuning{
		YieldInterval:  -1,
		SettleInterval: -1,
		MaxChunkLength: 4,
	})

	sink := ttsmock.NewSink()
	sink.AutoFinish = true
	events := &eventLog{}

	v, err := sm.Open(context.Background(), sink, events)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = sm.CloseAll() })

	v.Submit("spell it")

	deadline := time.Now().Add(3 * time.Second)
	for !events.has(session.EventPlaybackState, "completed") {
		if time.Now().After(deadline) {
			t.Fatal("playback did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	chunks := sink.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("chunks: want 3, got %d (%v)", len(chunks), chunks)
	}
	for i, want := range []string{"abcd", "efgh", "ij"} {
		if chunks[i].Text != want {
			t.Errorf("chunk %d: want %q, got %q", i, want, chunks[i].Text)
		}
	}
}

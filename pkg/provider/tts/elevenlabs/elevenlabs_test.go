package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// lockedBuffer is a bytes.Buffer safe for the sink's background writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeServer accepts one stream per chunk, records the text messages it
// receives and answers with the scripted frames.
type fakeServer struct {
	mu       sync.Mutex
	received [][]string
	paths    []string
	frames   []string
	hold     bool // keep the stream open without replying
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var msgs []string
		for range 3 {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			msgs = append(msgs, string(data))
		}
		f.mu.Lock()
		f.received = append(f.received, msgs)
		f.paths = append(f.paths, r.URL.String())
		frames, hold := f.frames, f.hold
		f.mu.Unlock()

		if hold {
			_, _, _ = conn.Read(r.Context())
			return
		}
		for _, fr := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(fr)); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	})
}

func newTestSink(t *testing.T, f *fakeServer, out *lockedBuffer) *Sink {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	s, err := New("key-123", "voice-abc", out, WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitSignal(t *testing.T, s *Sink) tts.Signal {
	t.Helper()
	select {
	case sig := <-s.Signals():
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
		return tts.Signal{}
	}
}

// ---- Speak ----

func TestSpeak_WritesAudioAndSignalsFinished(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	f := &fakeServer{frames: []string{
		fmt.Sprintf(`{"audio":%q,"isFinal":false}`, base64.StdEncoding.EncodeToString(pcm)),
		`{"audio":"","isFinal":true}`,
	}}
	out := &lockedBuffer{}
	s := newTestSink(t, f, out)

	if err := s.Speak(context.Background(), tts.Chunk{SessionID: "s1", Sequence: 2, Text: "你好"}); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	sig := waitSignal(t, s)
	if sig.Kind != tts.SignalFinished || sig.SessionID != "s1" || sig.Sequence != 2 {
		t.Errorf("signal: unexpected %+v", sig)
	}
	if got := out.String(); got != string(pcm) {
		t.Errorf("audio: want %v, got %v", pcm, []byte(got))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) != 1 {
		t.Fatalf("streams: want 1, got %d", len(f.received))
	}
	var boi boiMessage
	if err := json.Unmarshal([]byte(f.received[0][0]), &boi); err != nil {
		t.Fatalf("unmarshal BOI: %v", err)
	}
	if boi.XiAPIKey != "key-123" || boi.Text != " " {
		t.Errorf("BOI: unexpected %+v", boi)
	}
	var text textMessage
	_ = json.Unmarshal([]byte(f.received[0][1]), &text)
	if text.Text != "你好 " {
		t.Errorf("text: want %q, got %q", "你好 ", text.Text)
	}
	if f.received[0][2] != `{"text":""}` {
		t.Errorf("flush: want %q, got %q", `{"text":""}`, f.received[0][2])
	}
	if !strings.Contains(f.paths[0], "/v1/text-to-speech/voice-abc/stream-input") {
		t.Errorf("path: unexpected %q", f.paths[0])
	}
}

func TestSpeak_ServerErrorSignalsError(t *testing.T) {
	t.Parallel()

	f := &fakeServer{frames: []string{`{"error":"quota exceeded"}`}}
	s := newTestSink(t, f, &lockedBuffer{})

	if err := s.Speak(context.Background(), tts.Chunk{SessionID: "s1", Sequence: 0, Text: "hi"}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	sig := waitSignal(t, s)
	if sig.Kind != tts.SignalError {
		t.Fatalf("kind: want %v, got %v", tts.SignalError, sig.Kind)
	}
	if sig.Err == nil || !strings.Contains(sig.Err.Error(), "quota exceeded") {
		t.Errorf("err: unexpected %v", sig.Err)
	}
}

func TestCancel_SuppressesSignal(t *testing.T) {
	t.Parallel()

	f := &fakeServer{hold: true}
	s := newTestSink(t, f, &lockedBuffer{})

	if err := s.Speak(context.Background(), tts.Chunk{SessionID: "s1", Text: "long"}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_ = s.Close()

	select {
	case sig := <-s.Signals():
		t.Errorf("expected no signal after cancel, got %+v", sig)
	default:
	}
}

func TestSpeak_DialFailure(t *testing.T) {
	t.Parallel()

	s, err := New("k", "v", &lockedBuffer{}, WithBaseURL("ws://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Speak(ctx, tts.Chunk{Text: "x"}); err == nil {
		t.Error("expected dial error")
	}
}

// ---- Constructor ----

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "v", &lockedBuffer{}); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", "", &lockedBuffer{}); err == nil {
		t.Error("expected error for empty voice")
	}
	if _, err := New("k", "v", nil); err == nil {
		t.Error("expected error for nil output")
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	s, err := New("k", "voice-1", &lockedBuffer{}, WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice-1/stream-input?model_id=eleven_turbo_v2&output_format=pcm_24000"
	if got := s.streamURL(); got != want {
		t.Errorf("url: want %q, got %q", want, got)
	}
}

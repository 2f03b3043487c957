package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

// ── query ────────────────────────────────────────────────────────────────────

func TestQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		opts  []Option
		cfg   stt.StreamConfig
		want  map[string]string
		unset []string
	}{
		{
			name: "defaults",
			cfg:  stt.StreamConfig{Channels: 1},
			want: map[string]string{
				"model": "nova-3", "language": "en", "sample_rate": "16000",
				"encoding": "linear16", "punctuate": "true", "interim_results": "true", "channels": "1",
			},
			unset: []string{"endpointing", "smart_format", "keywords"},
		},
		{
			name: "provider options",
			opts: []Option{WithModel("base"), WithLanguage("zh-TW"), WithSampleRate(48000), WithSmartFormat(true)},
			want: map[string]string{
				"model": "base", "language": "zh-TW", "sample_rate": "48000", "smart_format": "true",
			},
			unset: []string{"channels"},
		},
		{
			name: "session settings win",
			opts: []Option{WithLanguage("en"), WithSampleRate(8000)},
			cfg:  stt.StreamConfig{Language: "fr-FR", SampleRate: 24000},
			want: map[string]string{"language": "fr-FR", "sample_rate": "24000"},
		},
		{
			name: "endpointing in milliseconds",
			opts: []Option{WithEndpointing(300 * time.Millisecond)},
			want: map[string]string{"endpointing": "300"},
		},
		{
			name: "endpointing disabled",
			opts: []Option{WithEndpointing(-1)},
			want: map[string]string{"endpointing": "false"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			q := p.query(tt.cfg)
			for k, want := range tt.want {
				if got := q.Get(k); got != want {
					t.Errorf("%s: want %q, got %q", k, want, got)
				}
			}
			for _, k := range tt.unset {
				if q.Has(k) {
					t.Errorf("%s: want unset, got %q", k, q.Get(k))
				}
			}
		})
	}
}

func TestQuery_Keywords(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	q := p.query(stt.StreamConfig{Keywords: []stt.KeywordBoost{
		{Keyword: "Taipei", Boost: 5},
		{Keyword: "Keelung", Boost: 3.5},
	}})
	want := []string{"Taipei:5", "Keelung:3.5"}
	if got := q["keywords"]; !slices.Equal(got, want) {
		t.Errorf("keywords: want %v, got %v", want, got)
	}
}

func TestStreamURL_KeepsEndpointPath(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithEndpoint("ws://localhost:9000/v1/listen"))
	got, err := p.streamURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	if !strings.HasPrefix(got, "ws://localhost:9000/v1/listen?") {
		t.Errorf("url: want endpoint prefix, got %q", got)
	}
}

// ── decode ───────────────────────────────────────────────────────────────────

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		frame     string
		wantText  string
		wantFinal bool
		wantOK    bool
	}{
		{
			name:      "final",
			frame:     `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			wantText:  "Hello world",
			wantFinal: true,
			wantOK:    true,
		},
		{
			name:     "interim",
			frame:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`,
			wantText: "Hello",
			wantOK:   true,
		},
		{name: "metadata", frame: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", frame: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "error frame", frame: `{"type":"Error","description":"bad audio"}`},
		{name: "invalid json", frame: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, final, ok := decode([]byte(tt.frame))
			if ok != tt.wantOK || text != tt.wantText || final != tt.wantFinal {
				t.Errorf("decode: want (%q, %v, %v), got (%q, %v, %v)",
					tt.wantText, tt.wantFinal, tt.wantOK, text, final, ok)
			}
		})
	}
}

// ── positioner ───────────────────────────────────────────────────────────────

func TestPositioner_InterimThenFinal(t *testing.T) {
	t.Parallel()

	var p positioner

	ev, ok := p.next("hel", false)
	if !ok {
		t.Fatal("interim: want an event")
	}
	if ev.StartIndex != 0 || len(ev.Results) != 1 || ev.Results[0].IsFinal {
		t.Errorf("interim: unexpected event %+v", ev)
	}

	ev, _ = p.next("hello", true)
	if ev.StartIndex != 0 || !ev.Results[0].IsFinal || ev.Results[0].Text != "hello" {
		t.Errorf("final: unexpected event %+v", ev)
	}

	ev, _ = p.next("wor", false)
	if ev.StartIndex != 1 {
		t.Errorf("start index: want 1, got %d", ev.StartIndex)
	}
	want := []stt.RecognitionResult{
		{Position: 0, IsFinal: true, Text: "hello"},
		{Position: 1, Text: "wor"},
	}
	if !slices.Equal(ev.Results, want) {
		t.Errorf("results: want %+v, got %+v", want, ev.Results)
	}
}

func TestPositioner_SilenceDoesNotAdvance(t *testing.T) {
	t.Parallel()

	var p positioner
	if _, ok := p.next("", true); ok {
		t.Error("empty final: want no event")
	}
	if p.open != 0 {
		t.Errorf("open: want 0, got %d", p.open)
	}

	// An empty interim is still reported: it clears a hypothesis.
	if _, ok := p.next("", false); !ok {
		t.Error("empty interim: want an event")
	}
}

func TestPositioner_HistoryBounded(t *testing.T) {
	t.Parallel()

	var p positioner
	for range historyLimit + 5 {
		p.next("x", true)
	}
	ev, _ := p.next("y", false)
	if len(ev.Results) != historyLimit+1 {
		t.Errorf("results: want %d, got %d", historyLimit+1, len(ev.Results))
	}
	if ev.StartIndex != historyLimit+5 {
		t.Errorf("start index: want %d, got %d", historyLimit+5, ev.StartIndex)
	}
	if first := ev.Results[0].Position; first != 5 {
		t.Errorf("oldest repeated position: want 5, got %d", first)
	}
}

// ── live session ─────────────────────────────────────────────────────────────

// serve starts a fake listen endpoint. handle runs once per connection.
func serve(t *testing.T, handle func(ctx context.Context, r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handle(r.Context(), r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStartStream_EmitsPositionalEvents(t *testing.T) {
	t.Parallel()

	frames := []string{
		`{"type":"Metadata"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"good"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"good morning"}]}}`,
	}
	gotAuth := make(chan string, 1)
	endpoint := serve(t, func(ctx context.Context, r *http.Request, conn *websocket.Conn) {
		gotAuth <- r.Header.Get("Authorization")
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	})

	p, err := New("secret", WithEndpoint(endpoint))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if auth := <-gotAuth; auth != "Token secret" {
		t.Errorf("authorization: want %q, got %q", "Token secret", auth)
	}

	var events []stt.RecognitionEvent
	for len(events) < 2 {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events closed after %d events", len(events))
			}
			events = append(events, ev)
		case <-ctx.Done():
			t.Fatalf("timed out after %d events", len(events))
		}
	}
	if events[0].Results[0].IsFinal {
		t.Error("first event: want an interim result")
	}
	last := events[1].Results[len(events[1].Results)-1]
	if !last.IsFinal || last.Text != "good morning" || last.Position != 0 {
		t.Errorf("second event: unexpected result %+v", last)
	}
}

func TestStartStream_KeepAliveWhenIdle(t *testing.T) {
	t.Parallel()

	got := make(chan string, 4)
	endpoint := serve(t, func(ctx context.Context, _ *http.Request, conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			select {
			case got <- string(data):
			default:
			}
		}
	})

	p, _ := New("key", WithEndpoint(endpoint), WithKeepAlive(20*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	select {
	case frame := <-got:
		if frame != string(keepAliveFrame) {
			t.Errorf("frame: want %s, got %s", keepAliveFrame, frame)
		}
	case <-ctx.Done():
		t.Fatal("no keepalive frame received")
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	s := &session{audio: make(chan []byte, 1), done: make(chan struct{})}
	close(s.done)
	if err := s.SendAudio([]byte{1, 2}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio: want ErrSessionClosed, got %v", err)
	}
}

// ── constructor ──────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("empty API key: want error")
	}

	p, err := New("key", WithKeepAlive(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.endpoint != liveEndpoint || p.model != defaultModel || p.language != defaultLanguage {
		t.Errorf("defaults: got endpoint %q model %q language %q", p.endpoint, p.model, p.language)
	}
	if p.keepAlive != defaultKeepAlive {
		t.Errorf("keepAlive: zero should select %v, got %v", defaultKeepAlive, p.keepAlive)
	}
}

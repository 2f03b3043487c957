// Package deepgram streams audio to Deepgram's live transcription WebSocket
// and reports the results as positional [stt.RecognitionEvent] values.
//
// Deepgram reports one open segment at a time: a series of interim results
// followed by a single is_final result for the same audio span. Each
// finalized segment becomes one position in the session's result sequence.
// Like browser speech engines, every event repeats the most recent finalized
// results before the open position; StartIndex tells consumers where the new
// material begins.
//
// Deepgram closes a socket that receives neither audio nor control frames
// for about ten seconds, so an idle session sends KeepAlive frames.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

const (
	liveEndpoint      = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultKeepAlive  = 5 * time.Second

	// historyLimit bounds how many finalized results each event repeats.
	historyLimit = 16
)

var (
	keepAliveFrame   = []byte(`{"type":"KeepAlive"}`)
	closeStreamFrame = []byte(`{"type":"CloseStream"}`)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language. A StreamConfig.Language
// overrides it per session.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the WebSocket endpoint, for self-hosted deployments
// and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithEndpointing sets how much trailing silence finalizes a segment.
// Zero keeps Deepgram's default; a negative value disables endpointing.
func WithEndpointing(silence time.Duration) Option {
	return func(p *Provider) { p.endpointing = silence }
}

// WithSmartFormat turns on Deepgram's number, date and currency formatting.
func WithSmartFormat(on bool) Option {
	return func(p *Provider) { p.smartFormat = on }
}

// WithKeepAlive sets how long a session may go without sending audio before
// a KeepAlive frame is sent. A negative value disables keepalives.
func WithKeepAlive(idle time.Duration) Option {
	return func(p *Provider) { p.keepAlive = idle }
}

// Provider implements [stt.Provider] on the Deepgram live API.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	endpointing time.Duration
	smartFormat bool
	keepAlive   time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   liveEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	if p.keepAlive == 0 {
		p.keepAlive = defaultKeepAlive
	}
	return p, nil
}

// StartStream dials Deepgram and returns the live session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		events:    make(chan stt.RecognitionEvent, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.receive(ctx)
	go s.send(ctx)
	return s, nil
}

func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	u.RawQuery = p.query(cfg).Encode()
	return u.String(), nil
}

// query builds the listen parameters. Per-session settings in cfg win over
// the provider defaults.
func (p *Provider) query(cfg stt.StreamConfig) url.Values {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", cmp.Or(cfg.Language, p.language))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cmp.Or(cfg.SampleRate, p.sampleRate)))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	switch {
	case p.endpointing < 0:
		q.Set("endpointing", "false")
	case p.endpointing > 0:
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}
	if p.smartFormat {
		q.Set("smart_format", "true")
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	return q
}

// ── session ──────────────────────────────────────────────────────────────────

// message is the subset of a Deepgram server frame that matters here.
type message struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Set on "Error" frames.
	Description string `json:"description"`
}

type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	events    chan stt.RecognitionEvent
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// Owned by receive.
	seq positioner
}

var _ stt.SessionHandle = (*session)(nil)

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Events() <-chan stt.RecognitionEvent { return s.events }

// Close asks Deepgram to flush, closes the socket and waits for both loops.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, closeStreamFrame)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// send forwards queued audio and keeps an idle socket open.
func (s *session) send(ctx context.Context) {
	defer s.wg.Done()

	var idle <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		idle = t.C
	}
	sent := false
	for {
		var (
			frame []byte
			kind  = websocket.MessageBinary
		)
		select {
		case frame = <-s.audio:
			sent = true
		case <-idle:
			if sent {
				sent = false
				continue
			}
			frame, kind = keepAliveFrame, websocket.MessageText
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if err := s.conn.Write(ctx, kind, frame); err != nil {
			slog.Debug("deepgram: write failed", "err", err)
			return
		}
	}
}

// receive turns server frames into positional events until the socket
// closes.
func (s *session) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		text, isFinal, ok := decode(data)
		if !ok {
			continue
		}
		ev, ok := s.seq.next(text, isFinal)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// decode extracts the best transcript from a server frame. ok is false for
// frames that carry no recognition result.
func decode(data []byte) (text string, isFinal, ok bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Debug("deepgram: undecodable frame", "err", err)
		return "", false, false
	}
	switch m.Type {
	case "Results":
		if len(m.Channel.Alternatives) == 0 {
			return "", false, false
		}
		return m.Channel.Alternatives[0].Transcript, m.IsFinal, true
	case "Error":
		slog.Warn("deepgram: server error", "description", m.Description)
	}
	return "", false, false
}

// positioner numbers Deepgram segments. open is the position being
// recognised; finals holds the most recent finalized results.
type positioner struct {
	open   int
	finals []stt.RecognitionResult
}

// next folds one result into the sequence. An empty final is silence: it
// neither advances the position nor produces an event.
func (p *positioner) next(text string, isFinal bool) (stt.RecognitionEvent, bool) {
	if isFinal && text == "" {
		return stt.RecognitionEvent{}, false
	}

	current := stt.RecognitionResult{Position: p.open, IsFinal: isFinal, Text: text}
	results := append(append(make([]stt.RecognitionResult, 0, len(p.finals)+1), p.finals...), current)
	ev := stt.RecognitionEvent{StartIndex: p.open, Results: results}

	if isFinal {
		p.finals = append(p.finals, current)
		if over := len(p.finals) - historyLimit; over > 0 {
			p.finals = p.finals[over:]
		}
		p.open++
	}
	return ev, true
}

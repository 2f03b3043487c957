// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// whisper-server transcribes whole files (POST /inference), so a session
// buffers incoming PCM, cuts it into utterances on trailing silence, and
// uploads each utterance as a WAV file while the next one is recorded.
//
// whisper.cpp cannot revise a hypothesis: every transcribed utterance is
// reported as one final result at the session's next position. Vocabulary
// hints become the decoder prompt.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithSilence(400*time.Millisecond))
//	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

const (
	defaultSampleRate   = 16000
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second

	// defaultSilenceLevel is the RMS amplitude, in 16-bit sample units,
	// below which a chunk counts as silence.
	defaultSilenceLevel = 300.0
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel names the model to request. Empty uses the one the server was
// started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language. A StreamConfig.Language wins.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps the length of one utterance; longer speech is split.
// A negative value removes the cap.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithSilenceLevel sets the RMS amplitude below which audio is silence.
func WithSilenceLevel(rms float64) Option {
	return func(p *Provider) { p.silenceLevel = rms }
}

// WithTemperature sets the decoder temperature. Negative leaves the server
// default.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithHTTPClient overrides the client used for uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements [stt.Provider] on a whisper.cpp HTTP server.
type Provider struct {
	serverURL    string
	model        string
	language     string
	sampleRate   int
	silence      time.Duration
	maxUtterance time.Duration
	silenceLevel float64
	temperature  float64
	client       *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		sampleRate:   defaultSampleRate,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		silenceLevel: defaultSilenceLevel,
		temperature:  -1,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.silence <= 0 {
		p.silence = defaultSilence
	}
	return p, nil
}

// StartStream returns a session. Nothing is sent to the server until the
// first utterance is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	rate := cmp.Or(cfg.SampleRate, p.sampleRate)
	channels := max(cfg.Channels, 1)

	s := &session{
		p:          p,
		language:   cmp.Or(cfg.Language, p.language),
		prompt:     prompt(cfg.Keywords),
		sampleRate: rate,
		channels:   channels,
		seg:        newSegmenter(rate, channels, p.silenceLevel, p.silence, p.maxUtterance),
		audio:      make(chan []byte, 256),
		utterances: make(chan []byte, 8),
		events:     make(chan stt.RecognitionEvent, 64),
		done:       make(chan struct{}),
	}
	s.wg.Add(2)
	go s.record(ctx)
	// Uploads outlive ctx so speech buffered at shutdown is still transcribed.
	go s.transcribe(context.WithoutCancel(ctx))
	return s, nil
}

func prompt(keywords []stt.KeywordBoost) string {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k.Keyword != "" {
			terms = append(terms, k.Keyword)
		}
	}
	return strings.Join(terms, ", ")
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	p          *Provider
	language   string
	prompt     string
	sampleRate int
	channels   int

	// Owned by record.
	seg *segmenter

	audio      chan []byte
	utterances chan []byte
	events     chan stt.RecognitionEvent

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio queues 16-bit little-endian PCM.
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

// Close transcribes buffered speech, then closes Events.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// record segments audio and hands finished utterances to transcribe.
func (s *session) record(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.utterances)

	for {
		select {
		case chunk := <-s.audio:
			if u := s.seg.push(chunk); u != nil {
				s.utterances <- u
			}
		case <-s.done:
			s.flush()
			return
		case <-ctx.Done():
			s.flush()
			return
		}
	}
}

func (s *session) flush() {
	if u := s.seg.drain(); u != nil {
		s.utterances <- u
	}
}

// transcribe uploads utterances in order and numbers the results.
func (s *session) transcribe(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	position := 0
	for pcm := range s.utterances {
		text, err := s.infer(ctx, pcm)
		if err != nil {
			slog.Warn("whisper: inference failed", "err", err)
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		ev := stt.RecognitionEvent{
			StartIndex: position,
			Results:    []stt.RecognitionResult{{Position: position, IsFinal: true, Text: text}},
		}
		select {
		case s.events <- ev:
			position++
		default:
			slog.Warn("whisper: event buffer full, dropping utterance", "position", position)
		}
	}
}

// infer posts pcm to /inference and returns the transcript.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	body, contentType, err := s.form(pcm)
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: inference: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return out.Text, nil
}

func (s *session) form(pcm []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(wav(pcm, s.sampleRate, s.channels)); err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"language", s.language},
		{"model", s.p.model},
		{"prompt", s.prompt},
	}
	if s.p.temperature >= 0 {
		fields = append(fields, [2]string{"temperature", strconv.FormatFloat(s.p.temperature, 'f', -1, 64)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

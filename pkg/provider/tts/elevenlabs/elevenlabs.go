// Package elevenlabs provides an ElevenLabs-backed speech sink using the
// ElevenLabs streaming WebSocket API. It implements the tts.Sink interface.
//
// Each chunk is synthesised on its own WebSocket stream: the sink sends the
// begin-of-input handshake, the chunk text and a flush, then copies the
// decoded PCM audio to the configured output until ElevenLabs reports
// isFinal. At most one chunk is in flight at a time; Speak while another
// chunk is playing cancels the older one.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	wsPathFmt        = "%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Sink.
type Option func(*Sink)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Sink) {
		s.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(s *Sink) {
		s.outputFormat = format
	}
}

// WithVoiceSettings overrides the default stability and similarity settings.
func WithVoiceSettings(vs tts.VoiceSettings) Option {
	return func(s *Sink) {
		s.settings = vs
	}
}

// WithBaseURL overrides the WebSocket base URL. Intended for tests.
func WithBaseURL(baseURL string) Option {
	return func(s *Sink) {
		s.baseURL = baseURL
	}
}

// Sink implements tts.Sink backed by the ElevenLabs streaming API.
type Sink struct {
	apiKey       string
	voiceID      string
	baseURL      string
	model        string
	outputFormat string
	settings     tts.VoiceSettings

	outMu sync.Mutex
	out   io.Writer

	signals chan tts.Signal

	mu       sync.Mutex
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

var _ tts.Sink = (*Sink)(nil)

// New creates a new ElevenLabs Sink that speaks with voiceID and writes raw
// audio to out. apiKey and voiceID must be non-empty and out must be non-nil.
func New(apiKey, voiceID string, out io.Writer, opts ...Option) (*Sink, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	if out == nil {
		return nil, errors.New("elevenlabs: audio output must not be nil")
	}
	s := &Sink{
		apiKey:       apiKey,
		voiceID:      voiceID,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		settings:     tts.VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		out:          out,
		signals:      make(chan tts.Signal, 16),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// ---- tts.Sink ----

// Speak dials a fresh stream for c and returns once the text has been handed
// to ElevenLabs. Audio is copied to the output in the background and the
// chunk's signal is delivered on Signals.
func (s *Sink) Speak(ctx context.Context, c tts.Chunk) error {
	// Synthesis outlives the Speak call; only Cancel stops it.
	synthCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.streamURL(), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}

	if err := s.sendText(ctx, conn, c.Text); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "failed to send text")
		return err
	}

	s.inflight.Add(1)
	go s.receive(synthCtx, conn, c)
	return nil
}

// Cancel aborts the in-flight chunk, if any.
func (s *Sink) Cancel() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	return nil
}

// Signals returns the completion channel.
func (s *Sink) Signals() <-chan tts.Signal { return s.signals }

// Close cancels the in-flight chunk and waits for its goroutine to exit.
func (s *Sink) Close() error {
	_ = s.Cancel()
	s.inflight.Wait()
	return nil
}

// sendText performs the BOI handshake, sends the chunk text and flushes.
func (s *Sink) sendText(ctx context.Context, conn *websocket.Conn, text string) error {
	vs := &voiceSettings{
		Stability:       s.settings.Stability,
		SimilarityBoost: s.settings.SimilarityBoost,
	}
	msgs := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: s.apiKey},
		textMessage{Text: text + " "},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return fmt.Errorf("elevenlabs: send: %w", err)
		}
	}
	return nil
}

// receive copies audio to the output until the stream reports isFinal, then
// emits the chunk's terminal signal. A cancelled chunk emits nothing.
func (s *Sink) receive(ctx context.Context, conn *websocket.Conn, c tts.Chunk) {
	defer s.inflight.Done()
	defer conn.Close(websocket.StatusNormalClosure, "done")

	err := s.copyAudio(ctx, conn)
	if ctx.Err() != nil {
		slog.Debug("elevenlabs: chunk cancelled", "session", c.SessionID, "seq", c.Sequence)
		return
	}

	sig := tts.Signal{SessionID: c.SessionID, Sequence: c.Sequence, Kind: tts.SignalFinished}
	if err != nil {
		sig.Kind = tts.SignalError
		sig.Err = err
	}
	select {
	case s.signals <- sig:
	case <-ctx.Done():
	}
}

func (s *Sink) copyAudio(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: %s", resp.Error)
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			s.outMu.Lock()
			_, err = s.out.Write(pcm)
			s.outMu.Unlock()
			if err != nil {
				return fmt.Errorf("elevenlabs: write audio: %w", err)
			}
		}
		if resp.IsFinal {
			return nil
		}
	}
}

func (s *Sink) streamURL() string {
	return fmt.Sprintf(wsPathFmt, s.baseURL, s.voiceID, s.model, s.outputFormat)
}

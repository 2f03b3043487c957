package config_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicesync/internal/config"
	"github.com/MrWong99/voicesync/internal/playback"
	"github.com/MrWong99/voicesync/internal/transcript"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicesync/pkg/provider/llm/mock"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicesync/pkg/provider/stt/mock"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicesync/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins: ["https://app.example.com"]

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  fallback_llm:
    - name: anthropic
      api_key: ak-test
      model: claude-haiku
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      voice_id: rachel

transcript:
  auto_pause: 1500ms
  conversion: s2twp
  language: zh-TW
  vocabulary: ["Taipei 101", "Jiufen"]

relay:
  yield_interval: 5ms

playback:
  max_chunk_length: 120
  settle_interval: 50ms
  no_split: ['\d+\.\d+', 'https?://\S+']

session:
  system_prompt: You are a concise travel guide.
  max_tokens: 300
  temperature: 0.4
  barge_in: true
  context_window: 8000

warmup:
  enabled: true
  initial_delay: 10s
  interval: 1m
`

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server: unexpected %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Name != "openai" || cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("providers.llm: unexpected %+v", cfg.Providers.LLM)
	}
	if len(cfg.Providers.FallbackLLM) != 1 || cfg.Providers.FallbackLLM[0].Name != "anthropic" {
		t.Errorf("providers.fallback_llm: unexpected %+v", cfg.Providers.FallbackLLM)
	}
	if got := cfg.Providers.TTS.Option("voice_id"); got != "rachel" {
		t.Errorf("providers.tts voice_id: want %q, got %q", "rachel", got)
	}
	if cfg.Transcript.AutoPause != 1500*time.Millisecond {
		t.Errorf("transcript.auto_pause: want 1.5s, got %s", cfg.Transcript.AutoPause)
	}
	if cfg.Transcript.SampleRate != 16000 {
		t.Errorf("transcript.sample_rate: want default 16000, got %d", cfg.Transcript.SampleRate)
	}
	if cfg.Relay.YieldInterval != 5*time.Millisecond {
		t.Errorf("relay.yield_interval: want 5ms, got %s", cfg.Relay.YieldInterval)
	}
	if cfg.Playback.MaxChunkLength != 120 || cfg.Playback.SettleInterval != 50*time.Millisecond {
		t.Errorf("playback: unexpected %+v", cfg.Playback)
	}
	if !cfg.Session.BargeIn || cfg.Session.MaxTokens != 300 || cfg.Session.ContextWindow != 8000 {
		t.Errorf("session: unexpected %+v", cfg.Session)
	}
	if !cfg.Warmup.Enabled || cfg.Warmup.Interval != time.Minute {
		t.Errorf("warmup: unexpected %+v", cfg.Warmup)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: want %q, got %q", config.DefaultListenAddr, cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: want info, got %q", cfg.Server.LogLevel)
	}
	if cfg.Transcript.AutoPause != transcript.DefaultAutoPause {
		t.Errorf("auto_pause: want %s, got %s", transcript.DefaultAutoPause, cfg.Transcript.AutoPause)
	}
	if cfg.Playback.MaxChunkLength != playback.DefaultMaxChunkLength {
		t.Errorf("max_chunk_length: want %d, got %d", playback.DefaultMaxChunkLength, cfg.Playback.MaxChunkLength)
	}
	if cfg.Playback.SettleInterval != playback.DefaultSettleInterval {
		t.Errorf("settle_interval: want %s, got %s", playback.DefaultSettleInterval, cfg.Playback.SettleInterval)
	}
	if cfg.Warmup.Enabled {
		t.Error("warmup: want disabled by default")
	}
}

func TestLoadFromReader_NegativeDisablesAutoPause(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("transcript:\n  auto_pause: -1s\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transcript.AutoPause >= 0 {
		t.Errorf("auto_pause: want negative, got %s", cfg.Transcript.AutoPause)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/voicesync.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestPlaybackConfig_Pattern(t *testing.T) {
	t.Parallel()

	re, err := config.PlaybackConfig{NoSplit: []string{`\d+\.\d+`, `v\d`}}.Pattern()
	if err != nil {
		t.Fatalf("Pattern: %v", err)
	}
	for _, s := range []string{"3.14", "v2"} {
		if !re.MatchString(s) {
			t.Errorf("pattern should match %q", s)
		}
	}

	if re, err := (config.PlaybackConfig{}).Pattern(); re != nil || err != nil {
		t.Errorf("empty no_split: want nil, nil; got %v, %v", re, err)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreatesRegisteredProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	var gotOut io.Writer
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry, out io.Writer) (tts.Sink, error) {
		gotOut = out
		return ttsmock.NewSink(), nil
	})

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	var buf strings.Builder
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}, &buf); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if gotOut != &buf {
		t.Error("CreateTTS: audio writer was not passed to the factory")
	}

	names := reg.LLMNames()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Errorf("LLMNames: want [anthropic openai], got %v", names)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: want ErrProviderNotRegistered, got %v", err)
	}
	_, err = reg.CreateSTT(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: want ErrProviderNotRegistered, got %v", err)
	}
	_, err = reg.CreateTTS(config.ProviderEntry{Name: "nope"}, io.Discard)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS: want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()

	errNoKey := errors.New("no api key")
	reg := config.NewRegistry()
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) { return nil, errNoKey })

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); !errors.Is(err, errNoKey) {
		t.Errorf("CreateLLM: want errNoKey, got %v", err)
	}
}

func TestProviderEntry_Option(t *testing.T) {
	t.Parallel()

	e := config.ProviderEntry{Options: map[string]any{
		"voice_id":     "rachel",
		"max_retries":  3,
		"smart_format": true,
		"stability":    0.5,
		"nested":       map[string]any{"a": 1},
	}}
	tests := map[string]string{
		"voice_id":     "rachel",
		"max_retries":  "3",
		"smart_format": "true",
		"stability":    "0.5",
		"nested":       "",
		"missing":      "",
	}
	for key, want := range tests {
		if got := e.Option(key); got != want {
			t.Errorf("Option(%q): want %q, got %q", key, want, got)
		}
	}
}

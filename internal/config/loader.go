package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicesync/internal/playback"
	"github.com/MrWong99/voicesync/internal/relay"
	"github.com/MrWong99/voicesync/internal/transcript"
	"github.com/MrWong99/voicesync/internal/warmup"
)

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8080"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs"},
}

// conversionProfiles lists the OpenCC profiles shipped with the converter.
var conversionProfiles = []string{
	"s2t", "t2s", "s2tw", "tw2s", "s2hk", "hk2s", "s2twp", "tw2sp", "t2tw", "t2hk", "t2jp", "jp2t",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transcript.AutoPause == 0 {
		cfg.Transcript.AutoPause = transcript.DefaultAutoPause
	}
	if cfg.Transcript.SampleRate == 0 {
		cfg.Transcript.SampleRate = 16000
	}
	if cfg.Relay.YieldInterval == 0 {
		cfg.Relay.YieldInterval = relay.DefaultYieldInterval
	}
	if cfg.Playback.MaxChunkLength == 0 {
		cfg.Playback.MaxChunkLength = playback.DefaultMaxChunkLength
	}
	if cfg.Playback.SettleInterval == 0 {
		cfg.Playback.SettleInterval = playback.DefaultSettleInterval
	}
	if cfg.Warmup.InitialDelay == 0 {
		cfg.Warmup.InitialDelay = warmup.DefaultInitialDelay
	}
	if cfg.Warmup.Interval == 0 {
		cfg.Warmup.Interval = warmup.DefaultInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; completions fail until one is set via /v1/provider/configure")
	}
	for i, fb := range cfg.Providers.FallbackLLM {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallback_llm[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.TTS.Name != "" && cfg.Providers.TTS.Option("voice_id") == "" {
		errs = append(errs, errors.New("providers.tts.options.voice_id is required for server-side synthesis"))
	}

	// Transcript
	if p := cfg.Transcript.Conversion; p != "" && !slices.Contains(conversionProfiles, p) {
		errs = append(errs, fmt.Errorf("transcript.conversion %q is not a known profile; valid values: %v", p, conversionProfiles))
	}
	if cfg.Transcript.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("transcript.sample_rate %d must not be negative", cfg.Transcript.SampleRate))
	}

	// Playback
	if cfg.Playback.MaxChunkLength < 0 {
		errs = append(errs, fmt.Errorf("playback.max_chunk_length %d must not be negative", cfg.Playback.MaxChunkLength))
	}
	if _, err := cfg.Playback.Pattern(); err != nil {
		errs = append(errs, err)
	}

	// Session
	if cfg.Session.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_tokens %d must not be negative", cfg.Session.MaxTokens))
	}
	if t := cfg.Session.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Session.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("session.context_window %d must not be negative", cfg.Session.ContextWindow))
	}

	// Warmup
	if cfg.Warmup.Enabled {
		if cfg.Warmup.InitialDelay < 0 {
			errs = append(errs, fmt.Errorf("warmup.initial_delay %s must not be negative", cfg.Warmup.InitialDelay))
		}
		if cfg.Warmup.Interval < 0 {
			errs = append(errs, fmt.Errorf("warmup.interval %s must not be negative", cfg.Warmup.Interval))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// Package config provides the configuration schema, loader, and provider registry
// for the voicesync server.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the voicesync server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicesync.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Relay      RelayConfig      `yaml:"relay"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Session    SessionConfig    `yaml:"session"`
	Warmup     WarmupConfig     `yaml:"warmup"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists the origins permitted by CORS and by the voice
	// WebSocket handshake. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// FallbackLLM lists providers tried in order when LLM fails to start a
	// stream.
	FallbackLLM []ProviderEntry `yaml:"fallback_llm"`

	// STT selects server-side recognition. When empty, clients send
	// recognition events produced by their own engine.
	STT ProviderEntry `yaml:"stt"`

	// TTS selects server-side synthesis. When empty, clients synthesise the
	// chunks they are sent.
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name" json:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key" json:"api_key,omitempty"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model" json:"model,omitempty"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options" json:"options,omitempty"`
}

// Option returns a provider option as a string. Scalars such as
// "max_retries: 3" or "smart_format: true" are formatted; missing keys and
// nested maps give "".
func (e ProviderEntry) Option(key string) string {
	switch v := e.Options[key].(type) {
	case string:
		return v
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// TranscriptConfig tunes the transcript accumulator.
type TranscriptConfig struct {
	// AutoPause is the silence interval after which finalized speech is sent
	// to the model. Zero selects the default; a negative value disables
	// auto-pause.
	AutoPause time.Duration `yaml:"auto_pause"`

	// Conversion is the OpenCC profile applied to finalized text, e.g.
	// "s2twp". Empty disables script conversion.
	Conversion string `yaml:"conversion"`

	// Vocabulary lists domain terms misheard words are corrected to.
	Vocabulary []string `yaml:"vocabulary"`

	// Language is passed to server-side recognition.
	Language string `yaml:"language"`

	// SampleRate of client audio in Hz for server-side recognition.
	SampleRate int `yaml:"sample_rate"`
}

// RelayConfig tunes the stream relay.
type RelayConfig struct {
	// YieldInterval is the pause between published fragments. Zero selects
	// the default; a negative value disables yielding.
	YieldInterval time.Duration `yaml:"yield_interval"`
}

// PlaybackConfig tunes the speech playback scheduler.
type PlaybackConfig struct {
	// MaxChunkLength caps the runes per synthesis request. Zero selects the
	// default.
	MaxChunkLength int `yaml:"max_chunk_length"`

	// SettleInterval is waited after cancelling stale synthesis before the
	// first chunk is dispatched. Zero selects the default; a negative value
	// disables the wait.
	SettleInterval time.Duration `yaml:"settle_interval"`

	// NoSplit lists regular expressions whose matches are never cut across
	// two chunks.
	NoSplit []string `yaml:"no_split"`
}

// SessionConfig shapes every voice conversation.
type SessionConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`

	// BargeIn stops playback as soon as the user is heard speaking.
	BargeIn bool `yaml:"barge_in"`

	// ContextWindow is the history budget in tokens. Zero keeps all history.
	ContextWindow int `yaml:"context_window"`
}

// WarmupConfig controls the keep-warm loop.
type WarmupConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
}

// Pattern compiles NoSplit into a single expression. It returns nil when
// NoSplit is empty.
func (p PlaybackConfig) Pattern() (*regexp.Regexp, error) {
	if len(p.NoSplit) == 0 {
		return nil, nil
	}
	parts := make([]string, len(p.NoSplit))
	for i, expr := range p.NoSplit {
		if _, err := regexp.Compile(expr); err != nil {
			return nil, fmt.Errorf("playback.no_split[%d]: %w", i, err)
		}
		parts[i] = "(?:" + expr + ")"
	}
	return regexp.Compile(strings.Join(parts, "|"))
}

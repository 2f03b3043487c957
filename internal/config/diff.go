package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged is true when the primary or fallback LLM providers differ.
	// The active provider can be swapped without dropping sessions.
	LLMChanged bool

	// TuningChanged is true when a relay, playback or barge-in setting
	// differs. Running sessions pick the new values up on their next turn.
	TuningChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.LLMChanged && !d.TuningChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// LLM providers
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		!slices.EqualFunc(old.Providers.FallbackLLM, new.Providers.FallbackLLM, sameEntry) {
		d.LLMChanged = true
	}

	// Pipeline timings
	if old.Relay != new.Relay ||
		old.Playback.MaxChunkLength != new.Playback.MaxChunkLength ||
		old.Playback.SettleInterval != new.Playback.SettleInterval ||
		old.Session.BargeIn != new.Session.BargeIn {
		d.TuningChanged = true
	}

	// Everything else is read once at startup or when a session opens.
	if old.Server.ListenAddr != new.Server.ListenAddr || (old.Server.TLS == nil) != (new.Server.TLS == nil) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) || !sameEntry(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Transcript.AutoPause != new.Transcript.AutoPause ||
		old.Transcript.Conversion != new.Transcript.Conversion ||
		!slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	if !slices.Equal(old.Playback.NoSplit, new.Playback.NoSplit) {
		d.RestartRequired = append(d.RestartRequired, "playback.no_split")
	}
	if old.Warmup != new.Warmup {
		d.RestartRequired = append(d.RestartRequired, "warmup")
	}

	return d
}

// sameEntry compares two provider entries, ignoring Options.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

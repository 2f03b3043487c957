package tts

import "fmt"

// Chunk is a bounded segment of a response to be spoken as one utterance.
type Chunk struct {
	// SessionID identifies the playback session the chunk belongs to. Sinks
	// echo it back on the chunk's Signal.
	SessionID string `json:"session_id"`

	// Sequence is the zero-based index of the chunk within its session.
	Sequence int `json:"sequence"`

	// Text is the text to speak.
	Text string `json:"text"`
}

// SignalKind distinguishes the terminal outcomes of a spoken chunk.
type SignalKind int

const (
	// SignalFinished reports that the chunk played to the end.
	SignalFinished SignalKind = iota + 1

	// SignalError reports that the engine failed to play the chunk.
	SignalError
)

// String returns the wire name of the kind.
func (k SignalKind) String() string {
	switch k {
	case SignalFinished:
		return "finished"
	case SignalError:
		return "error"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// ParseSignalKind is the inverse of [SignalKind.String].
func ParseSignalKind(s string) (SignalKind, error) {
	switch s {
	case "finished":
		return SignalFinished, nil
	case "error":
		return SignalError, nil
	default:
		return 0, fmt.Errorf("tts: unknown signal kind %q", s)
	}
}

// Signal is an asynchronous completion report from a Sink.
type Signal struct {
	SessionID string
	Sequence  int
	Kind      SignalKind

	// Err describes the failure when Kind is SignalError.
	Err error
}

// VoiceSettings mirrors the tuning knobs most hosted TTS services expose.
type VoiceSettings struct {
	// Stability trades expressiveness for consistency (0–1).
	Stability float64 `yaml:"stability"`

	// SimilarityBoost pulls the output toward the reference voice (0–1).
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// Package tts defines the Sink interface for Text-to-Speech backends.
//
// A Sink is an opaque synthesis engine that speaks one [Chunk] at a time and
// reports completion asynchronously on its [Sink.Signals] channel. Engines of
// this kind (browser speechSynthesis, hosted streaming TTS services) are known
// to stall on long utterances and to misbehave when speak and cancel calls
// arrive back-to-back; callers are expected to bound chunk length and to
// sequence calls through a playback scheduler rather than talk to a Sink
// directly.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Sink is the abstraction over any speech synthesis backend.
type Sink interface {
	// Speak starts synthesising c and returns once the engine accepted it.
	// Completion is reported later by exactly one [Signal] carrying c's
	// SessionID and Sequence, unless the chunk is cancelled first. A non-nil
	// error means the chunk was rejected outright and no signal will follow.
	Speak(ctx context.Context, c Chunk) error

	// Cancel aborts any in-flight utterance and discards queued audio.
	// Cancelled chunks do not produce a signal. Cancel on an idle sink is a
	// no-op.
	Cancel() error

	// Signals returns the channel on which completion signals are delivered.
	// The channel is shared across all chunks the sink has spoken; consumers
	// must match signals against the chunk they are waiting for.
	Signals() <-chan Signal
}

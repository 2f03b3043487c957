// Package session runs one user's spoken conversation.
//
// A [Voice] connects the transcript accumulator, the stream relay and the
// playback scheduler: an auto-pause commit becomes a user turn, the turn's
// streamed reply is relayed to the client as it arrives, and the complete
// reply is handed to playback. The conversation history is kept within the
// model's context window by a [ContextManager].
//
// Supporting types are [Recognizer], which keeps a server-side recognition
// stream alive across provider disconnects, and [LLMSummariser].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/playback"
	"github.com/MrWong99/voicesync/internal/relay"
	"github.com/MrWong99/voicesync/internal/transcript"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

var (
	errSuperseded = errors.New("session: superseded by a newer turn")
	errStopped    = errors.New("session: stopped")
	errClosed     = errors.New("session: closed")
)

// VoiceConfig configures a [Voice].
type VoiceConfig struct {
	// LLM answers user turns. Required.
	LLM llm.Provider

	// Sink plays replies. Required.
	Sink tts.Sink

	// Emitter receives session events. Nil discards them.
	Emitter Emitter

	// SystemPrompt, MaxTokens and Temperature shape every completion request.
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	// BargeIn stops playback as soon as the user is heard speaking.
	BargeIn bool

	// ContextWindow is the history budget in tokens. Zero keeps everything.
	ContextWindow int

	// Summariser compacts old history. Nil drops old turns instead.
	Summariser Summariser

	// Options for the session's own pipeline components. The session adds
	// its own commit handler and transition hook.
	Transcript []transcript.Option
	Relay      []relay.Option
	Playback   []playback.Option

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Tuning holds the settings that may change while a session runs.
type Tuning struct {
	YieldInterval  time.Duration
	SettleInterval time.Duration
	MaxChunkLength int
	BargeIn        bool
}

// Voice is one user's conversation. Its methods are safe for concurrent use.
type Voice struct {
	id      string
	cfg     VoiceConfig
	emitter Emitter
	metrics *observe.Metrics

	acc     *transcript.Accumulator
	relay   *relay.Relay
	sched   *playback.Scheduler
	history *ContextManager
	bargeIn atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	turnCancel context.CancelCauseFunc
	turnDone   chan struct{}
	closed     bool
}

// NewVoice returns a running session. ctx bounds its lifetime in addition to
// [Voice.Close].
func NewVoice(ctx context.Context, cfg VoiceConfig) (*Voice, error) {
	var errs []error
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.Sink == nil {
		errs = append(errs, errors.New("speech sink is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	v := &Voice{
		id:      uuid.NewString(),
		cfg:     cfg,
		emitter: cfg.Emitter,
		metrics: cfg.Metrics,
	}
	if v.emitter == nil {
		v.emitter = discardEmitter{}
	}
	if v.metrics == nil {
		v.metrics = observe.DefaultMetrics()
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.bargeIn.Store(cfg.BargeIn)

	v.history = NewContextManager(ContextManagerConfig{
		MaxTokens:  cfg.ContextWindow,
		Summariser: cfg.Summariser,
	})
	v.acc = transcript.New(slices.Concat(cfg.Transcript, []transcript.Option{
		transcript.WithMetrics(v.metrics),
		transcript.WithCommitHandler(v.onCommit),
	})...)
	v.relay = relay.New(slices.Concat(cfg.Relay, []relay.Option{relay.WithMetrics(v.metrics)})...)
	v.sched = playback.New(cfg.Sink, slices.Concat(cfg.Playback, []playback.Option{
		playback.WithMetrics(v.metrics),
		playback.WithTransitionHook(v.onPlayback),
	})...)

	v.metrics.SessionOpened(context.Background())
	slog.Info("session: started", "session", v.id)
	return v, nil
}

// ID returns the session identifier.
func (v *Voice) ID() string { return v.id }

// Recognize folds a recognition event into the transcript and reports the
// new snapshot. With barge-in enabled, any live preview stops a reply that
// is being spoken.
func (v *Voice) Recognize(ev stt.RecognitionEvent) transcript.Snapshot {
	snap := v.acc.Apply(ev)
	v.emitter.Emit(Event{Type: EventSnapshot, Finalized: snap.Finalized, LivePreview: snap.LivePreview})

	if v.bargeIn.Load() && snap.LivePreview != "" {
		if s := v.sched.Active(); s != nil && s.State() == playback.StateSpeaking {
			slog.Debug("session: barge-in, stopping playback", "session", v.id, "playback", s.ID())
			v.sched.Stop()
		}
	}
	return snap
}

// Consume feeds events from ch until ch closes or ctx is done.
func (v *Voice) Consume(ctx context.Context, ch <-chan stt.RecognitionEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			v.Recognize(ev)
		}
	}
}

// Submit starts a turn for text as if it had been committed from speech.
// Blank text is ignored.
func (v *Voice) Submit(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	v.startTurn(text)
}

// Flush commits finalized speech now instead of waiting for the auto-pause.
func (v *Voice) Flush() bool { return v.acc.Flush() }

// Stop abandons the current turn and interrupts playback.
func (v *Voice) Stop() {
	v.mu.Lock()
	if v.turnCancel != nil {
		v.turnCancel(errStopped)
	}
	v.mu.Unlock()
	v.sched.Stop()
}

// Reset stops the session and forgets the transcript and the conversation.
func (v *Voice) Reset() {
	v.Stop()
	v.acc.Reset()
	v.history.Reset()
	v.emitter.Emit(Event{Type: EventSnapshot})
}

// Tune applies t to the running session. It affects the next turn and
// playback.
func (v *Voice) Tune(t Tuning) {
	v.relay.SetYieldInterval(t.YieldInterval)
	v.sched.SetSettleInterval(t.SettleInterval)
	v.sched.SetMaxChunkLength(t.MaxChunkLength)
	v.bargeIn.Store(t.BargeIn)
}

// History returns the conversation as it would be sent to the model.
func (v *Voice) History() []llm.Message { return v.history.Messages() }

// Snapshot returns the current transcript.
func (v *Voice) Snapshot() transcript.Snapshot { return v.acc.Snapshot() }

// Playback returns the active playback session, or nil.
func (v *Voice) Playback() *playback.Session { return v.sched.Active() }

// Close ends the session, waiting for the current turn to unwind.
func (v *Voice) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	if v.turnCancel != nil {
		v.turnCancel(errClosed)
	}
	done := v.turnDone
	v.mu.Unlock()

	v.cancel()
	v.acc.Reset()
	if done != nil {
		<-done
	}
	err := v.sched.Close()
	v.metrics.SessionClosed(context.Background())
	slog.Info("session: closed", "session", v.id)
	return err
}

func (v *Voice) onCommit(c transcript.Commit) {
	v.startTurn(c.Text)
}

func (v *Voice) onPlayback(id string, _, to playback.State) {
	v.emitter.Emit(Event{Type: EventPlaybackState, PlaybackID: id, State: to.String()})
}

// startTurn supersedes the current turn with one for text. Turns run one at
// a time, in the order they were started.
func (v *Voice) startTurn(text string) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.turnCancel != nil {
		v.turnCancel(errSuperseded)
	}
	prev := v.turnDone
	ctx, cancel := context.WithCancelCause(v.ctx)
	done := make(chan struct{})
	v.turnCancel, v.turnDone = cancel, done
	v.mu.Unlock()

	v.sched.Stop()
	v.emitter.Emit(Event{Type: EventCommit, Content: text})

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		v.turn(ctx, text)
	}()
}

// turn sends text to the model, relays the reply and speaks it.
func (v *Voice) turn(ctx context.Context, text string) {
	ctx, span := observe.StartSpan(ctx, "session.turn", trace.WithAttributes(attribute.String("session.id", v.id)))
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()
	log := observe.Logger(ctx, "session", v.id)

	if err := v.history.AddMessages(ctx, llm.Message{Role: llm.RoleUser, Content: text}); err != nil {
		log.Warn("session: history compaction failed", "err", err)
	}

	ch, err := v.cfg.LLM.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: v.cfg.SystemPrompt,
		Messages:     v.history.Messages(),
		MaxTokens:    v.cfg.MaxTokens,
		Temperature:  v.cfg.Temperature,
	})
	if err != nil {
		spanErr = err
		if ctx.Err() == nil {
			log.Error("session: completion request failed", "err", err)
			v.emitter.Emit(Event{Type: EventError, Error: err.Error()})
		}
		return
	}

	sink := relay.FuncSink{OnPublish: func(f string) {
		v.emitter.Emit(Event{Type: EventFragment, Content: f})
	}}
	res, err := v.relay.Relay(ctx, relay.NewChunkStream(ch), sink)
	spanErr = err
	span.SetAttributes(
		attribute.String("relay.outcome", res.Outcome.String()),
		attribute.Int("relay.fragments", res.Fragments),
	)
	done := Event{
		Type:        EventResponseDone,
		Content:     res.Text,
		Outcome:     res.Outcome.String(),
		TTFCMillis:  millis(res.TimeToFirstContent),
		TotalMillis: millis(res.Total),
	}

	switch {
	case err == nil:
	case errors.Is(err, relay.ErrCanceled):
		log.Debug("session: turn canceled", "cause", context.Cause(ctx), "fragments", res.Fragments)
		return
	default:
		log.Warn("session: reply stream failed", "err", err, "fragments", res.Fragments)
		v.emitter.Emit(Event{Type: EventError, Error: err.Error()})
		v.emitter.Emit(done)
		return
	}

	if err := v.history.AddMessages(ctx, llm.Message{Role: llm.RoleAssistant, Content: res.Text}); err != nil {
		log.Warn("session: history compaction failed", "err", err)
	}
	v.emitter.Emit(done)

	if strings.TrimSpace(res.Text) == "" || ctx.Err() != nil {
		return
	}
	if _, err := v.sched.Speak(ctx, res.Text); err != nil {
		log.Warn("session: playback not started", "err", err)
		v.emitter.Emit(Event{Type: EventError, Error: err.Error()})
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

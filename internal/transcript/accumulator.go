// Package transcript turns a stream of positional recognition events into a
// duplicate-free running transcript.
//
// Recognition engines number their hypotheses by position and commonly
// re-deliver results the consumer has already seen. The [Accumulator] keeps
// two views of the utterance:
//
//   - Finalized: text of results the engine has committed to. It only ever
//     grows until an auto-pause commit hands it off and clears it.
//   - LivePreview: the engine's current interim guesses, rebuilt on every
//     event and never overlapping Finalized.
//
// When no event arrives for the auto-pause interval, the accumulator emits a
// single [Commit] carrying the finalized text. Commits are the unit that is
// sent on to the language model.
package transcript

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/pkg/convert"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

// DefaultAutoPause is the silence interval after which finalized text is
// committed.
const DefaultAutoPause = time.Second

// Snapshot is the accumulator's view after an event.
type Snapshot struct {
	Finalized   string `json:"finalized"`
	LivePreview string `json:"live_preview"`
}

// Text returns the string a display should render.
func (s Snapshot) Text() string { return s.Finalized + s.LivePreview }

// Commit is a finalized utterance ready to be sent on.
type Commit struct {
	Text string
	At   time.Time
}

// Option is a functional option for [New].
type Option func(*Accumulator)

// WithConverter sets the conversion applied to every finalized result.
// Failures fall back to the original text.
func WithConverter(c convert.Converter) Option {
	return func(a *Accumulator) {
		a.conv = c
	}
}

// WithAutoPause sets the auto-pause interval. Zero or negative disables
// auto-pause; finalized text then accumulates until [Accumulator.Flush] or
// [Accumulator.Reset].
func WithAutoPause(d time.Duration) Option {
	return func(a *Accumulator) {
		a.autoPause = d
	}
}

// WithCommitHandler registers fn to receive commits. fn runs on the timer
// goroutine, outside the accumulator's lock.
func WithCommitHandler(fn func(Commit)) Option {
	return func(a *Accumulator) {
		a.onCommit = fn
	}
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Accumulator) {
		a.metrics = m
	}
}

// Accumulator merges recognition events into a transcript. It is safe for
// concurrent use, although events are expected from a single consumer in
// arrival order.
type Accumulator struct {
	conv      convert.Converter
	autoPause time.Duration
	onCommit  func(Commit)
	metrics   *observe.Metrics

	mu        sync.Mutex
	finalized strings.Builder
	staged    map[int]string
	final     map[int]struct{}
	highest   int // highest position seen, -1 when none
	gen       uint64
	timer     *time.Timer
}

// New returns an Accumulator configured with opts.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		autoPause: DefaultAutoPause,
		staged:    make(map[int]string),
		final:     make(map[int]struct{}),
		highest:   -1,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.conv = convert.Safe(a.conv, a.conversionFailed)
	return a
}

// Apply folds ev into the transcript and returns the updated snapshot.
//
// Results below ev.StartIndex were reported by an earlier event and are
// skipped without inspection. A final result appends its converted text to
// Finalized; a final for a position that is already final is ignored. An
// interim result replaces the staged preview for its position, and an empty
// one clears it.
//
// Every call re-arms the auto-pause timer.
func (a *Accumulator) Apply(ev stt.RecognitionEvent) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.StartIndex > a.highest+1 {
		slog.Debug("transcript: gap in result positions", "start_index", ev.StartIndex, "highest", a.highest)
	}

	for _, r := range ev.Results {
		if r.Position < ev.StartIndex {
			continue
		}
		a.highest = max(a.highest, r.Position)

		if _, done := a.final[r.Position]; done {
			slog.Debug("transcript: ignoring result for finalized position", "position", r.Position, "final", r.IsFinal)
			continue
		}
		if !r.IsFinal {
			if r.Text == "" {
				delete(a.staged, r.Position)
			} else {
				a.staged[r.Position] = r.Text
			}
			continue
		}

		text, _ := a.conv.Convert(r.Text)
		a.finalized.WriteString(text)
		a.final[r.Position] = struct{}{}
		delete(a.staged, r.Position)
	}

	a.armLocked()
	return a.snapshotLocked()
}

// Snapshot returns the current view without modifying state.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Flush commits any finalized text immediately, as if the auto-pause timer
// had fired. It reports whether a commit was emitted.
func (a *Accumulator) Flush() bool {
	a.mu.Lock()
	a.gen++
	a.stopTimerLocked()
	c, ok := a.takeLocked()
	a.mu.Unlock()

	if ok {
		a.emit(c)
	}
	return ok
}

// Reset clears all state and disarms the auto-pause timer. A timer that is
// already firing observes the new generation and does nothing.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	a.stopTimerLocked()
	a.finalized.Reset()
	clear(a.staged)
	clear(a.final)
	a.highest = -1
}

// armLocked restarts the auto-pause timer for a new generation.
func (a *Accumulator) armLocked() {
	a.gen++
	a.stopTimerLocked()
	if a.autoPause <= 0 {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.autoPause, func() { a.fire(gen) })
}

func (a *Accumulator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// fire is the auto-pause timer callback for generation gen.
func (a *Accumulator) fire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	c, ok := a.takeLocked()
	a.mu.Unlock()

	if ok {
		a.emit(c)
	}
}

// takeLocked moves the finalized text into a Commit. Staged previews stay.
func (a *Accumulator) takeLocked() (Commit, bool) {
	text := a.finalized.String()
	if text == "" {
		return Commit{}, false
	}
	a.finalized.Reset()
	return Commit{Text: text, At: time.Now()}, true
}

func (a *Accumulator) emit(c Commit) {
	a.metrics.RecordCommit(context.Background())
	slog.Debug("transcript: commit", "chars", len([]rune(c.Text)))
	if a.onCommit != nil {
		a.onCommit(c)
	}
}

func (a *Accumulator) snapshotLocked() Snapshot {
	positions := make([]int, 0, len(a.staged))
	for p := range a.staged {
		positions = append(positions, p)
	}
	slices.Sort(positions)

	var preview strings.Builder
	for _, p := range positions {
		preview.WriteString(a.staged[p])
	}
	return Snapshot{Finalized: a.finalized.String(), LivePreview: preview.String()}
}

func (a *Accumulator) conversionFailed(text string, err error) {
	slog.Warn("transcript: conversion failed, keeping original text", "chars", len([]rune(text)), "err", err)
	a.metrics.RecordConversionFailure(context.Background())
}

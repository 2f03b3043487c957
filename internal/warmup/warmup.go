// Package warmup keeps a hosted model warm with periodic tiny requests.
//
// Serverless model endpoints scale their containers down when idle, and the
// first request after a cold start pays for it in time to first content. A
// [Warmer] sends a one-word prompt on a fixed interval and reads only the
// first streamed fragment, which is enough to keep the container resident.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/relay"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
)

const (
	// DefaultInitialDelay is waited once before the first cycle.
	DefaultInitialDelay = 30 * time.Second

	// DefaultInterval is waited before every request.
	DefaultInterval = 120 * time.Second

	// Info is the human-readable description reported by [Warmer.Status].
	Info = "Warmup requests keep the model container warm to reduce time to first token"
)

// request is sent on every cycle.
var request = llm.CompletionRequest{
	Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	MaxTokens:   10,
	Temperature: 0.7,
}

// Status is a point-in-time view of the warmup loop.
type Status struct {
	// Active is true while the loop goroutine is running.
	Active bool `json:"warmup_active"`

	// Running is true once the loop has been started, even if it has since
	// exited.
	Running bool `json:"warmup_running"`

	// Done is true once the loop has exited.
	Done bool `json:"warmup_done"`

	// Runs counts completed requests, successful or not.
	Runs int `json:"runs"`

	LastRun     time.Time     `json:"last_run,omitzero"`
	LastElapsed time.Duration `json:"last_elapsed_ns,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Info        string        `json:"info"`
}

// Option configures a [Warmer].
type Option func(*Warmer)

// WithInitialDelay overrides [DefaultInitialDelay]. Negative values are ignored.
func WithInitialDelay(d time.Duration) Option {
	return func(w *Warmer) {
		if d >= 0 {
			w.initialDelay = d
		}
	}
}

// WithInterval overrides [DefaultInterval]. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(w *Warmer) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Warmer) {
		if m != nil {
			w.metrics = m
		}
	}
}

// Warmer periodically sends a minimal completion request.
type Warmer struct {
	provider     llm.Provider
	initialDelay time.Duration
	interval     time.Duration
	metrics      *observe.Metrics

	mu       sync.Mutex
	started  bool
	finished bool
	runs     int
	lastRun  time.Time
	elapsed  time.Duration
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

// New returns a Warmer for p. Call [Warmer.Start] to begin.
func New(p llm.Provider, opts ...Option) *Warmer {
	w := &Warmer{
		provider:     p,
		initialDelay: DefaultInitialDelay,
		interval:     DefaultInterval,
		metrics:      observe.DefaultMetrics(),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start launches the loop. It runs until ctx is done or [Warmer.Stop] is
// called. A second Start is a no-op.
func (w *Warmer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop ends the loop and waits for it to exit. Stop before Start is a no-op.
func (w *Warmer) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-w.done
}

// Done is closed once the loop has exited.
func (w *Warmer) Done() <-chan struct{} { return w.done }

// Status reports the loop state.
func (w *Warmer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Active:      w.started && !w.finished,
		Running:     w.started,
		Done:        w.finished,
		Runs:        w.runs,
		LastRun:     w.lastRun,
		LastElapsed: w.elapsed,
		Info:        Info,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Warmer) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.finished = true
		w.mu.Unlock()
		close(w.done)
		slog.Info("warmup: stopped")
	}()

	slog.Info("warmup: started", "initial_delay", w.initialDelay, "interval", w.interval)
	if !sleep(ctx, w.initialDelay) {
		return
	}
	for sleep(ctx, w.interval) {
		elapsed, err := w.Once(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			slog.Warn("warmup: request failed", "err", err)
		default:
			slog.Info("warmup: model responded", "elapsed_ms", elapsed.Milliseconds())
		}
	}
}

// Once sends a single warmup request and reads until the first content
// fragment arrives. It returns the time that took.
func (w *Warmer) Once(ctx context.Context) (time.Duration, error) {
	ctx, span := observe.StartSpan(ctx, "warmup.once")
	start := time.Now()
	elapsed, err := w.probe(ctx, start)
	observe.EndSpan(span, err, attribute.Int64("warmup.elapsed_ms", elapsed.Milliseconds()))

	w.mu.Lock()
	w.runs++
	w.lastRun = start
	w.elapsed = elapsed
	w.lastErr = err
	w.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
	}
	w.metrics.RecordWarmup(ctx, status, elapsed)
	return elapsed, err
}

func (w *Warmer) probe(ctx context.Context, start time.Time) (time.Duration, error) {
	if w.provider == nil {
		return 0, errors.New("warmup: no provider configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := w.provider.StreamCompletion(ctx, request)
	if err != nil {
		return 0, fmt.Errorf("warmup: start stream: %w", err)
	}
	_, err = relay.NewChunkStream(ch).Next(ctx)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		return elapsed, nil
	case errors.Is(err, io.EOF):
		return elapsed, errors.New("warmup: stream ended without content")
	default:
		return elapsed, fmt.Errorf("warmup: read stream: %w", err)
	}
}

// sleep waits for d and reports whether ctx is still live afterwards.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

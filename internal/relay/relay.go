// Package relay republishes a streamed model response to a display sink one
// fragment at a time while accumulating the full text.
//
// Between fragments the relay yields for a short interval so a renderer
// sharing the consumer's scheduler gets a chance to paint. The yield is a
// fairness point, not a network delay. Fragments reach the sink in arrival
// order and are never re-delivered.
//
// A [Relay] is single-flight: starting a new relay cancels the one in
// progress and waits for it to stop before publishing anything, so two
// response bodies never write to the same sink concurrently.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/internal/observe"
)

// DefaultYieldInterval is the pause between two published fragments.
const DefaultYieldInterval = 10 * time.Millisecond

var (
	// ErrTransport is matched by every [*TransportError].
	ErrTransport = errors.New("relay: transport failure")

	// ErrCanceled is returned when the relay stopped because its context was
	// cancelled or a newer relay superseded it.
	ErrCanceled = errors.New("relay: canceled")

	// errSuperseded is the cancellation cause used for single-flight.
	errSuperseded = errors.New("superseded by a newer relay")
	errStopped    = errors.New("stopped")
)

// TransportError reports that the response stream failed mid-stream.
type TransportError struct {
	// Fragments is the number of fragments delivered before the failure.
	Fragments int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: transport failure after %d fragments: %v", e.Fragments, e.Err)
}

// Unwrap lets errors.Is match both [ErrTransport] and the cause.
func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// ResponseStream is an ordered, finite, non-restartable sequence of text
// fragments. Next returns io.EOF once the stream has ended.
type ResponseStream interface {
	Next(ctx context.Context) (string, error)
}

// FragmentSink receives the relayed fragments.
type FragmentSink interface {
	// Publish delivers one fragment. It must not block for long.
	Publish(fragment string)

	// Complete is called exactly once after the last fragment of a stream
	// that ended normally. It is not called on failure or cancellation.
	Complete(text string)
}

// Outcome classifies how a relay ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeTransportFailed
	OutcomeCanceled
)

// String returns a stable label for logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTransportFailed:
		return "transport_failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result describes a finished relay. On failure or cancellation Text holds
// the partial text accumulated so far.
type Result struct {
	Text string

	// TimeToFirstContent is zero when no fragment arrived.
	TimeToFirstContent time.Duration
	Total              time.Duration
	Fragments          int
	Outcome            Outcome
}

// Option is a functional option for [New].
type Option func(*Relay)

// WithYieldInterval sets the pause between fragments. Zero keeps the yield
// point but only calls runtime.Gosched.
func WithYieldInterval(d time.Duration) Option {
	return func(r *Relay) {
		r.yield = d
	}
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// Relay moves fragments from a [ResponseStream] to a [FragmentSink].
type Relay struct {
	yield   time.Duration
	metrics *observe.Metrics

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New returns a Relay configured with opts.
func New(opts ...Option) *Relay {
	r := &Relay{yield: DefaultYieldInterval}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// SetYieldInterval changes the yield interval for relays started afterwards.
func (r *Relay) SetYieldInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.yield = d
}

// Relay consumes stream until it ends, fails or ctx is cancelled.
//
// On end-of-stream it calls sink.Complete once and returns the full text.
// On a stream error it returns the partial Result and a [*TransportError].
// On cancellation it returns the partial Result and an error matching
// [ErrCanceled]. The relay never retries.
func (r *Relay) Relay(ctx context.Context, stream ResponseStream, sink FragmentSink) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel(errSuperseded)
	}
	prev := r.done
	r.cancel, r.done = cancel, done
	yield := r.yield
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.done == done {
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
		cancel(nil)
		close(done)
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
		}
	}

	return r.run(ctx, stream, sink, yield)
}

// Cancel stops the relay in progress, if any.
func (r *Relay) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel(errStopped)
	}
}

func (r *Relay) run(ctx context.Context, stream ResponseStream, sink FragmentSink, yield time.Duration) (Result, error) {
	start := time.Now()
	var (
		buf strings.Builder
		res Result
	)

	finish := func(o Outcome) Result {
		res.Text = buf.String()
		res.Total = time.Since(start)
		res.Outcome = o
		r.metrics.RecordRelay(context.WithoutCancel(ctx), o.String(), res.TimeToFirstContent, res.Total)
		slog.Debug("relay: finished",
			"outcome", o.String(),
			"fragments", res.Fragments,
			"ttfc", res.TimeToFirstContent,
			"total", res.Total,
		)
		return res
	}
	canceled := func() (Result, error) {
		return finish(OutcomeCanceled), fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	for {
		if ctx.Err() != nil {
			return canceled()
		}

		frag, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			res = finish(OutcomeCompleted)
			sink.Complete(res.Text)
			return res, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return canceled()
			}
			n := res.Fragments
			return finish(OutcomeTransportFailed), &TransportError{Fragments: n, Err: err}
		}
		if frag == "" {
			continue
		}

		if res.Fragments == 0 {
			res.TimeToFirstContent = time.Since(start)
		}
		res.Fragments++
		buf.WriteString(frag)
		sink.Publish(frag)

		pause(ctx, yield)
	}
}

// pause is the yield point between fragments.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		runtime.Gosched()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

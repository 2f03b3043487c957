package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RecognizerConfig configures a [Recognizer].
type RecognizerConfig struct {
	// Provider opens recognition streams.
	Provider stt.Provider

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// MaxRetries bounds reopen attempts per drop. Default: 10.
	MaxRetries int

	// Backoff is the first retry delay; it doubles up to MaxBackoff.
	// Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnReconnect, if set, is called after a stream was reopened.
	OnReconnect func(attempt int)
}

// Recognizer is an [stt.SessionHandle] that survives provider disconnects.
// When the provider's stream ends without Close being called, it is reopened
// with exponential backoff. Positions from a reopened stream are shifted past
// every position already delivered, so consumers see one continuous event
// sequence.
type Recognizer struct {
	cfg RecognizerConfig

	mu     sync.Mutex
	handle stt.SessionHandle

	events   chan stt.RecognitionEvent
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ stt.SessionHandle = (*Recognizer)(nil)

// NewRecognizer returns an unstarted Recognizer.
func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Recognizer{
		cfg:    cfg,
		events: make(chan stt.RecognitionEvent, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start opens the first stream and begins forwarding its events. It fails if
// the first stream cannot be opened.
func (r *Recognizer) Start(ctx context.Context) error {
	h, err := r.cfg.Provider.StartStream(ctx, r.cfg.Stream)
	if err != nil {
		return fmt.Errorf("session: open recognition stream: %w", err)
	}
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()

	go r.run(ctx, h)
	return nil
}

// SendAudio forwards chunk to the current stream. Audio arriving while the
// stream is being reopened is dropped.
func (r *Recognizer) SendAudio(chunk []byte) error {
	select {
	case <-r.stop:
		return stt.ErrSessionClosed
	default:
	}
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.SendAudio(chunk); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		return err
	}
	return nil
}

// Events returns the merged event sequence. It is closed after Close or when
// reopening gives up.
func (r *Recognizer) Events() <-chan stt.RecognitionEvent { return r.events }

// Close ends the current stream and stops reopening. It is safe to call more
// than once.
func (r *Recognizer) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		h := r.handle
		r.handle = nil
		r.mu.Unlock()
		if h != nil {
			err = h.Close()
		}
	})
	return err
}

// Done is closed once the forwarding loop has exited.
func (r *Recognizer) Done() <-chan struct{} { return r.done }

func (r *Recognizer) run(ctx context.Context, h stt.SessionHandle) {
	defer close(r.done)
	defer close(r.events)

	cur := newCursor()
	for {
		if !r.forward(ctx, h, cur) {
			return
		}
		slog.Warn("session: recognition stream ended, reopening", "open_from", cur.next)

		// The dropped stream will never finalize its open positions. Blank
		// them so the reopened stream starts on a clean preview.
		if ev, ok := cur.abandon(); ok && !r.deliver(ctx, ev) {
			return
		}
		if h = r.reopen(ctx, h); h == nil {
			return
		}
		cur.offset = cur.next
	}
}

// forward copies events from h, shifted by the cursor offset, until h ends.
// It reports false when the recognizer is stopping.
func (r *Recognizer) forward(ctx context.Context, h stt.SessionHandle, cur *cursor) bool {
	in := h.Events()
	for {
		select {
		case <-r.stop:
			return false
		case <-ctx.Done():
			return false
		case ev, ok := <-in:
			if !ok {
				select {
				case <-r.stop:
					return false
				default:
					return true
				}
			}
			ev = shift(ev, cur.offset)
			cur.observe(ev)
			if !r.deliver(ctx, ev) {
				return false
			}
		}
	}
}

func (r *Recognizer) deliver(ctx context.Context, ev stt.RecognitionEvent) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// cursor follows the merged position space across reopened streams.
type cursor struct {
	offset  int // added to the positions of the current stream
	next    int // first position that is not final
	highest int // largest position delivered
	final   map[int]struct{}
}

func newCursor() *cursor {
	return &cursor{highest: -1, final: map[int]struct{}{}}
}

// observe records the delivered event ev.
func (c *cursor) observe(ev stt.RecognitionEvent) {
	for p := c.next; p < ev.StartIndex; p++ {
		c.final[p] = struct{}{}
	}
	for _, res := range ev.Results {
		c.highest = max(c.highest, res.Position)
		if res.IsFinal {
			c.final[res.Position] = struct{}{}
		}
	}
	for {
		if _, ok := c.final[c.next]; !ok {
			break
		}
		delete(c.final, c.next)
		c.next++
	}
}

// abandon returns an event that blanks every open position. The cursor is
// rewound to the first open position so the next stream reuses it, unless a
// later position is already final; then it moves past everything seen. It
// reports false when nothing is open.
func (c *cursor) abandon() (stt.RecognitionEvent, bool) {
	if c.highest < c.next {
		return stt.RecognitionEvent{}, false
	}
	ev := stt.RecognitionEvent{StartIndex: c.next}
	for p := c.next; p <= c.highest; p++ {
		if _, done := c.final[p]; done {
			continue
		}
		ev.Results = append(ev.Results, stt.RecognitionResult{Position: p})
	}
	if len(c.final) > 0 {
		c.next = c.highest + 1
	}
	c.highest = c.next - 1
	clear(c.final)
	return ev, true
}

// reopen replaces the dropped handle old, backing off between attempts. It
// returns nil when it gives up or the recognizer stops.
func (r *Recognizer) reopen(ctx context.Context, old stt.SessionHandle) stt.SessionHandle {
	_ = old.Close()
	wait := r.cfg.Backoff

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		h, err := r.cfg.Provider.StartStream(ctx, r.cfg.Stream)
		if err == nil {
			r.mu.Lock()
			select {
			case <-r.stop:
				r.mu.Unlock()
				_ = h.Close()
				return nil
			default:
			}
			r.handle = h
			r.mu.Unlock()

			slog.Info("session: recognition stream reopened", "attempt", attempt)
			if r.cfg.OnReconnect != nil {
				r.cfg.OnReconnect(attempt)
			}
			return h
		}
		slog.Warn("session: reopening recognition stream failed",
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, r.cfg.MaxBackoff)
	}

	slog.Error("session: giving up on recognition stream", "max_retries", r.cfg.MaxRetries)
	return nil
}

func shift(ev stt.RecognitionEvent, offset int) stt.RecognitionEvent {
	if offset == 0 {
		return ev
	}
	out := stt.RecognitionEvent{StartIndex: ev.StartIndex + offset, Results: make([]stt.RecognitionResult, len(ev.Results))}
	for i, res := range ev.Results {
		res.Position += offset
		out.Results[i] = res
	}
	return out
}

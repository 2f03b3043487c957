package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Frame is one server-sent event of the chat completions stream.
//
//	data: {"content":"Hel","is_final":false}
//	data: {"content":"","is_final":true,"ttfc_ms":182.4,"total_ms":913.0}
//	data: [DONE]
//
// A failed stream ends with a single frame carrying Error and IsFinal.
type Frame struct {
	Content     string   `json:"content"`
	IsFinal     bool     `json:"is_final"`
	TTFCMillis  *float64 `json:"ttfc_ms,omitempty"`
	TotalMillis *float64 `json:"total_ms,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// doneMarker is the payload of the terminating data line.
const doneMarker = "[DONE]"

// ── SSEStream ────────────────────────────────────────────────────────────────

// wireFrame also accepts OpenAI-style chunks so SSEStream can read any
// OpenAI-compatible endpoint.
type wireFrame struct {
	Frame
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// SSEStream is a [ResponseStream] over a text/event-stream body.
type SSEStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	done bool

	ttfc, total time.Duration
	hasTiming   bool
}

var _ ResponseStream = (*SSEStream)(nil)

// NewSSEStream reads frames from body. The caller closes body via Close.
func NewSSEStream(body io.ReadCloser) *SSEStream {
	return &SSEStream{body: body, r: bufio.NewReader(body)}
}

// Next implements [ResponseStream]. A body that ends without an end marker
// is reported as io.ErrUnexpectedEOF; an error frame is returned as an error.
func (s *SSEStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return "", fmt.Errorf("relay: sse stream ended without end marker: %w", io.ErrUnexpectedEOF)
			}
			return "", fmt.Errorf("relay: read sse stream: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Blank separators, comments and other fields.
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == doneMarker {
			s.done = true
			return "", io.EOF
		}

		var f wireFrame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return "", fmt.Errorf("relay: decode sse frame: %w", err)
		}
		if f.Error != "" {
			s.done = true
			return "", errors.New(f.Error)
		}
		if f.TTFCMillis != nil && f.TotalMillis != nil {
			s.ttfc = fromMillis(*f.TTFCMillis)
			s.total = fromMillis(*f.TotalMillis)
			s.hasTiming = true
		}

		text := f.Content
		for _, c := range f.Choices {
			text += c.Delta.Content
			if c.FinishReason != nil && *c.FinishReason != "" {
				s.done = true
			}
		}
		if f.IsFinal {
			s.done = true
		}
		if text != "" {
			return text, nil
		}
	}
}

// ServerTiming returns the timings reported in the final frame, if any.
func (s *SSEStream) ServerTiming() (ttfc, total time.Duration, ok bool) {
	return s.ttfc, s.total, s.hasTiming
}

// Close closes the underlying body.
func (s *SSEStream) Close() error { return s.body.Close() }

// ── SSEWriter ────────────────────────────────────────────────────────────────

// SSEWriter is a [FragmentSink] that writes the chat completions event
// stream to an HTTP response, flushing after every frame. Timings in the
// final frame are measured from NewSSEWriter.
type SSEWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	start time.Time

	mu     sync.Mutex
	ttfc   time.Duration
	closed bool
	err    error
}

var _ FragmentSink = (*SSEWriter)(nil)

// NewSSEWriter writes the event-stream response headers and returns a
// writer for the body.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w, rc: http.NewResponseController(w), start: time.Now()}
	s.flush()
	return s
}

// Publish implements [FragmentSink].
func (s *SSEWriter) Publish(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.ttfc == 0 {
		s.ttfc = time.Since(s.start)
	}
	s.writeFrame(Frame{Content: fragment})
}

// Complete implements [FragmentSink]. It writes the final frame with
// timings followed by the [DONE] marker.
func (s *SSEWriter) Complete(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	ttfc, total := millis(s.ttfc), millis(time.Since(s.start))
	s.writeFrame(Frame{IsFinal: true, TTFCMillis: &ttfc, TotalMillis: &total})
	s.writeLine(doneMarker)
}

// Fail writes a terminal error frame. Calls after Complete or Fail are
// ignored.
func (s *SSEWriter) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.writeFrame(Frame{IsFinal: true, Error: err.Error()})
}

// Err returns the first write error, typically a disconnected client.
func (s *SSEWriter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SSEWriter) writeFrame(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		s.setErr(err)
		return
	}
	s.writeLine(string(b))
}

func (s *SSEWriter) writeLine(payload string) {
	if s.err != nil {
		return
	}
	if _, err := io.WriteString(s.w, "data: "+payload+"\n\n"); err != nil {
		s.setErr(err)
		return
	}
	s.flush()
}

func (s *SSEWriter) flush() {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.setErr(err)
	}
}

func (s *SSEWriter) setErr(err error) {
	if s.err == nil {
		s.err = err
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

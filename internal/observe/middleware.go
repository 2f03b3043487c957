package observe

import (
	"bufio"
	"cmp"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern claimed.
const unmatchedRoute = "unmatched"

// responseTap records what a handler wrote. It forwards Flush for SSE and
// Hijack for WebSocket upgrades.
type responseTap struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTap) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	t.bytes += int64(n)
	return n, err
}

func (t *responseTap) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack records the upgrade as 101.
func (t *responseTap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T does not implement http.Hijacker", t.ResponseWriter)
	}
	t.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (t *responseTap) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// probePaths are polled by orchestrators and scrapers and logged at debug.
var probePaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

func logLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case probePaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Middleware traces, measures and logs every request.
//
// Incoming W3C trace context is continued, and the trace ID is returned as
// X-Correlation-ID. Spans and the duration histogram are labelled with the
// mux route pattern ("POST /v1/chat/completions") once routing has
// happened, so path parameters never explode label cardinality. Streamed
// responses (SSE, WebSocket) are measured until the handler returns.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(tap, r)
			elapsed := time.Since(start)

			// ServeMux fills in Pattern on the request it routed.
			route := cmp.Or(r.Pattern, unmatchedRoute)
			if r.Pattern != "" {
				span.SetName(r.Pattern)
				span.SetAttributes(semconv.HTTPRoute(r.Pattern))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", tap.status),
			))

			slog.LogAttrs(ctx, logLevel(r.URL.Path, tap.status), "http request",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", tap.status),
				slog.Int64("bytes", tap.bytes),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

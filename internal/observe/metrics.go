// Package observe provides the observability primitives shared by voicesync:
// OpenTelemetry metrics and tracing, slog setup, and the HTTP middleware that
// ties them to requests.
//
// Instruments are created through the OpenTelemetry metrics API;
// [InitProvider] bridges them to a Prometheus registry for /metrics. Code
// that is not handed a [Metrics] uses [DefaultMetrics]. Tests should build
// their own with [NewMetrics] and an SDK MeterProvider backed by a
// ManualReader.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicesync"

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the application's instruments. It is safe for concurrent
// use. Prefer the Record methods; the instruments are exported for the
// few call sites that need attributes of their own.
type Metrics struct {
	ConversionFailures metric.Int64Counter
	TranscriptCommits  metric.Int64Counter

	RelayTTFC     metric.Float64Histogram
	RelayDuration metric.Float64Histogram
	RelayOutcomes metric.Int64Counter // attr: outcome

	PlaybackChunks   metric.Int64Counter
	PlaybackFailures metric.Int64Counter
	PlaybackSessions metric.Int64Counter // attr: state

	LLMDuration      metric.Float64Histogram // attr: source
	ProviderRequests metric.Int64Counter     // attrs: provider, kind, status
	ProviderErrors   metric.Int64Counter     // attrs: provider, kind
	WarmupRuns       metric.Int64Counter     // attr: status

	ActiveSessions metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // attrs: http.request.method, route, status
}

// instruments creates instruments on one meter and keeps the first error.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.keep(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.keep(name, err)
	return g
}

func (in *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	in.keep(name, err)
	return h
}

func (in *instruments) keep(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("observe: create %s: %w", name, err)
	}
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConversionFailures: in.counter("voicesync.transcript.conversion_failures",
			"Finalized segments whose conversion failed and kept the original text."),
		TranscriptCommits: in.counter("voicesync.transcript.commits",
			"Transcript commits emitted after an auto-pause."),

		RelayTTFC: in.seconds("voicesync.relay.ttfc",
			"Time from relay start to the first content fragment."),
		RelayDuration: in.seconds("voicesync.relay.duration",
			"Total duration of a response relay."),
		RelayOutcomes: in.counter("voicesync.relay.outcomes",
			"Finished relays by outcome."),

		PlaybackChunks: in.counter("voicesync.playback.chunks",
			"Chunks dispatched to a speech sink."),
		PlaybackFailures: in.counter("voicesync.playback.failures",
			"Playback sessions abandoned after a sink error."),
		PlaybackSessions: in.counter("voicesync.playback.sessions",
			"Playback sessions by terminal state."),

		LLMDuration: in.seconds("voicesync.llm.duration",
			"Latency of LLM requests up to the first streamed chunk."),
		ProviderRequests: in.counter("voicesync.provider.requests",
			"Provider requests by provider, kind and status."),
		ProviderErrors: in.counter("voicesync.provider.errors",
			"Provider errors by provider and kind."),
		WarmupRuns: in.counter("voicesync.warmup.runs",
			"Keep-warm requests by status."),

		ActiveSessions: in.gauge("voicesync.active_sessions",
			"Live voice sessions."),

		HTTPRequestDuration: in.seconds("voicesync.http.request.duration",
			"HTTP request latency by method, route and status."),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on [otel.GetMeterProvider],
// created on first use. Call [InitProvider] before the first call so the
// instruments reach the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordConversionFailure counts one conversion fallback.
func (m *Metrics) RecordConversionFailure(ctx context.Context) {
	m.ConversionFailures.Add(ctx, 1)
}

// RecordCommit counts one transcript commit.
func (m *Metrics) RecordCommit(ctx context.Context) {
	m.TranscriptCommits.Add(ctx, 1)
}

// RecordRelay records a finished relay. A zero ttfc means no fragment
// arrived and is not observed.
func (m *Metrics) RecordRelay(ctx context.Context, outcome string, ttfc, total time.Duration) {
	if ttfc > 0 {
		m.RelayTTFC.Record(ctx, ttfc.Seconds())
	}
	o := attrs(Attr("outcome", outcome))
	m.RelayDuration.Record(ctx, total.Seconds(), o)
	m.RelayOutcomes.Add(ctx, 1, o)
}

// RecordPlaybackChunk counts one chunk handed to a sink.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context) {
	m.PlaybackChunks.Add(ctx, 1)
}

// RecordPlaybackEnd counts a playback session by terminal state, and as a
// failure when failed is set.
func (m *Metrics) RecordPlaybackEnd(ctx context.Context, state string, failed bool) {
	m.PlaybackSessions.Add(ctx, 1, attrs(Attr("state", state)))
	if failed {
		m.PlaybackFailures.Add(ctx, 1)
	}
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs(Attr("provider", provider), Attr("kind", kind)))
}

// RecordWarmup counts a keep-warm request. Successful ones also feed the
// LLM latency histogram with source=warmup.
func (m *Metrics) RecordWarmup(ctx context.Context, status string, elapsed time.Duration) {
	m.WarmupRuns.Add(ctx, 1, attrs(Attr("status", status)))
	if status == "ok" {
		m.LLMDuration.Record(ctx, elapsed.Seconds(), attrs(Attr("source", "warmup")))
	}
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

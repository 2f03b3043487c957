// Package server exposes voicesync over HTTP.
//
// Routes:
//
//   - POST /v1/chat/completions streams a completion as server-sent events.
//   - GET  /v1/voice upgrades to a WebSocket carrying one voice session.
//   - GET  /, /health, /v1/providers, /v1/warmup/status report service state.
//   - POST /v1/provider/configure swaps the active language model.
//   - GET  /healthz, /readyz and /metrics serve probes and Prometheus metrics.
//
// Every route runs behind [observe.Middleware] and the CORS policy.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicesync/internal/config"
	"github.com/MrWong99/voicesync/internal/health"
	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/resilience"
	"github.com/MrWong99/voicesync/internal/session"
	"github.com/MrWong99/voicesync/internal/warmup"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// Service identification reported by GET /.
const (
	ServiceName = "voicesync"
	Version     = "0.1.0"
)

// VoiceSessions opens and closes voice sessions on behalf of connections.
type VoiceSessions interface {
	Open(ctx context.Context, sink tts.Sink, emitter session.Emitter) (*session.Voice, error)
	Close(id string) error
}

// WarmupStatus reports the keep-warm loop's state.
type WarmupStatus interface {
	Status() warmup.Status
}

// Config carries the server's collaborators. LLM and Sessions are required.
type Config struct {
	// LLM is the active language model. Configure requests replace its
	// backend.
	LLM *resilience.LLMSwitch

	// Model is the active backend's model name, reported by /health.
	Model string

	// Registry builds backends for /v1/provider/configure and lists the
	// names for /v1/providers.
	Registry *config.Registry

	// Sessions backs the voice WebSocket.
	Sessions VoiceSessions

	// Warmup is reported by /v1/warmup/status and GET /. May be nil.
	Warmup WarmupStatus

	// STT enables server-side recognition of binary audio frames. When nil,
	// clients send recognition events.
	STT    stt.Provider
	Stream stt.StreamConfig

	// NewSink builds a server-side synthesis sink writing audio to out. When
	// nil, the client synthesises the chunks it is sent.
	NewSink func(out io.Writer) (tts.Sink, error)

	// Session shapes requests on /v1/chat/completions that leave fields unset.
	Session config.SessionConfig

	// YieldInterval is the relay's pause between fragments.
	YieldInterval time.Duration

	// AllowedOrigins is the CORS and WebSocket origin allow-list.
	AllowedOrigins []string

	// Checkers are evaluated by /readyz in addition to the LLM probe.
	Checkers []health.Checker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the HTTP front end. Create one with [New].
type Server struct {
	cfg     Config
	metrics *observe.Metrics
	yield   atomic.Int64
	model   atomic.Pointer[string]
	handler http.Handler
	http    *http.Server

	// base parents every request context. Hijacked voice connections are
	// not tracked by http.Server, so Shutdown cancels them through it.
	base context.Context
	stop context.CancelFunc
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.LLM == nil {
		errs = append(errs, errors.New("server: llm switch is required"))
	}
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("server: voice sessions are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		cfg.Registry = config.NewRegistry()
	}
	s := &Server{cfg: cfg, metrics: cfg.Metrics}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.yield.Store(int64(cfg.YieldInterval))
	s.model.Store(&cfg.Model)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("POST /v1/provider/configure", s.handleConfigure)
	mux.HandleFunc("GET /v1/warmup/status", s.handleWarmup)
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("GET /v1/voice", s.handleVoice)
	mux.Handle("GET /metrics", promhttp.Handler())

	hh := health.New(Version, health.Checker{Name: "llm", Check: s.probeLLM})
	if cfg.Warmup != nil {
		hh.Add(health.Checker{Name: "warmup", Check: s.checkWarmup, Optional: true})
	}
	hh.Add(cfg.Checkers...)
	hh.Register(mux)

	s.handler = observe.Middleware(s.metrics)(cors(cfg.AllowedOrigins, mux))
	s.base, s.stop = context.WithCancel(context.Background())
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// SetModel changes the model name reported by /health.
func (s *Server) SetModel(model string) { s.model.Store(&model) }

// SetYieldInterval changes the relay yield for completions started afterwards.
func (s *Server) SetYieldInterval(d time.Duration) { s.yield.Store(int64(d)) }

// Serve accepts connections on ln until [Server.Shutdown]. It returns nil
// after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("server: listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeTLS is [Server.Serve] with TLS.
func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	slog.Info("server: listening", "addr", ln.Addr().String(), "tls", true)
	if err := s.http.ServeTLS(ln, certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, waits for streaming completions to
// finish and then ends open voice connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.stop()
	return err
}

// checkWarmup reports the last warmup failure, if the most recent run failed.
func (s *Server) checkWarmup(context.Context) error {
	if st := s.cfg.Warmup.Status(); st.LastError != "" {
		return errors.New(st.LastError)
	}
	return nil
}

// probeLLM checks that the active backend answers a one-token request.
func (s *Server) probeLLM(ctx context.Context) error {
	_, p := s.cfg.LLM.Current()
	if p == nil {
		return resilience.ErrNoProvider
	}
	return probe(ctx, p)
}

func probe(ctx context.Context, p llm.Provider) error {
	_, err := p.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

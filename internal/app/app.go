// Package app wires all voicesync subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject collaborators via functional options (WithListener,
// WithMetrics, etc.). When an option is not provided, New uses the
// production default.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicesync/internal/config"
	"github.com/MrWong99/voicesync/internal/health"
	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/playback"
	"github.com/MrWong99/voicesync/internal/relay"
	"github.com/MrWong99/voicesync/internal/resilience"
	"github.com/MrWong99/voicesync/internal/server"
	"github.com/MrWong99/voicesync/internal/session"
	"github.com/MrWong99/voicesync/internal/transcript"
	"github.com/MrWong99/voicesync/internal/warmup"
	"github.com/MrWong99/voicesync/pkg/convert"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// shutdownTimeout bounds the HTTP drain when Run's context ends.
const shutdownTimeout = 15 * time.Second

// Providers holds one value per provider slot. Nil means the provider is not
// configured. Populated by main.go via [BuildProviders].
type Providers struct {
	// LLMName labels LLM in logs and on GET /.
	LLMName string
	LLM     llm.Provider

	// STT enables server-side recognition.
	STT stt.Provider

	// NewSink builds a server-side synthesis sink per voice connection. Nil
	// means clients synthesise.
	NewSink func(out io.Writer) (tts.Sink, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	registry   *config.Registry
	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	watchOpts  []config.WatcherOption
	listener   net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	llm      *resilience.LLMSwitch
	sessions *SessionManager
	warmer   *warmup.Warmer
	server   *server.Server
	watcher  *config.Watcher

	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the registry used by /v1/provider/configure and by hot
// reload to build language model backends.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads change the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch reloads path while the app runs.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) { a.configPath, a.watchOpts = path, opts }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.llm = resilience.NewLLMSwitch(providers.LLMName, providers.LLM)
	if providers.LLM == nil {
		slog.Warn("app: no llm provider configured; voice turns and completions fail until one is configured")
	}

	// ── 1. Voice sessions ────────────────────────────────────────────────
	template, err := a.voiceTemplate()
	if err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.sessions = NewSessionManager(SessionManagerConfig{Template: template})

	// ── 2. Warmup ───────────────────────────────────────────────────────
	if cfg.Warmup.Enabled {
		a.warmer = warmup.New(a.llm,
			warmup.WithInitialDelay(cfg.Warmup.InitialDelay),
			warmup.WithInterval(cfg.Warmup.Interval),
			warmup.WithMetrics(a.metrics),
		)
	}

	// ── 3. HTTP server ──────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// voiceTemplate builds the per-session configuration shared by every voice
// connection.
func (a *App) voiceTemplate() (session.VoiceConfig, error) {
	conv, err := BuildConverter(a.cfg.Transcript)
	if err != nil {
		return session.VoiceConfig{}, err
	}
	noSplit, err := a.cfg.Playback.Pattern()
	if err != nil {
		return session.VoiceConfig{}, err
	}

	sc := a.cfg.Session
	tc := session.VoiceConfig{
		LLM:           a.llm,
		SystemPrompt:  sc.SystemPrompt,
		MaxTokens:     sc.MaxTokens,
		Temperature:   sc.Temperature,
		BargeIn:       sc.BargeIn,
		ContextWindow: sc.ContextWindow,
		Transcript: []transcript.Option{
			transcript.WithAutoPause(a.cfg.Transcript.AutoPause),
			transcript.WithConverter(conv),
		},
		Relay: []relay.Option{relay.WithYieldInterval(a.cfg.Relay.YieldInterval)},
		Playback: []playback.Option{
			playback.WithMaxChunkLength(a.cfg.Playback.MaxChunkLength),
			playback.WithSettleInterval(a.cfg.Playback.SettleInterval),
			playback.WithNoSplit(noSplit),
		},
		Metrics: a.metrics,
	}
	if sc.ContextWindow > 0 {
		tc.Summariser = session.NewLLMSummariser(a.llm)
	}
	return tc, nil
}

func (a *App) initServer() error {
	var ws server.WarmupStatus
	if a.warmer != nil {
		ws = a.warmer
	}
	model := a.cfg.Providers.LLM.Model
	srv, err := server.New(server.Config{
		LLM:      a.llm,
		Model:    model,
		Registry: a.registry,
		Sessions: a.sessions,
		Warmup:   ws,
		STT:      a.providers.STT,
		Stream: stt.StreamConfig{
			SampleRate: a.cfg.Transcript.SampleRate,
			Channels:   1,
			Language:   a.cfg.Transcript.Language,
			Keywords:   keywords(a.cfg.Transcript.Vocabulary),
		},
		NewSink:        a.providers.NewSink,
		Session:        a.cfg.Session,
		YieldInterval:  a.cfg.Relay.YieldInterval,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
		Checkers: []health.Checker{
			{Name: "config", Check: a.checkConfig, Optional: true},
		},
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// keywords boosts every vocabulary term during server-side recognition.
func keywords(vocab []string) []stt.KeywordBoost {
	if len(vocab) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(vocab))
	for i, term := range vocab {
		out[i] = stt.KeywordBoost{Keyword: term, Boost: 1}
	}
	return out
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, keeps the model warm and watches the configuration file
// until ctx is cancelled or the server fails. It drains the server before
// returning; call [App.Shutdown] afterwards to release everything else.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		var lc net.ListenConfig
		if ln, err = lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, a.watchOpts...)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: watch config: %w", err)
		}
		a.mu.Lock()
		a.watcher = w
		a.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.warmer != nil {
		a.warmer.Start(gctx)
	}
	g.Go(func() error {
		if tls := a.cfg.Server.TLS; tls != nil {
			return a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		}
		return a.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: drain server: %w", err)
		}
		return nil
	})

	slog.Info("app: running", "addr", ln.Addr().String(), "llm", a.llm.Name())
	return g.Wait()
}

// Handler returns the HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the voice session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// LLM returns the switch every subsystem sends completions through.
func (a *App) LLM() *resilience.LLMSwitch { return a.llm }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig applies the hot-reloadable part of a configuration change.
func (a *App) applyConfig(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if d.LLMChanged {
		name, p, err := BuildLLM(a.registry, newCfg.Providers, a.metrics)
		if err != nil {
			slog.Error("app: reloading llm provider failed, keeping the current one", "err", err)
		} else {
			prev := a.llm.Set(name, p)
			a.server.SetModel(newCfg.Providers.LLM.Model)
			slog.Info("app: llm provider reloaded", "provider", name, "previous", prev)
		}
	}

	if d.TuningChanged {
		a.sessions.Tune(TuningFrom(newCfg))
		a.server.SetYieldInterval(newCfg.Relay.YieldInterval)
	}
}

// ReloadConfig re-reads the watched configuration file immediately. It
// returns an error when no file is watched or the file is invalid.
func (a *App) ReloadConfig() (bool, error) {
	a.mu.Lock()
	w := a.watcher
	a.mu.Unlock()
	if w == nil {
		return false, errors.New("app: no configuration file is watched")
	}
	return w.Reload()
}

// checkConfig degrades readiness while the watched file fails to parse.
func (a *App) checkConfig(context.Context) error {
	a.mu.Lock()
	w := a.watcher
	a.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Err()
}

// TuningFrom extracts the session settings that may change at runtime.
func TuningFrom(cfg *config.Config) session.Tuning {
	return session.Tuning{
		YieldInterval:  cfg.Relay.YieldInterval,
		SettleInterval: cfg.Playback.SettleInterval,
		MaxChunkLength: cfg.Playback.MaxChunkLength,
		BargeIn:        cfg.Session.BargeIn,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		w := a.watcher
		a.mu.Unlock()

		closers := []func() error{
			func() error { return a.server.Shutdown(ctx) },
			func() error {
				if a.warmer != nil {
					a.warmer.Stop()
				}
				return nil
			},
			func() error {
				if w != nil {
					w.Stop()
				}
				return nil
			},
			a.sessions.CloseAll,
		}
		closers = append(closers, a.closers...)
		slog.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// AddCloser registers fn to run at the end of Shutdown.
func (a *App) AddCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// BuildConverter chains script conversion and vocabulary correction for
// finalized transcript text. Both stages are optional.
func BuildConverter(tc config.TranscriptConfig) (convert.Converter, error) {
	var stages []convert.Converter
	if tc.Conversion != "" {
		cc, err := convert.NewOpenCC(tc.Conversion)
		if err != nil {
			return nil, fmt.Errorf("transcript.conversion: %w", err)
		}
		stages = append(stages, cc)
	}
	if len(tc.Vocabulary) > 0 {
		stages = append(stages, transcript.NewVocabularyConverter(tc.Vocabulary, nil))
	}
	return convert.Chain(stages...), nil
}

// BuildLLM creates the configured language model, wrapping it in a
// fallback group when fallback providers are listed. It returns a nil
// provider when none is configured.
func BuildLLM(reg *config.Registry, pc config.ProvidersConfig, m *observe.Metrics) (string, llm.Provider, error) {
	if pc.LLM.Name == "" {
		return "", nil, nil
	}
	primary, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return "", nil, fmt.Errorf("llm %q: %w", pc.LLM.Name, err)
	}
	if len(pc.FallbackLLM) == 0 {
		return pc.LLM.Name, primary, nil
	}

	fb := resilience.NewLLMFallback(primary, pc.LLM.Name, resilience.FallbackConfig{
		Kind:    "llm",
		Metrics: m,
	})
	for i, entry := range pc.FallbackLLM {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return "", nil, fmt.Errorf("fallback_llm[%d] %q: %w", i, entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
	}
	return pc.LLM.Name, fb, nil
}

// BuildProviders instantiates every configured provider from reg.
func BuildProviders(reg *config.Registry, cfg *config.Config, m *observe.Metrics) (*Providers, error) {
	p := &Providers{}

	name, l, err := BuildLLM(reg, cfg.Providers, m)
	if err != nil {
		return nil, err
	}
	p.LLMName, p.LLM = name, l

	if entry := cfg.Providers.STT; entry.Name != "" {
		if p.STT, err = reg.CreateSTT(entry); err != nil {
			return nil, fmt.Errorf("stt %q: %w", entry.Name, err)
		}
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		probe, err := reg.CreateTTS(entry, io.Discard)
		if err != nil {
			return nil, fmt.Errorf("tts %q: %w", entry.Name, err)
		}
		if c, ok := probe.(io.Closer); ok {
			_ = c.Close()
		}
		p.NewSink = func(out io.Writer) (tts.Sink, error) {
			return reg.CreateTTS(entry, out)
		}
	}
	return p, nil
}

// SlogLevel maps a configured level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

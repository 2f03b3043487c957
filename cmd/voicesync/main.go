// Command voicesync serves streaming completions and real-time voice
// conversations, and includes a small client for trying the server out.
//
// Usage:
//
//	voicesync [-config config.yaml]
//	voicesync ask [-url http://localhost:8080] [-system prompt] question...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicesync/internal/app"
	"github.com/MrWong99/voicesync/internal/config"
	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/server"
	"github.com/MrWong99/voicesync/pkg/provider/llm"
	"github.com/MrWong99/voicesync/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicesync/pkg/provider/llm/openai"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
	"github.com/MrWong99/voicesync/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicesync/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
	"github.com/MrWong99/voicesync/pkg/provider/tts/elevenlabs"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ask" {
		os.Exit(runAsk(os.Args[2:], os.Stdout))
	}
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	traceRatio := flag.Float64("trace-ratio", 1, "fraction of traces to record")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicesync: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicesync: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("voicesync starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: server.Version,
		SampleRatio:    *traceRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	metrics := telemetry.Metrics
	providers, err := app.BuildProviders(reg, cfg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithMetrics(metrics),
		app.WithLogLevel(&level),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.AddCloser(func() error {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return telemetry.Shutdown(tctx)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if *watch {
		g.Go(func() error { return reloadOnHangup(gctx, application) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			changed, err := a.ReloadConfig()
			if err != nil {
				slog.Error("SIGHUP: config reload failed", "err", err)
				continue
			}
			slog.Info("SIGHUP: config reloaded", "changed", changed)
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(entry.Option("timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, err := strconv.Atoi(entry.Option("max_retries")); err == nil && n > 0 {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other any-llm backend shares one factory: optional APIKey and
	// BaseURL. "openai" stays on the native SDK above.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d, err := time.ParseDuration(entry.Option("endpointing")); err == nil {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		if on, err := strconv.ParseBool(entry.Option("smart_format")); err == nil {
			opts = append(opts, deepgram.WithSmartFormat(on))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// whisper is a local whisper.cpp server; BaseURL is its address.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, err := time.ParseDuration(entry.Option("silence")); err == nil {
			opts = append(opts, whisper.WithSilence(d))
		}
		if d, err := time.ParseDuration(entry.Option("max_utterance")); err == nil {
			opts = append(opts, whisper.WithMaxUtterance(d))
		}
		if t, err := strconv.ParseFloat(entry.Option("temperature"), 64); err == nil {
			opts = append(opts, whisper.WithTemperature(t))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry, out io.Writer) (tts.Sink, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.Option("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, entry.Option("voice_id"), out, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicesync startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.FallbackLLM))
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	conversion := cfg.Transcript.Conversion
	if conversion == "" {
		conversion = "(none)"
	}
	fmt.Printf("║  Conversion      : %-19s ║\n", conversion)
	fmt.Printf("║  Vocabulary      : %-19d ║\n", len(cfg.Transcript.Vocabulary))
	warm := "(disabled)"
	if cfg.Warmup.Enabled {
		warm = cfg.Warmup.Interval.String()
	}
	fmt.Printf("║  Warmup          : %-19s ║\n", warm)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

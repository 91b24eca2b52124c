// Command voxtail is the voice-processing server: streaming transcription
// over websockets, batch upload endpoints, speaker identification, and the
// read-only MCP tool surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxtail/voxtail/internal/config"
	"github.com/voxtail/voxtail/internal/correct"
	"github.com/voxtail/voxtail/internal/health"
	mcpserver "github.com/voxtail/voxtail/internal/mcp"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/internal/pipeline"
	"github.com/voxtail/voxtail/internal/resilience"
	"github.com/voxtail/voxtail/internal/server"
	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/speaker"
	speakerpg "github.com/voxtail/voxtail/pkg/speaker/postgres"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/store/memory"
	storepg "github.com/voxtail/voxtail/pkg/store/postgres"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/transcribe/fallback"
	"github.com/voxtail/voxtail/pkg/transcribe/local"
	"github.com/voxtail/voxtail/pkg/transcribe/remote"
	"github.com/voxtail/voxtail/pkg/voiceprint"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxtail: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxtail: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxtail starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Transcribe.Backend,
		"store", cfg.Store.Driver,
		"registry", cfg.Speakers.Registry,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later DefaultMetrics() call binds to the
	// real meter provider.
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := observe.InitProvider(observe.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			slog.Error("init telemetry", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				slog.Warn("telemetry shutdown", "err", err)
			}
		}()
	}
	metrics := observe.DefaultMetrics()

	// closers run in reverse order on the way out.
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	sessionStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("build session store", "err", err)
		return 1
	}
	if c, ok := sessionStore.(interface{ Close() }); ok {
		closers = append(closers, c.Close)
	}

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		slog.Error("build speaker registry", "err", err)
		return 1
	}
	if c, ok := registry.(interface{ Close() }); ok {
		closers = append(closers, c.Close)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		slog.Error("build transcription backend", "err", err)
		return 1
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		closers = append(closers, func() {
			if err := c.Close(); err != nil {
				slog.Warn("backend close", "err", err)
			}
		})
	}

	corrector := buildCorrector(cfg, registry)

	pipe := pipeline.New(backend, registry,
		pipeline.WithCorrector(corrector),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(logger),
		pipeline.WithSNRThreshold(cfg.Quality.SNRNoiseReductionThresholdDB),
		pipeline.WithWindowDuration(cfg.Audio.ChunkDurationS),
		pipeline.WithSpeakerBounds(cfg.Speakers.MinSpeakers, cfg.Speakers.MaxSpeakers),
		pipeline.WithDiarization(cfg.Speakers.DiarizationEnabled),
	)

	manager, err := stream.NewManager(stream.ManagerParams{
		Backend:   backend,
		Registry:  registry,
		Extractor: voiceprint.NewExtractor(cfg.Audio.SampleRateHz),
		Corrector: corrector,
		Store:     sessionStore,
		StoreTTL:  cfg.Store.TTL(),
		DefaultConfig: stream.SessionConfig{
			Language:    defaultLanguage(cfg),
			Diarization: cfg.Speakers.DiarizationEnabled,
			SampleRate:  cfg.Audio.SampleRateHz,
			Channels:    cfg.Audio.Channels,
		},
		WindowBytes:    cfg.Audio.WindowBytes(),
		MaxBufferBytes: cfg.Session.MaxBufferBytes,
		IdleTimeout:    cfg.Session.IdleTimeout(),
		JanitorPeriod:  cfg.Session.JanitorPeriod(),
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		slog.Error("build stream manager", "err", err)
		return 1
	}
	manager.Start(ctx)
	closers = append(closers, manager.Close)

	checks := health.New(
		health.StoreChecker(sessionStore),
		health.RegistryChecker(registry),
	)

	srv, err := server.New(server.Params{
		Pipeline: pipe,
		Manager:  manager,
		Store:    sessionStore,
		Health:   checks,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		slog.Error("build server", "err", err)
		return 1
	}

	root := http.NewServeMux()
	root.Handle("/", srv.Handler())
	if cfg.MCP.Enabled {
		svc := mcpserver.New(mcpserver.Params{
			Registry: registry,
			Store:    sessionStore,
			Manager:  manager,
			Logger:   logger,
		})
		root.Handle("/mcp", svc.Handler(version))
		slog.Info("mcp tool surface enabled", "path", "/mcp")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildStore selects the session store implementation.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.SessionStore, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		return storepg.New(ctx, cfg.Store.DSN, logger)
	case config.StoreMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildRegistry selects the speaker registry implementation.
func buildRegistry(ctx context.Context, cfg *config.Config) (speaker.Registry, error) {
	switch cfg.Speakers.Registry {
	case config.RegistryPostgres:
		return speakerpg.New(ctx, cfg.Store.DSN, cfg.Speakers.MatchThreshold)
	case config.RegistryDisk:
		return speaker.NewDiskRegistry(cfg.Speakers.RegistryDir, cfg.Speakers.MatchThreshold)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", cfg.Speakers.Registry)
	}
}

// buildOne constructs a single transcription backend variant.
func buildOne(cfg *config.Config, which config.Backend) (transcribe.Backend, error) {
	switch which {
	case config.BackendRemote:
		apiKey := cfg.Transcribe.Remote.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []remote.Option
		if cfg.Transcribe.Remote.Model != "" {
			opts = append(opts, remote.WithModel(cfg.Transcribe.Remote.Model))
		}
		if cfg.Transcribe.Remote.BaseURL != "" {
			opts = append(opts, remote.WithBaseURL(cfg.Transcribe.Remote.BaseURL))
		}
		if cfg.Transcribe.Remote.Language != "" {
			opts = append(opts, remote.WithLanguage(cfg.Transcribe.Remote.Language))
		}
		return remote.New(apiKey, opts...)
	case config.BackendLocal:
		var opts []local.Option
		if cfg.Transcribe.Local.Language != "" {
			opts = append(opts, local.WithLanguage(cfg.Transcribe.Local.Language))
		}
		return local.New(cfg.Transcribe.Local.ModelPath, opts...)
	case config.BackendFallback:
		var opts []fallback.Option
		if cfg.Transcribe.Fallback.Language != "" {
			opts = append(opts, fallback.WithLanguage(cfg.Transcribe.Fallback.Language))
		}
		return fallback.New(cfg.Transcribe.Fallback.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", which)
	}
}

// buildBackend constructs the primary backend and, when a chain is
// configured, wraps it in a circuit-breaking fallback group.
func buildBackend(cfg *config.Config) (transcribe.Backend, error) {
	primary, err := buildOne(cfg, cfg.Transcribe.Backend)
	if err != nil {
		return nil, err
	}
	if len(cfg.Transcribe.Chain) == 0 {
		return primary, nil
	}

	group := resilience.NewTranscribeFallback(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		},
	})
	for _, which := range cfg.Transcribe.Chain {
		b, err := buildOne(cfg, which)
		if err != nil {
			return nil, fmt.Errorf("chain backend %s: %w", which, err)
		}
		group.AddFallback(b)
	}
	return group, nil
}

// buildCorrector assembles the correction pass, seeding its dynamic
// vocabulary from the registered speaker names. Returns nil when disabled.
func buildCorrector(cfg *config.Config, registry speaker.Registry) *correct.Corrector {
	if !cfg.Correct.Enabled {
		return nil
	}
	opts := []correct.Option{
		correct.WithVocabulary(cfg.Correct.Vocabulary),
		correct.WithDynamicVocabulary(registry.List),
	}
	if cfg.Correct.MinSimilarity > 0 {
		opts = append(opts, correct.WithMinSimilarity(cfg.Correct.MinSimilarity))
	}
	if cfg.Correct.LLM.Provider != "" {
		polisher, err := correct.NewPolisher(cfg.Correct.LLM.Provider, cfg.Correct.LLM.Model, cfg.Correct.LLM.APIKey)
		if err != nil {
			slog.Warn("llm polish disabled", "err", err)
		} else {
			opts = append(opts, correct.WithPolisher(polisher, cfg.Correct.LLM.ConfidenceThreshold))
		}
	}
	return correct.New(opts...)
}

// defaultLanguage picks the language hint of the configured primary
// backend for new streaming sessions.
func defaultLanguage(cfg *config.Config) string {
	switch cfg.Transcribe.Backend {
	case config.BackendRemote:
		return cfg.Transcribe.Remote.Language
	case config.BackendLocal:
		return cfg.Transcribe.Local.Language
	case config.BackendFallback:
		return cfg.Transcribe.Fallback.Language
	default:
		return ""
	}
}

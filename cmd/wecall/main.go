// Command wecall runs the WeConnect outbound voice agent: it captures the
// local microphone, streams it to a Gemini Live session and plays the agent's
// replies, driven through a small HTTP control API.
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
	"syscall"
	"time"

	"github.com/MrWong99/wecall/internal/app"
	"github.com/MrWong99/wecall/internal/catalog"
	"github.com/MrWong99/wecall/internal/config"
	"github.com/MrWong99/wecall/internal/observe"
	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/capture"
	"github.com/MrWong99/wecall/pkg/audio/ffmpeg"
	audiomock "github.com/MrWong99/wecall/pkg/audio/mock"
	"github.com/MrWong99/wecall/pkg/audio/playback"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
	geminilive "github.com/MrWong99/wecall/pkg/provider/s2s/gemini"
	s2smock "github.com/MrWong99/wecall/pkg/provider/s2s/mock"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults and environment when empty)")
	migrate := flag.Bool("migrate", false, "create the knowledge tables in Postgres and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wecall: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wecall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		return runMigrate(ctx, cfg)
	}

	slog.Info("wecall starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Provider.Name,
		"knowledge", string(cfg.Knowledge.Source),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetricsHandler(tel.MetricsHandler()),
	}
	if *configPath != "" {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the shipped s2s providers and capture devices into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
	reg.RegisterS2S("mock", func(config.ProviderEntry) (s2s.Provider, error) {
		return &s2smock.Provider{}, nil
	})

	reg.RegisterMicrophone("ffmpeg", func(a config.AudioConfig) (capture.Device, error) {
		return ffmpeg.NewMicrophone(ffmpeg.WithCommand(a.FFmpegPath)), nil
	})
	reg.RegisterMicrophone("mock", func(config.AudioConfig) (capture.Device, error) {
		return &audiomock.Microphone{}, nil
	})

	slog.Debug("registered providers", "s2s", reg.S2SNames())
}

// buildProviders instantiates the configured provider and its microphone.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Provider.Name, err)
	}

	// The mock provider is a dry run and needs no audio hardware.
	mic := "ffmpeg"
	dryRun := cfg.Provider.Name == "mock"
	if dryRun {
		mic = "mock"
	}
	dev, err := reg.CreateMicrophone(mic, cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create microphone %q: %w", mic, err)
	}
	providers := &app.Providers{S2S: p, Microphone: dev}
	if dryRun {
		providers.Output = discardOutput(cfg.Audio)
	}

	slog.Info("provider created", "kind", "s2s", "name", cfg.Provider.Name, "microphone", mic)
	return providers, nil
}

// discardOutput renders playback in real time and throws the PCM away.
func discardOutput(a config.AudioConfig) func(context.Context) (playback.Output, error) {
	format := audio.Format{SampleRate: a.OutputSampleRate, Channels: a.OutputChannels}
	return func(context.Context) (playback.Output, error) {
		return playback.NewDevice(io.Discard, format), nil
	}
}

// runMigrate creates the knowledge schema in the configured database.
func runMigrate(ctx context.Context, cfg *config.Config) int {
	dsn := cfg.Knowledge.PostgresDSN
	if dsn == "" {
		slog.Error("migrate needs knowledge.postgres_dsn or " + config.EnvDatabaseURL)
		return 1
	}
	pool, err := catalog.OpenPool(ctx, dsn)
	if err != nil {
		slog.Error("open database", "err", err)
		return 1
	}
	defer pool.Close()

	if err := catalog.NewPostgresSource(pool, cfg.Knowledge.OrderLimit).Migrate(ctx); err != nil {
		slog.Error("migrate", "err", err)
		return 1
	}
	slog.Info("knowledge schema ready")
	return 0
}

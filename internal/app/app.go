// Package app wires all wecall subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control API until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options
// (WithKnowledgeSource, WithOutputOpener, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wecall/internal/call"
	"github.com/MrWong99/wecall/internal/catalog"
	"github.com/MrWong99/wecall/internal/config"
	"github.com/MrWong99/wecall/internal/health"
	"github.com/MrWong99/wecall/internal/httpapi"
	"github.com/MrWong99/wecall/internal/observe"
	"github.com/MrWong99/wecall/internal/resilience"
	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/capture"
	"github.com/MrWong99/wecall/pkg/audio/ffmpeg"
	"github.com/MrWong99/wecall/pkg/audio/pcm"
	"github.com/MrWong99/wecall/pkg/audio/playback"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// Providers holds the external backends. Populated by main.go via the config
// registry.
type Providers struct {
	S2S        s2s.Provider
	Microphone capture.Device

	// Output opens the per-call playback sink. Nil starts an ffmpeg speaker.
	Output func(ctx context.Context) (playback.Output, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics     *observe.Metrics
	metricsHTTP http.Handler
	logLevel    *slog.LevelVar
	listener    net.Listener
	configPath  string
	pollEvery   time.Duration

	source     catalog.Source
	knowledge  *catalog.Cache
	openOutput func(ctx context.Context) (playback.Output, error)
	persona    atomic.Pointer[catalog.Persona]
	breaker    *resilience.CircuitBreaker
	calls      *call.Controller
	api        *httpapi.Server
	server     *http.Server

	// poolMu guards pool, which is swapped when the knowledge DSN reloads.
	poolMu sync.Mutex
	pool   *pgxpool.Pool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithKnowledgeSource injects a knowledge source instead of creating one from
// config.
func WithKnowledgeSource(src catalog.Source) Option {
	return func(a *App) { a.source = src }
}

// WithOutputOpener injects the per-call playback output. It takes precedence
// over [Providers.Output].
func WithOutputOpener(open func(ctx context.Context) (playback.Output, error)) Option {
	return func(a *App) { a.openOutput = open }
}

// WithMetrics injects the metric instruments. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithLogLevel lets config reloads change the level of the installed
// handler.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithConfigWatch reloads the config file at path while Run is active.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.pollEvery = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil || providers.Microphone == nil {
		return nil, errors.New("app: s2s provider and microphone are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	persona := cfg.Persona.WithDefaults()
	a.persona.Store(&persona)

	// ── 1. Knowledge ─────────────────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 2. Circuit breaker ───────────────────────────────────────────────
	a.initBreaker()

	// ── 3. Call controller ───────────────────────────────────────────────
	if err := a.initCalls(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init calls: %w", err)
	}

	// ── 4. Control API ───────────────────────────────────────────────────
	if err := a.initAPI(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init api: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initKnowledge(ctx context.Context) error {
	if a.source == nil {
		src, pool, err := a.newSource(ctx, a.cfg.Knowledge)
		if err != nil {
			return err
		}
		a.source = src
		a.swapPool(pool)
	}
	a.knowledge = catalog.NewCache(a.source)
	a.closers = append(a.closers, func() error {
		a.swapPool(nil)
		return nil
	})
	return nil
}

// newSource builds the knowledge source for k. A postgres source comes with
// the pool it reads from; the caller installs it with swapPool once the
// source is in use.
func (a *App) newSource(ctx context.Context, k config.KnowledgeConfig) (catalog.Source, *pgxpool.Pool, error) {
	switch k.Source {
	case config.KnowledgeYAML:
		return catalog.FileSource{Path: k.Path}, nil, nil
	case config.KnowledgePostgres:
		pool, err := catalog.OpenPool(ctx, k.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return catalog.NewPostgresSource(pool, k.OrderLimit), pool, nil
	default:
		return catalog.BuiltinSource{}, nil, nil
	}
}

// swapPool installs p and closes the previous pool. p may be nil when the
// knowledge source no longer needs a database.
func (a *App) swapPool(p *pgxpool.Pool) {
	a.poolMu.Lock()
	old := a.pool
	a.pool = p
	a.poolMu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (a *App) initBreaker() {
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         a.cfg.Provider.Name,
		MaxFailures:  a.cfg.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Breaker.ResetTimeout,
		IsFailure: func(err error) bool {
			// A missing key is a configuration problem, not an outage.
			return resilience.DefaultIsFailure(err) && !errors.Is(err, s2s.ErrMissingCredential)
		},
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("negotiation circuit breaker changed state",
				"provider", a.cfg.Provider.Name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func (a *App) initCalls() error {
	if a.openOutput == nil {
		a.openOutput = a.providers.Output
	}
	if a.openOutput == nil {
		a.openOutput = a.openSpeaker
	}
	ctrl, err := call.New(call.Config{
		Provider:   a.providers.S2S,
		Microphone: a.providers.Microphone,
		OpenOutput: a.openOutput,
		Session:    a.buildSession,
		Capture: capture.Config{
			SampleRate:  pcm.InputSampleRate,
			Channels:    1,
			FrameSize:   a.cfg.Audio.FrameSize,
			InputFormat: a.cfg.Audio.InputFormat,
			Device:      a.cfg.Audio.InputDevice,
		},
		RingDelay:         a.cfg.Call.RingDelay,
		FailureResetDelay: a.cfg.Call.FailureResetDelay,
		EndResetDelay:     a.cfg.Call.EndResetDelay,
		Breaker:           a.breaker,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}
	a.calls = ctrl
	a.closers = append(a.closers, ctrl.Close)

	// Transcripts reach the log through the controller; status changes are
	// logged here once so the console shows the call's progress.
	unsubscribe := ctrl.Subscribe(func(u call.Update) {
		if u.Kind == call.UpdateStatus {
			slog.Debug("call status", "session_id", u.Snapshot.SessionID, "status", u.Snapshot.Status.String(), "muted", u.Snapshot.Muted)
		}
	})
	a.closers = append(a.closers, func() error { unsubscribe(); return nil })
	return nil
}

// openSpeaker starts an ffmpeg playback process and a render device on it.
func (a *App) openSpeaker(ctx context.Context) (playback.Output, error) {
	format := audio.Format{
		SampleRate: a.cfg.Audio.OutputSampleRate,
		Channels:   a.cfg.Audio.OutputChannels,
	}
	spk, err := ffmpeg.OpenSpeaker(ctx, a.cfg.Audio.FFmpegPath, ffmpeg.SpeakerConfig{
		Format:       format,
		OutputFormat: a.cfg.Audio.OutputFormat,
		Device:       a.cfg.Audio.OutputDevice,
	})
	if err != nil {
		return nil, err
	}
	return playback.NewDevice(spk, format), nil
}

// buildSession renders the persona briefing for caller from the current
// knowledge snapshot.
func (a *App) buildSession(ctx context.Context, caller catalog.Caller) (s2s.SessionConfig, error) {
	snap, err := a.knowledge.Load(ctx)
	if err != nil {
		return s2s.SessionConfig{}, fmt.Errorf("load knowledge: %w", err)
	}
	persona := *a.persona.Load()
	return s2s.SessionConfig{
		Modality:     s2s.ModalityAudio,
		Voice:        persona.Voice,
		Instructions: catalog.BuildInstructions(persona, caller, snap),
		Transcribe:   true,
	}, nil
}

func (a *App) initAPI() error {
	checks := health.New(
		health.Checker{Name: "knowledge", Check: func(ctx context.Context) error {
			_, err := a.knowledge.Load(ctx)
			return err
		}},
		health.Checker{Name: "negotiation", Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}},
	)
	api, err := httpapi.New(httpapi.Config{
		Calls:          a.calls,
		Knowledge:      a.knowledge,
		Health:         checks,
		Metrics:        a.metricsHTTP,
		Observe:        a.metrics,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	a.api = api
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.server.RegisterOnShutdown(api.Close)
	return nil
}

// Calls returns the call controller.
func (a *App) Calls() *call.Controller { return a.calls }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and, when configured, watches the config file.
// It blocks until ctx is cancelled or the server fails, then stops the HTTP
// server. Call Shutdown afterwards to release the remaining subsystems.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control API listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(old, next *config.Config) {
			a.ApplyConfig(gctx, old, next)
		}, config.WithInterval(a.pollEvery))
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.api.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever New acquired before failing.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// Command tutorcall runs a spoken language-tutor call against Gemini Live.
//
// Without -serve it connects immediately using the configured (or flagged)
// language and persona and draws the call status in the terminal until
// interrupted. With -serve it only exposes the control API and waits for a
// client to start a session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tutorcall/internal/api"
	"github.com/MrWong99/tutorcall/internal/call"
	"github.com/MrWong99/tutorcall/internal/config"
	"github.com/MrWong99/tutorcall/internal/console"
	"github.com/MrWong99/tutorcall/internal/health"
	"github.com/MrWong99/tutorcall/internal/observe"
	"github.com/MrWong99/tutorcall/internal/resilience"
	"github.com/MrWong99/tutorcall/internal/tutor"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errCallEnded stops the run group when a console-only call finishes.
var errCallEnded = errors.New("call ended")

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	language := flag.String("language", "", "language code or name to practise (overrides session.language)")
	persona := flag.String("persona", "", "persona voice ID or name (overrides session.persona)")
	serve := flag.Bool("serve", false, "serve the control API only; do not start a call")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "tutorcall: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tutorcall: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tutorcall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("tutorcall starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Providers.Transport.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, version, nil)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	deps, closers, err := buildDeps(cfg, reg)
	defer closeAll(closers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	deps.Metrics = metrics

	ctrl, err := call.New(deps, call.Options{
		Model:        cfg.Providers.Transport.Model,
		CaptureRate:  cfg.Audio.CaptureRate,
		FrameSize:    cfg.Audio.FrameSize,
		PlaybackRate: cfg.Audio.PlaybackRate,
		Quantum:      cfg.Audio.Quantum,
		LoudnessGain: cfg.Audio.LoudnessGain,
		MicBacklog:   cfg.Audio.MicBacklog,
		SetupTimeout: cfg.Session.SetupTimeout,
		Transcripts:  cfg.Session.Transcripts,
	})
	if err != nil {
		slog.Error("failed to create controller", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	var live atomic.Pointer[config.Config]
	live.Store(cfg)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, old, new)
		live.Store(new)
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })

	if cfg.Server.ListenAddr != "" {
		srv, err := api.New(api.Options{
			Controller: ctrl,
			Catalog:    func() tutor.Catalog { return live.Load().EffectiveCatalog() },
			Defaults: func() api.Defaults {
				c := live.Load()
				return api.Defaults{Language: c.Session.Language, Persona: c.Session.Persona}
			},
			Store:          deps.Store,
			Health:         health.New(health.StoreChecker("recordings", deps.Store)),
			Metrics:        metrics,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})
		if err != nil {
			slog.Error("failed to create API server", "err", err)
			return 1
		}
		serveHTTP(gctx, g, cfg.Server.ListenAddr, srv.Handler())
	}

	if !*serve {
		lang, per, err := selection(live.Load(), *language, *persona)
		if err != nil {
			slog.Error("invalid selection", "err", err)
			return 1
		}
		runCall(gctx, g, ctrl, lang, per, cfg.Server.ListenAddr == "")
	} else if cfg.Server.ListenAddr == "" {
		slog.Error("-serve requires server.listen_addr")
		return 1
	}

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, errCallEnded) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Shutdown ──────────────────────────────────────────────────────────────
	if err := ctrl.Disconnect(); err != nil {
		slog.Warn("disconnect reported errors", "err", err)
	}
	if a := ctrl.Artifact(); a != nil {
		fmt.Printf("recording saved: %s (%s, %d bytes)\n", a.URI, a.Duration.Round(time.Second), a.Size)
	}
	slog.Info("goodbye")
	return code
}

// buildDeps instantiates every configured provider. The returned closers
// must be closed even when err is non-nil.
func buildDeps(cfg *config.Config, reg *config.Registry) (call.Deps, []io.Closer, error) {
	var closers []io.Closer
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			for _, seen := range closers {
				if seen == c {
					return
				}
			}
			closers = append(closers, c)
		}
	}

	transport, err := buildTransport(cfg.Providers.Transport, reg)
	if err != nil {
		return call.Deps{}, closers, fmt.Errorf("transport: %w", err)
	}
	input, err := reg.CreateInput(cfg.Providers.Input)
	if err != nil {
		return call.Deps{}, closers, fmt.Errorf("input: %w", err)
	}
	track(input)
	output, err := reg.CreateOutput(cfg.Providers.Output)
	if err != nil {
		return call.Deps{}, closers, fmt.Errorf("output: %w", err)
	}
	track(output)
	store, err := reg.CreateStore(cfg.Providers.Recordings)
	if err != nil {
		return call.Deps{}, closers, fmt.Errorf("recordings: %w", err)
	}
	track(store)

	return call.Deps{
		Provider:     transport,
		ProviderName: cfg.Providers.Transport.Name,
		Input:        input,
		Output:       output,
		Store:        store,
	}, closers, nil
}

// buildTransport creates the configured transport. A "fallback" option names
// a second registered transport, sharing the entry's credentials, that takes
// over while the primary keeps failing to connect.
func buildTransport(entry config.ProviderEntry, reg *config.Registry) (s2s.Provider, error) {
	primary, err := reg.CreateTransport(entry)
	if err != nil {
		return nil, err
	}
	name := entry.OptionString("fallback", "")
	if name == "" || name == entry.Name {
		return primary, nil
	}

	breaker := resilience.BreakerConfig{Threshold: entry.OptionInt("breaker_threshold", 0)}
	if v := entry.OptionString("breaker_cooldown", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("breaker_cooldown option: %w", err)
		}
		breaker.Cooldown = d
	}

	fbEntry := entry
	fbEntry.Name = name
	fbEntry.Options = nil
	fallback, err := reg.CreateTransport(fbEntry)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	f := resilience.NewFailover(entry.Name, primary, breaker)
	f.Add(name, fallback)
	return f, nil
}

func closeAll(closers []io.Closer) {
	// Reverse order: the store outlives the devices.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
}

// selection resolves the flags against the configured defaults. A language
// flag without a persona flag picks the language's default voice.
func selection(cfg *config.Config, language, persona string) (tutor.Language, tutor.Persona, error) {
	if language == "" {
		language = cfg.Session.Language
		if persona == "" {
			persona = cfg.Session.Persona
		}
	}
	if language == "" {
		return tutor.Language{}, tutor.Persona{}, errors.New("no language given; pass -language or set session.language")
	}
	return cfg.EffectiveCatalog().Resolve(language, persona)
}

func applyReload(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CatalogChanged {
		slog.Info("catalog reloaded", "languages", len(d.Languages), "personas", len(d.Personas))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

func serveHTTP(ctx context.Context, g *errgroup.Group, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("control API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// runCall connects once and renders the console. When standalone is true the
// group stops as soon as the call ends.
func runCall(ctx context.Context, g *errgroup.Group, ctrl *call.Controller, lang tutor.Language, persona tutor.Persona, standalone bool) {
	updates, cancel := ctrl.Subscribe()
	g.Go(func() error {
		defer cancel()
		return console.New(os.Stdout).Run(ctx, updates, console.DefaultFrameInterval)
	})

	g.Go(func() error {
		slog.Info("connecting", "language", lang.Name, "persona", persona.Name)
		if err := ctrl.Connect(ctx, lang, persona); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if standalone {
				return err
			}
			slog.Error("connect failed", "err", err)
			return nil
		}
		if !standalone {
			return nil
		}
		return waitCallEnd(ctx, ctrl)
	})
}

// waitCallEnd blocks until the controller leaves the connected state.
func waitCallEnd(ctx context.Context, ctrl *call.Controller) error {
	updates, cancel := ctrl.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			switch st.State {
			case call.Error:
				return fmt.Errorf("call failed: %s", st.Error)
			case call.Disconnected:
				return errCallEnded
			}
		}
	}
}

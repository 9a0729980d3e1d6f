// Command brewrelay is the voice relay server that bridges browser clients
// to the OpenAI/Azure Realtime API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Dana-Harb/brewrelay/internal/bargein"
	"github.com/Dana-Harb/brewrelay/internal/config"
	"github.com/Dana-Harb/brewrelay/internal/health"
	"github.com/Dana-Harb/brewrelay/internal/observe"
	"github.com/Dana-Harb/brewrelay/internal/relay"
	"github.com/Dana-Harb/brewrelay/internal/resilience"
	"github.com/Dana-Harb/brewrelay/internal/server"
	"github.com/Dana-Harb/brewrelay/internal/tools"
	"github.com/Dana-Harb/brewrelay/internal/tools/brewratio"
	"github.com/Dana-Harb/brewrelay/internal/tools/venues"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
	"github.com/Dana-Harb/brewrelay/pkg/upstream/openai"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ─────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "brewrelay: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "brewrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// a restart.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("brewrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"model", cfg.Upstream.Model,
	)

	// ── Signal context ─────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Tools ──────────────────────────────────────────────────────────────
	toolSet := brewratio.Tools()
	toolSet = append(toolSet, venues.Tools(venues.NewClient())...)
	registry := tools.NewRegistry(metrics, toolSet...)
	for _, def := range registry.Definitions() {
		slog.Info("registered tool", "name", def.Name)
	}

	// ── Upstream connector ─────────────────────────────────────────────────
	// The swappable inner connector absorbs config reloads; the breaker
	// around it fails sessions fast while the upstream is known-bad.
	inner := &swappableConnector{}
	inner.store(buildConnector(cfg, registry))
	connector := resilience.Guard(inner, resilience.NewBreaker(resilience.BreakerConfig{Name: "upstream"}))

	// ── Barge-in policy ────────────────────────────────────────────────────
	policy := relay.NewPolicySource(relayPolicy(cfg))

	// ── Config hot reload ──────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		applyReload(next, levelVar, policy, inner, registry)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Server ─────────────────────────────────────────────────────────────
	checks := health.New(
		health.UpstreamConfigured(cfg.Upstream.APIKey, cfg.Upstream.URL),
		health.Checker{
			Name: "upstream_circuit",
			Check: func(context.Context) error {
				if state := connector.State(); state == resilience.StateOpen {
					return fmt.Errorf("circuit is %s", state)
				}
				return nil
			},
		},
	)
	srv := server.New(cfg.Server, connector, registry, policy,
		server.WithMetrics(metrics),
		server.WithHealth(checks),
	)

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// applyReload pushes the reloadable parts of a new config into the running
// process: log level and barge-in policy apply immediately, upstream
// settings apply to sessions opened after the reload.
func applyReload(next *config.Config, levelVar *slog.LevelVar, policy *relay.PolicySource, connector *swappableConnector, registry *tools.Registry) {
	levelVar.Set(slogLevel(next.Server.LogLevel))
	policy.Store(relayPolicy(next))
	connector.store(buildConnector(next, registry))
	slog.Info("configuration reloaded",
		"log_level", next.Server.LogLevel,
		"stop_debounce", next.Relay.StopDebounce.Std(),
		"cancel_on_any_speech", next.Relay.CancelOnAnySpeech,
	)
}

// buildConnector assembles the Realtime API connector from config.
func buildConnector(cfg *config.Config, registry *tools.Registry) upstream.Connector {
	return openai.New(cfg.Upstream.APIKey, cfg.Upstream.URL,
		openai.WithModel(cfg.Upstream.Model),
		openai.WithVoice(cfg.Upstream.Voice),
		openai.WithInstructions(cfg.Upstream.Instructions),
		openai.WithTranscriptionModel(cfg.Upstream.TranscriptionModel),
		openai.WithMaxRetries(cfg.Upstream.MaxRetries),
		openai.WithRetryDelay(cfg.Upstream.RetryDelay.Std()),
		openai.WithTools(registry.Definitions()),
	)
}

// relayPolicy converts the relay config section into a barge-in policy.
func relayPolicy(cfg *config.Config) bargein.Policy {
	return bargein.Policy{
		Debounce:          cfg.Relay.StopDebounce.Std(),
		CancelOnAnySpeech: cfg.Relay.CancelOnAnySpeech,
	}
}

// swappableConnector lets a config reload replace the upstream connector
// without touching sessions already in flight.
type swappableConnector struct {
	v atomic.Value
}

func (s *swappableConnector) store(c upstream.Connector) {
	s.v.Store(c)
}

func (s *swappableConnector) Connect(ctx context.Context) (upstream.Conn, error) {
	c, _ := s.v.Load().(upstream.Connector)
	if c == nil {
		return nil, errors.New("brewrelay: no upstream connector configured")
	}
	return c.Connect(ctx)
}

// slogLevel maps the config log level onto slog's.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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

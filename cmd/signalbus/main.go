// Package main implements the entry point for the SignalBus runtime. It
// loads a YAML configuration describing modes, wiring, and node instances,
// boots a bus for the configured domain, and runs until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/signalbus/bus"
	"github.com/c360/signalbus/collector"
	"github.com/c360/signalbus/config"
	"github.com/c360/signalbus/engine"
	"github.com/c360/signalbus/health"
	"github.com/c360/signalbus/metric"
	"github.com/c360/signalbus/node"
	"github.com/c360/signalbus/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "signalbus"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()
	if cliCfg.MetricsPort > 0 {
		startMetricsServer(cliCfg.MetricsPort, metricsRegistry, monitor, logger)
	}

	registry := node.NewRegistry()
	if err := registerBuiltinClasses(registry, logger); err != nil {
		return fmt.Errorf("register builtin classes: %w", err)
	}

	modes, err := cfg.ModeManager()
	if err != nil {
		return fmt.Errorf("build mode table: %w", err)
	}

	coll := collector.New(logger, metricsRegistry, nil)
	if err := coll.Start(ctx); err != nil {
		return fmt.Errorf("start error collector: %w", err)
	}
	defer func() { _ = coll.Stop(5 * time.Second) }()
	monitor.UpdateHealthy("collector", "telemetry pool running")

	boundary, err := setupBoundary(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if boundary != nil {
		defer func() { _ = boundary.Close(ctx) }()
		monitor.UpdateHealthy("boundary", "bridge connected")
	}

	b, err := bus.New(bus.Options{
		Domain:   cfg.BusDomain(),
		Registry: registry,
		Modes:    modes,
		Logger:   logger,
		Metrics:  metricsRegistry,
		Sink:     coll,
		Boundary: boundary,
	})
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}

	orch := engine.New(b, logger, metricsRegistry)
	for _, spec := range cfg.Nodes {
		if err := orch.Register(engine.Spec{Class: spec.Class, ID: spec.ID, Attributes: spec.Attributes}); err != nil {
			return fmt.Errorf("register node spec %s: %w", spec.Class, err)
		}
	}

	if err := orch.InitAll(ctx); err != nil {
		return fmt.Errorf("initialize instances: %w", err)
	}
	monitor.UpdateHealthy("bus", "dispatching")
	if cfg.InitialMode != "" {
		if err := b.SwitchMode(ctx, cfg.InitialMode); err != nil {
			return fmt.Errorf("activate initial mode: %w", err)
		}
	}

	return runWithSignalHandling(ctx, b, orch, monitor, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting SignalBus",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// setupBoundary creates the configured cross-domain transport, or nil.
func setupBoundary(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Boundary, error) {
	if cfg.Boundary.Kind != "nats" {
		return nil, nil
	}

	bridge, err := transport.NewNATSBridge(ctx, transport.NATSConfig{
		URL:            cfg.Boundary.NATS.URL,
		SubjectPrefix:  cfg.Boundary.NATS.SubjectPrefix,
		LocalDomain:    cfg.BusDomain(),
		ConnectTimeout: cfg.Boundary.NATS.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect boundary bridge: %w", err)
	}
	return bridge, nil
}

// startMetricsServer exposes the Prometheus and health endpoints in the
// background.
func startMetricsServer(port int, registry *metric.MetricsRegistry, monitor *health.Monitor, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(monitor, appName))

	addr := fmt.Sprintf(":%d", port)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}

// runWithSignalHandling starts all instances and handles shutdown signals
func runWithSignalHandling(ctx context.Context, b *bus.Bus, orch *engine.Orchestrator, monitor *health.Monitor, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := orch.StartAll(signalCtx); err != nil {
		monitor.UpdateUnhealthy("engine", "start failed")
		return fmt.Errorf("start instances: %w", err)
	}
	monitor.UpdateHealthy("engine", "all instances started")
	slog.Info("SignalBus started", "domain", string(b.Domain()), "mode", b.ActiveMode())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")
	monitor.UpdateDegraded("engine", "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := orch.StopAll(shutdownCtx); err != nil {
		slog.Error("Error stopping instances", "error", err)
		return err
	}
	if err := b.Close(shutdownCtx); err != nil {
		return err
	}

	slog.Info("SignalBus shutdown complete")
	return nil
}

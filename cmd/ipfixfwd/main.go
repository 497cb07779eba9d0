// Package main implements the ipfixfwd binary: an IPFIX collector front end
// wired to the forwarder, with Prometheus metrics, a health endpoint and
// optional connection events on NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/ipfixfwd/component"
	"github.com/c360/ipfixfwd/config"
	"github.com/c360/ipfixfwd/health"
	"github.com/c360/ipfixfwd/input/collector"
	"github.com/c360/ipfixfwd/metric"
	"github.com/c360/ipfixfwd/natsclient"
	"github.com/c360/ipfixfwd/output/forwarding"
	"github.com/c360/ipfixfwd/pkg/retry"
	"github.com/c360/ipfixfwd/pkg/tlsutil"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ipfixfwd"
)

const healthInterval = 5 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting ipfixfwd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid",
			"mode", cfg.Forwarder.Mode,
			"destinations", len(cfg.Forwarder.Destinations))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx, cliCfg.ShutdownTimeout)
}

// app is the wired process: collector feeding the forwarder, plus the
// supporting metrics, health and NATS plumbing
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *component.Registry
	monitor   *health.Monitor
	metrics   *metric.MetricsRegistry
	server    *metric.Server
	nats      *natsclient.Client
	forwarder *forwarding.Forwarder
	collector *collector.Collector
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: component.NewRegistry(logger.With("component", "registry")),
		monitor:  health.NewMonitor(),
	}

	if cfg.Metrics.Enabled {
		serverTLS, err := tlsutil.LoadServerConfig(cfg.Metrics.TLS)
		if err != nil {
			return nil, fmt.Errorf("metrics tls: %w", err)
		}
		a.metrics = metric.NewMetricsRegistry()
		a.server = metric.NewServer(cfg.Metrics.Address(), cfg.Metrics.Path, a.metrics, a.monitor,
			metric.WithTLS(serverTLS))
		a.registry.SetStateObserver(a.metrics.CoreMetrics())
		a.monitor.SetRecorder(a.metrics.CoreMetrics())
	}

	var publisher forwarding.Publisher
	if cfg.NATS.Enabled {
		client, err := a.connectNATS(ctx)
		if err != nil {
			return nil, err
		}
		a.nats = client
		publisher = client
	}

	fwd, err := forwarding.NewForwarder(forwarding.ForwarderDeps{
		Name:            "forwarder",
		Config:          cfg.Forwarder,
		Publisher:       publisher,
		MetricsRegistry: a.metrics,
		Logger:          logger.With("component", "forwarder", "mode", cfg.Forwarder.Mode),
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create forwarder: %w", err)
	}
	a.forwarder = fwd

	col, err := collector.NewCollector(collector.CollectorDeps{
		Name:            "collector",
		Config:          cfg.Collector,
		Handler:         fwd,
		MetricsRegistry: a.metrics,
		Logger:          logger.With("component", "collector"),
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create collector: %w", err)
	}
	a.collector = col

	// The forwarder starts first and stops last so that the collector's
	// session close events still reach it
	for _, c := range []struct {
		name string
		comp component.LifecycleComponent
	}{{"forwarder", fwd}, {"collector", col}} {
		if err := a.registry.Register(c.name, c.comp); err != nil {
			a.close()
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
	}

	return a, nil
}

// connectNATS dials the configured servers, retrying while they come up
func (a *app) connectNATS(ctx context.Context) (*natsclient.Client, error) {
	n := a.cfg.NATS
	name := appName
	if n.Name != "" {
		name = n.Name
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithLogger(a.logger.With("component", "nats")),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				a.monitor.Update("nats", health.NewHealthy("nats", "Connected"))
			} else {
				a.monitor.Update("nats", health.NewDegraded("nats", "Disconnected, events are buffered"))
			}
		}),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.Std()))
	}
	if n.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(n.DrainTimeout.Std()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if a.metrics != nil {
		opts = append(opts, natsclient.WithMetrics(a.metrics))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(n.TLS)
	if err != nil {
		return nil, fmt.Errorf("nats tls: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	cfg := retry.Persistent()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Warn("NATS not reachable yet", "attempt", attempt, "retry_in", delay, "error", err)
	}
	if err := retry.Do(ctx, cfg, func() error { return client.Connect(ctx) }); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if rtt, err := client.RTT(); err == nil {
		a.logger.Info("Connected to NATS", "url", client.URL(), "rtt", rtt)
	}
	return client, nil
}

// run starts every component and blocks until ctx is done or the metrics
// server fails, then shuts down in reverse order
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.monitor.Watch(gctx, healthInterval, a.registry)
		return nil
	})
	if a.server != nil {
		g.Go(a.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return a.server.Stop()
		})
	}

	a.logger.Info("ipfixfwd started",
		"udp", a.cfg.Collector.UDP,
		"tcp", a.cfg.Collector.TCP,
		"mode", a.cfg.Forwarder.Mode,
		"destinations", len(a.cfg.Forwarder.Destinations))

	<-gctx.Done()
	a.logger.Info("Shutting down")

	stopErr := a.registry.StopAll(shutdownTimeout)
	if err := g.Wait(); err != nil {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", stopErr)
	}

	a.logger.Info("ipfixfwd shutdown complete", "stats", a.forwarder.Stats())
	return nil
}

func (a *app) close() {
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Events queued by the final session closes
		if err := a.nats.Flush(ctx); err != nil {
			a.logger.Debug("Flushing NATS failed", "error", err)
		}
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Closing NATS failed", "error", err)
		}
		a.nats = nil
	}
}

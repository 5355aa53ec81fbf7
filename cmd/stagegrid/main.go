// Package main implements the stagegrid node. Every node runs the same
// binary: nodes elect a coordinator for the run, the coordinator deploys
// the configured stages onto the workers, and each worker runs its stage
// and streams items to its peers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/stagegrid/config"
	"github.com/c360/stagegrid/control"
	"github.com/c360/stagegrid/datachannel"
	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/health"
	"github.com/c360/stagegrid/metric"
	"github.com/c360/stagegrid/natsclient"
	"github.com/c360/stagegrid/orchestrator"
	"github.com/c360/stagegrid/stage"
	"github.com/c360/stagegrid/worker"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stagegrid"
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

	// Run application with proper error handling
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

	cfg, set, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "run", cfg.Run, "stages", len(set.Stages), "kinds", set.Kinds())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()
	if cliCfg.MetricsPort > 0 {
		metricsServer := metric.NewServer(fmt.Sprintf(":%d", cliCfg.MetricsPort), "/metrics", metricsRegistry)
		metricsServer.HandleHealth(monitor.Handler(cliCfg.NodeID))
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				slog.Warn("Metrics server stop failed", "error", err)
			}
		}()
	}

	natsClient, names, err := setupInfrastructure(ctx, cfg, metricsRegistry, logger)
	monitor.UpdateError("nats", err, "connected")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		_ = natsClient.Close(shutdownCtx)
	}()

	// workers advertise the data server in REGISTER, so it starts before the election
	dataServer := datachannel.NewServer(cliCfg.DataAddr, logger)
	if err := dataServer.Start(); err != nil {
		return fmt.Errorf("start data server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		if err := dataServer.Stop(shutdownCtx); err != nil {
			slog.Warn("Data server stop failed", "error", err)
		}
	}()

	advertised, err := advertiseAddress(cliCfg.Advertise, dataServer.Address())
	if err != nil {
		return err
	}

	self := descriptor.NodeID(cliCfg.NodeID)
	ch, err := control.New(cfg.ControlConfig(self, advertised),
		control.NewNATSBus(natsClient), names,
		control.WithLogger(logger), control.WithMetrics(metricsRegistry))
	if err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		ch.Shutdown(shutdownCtx)
	}()

	role, err := ch.Elect(ctx)
	monitor.UpdateError("control", err, "elected "+role.String())
	if err != nil {
		return fmt.Errorf("elect coordinator: %w", err)
	}
	slog.Info("Role elected", "role", role.String(), "coordinator", ch.Coordinator().String(), "data_address", advertised)

	if role == control.RoleCoordinator {
		err = runCoordinator(ctx, cfg, set, ch, metricsRegistry, monitor, logger)
	} else {
		err = runWorker(ctx, cliCfg, ch, dataServer, metricsRegistry, monitor, logger)
	}
	return err
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

	if cliCfg.ListKinds {
		printKinds()
		return nil, nil, true, nil
	}

	if cliCfg.NodeID == "" {
		cliCfg.NodeID = descriptor.NewNodeID().String()
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cliCfg.NodeID)
	slog.SetDefault(logger)

	slog.Info("Starting stagegrid node",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"kind", cliCfg.Kind)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the configuration layers and builds the descriptor set
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, *descriptor.Set, error) {
	loader := config.NewLoader()
	for _, p := range cliCfg.ConfigPaths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	set, err := cfg.Descriptors()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, set, nil
}

// setupInfrastructure connects to NATS and opens the election bucket
func setupInfrastructure(
	ctx context.Context,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, control.NameService, error) {
	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithClientName(appName+"-"+cfg.Run),
		natsclient.WithMetrics(metricsRegistry))
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.Connect(connCtx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	kv, err := natsClient.EnsureKVStore(connCtx, cfg.NATS.Bucket, 5*time.Second)
	if err != nil {
		_ = natsClient.Close(context.Background())
		return nil, nil, fmt.Errorf("open election bucket %s: %w", cfg.NATS.Bucket, err)
	}

	return natsClient, control.NewKVNameService(kv), nil
}

// advertiseAddress joins the advertised host with the data server's port.
func advertiseAddress(host, listen string) (string, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("parse data server address %s: %w", listen, err)
	}
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			return "", fmt.Errorf("resolve hostname: %w", err)
		}
	}
	return net.JoinHostPort(host, port), nil
}

// runCoordinator drives the run and prints its report
func runCoordinator(
	ctx context.Context,
	cfg *config.Config,
	set *descriptor.Set,
	ch *control.Channel,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) error {
	observe := func(s orchestrator.State) {
		switch s {
		case orchestrator.StateFailed:
			monitor.UpdateUnhealthy("run", "run failed")
		case orchestrator.StateCollectingRegistrations:
			monitor.UpdateDegraded("run", s.String())
		default:
			monitor.UpdateHealthy("run", s.String())
		}
	}
	orch, err := orchestrator.New(cfg.OrchestratorConfig(), set, ch,
		orchestrator.WithLogger(logger), orchestrator.WithMetrics(metricsRegistry),
		orchestrator.WithStateObserver(observe))
	if err != nil {
		return err
	}
	if err := ch.Listen(ctx, orch); err != nil {
		return fmt.Errorf("listen for workers: %w", err)
	}

	slog.Info("Waiting for workers", "stages", len(set.Stages), "kinds", set.Kinds())
	report, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", cfg.Run, err)
	}

	fmt.Println(report.Render())
	slog.Info("Run complete", "run", cfg.Run, "elapsed", report.Elapsed.String())
	return nil
}

// runWorker offers the node's stage kind and runs the assigned stage
func runWorker(
	ctx context.Context,
	cliCfg *CLIConfig,
	ch *control.Channel,
	dataServer *datachannel.Server,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) error {
	if cliCfg.Kind == "" {
		return errors.WrapFatal(errors.ErrConfiguration, "main", "runWorker", "worker started without -kind")
	}

	env := stage.NewEnvironment(ch.Self(), logger, metricsRegistry)
	rt, err := worker.New(worker.Config{Kind: cliCfg.Kind}, ch, stage.DefaultRegistry(), env, dataServer)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	monitor.UpdateDegraded("stage", "registered as "+cliCfg.Kind+", waiting for assignment")

	err = rt.Wait(ctx)
	monitor.UpdateError("stage", err, "finished")
	if err != nil {
		return fmt.Errorf("worker %s: %w", ch.Self(), err)
	}
	slog.Info("Stage finished")
	return nil
}

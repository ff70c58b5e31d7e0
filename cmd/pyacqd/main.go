// Package main implements the pyacqd daemon: the acquisition control
// plane. It hosts the stream registry, spawns and supervises nodes, and
// serves the control-plane RPC surface over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/anatoleotman/pyacq/config"
	"github.com/anatoleotman/pyacq/manager"
	"github.com/anatoleotman/pyacq/metric"
	"github.com/anatoleotman/pyacq/natsclient"
	"github.com/anatoleotman/pyacq/node"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pyacqd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("starting acquisition daemon",
		"version", Version, "config_path", cliCfg.ConfigPath, "local", cliCfg.Local)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewRegistry()
	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Stop(stopCtx)
		}()
	}

	var natsClient *natsclient.Client
	if !cliCfg.Local {
		natsClient, err = connectToNATS(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = natsClient.Close(ctx) }()
	}

	drivers := node.NewRegistry()
	if err := node.RegisterBuiltins(drivers); err != nil {
		return fmt.Errorf("register drivers: %w", err)
	}
	slog.Info("drivers registered", "types", drivers.Types())

	mgr, err := manager.New(manager.Config{
		Name:              cfg.Manager.Name,
		HeartbeatInterval: cfg.Manager.HeartbeatInterval,
		HeartbeatMisses:   cfg.Manager.HeartbeatMisses,
		NodeBinary:        cfg.Manager.NodeBinary,
		RegistryBucket:    cfg.Manager.RegistryBucket,
		RPCRate:           cfg.Manager.RPCRate,
	}, manager.Deps{
		NATS:    natsClient,
		Drivers: drivers,
		Logger:  logger,
		Metrics: metricsRegistry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	if err := spawnConfiguredNodes(ctx, mgr, cfg); err != nil {
		_ = mgr.Close(ctx)
		return err
	}

	return runWithSignalHandling(ctx, mgr, cliCfg.ShutdownTimeout)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.NewLoader().LoadFile(path)
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL(),
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Manager.Name),
		natsclient.WithTimeout(cfg.NATS.Timeout),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("connecting to NATS", "urls", cfg.NATS.URLs)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// spawnConfiguredNodes spawns every enabled node from the config, sorted
// by instance name so auto-naming stays deterministic across restarts.
func spawnConfiguredNodes(ctx context.Context, mgr *manager.Manager, cfg *config.Config) error {
	names := make([]string, 0, len(cfg.Nodes))
	for name := range cfg.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		nodeCfg := cfg.Nodes[name]
		if !nodeCfg.Enabled {
			slog.Info("node disabled in config", "node", name)
			continue
		}
		record, err := mgr.Spawn(ctx, manager.NodeConfig{
			Name:      name,
			Type:      nodeCfg.Type,
			Params:    nodeCfg.Params,
			Host:      nodeCfg.Host,
			AutoStart: nodeCfg.AutoStart,
		})
		if err != nil {
			return fmt.Errorf("spawn node %s: %w", name, err)
		}
		slog.Info("node spawned from config",
			"node", record.Name, "node_id", record.NodeID, "status", record.Status)
	}
	return nil
}

func runWithSignalHandling(ctx context.Context, mgr *manager.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("acquisition daemon ready")
	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Close(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

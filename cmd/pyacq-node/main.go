// Package main implements pyacq-node, the worker process that hosts a
// single acquisition node. The manager spawns it for remote nodes; it
// registers its streams through the control plane, serves forwarded
// attach calls, and heartbeats until terminated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anatoleotman/pyacq/manager"
	"github.com/anatoleotman/pyacq/natsclient"
	"github.com/anatoleotman/pyacq/node"
)

const (
	Version = "0.1.0"
	appName = "pyacq-node"
)

type nodeFlags struct {
	NodeID    string
	Name      string
	Driver    string
	Params    string
	NATSURL   string
	Heartbeat time.Duration
	LogLevel  string
	LogFormat string
	Version   bool
}

func parseFlags() *nodeFlags {
	f := &nodeFlags{}
	flag.StringVar(&f.NodeID, "node-id", "", "Node id assigned by the manager")
	flag.StringVar(&f.Name, "name", "", "Node name")
	flag.StringVar(&f.Driver, "driver", "", "Driver type to run")
	flag.StringVar(&f.Params, "params", "", "Driver configuration as JSON")
	flag.StringVar(&f.NATSURL, "nats-url", "nats://localhost:4222", "NATS server URL")
	flag.DurationVar(&f.Heartbeat, "heartbeat", 2*time.Second, "Heartbeat interval")
	flag.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&f.LogFormat, "log-format", "text", "Log format: text, json")
	flag.BoolVar(&f.Version, "version", false, "Show version information")
	flag.Parse()
	return f
}

func main() {
	if err := run(); err != nil {
		slog.Error("node host failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if f.Version {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(f)
	slog.SetDefault(logger)
	slog.Info("starting node host",
		"node_id", f.NodeID, "name", f.Name, "driver", f.Driver, "nats_url", f.NATSURL)

	ctx := context.Background()

	client, err := natsclient.NewClient(f.NATSURL,
		natsclient.WithLogger(logger),
		natsclient.WithName(appName+"-"+f.NodeID),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(connCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = client.Close(ctx) }()

	drivers := node.NewRegistry()
	if err := node.RegisterBuiltins(drivers); err != nil {
		return fmt.Errorf("register drivers: %w", err)
	}

	var params json.RawMessage
	if f.Params != "" {
		params = json.RawMessage(f.Params)
	}
	host, err := manager.NewNodeHost(manager.NodeHostConfig{
		NodeID:            f.NodeID,
		Name:              f.Name,
		Driver:            f.Driver,
		Params:            params,
		HeartbeatInterval: f.Heartbeat,
	}, client, drivers, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return host.Run(signalCtx)
}

func setupLogger(f *nodeFlags) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(f.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(f.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", appName, "node", f.Name, "pid", os.Getpid())
}

// Package main implements the entry point for the Centrifuge broker
// node: configuration loading, engine selection, the HTTP surface and
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/centrifuge/api"
	"github.com/c360/centrifuge/engine"
	"github.com/c360/centrifuge/gateway"
	"github.com/c360/centrifuge/metrics"
	"github.com/c360/centrifuge/node"
	"github.com/c360/centrifuge/structure"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "centrifuge"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("node failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting broker node", "config", cliCfg.ConfigPath, "engine", cliCfg.Engine)

	projects, err := structure.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	st := structure.New(structure.NewMemoryStorage(projects), logger)

	nodeConfig := node.DefaultConfig()
	nodeConfig.Name = cliCfg.Name
	if nodeConfig.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			nodeConfig.Name = hostname
		}
	}
	nodeConfig.APISecret = cliCfg.APISecret
	nodeConfig.Insecure = cliCfg.Insecure

	engineConfig := engine.DefaultConfig()
	n := node.New(nodeConfig, engineConfig, st, logger)

	var eng engine.Engine
	switch cliCfg.Engine {
	case "redis":
		eng = engine.NewRedisEngine(engineConfig, engine.RedisConfig{
			Address:  cliCfg.RedisAddress,
			Password: cliCfg.RedisPassword,
			DB:       cliCfg.RedisDB,
		}, n, n, logger)
	default:
		eng = engine.NewMemoryEngine(engineConfig, n, n, logger)
	}
	n.SetEngine(eng)

	if cliCfg.GraphiteHost != "" {
		exporter, err := metrics.NewExporter(cliCfg.GraphiteHost, cliCfg.GraphitePort, cliCfg.GraphitePrefix)
		if err != nil {
			return err
		}
		defer exporter.Close()
		n.SetExporter(exporter)
	}

	if err := n.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if err := n.Run(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewHandler(n, logger).Register(mux)
	gateway.NewHandler(n, logger).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cliCfg.Address, cliCfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return n.Shutdown()
}

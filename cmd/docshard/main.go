package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"docshard/internal/config"
	dshttp "docshard/internal/http"
	"docshard/pkg/backend"
	"docshard/pkg/coordinator"
	"docshard/pkg/shard"
)

func main() {
	configPath := flag.String("config", "docshard.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := backend.Open(cfg.Backend)
	if err != nil {
		slog.Error("failed to open backend", "error", err)
		os.Exit(1)
	}

	coord, err := coordinator.Open(cfg.Coordinator)
	if err != nil {
		slog.Error("failed to open coordinator", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Warn("coordinator close", "error", err)
		}
	}()

	sh := shard.New(cfg.ShardConfig(), store, coord)
	if err := sh.Start(ctx); err != nil {
		slog.Error("failed to start shard", "error", err)
		os.Exit(1)
	}
	slog.Info("shard started",
		"shard", sh.ID(),
		"backend", cfg.Backend.Driver,
		"coordinator", cfg.Coordinator.Driver,
	)

	// Background faults (failed unloads, lost locks) surface on the error
	// channel; keep draining it for the logs.
	go func() {
		for err := range sh.Errors() {
			slog.Warn("shard background error", "error", err)
		}
	}()

	srv := dshttp.NewServer(sh, strconv.Itoa(cfg.Server.Port))
	if err := srv.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP server listening", "url", srv.URL)

	<-ctx.Done()
	slog.Info("shutting down")

	if err := srv.Stop(); err != nil {
		slog.Warn("HTTP server stop", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sh.Stop(stopCtx); err != nil {
		slog.Error("shard stop", "error", err)
		os.Exit(1)
	}
	slog.Info("docshard stopped")
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"habitd/internal/api"
	"habitd/internal/config"
	"habitd/internal/core"
	"habitd/internal/hub"
	"habitd/internal/logging"
	habitdmcp "habitd/internal/mcp"
	"habitd/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logWriter := os.Stdout
	if cfg.Mode != "http" {
		// MCP owns stdout for the protocol.
		logWriter = os.Stderr
	}
	logger := logging.NewWithWriter(cfg.LogLevel, logWriter)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	location := cfg.Location()

	h := hub.New(logger)
	notify := func(userID string, evt core.Event) {
		// Sweep changes originate server-side; no client is excluded.
		h.Broadcast(userID, evt, "")
	}
	sweeper := core.NewSweeper(storeInst, storeInst, notify, logger, location)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := sweeper.Start(ctx, cfg.SweepCron); err != nil {
		logger.Error("start sweeper", "cron", cfg.SweepCron, "err", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, h, sweeper, logger, location, cancel)
	case "mcp":
		runMCPMode(cfg, storeInst, sweeper, logger, location, cancel)
	case "both":
		runBothMode(cfg, storeInst, h, sweeper, logger, location, cancel)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, st *store.Store, h *hub.Hub, sweeper *core.Sweeper, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	defer cancel()
	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, cfg.UserID, st, h, sweeper, logger, location)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(server, sweeper, cfg.ShutdownGrace, logger)
}

// runMCPMode starts only the MCP server.
func runMCPMode(cfg *config.Config, st *store.Store, sweeper *core.Sweeper, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := habitdmcp.NewMCPServer(st, sweeper, logger, location, cfg.UserID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, st *store.Store, h *hub.Hub, sweeper *core.Sweeper, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	defer cancel()
	mcpServer := habitdmcp.NewMCPServer(st, sweeper, logger, location, cfg.UserID)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, cfg.UserID, st, h, sweeper, logger, location)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(server, sweeper, cfg.ShutdownGrace, logger)
	logger.Info("shutdown complete")
}

func shutdown(server *api.Server, sweeper *core.Sweeper, grace time.Duration, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopCtx := sweeper.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("sweeper stop timed out")
	}
}

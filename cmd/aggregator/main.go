// Aggregation gateway server. Fans journal requests out to the backend
// resources, streams merged results to clients over SSE, and hosts the
// peer-to-peer signaling sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/inera/aggregator/pkg/aggregator"
	"github.com/inera/aggregator/pkg/api"
	"github.com/inera/aggregator/pkg/config"
	"github.com/inera/aggregator/pkg/dispatch"
	"github.com/inera/aggregator/pkg/signaling"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting aggregation gateway",
		"port", cfg.ServerPort,
		"backends", len(cfg.ResourceURLs),
		"callback_url", cfg.CallbackURL,
		"max_timeout", cfg.MaxTimeout)

	dispatcher := dispatch.NewDispatcher(cfg.CallbackURL, cfg.ResourceURLs)
	aggService := aggregator.NewService(cfg, dispatcher)
	signalingMgr := signaling.NewManager(cfg.SessionTTL, cfg.ICEServers)

	httpServer := api.NewServer(aggService, signalingMgr)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.ServerPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Abort in-flight aggregations first so open streams end promptly,
	// then close signaling sessions, then stop the HTTP server.
	aggService.Shutdown()
	signalingMgr.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

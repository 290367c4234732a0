package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kapu/nominator-track-go/internal/app"
	"github.com/kapu/nominator-track-go/internal/config"
	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/internal/util"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := util.NewLogger(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Nominator tracker starting...",
		zap.String("log_level", cfg.Logging.Level),
		zap.Duration("check_interval", cfg.Poll.CheckInterval),
		zap.Duration("sync_interval", cfg.Poll.SyncInterval),
	)

	// Root context lives for the whole run: it bounds the interactive
	// authorization step and every token refresh.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	container, err := app.Build(ctx, cfg, logger, app.Console{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		logger.Error("Failed to assemble application services", zap.Error(err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- container.Tracker.Run(ctx)
	}()

	logger.Info("Tracker started, waiting for signals...")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("Tracker error", zap.Error(err))
		}
	}

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownConfig.Timeout)
	defer shutdownCancel()

	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

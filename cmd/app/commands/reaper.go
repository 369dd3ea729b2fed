package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/allisson/jobflow/internal/app"
	"github.com/allisson/jobflow/internal/config"
)

// RunReaper starts the maintenance reaper loop with graceful shutdown support.
// The reaper fails jobs whose wait deadline passed, releases stale outbox
// locks, and promotes due delayed messages until receiving SIGINT/SIGTERM.
func RunReaper(ctx context.Context) error {
	// Load configuration
	cfg := config.Load()

	// Create DI container
	container := app.NewContainer(cfg)

	// Install the deployment's workflow processors; the expired-wait sweep
	// needs them to schedule retries.
	installProcessors(container)

	// Get logger from container
	logger := container.Logger()
	logger.Info("starting reaper",
		slog.Duration("interval", cfg.ReaperInterval),
		slog.Int("batch_size", cfg.ReaperBatchSize),
	)

	// Ensure cleanup on exit
	defer closeContainer(container, logger)

	// Get reaper from container (this initializes all dependencies)
	reaper, err := container.Reaper()
	if err != nil {
		return fmt.Errorf("failed to initialize reaper: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reaper error: %w", err)
	}

	logger.Info("reaper stopped")
	return nil
}

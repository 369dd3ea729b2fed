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

// RunRelay starts the outbox relay loop with graceful shutdown support.
// The relay claims pending outbox messages in batches and publishes them to
// the broker until receiving SIGINT/SIGTERM.
func RunRelay(ctx context.Context) error {
	// Load configuration
	cfg := config.Load()

	// Create DI container
	container := app.NewContainer(cfg)

	// Get logger from container
	logger := container.Logger()
	logger.Info("starting outbox relay",
		slog.Duration("interval", cfg.RelayInterval),
		slog.Int("batch_size", cfg.RelayBatchSize),
	)

	// Ensure cleanup on exit
	defer closeContainer(container, logger)

	// Get relay use case from container (this initializes all dependencies)
	relay, err := container.RelayUseCase()
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay error: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

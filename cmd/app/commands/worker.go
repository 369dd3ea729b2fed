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

// RunWorker starts the queue worker with graceful shutdown support.
// Loads configuration, initializes the DI container, and consumes the job and
// stage-event queues until receiving SIGINT/SIGTERM. In-flight handlers are
// drained within the configured drain timeout.
func RunWorker(ctx context.Context) error {
	// Load configuration
	cfg := config.Load()

	// Create DI container
	container := app.NewContainer(cfg)

	// Install the deployment's workflow processors
	installProcessors(container)

	// Get logger from container
	logger := container.Logger()
	logger.Info("starting worker",
		slog.String("queue", cfg.WorkerQueue),
		slog.String("event_queue", cfg.WorkerEventQueue),
	)

	// Ensure cleanup on exit
	defer closeContainer(container, logger)

	// Get worker from container (this initializes all dependencies)
	queueWorker, err := container.Worker()
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := queueWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker error: %w", err)
	}

	logger.Info("worker stopped")
	return nil
}

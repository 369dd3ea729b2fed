// Package usecase provides business logic for relaying outbox messages to the broker.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/jobflow/internal/broker"
	"github.com/allisson/jobflow/internal/outbox/domain"
	"github.com/allisson/jobflow/internal/retry"
)

// OutboxRepository defines persistence operations the relay needs.
type OutboxRepository interface {
	Create(ctx context.Context, msg *domain.OutboxMessage) error
	ClaimBatch(ctx context.Context, limit int, lockedBy string, staleAfter time.Duration) ([]*domain.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id uuid.UUID) error
	MarkAsFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error
	MarkAsPermanentlyFailed(ctx context.Context, id uuid.UUID, lastError string) error
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteProcessedOlderThan(ctx context.Context, date time.Time) (int64, error)
}

// Publisher sends messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg broker.Message) error
}

// RelayConfig holds relay tuning parameters.
type RelayConfig struct {
	Interval       time.Duration
	BatchSize      int
	MaxRetries     int
	StaleLockAfter time.Duration
	Retention      time.Duration
	RetryPolicy    retry.Policy
}

// RelayUseCase polls the outbox table and publishes pending messages to the
// broker. Multiple instances can run concurrently; claim-based locking keeps
// them from publishing the same message twice in the common case.
type RelayUseCase struct {
	repo       OutboxRepository
	publisher  Publisher
	cfg        RelayConfig
	instanceID string
	logger     *slog.Logger
}

// NewRelayUseCase creates a new RelayUseCase.
func NewRelayUseCase(repo OutboxRepository, publisher Publisher, cfg RelayConfig, logger *slog.Logger) *RelayUseCase {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &RelayUseCase{
		repo:       repo,
		publisher:  publisher,
		cfg:        cfg,
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		logger:     logger,
	}
}

// Start runs the relay loop until the context is cancelled.
func (u *RelayUseCase) Start(ctx context.Context) error {
	u.logger.Info("outbox relay started",
		slog.String("instance_id", u.instanceID),
		slog.Duration("interval", u.cfg.Interval),
		slog.Int("batch_size", u.cfg.BatchSize),
	)

	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.logger.Info("outbox relay stopped", slog.String("instance_id", u.instanceID))
			return ctx.Err()
		case <-ticker.C:
			if err := u.ProcessBatch(ctx); err != nil {
				u.logger.Error("outbox batch processing failed", slog.Any("error", err))
			}
		}
	}
}

// ProcessBatch claims one batch of publishable messages and relays them.
func (u *RelayUseCase) ProcessBatch(ctx context.Context) error {
	messages, err := u.repo.ClaimBatch(ctx, u.cfg.BatchSize, u.instanceID, u.cfg.StaleLockAfter)
	if err != nil {
		return fmt.Errorf("claim outbox batch: %w", err)
	}

	for _, msg := range messages {
		u.relay(ctx, msg)
	}

	return nil
}

// relay publishes one message and records the outcome. A failed mark after a
// successful publish leaves the message claimable again, which produces a
// duplicate delivery; consumers dedup through the inbox, so this is safe.
func (u *RelayUseCase) relay(ctx context.Context, msg *domain.OutboxMessage) {
	brokerMsg := broker.Message{
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		MessageID:  msg.ID.String(),
		Payload:    msg.Payload,
	}

	if err := u.publisher.Publish(ctx, brokerMsg); err != nil {
		u.handlePublishFailure(ctx, msg, err)
		return
	}

	if err := u.repo.MarkAsSent(ctx, msg.ID); err != nil {
		u.logger.Error("failed to mark outbox message as sent",
			slog.String("message_id", msg.ID.String()),
			slog.Any("error", err),
		)
		return
	}

	u.logger.Info("outbox message published",
		slog.String("message_id", msg.ID.String()),
		slog.String("exchange", msg.Exchange),
		slog.String("routing_key", msg.RoutingKey),
	)
}

func (u *RelayUseCase) handlePublishFailure(ctx context.Context, msg *domain.OutboxMessage, publishErr error) {
	nextRetries := msg.Retries + 1

	if nextRetries >= u.cfg.MaxRetries {
		if err := u.repo.MarkAsPermanentlyFailed(ctx, msg.ID, publishErr.Error()); err != nil {
			u.logger.Error("failed to mark outbox message as permanently failed",
				slog.String("message_id", msg.ID.String()),
				slog.Any("error", err),
			)
			return
		}
		u.logger.Error("outbox message permanently failed",
			slog.String("message_id", msg.ID.String()),
			slog.Int("retries", nextRetries),
			slog.Any("error", publishErr),
		)
		return
	}

	nextAttemptAt := time.Now().UTC().Add(u.cfg.RetryPolicy.Backoff(nextRetries))
	if err := u.repo.MarkAsFailed(ctx, msg.ID, publishErr.Error(), nextAttemptAt); err != nil {
		u.logger.Error("failed to mark outbox message as failed",
			slog.String("message_id", msg.ID.String()),
			slog.Any("error", err),
		)
		return
	}

	u.logger.Warn("outbox message publish failed, scheduled retry",
		slog.String("message_id", msg.ID.String()),
		slog.Int("retries", nextRetries),
		slog.Time("next_attempt_at", nextAttemptAt),
		slog.Any("error", publishErr),
	)
}

// Sweep reclaims stale locks and prunes sent messages past the retention
// window. Intended to run from the reaper loop.
func (u *RelayUseCase) Sweep(ctx context.Context) error {
	reclaimed, err := u.repo.ReclaimStale(ctx, time.Now().UTC().Add(-u.cfg.StaleLockAfter))
	if err != nil {
		return fmt.Errorf("reclaim stale outbox locks: %w", err)
	}
	if reclaimed > 0 {
		u.logger.Info("reclaimed stale outbox locks", slog.Int64("count", reclaimed))
	}

	deleted, err := u.repo.DeleteProcessedOlderThan(ctx, time.Now().UTC().Add(-u.cfg.Retention))
	if err != nil {
		return fmt.Errorf("prune sent outbox messages: %w", err)
	}
	if deleted > 0 {
		u.logger.Info("pruned sent outbox messages", slog.Int64("count", deleted))
	}

	return nil
}

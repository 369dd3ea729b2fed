// Package repository provides data persistence implementations for outbox messages.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/outbox/domain"
)

// PostgreSQLOutboxRepository handles outbox message persistence for PostgreSQL
type PostgreSQLOutboxRepository struct {
	db *sql.DB
}

// NewPostgreSQLOutboxRepository creates a new PostgreSQLOutboxRepository
func NewPostgreSQLOutboxRepository(db *sql.DB) *PostgreSQLOutboxRepository {
	return &PostgreSQLOutboxRepository{
		db: db,
	}
}

// Create inserts a new outbox message. When the context carries a
// transaction, the insert joins it, so the message commits if and only if the
// surrounding business change commits.
func (r *PostgreSQLOutboxRepository) Create(ctx context.Context, msg *domain.OutboxMessage) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO outbox_messages (id, job_id, exchange, routing_key, payload, status, retries,
			  last_error, locked_by, locked_at, next_attempt_at, processed_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`

	_, err := querier.ExecContext(ctx, query, msg.ID, msg.JobID, msg.Exchange, msg.RoutingKey,
		msg.Payload, msg.Status, msg.Retries, msg.LastError, msg.LockedBy, msg.LockedAt,
		msg.NextAttemptAt, msg.ProcessedAt)

	return err
}

// ClaimBatch atomically selects up to limit publishable messages and locks
// them for this relay instance. Rows locked by another live relay are skipped;
// rows whose lock is older than staleAfter are considered abandoned and
// reclaimed. Safe to run from multiple concurrent relay instances.
func (r *PostgreSQLOutboxRepository) ClaimBatch(
	ctx context.Context,
	limit int,
	lockedBy string,
	staleAfter time.Duration,
) ([]*domain.OutboxMessage, error) {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_messages
			  SET locked_by = $1, locked_at = NOW(), updated_at = NOW()
			  WHERE id IN (
				  SELECT id FROM outbox_messages
				  WHERE status IN ($2, $3)
				    AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
				    AND (locked_at IS NULL OR locked_at < NOW() - ($4 * INTERVAL '1 second'))
				  ORDER BY created_at ASC
				  LIMIT $5
				  FOR UPDATE SKIP LOCKED
			  )
			  RETURNING id, job_id, exchange, routing_key, payload, status, retries, last_error,
			            locked_by, locked_at, next_attempt_at, processed_at, created_at, updated_at`

	rows, err := querier.QueryContext(ctx, query, lockedBy,
		domain.OutboxMessageStatusPending, domain.OutboxMessageStatusFailed,
		int(staleAfter.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var messages []*domain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkAsSent marks the message processed and releases its lock.
func (r *PostgreSQLOutboxRepository) MarkAsSent(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_messages
			  SET status = $1, processed_at = NOW(), locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE id = $2`

	_, err := querier.ExecContext(ctx, query, domain.OutboxMessageStatusSent, id)
	return err
}

// MarkAsFailed records a failed publish attempt and schedules the next one.
func (r *PostgreSQLOutboxRepository) MarkAsFailed(
	ctx context.Context,
	id uuid.UUID,
	lastError string,
	nextAttemptAt time.Time,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_messages
			  SET status = $1, retries = retries + 1, last_error = $2, next_attempt_at = $3,
			      locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE id = $4`

	_, err := querier.ExecContext(ctx, query, domain.OutboxMessageStatusFailed, lastError, nextAttemptAt, id)
	return err
}

// MarkAsPermanentlyFailed marks the message as exhausted. It keeps the row for
// alerting and inspection; the retention sweep does not touch it.
func (r *PostgreSQLOutboxRepository) MarkAsPermanentlyFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_messages
			  SET status = $1, retries = retries + 1, last_error = $2,
			      locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE id = $3`

	_, err := querier.ExecContext(ctx, query, domain.OutboxMessageStatusPermanentlyFailed, lastError, id)
	return err
}

// ReclaimStale releases locks older than olderThan, so messages claimed by a
// relay that crashed mid-publish become claimable again.
func (r *PostgreSQLOutboxRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_messages
			  SET locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE status IN ($1, $2) AND locked_at IS NOT NULL AND locked_at < $3`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxMessageStatusPending, domain.OutboxMessageStatusFailed, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteProcessedOlderThan removes sent messages past the retention window.
func (r *PostgreSQLOutboxRepository) DeleteProcessedOlderThan(ctx context.Context, date time.Time) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `DELETE FROM outbox_messages WHERE status = $1 AND processed_at < $2`

	result, err := querier.ExecContext(ctx, query, domain.OutboxMessageStatusSent, date)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanOutboxMessage scans one row into an OutboxMessage.
func scanOutboxMessage(rows *sql.Rows) (*domain.OutboxMessage, error) {
	var msg domain.OutboxMessage

	err := rows.Scan(&msg.ID, &msg.JobID, &msg.Exchange, &msg.RoutingKey, &msg.Payload,
		&msg.Status, &msg.Retries, &msg.LastError, &msg.LockedBy, &msg.LockedAt,
		&msg.NextAttemptAt, &msg.ProcessedAt, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

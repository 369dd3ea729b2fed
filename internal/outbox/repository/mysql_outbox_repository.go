package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/outbox/domain"
)

// MySQLOutboxRepository handles outbox message persistence for MySQL
type MySQLOutboxRepository struct {
	db *sql.DB
}

// NewMySQLOutboxRepository creates a new MySQLOutboxRepository
func NewMySQLOutboxRepository(db *sql.DB) *MySQLOutboxRepository {
	return &MySQLOutboxRepository{
		db: db,
	}
}

// Create inserts a new outbox message, joining the ambient transaction when
// the context carries one.
func (r *MySQLOutboxRepository) Create(ctx context.Context, msg *domain.OutboxMessage) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := msg.ID.MarshalBinary()
	if err != nil {
		return err
	}

	var jobIDBytes []byte
	if msg.JobID != nil {
		jobIDBytes, err = msg.JobID.MarshalBinary()
		if err != nil {
			return err
		}
	}

	query := `INSERT INTO outbox_messages (id, job_id, exchange, routing_key, payload, status, retries,
			  last_error, locked_by, locked_at, next_attempt_at, processed_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())`

	_, err = querier.ExecContext(ctx, query, idBytes, jobIDBytes, msg.Exchange, msg.RoutingKey,
		msg.Payload, msg.Status, msg.Retries, msg.LastError, msg.LockedBy, msg.LockedAt,
		msg.NextAttemptAt, msg.ProcessedAt)

	return err
}

// ClaimBatch selects up to limit publishable messages with FOR UPDATE SKIP
// LOCKED and locks them for this relay instance. MySQL lacks UPDATE ...
// RETURNING, so the select and the lock update run inside one transaction.
func (r *MySQLOutboxRepository) ClaimBatch(
	ctx context.Context,
	limit int,
	lockedBy string,
	staleAfter time.Duration,
) ([]*domain.OutboxMessage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery := `SELECT id, job_id, exchange, routing_key, payload, status, retries, last_error,
			        locked_by, locked_at, next_attempt_at, processed_at, created_at, updated_at
			        FROM outbox_messages
			        WHERE status IN (?, ?)
			          AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			          AND (locked_at IS NULL OR locked_at < NOW() - INTERVAL ? SECOND)
			        ORDER BY created_at ASC
			        LIMIT ?
			        FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, selectQuery,
		domain.OutboxMessageStatusPending, domain.OutboxMessageStatusFailed,
		int(staleAfter.Seconds()), limit)
	if err != nil {
		return nil, err
	}

	var messages []*domain.OutboxMessage
	for rows.Next() {
		msg, err := scanMySQLOutboxMessage(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck
		return nil, err
	}
	rows.Close() //nolint:errcheck

	updateQuery := `UPDATE outbox_messages SET locked_by = ?, locked_at = NOW(), updated_at = NOW() WHERE id = ?`
	now := time.Now().UTC()
	for _, msg := range messages {
		idBytes, err := msg.ID.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, updateQuery, lockedBy, idBytes); err != nil {
			return nil, err
		}
		msg.LockedBy = &lockedBy
		msg.LockedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkAsSent marks the message processed and releases its lock.
func (r *MySQLOutboxRepository) MarkAsSent(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return err
	}

	query := `UPDATE outbox_messages
			  SET status = ?, processed_at = NOW(), locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE id = ?`

	_, err = querier.ExecContext(ctx, query, domain.OutboxMessageStatusSent, idBytes)
	return err
}

// MarkAsFailed records a failed publish attempt and schedules the next one.
func (r *MySQLOutboxRepository) MarkAsFailed(
	ctx context.Context,
	id uuid.UUID,
	lastError string,
	nextAttemptAt time.Time,
) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return err
	}

	query := `UPDATE outbox_messages
			  SET status = ?, retries = retries + 1, last_error = ?, next_attempt_at = ?,
			      locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE id = ?`

	_, err = querier.ExecContext(ctx, query, domain.OutboxMessageStatusFailed, lastError, nextAttemptAt, idBytes)
	return err
}

// MarkAsPermanentlyFailed marks the message as exhausted.
func (r *MySQLOutboxRepository) MarkAsPermanentlyFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return err
	}

	query := `UPDATE outbox_messages
			  SET status = ?, retries = retries + 1, last_error = ?,
			      locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE id = ?`

	_, err = querier.ExecContext(ctx, query, domain.OutboxMessageStatusPermanentlyFailed, lastError, idBytes)
	return err
}

// ReclaimStale releases locks older than olderThan.
func (r *MySQLOutboxRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_messages
			  SET locked_by = NULL, locked_at = NULL, updated_at = NOW()
			  WHERE status IN (?, ?) AND locked_at IS NOT NULL AND locked_at < ?`

	result, err := querier.ExecContext(ctx, query,
		domain.OutboxMessageStatusPending, domain.OutboxMessageStatusFailed, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteProcessedOlderThan removes sent messages past the retention window.
func (r *MySQLOutboxRepository) DeleteProcessedOlderThan(ctx context.Context, date time.Time) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `DELETE FROM outbox_messages WHERE status = ? AND processed_at < ?`

	result, err := querier.ExecContext(ctx, query, domain.OutboxMessageStatusSent, date)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanMySQLOutboxMessage scans one row, converting BINARY(16) ids back to uuid.UUID.
func scanMySQLOutboxMessage(rows *sql.Rows) (*domain.OutboxMessage, error) {
	var msg domain.OutboxMessage
	var idBytes []byte
	var jobIDBytes []byte

	err := rows.Scan(&idBytes, &jobIDBytes, &msg.Exchange, &msg.RoutingKey, &msg.Payload,
		&msg.Status, &msg.Retries, &msg.LastError, &msg.LockedBy, &msg.LockedAt,
		&msg.NextAttemptAt, &msg.ProcessedAt, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := msg.ID.UnmarshalBinary(idBytes); err != nil {
		return nil, err
	}
	if len(jobIDBytes) > 0 {
		var jobID uuid.UUID
		if err := jobID.UnmarshalBinary(jobIDBytes); err != nil {
			return nil, err
		}
		msg.JobID = &jobID
	}

	return &msg, nil
}

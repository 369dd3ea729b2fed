// Package repository provides data persistence implementations for inbox messages.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/inbox/domain"
)

// PostgreSQLInboxRepository handles inbox message persistence for PostgreSQL
type PostgreSQLInboxRepository struct {
	db *sql.DB
}

// NewPostgreSQLInboxRepository creates a new PostgreSQLInboxRepository
func NewPostgreSQLInboxRepository(db *sql.DB) *PostgreSQLInboxRepository {
	return &PostgreSQLInboxRepository{
		db: db,
	}
}

// Create records a consumed message id. It returns alreadySeen=true when the
// id was inserted before, which is the dedup signal: the caller must ack the
// delivery without re-running the handler.
func (r *PostgreSQLInboxRepository) Create(ctx context.Context, msg *domain.InboxMessage) (alreadySeen bool, err error) {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO inbox_messages (message_id, job_id, queue, processed, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, NOW(), NOW())`

	_, err = querier.ExecContext(ctx, query, msg.MessageID, msg.JobID, msg.Queue, msg.Processed)
	if err != nil {
		if isPostgreSQLUniqueViolation(err) {
			return true, nil
		}
		return false, apperrors.Wrap(err, "failed to create inbox message")
	}

	return false, nil
}

// IsProcessed reports whether the message id completed handling.
func (r *PostgreSQLInboxRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT processed FROM inbox_messages WHERE message_id = $1`

	var processed bool
	err := querier.QueryRowContext(ctx, query, messageID).Scan(&processed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.ErrNotFound
		}
		return false, apperrors.Wrap(err, "failed to get inbox message")
	}

	return processed, nil
}

// MarkProcessed flags the message id as fully handled.
func (r *PostgreSQLInboxRepository) MarkProcessed(ctx context.Context, messageID string) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE inbox_messages SET processed = TRUE, updated_at = NOW() WHERE message_id = $1`

	_, err := querier.ExecContext(ctx, query, messageID)
	if err != nil {
		return apperrors.Wrap(err, "failed to mark inbox message as processed")
	}

	return nil
}

// isPostgreSQLUniqueViolation checks if the error is a PostgreSQL unique constraint violation
func isPostgreSQLUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	// PostgreSQL: "duplicate key value violates unique constraint" or "pq: duplicate key"
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

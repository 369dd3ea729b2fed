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

// MySQLInboxRepository handles inbox message persistence for MySQL
type MySQLInboxRepository struct {
	db *sql.DB
}

// NewMySQLInboxRepository creates a new MySQLInboxRepository
func NewMySQLInboxRepository(db *sql.DB) *MySQLInboxRepository {
	return &MySQLInboxRepository{
		db: db,
	}
}

// Create records a consumed message id. It returns alreadySeen=true when the
// id was inserted before.
func (r *MySQLInboxRepository) Create(ctx context.Context, msg *domain.InboxMessage) (alreadySeen bool, err error) {
	querier := database.GetTx(ctx, r.db)

	var jobIDBytes []byte
	if msg.JobID != nil {
		jobIDBytes, err = msg.JobID.MarshalBinary()
		if err != nil {
			return false, apperrors.Wrap(err, "failed to marshal UUID")
		}
	}

	query := `INSERT INTO inbox_messages (message_id, job_id, queue, processed, created_at, updated_at)
			  VALUES (?, ?, ?, ?, NOW(), NOW())`

	_, err = querier.ExecContext(ctx, query, msg.MessageID, jobIDBytes, msg.Queue, msg.Processed)
	if err != nil {
		if isMySQLUniqueViolation(err) {
			return true, nil
		}
		return false, apperrors.Wrap(err, "failed to create inbox message")
	}

	return false, nil
}

// IsProcessed reports whether the message id completed handling.
func (r *MySQLInboxRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT processed FROM inbox_messages WHERE message_id = ?`

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
func (r *MySQLInboxRepository) MarkProcessed(ctx context.Context, messageID string) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE inbox_messages SET processed = TRUE, updated_at = NOW() WHERE message_id = ?`

	_, err := querier.ExecContext(ctx, query, messageID)
	if err != nil {
		return apperrors.Wrap(err, "failed to mark inbox message as processed")
	}

	return nil
}

// isMySQLUniqueViolation checks if the error is a MySQL unique constraint violation
func isMySQLUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	// MySQL: "Error 1062: Duplicate entry"
	return strings.Contains(errMsg, "duplicate entry") || strings.Contains(errMsg, "1062")
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/workflow/domain"
)

// MySQLHistoryRepository handles job execution history persistence for MySQL
type MySQLHistoryRepository struct {
	db *sql.DB
}

// NewMySQLHistoryRepository creates a new MySQLHistoryRepository
func NewMySQLHistoryRepository(db *sql.DB) *MySQLHistoryRepository {
	return &MySQLHistoryRepository{
		db: db,
	}
}

// Create appends an attempt record.
func (r *MySQLHistoryRepository) Create(ctx context.Context, h *domain.JobExecutionHistory) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := h.ID.MarshalBinary()
	if err != nil {
		return err
	}

	jobIDBytes, err := h.JobID.MarshalBinary()
	if err != nil {
		return err
	}

	query := `INSERT INTO job_execution_history
			  (id, job_id, attempt_number, status, started_at, completed_at, duration_ms, error_type, error_message, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())`

	_, err = querier.ExecContext(ctx, query, idBytes, jobIDBytes, h.AttemptNumber, h.Status,
		h.StartedAt, h.CompletedAt, h.DurationMs, h.ErrorType, h.ErrorMessage)
	if err != nil {
		return apperrors.Wrap(err, "failed to create execution history")
	}

	return nil
}

// FinishAttempt closes an attempt record with its outcome. The duration is
// computed in the database from the stored start time.
func (r *MySQLHistoryRepository) FinishAttempt(
	ctx context.Context,
	id uuid.UUID,
	status domain.JobStatus,
	errorType *string,
	errorMessage *string,
) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return err
	}

	query := `UPDATE job_execution_history
			  SET status = ?, completed_at = NOW(),
			      duration_ms = TIMESTAMPDIFF(MICROSECOND, started_at, NOW()) DIV 1000,
			      error_type = ?, error_message = ?
			  WHERE id = ? AND completed_at IS NULL`

	result, err := querier.ExecContext(ctx, query, status, errorType, errorMessage, idBytes)
	if err != nil {
		return apperrors.Wrap(err, "failed to finish execution attempt")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, "failed to get affected rows")
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// NextAttemptNumber returns the attempt number the next execution should use.
// Attempt numbers are contiguous starting at 1.
func (r *MySQLHistoryRepository) NextAttemptNumber(ctx context.Context, jobID uuid.UUID) (int, error) {
	querier := database.GetTx(ctx, r.db)

	jobIDBytes, err := jobID.MarshalBinary()
	if err != nil {
		return 0, err
	}

	query := `SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM job_execution_history WHERE job_id = ?`

	var next int
	if err := querier.QueryRowContext(ctx, query, jobIDBytes).Scan(&next); err != nil {
		return 0, apperrors.Wrap(err, "failed to get next attempt number")
	}

	return next, nil
}

// ListByJobID returns all attempts for a job ordered by attempt number.
func (r *MySQLHistoryRepository) ListByJobID(ctx context.Context, jobID uuid.UUID) ([]*domain.JobExecutionHistory, error) {
	querier := database.GetTx(ctx, r.db)

	jobIDBytes, err := jobID.MarshalBinary()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, job_id, attempt_number, status, started_at, completed_at, duration_ms,
			         error_type, error_message, created_at
			  FROM job_execution_history
			  WHERE job_id = ?
			  ORDER BY attempt_number ASC`

	rows, err := querier.QueryContext(ctx, query, jobIDBytes)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list execution history")
	}
	defer rows.Close() //nolint:errcheck

	var history []*domain.JobExecutionHistory
	for rows.Next() {
		h, err := scanMySQLHistory(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan execution history")
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate execution history")
	}

	return history, nil
}

// AverageDuration returns the mean duration of attempts finished after since,
// grouped by outcome status.
func (r *MySQLHistoryRepository) AverageDuration(ctx context.Context, since time.Time) (map[domain.JobStatus]time.Duration, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT status, AVG(duration_ms) FROM job_execution_history
			  WHERE completed_at >= ? AND duration_ms IS NOT NULL
			  GROUP BY status`

	rows, err := querier.QueryContext(ctx, query, since)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get average durations")
	}
	defer rows.Close() //nolint:errcheck

	averages := make(map[domain.JobStatus]time.Duration)
	for rows.Next() {
		var status domain.JobStatus
		var avgMs float64
		if err := rows.Scan(&status, &avgMs); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan average duration")
		}
		averages[status] = time.Duration(avgMs * float64(time.Millisecond))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate average durations")
	}

	return averages, nil
}

// scanMySQLHistory scans one row, converting BINARY(16) ids back to uuid.UUID.
func scanMySQLHistory(rows *sql.Rows) (*domain.JobExecutionHistory, error) {
	var h domain.JobExecutionHistory
	var idBytes []byte
	var jobIDBytes []byte

	err := rows.Scan(&idBytes, &jobIDBytes, &h.AttemptNumber, &h.Status, &h.StartedAt,
		&h.CompletedAt, &h.DurationMs, &h.ErrorType, &h.ErrorMessage, &h.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := h.ID.UnmarshalBinary(idBytes); err != nil {
		return nil, err
	}
	if err := h.JobID.UnmarshalBinary(jobIDBytes); err != nil {
		return nil, err
	}

	return &h, nil
}

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

// PostgreSQLHistoryRepository handles job execution history persistence for PostgreSQL
type PostgreSQLHistoryRepository struct {
	db *sql.DB
}

// NewPostgreSQLHistoryRepository creates a new PostgreSQLHistoryRepository
func NewPostgreSQLHistoryRepository(db *sql.DB) *PostgreSQLHistoryRepository {
	return &PostgreSQLHistoryRepository{
		db: db,
	}
}

// Create appends an attempt record.
func (r *PostgreSQLHistoryRepository) Create(ctx context.Context, h *domain.JobExecutionHistory) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO job_execution_history
			  (id, job_id, attempt_number, status, started_at, completed_at, duration_ms, error_type, error_message, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	_, err := querier.ExecContext(ctx, query, h.ID, h.JobID, h.AttemptNumber, h.Status,
		h.StartedAt, h.CompletedAt, h.DurationMs, h.ErrorType, h.ErrorMessage)
	if err != nil {
		return apperrors.Wrap(err, "failed to create execution history")
	}

	return nil
}

// FinishAttempt closes an attempt record with its outcome. The duration is
// computed in the database from the stored start time.
func (r *PostgreSQLHistoryRepository) FinishAttempt(
	ctx context.Context,
	id uuid.UUID,
	status domain.JobStatus,
	errorType *string,
	errorMessage *string,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE job_execution_history
			  SET status = $1, completed_at = NOW(),
			      duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint,
			      error_type = $2, error_message = $3
			  WHERE id = $4 AND completed_at IS NULL`

	result, err := querier.ExecContext(ctx, query, status, errorType, errorMessage, id)
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
func (r *PostgreSQLHistoryRepository) NextAttemptNumber(ctx context.Context, jobID uuid.UUID) (int, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM job_execution_history WHERE job_id = $1`

	var next int
	if err := querier.QueryRowContext(ctx, query, jobID).Scan(&next); err != nil {
		return 0, apperrors.Wrap(err, "failed to get next attempt number")
	}

	return next, nil
}

// ListByJobID returns all attempts for a job ordered by attempt number.
func (r *PostgreSQLHistoryRepository) ListByJobID(ctx context.Context, jobID uuid.UUID) ([]*domain.JobExecutionHistory, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT id, job_id, attempt_number, status, started_at, completed_at, duration_ms,
			         error_type, error_message, created_at
			  FROM job_execution_history
			  WHERE job_id = $1
			  ORDER BY attempt_number ASC`

	rows, err := querier.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list execution history")
	}
	defer rows.Close() //nolint:errcheck

	var history []*domain.JobExecutionHistory
	for rows.Next() {
		var h domain.JobExecutionHistory
		err := rows.Scan(&h.ID, &h.JobID, &h.AttemptNumber, &h.Status, &h.StartedAt,
			&h.CompletedAt, &h.DurationMs, &h.ErrorType, &h.ErrorMessage, &h.CreatedAt)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan execution history")
		}
		history = append(history, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate execution history")
	}

	return history, nil
}

// AverageDuration returns the mean duration of attempts finished after since,
// grouped by outcome status.
func (r *PostgreSQLHistoryRepository) AverageDuration(ctx context.Context, since time.Time) (map[domain.JobStatus]time.Duration, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT status, AVG(duration_ms) FROM job_execution_history
			  WHERE completed_at >= $1 AND duration_ms IS NOT NULL
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

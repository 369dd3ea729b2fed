// Package repository provides data persistence implementations for workflow
// jobs and their execution history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/workflow/domain"
)

const jobColumns = `id, correlation_id, workflow_type, handler_type, payload, organization_id, team_id,
	status, priority, retry_count, max_retries, error_classification, last_error,
	scheduled_at, started_at, completed_at, current_stage, wait_event_type, wait_event_key,
	wait_deadline, stage_state, metadata, created_at, updated_at`

// PostgreSQLJobRepository handles workflow job persistence for PostgreSQL
type PostgreSQLJobRepository struct {
	db *sql.DB
}

// NewPostgreSQLJobRepository creates a new PostgreSQLJobRepository
func NewPostgreSQLJobRepository(db *sql.DB) *PostgreSQLJobRepository {
	return &PostgreSQLJobRepository{
		db: db,
	}
}

// Create inserts a new workflow job, joining the ambient transaction when the
// context carries one.
func (r *PostgreSQLJobRepository) Create(ctx context.Context, job *domain.WorkflowJob) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO workflow_jobs (` + jobColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW())`

	_, err := querier.ExecContext(ctx, query, job.ID, job.CorrelationID, job.WorkflowType,
		job.HandlerType, job.Payload, job.OrganizationID, job.TeamID, job.Status, job.Priority,
		job.RetryCount, job.MaxRetries, job.ErrorClassification, job.LastError, job.ScheduledAt,
		job.StartedAt, job.CompletedAt, job.CurrentStage, job.WaitEventType, job.WaitEventKey,
		job.WaitDeadline, job.StageState, job.Metadata)
	if err != nil {
		return apperrors.Wrap(err, "failed to create workflow job")
	}

	return nil
}

// GetByID returns the job with the given id.
func (r *PostgreSQLJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + jobColumns + ` FROM workflow_jobs WHERE id = $1`

	job, err := scanJob(querier.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get workflow job")
	}

	return job, nil
}

// Update persists the job's current state. The caller is expected to have
// mutated the job through Transition, so status legality is already enforced.
func (r *PostgreSQLJobRepository) Update(ctx context.Context, job *domain.WorkflowJob) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE workflow_jobs
			  SET status = $1, retry_count = $2, error_classification = $3, last_error = $4,
			      scheduled_at = $5, started_at = $6, completed_at = $7, current_stage = $8,
			      wait_event_type = $9, wait_event_key = $10, wait_deadline = $11,
			      stage_state = $12, metadata = $13, updated_at = NOW()
			  WHERE id = $14`

	result, err := querier.ExecContext(ctx, query, job.Status, job.RetryCount,
		job.ErrorClassification, job.LastError, job.ScheduledAt, job.StartedAt, job.CompletedAt,
		job.CurrentStage, job.WaitEventType, job.WaitEventKey, job.WaitDeadline,
		job.StageState, job.Metadata, job.ID)
	if err != nil {
		return apperrors.Wrap(err, "failed to update workflow job")
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

// GetByWaitEventKey returns the job paused on the given event identity, if any.
func (r *PostgreSQLJobRepository) GetByWaitEventKey(ctx context.Context, eventType, eventKey string) (*domain.WorkflowJob, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
			  WHERE status = $1 AND wait_event_type = $2 AND wait_event_key = $3`

	job, err := scanJob(querier.QueryRowContext(ctx, query, domain.JobStatusWaitingForEvent, eventType, eventKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get workflow job by wait event key")
	}

	return job, nil
}

// ListExpiredWaiting returns up to limit waiting jobs whose wait deadline has
// passed, locking them so concurrent reaper instances never pick the same job.
// Must run inside a transaction.
func (r *PostgreSQLJobRepository) ListExpiredWaiting(ctx context.Context, limit int) ([]*domain.WorkflowJob, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
			  WHERE status = $1 AND wait_deadline IS NOT NULL AND wait_deadline < NOW()
			  ORDER BY wait_deadline ASC
			  LIMIT $2
			  FOR UPDATE SKIP LOCKED`

	rows, err := querier.QueryContext(ctx, query, domain.JobStatusWaitingForEvent, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list expired waiting jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []*domain.WorkflowJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan workflow job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate workflow jobs")
	}

	return jobs, nil
}

// CountByStatus returns the number of jobs per status.
func (r *PostgreSQLJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT status, COUNT(*) FROM workflow_jobs GROUP BY status`

	rows, err := querier.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status domain.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate status counts")
	}

	return counts, nil
}

// OldestPendingAge returns how long the oldest pending job has been queued.
// Returns zero when no job is pending.
func (r *PostgreSQLJobRepository) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at))), 0)
			  FROM workflow_jobs WHERE status = $1`

	var seconds float64
	if err := querier.QueryRowContext(ctx, query, domain.JobStatusPending).Scan(&seconds); err != nil {
		return 0, apperrors.Wrap(err, "failed to get oldest pending job age")
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.WorkflowJob, error) {
	var job domain.WorkflowJob

	err := row.Scan(&job.ID, &job.CorrelationID, &job.WorkflowType, &job.HandlerType, &job.Payload,
		&job.OrganizationID, &job.TeamID, &job.Status, &job.Priority, &job.RetryCount,
		&job.MaxRetries, &job.ErrorClassification, &job.LastError, &job.ScheduledAt,
		&job.StartedAt, &job.CompletedAt, &job.CurrentStage, &job.WaitEventType,
		&job.WaitEventKey, &job.WaitDeadline, &job.StageState, &job.Metadata,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

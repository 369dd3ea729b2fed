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

// MySQLJobRepository handles workflow job persistence for MySQL
type MySQLJobRepository struct {
	db *sql.DB
}

// NewMySQLJobRepository creates a new MySQLJobRepository
func NewMySQLJobRepository(db *sql.DB) *MySQLJobRepository {
	return &MySQLJobRepository{
		db: db,
	}
}

// Create inserts a new workflow job, joining the ambient transaction when the
// context carries one.
func (r *MySQLJobRepository) Create(ctx context.Context, job *domain.WorkflowJob) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, orgIDBytes, teamIDBytes, err := marshalJobIDs(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_jobs (` + jobColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())`

	_, err = querier.ExecContext(ctx, query, idBytes, job.CorrelationID, job.WorkflowType,
		job.HandlerType, job.Payload, orgIDBytes, teamIDBytes, job.Status, job.Priority,
		job.RetryCount, job.MaxRetries, job.ErrorClassification, job.LastError, job.ScheduledAt,
		job.StartedAt, job.CompletedAt, job.CurrentStage, job.WaitEventType, job.WaitEventKey,
		job.WaitDeadline, job.StageState, job.Metadata)
	if err != nil {
		return apperrors.Wrap(err, "failed to create workflow job")
	}

	return nil
}

// GetByID returns the job with the given id.
func (r *MySQLJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM workflow_jobs WHERE id = ?`

	job, err := scanMySQLJob(querier.QueryRowContext(ctx, query, idBytes))
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
func (r *MySQLJobRepository) Update(ctx context.Context, job *domain.WorkflowJob) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := job.ID.MarshalBinary()
	if err != nil {
		return err
	}

	query := `UPDATE workflow_jobs
			  SET status = ?, retry_count = ?, error_classification = ?, last_error = ?,
			      scheduled_at = ?, started_at = ?, completed_at = ?, current_stage = ?,
			      wait_event_type = ?, wait_event_key = ?, wait_deadline = ?,
			      stage_state = ?, metadata = ?, updated_at = NOW()
			  WHERE id = ?`

	result, err := querier.ExecContext(ctx, query, job.Status, job.RetryCount,
		job.ErrorClassification, job.LastError, job.ScheduledAt, job.StartedAt, job.CompletedAt,
		job.CurrentStage, job.WaitEventType, job.WaitEventKey, job.WaitDeadline,
		job.StageState, job.Metadata, idBytes)
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
func (r *MySQLJobRepository) GetByWaitEventKey(ctx context.Context, eventType, eventKey string) (*domain.WorkflowJob, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
			  WHERE status = ? AND wait_event_type = ? AND wait_event_key = ?`

	job, err := scanMySQLJob(querier.QueryRowContext(ctx, query, domain.JobStatusWaitingForEvent, eventType, eventKey))
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
func (r *MySQLJobRepository) ListExpiredWaiting(ctx context.Context, limit int) ([]*domain.WorkflowJob, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
			  WHERE status = ? AND wait_deadline IS NOT NULL AND wait_deadline < NOW()
			  ORDER BY wait_deadline ASC
			  LIMIT ?
			  FOR UPDATE SKIP LOCKED`

	rows, err := querier.QueryContext(ctx, query, domain.JobStatusWaitingForEvent, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list expired waiting jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []*domain.WorkflowJob
	for rows.Next() {
		job, err := scanMySQLJob(rows)
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
func (r *MySQLJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
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
func (r *MySQLJobRepository) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT COALESCE(TIMESTAMPDIFF(SECOND, MIN(created_at), NOW()), 0)
			  FROM workflow_jobs WHERE status = ?`

	var seconds float64
	if err := querier.QueryRowContext(ctx, query, domain.JobStatusPending).Scan(&seconds); err != nil {
		return 0, apperrors.Wrap(err, "failed to get oldest pending job age")
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// marshalJobIDs converts the job's UUID fields to BINARY(16) representations.
func marshalJobIDs(job *domain.WorkflowJob) (idBytes, orgIDBytes, teamIDBytes []byte, err error) {
	idBytes, err = job.ID.MarshalBinary()
	if err != nil {
		return nil, nil, nil, err
	}

	orgIDBytes, err = job.OrganizationID.MarshalBinary()
	if err != nil {
		return nil, nil, nil, err
	}

	if job.TeamID != nil {
		teamIDBytes, err = job.TeamID.MarshalBinary()
		if err != nil {
			return nil, nil, nil, err
		}
	}

	return idBytes, orgIDBytes, teamIDBytes, nil
}

// scanMySQLJob scans one row, converting BINARY(16) ids back to uuid.UUID.
func scanMySQLJob(row rowScanner) (*domain.WorkflowJob, error) {
	var job domain.WorkflowJob
	var idBytes []byte
	var orgIDBytes []byte
	var teamIDBytes []byte

	err := row.Scan(&idBytes, &job.CorrelationID, &job.WorkflowType, &job.HandlerType, &job.Payload,
		&orgIDBytes, &teamIDBytes, &job.Status, &job.Priority, &job.RetryCount,
		&job.MaxRetries, &job.ErrorClassification, &job.LastError, &job.ScheduledAt,
		&job.StartedAt, &job.CompletedAt, &job.CurrentStage, &job.WaitEventType,
		&job.WaitEventKey, &job.WaitDeadline, &job.StageState, &job.Metadata,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := job.ID.UnmarshalBinary(idBytes); err != nil {
		return nil, err
	}
	if err := job.OrganizationID.UnmarshalBinary(orgIDBytes); err != nil {
		return nil, err
	}
	if len(teamIDBytes) > 0 {
		var teamID uuid.UUID
		if err := teamID.UnmarshalBinary(teamIDBytes); err != nil {
			return nil, err
		}
		job.TeamID = &teamID
	}

	return &job, nil
}

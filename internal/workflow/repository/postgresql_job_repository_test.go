package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/workflow/domain"
)

var jobColumnNames = []string{"id", "correlation_id", "workflow_type", "handler_type", "payload",
	"organization_id", "team_id", "status", "priority", "retry_count", "max_retries",
	"error_classification", "last_error", "scheduled_at", "started_at", "completed_at",
	"current_stage", "wait_event_type", "wait_event_key", "wait_deadline", "stage_state",
	"metadata", "created_at", "updated_at"}

func newJob() *domain.WorkflowJob {
	return &domain.WorkflowJob{
		ID:             uuid.New(),
		CorrelationID:  "corr-1",
		WorkflowType:   "document_processing",
		HandlerType:    "document_pipeline",
		Payload:        json.RawMessage(`{"documentId":"doc-1"}`),
		OrganizationID: uuid.New(),
		Status:         domain.JobStatusPending,
		MaxRetries:     3,
	}
}

func jobRow(job *domain.WorkflowJob) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(jobColumnNames).
		AddRow(job.ID, job.CorrelationID, job.WorkflowType, job.HandlerType, []byte(job.Payload),
			job.OrganizationID, job.TeamID, job.Status, job.Priority, job.RetryCount,
			job.MaxRetries, job.ErrorClassification, job.LastError, job.ScheduledAt,
			job.StartedAt, job.CompletedAt, job.CurrentStage, job.WaitEventType,
			job.WaitEventKey, job.WaitDeadline, []byte(job.StageState), []byte(job.Metadata),
			now, now)
}

func TestPostgreSQLJobRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLJobRepository(db)
	job := newJob()

	mock.ExpectExec("INSERT INTO workflow_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), job)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLJobRepository_GetByID(t *testing.T) {
	t.Run("returns the job", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLJobRepository(db)
		job := newJob()

		mock.ExpectQuery("SELECT (.+) FROM workflow_jobs WHERE id").
			WithArgs(job.ID).
			WillReturnRows(jobRow(job))

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.JobStatusPending, got.Status)
		assert.Equal(t, "document_processing", got.WorkflowType)
	})

	t.Run("unknown id returns not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLJobRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM workflow_jobs WHERE id").
			WillReturnRows(sqlmock.NewRows(jobColumnNames))

		_, err = repo.GetByID(context.Background(), uuid.New())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgreSQLJobRepository_Update(t *testing.T) {
	t.Run("updates the job", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLJobRepository(db)
		job := newJob()
		require.NoError(t, job.Transition(domain.JobStatusProcessing))

		mock.ExpectExec("UPDATE workflow_jobs").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = repo.Update(context.Background(), job)
		assert.NoError(t, err)
	})

	t.Run("missing job returns not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLJobRepository(db)
		job := newJob()

		mock.ExpectExec("UPDATE workflow_jobs").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = repo.Update(context.Background(), job)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgreSQLJobRepository_GetByWaitEventKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLJobRepository(db)
	job := newJob()
	job.Status = domain.JobStatusWaitingForEvent
	eventType := "analysis.completed"
	eventKey := "task-42"
	job.WaitEventType = &eventType
	job.WaitEventKey = &eventKey

	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs(domain.JobStatusWaitingForEvent, eventType, eventKey).
		WillReturnRows(jobRow(job))

	got, err := repo.GetByWaitEventKey(context.Background(), eventType, eventKey)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.JobStatusWaitingForEvent, got.Status)
}

func TestPostgreSQLJobRepository_ListExpiredWaiting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLJobRepository(db)
	job := newJob()
	job.Status = domain.JobStatusWaitingForEvent

	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs(domain.JobStatusWaitingForEvent, 10).
		WillReturnRows(jobRow(job))

	jobs, err := repo.ListExpiredWaiting(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestPostgreSQLJobRepository_CountByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLJobRepository(db)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("processing", 1).
			AddRow("completed", 42))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[domain.JobStatusPending])
	assert.Equal(t, int64(1), counts[domain.JobStatusProcessing])
	assert.Equal(t, int64(42), counts[domain.JobStatusCompleted])
}

func TestPostgreSQLHistoryRepository_NextAttemptNumber(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLHistoryRepository(db)
	jobID := uuid.New()

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))

	next, err := repo.NextAttemptNumber(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestPostgreSQLHistoryRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLHistoryRepository(db)
	h := &domain.JobExecutionHistory{
		ID:            uuid.New(),
		JobID:         uuid.New(),
		AttemptNumber: 1,
		Status:        domain.JobStatusProcessing,
		StartedAt:     time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO job_execution_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), h)
	assert.NoError(t, err)
}

func TestPostgreSQLHistoryRepository_FinishAttempt(t *testing.T) {
	t.Run("closes an open attempt", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLHistoryRepository(db)
		id := uuid.New()

		mock.ExpectExec("UPDATE job_execution_history").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = repo.FinishAttempt(context.Background(), id, domain.JobStatusCompleted, nil, nil)
		assert.NoError(t, err)
	})

	t.Run("already closed attempt returns not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLHistoryRepository(db)

		mock.ExpectExec("UPDATE job_execution_history").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = repo.FinishAttempt(context.Background(), uuid.New(), domain.JobStatusCompleted, nil, nil)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgreSQLHistoryRepository_ListByJobID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLHistoryRepository(db)
	jobID := uuid.New()
	now := time.Now().UTC()
	durationMs := int64(1500)

	rows := sqlmock.NewRows([]string{"id", "job_id", "attempt_number", "status", "started_at",
		"completed_at", "duration_ms", "error_type", "error_message", "created_at"}).
		AddRow(uuid.New(), jobID, 1, "failed", now, now, durationMs, "retryable", "timeout", now).
		AddRow(uuid.New(), jobID, 2, "completed", now, now, durationMs, nil, nil, now)

	mock.ExpectQuery("SELECT (.+) FROM job_execution_history").
		WithArgs(jobID).
		WillReturnRows(rows)

	history, err := repo.ListByJobID(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].AttemptNumber)
	assert.Equal(t, 2, history[1].AttemptNumber)
	assert.Equal(t, domain.JobStatusCompleted, history[1].Status)
}

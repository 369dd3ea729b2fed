package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/workflow/domain"
)

// MetricsRepository defines the aggregate queries backing queue metrics.
type MetricsRepository interface {
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error)
	OldestPendingAge(ctx context.Context) (time.Duration, error)
}

// HistoryReader lists execution attempts and duration aggregates.
type HistoryReader interface {
	ListByJobID(ctx context.Context, jobID uuid.UUID) ([]*domain.JobExecutionHistory, error)
	AverageDuration(ctx context.Context, since time.Time) (map[domain.JobStatus]time.Duration, error)
}

// JobReader loads single jobs.
type JobReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error)
}

// JobDetail is a job together with its full attempt history.
type JobDetail struct {
	Job     *domain.WorkflowJob
	History []*domain.JobExecutionHistory
}

// QueueMetrics is a point-in-time snapshot of queue health.
type QueueMetrics struct {
	StatusCounts     map[domain.JobStatus]int64
	OldestPendingAge time.Duration
	// AverageDurations covers attempts finished in the last MetricsWindow.
	AverageDurations map[domain.JobStatus]time.Duration
}

// MetricsWindow bounds the duration aggregates in QueueMetrics.
const MetricsWindow = 24 * time.Hour

// StatusUseCase implements the read-only status and metrics surface.
type StatusUseCase struct {
	jobReader   JobReader
	historyRepo HistoryReader
	metricsRepo MetricsRepository
}

// NewStatusUseCase creates a new StatusUseCase.
func NewStatusUseCase(jobReader JobReader, historyRepo HistoryReader, metricsRepo MetricsRepository) *StatusUseCase {
	return &StatusUseCase{
		jobReader:   jobReader,
		historyRepo: historyRepo,
		metricsRepo: metricsRepo,
	}
}

// GetJob returns the current state of a job.
func (u *StatusUseCase) GetJob(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error) {
	return u.jobReader.GetByID(ctx, id)
}

// GetJobDetail returns a job with its execution history.
func (u *StatusUseCase) GetJobDetail(ctx context.Context, id uuid.UUID) (*JobDetail, error) {
	job, err := u.jobReader.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	history, err := u.historyRepo.ListByJobID(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load execution history")
	}

	return &JobDetail{Job: job, History: history}, nil
}

// GetMetrics returns a queue health snapshot.
func (u *StatusUseCase) GetMetrics(ctx context.Context) (*QueueMetrics, error) {
	counts, err := u.metricsRepo.CountByStatus(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to count jobs by status")
	}

	oldestAge, err := u.metricsRepo.OldestPendingAge(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get oldest pending age")
	}

	averages, err := u.historyRepo.AverageDuration(ctx, time.Now().UTC().Add(-MetricsWindow))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get average durations")
	}

	return &QueueMetrics{
		StatusCounts:     counts,
		OldestPendingAge: oldestAge,
		AverageDurations: averages,
	}, nil
}

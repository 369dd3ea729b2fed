package dto

import (
	"encoding/json"
	"time"

	"github.com/allisson/jobflow/internal/workflow/domain"
	"github.com/allisson/jobflow/internal/workflow/usecase"
)

// JobResponse represents a workflow job in API responses.
type JobResponse struct {
	ID                  string          `json:"id"`
	CorrelationID       string          `json:"correlation_id"`
	WorkflowType        string          `json:"workflow_type"`
	HandlerType         string          `json:"handler_type"`
	OrganizationID      string          `json:"organization_id"`
	TeamID              *string         `json:"team_id,omitempty"`
	Status              string          `json:"status"`
	Priority            int             `json:"priority"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	ErrorClassification *string         `json:"error_classification,omitempty"`
	LastError           *string         `json:"last_error,omitempty"`
	CurrentStage        *string         `json:"current_stage,omitempty"`
	WaitEventType       *string         `json:"wait_event_type,omitempty"`
	WaitDeadline        *time.Time      `json:"wait_deadline,omitempty"`
	ScheduledAt         *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// AttemptResponse represents one execution attempt in API responses.
type AttemptResponse struct {
	AttemptNumber int        `json:"attempt_number"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
	ErrorType     *string    `json:"error_type,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
}

// JobDetailResponse is a job with its execution history.
type JobDetailResponse struct {
	Job     JobResponse       `json:"job"`
	History []AttemptResponse `json:"history"`
}

// MetricsResponse is a point-in-time queue health snapshot.
type MetricsResponse struct {
	StatusCounts            map[string]int64   `json:"status_counts"`
	OldestPendingAgeSeconds float64            `json:"oldest_pending_age_seconds"`
	AverageDurationsMs      map[string]float64 `json:"average_durations_ms"`
}

// MapJobToResponse converts a domain workflow job to an API response.
func MapJobToResponse(job *domain.WorkflowJob) JobResponse {
	resp := JobResponse{
		ID:                  job.ID.String(),
		CorrelationID:       job.CorrelationID,
		WorkflowType:        job.WorkflowType,
		HandlerType:         job.HandlerType,
		OrganizationID:      job.OrganizationID.String(),
		Status:              string(job.Status),
		Priority:            job.Priority,
		RetryCount:          job.RetryCount,
		MaxRetries:          job.MaxRetries,
		ErrorClassification: job.ErrorClassification,
		LastError:           job.LastError,
		CurrentStage:        job.CurrentStage,
		WaitEventType:       job.WaitEventType,
		WaitDeadline:        job.WaitDeadline,
		ScheduledAt:         job.ScheduledAt,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
		Metadata:            job.Metadata,
		CreatedAt:           job.CreatedAt,
		UpdatedAt:           job.UpdatedAt,
	}
	if job.TeamID != nil {
		teamID := job.TeamID.String()
		resp.TeamID = &teamID
	}
	return resp
}

// MapJobDetailToResponse converts a job detail to an API response.
func MapJobDetailToResponse(detail *usecase.JobDetail) JobDetailResponse {
	history := make([]AttemptResponse, 0, len(detail.History))
	for _, attempt := range detail.History {
		history = append(history, AttemptResponse{
			AttemptNumber: attempt.AttemptNumber,
			Status:        string(attempt.Status),
			StartedAt:     attempt.StartedAt,
			CompletedAt:   attempt.CompletedAt,
			DurationMs:    attempt.DurationMs,
			ErrorType:     attempt.ErrorType,
			ErrorMessage:  attempt.ErrorMessage,
		})
	}
	return JobDetailResponse{
		Job:     MapJobToResponse(detail.Job),
		History: history,
	}
}

// MapMetricsToResponse converts queue metrics to an API response.
func MapMetricsToResponse(metrics *usecase.QueueMetrics) MetricsResponse {
	counts := make(map[string]int64, len(metrics.StatusCounts))
	for status, count := range metrics.StatusCounts {
		counts[string(status)] = count
	}
	averages := make(map[string]float64, len(metrics.AverageDurations))
	for status, avg := range metrics.AverageDurations {
		averages[string(status)] = float64(avg.Milliseconds())
	}
	return MetricsResponse{
		StatusCounts:            counts,
		OldestPendingAgeSeconds: metrics.OldestPendingAge.Seconds(),
		AverageDurationsMs:      averages,
	}
}

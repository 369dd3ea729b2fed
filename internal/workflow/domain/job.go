// Package domain defines the core workflow job entities, the job status state
// machine, and the events exchanged with heavy pipeline stages.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a workflow job.
type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusRetrying        JobStatus = "retrying"
	JobStatusWaitingForEvent JobStatus = "waiting_for_event"
	JobStatusCancelled       JobStatus = "cancelled"
)

// legalTransitions is the single source of truth for the job state machine.
// Any non-terminal status may additionally transition to cancelled.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:         {JobStatusProcessing},
	JobStatusProcessing:      {JobStatusCompleted, JobStatusFailed, JobStatusRetrying, JobStatusWaitingForEvent},
	JobStatusRetrying:        {JobStatusProcessing},
	JobStatusWaitingForEvent: {JobStatusProcessing, JobStatusFailed, JobStatusRetrying},
	JobStatusCompleted:       {},
	JobStatusFailed:          {},
	JobStatusCancelled:       {},
}

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving from s to target.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if target == JobStatusCancelled {
		return !s.IsTerminal()
	}
	for _, allowed := range legalTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// WorkflowJob represents a durable workflow job. It is owned exclusively by
// the job repository and mutated only through state-machine transitions.
type WorkflowJob struct {
	ID             uuid.UUID
	CorrelationID  string
	WorkflowType   string
	HandlerType    string
	Payload        json.RawMessage
	OrganizationID uuid.UUID
	TeamID         *uuid.UUID
	Status         JobStatus
	Priority       int
	RetryCount     int
	MaxRetries     int
	// ErrorClassification holds the retry classification of the last failure.
	ErrorClassification *string
	LastError           *string
	ScheduledAt         *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	// CurrentStage is the stage the pipeline engine is at, or paused on.
	CurrentStage *string
	// WaitEventType and WaitEventKey identify the stage-completed event a
	// paused job is waiting for; WaitDeadline is enforced by the reaper.
	WaitEventType *string
	WaitEventKey  *string
	WaitDeadline  *time.Time
	// StageState is the serialized pipeline context snapshot, persisted at
	// pause points so any worker instance can resume the job.
	StageState json.RawMessage
	Metadata   json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transition moves the job to the target status, enforcing state-machine
// legality. It updates timestamps that are a pure function of the transition.
func (j *WorkflowJob) Transition(target JobStatus) error {
	if !j.Status.CanTransitionTo(target) {
		return &InvalidTransitionError{From: j.Status, To: target}
	}

	now := time.Now()
	switch target {
	case JobStatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		j.CompletedAt = &now
	}

	j.Status = target
	return nil
}

// ClearWait resets the pause metadata after a job resumes.
func (j *WorkflowJob) ClearWait() {
	j.WaitEventType = nil
	j.WaitEventKey = nil
	j.WaitDeadline = nil
}

// JobExecutionHistory is an append-only per-attempt record. It is created at
// the start of an attempt and never mutated after CompletedAt is set. Attempt
// numbers for a job are contiguous starting at 1.
type JobExecutionHistory struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	AttemptNumber int
	Status        JobStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	ErrorType     *string
	ErrorMessage  *string
	CreatedAt     time.Time
}

// StageCompletedEvent is the transient completion notification published by an
// external service when a heavy stage's delegated work finishes. It is never
// persisted; delivery races against the pause commit are absorbed by the
// correlation buffer.
type StageCompletedEvent struct {
	StageName     string          `json:"stage_name"`
	EventType     string          `json:"event_type"`
	EventKey      string          `json:"event_key"`
	TaskID        string          `json:"task_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	WorkflowJobID uuid.UUID       `json:"workflow_job_id"`
	CorrelationID string          `json:"correlation_id"`
}

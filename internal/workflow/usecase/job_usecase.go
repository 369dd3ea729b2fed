package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/broker"
	"github.com/allisson/jobflow/internal/correlation"
	"github.com/allisson/jobflow/internal/database"
	inboxdomain "github.com/allisson/jobflow/internal/inbox/domain"
	"github.com/allisson/jobflow/internal/metrics"
	outboxdomain "github.com/allisson/jobflow/internal/outbox/domain"
	"github.com/allisson/jobflow/internal/retry"
	"github.com/allisson/jobflow/internal/workflow/domain"
	"github.com/allisson/jobflow/internal/workflow/pipeline"
)

// JobRepository defines persistence operations for workflow jobs.
type JobRepository interface {
	Create(ctx context.Context, job *domain.WorkflowJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error)
	Update(ctx context.Context, job *domain.WorkflowJob) error
	GetByWaitEventKey(ctx context.Context, eventType, eventKey string) (*domain.WorkflowJob, error)
	ListExpiredWaiting(ctx context.Context, limit int) ([]*domain.WorkflowJob, error)
}

// HistoryRepository defines persistence operations for execution history.
type HistoryRepository interface {
	Create(ctx context.Context, h *domain.JobExecutionHistory) error
	FinishAttempt(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorType, errorMessage *string) error
	NextAttemptNumber(ctx context.Context, jobID uuid.UUID) (int, error)
}

// InboxRepository defines the dedup sink for consumed broker messages.
type InboxRepository interface {
	Create(ctx context.Context, msg *inboxdomain.InboxMessage) (alreadySeen bool, err error)
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// OutboxCreator writes outbox messages inside the ambient transaction.
type OutboxCreator interface {
	Create(ctx context.Context, msg *outboxdomain.OutboxMessage) error
}

// JobConfig holds workflow execution tuning parameters.
type JobConfig struct {
	DefaultMaxRetries int
	CorrelationTTL    time.Duration
}

// EnqueueJobInput is the request to enqueue a new workflow job.
type EnqueueJobInput struct {
	CorrelationID  string
	WorkflowType   string
	HandlerType    string
	Payload        json.RawMessage
	OrganizationID uuid.UUID
	TeamID         *uuid.UUID
	Priority       int
	MaxRetries     int
	Metadata       json.RawMessage
}

// JobUseCase implements the workflow job lifecycle: enqueue through the
// outbox, execute through the pipeline engine, pause and resume around heavy
// stages, retry with classification and backoff, cancel, and reap expired
// waits.
type JobUseCase struct {
	txManager   database.TxManager
	jobRepo     JobRepository
	historyRepo HistoryRepository
	inboxRepo   InboxRepository
	outboxRepo  OutboxCreator
	buffer      correlation.Buffer
	engine      *pipeline.Engine
	registry    *Registry
	classifier  retry.Classifier
	metrics     metrics.WorkflowMetrics
	cfg         JobConfig
	logger      *slog.Logger
}

// NewJobUseCase creates a new JobUseCase.
func NewJobUseCase(
	txManager database.TxManager,
	jobRepo JobRepository,
	historyRepo HistoryRepository,
	inboxRepo InboxRepository,
	outboxRepo OutboxCreator,
	buffer correlation.Buffer,
	engine *pipeline.Engine,
	registry *Registry,
	classifier retry.Classifier,
	workflowMetrics metrics.WorkflowMetrics,
	cfg JobConfig,
	logger *slog.Logger,
) *JobUseCase {
	return &JobUseCase{
		txManager:   txManager,
		jobRepo:     jobRepo,
		historyRepo: historyRepo,
		inboxRepo:   inboxRepo,
		outboxRepo:  outboxRepo,
		buffer:      buffer,
		engine:      engine,
		registry:    registry,
		classifier:  classifier,
		metrics:     workflowMetrics,
		cfg:         cfg,
		logger:      logger,
	}
}

// EnqueueJob creates a workflow job and its outbox message in one
// transaction. The job becomes visible to workers only after the relay
// publishes the message, so a rolled-back enqueue never produces a delivery.
func (u *JobUseCase) EnqueueJob(ctx context.Context, input EnqueueJobInput) (*domain.WorkflowJob, error) {
	if _, err := u.registry.Get(input.WorkflowType); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown workflow type %q", input.WorkflowType)
	}

	maxRetries := input.MaxRetries
	if maxRetries <= 0 {
		maxRetries = u.cfg.DefaultMaxRetries
	}

	job := &domain.WorkflowJob{
		ID:             uuid.New(),
		CorrelationID:  input.CorrelationID,
		WorkflowType:   input.WorkflowType,
		HandlerType:    input.HandlerType,
		Payload:        input.Payload,
		OrganizationID: input.OrganizationID,
		TeamID:         input.TeamID,
		Status:         domain.JobStatusPending,
		Priority:       input.Priority,
		MaxRetries:     maxRetries,
		Metadata:       input.Metadata,
	}

	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := u.jobRepo.Create(txCtx, job); err != nil {
			return err
		}
		return u.createJobOutboxMessage(txCtx, job.ID, nil)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to enqueue job")
	}

	u.logger.Info("workflow job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("workflow_type", job.WorkflowType),
		slog.String("correlation_id", job.CorrelationID),
	)

	return job, nil
}

// ProcessMessage handles one delivery from the jobs queue. Deliveries are
// at-least-once; the inbox makes handling effectively-once.
func (u *JobUseCase) ProcessMessage(ctx context.Context, msg *broker.Message) error {
	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "malformed job message payload")
	}

	var job *domain.WorkflowJob
	var attemptID uuid.UUID
	var skip bool

	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		alreadySeen, err := u.inboxRepo.Create(txCtx, &inboxdomain.InboxMessage{
			MessageID: msg.MessageID,
			JobID:     &jobMsg.JobID,
			Queue:     broker.QueueName(msg.Exchange, msg.RoutingKey),
		})
		if err != nil {
			return err
		}
		if alreadySeen {
			skip = true
			return nil
		}

		job, err = u.jobRepo.GetByID(txCtx, jobMsg.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			// Stale delivery for a finished or cancelled job.
			skip = true
			return u.inboxRepo.MarkProcessed(txCtx, msg.MessageID)
		}

		if err := job.Transition(domain.JobStatusProcessing); err != nil {
			return err
		}

		attempt, err := u.startAttempt(txCtx, job)
		if err != nil {
			return err
		}
		attemptID = attempt

		return u.jobRepo.Update(txCtx, job)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to claim job delivery")
	}
	if skip {
		u.logger.Debug("skipped job delivery",
			slog.String("message_id", msg.MessageID),
			slog.String("job_id", jobMsg.JobID.String()),
		)
		return nil
	}

	proc, err := u.registry.Get(job.WorkflowType)
	if err != nil {
		return u.applyOutcome(ctx, job, attemptID, msg.MessageID, proc, pipeline.Outcome{
			State: pipeline.OutcomeFailed,
			Err:   err,
		})
	}

	pc, startAt, err := u.restoreContext(job)
	if err != nil {
		return u.applyOutcome(ctx, job, attemptID, msg.MessageID, proc, pipeline.Outcome{
			State: pipeline.OutcomeFailed,
			Err:   err,
		})
	}

	runStart := time.Now()
	outcome := u.engine.Run(ctx, proc.Pipeline, pc, startAt, u.cancelCheck(job.ID))
	if err := u.applyOutcome(ctx, job, attemptID, msg.MessageID, proc, outcome); err != nil {
		return err
	}
	u.metrics.RecordJobDuration(ctx, job.WorkflowType, time.Since(runStart), string(job.Status))
	return nil
}

// HandleStageCompleted handles one delivery from the stage-events queue. When
// the paused job is not yet visible the event is parked in the correlation
// buffer; the pause commit path checks the buffer and resumes immediately.
func (u *JobUseCase) HandleStageCompleted(ctx context.Context, msg *broker.Message) error {
	var event domain.StageCompletedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "malformed stage completed event")
	}

	var skip bool
	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		alreadySeen, err := u.inboxRepo.Create(txCtx, &inboxdomain.InboxMessage{
			MessageID: msg.MessageID,
			JobID:     &event.WorkflowJobID,
			Queue:     broker.QueueName(msg.Exchange, msg.RoutingKey),
		})
		if err != nil {
			return err
		}
		if !alreadySeen {
			return nil
		}
		// A row left unprocessed by a delivery that died mid-resume must be
		// handled again; only a processed row is a true duplicate.
		processed, err := u.inboxRepo.IsProcessed(txCtx, msg.MessageID)
		if err != nil {
			return err
		}
		skip = processed
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to record stage event delivery")
	}
	if skip {
		return nil
	}

	job, err := u.jobRepo.GetByWaitEventKey(ctx, event.EventType, event.EventKey)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// The pause may not be committed yet. Park the event; the pause
			// commit path will pick it up. If both sides miss, the reaper's
			// deadline sweep recovers the job.
			if bufErr := u.buffer.Store(ctx, event.EventType, event.EventKey, &event, u.cfg.CorrelationTTL); bufErr != nil {
				u.logger.Error("failed to buffer stage event", slog.Any("error", bufErr))
				return nil
			}
			// The buffer owns the event now; close out the delivery.
			if markErr := u.inboxRepo.MarkProcessed(ctx, msg.MessageID); markErr != nil {
				u.logger.Error("failed to mark stage event processed", slog.Any("error", markErr))
			}
			u.logger.Debug("stage event buffered, no waiting job yet",
				slog.String("event_type", event.EventType),
				slog.String("event_key", event.EventKey),
			)
			return nil
		}
		return apperrors.Wrap(err, "failed to look up waiting job")
	}

	return u.resumeWithEvent(ctx, job, &event, msg.MessageID)
}

// CancelJob moves a non-terminal job to cancelled. A running attempt observes
// the cancellation at its next stage boundary.
func (u *JobUseCase) CancelJob(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error) {
	var job *domain.WorkflowJob

	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		job, err = u.jobRepo.GetByID(txCtx, id)
		if err != nil {
			return err
		}
		if err := job.Transition(domain.JobStatusCancelled); err != nil {
			return err
		}
		job.ClearWait()
		return u.jobRepo.Update(txCtx, job)
	})
	if err != nil {
		return nil, err
	}

	u.logger.Info("workflow job cancelled", slog.String("job_id", id.String()))
	return job, nil
}

// ReapExpiredWaits fails or retries waiting jobs whose deadline has passed.
// This sweep is the correctness backstop for lost completion events. Returns
// the number of jobs reaped.
func (u *JobUseCase) ReapExpiredWaits(ctx context.Context, limit int) (int, error) {
	var reaped int

	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		jobs, err := u.jobRepo.ListExpiredWaiting(txCtx, limit)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if err := u.reapOne(txCtx, job); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return reaped, apperrors.Wrap(err, "failed to reap expired waits")
	}

	return reaped, nil
}

func (u *JobUseCase) reapOne(ctx context.Context, job *domain.WorkflowJob) error {
	proc, procErr := u.registry.Get(job.WorkflowType)

	stage := ""
	if job.CurrentStage != nil {
		stage = *job.CurrentStage
	}
	waitErr := "wait deadline exceeded at stage " + stage

	if procErr != nil || proc.RetryPolicy.Exhausted(job.RetryCount) {
		if err := job.Transition(domain.JobStatusFailed); err != nil {
			return err
		}
		job.ClearWait()
		classification := string(retry.ClassificationRetryable)
		job.ErrorClassification = &classification
		job.LastError = &waitErr

		u.logger.Warn("waiting job failed, retry budget exhausted",
			slog.String("job_id", job.ID.String()),
			slog.String("stage", stage),
		)
		return u.jobRepo.Update(ctx, job)
	}

	if err := job.Transition(domain.JobStatusRetrying); err != nil {
		return err
	}
	job.ClearWait()
	job.RetryCount++
	job.LastError = &waitErr
	classification := string(retry.ClassificationRetryable)
	job.ErrorClassification = &classification

	delay := proc.RetryPolicy.Backoff(job.RetryCount)
	nextAttempt := time.Now().UTC().Add(delay)
	job.ScheduledAt = &nextAttempt

	if err := u.jobRepo.Update(ctx, job); err != nil {
		return err
	}

	u.logger.Info("waiting job scheduled for retry",
		slog.String("job_id", job.ID.String()),
		slog.String("stage", stage),
		slog.Int("retry_count", job.RetryCount),
		slog.Time("next_attempt_at", nextAttempt),
	)
	return u.createJobOutboxMessage(ctx, job.ID, &nextAttempt)
}

// applyOutcome persists the result of an engine run: terminal statuses, the
// pause record, or the retry schedule.
func (u *JobUseCase) applyOutcome(
	ctx context.Context,
	job *domain.WorkflowJob,
	attemptID uuid.UUID,
	messageID string,
	proc Processor,
	outcome pipeline.Outcome,
) error {
	switch outcome.State {
	case pipeline.OutcomeCompleted:
		return u.finishJob(ctx, job, attemptID, messageID, domain.JobStatusCompleted, nil)

	case pipeline.OutcomeCancelled:
		// CancelJob already committed the terminal status; close the attempt
		// and ack the delivery.
		err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
			if err := u.historyRepo.FinishAttempt(txCtx, attemptID, domain.JobStatusCancelled, nil, nil); err != nil {
				return err
			}
			return u.inboxRepo.MarkProcessed(txCtx, messageID)
		})
		if err != nil {
			return apperrors.Wrap(err, "failed to record cancelled attempt")
		}
		u.metrics.RecordJobOutcome(ctx, job.WorkflowType, string(domain.JobStatusCancelled))
		u.logger.Info("workflow job attempt stopped, job cancelled", slog.String("job_id", job.ID.String()))
		return nil

	case pipeline.OutcomePaused:
		return u.pauseJob(ctx, job, attemptID, messageID, outcome.Pause)

	case pipeline.OutcomeFailed:
		return u.failOrRetry(ctx, job, attemptID, messageID, proc, outcome)

	default:
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown outcome state %q", outcome.State)
	}
}

func (u *JobUseCase) finishJob(
	ctx context.Context,
	job *domain.WorkflowJob,
	attemptID uuid.UUID,
	messageID string,
	status domain.JobStatus,
	lastError *string,
) error {
	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := job.Transition(status); err != nil {
			return err
		}
		job.LastError = lastError
		if err := u.jobRepo.Update(txCtx, job); err != nil {
			return err
		}
		if err := u.historyRepo.FinishAttempt(txCtx, attemptID, status, job.ErrorClassification, lastError); err != nil {
			return err
		}
		return u.inboxRepo.MarkProcessed(txCtx, messageID)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to finish job")
	}

	u.metrics.RecordJobOutcome(ctx, job.WorkflowType, string(status))
	u.logger.Info("workflow job finished",
		slog.String("job_id", job.ID.String()),
		slog.String("status", string(status)),
	)
	return nil
}

// pauseJob durably records the wait, then checks the correlation buffer for a
// completion event that raced ahead of the pause commit.
func (u *JobUseCase) pauseJob(
	ctx context.Context,
	job *domain.WorkflowJob,
	attemptID uuid.UUID,
	messageID string,
	pause *pipeline.PauseRequest,
) error {
	deadline := time.Now().UTC().Add(pause.Timeout)

	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := job.Transition(domain.JobStatusWaitingForEvent); err != nil {
			return err
		}
		job.CurrentStage = &pause.StageName
		job.WaitEventType = &pause.EventType
		job.WaitEventKey = &pause.EventKey
		job.WaitDeadline = &deadline
		job.StageState = pause.Snapshot

		if err := u.jobRepo.Update(txCtx, job); err != nil {
			return err
		}
		if err := u.historyRepo.FinishAttempt(txCtx, attemptID, domain.JobStatusWaitingForEvent, nil, nil); err != nil {
			return err
		}
		return u.inboxRepo.MarkProcessed(txCtx, messageID)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to pause job")
	}

	u.metrics.RecordJobOutcome(ctx, job.WorkflowType, string(domain.JobStatusWaitingForEvent))
	u.logger.Info("workflow job paused on heavy stage",
		slog.String("job_id", job.ID.String()),
		slog.String("stage", pause.StageName),
		slog.String("event_type", pause.EventType),
		slog.String("event_key", pause.EventKey),
	)

	// The completion event may have arrived before the pause was visible.
	event, err := u.buffer.Check(ctx, pause.EventType, pause.EventKey)
	if err != nil {
		u.logger.Error("failed to check correlation buffer", slog.Any("error", err))
		return nil
	}
	if event == nil {
		return nil
	}

	u.logger.Info("buffered completion event found, resuming immediately",
		slog.String("job_id", job.ID.String()),
		slog.String("event_key", pause.EventKey),
	)
	return u.resumeWithEvent(ctx, job, event, "")
}

func (u *JobUseCase) failOrRetry(
	ctx context.Context,
	job *domain.WorkflowJob,
	attemptID uuid.UUID,
	messageID string,
	proc Processor,
	outcome pipeline.Outcome,
) error {
	classification := u.classifier.Classify(outcome.Err)
	classStr := string(classification)
	errMsg := outcome.Err.Error()
	job.ErrorClassification = &classStr
	job.LastError = &errMsg
	if outcome.FailedStage != "" {
		job.CurrentStage = &outcome.FailedStage
	}

	retryable := classification == retry.ClassificationRetryable &&
		proc.Pipeline != nil &&
		!proc.RetryPolicy.Exhausted(job.RetryCount)

	if !retryable {
		err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
			if err := job.Transition(domain.JobStatusFailed); err != nil {
				return err
			}
			if err := u.jobRepo.Update(txCtx, job); err != nil {
				return err
			}
			if err := u.historyRepo.FinishAttempt(txCtx, attemptID, domain.JobStatusFailed, &classStr, &errMsg); err != nil {
				return err
			}
			return u.inboxRepo.MarkProcessed(txCtx, messageID)
		})
		if err != nil {
			return apperrors.Wrap(err, "failed to record job failure")
		}

		u.metrics.RecordJobOutcome(ctx, job.WorkflowType, string(domain.JobStatusFailed))
		u.logger.Error("workflow job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("stage", outcome.FailedStage),
			slog.String("classification", classStr),
			slog.Any("error", outcome.Err),
		)
		return nil
	}

	delay := proc.RetryPolicy.Backoff(job.RetryCount + 1)
	nextAttempt := time.Now().UTC().Add(delay)

	if outcome.Context != nil {
		// The retry restores from StageState, so it must hold the context as
		// it was when this attempt failed. The snapshot taken at pause time
		// predates any resumed heavy-stage result.
		snapshot, err := outcome.Context.Snapshot()
		if err != nil {
			return apperrors.Wrap(err, "failed to snapshot pipeline context for retry")
		}
		job.StageState = snapshot
	}

	err := u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := job.Transition(domain.JobStatusRetrying); err != nil {
			return err
		}
		job.RetryCount++
		job.ScheduledAt = &nextAttempt

		if err := u.jobRepo.Update(txCtx, job); err != nil {
			return err
		}
		if err := u.historyRepo.FinishAttempt(txCtx, attemptID, domain.JobStatusRetrying, &classStr, &errMsg); err != nil {
			return err
		}
		if err := u.createJobOutboxMessage(txCtx, job.ID, &nextAttempt); err != nil {
			return err
		}
		return u.inboxRepo.MarkProcessed(txCtx, messageID)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to schedule job retry")
	}

	u.metrics.RecordJobOutcome(ctx, job.WorkflowType, string(domain.JobStatusRetrying))
	u.logger.Warn("workflow job scheduled for retry",
		slog.String("job_id", job.ID.String()),
		slog.String("stage", outcome.FailedStage),
		slog.Int("retry_count", job.RetryCount),
		slog.Time("next_attempt_at", nextAttempt),
		slog.Any("error", outcome.Err),
	)
	return nil
}

// resumeWithEvent transitions a waiting job back to processing and continues
// the pipeline after the paused heavy stage. messageID is the inbox row of
// the delivery being handled, marked processed together with the outcome;
// buffer-triggered resumes pass "" and get a synthesized marker.
func (u *JobUseCase) resumeWithEvent(ctx context.Context, job *domain.WorkflowJob, event *domain.StageCompletedEvent, messageID string) error {
	if job.CurrentStage == nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "waiting job has no current stage")
	}
	stageName := *job.CurrentStage

	proc, err := u.registry.Get(job.WorkflowType)
	if err != nil {
		return err
	}

	var attemptID uuid.UUID
	err = u.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := job.Transition(domain.JobStatusProcessing); err != nil {
			return err
		}
		job.ClearWait()

		attempt, err := u.startAttempt(txCtx, job)
		if err != nil {
			return err
		}
		attemptID = attempt

		return u.jobRepo.Update(txCtx, job)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to resume job")
	}
	if messageID == "" {
		messageID = resumeMarkerID(job.ID, attemptID)
	}

	pc, err := pipeline.RestoreContext(job.StageState, job.Payload)
	if err != nil {
		return u.applyOutcome(ctx, job, attemptID, messageID, proc, pipeline.Outcome{
			State: pipeline.OutcomeFailed,
			Err:   err,
		})
	}

	u.logger.Info("workflow job resuming",
		slog.String("job_id", job.ID.String()),
		slog.String("stage", stageName),
		slog.String("task_id", event.TaskID),
	)

	runStart := time.Now()
	outcome := u.engine.Resume(ctx, proc.Pipeline, pc, stageName, event.TaskID, event.Result, u.cancelCheck(job.ID))
	if err := u.applyOutcome(ctx, job, attemptID, messageID, proc, outcome); err != nil {
		return err
	}
	u.metrics.RecordJobDuration(ctx, job.WorkflowType, time.Since(runStart), string(job.Status))
	return nil
}

// resumeMarkerID synthesizes an inbox message id for buffer-triggered
// resumes, so the shared outcome path can treat them like queue deliveries.
func resumeMarkerID(jobID, attemptID uuid.UUID) string {
	return "resume:" + jobID.String() + ":" + attemptID.String()
}

// startAttempt opens a history record for a new execution attempt.
func (u *JobUseCase) startAttempt(ctx context.Context, job *domain.WorkflowJob) (uuid.UUID, error) {
	attemptNumber, err := u.historyRepo.NextAttemptNumber(ctx, job.ID)
	if err != nil {
		return uuid.Nil, err
	}

	attempt := &domain.JobExecutionHistory{
		ID:            uuid.New(),
		JobID:         job.ID,
		AttemptNumber: attemptNumber,
		Status:        domain.JobStatusProcessing,
		StartedAt:     time.Now().UTC(),
	}
	if err := u.historyRepo.Create(ctx, attempt); err != nil {
		return uuid.Nil, err
	}

	return attempt.ID, nil
}

// restoreContext builds the pipeline context for a run. A job that failed
// mid-pipeline resumes from its recorded stage with its saved context.
func (u *JobUseCase) restoreContext(job *domain.WorkflowJob) (*pipeline.Context, string, error) {
	if len(job.StageState) > 0 && job.CurrentStage != nil {
		pc, err := pipeline.RestoreContext(job.StageState, job.Payload)
		if err != nil {
			return nil, "", err
		}
		return pc, *job.CurrentStage, nil
	}

	return pipeline.NewContext(job.Payload), "", nil
}

// cancelCheck builds the engine's cooperative cancellation probe. It reads
// the authoritative status so a CancelJob from another instance takes effect
// at the next stage boundary.
func (u *JobUseCase) cancelCheck(jobID uuid.UUID) pipeline.CancelCheck {
	return func(ctx context.Context) (bool, error) {
		job, err := u.jobRepo.GetByID(ctx, jobID)
		if err != nil {
			return false, err
		}
		return job.Status == domain.JobStatusCancelled, nil
	}
}

// createJobOutboxMessage writes the job delivery to the outbox. A non-nil
// nextAttemptAt delays publication until that time, which is how retry
// backoff reaches the queue.
func (u *JobUseCase) createJobOutboxMessage(ctx context.Context, jobID uuid.UUID, nextAttemptAt *time.Time) error {
	payload, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	return u.outboxRepo.Create(ctx, &outboxdomain.OutboxMessage{
		ID:            uuid.New(),
		JobID:         &jobID,
		Exchange:      WorkflowExchange,
		RoutingKey:    JobRoutingKey,
		Payload:       payload,
		Status:        outboxdomain.OutboxMessageStatusPending,
		NextAttemptAt: nextAttemptAt,
	})
}

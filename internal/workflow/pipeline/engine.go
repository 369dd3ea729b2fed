package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	apperrors "github.com/allisson/jobflow/internal/errors"
	"github.com/allisson/jobflow/internal/retry"
)

// OutcomeState tags the result of an engine run.
type OutcomeState string

const (
	OutcomeCompleted OutcomeState = "completed"
	OutcomePaused    OutcomeState = "paused"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeCancelled OutcomeState = "cancelled"
)

// PauseRequest carries everything needed to durably record a heavy-stage
// pause and later resume it: the event to wait for, the external task id, the
// wait deadline, and a snapshot of the pipeline context. It is a plain value
// returned by the engine, not an error.
type PauseRequest struct {
	StageName string
	EventType string
	EventKey  string
	TaskID    string
	Timeout   time.Duration
	Snapshot  json.RawMessage
}

// Outcome is the tagged result of running (part of) a pipeline.
type Outcome struct {
	State OutcomeState
	// Pause is set when State is OutcomePaused.
	Pause *PauseRequest
	// Err is set when State is OutcomeFailed.
	Err error
	// FailedStage names the stage whose execution produced Err.
	FailedStage string
	// Context is the pipeline context after the last executed stage.
	Context *Context
}

// BreakerRegistry hands out circuit breakers keyed by dependency name. Heavy
// stage Start/GetResult calls are guarded by the breaker named after the
// stage's event type.
type BreakerRegistry interface {
	Breaker(name string) *retry.CircuitBreaker
}

// CancelCheck reports whether the job has been cancelled. The engine consults
// it before starting each stage; cancellation is cooperative and never aborts
// a stage already in flight.
type CancelCheck func(ctx context.Context) (bool, error)

// Engine executes pipelines stage by stage.
type Engine struct {
	breakers BreakerRegistry
	logger   *slog.Logger
}

// NewEngine creates a pipeline engine. breakers may be nil, disabling the
// circuit-breaker guard around heavy stage calls.
func NewEngine(breakers BreakerRegistry, logger *slog.Logger) *Engine {
	return &Engine{breakers: breakers, logger: logger}
}

// Run executes the pipeline from the stage named startAt (or from the first
// stage when startAt is empty). It returns a Paused outcome as soon as a heavy
// stage starts external work; no goroutine blocks waiting for the completion
// event.
func (e *Engine) Run(ctx context.Context, pl *Pipeline, pc *Context, startAt string, cancelled CancelCheck) Outcome {
	start := 0
	if startAt != "" {
		i, ok := pl.IndexOf(startAt)
		if !ok {
			return Outcome{
				State:   OutcomeFailed,
				Err:     apperrors.Wrapf(apperrors.ErrNotFound, "pipeline %s: stage %q", pl.Name(), startAt),
				Context: pc,
			}
		}
		start = i
	}

	return e.runFrom(ctx, pl, pc, start, cancelled)
}

// Resume finishes the paused heavy stage identified by event and continues
// with the stages after it. The caller has already verified the job is
// waiting on this stage.
func (e *Engine) Resume(ctx context.Context, pl *Pipeline, pc *Context, stageName, taskID string, result json.RawMessage, cancelled CancelCheck) Outcome {
	i, ok := pl.IndexOf(stageName)
	if !ok {
		return Outcome{
			State:   OutcomeFailed,
			Err:     apperrors.Wrapf(apperrors.ErrNotFound, "pipeline %s: stage %q", pl.Name(), stageName),
			Context: pc,
		}
	}

	heavy, ok := pl.Stages()[i].(HeavyStage)
	if !ok {
		return Outcome{
			State:       OutcomeFailed,
			Err:         apperrors.Wrapf(apperrors.ErrInvalidInput, "pipeline %s: stage %q is not a heavy stage", pl.Name(), stageName),
			FailedStage: stageName,
			Context:     pc,
		}
	}

	if len(result) == 0 {
		// The completion event may omit the result; fetch it from the
		// external service.
		var err error
		result, err = heavyCall(e, ctx, heavy, func(callCtx context.Context) (json.RawMessage, error) {
			return heavy.GetResult(callCtx, pc, taskID)
		})
		if err != nil {
			return Outcome{State: OutcomeFailed, Err: err, FailedStage: stageName, Context: pc}
		}
	}

	if err := heavy.Resume(ctx, pc, taskID, result); err != nil {
		return Outcome{State: OutcomeFailed, Err: err, FailedStage: stageName, Context: pc}
	}

	e.logStage(ctx, pl, stageName, "heavy stage resumed")
	return e.runFrom(ctx, pl, pc, i+1, cancelled)
}

func (e *Engine) runFrom(ctx context.Context, pl *Pipeline, pc *Context, start int, cancelled CancelCheck) Outcome {
	stages := pl.Stages()
	for i := start; i < len(stages); i++ {
		stage := stages[i]

		if err := ctx.Err(); err != nil {
			return Outcome{State: OutcomeFailed, Err: err, FailedStage: stage.Name(), Context: pc}
		}
		if cancelled != nil {
			isCancelled, err := cancelled(ctx)
			if err != nil {
				return Outcome{State: OutcomeFailed, Err: err, FailedStage: stage.Name(), Context: pc}
			}
			if isCancelled {
				return Outcome{State: OutcomeCancelled, Context: pc}
			}
		}

		switch s := stage.(type) {
		case HeavyStage:
			return e.startHeavy(ctx, pl, s, pc)
		case LightStage:
			if err := s.Execute(ctx, pc); err != nil {
				return Outcome{State: OutcomeFailed, Err: err, FailedStage: stage.Name(), Context: pc}
			}
			e.logStage(ctx, pl, stage.Name(), "light stage executed")
		default:
			return Outcome{
				State:       OutcomeFailed,
				Err:         apperrors.Wrapf(apperrors.ErrInvalidInput, "stage %q implements neither LightStage nor HeavyStage", stage.Name()),
				FailedStage: stage.Name(),
				Context:     pc,
			}
		}
	}

	return Outcome{State: OutcomeCompleted, Context: pc}
}

// startHeavy starts a heavy stage and builds the pause request.
func (e *Engine) startHeavy(ctx context.Context, pl *Pipeline, stage HeavyStage, pc *Context) Outcome {
	taskID, err := heavyCall(e, ctx, stage, func(callCtx context.Context) (string, error) {
		return stage.Start(callCtx, pc)
	})
	if err != nil {
		return Outcome{State: OutcomeFailed, Err: err, FailedStage: stage.Name(), Context: pc}
	}

	snapshot, err := pc.Snapshot()
	if err != nil {
		return Outcome{State: OutcomeFailed, Err: err, FailedStage: stage.Name(), Context: pc}
	}

	e.logStage(ctx, pl, stage.Name(), "heavy stage started")
	return Outcome{
		State: OutcomePaused,
		Pause: &PauseRequest{
			StageName: stage.Name(),
			EventType: stage.EventType(),
			EventKey:  taskID,
			TaskID:    taskID,
			Timeout:   stage.Timeout(),
			Snapshot:  snapshot,
		},
		Context: pc,
	}
}

// heavyCall wraps an external call with the circuit breaker named after the
// stage's event type. This is a package-level generic function because Go
// does not allow generic methods on non-generic receiver types.
func heavyCall[T any](e *Engine, ctx context.Context, stage HeavyStage, fn func(ctx context.Context) (T, error)) (T, error) {
	if e.breakers == nil {
		return fn(ctx)
	}

	var result T
	err := e.breakers.Breaker(stage.EventType()).Do(ctx, func(callCtx context.Context) error {
		var callErr error
		result, callErr = fn(callCtx)
		return callErr
	})
	return result, err
}

func (e *Engine) logStage(ctx context.Context, pl *Pipeline, stageName, msg string) {
	if e.logger != nil {
		e.logger.Debug(msg,
			slog.String("pipeline", pl.Name()),
			slog.String("stage", stageName),
		)
	}
}

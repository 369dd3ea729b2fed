// Package pipeline implements the staged execution engine for workflow jobs.
// A pipeline is an ordered list of stages resolved from their declared
// dependencies. Light stages run synchronously; heavy stages start external
// work and pause the job until a stage-completed event resumes it.
package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Stage is the common capability of every pipeline stage.
type Stage interface {
	// Name uniquely identifies the stage within its pipeline.
	Name() string
	// Dependencies lists the names of stages whose output this stage requires.
	Dependencies() []string
}

// LightStage runs to completion synchronously. Errors propagate to the job's
// retry path.
type LightStage interface {
	Stage
	Execute(ctx context.Context, pc *Context) error
}

// HeavyStage delegates to a slow external system. Start kicks off the work and
// returns immediately with a task identifier; the engine pauses the job until
// a stage-completed event with that key arrives. GetResult fetches the
// computed output and Resume merges it into the pipeline context.
type HeavyStage interface {
	Stage
	Start(ctx context.Context, pc *Context) (taskID string, err error)
	GetResult(ctx context.Context, pc *Context, taskID string) (json.RawMessage, error)
	Resume(ctx context.Context, pc *Context, taskID string, result json.RawMessage) error
	// EventType names the completion event channel for this stage.
	EventType() string
	// Timeout bounds how long the job may wait for the completion event
	// before the reaper re-raises the failure path.
	Timeout() time.Duration
}

// Package usecase provides business logic for enqueueing, executing,
// resuming, cancelling and inspecting workflow jobs.
package usecase

import (
	"fmt"
	"sync"

	"github.com/allisson/jobflow/internal/retry"
	"github.com/allisson/jobflow/internal/workflow/pipeline"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// Processor binds a workflow type to its pipeline and retry policy.
type Processor struct {
	Pipeline    *pipeline.Pipeline
	RetryPolicy retry.Policy
}

// Registry maps workflow types to processors. Registration happens at startup;
// lookups happen on every consumed message.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
	}
}

// Register adds a processor for a workflow type. Registering the same type
// twice is a programming error and panics.
func (r *Registry) Register(workflowType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[workflowType]; exists {
		panic(fmt.Sprintf("processor already registered for workflow type %q", workflowType))
	}
	r.processors[workflowType] = p
}

// Get returns the processor for a workflow type.
func (r *Registry) Get(workflowType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[workflowType]
	if !ok {
		return Processor{}, apperrors.Wrapf(apperrors.ErrNotFound, "no processor registered for workflow type %q", workflowType)
	}
	return p, nil
}

// Types returns the registered workflow types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	return types
}

package commands

import (
	"github.com/allisson/jobflow/internal/app"
	workflowUsecase "github.com/allisson/jobflow/internal/workflow/usecase"
)

// RegisterProcessors is assigned from main before any Run function is called.
// It receives the workflow registry of every freshly built container, so the
// server, worker, and reaper all see the same processor set.
var RegisterProcessors func(registry *workflowUsecase.Registry)

// installProcessors applies the deployment's processor registrations to a
// freshly built container.
func installProcessors(container *app.Container) {
	if RegisterProcessors != nil {
		container.RegisterProcessors(RegisterProcessors)
	}
}

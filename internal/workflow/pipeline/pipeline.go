package pipeline

import (
	"fmt"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// Pipeline is an ordered list of stages with dependencies resolved. The
// execution order is topological and stable: ties are broken by declaration
// order.
type Pipeline struct {
	name   string
	stages []Stage
	byName map[string]int
}

// New builds a pipeline from the declared stages, resolving an execution order
// consistent with every stage's dependency set. Unknown dependencies,
// duplicate stage names, and cycles are construction errors.
func New(name string, stages ...Stage) (*Pipeline, error) {
	byName := make(map[string]int, len(stages))
	for i, stage := range stages {
		if _, exists := byName[stage.Name()]; exists {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "pipeline %s: duplicate stage %q", name, stage.Name())
		}
		byName[stage.Name()] = i
	}

	for _, stage := range stages {
		for _, dep := range stage.Dependencies() {
			if _, exists := byName[dep]; !exists {
				return nil, apperrors.Wrapf(apperrors.ErrInvalidInput,
					"pipeline %s: stage %q depends on unknown stage %q", name, stage.Name(), dep)
			}
		}
	}

	ordered, err := sortStages(stages, byName)
	if err != nil {
		return nil, apperrors.Wrapf(err, "pipeline %s", name)
	}

	orderedIndex := make(map[string]int, len(ordered))
	for i, stage := range ordered {
		orderedIndex[stage.Name()] = i
	}

	return &Pipeline{name: name, stages: ordered, byName: orderedIndex}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// IndexOf returns the execution-order position of the named stage.
func (p *Pipeline) IndexOf(stageName string) (int, bool) {
	i, ok := p.byName[stageName]
	return i, ok
}

// sortStages performs Kahn's algorithm, always picking the ready stage with
// the lowest declaration index so the order is deterministic.
func sortStages(stages []Stage, declIndex map[string]int) ([]Stage, error) {
	pending := make(map[string]int, len(stages)) // name -> unmet dependency count
	dependents := make(map[string][]string, len(stages))

	for _, stage := range stages {
		pending[stage.Name()] = len(stage.Dependencies())
		for _, dep := range stage.Dependencies() {
			dependents[dep] = append(dependents[dep], stage.Name())
		}
	}

	ordered := make([]Stage, 0, len(stages))
	for len(ordered) < len(stages) {
		next := ""
		nextDecl := -1
		for name, unmet := range pending {
			if unmet != 0 {
				continue
			}
			if nextDecl == -1 || declIndex[name] < nextDecl {
				next = name
				nextDecl = declIndex[name]
			}
		}
		if next == "" {
			return nil, fmt.Errorf("%w: dependency cycle detected", apperrors.ErrInvalidInput)
		}

		ordered = append(ordered, stages[declIndex[next]])
		delete(pending, next)
		for _, dependent := range dependents[next] {
			pending[dependent]--
		}
	}

	return ordered, nil
}

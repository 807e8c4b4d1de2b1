// Package planner turns tasks into validated, topologically ordered step
// graphs.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"go.uber.org/zap"
)

// DefaultStepTimeout is charged for steps that declare no timeout.
const DefaultStepTimeout = 30 * time.Second

// Planner builds plans from tasks.
type Planner struct {
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// New creates a planner. A non-positive defaultTimeout uses DefaultStepTimeout.
func New(defaultTimeout time.Duration, logger *zap.Logger) *Planner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	return &Planner{defaultTimeout: defaultTimeout, logger: logger}
}

// DefaultTimeout returns the timeout charged for steps without one.
func (p *Planner) DefaultTimeout() time.Duration { return p.defaultTimeout }

// Validate checks a step list for unknown references and cycles and returns
// it in topological order together with its derived edges.
func (p *Planner) Validate(steps []model.Step) ([]model.Step, []model.Dependency, error) {
	if len(steps) == 0 {
		return nil, nil, model.ErrEmptyPlan
	}
	deps, err := ResolveDependencies(steps)
	if err != nil {
		return nil, nil, err
	}
	if err := DetectCycle(steps); err != nil {
		return nil, nil, err
	}
	sorted, err := TopologicalSort(steps)
	if err != nil {
		return nil, nil, err
	}
	return sorted, deps, nil
}

// Build decomposes task and returns a plan with ordered steps, derived
// dependencies and a duration estimate.
func (p *Planner) Build(task *model.Task) (*model.Plan, error) {
	plan, err := p.BuildFromSteps(task.ID, Decompose(task))
	if err != nil {
		return nil, err
	}
	plan.TaskType = task.Type
	return plan, nil
}

// BuildFromSteps validates an explicit step list into a plan for taskID.
func (p *Planner) BuildFromSteps(taskID string, steps []model.Step) (*model.Plan, error) {
	sorted, deps, err := p.Validate(steps)
	if err != nil {
		return nil, fmt.Errorf("plan task %s: %w", taskID, err)
	}

	plan := &model.Plan{
		ID:                uuid.New().String(),
		TaskID:            taskID,
		Steps:             sorted,
		Dependencies:      deps,
		EstimatedDuration: EstimateExecutionTime(sorted, p.defaultTimeout),
		CreatedAt:         time.Now(),
	}

	p.logger.Debug("plan built",
		zap.String("plan", plan.ID),
		zap.String("task", taskID),
		zap.Int("steps", len(sorted)),
		zap.Int("dependencies", len(deps)),
		zap.Duration("estimate", plan.EstimatedDuration))
	return plan, nil
}

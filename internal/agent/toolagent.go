package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"go.uber.org/zap"
)

// ProposeFunc lets a ToolAgent bid on tasks.
type ProposeFunc func(ctx context.Context, task *model.Task) (*model.Proposal, error)

// ToolAgent is a capability provider backed by an action dispatch table.
// Its own plans contain a single step for the task type's action.
type ToolAgent struct {
	name    string
	actions *Actions
	timeout time.Duration
	propose ProposeFunc
	logger  *zap.Logger
}

// ToolAgentOption configures a ToolAgent.
type ToolAgentOption func(*ToolAgent)

// WithStepTimeout sets the timeout for steps the agent plans for itself.
func WithStepTimeout(d time.Duration) ToolAgentOption {
	return func(a *ToolAgent) { a.timeout = d }
}

// WithPropose makes the agent a Proposer.
func WithPropose(fn ProposeFunc) ToolAgentOption {
	return func(a *ToolAgent) { a.propose = fn }
}

// NewToolAgent creates a capability provider named name.
func NewToolAgent(name string, actions *Actions, logger *zap.Logger, opts ...ToolAgentOption) *ToolAgent {
	a := &ToolAgent{
		name:    name,
		actions: actions,
		timeout: 30 * time.Second,
		logger:  logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *ToolAgent) Name() string { return a.name }

// Actions exposes the agent's dispatch table.
func (a *ToolAgent) Actions() *Actions { return a.actions }

// Plan maps task.Type onto one of the agent's actions.
func (a *ToolAgent) Plan(_ context.Context, task *model.Task) (*model.Plan, error) {
	action := model.ParseAction(task.Type)
	if _, ok := a.actions.Lookup(action); !ok {
		return nil, fmt.Errorf("agent %s cannot handle task type %q", a.name, task.Type)
	}
	step := model.Step{
		ID:      string(action),
		Action:  action,
		Agent:   a.name,
		Params:  task.Params,
		Timeout: a.timeout,
	}
	return &model.Plan{
		ID:                uuid.New().String(),
		TaskID:            task.ID,
		Steps:             []model.Step{step},
		EstimatedDuration: a.timeout,
		CreatedAt:         time.Now(),
	}, nil
}

// Execute runs the plan's steps in order, stopping at the first failure.
func (a *ToolAgent) Execute(ctx context.Context, plan *model.Plan) (*model.Result, error) {
	data := make(map[string]any, len(plan.Steps))
	var errs []string
	for i := range plan.Steps {
		s := &plan.Steps[i]
		stepCtx := ctx
		var cancel context.CancelFunc = func() {}
		if s.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		}
		res, err := a.ExecuteStep(stepCtx, s)
		cancel()
		if err != nil {
			res = model.NewFailure(err, nil, nil)
		}
		data[s.ID] = res.Data
		if !res.Success {
			errs = append(errs, fmt.Sprintf("%s: %s", s.ID, res.Error))
			break
		}
	}
	return model.NewAggregate(len(errs) == 0, data, errs, map[string]any{"agent": a.name}), nil
}

// Validate applies the default result checks.
func (a *ToolAgent) Validate(_ context.Context, result *model.Result) *model.ValidationResult {
	return ValidateResult(result)
}

// ExecuteStep dispatches step.Action to its handler.
func (a *ToolAgent) ExecuteStep(ctx context.Context, step *model.Step) (res *model.Result, err error) {
	h, ok := a.actions.Lookup(step.Action)
	if !ok {
		return model.NewFailure(fmt.Errorf("agent %s: unsupported action %s", a.name, step.Action), nil, nil), nil
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("action panicked", zap.String("agent", a.name), zap.String("step", step.ID), zap.Any("panic", r))
			res = model.NewFailure(&model.ExecutionError{StepID: step.ID, Cause: fmt.Errorf("panic: %v", r)}, nil, nil)
			err = nil
		}
	}()

	start := time.Now()
	data, herr := h(ctx, step.Params)
	meta := map[string]any{"agent": a.name, "action": string(step.Action), "duration_ms": time.Since(start).Milliseconds()}
	if herr != nil {
		if errors.Is(herr, context.DeadlineExceeded) && step.Timeout > 0 {
			herr = &model.TimeoutError{StepID: step.ID, Timeout: step.Timeout}
		}
		return model.NewFailure(&model.ExecutionError{StepID: step.ID, Cause: herr}, data, meta), nil
	}
	return model.NewSuccess(data, meta), nil
}

// Propose delegates to the configured ProposeFunc.
func (a *ToolAgent) Propose(ctx context.Context, task *model.Task) (*model.Proposal, error) {
	if a.propose == nil {
		return nil, fmt.Errorf("agent %s does not propose", a.name)
	}
	p, err := a.propose(ctx, task)
	if err != nil {
		return nil, err
	}
	if p != nil && p.Agent == "" {
		p.Agent = a.name
	}
	return p, nil
}

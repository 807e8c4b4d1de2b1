// Package orchestrator composes the planner, the workflow engine and the
// conflict resolver into an agent that plans tasks, runs them, and retries
// through fallback strategies when the primary execution fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-tasks/internal/agent"
	"github.com/nidhogg/nuka-tasks/internal/conflict"
	"github.com/nidhogg/nuka-tasks/internal/events"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"github.com/nidhogg/nuka-tasks/internal/planner"
	"github.com/nidhogg/nuka-tasks/internal/store"
	"github.com/nidhogg/nuka-tasks/internal/workflow"
)

// Name is the orchestrator's agent name.
const Name = "orchestrator"

// Recorder journals finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, run *store.Run) error
}

// Orchestrator plans and executes tasks. It implements agent.Agent.
type Orchestrator struct {
	planner    *planner.Planner
	engine     *workflow.Engine
	resolver   *conflict.Resolver
	registry   *agent.Registry
	recorder   Recorder
	alternates map[string]string
	bus        events.Bus
	logger     *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRecorder journals every Execute call.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithEvents publishes a fallback.failed event for every strategy that fails.
func WithEvents(bus events.Bus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithAlternates maps agent names to the agents that take over their steps
// in the alternative-agent fallback.
func WithAlternates(alts map[string]string) Option {
	return func(o *Orchestrator) {
		o.alternates = make(map[string]string, len(alts))
		for k, v := range alts {
			o.alternates[k] = v
		}
	}
}

// New creates an Orchestrator.
func New(p *planner.Planner, e *workflow.Engine, r *conflict.Resolver, reg *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:  p,
		engine:   e,
		resolver: r,
		registry: reg,
		bus:      events.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Name() string { return Name }

// Plan classifies task, builds its step graph, tags the resources it needs
// and attaches fallback strategies.
func (o *Orchestrator) Plan(_ context.Context, task *model.Task) (*model.Plan, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	complexity := Classify(task)

	plan, err := o.planner.Build(task)
	if err != nil {
		return nil, err
	}
	plan.Complexity = complexity
	plan.Resources = Resources(plan.Steps)
	plan.Fallbacks = Fallbacks(plan, complexity, o.alternates)

	o.logger.Info("task planned",
		zap.String("task", task.ID),
		zap.String("type", task.Type),
		zap.String("plan", plan.ID),
		zap.String("complexity", string(complexity)),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("fallbacks", len(plan.Fallbacks)),
		zap.Duration("estimate", plan.EstimatedDuration))
	return plan, nil
}

// Execute runs plan. When the primary execution returns an error, the
// plan's fallback strategies are tried in ascending priority and the first
// success is returned. If every strategy fails, the primary result and error
// are returned.
func (o *Orchestrator) Execute(ctx context.Context, plan *model.Plan) (*model.Result, error) {
	if plan == nil {
		return nil, model.ErrEmptyPlan
	}
	start := time.Now()
	result, err := o.engine.Execute(ctx, plan)
	if err == nil {
		o.record(ctx, plan, result, nil, "", time.Since(start))
		return result, nil
	}

	o.logger.Warn("primary execution failed",
		zap.String("plan", plan.ID),
		zap.Int("fallbacks", len(plan.Fallbacks)),
		zap.Error(err))

	strategies := append([]model.FallbackStrategy(nil), plan.Fallbacks...)
	sort.SliceStable(strategies, func(i, j int) bool { return strategies[i].Priority < strategies[j].Priority })

	var fallbackErrs []string
	for i := range strategies {
		fb := &strategies[i]
		if ctx.Err() != nil {
			break
		}
		res, ferr := o.runFallback(ctx, plan, fb)
		if ferr == nil {
			res = withMetadata(res, map[string]any{
				"fallback":      fb.ID,
				"primary_error": err.Error(),
			})
			o.logger.Info("fallback succeeded", zap.String("plan", plan.ID), zap.String("fallback", fb.ID))
			o.record(ctx, plan, res, nil, fb.ID, time.Since(start))
			return res, nil
		}
		o.logger.Warn("fallback failed",
			zap.String("plan", plan.ID),
			zap.String("fallback", fb.ID),
			zap.Error(ferr))
		o.publishFallbackFailed(ctx, plan, fb, ferr)
		fallbackErrs = append(fallbackErrs, fmt.Sprintf("%s: %v", fb.ID, ferr))
	}

	if result != nil && len(fallbackErrs) > 0 {
		result = withMetadata(result, map[string]any{"fallback_errors": fallbackErrs})
	}
	o.record(ctx, plan, result, err, "", time.Since(start))
	return result, err
}

// withMetadata returns a copy of res whose metadata also carries extra.
// res itself is left untouched.
func withMetadata(res *model.Result, extra map[string]any) *model.Result {
	out := *res
	out.Metadata = make(map[string]any, len(res.Metadata)+len(extra))
	for k, v := range res.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range extra {
		out.Metadata[k] = v
	}
	return &out
}

func (o *Orchestrator) publishFallbackFailed(ctx context.Context, plan *model.Plan, fb *model.FallbackStrategy, ferr error) {
	ev := &events.Event{
		ID:        uuid.New().String(),
		Type:      events.FallbackFailed,
		PlanID:    plan.ID,
		Error:     ferr.Error(),
		Detail:    map[string]any{"fallback": fb.ID, "kind": string(fb.Kind), "priority": fb.Priority},
		Timestamp: time.Now(),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := o.bus.Publish(pctx, ev); err != nil {
		o.logger.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) runFallback(ctx context.Context, plan *model.Plan, fb *model.FallbackStrategy) (*model.Result, error) {
	if len(fb.Steps) == 0 {
		return nil, model.ErrNoFallbackSteps
	}
	fbPlan, err := o.planner.BuildFromSteps(plan.TaskID, fb.Steps)
	if err != nil {
		return nil, err
	}
	fbPlan.TaskType = plan.TaskType
	fbPlan.Complexity = plan.Complexity
	return o.engine.Execute(ctx, fbPlan)
}

func (o *Orchestrator) record(ctx context.Context, plan *model.Plan, res *model.Result, err error, fallback string, d time.Duration) {
	if o.recorder == nil {
		return
	}
	run := &store.Run{
		PlanID:     plan.ID,
		TaskID:     plan.TaskID,
		TaskType:   plan.TaskType,
		Complexity: string(plan.Complexity),
		Fallback:   fallback,
		StepCount:  len(plan.Steps),
		DurationMS: d.Milliseconds(),
		Result:     res,
	}
	if res != nil {
		run.Success = res.Success
		run.Error = res.Error
		if mode, ok := res.Metadata["mode"].(string); ok {
			run.Mode = mode
		}
	}
	if err != nil {
		run.Success = false
		run.Error = err.Error()
	}
	// Journal failures must not change the outcome of the run.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := o.recorder.RecordRun(rctx, run); rerr != nil {
		o.logger.Error("record run failed", zap.String("plan", plan.ID), zap.Error(rerr))
	}
}

// Validate applies the default result checks.
func (o *Orchestrator) Validate(_ context.Context, result *model.Result) *model.ValidationResult {
	return agent.ValidateResult(result)
}

// ExecuteStep runs step as a one-step plan through the engine.
func (o *Orchestrator) ExecuteStep(ctx context.Context, step *model.Step) (*model.Result, error) {
	if step.Agent == "" || step.Agent == o.Name() {
		return model.NewFailure(fmt.Errorf("step %s: the orchestrator does not own steps", step.ID), nil, nil), nil
	}
	single := *step
	single.DependsOn = nil
	plan, err := o.planner.BuildFromSteps(step.ID, []model.Step{single})
	if err != nil {
		return nil, err
	}
	res, err := o.engine.Execute(ctx, plan)
	var agg *model.AggregationError
	if errors.As(err, &agg) {
		return res, nil
	}
	return res, err
}

// Decide asks every registered Proposer for a proposal on task and resolves
// them. Proposers that fail are logged and left out.
func (o *Orchestrator) Decide(ctx context.Context, task *model.Task) (*conflict.Resolution, error) {
	var proposers []agent.Proposer
	for _, a := range o.registry.List() {
		if p, ok := a.(agent.Proposer); ok {
			proposers = append(proposers, p)
		}
	}

	proposals := make([]*model.Proposal, len(proposers))
	var mu sync.Mutex
	var failures int
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range proposers {
		i, p := i, p
		g.Go(func() error {
			prop, err := p.Propose(gctx, task)
			if err != nil {
				o.logger.Warn("proposal failed", zap.String("task", task.ID), zap.Error(err))
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
			proposals[i] = prop
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collected := proposals[:0]
	for _, p := range proposals {
		if p != nil {
			collected = append(collected, p)
		}
	}

	res, err := o.resolver.Evaluate(collected)
	if err != nil {
		return res, fmt.Errorf("decide task %s (%d proposers, %d failed): %w", task.ID, len(proposers), failures, err)
	}
	o.logger.Info("proposal selected",
		zap.String("task", task.ID),
		zap.String("agent", res.Winner.Agent),
		zap.String("action", res.Winner.Action),
		zap.Int("candidates", len(collected)),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}

// Package workflow executes plans: it picks a scheduling mode from the
// dependency graph, runs steps against their owning agents with per-step
// timeouts, and aggregates the step results.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-tasks/internal/agent"
	"github.com/nidhogg/nuka-tasks/internal/events"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"github.com/nidhogg/nuka-tasks/internal/planner"
	"go.uber.org/zap"
)

const (
	// DefaultMaxConcurrency bounds the steps of one batch running at once.
	DefaultMaxConcurrency = 10
	// DefaultStepTimeout applies to steps that declare no timeout.
	DefaultStepTimeout = 30 * time.Second
)

// Engine runs plans against the agents of a registry.
type Engine struct {
	registry       *agent.Registry
	maxConcurrency int
	defaultTimeout time.Duration
	bus            events.Bus
	logger         *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency bounds concurrently running steps per batch.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithDefaultTimeout sets the timeout for steps without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithEvents publishes step and plan progress to bus.
func WithEvents(bus events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// NewEngine creates a workflow engine resolving agents from registry.
func NewEngine(registry *agent.Registry, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:       registry,
		maxConcurrency: DefaultMaxConcurrency,
		defaultTimeout: DefaultStepTimeout,
		bus:            events.Nop{},
		logger:         logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// compiledStep is a step with its templates parsed and its agent resolved,
// done once per execution.
type compiledStep struct {
	step   *model.Step
	params map[string]any
	agent  agent.Agent
}

// run is the state of one Execute call. results is written only by the
// coordinating goroutine, between batches.
type run struct {
	id        string
	plan      *model.Plan
	mode      Mode
	steps     []*compiledStep
	results   map[string]*model.Result
	order     []string
	durations map[string]int64
	skipped   []string
	canceled  bool
}

func (r *run) record(id string, res *model.Result, d time.Duration) {
	r.results[id] = res
	r.order = append(r.order, id)
	r.durations[id] = d.Milliseconds()
}

type outcome struct {
	res *model.Result
	dur time.Duration
}

// Execute runs plan to completion. Structural problems (unknown dependencies,
// cycles, an empty plan) are returned before any step starts. Otherwise the
// aggregated result is always returned; when any step failed it comes with
// an *model.AggregationError.
func (e *Engine) Execute(ctx context.Context, plan *model.Plan) (*model.Result, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, model.ErrEmptyPlan
	}
	if _, err := planner.ResolveDependencies(plan.Steps); err != nil {
		return nil, err
	}
	if err := planner.DetectCycle(plan.Steps); err != nil {
		return nil, err
	}
	mode, err := DetermineMode(plan)
	if err != nil {
		return nil, err
	}

	r := e.compile(plan, mode)
	start := time.Now()
	e.logger.Info("executing plan",
		zap.String("plan", plan.ID),
		zap.String("mode", string(mode)),
		zap.Int("steps", len(plan.Steps)))

	switch mode {
	case ModeSequential:
		e.runSequential(ctx, r)
	case ModeParallel:
		e.runBatches(ctx, r, [][]*compiledStep{r.steps})
	case ModeHybrid:
		levels, err := e.levels(r)
		if err != nil {
			return nil, err
		}
		e.runBatches(ctx, r, levels)
	}

	result, aggErr := e.aggregate(r)
	e.publish(ctx, &events.Event{
		Type:    events.PlanFinished,
		PlanID:  plan.ID,
		Success: result.Success,
		Error:   result.Error,
		Detail:  map[string]any{"mode": string(mode), "duration_ms": time.Since(start).Milliseconds()},
	})
	e.logger.Info("plan finished",
		zap.String("plan", plan.ID),
		zap.Bool("success", result.Success),
		zap.Duration("duration", time.Since(start)))

	if aggErr != nil {
		return result, aggErr
	}
	return result, nil
}

func (e *Engine) compile(plan *model.Plan, mode Mode) *run {
	ids := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		ids[s.ID] = true
	}

	r := &run{
		id:        uuid.New().String(),
		plan:      plan,
		mode:      mode,
		steps:     make([]*compiledStep, len(plan.Steps)),
		results:   make(map[string]*model.Result, len(plan.Steps)),
		durations: make(map[string]int64, len(plan.Steps)),
	}
	for i := range plan.Steps {
		s := &plan.Steps[i]
		cs := &compiledStep{step: s}
		if s.Params != nil {
			cs.params = compileParams(s.Params).(map[string]any)
		}
		if a, ok := e.registry.Get(s.Agent); ok {
			cs.agent = a
		}
		for _, ref := range References(s.Params) {
			if !ids[ref] {
				e.logger.Warn("param references unknown step, value will stay literal",
					zap.String("plan", plan.ID), zap.String("step", s.ID), zap.String("ref", ref))
			}
		}
		r.steps[i] = cs
	}
	return r
}

func (e *Engine) levels(r *run) ([][]*compiledStep, error) {
	levels, err := planner.Levels(r.plan.Steps)
	if err != nil {
		return nil, err
	}
	depth := 0
	for _, l := range levels {
		if l+1 > depth {
			depth = l + 1
		}
	}
	groups := make([][]*compiledStep, depth)
	for _, cs := range r.steps {
		l := levels[cs.step.ID]
		groups[l] = append(groups[l], cs)
	}
	return groups, nil
}

// runSequential runs steps in plan order and stops at the first failure.
func (e *Engine) runSequential(ctx context.Context, r *run) {
	for i, cs := range r.steps {
		if ctx.Err() != nil {
			r.canceled = true
			r.skip(r.steps[i:])
			return
		}
		start := time.Now()
		res := e.executeStep(ctx, r, cs)
		r.record(cs.step.ID, res, time.Since(start))
		if !res.Success {
			r.skip(r.steps[i+1:])
			return
		}
	}
}

// runBatches runs each batch concurrently and waits for all of it before the
// next. A failed batch stops the remaining ones; its siblings still finish.
func (e *Engine) runBatches(ctx context.Context, r *run, batches [][]*compiledStep) {
	for i, batch := range batches {
		if ctx.Err() != nil {
			r.canceled = true
			for _, rest := range batches[i:] {
				r.skip(rest)
			}
			return
		}

		outcomes := e.runBatch(ctx, r, batch)

		failed := false
		for j, cs := range batch {
			r.record(cs.step.ID, outcomes[j].res, outcomes[j].dur)
			if !outcomes[j].res.Success {
				failed = true
			}
		}
		if failed {
			for _, rest := range batches[i+1:] {
				r.skip(rest)
			}
			return
		}
	}
}

// runBatch launches every step of batch and joins them. Each goroutine
// writes only its own slot.
func (e *Engine) runBatch(ctx context.Context, r *run, batch []*compiledStep) []outcome {
	outcomes := make([]outcome, len(batch))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for i, cs := range batch {
		wg.Add(1)
		go func(i int, cs *compiledStep) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = outcome{res: model.NewFailure(fmt.Errorf("step %s not started: %w", cs.step.ID, ctx.Err()), nil, nil)}
				return
			}
			start := time.Now()
			res := e.executeStep(ctx, r, cs)
			outcomes[i] = outcome{res: res, dur: time.Since(start)}
		}(i, cs)
	}
	wg.Wait()
	return outcomes
}

func (r *run) skip(steps []*compiledStep) {
	for _, cs := range steps {
		r.skipped = append(r.skipped, cs.step.ID)
	}
}

// executeStep runs one step. It never returns an error: every failure,
// including a timeout, is captured in the returned Result.
func (e *Engine) executeStep(ctx context.Context, r *run, cs *compiledStep) *model.Result {
	step := cs.step
	e.publish(ctx, &events.Event{Type: events.StepStarted, PlanID: r.plan.ID, StepID: step.ID, Agent: step.Agent})

	res := e.invoke(ctx, r, cs)

	e.publish(ctx, &events.Event{
		Type:    events.StepFinished,
		PlanID:  r.plan.ID,
		StepID:  step.ID,
		Agent:   step.Agent,
		Success: res.Success,
		Error:   res.Error,
	})
	if res.Success {
		e.logger.Debug("step succeeded", zap.String("plan", r.plan.ID), zap.String("step", step.ID))
	} else {
		e.logger.Warn("step failed",
			zap.String("plan", r.plan.ID),
			zap.String("step", step.ID),
			zap.String("agent", step.Agent),
			zap.String("error", res.Error))
	}
	return res
}

func (e *Engine) invoke(ctx context.Context, r *run, cs *compiledStep) *model.Result {
	step := cs.step

	var missing []string
	for _, dep := range step.DependsOn {
		if _, ok := r.results[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return model.NewFailure(&model.DependencyError{StepID: step.ID, Missing: missing}, nil, nil)
	}

	if cs.agent == nil {
		return model.NewFailure(&model.DependencyError{StepID: step.ID, Agent: step.Agent}, nil, nil)
	}

	resolved := *step
	if cs.params != nil {
		resolved.Params = resolveParams(cs.params, r.results).(map[string]any)
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	resolved.Timeout = timeout

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so a provider that finishes after the deadline does not block;
	// its late result is dropped.
	done := make(chan *model.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- model.NewFailure(&model.ExecutionError{StepID: step.ID, Cause: fmt.Errorf("panic: %v", p)}, nil, nil)
			}
		}()
		res, err := cs.agent.ExecuteStep(stepCtx, &resolved)
		switch {
		case err != nil:
			done <- model.NewFailure(&model.ExecutionError{StepID: step.ID, Cause: err}, nil, nil)
		case res == nil:
			done <- model.NewFailure(&model.ExecutionError{StepID: step.ID, Cause: errors.New("agent returned no result")}, nil, nil)
		default:
			done <- res
		}
	}()

	var res *model.Result
	select {
	case res = <-done:
	case <-stepCtx.Done():
	}

	if ctx.Err() != nil && res == nil {
		return model.NewFailure(fmt.Errorf("step %s: %w", step.ID, ctx.Err()), nil, nil)
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && (res == nil || !res.Success) {
		return model.NewFailure(&model.TimeoutError{StepID: step.ID, Timeout: timeout}, nil, map[string]any{"timeout": true})
	}
	return res
}

func (e *Engine) aggregate(r *run) (*model.Result, error) {
	data := make(map[string]any, len(r.order))
	var errs, failed []string
	success := true

	// Plan order keeps the reported failures deterministic.
	for _, cs := range r.steps {
		id := cs.step.ID
		res, ok := r.results[id]
		if !ok {
			continue
		}
		data[id] = res.Data
		if !res.Success {
			success = false
			failed = append(failed, id)
			errs = append(errs, fmt.Sprintf("%s: %s", id, res.Error))
		}
	}
	if r.canceled {
		success = false
		errs = append(errs, fmt.Sprintf("execution canceled; skipped %v", r.skipped))
	}

	meta := map[string]any{
		"plan_id":    r.plan.ID,
		"run_id":     r.id,
		"mode":       string(r.mode),
		"durations":  r.durations,
		"executed":   append([]string(nil), r.order...),
		"skipped":    append([]string(nil), r.skipped...),
		"failed":     failed,
		"step_count": len(r.steps),
	}
	result := model.NewAggregate(success, data, errs, meta)
	if success {
		return result, nil
	}
	return result, &model.AggregationError{Failed: failed, Errors: errs}
}

func (e *Engine) publish(ctx context.Context, ev *events.Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := e.bus.Publish(pctx, ev); err != nil {
		e.logger.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

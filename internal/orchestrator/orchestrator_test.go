package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nidhogg/nuka-tasks/internal/agent"
	"github.com/nidhogg/nuka-tasks/internal/conflict"
	"github.com/nidhogg/nuka-tasks/internal/events"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"github.com/nidhogg/nuka-tasks/internal/planner"
	"github.com/nidhogg/nuka-tasks/internal/store"
	"github.com/nidhogg/nuka-tasks/internal/workflow"
)

type memRecorder struct {
	mu   sync.Mutex
	runs []*store.Run
	err  error
}

func (m *memRecorder) RecordRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return m.err
}

func newTestOrchestrator(t *testing.T, reg *agent.Registry, opts ...Option) *Orchestrator {
	t.Helper()
	logger := zap.NewNop()
	p := planner.New(planner.DefaultStepTimeout, logger)
	e := workflow.NewEngine(reg, logger)
	return New(p, e, conflict.New(), reg, opts...)
}

func builtinRegistry() *agent.Registry {
	reg := agent.NewRegistry(zap.NewNop())
	agent.RegisterBuiltinAgents(reg, zap.NewNop())
	return reg
}

func TestClassify(t *testing.T) {
	tests := []struct {
		task *model.Task
		want model.Complexity
	}{
		{&model.Task{Type: "swap"}, model.ComplexityHigh},
		{&model.Task{Type: "cross-chain-BRIDGE"}, model.ComplexityHigh},
		{&model.Task{Type: "transfer"}, model.ComplexityMedium},
		{&model.Task{Type: "analysis"}, model.ComplexityMedium},
		{&model.Task{Type: "ping"}, model.ComplexityLow},
		{&model.Task{Type: "ping", Params: map[string]any{"a": 1, "b": 2, "c": 3}}, model.ComplexityMedium},
		{&model.Task{Type: "ping", Params: map[string]any{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}}, model.ComplexityHigh},
	}
	for _, tt := range tests {
		if got := Classify(tt.task); got != tt.want {
			t.Errorf("Classify(%q, %d params) = %s, want %s", tt.task.Type, len(tt.task.Params), got, tt.want)
		}
	}
}

func TestResources(t *testing.T) {
	steps := planner.Decompose(&model.Task{Type: "swap"})
	got := Resources(steps)
	want := []string{ResourcePriceFeed, ResourceRPCEndpoint, ResourceSigner}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Resources = %v, want %v", got, want)
	}
	if r := Resources(planner.Decompose(&model.Task{Type: "unknown"})); len(r) != 0 {
		t.Errorf("default step needs no resources, got %v", r)
	}
}

func TestPlanHighComplexity(t *testing.T) {
	o := newTestOrchestrator(t, builtinRegistry(), WithAlternates(map[string]string{planner.AgentMarket: "backup-market"}))

	plan, err := o.Plan(context.Background(), &model.Task{Type: "swap", Params: map[string]any{"amount": 2.0}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TaskID == "" || plan.TaskType != "swap" {
		t.Errorf("task identity missing: id=%q type=%q", plan.TaskID, plan.TaskType)
	}
	if plan.Complexity != model.ComplexityHigh {
		t.Errorf("complexity = %s", plan.Complexity)
	}
	if plan.EstimatedDuration != 50*time.Second {
		t.Errorf("estimate = %s", plan.EstimatedDuration)
	}
	if len(plan.Fallbacks) != 2 {
		t.Fatalf("expected retry and alternative fallbacks, got %d", len(plan.Fallbacks))
	}

	retry, alt := plan.Fallbacks[0], plan.Fallbacks[1]
	if retry.Kind != model.FallbackRetry || retry.Priority != 1 || len(retry.Steps) != len(plan.Steps) {
		t.Errorf("unexpected retry strategy: %+v", retry)
	}
	if alt.Kind != model.FallbackAlternativeAgent || alt.Priority != 2 {
		t.Errorf("unexpected alternative strategy: %+v", alt)
	}
	for _, s := range alt.Steps {
		if s.Agent == planner.AgentMarket {
			t.Errorf("step %s not re-owned", s.ID)
		}
	}
	for _, s := range plan.Steps {
		if s.ID == "price_check" && s.Agent != planner.AgentMarket {
			t.Error("re-owning mutated the primary steps")
		}
	}
}

func TestPlanFallbacksByComplexity(t *testing.T) {
	o := newTestOrchestrator(t, builtinRegistry())
	ctx := context.Background()

	low, err := o.Plan(ctx, &model.Task{Type: "ping"})
	if err != nil {
		t.Fatalf("plan low: %v", err)
	}
	if len(low.Fallbacks) != 0 {
		t.Errorf("low complexity should have no fallbacks, got %d", len(low.Fallbacks))
	}

	medium, err := o.Plan(ctx, &model.Task{Type: "transfer"})
	if err != nil {
		t.Fatalf("plan medium: %v", err)
	}
	if len(medium.Fallbacks) != 1 || medium.Fallbacks[0].Kind != model.FallbackAlternativeAgent {
		t.Fatalf("medium complexity should have one alternative strategy: %+v", medium.Fallbacks)
	}
	if len(medium.Fallbacks[0].Steps) != 0 {
		t.Error("alternative strategy without alternates should be empty")
	}
}

// flakyRegistry has an agent that always fails and one that always succeeds.
func flakyRegistry(calls *int) *agent.Registry {
	reg := agent.NewRegistry(zap.NewNop())
	reg.Register(agent.NewToolAgent("flaky", agent.NewActions().
		Register("work", func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("provider unavailable")
		}), zap.NewNop()))
	reg.Register(agent.NewToolAgent("steady", agent.NewActions().
		Register("work", func(context.Context, map[string]any) (any, error) {
			*calls++
			return map[string]any{"ok": true}, nil
		}), zap.NewNop()))
	return reg
}

func TestExecuteFallbackOrder(t *testing.T) {
	calls := 0
	reg := flakyRegistry(&calls)
	core, logs := observer.New(zap.DebugLevel)
	rec := &memRecorder{}
	bus := events.NewRecorder(16)
	o := newTestOrchestrator(t, reg, WithLogger(zap.New(core)), WithRecorder(rec), WithEvents(bus))

	plan := &model.Plan{
		ID:     "primary",
		TaskID: "task-c",
		Steps:  []model.Step{{ID: "w", Action: "work", Agent: "flaky", Timeout: time.Second}},
		// Deliberately listed out of priority order.
		Fallbacks: []model.FallbackStrategy{
			{ID: "alt", Priority: 2, Steps: []model.Step{{ID: "w", Action: "work", Agent: "steady", Timeout: time.Second}}},
			{ID: "empty", Priority: 1},
		},
	}

	res, err := o.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if !res.Success || res.Metadata["fallback"] != "alt" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls != 1 {
		t.Errorf("steady agent called %d times", calls)
	}

	failed := logs.FilterMessage("fallback failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected one failed fallback, got %d", len(failed))
	}
	if failed[0].ContextMap()["fallback"] != "empty" ||
		!strings.Contains(failed[0].ContextMap()["error"].(string), "Fallback strategy has no steps") {
		t.Errorf("unexpected failure log: %v", failed[0].ContextMap())
	}

	if len(rec.runs) != 1 || rec.runs[0].Fallback != "alt" || !rec.runs[0].Success {
		t.Errorf("unexpected journal: %+v", rec.runs)
	}

	published := bus.Drain()
	if len(published) != 1 || published[0].Type != events.FallbackFailed {
		t.Fatalf("expected one fallback.failed event, got %+v", published)
	}
	if published[0].PlanID != "primary" || published[0].Detail["fallback"] != "empty" ||
		published[0].Error != model.ErrNoFallbackSteps.Error() {
		t.Errorf("unexpected event: %+v", published[0])
	}
}

func TestExecuteNilPlan(t *testing.T) {
	rec := &memRecorder{}
	o := newTestOrchestrator(t, builtinRegistry(), WithRecorder(rec))

	res, err := o.Execute(context.Background(), nil)
	if !errors.Is(err, model.ErrEmptyPlan) || res != nil {
		t.Fatalf("expected ErrEmptyPlan and no result, got %+v, %v", res, err)
	}
	if len(rec.runs) != 0 {
		t.Errorf("nothing should be journaled for a nil plan: %+v", rec.runs)
	}
}

func TestWithMetadataCopies(t *testing.T) {
	orig := model.NewFailure(errors.New("boom"), "data", map[string]any{"mode": "parallel"})

	got := withMetadata(orig, map[string]any{"fallback": "alt"})
	if got == orig {
		t.Fatal("expected a new result")
	}
	if got.Metadata["mode"] != "parallel" || got.Metadata["fallback"] != "alt" || got.Data != "data" {
		t.Errorf("unexpected copy: %+v", got)
	}
	if _, ok := orig.Metadata["fallback"]; ok || len(orig.Metadata) != 1 {
		t.Errorf("original metadata modified: %v", orig.Metadata)
	}

	bare := withMetadata(&model.Result{Success: true}, map[string]any{"k": 1})
	if bare.Metadata["k"] != 1 {
		t.Errorf("nil metadata not extended: %+v", bare)
	}
}

func TestExecuteAllFallbacksFail(t *testing.T) {
	calls := 0
	o := newTestOrchestrator(t, flakyRegistry(&calls))

	plan := &model.Plan{
		ID:     "primary",
		TaskID: "task",
		Steps:  []model.Step{{ID: "w", Action: "work", Agent: "flaky", Timeout: time.Second}},
		Fallbacks: []model.FallbackStrategy{
			{ID: "retry", Priority: 1, Steps: []model.Step{{ID: "w", Action: "work", Agent: "flaky", Timeout: time.Second}}},
			{ID: "empty", Priority: 2},
		},
	}

	res, err := o.Execute(context.Background(), plan)
	var agg *model.AggregationError
	if !errors.As(err, &agg) {
		t.Fatalf("expected the primary aggregation error, got %v", err)
	}
	if res == nil || res.Success {
		t.Fatalf("expected failed primary result, got %+v", res)
	}
	fbErrs, _ := res.Metadata["fallback_errors"].([]string)
	if len(fbErrs) != 2 || !strings.Contains(fbErrs[1], "Fallback strategy has no steps") {
		t.Errorf("fallback errors = %v", fbErrs)
	}
}

func TestExecuteNoFallbacksPropagatesError(t *testing.T) {
	rec := &memRecorder{err: errors.New("db down")}
	o := newTestOrchestrator(t, builtinRegistry(), WithRecorder(rec))

	_, err := o.Execute(context.Background(), &model.Plan{ID: "empty"})
	if !errors.Is(err, model.ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
	if len(rec.runs) != 1 || rec.runs[0].Success {
		t.Errorf("failed run should still be journaled: %+v", rec.runs)
	}
}

func TestExecuteTaskSwap(t *testing.T) {
	o := newTestOrchestrator(t, builtinRegistry())

	res, err := agent.ExecuteTask(context.Background(), o, &model.Task{
		Type:   "swap",
		Params: map[string]any{"pair": "ETH/USDC", "amount": 2.0, "price": 3.0},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, ok := res.DataMap()
	if !ok {
		t.Fatalf("expected map data, got %T", res.Data)
	}
	quote := data["quote"].(map[string]any)
	if quote["amount"] != 6.0 {
		t.Errorf("quote amount = %v, want 6", quote["amount"])
	}
	exec := data["execute"].(map[string]any)
	if exec["status"] != "submitted" {
		t.Errorf("execute = %v", exec)
	}
	if res.Metadata["mode"] != "sequential" {
		t.Errorf("swap should run sequentially, got %v", res.Metadata["mode"])
	}
}

func TestExecuteTaskSwapRejected(t *testing.T) {
	o := newTestOrchestrator(t, builtinRegistry())

	res, err := agent.ExecuteTask(context.Background(), o, &model.Task{
		Type:   "swap",
		Params: map[string]any{"amount": 10.0, "max_amount": 5.0},
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(err.Error(), "execution not approved") {
		t.Errorf("error = %v", err)
	}
	data, _ := res.DataMap()
	v := data["validate"].(map[string]any)
	if v["approved"] != false {
		t.Errorf("validate = %v", v)
	}
}

func TestDelegateToOrchestrator(t *testing.T) {
	reg := builtinRegistry()
	o := newTestOrchestrator(t, reg)
	reg.Register(o)

	res, err := reg.Delegate(context.Background(), &model.SubTask{Type: "analysis"}, Name)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if res.Metadata["mode"] != "hybrid" {
		t.Errorf("analysis should run in hybrid mode, got %v", res.Metadata["mode"])
	}
}

func TestExecuteStep(t *testing.T) {
	o := newTestOrchestrator(t, builtinRegistry())
	ctx := context.Background()

	res, err := o.ExecuteStep(ctx, &model.Step{ID: "p", Action: model.ActionPriceCheck, Agent: planner.AgentMarket, Params: map[string]any{"price": 2.5}})
	if err != nil || !res.Success {
		t.Fatalf("execute step: %v %+v", err, res)
	}

	res, err = o.ExecuteStep(ctx, &model.Step{ID: "x", Action: model.ActionDefault, Agent: Name})
	if err != nil || res.Success {
		t.Fatalf("orchestrator-owned step should fail as a result: %v %+v", err, res)
	}
}

func TestDecide(t *testing.T) {
	o := newTestOrchestrator(t, builtinRegistry())

	res, err := o.Decide(context.Background(), &model.Task{ID: "t1", Type: "swap"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Winner.Agent != planner.AgentExecutor {
		t.Errorf("winner = %s, want %s", res.Winner.Agent, planner.AgentExecutor)
	}
	if len(res.Ranked) != 2 {
		t.Errorf("expected 2 ranked proposals, got %d", len(res.Ranked))
	}
}

func TestDecideNoProposers(t *testing.T) {
	o := newTestOrchestrator(t, agent.NewRegistry(zap.NewNop()))
	_, err := o.Decide(context.Background(), &model.Task{ID: "t1", Type: "swap"})
	if !errors.Is(err, model.ErrNoValidProposals) {
		t.Fatalf("expected ErrNoValidProposals, got %v", err)
	}
}

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/nuka-tasks/internal/model"
	"go.uber.org/zap"
)

// strictAgent wraps a ToolAgent with a validation rule that always rejects.
type strictAgent struct {
	*ToolAgent
}

func (s *strictAgent) Validate(_ context.Context, _ *model.Result) *model.ValidationResult {
	return &model.ValidationResult{Valid: false, Errors: []string{"checksum mismatch"}}
}

func echoActions() *Actions {
	return NewActions().Register("echo", func(_ context.Context, p map[string]any) (any, error) {
		return map[string]any{"got": p["v"]}, nil
	})
}

func TestRegistryRegisterUnregister(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(NewToolAgent("beta", echoActions(), zap.NewNop()))
	reg.Register(NewToolAgent("alpha", echoActions(), zap.NewNop()))

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" {
		t.Fatalf("names = %v", names)
	}
	if _, ok := reg.Get("beta"); !ok {
		t.Fatal("beta should be registered")
	}
	reg.Unregister("beta")
	if _, ok := reg.Get("beta"); ok {
		t.Fatal("beta should be gone")
	}
	if len(reg.List()) != 1 {
		t.Fatalf("list = %d agents, want 1", len(reg.List()))
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry(zap.NewNop())
	b := NewRegistry(zap.NewNop())
	a.Register(NewToolAgent("only-a", echoActions(), zap.NewNop()))
	if _, ok := b.Get("only-a"); ok {
		t.Fatal("registries must not share state")
	}
}

func TestDelegate(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(NewToolAgent("echoer", echoActions(), zap.NewNop()))

	res, err := reg.Delegate(context.Background(), &model.SubTask{Type: "echo", Params: map[string]any{"v": 7}}, "echoer")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	data, _ := res.DataMap()
	step, _ := data["echo"].(map[string]any)
	if step["got"] != 7 {
		t.Errorf("echo data = %v", data)
	}
}

func TestDelegateUnknownAgent(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	_, err := reg.Delegate(context.Background(), &model.SubTask{Type: "echo"}, "nobody")
	if !errors.Is(err, model.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestExecuteTaskValidationFailureKeepsData(t *testing.T) {
	a := &strictAgent{NewToolAgent("strict", echoActions(), zap.NewNop())}
	res, err := ExecuteTask(context.Background(), a, &model.Task{Type: "echo", Params: map[string]any{"v": "x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("validation failure must produce a failed result")
	}
	if !strings.Contains(res.Error, "checksum mismatch") {
		t.Errorf("error = %q", res.Error)
	}
	if _, ok := res.DataMap(); !ok {
		t.Error("original data should be preserved for diagnostics")
	}
}

func TestExecuteTaskPlanError(t *testing.T) {
	a := NewToolAgent("echoer", echoActions(), zap.NewNop())
	if _, err := ExecuteTask(context.Background(), a, &model.Task{Type: "unknown"}); err == nil {
		t.Fatal("expected plan error for unsupported task type")
	}
}

func TestToolAgentExecuteStep(t *testing.T) {
	actions := echoActions().
		Register("boom", func(context.Context, map[string]any) (any, error) { panic("kaboom") }).
		Register("fail", func(context.Context, map[string]any) (any, error) { return nil, errors.New("provider down") })
	a := NewToolAgent("t", actions, zap.NewNop())
	ctx := context.Background()

	res, err := a.ExecuteStep(ctx, &model.Step{ID: "s", Action: "boom"})
	if err != nil || res.Success || !strings.Contains(res.Error, "kaboom") {
		t.Errorf("panic should become failed result, got %+v, %v", res, err)
	}

	res, _ = a.ExecuteStep(ctx, &model.Step{ID: "s", Action: "fail"})
	if res.Success || !strings.Contains(res.Error, "provider down") {
		t.Errorf("handler error should surface, got %+v", res)
	}

	res, _ = a.ExecuteStep(ctx, &model.Step{ID: "s", Action: "nope"})
	if res.Success || !strings.Contains(res.Error, "unsupported action") {
		t.Errorf("unknown action should fail, got %+v", res)
	}
}

func TestBuiltinAgents(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	RegisterBuiltinAgents(reg, zap.NewNop())
	for _, name := range []string{"market", "risk", "executor", "analyst", "default"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("builtin agent %s missing", name)
		}
	}

	res, err := reg.Delegate(context.Background(), &model.SubTask{
		Type:   "validate",
		Params: map[string]any{"amount": 500.0, "max_amount": 100.0},
	}, "risk")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := res.DataMap()
	verdict, _ := data["validate"].(map[string]any)
	if verdict["approved"] != false {
		t.Errorf("over-limit amount should not be approved: %v", verdict)
	}

	market, _ := reg.Get("market")
	p, err := market.(Proposer).Propose(context.Background(), &model.Task{ID: "t"})
	if err != nil || p.Agent != "market" {
		t.Errorf("market proposal = %+v, %v", p, err)
	}
}

func TestValidateResult(t *testing.T) {
	if v := ValidateResult(nil); v.Valid {
		t.Error("nil result must be invalid")
	}
	v := ValidateResult(&model.Result{Success: false, Errors: []string{"a", "b"}})
	if v.Valid || len(v.Errors) != 2 {
		t.Errorf("unexpected validation: %+v", v)
	}
	v = ValidateResult(&model.Result{Success: true})
	if !v.Valid || len(v.Warnings) != 1 {
		t.Errorf("missing data should warn: %+v", v)
	}
}

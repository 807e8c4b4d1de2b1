// Package agent defines the plan/execute/validate contract every agent
// implements, the name-keyed registry agents are delegated through, and the
// action dispatch table capability providers are built from.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// Agent is the contract shared by capability providers and the orchestrator.
type Agent interface {
	Name() string
	Plan(ctx context.Context, task *model.Task) (*model.Plan, error)
	Execute(ctx context.Context, plan *model.Plan) (*model.Result, error)
	Validate(ctx context.Context, result *model.Result) *model.ValidationResult
	// ExecuteStep runs one step with already-resolved params. Failures are
	// reported in the Result; the error return is reserved for faults the
	// agent cannot describe as a Result.
	ExecuteStep(ctx context.Context, step *model.Step) (*model.Result, error)
}

// Proposer is implemented by agents that can bid on a task.
type Proposer interface {
	Propose(ctx context.Context, task *model.Task) (*model.Proposal, error)
}

// ExecuteTask runs plan, execute and validate in order. A result that fails
// validation is turned into a failed result that keeps the original data.
func ExecuteTask(ctx context.Context, a Agent, task *model.Task) (*model.Result, error) {
	plan, err := a.Plan(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("%s: plan: %w", a.Name(), err)
	}

	result, err := a.Execute(ctx, plan)
	if err != nil {
		if result != nil {
			return result, fmt.Errorf("%s: execute: %w", a.Name(), err)
		}
		return nil, fmt.Errorf("%s: execute: %w", a.Name(), err)
	}

	v := a.Validate(ctx, result)
	if v == nil || v.Valid {
		return result, nil
	}

	meta := map[string]any{"validation": v}
	for k, val := range result.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = val
		}
	}
	failed := model.NewFailure(
		fmt.Errorf("validation failed: %s", strings.Join(v.Errors, "; ")),
		result.Data,
		meta,
	)
	failed.Errors = append(append([]string(nil), result.Errors...), v.Errors...)
	return failed, nil
}

// ValidateResult is the default validation shared by agents: a result must
// exist and be successful, and a missing payload is worth a warning.
func ValidateResult(result *model.Result) *model.ValidationResult {
	if result == nil {
		return &model.ValidationResult{Valid: false, Errors: []string{"no result"}}
	}
	v := &model.ValidationResult{Valid: true}
	if !result.Success {
		v.Valid = false
		if len(result.Errors) > 0 {
			v.Errors = append(v.Errors, result.Errors...)
		} else if result.Error != "" {
			v.Errors = append(v.Errors, result.Error)
		} else {
			v.Errors = append(v.Errors, "execution reported failure")
		}
	}
	if result.Data == nil {
		v.Warnings = append(v.Warnings, "result carries no data")
	}
	return v
}

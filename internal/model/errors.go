package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoValidProposals is returned when every proposal fails validation.
	ErrNoValidProposals = errors.New("no valid proposals")
	// ErrNoFallbackSteps is returned by a fallback strategy with an empty step list.
	ErrNoFallbackSteps = errors.New("Fallback strategy has no steps") //nolint:staticcheck // message is part of the contract
	// ErrAgentNotFound is returned when a name has no registered agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrEmptyPlan is returned when a plan has no steps to run.
	ErrEmptyPlan = errors.New("plan has no steps")
)

// CycleError reports a circular dependency. Path starts and ends on the same step.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// DependencyError reports a reference to a step or agent that does not exist.
type DependencyError struct {
	StepID  string
	Missing []string
	Agent   string
}

func (e *DependencyError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("step %s: unknown agent %q", e.StepID, e.Agent)
	}
	return fmt.Sprintf("step %s: missing dependencies [%s]", e.StepID, strings.Join(e.Missing, ", "))
}

// TimeoutError reports a step that exceeded its budget.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout after %dms", e.Timeout.Milliseconds())
}

// ExecutionError wraps a failure reported by a capability provider.
type ExecutionError struct {
	StepID string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// AggregationError is returned alongside a plan result whose success is false.
type AggregationError struct {
	Failed []string
	Errors []string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("%d step(s) failed [%s]: %s",
		len(e.Failed), strings.Join(e.Failed, ", "), strings.Join(e.Errors, "; "))
}

// Package model holds the shapes shared by the planner, the workflow engine,
// the conflict resolver and the agents.
package model

import (
	"strings"
	"time"
)

// Action identifies the handler a step is dispatched to.
type Action string

const (
	ActionPriceCheck Action = "price_check"
	ActionQuote      Action = "quote"
	ActionValidate   Action = "validate"
	ActionExecute    Action = "execute"
	ActionFetch      Action = "fetch"
	ActionAnalyze    Action = "analyze"
	ActionDefault    Action = "default"
)

var knownActions = map[string]Action{
	string(ActionPriceCheck): ActionPriceCheck,
	string(ActionQuote):      ActionQuote,
	string(ActionValidate):   ActionValidate,
	string(ActionExecute):    ActionExecute,
	string(ActionFetch):      ActionFetch,
	string(ActionAnalyze):    ActionAnalyze,
	string(ActionDefault):    ActionDefault,
}

// ParseAction normalizes s into an Action. Unknown names are kept as custom
// actions so third-party agents can define their own handlers.
func ParseAction(s string) Action {
	norm := strings.ToLower(strings.TrimSpace(s))
	if a, ok := knownActions[norm]; ok {
		return a
	}
	return Action(norm)
}

// Known reports whether a is one of the builtin actions.
func (a Action) Known() bool {
	_, ok := knownActions[string(a)]
	return ok
}

// Task is a caller-supplied unit of work.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Priority int            `json:"priority"`
}

// SubTask is the payload handed to Registry.Delegate.
type SubTask struct {
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Priority int            `json:"priority"`
}

// Step is one schedulable unit within a Plan.
type Step struct {
	ID        string         `json:"id"`
	Action    Action         `json:"action"`
	Agent     string         `json:"agent"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Timeout   time.Duration  `json:"timeout"`
}

// DependencyKind describes how strongly two steps are coupled.
type DependencyKind string

// DependencyHard means To cannot start until From has finished.
const DependencyHard DependencyKind = "hard"

// Dependency is an edge derived from Step.DependsOn.
type Dependency struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind DependencyKind `json:"kind"`
}

// Complexity is the orchestrator's coarse classification of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// FallbackKind tags how a fallback strategy was synthesized.
type FallbackKind string

const (
	FallbackRetry            FallbackKind = "retry"
	FallbackAlternativeAgent FallbackKind = "alternative_agent"
)

// FallbackStrategy is an alternate step list tried after the primary
// execution fails. Lower Priority runs first.
type FallbackStrategy struct {
	ID       string       `json:"id"`
	Trigger  string       `json:"trigger"`
	Kind     FallbackKind `json:"kind"`
	Steps    []Step       `json:"steps"`
	Priority int          `json:"priority"`
}

// Plan is the dependency-annotated, immutable form of a Task.
type Plan struct {
	ID                string             `json:"id"`
	TaskID            string             `json:"task_id"`
	TaskType          string             `json:"task_type,omitempty"`
	Steps             []Step             `json:"steps"`
	Dependencies      []Dependency       `json:"dependencies"`
	EstimatedDuration time.Duration      `json:"estimated_duration"`
	Resources         []string           `json:"resources,omitempty"`
	Fallbacks         []FallbackStrategy `json:"fallbacks,omitempty"`
	Complexity        Complexity         `json:"complexity,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// HasDependencies reports whether any step depends on another.
func (p *Plan) HasDependencies() bool {
	for _, s := range p.Steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// Proposal is a candidate course of action submitted by one agent.
type Proposal struct {
	Action        string         `json:"action"`
	Params        map[string]any `json:"params"`
	Confidence    float64        `json:"confidence"`
	EstimatedCost float64        `json:"estimated_cost"`
	EstimatedTime time.Duration  `json:"estimated_time"`
	Agent         string         `json:"agent"`
	Rationale     string         `json:"rationale"`
}

// ValidationResult is what Agent.Validate reports about a Result.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

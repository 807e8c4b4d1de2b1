package planner

import (
	"time"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// Agent names the decomposition table assigns steps to.
const (
	AgentMarket   = "market"
	AgentRisk     = "risk"
	AgentExecutor = "executor"
	AgentAnalyst  = "analyst"
	AgentDefault  = "default"
)

// template is one row of a decomposition: a step skeleton whose params are
// merged over the task params.
type template struct {
	id        string
	action    model.Action
	agent     string
	params    map[string]any
	dependsOn []string
	timeout   time.Duration
}

var decompositions = map[string][]template{
	"swap": {
		{id: "price_check", action: model.ActionPriceCheck, agent: AgentMarket, timeout: 5 * time.Second},
		{id: "quote", action: model.ActionQuote, agent: AgentMarket, dependsOn: []string{"price_check"},
			params: map[string]any{"price": "${price_check.price}"}, timeout: 10 * time.Second},
		{id: "validate", action: model.ActionValidate, agent: AgentRisk, dependsOn: []string{"quote"},
			params: map[string]any{"quote": "${quote}"}, timeout: 5 * time.Second},
		{id: "execute", action: model.ActionExecute, agent: AgentExecutor, dependsOn: []string{"validate"},
			params: map[string]any{"quote_id": "${quote.quote_id}", "approved": "${validate.approved}"}, timeout: 30 * time.Second},
	},
	"transfer": {
		{id: "validate", action: model.ActionValidate, agent: AgentRisk, timeout: 5 * time.Second},
		{id: "execute", action: model.ActionExecute, agent: AgentExecutor, dependsOn: []string{"validate"},
			params: map[string]any{"approved": "${validate.approved}"}, timeout: 30 * time.Second},
	},
	"analysis": {
		{id: "fetch", action: model.ActionFetch, agent: AgentMarket, timeout: 10 * time.Second},
		{id: "price_check", action: model.ActionPriceCheck, agent: AgentMarket, timeout: 5 * time.Second},
		{id: "analyze", action: model.ActionAnalyze, agent: AgentAnalyst, dependsOn: []string{"fetch", "price_check"},
			params: map[string]any{"dataset": "${fetch}", "price": "${price_check.price}"}, timeout: 15 * time.Second},
	},
}

var defaultDecomposition = []template{
	{id: "default", action: model.ActionDefault, agent: AgentDefault, timeout: 30 * time.Second},
}

// Decompose expands a task into its canonical step template. Unknown task
// types yield a single default step.
func Decompose(task *model.Task) []model.Step {
	rows, ok := decompositions[task.Type]
	if !ok {
		rows = defaultDecomposition
	}

	steps := make([]model.Step, 0, len(rows))
	for _, row := range rows {
		params := make(map[string]any, len(task.Params)+len(row.params))
		for k, v := range task.Params {
			params[k] = v
		}
		for k, v := range row.params {
			params[k] = v
		}
		steps = append(steps, model.Step{
			ID:        row.id,
			Action:    row.action,
			Agent:     row.agent,
			Params:    params,
			DependsOn: append([]string(nil), row.dependsOn...),
			Timeout:   row.timeout,
		})
	}
	return steps
}

// TaskTypes lists the task types with a dedicated decomposition.
func TaskTypes() []string {
	return []string{"analysis", "swap", "transfer"}
}

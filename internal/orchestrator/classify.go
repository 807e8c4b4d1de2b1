package orchestrator

import (
	"sort"
	"strings"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

var (
	highKeywords   = []string{"swap", "bridge", "batch", "multi", "arbitrage", "deploy"}
	mediumKeywords = []string{"transfer", "stake", "mint", "approve", "analysis"}
)

// Classify rates a task by its type keywords and parameter count.
func Classify(task *model.Task) model.Complexity {
	typ := strings.ToLower(task.Type)
	switch {
	case containsAny(typ, highKeywords) || len(task.Params) > 5:
		return model.ComplexityHigh
	case containsAny(typ, mediumKeywords) || len(task.Params) > 2:
		return model.ComplexityMedium
	default:
		return model.ComplexityLow
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Resource tags. They are declarations only; nothing is leased.
const (
	ResourcePriceFeed   = "price-feed"
	ResourceRPCEndpoint = "rpc-endpoint"
	ResourceSigner      = "signer"
)

var actionResources = map[model.Action][]string{
	model.ActionPriceCheck: {ResourcePriceFeed},
	model.ActionQuote:      {ResourcePriceFeed},
	model.ActionFetch:      {ResourcePriceFeed},
	model.ActionValidate:   {ResourceRPCEndpoint},
	model.ActionAnalyze:    {ResourceRPCEndpoint},
	model.ActionExecute:    {ResourceRPCEndpoint, ResourceSigner},
}

// Resources returns the sorted, deduplicated resource tags steps need.
func Resources(steps []model.Step) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range steps {
		for _, r := range actionResources[s.Action] {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Fallbacks synthesizes the strategies for plan: a retry of the primary
// steps for high complexity, and for medium or high an alternative-agent
// strategy that re-owns steps to configured alternates. The alternative
// strategy is empty when no step has an alternate.
func Fallbacks(plan *model.Plan, complexity model.Complexity, alternates map[string]string) []model.FallbackStrategy {
	var out []model.FallbackStrategy
	if complexity == model.ComplexityHigh {
		out = append(out, model.FallbackStrategy{
			ID:       plan.ID + ":retry",
			Trigger:  "execution_failed",
			Kind:     model.FallbackRetry,
			Steps:    copySteps(plan.Steps),
			Priority: 1,
		})
	}
	if complexity == model.ComplexityHigh || complexity == model.ComplexityMedium {
		out = append(out, model.FallbackStrategy{
			ID:       plan.ID + ":alternative",
			Trigger:  "agent_failed",
			Kind:     model.FallbackAlternativeAgent,
			Steps:    reassign(plan.Steps, alternates),
			Priority: 2,
		})
	}
	return out
}

func reassign(steps []model.Step, alternates map[string]string) []model.Step {
	moved := false
	out := copySteps(steps)
	for i := range out {
		if alt, ok := alternates[out[i].Agent]; ok && alt != "" && alt != out[i].Agent {
			out[i].Agent = alt
			moved = true
		}
	}
	if !moved {
		return nil
	}
	return out
}

func copySteps(steps []model.Step) []model.Step {
	out := make([]model.Step, len(steps))
	for i, s := range steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Params != nil {
			params := make(map[string]any, len(s.Params))
			for k, v := range s.Params {
				params[k] = v
			}
			s.Params = params
		}
		out[i] = s
	}
	return out
}

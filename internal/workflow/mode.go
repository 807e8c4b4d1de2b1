package workflow

import (
	"github.com/nidhogg/nuka-tasks/internal/model"
	"github.com/nidhogg/nuka-tasks/internal/planner"
)

// Mode defines how the steps of a plan are scheduled.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeHybrid     Mode = "hybrid"
)

// DetermineMode picks the execution mode from the dependency graph alone:
// no edges runs everything in parallel, a single chain (one step per level)
// runs sequentially, anything else runs level by level.
func DetermineMode(plan *model.Plan) (Mode, error) {
	if !plan.HasDependencies() {
		return ModeParallel, nil
	}
	groups, err := planner.GroupByLevel(plan.Steps)
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if len(g) > 1 {
			return ModeHybrid, nil
		}
	}
	return ModeSequential, nil
}

package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// ErrDuplicateStep is returned when two steps share an id.
var ErrDuplicateStep = errors.New("duplicate step id")

func index(steps []model.Step) (map[string]*model.Step, error) {
	idx := make(map[string]*model.Step, len(steps))
	for i := range steps {
		s := &steps[i]
		if _, dup := idx[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID)
		}
		idx[s.ID] = s
	}
	return idx, nil
}

// ResolveDependencies derives one hard edge per DependsOn entry. It fails on
// the first unknown reference and returns no edges in that case.
func ResolveDependencies(steps []model.Step) ([]model.Dependency, error) {
	idx, err := index(steps)
	if err != nil {
		return nil, err
	}
	var deps []model.Dependency
	for _, s := range steps {
		var missing []string
		for _, dep := range s.DependsOn {
			if _, ok := idx[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return nil, &model.DependencyError{StepID: s.ID, Missing: missing}
		}
		for _, dep := range s.DependsOn {
			deps = append(deps, model.Dependency{From: dep, To: s.ID, Kind: model.DependencyHard})
		}
	}
	return deps, nil
}

type frame struct {
	id   string
	next int
}

// walk runs an iterative depth-first traversal over the DependsOn edges,
// keeping a visiting set for the current stack and a visited set for finished
// nodes. post is called once per step after all of its dependencies.
func walk(steps []model.Step, post func(s *model.Step)) error {
	idx, err := index(steps)
	if err != nil {
		return err
	}
	visiting := make(map[string]bool, len(steps))
	visited := make(map[string]bool, len(steps))

	for _, root := range steps {
		if visited[root.ID] {
			continue
		}
		stack := []frame{{id: root.ID}}
		visiting[root.ID] = true

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			node := idx[top.id]

			if top.next < len(node.DependsOn) {
				dep := node.DependsOn[top.next]
				top.next++
				if _, ok := idx[dep]; !ok {
					return &model.DependencyError{StepID: node.ID, Missing: []string{dep}}
				}
				if visiting[dep] {
					return &model.CycleError{Path: cyclePath(stack, dep)}
				}
				if visited[dep] {
					continue
				}
				visiting[dep] = true
				stack = append(stack, frame{id: dep})
				continue
			}

			delete(visiting, node.ID)
			visited[node.ID] = true
			stack = stack[:len(stack)-1]
			if post != nil {
				post(node)
			}
		}
	}
	return nil
}

func cyclePath(stack []frame, repeat string) []string {
	start := 0
	for i, f := range stack {
		if f.id == repeat {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	return append(path, repeat)
}

// DetectCycle returns a *model.CycleError when any step transitively depends
// on itself.
func DetectCycle(steps []model.Step) error {
	return walk(steps, nil)
}

// TopologicalSort orders steps so that each one follows all of its
// dependencies. Independent steps keep their input order.
func TopologicalSort(steps []model.Step) ([]model.Step, error) {
	sorted := make([]model.Step, 0, len(steps))
	err := walk(steps, func(s *model.Step) {
		sorted = append(sorted, *s)
	})
	if err != nil {
		return nil, err
	}
	return sorted, nil
}

// Levels assigns each step its dependency level: 0 without dependencies,
// otherwise one more than the deepest dependency.
func Levels(steps []model.Step) (map[string]int, error) {
	sorted, err := TopologicalSort(steps)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(sorted))
	for _, s := range sorted {
		lvl := 0
		for _, dep := range s.DependsOn {
			if l := levels[dep] + 1; l > lvl {
				lvl = l
			}
		}
		levels[s.ID] = lvl
	}
	return levels, nil
}

// GroupByLevel returns step groups in level order; each group keeps plan order.
func GroupByLevel(steps []model.Step) ([][]model.Step, error) {
	levels, err := Levels(steps)
	if err != nil {
		return nil, err
	}
	depth := 0
	for _, l := range levels {
		if l+1 > depth {
			depth = l + 1
		}
	}
	groups := make([][]model.Step, depth)
	for _, s := range steps {
		l := levels[s.ID]
		groups[l] = append(groups[l], s)
	}
	return groups, nil
}

// EstimateExecutionTime sums step timeouts along the topological order,
// which stands in for the critical path. Steps without a timeout count as
// fallback.
func EstimateExecutionTime(steps []model.Step, fallback time.Duration) time.Duration {
	ordered, err := TopologicalSort(steps)
	if err != nil {
		ordered = steps
	}
	var total time.Duration
	for _, s := range ordered {
		total += timeoutOr(s.Timeout, fallback)
	}
	return total
}

// CriticalPath returns the longest timeout-weighted dependency chain and its
// summed duration.
func CriticalPath(steps []model.Step, fallback time.Duration) ([]string, time.Duration, error) {
	sorted, err := TopologicalSort(steps)
	if err != nil {
		return nil, 0, err
	}
	dist := make(map[string]time.Duration, len(sorted))
	prev := make(map[string]string, len(sorted))

	var end string
	var best time.Duration = -1
	for _, s := range sorted {
		var base time.Duration
		var from string
		for _, dep := range s.DependsOn {
			if from == "" || dist[dep] > base {
				base = dist[dep]
				from = dep
			}
		}
		if from != "" {
			prev[s.ID] = from
		}
		dist[s.ID] = base + timeoutOr(s.Timeout, fallback)
		if dist[s.ID] > best {
			best = dist[s.ID]
			end = s.ID
		}
	}
	if end == "" {
		return nil, 0, nil
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, best, nil
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

package workflow

import (
	"regexp"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// refPattern matches a whole value of the form ${step} or ${step.field}.
var refPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_\-]+)(?:\.([A-Za-z0-9_\-]+))?\}$`)

// ref is a parsed reference to a prior step's output.
type ref struct {
	step    string
	field   string
	literal string
}

func parseRef(s string) (*ref, bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return &ref{step: m[1], field: m[2], literal: s}, true
}

// compileParams replaces reference strings with parsed refs so a plan's
// templates are parsed once per execution. The input is not modified.
func compileParams(v any) any {
	switch t := v.(type) {
	case string:
		if r, ok := parseRef(t); ok {
			return r
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = compileParams(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = compileParams(val)
		}
		return out
	default:
		return v
	}
}

// resolveParams substitutes refs with prior results. A ref to a missing step
// or field resolves to its literal text.
func resolveParams(v any, results map[string]*model.Result) any {
	switch t := v.(type) {
	case *ref:
		return t.resolve(results)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = resolveParams(val, results)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolveParams(val, results)
		}
		return out
	default:
		return v
	}
}

func (r *ref) resolve(results map[string]*model.Result) any {
	res, ok := results[r.step]
	if !ok || res == nil {
		return r.literal
	}
	if r.field == "" {
		return res.Data
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		return r.literal
	}
	val, ok := data[r.field]
	if !ok {
		return r.literal
	}
	return val
}

// ResolveParams resolves ${step} and ${step.field} references in params
// against prior results.
func ResolveParams(params map[string]any, results map[string]*model.Result) map[string]any {
	if params == nil {
		return nil
	}
	return resolveParams(compileParams(params), results).(map[string]any)
}

// References lists the step ids params refer to.
func References(params map[string]any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case *ref:
			out = append(out, t.step)
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(compileParams(params))
	return out
}

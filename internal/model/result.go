package model

import (
	"strings"
	"time"
)

// Result is produced exactly once per executed step, and once more for the
// aggregate of a whole plan. It is not modified after it is returned.
type Result struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewSuccess builds a successful result carrying data.
func NewSuccess(data any, metadata map[string]any) *Result {
	return &Result{
		Success:   true,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
}

// NewFailure builds a failed result from err. Data may be kept for diagnostics.
func NewFailure(err error, data any, metadata map[string]any) *Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		Success:   false,
		Data:      data,
		Error:     msg,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
}

// NewAggregate builds the plan-level result from per-step outcomes.
func NewAggregate(success bool, data map[string]any, errs []string, metadata map[string]any) *Result {
	return &Result{
		Success:   success,
		Data:      data,
		Error:     strings.Join(errs, "; "),
		Errors:    errs,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
}

// DataMap returns Data as a map when it is one.
func (r *Result) DataMap() (map[string]any, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.Data.(map[string]any)
	return m, ok
}

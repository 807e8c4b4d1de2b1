// Package events publishes execution progress so observers can follow a plan
// while it runs.
package events

import (
	"context"
	"time"
)

// Type names an execution event.
type Type string

const (
	StepStarted    Type = "step.started"
	StepFinished   Type = "step.finished"
	PlanFinished   Type = "plan.finished"
	FallbackFailed Type = "fallback.failed"
)

// Event is one progress record.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	PlanID    string         `json:"plan_id"`
	StepID    string         `json:"step_id,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus receives events. Publish must not block execution for long; failures
// are logged by callers and never fail a plan.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// Recorder keeps events in memory. Safe for concurrent use.
type Recorder struct {
	ch chan *Event
}

// NewRecorder creates a recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan *Event, size)}
}

func (r *Recorder) Publish(_ context.Context, ev *Event) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []*Event {
	var out []*Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

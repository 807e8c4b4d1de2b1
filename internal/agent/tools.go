package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// Handler performs one action with resolved params and returns its data.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Actions maps action identifiers to typed handlers.
type Actions struct {
	handlers map[model.Action]Handler
}

// NewActions creates an empty dispatch table.
func NewActions() *Actions {
	return &Actions{handlers: make(map[model.Action]Handler)}
}

// Register binds a handler to an action, replacing any previous binding.
func (t *Actions) Register(action model.Action, h Handler) *Actions {
	t.handlers[action] = h
	return t
}

// Lookup returns the handler bound to action.
func (t *Actions) Lookup(action model.Action) (Handler, bool) {
	h, ok := t.handlers[action]
	return h, ok
}

// Supported returns the bound actions in sorted order.
func (t *Actions) Supported() []model.Action {
	out := make([]model.Action, 0, len(t.handlers))
	for a := range t.handlers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs the handler bound to action.
func (t *Actions) Execute(ctx context.Context, action model.Action, params map[string]any) (any, error) {
	h, ok := t.handlers[action]
	if !ok {
		return nil, fmt.Errorf("unsupported action: %s", action)
	}
	return h(ctx, params)
}

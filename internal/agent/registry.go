package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"go.uber.org/zap"
)

// Registry is a name-keyed set of agents. Instances are passed explicitly to
// the components that need them; there is no process-wide registry.
//
// Register and Unregister must not race with an execution that resolves
// agents from the same registry.
type Registry struct {
	agents map[string]Agent
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger,
	}
}

// Register adds or replaces an agent under its name.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
	r.logger.Info("registered agent", zap.String("name", a.Name()))
}

// Unregister removes the agent with the given name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; ok {
		delete(r.agents, name)
		r.logger.Info("unregistered agent", zap.String("name", name))
	}
}

// Get returns an agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns all agents sorted by name.
func (r *Registry) List() []Agent {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(names))
	for _, n := range names {
		if a, ok := r.agents[n]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Delegate converts sub into a Task and runs it through the named agent's
// plan/execute/validate cycle.
func (r *Registry) Delegate(ctx context.Context, sub *model.SubTask, name string) (*model.Result, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("delegate to %q: %w", name, model.ErrAgentNotFound)
	}
	task := &model.Task{
		ID:       uuid.New().String(),
		Type:     sub.Type,
		Params:   sub.Params,
		Priority: sub.Priority,
	}
	r.logger.Debug("delegating task",
		zap.String("agent", name),
		zap.String("task", task.ID),
		zap.String("type", task.Type))
	return ExecuteTask(ctx, a, task)
}

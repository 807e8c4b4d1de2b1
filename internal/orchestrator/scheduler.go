package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-tasks/internal/agent"
	"github.com/nidhogg/nuka-tasks/internal/model"
)

// Scheduler runs independent tasks through the orchestrator concurrently.
type Scheduler struct {
	orch    *Orchestrator
	mu      sync.RWMutex
	running map[string]*TaskRun
	pool    chan struct{} // semaphore-based pool
	logger  *zap.Logger
}

// NewScheduler creates a scheduler with a bounded goroutine pool.
func NewScheduler(orch *Orchestrator, poolSize int, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Scheduler{
		orch:    orch,
		running: make(map[string]*TaskRun),
		pool:    make(chan struct{}, poolSize),
		logger:  logger,
	}
}

// Dispatch executes tasks in parallel, returning results via channel. The
// channel is closed once every task has finished.
func (s *Scheduler) Dispatch(ctx context.Context, tasks []*model.Task) <-chan *TaskRun {
	results := make(chan *TaskRun, len(tasks))
	var wg sync.WaitGroup

	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		s.track(&TaskRun{Index: i, TaskID: t.ID, Type: t.Type, Status: TaskPending})
		wg.Add(1)
		go func(i int, task *model.Task) {
			defer wg.Done()
			select {
			case s.pool <- struct{}{}: // acquire slot
				defer func() { <-s.pool }()
			case <-ctx.Done():
				s.untrack(task.ID)
				results <- &TaskRun{Index: i, TaskID: task.ID, Type: task.Type, Status: TaskCancelled, Error: ctx.Err().Error()}
				return
			}
			results <- s.executeTask(ctx, i, task)
		}(i, t)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// RunAll dispatches tasks and returns their runs in input order.
func (s *Scheduler) RunAll(ctx context.Context, tasks []*model.Task) []*TaskRun {
	runs := make([]*TaskRun, 0, len(tasks))
	for r := range s.Dispatch(ctx, tasks) {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Index < runs[j].Index })
	return runs
}

// executeTask plans, runs and validates a single task.
func (s *Scheduler) executeTask(ctx context.Context, i int, task *model.Task) *TaskRun {
	start := time.Now()
	run := &TaskRun{Index: i, TaskID: task.ID, Type: task.Type, Status: TaskRunning, StartedAt: &start}

	s.track(run)
	defer s.untrack(task.ID)

	s.logger.Info("executing task",
		zap.String("task", task.ID),
		zap.String("type", task.Type))

	result, err := agent.ExecuteTask(ctx, s.orch, task)

	done := time.Now()
	out := &TaskRun{
		Index:       i,
		TaskID:      task.ID,
		Type:        task.Type,
		Status:      TaskDone,
		Result:      result,
		StartedAt:   &start,
		CompletedAt: &done,
		Duration:    done.Sub(start),
	}
	if result != nil {
		if id, ok := result.Metadata["plan_id"].(string); ok {
			out.PlanID = id
		}
	}
	if err != nil {
		out.Status = TaskFailed
		out.Error = err.Error()
	}
	return out
}

func (s *Scheduler) track(run *TaskRun) {
	s.mu.Lock()
	s.running[run.TaskID] = run
	s.mu.Unlock()
}

func (s *Scheduler) untrack(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// Running returns snapshots of tasks that are waiting for a slot or executing.
func (s *Scheduler) Running() []TaskRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]TaskRun, 0, len(s.running))
	for _, r := range s.running {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Index < runs[j].Index })
	return runs
}

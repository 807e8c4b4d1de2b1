package orchestrator

import (
	"time"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// TaskStatus tracks a dispatched task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskRun is one task dispatched through the Scheduler.
type TaskRun struct {
	// Index is the task's position in the dispatched batch.
	Index       int           `json:"index"`
	TaskID      string        `json:"task_id"`
	Type        string        `json:"type"`
	PlanID      string        `json:"plan_id,omitempty"`
	Status      TaskStatus    `json:"status"`
	Result      *model.Result `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-tasks/internal/model"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Run is one journaled plan execution.
type Run struct {
	ID         string        `json:"id"`
	PlanID     string        `json:"plan_id"`
	TaskID     string        `json:"task_id"`
	TaskType   string        `json:"task_type"`
	Complexity string        `json:"complexity"`
	Mode       string        `json:"mode"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Fallback   string        `json:"fallback,omitempty"`
	StepCount  int           `json:"step_count"`
	DurationMS int64         `json:"duration_ms"`
	Result     *model.Result `json:"result,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RecordRun inserts run, assigning an id and timestamp when missing.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("record run: invalid id %q: %w", run.ID, err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	var resultJSON []byte
	if run.Result != nil {
		resultJSON, err = json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, plan_id, task_id, task_type, complexity, mode,
			success, error, fallback, step_count, duration_ms, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, run.PlanID, run.TaskID, run.TaskType, run.Complexity, run.Mode,
		run.Success, run.Error, run.Fallback, run.StepCount, run.DurationMS, resultJSON, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	s.logger.Debug("run recorded", zap.String("run", run.ID), zap.Bool("success", run.Success))
	return nil
}

const runColumns = `id, plan_id, task_id, task_type, complexity, mode,
	success, error, fallback, step_count, duration_ms, result, created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var (
		r          Run
		id         uuid.UUID
		resultJSON []byte
	)
	if err := row.Scan(&id, &r.PlanID, &r.TaskID, &r.TaskType, &r.Complexity, &r.Mode,
		&r.Success, &r.Error, &r.Fallback, &r.StepCount, &r.DurationMS, &resultJSON, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ID = id.String()
	if len(resultJSON) > 0 {
		r.Result = &model.Result{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `SELECT `+runColumns+`
		FROM runs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrRunNotFound
	}
	r, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

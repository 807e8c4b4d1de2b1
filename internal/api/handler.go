package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-tasks/internal/agent"
	"github.com/nidhogg/nuka-tasks/internal/conflict"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"github.com/nidhogg/nuka-tasks/internal/orchestrator"
	"github.com/nidhogg/nuka-tasks/internal/store"
)

// RunStore is the read side of the run journal.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]*store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	sched    *orchestrator.Scheduler
	registry *agent.Registry
	resolver *conflict.Resolver
	runs     RunStore
	logger   *zap.Logger
}

// NewHandler creates a new API handler. runs may be nil when no journal is configured.
func NewHandler(
	orch *orchestrator.Orchestrator,
	sched *orchestrator.Scheduler,
	registry *agent.Registry,
	resolver *conflict.Resolver,
	runs RunStore,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orch:     orch,
		sched:    sched,
		registry: registry,
		resolver: resolver,
		runs:     runs,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)

		r.Post("/plans", h.createPlan)
		r.Post("/tasks", h.runTask)
		r.Post("/tasks/batch", h.runBatch)
		r.Get("/tasks/running", h.runningTasks)
		r.Post("/delegate/{agent}", h.delegate)
		r.Post("/decide", h.decide)
		r.Post("/proposals/resolve", h.resolveProposals)

		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.registry.Names()})
}

func decodeTask(r *http.Request) (*model.Task, error) {
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		return nil, err
	}
	if task.Type == "" {
		return nil, errors.New("task type is required")
	}
	return &task, nil
}

func (h *Handler) createPlan(w http.ResponseWriter, r *http.Request) {
	task, err := decodeTask(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	plan, err := h.orch.Plan(r.Context(), task)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type taskResponse struct {
	Plan       *model.Plan             `json:"plan"`
	Result     *model.Result           `json:"result,omitempty"`
	Validation *model.ValidationResult `json:"validation,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func (h *Handler) runTask(w http.ResponseWriter, r *http.Request) {
	task, err := decodeTask(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ctx := r.Context()
	plan, err := h.orch.Plan(ctx, task)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	resp := taskResponse{Plan: plan}
	result, err := h.orch.Execute(ctx, plan)
	resp.Result = result
	if result != nil {
		resp.Validation = h.orch.Validate(ctx, result)
	}
	status := http.StatusOK
	switch {
	case err != nil:
		resp.Error = err.Error()
		status = http.StatusUnprocessableEntity
	case resp.Validation != nil && !resp.Validation.Valid:
		status = http.StatusUnprocessableEntity
	}
	h.logger.Info("task handled",
		zap.String("task", task.ID),
		zap.String("type", task.Type),
		zap.Int("status", status))
	writeJSON(w, status, resp)
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request) {
	var tasks []*model.Task
	if err := json.NewDecoder(r.Body).Decode(&tasks); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no tasks"})
		return
	}
	for i, t := range tasks {
		if t == nil || t.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task " + strconv.Itoa(i) + ": type is required"})
			return
		}
	}

	runs := h.sched.RunAll(r.Context(), tasks)
	failed := 0
	for _, run := range runs {
		if run.Status != orchestrator.TaskDone {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "failed": failed})
}

func (h *Handler) runningTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Running())
}

func (h *Handler) delegate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agent")
	var sub model.SubTask
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.registry.Delegate(r.Context(), &sub, name)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, model.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	task, err := decodeTask(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.orch.Decide(r.Context(), task)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "resolution": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// proposalRequest carries a proposal with its time in milliseconds.
type proposalRequest struct {
	Action          string         `json:"action"`
	Params          map[string]any `json:"params"`
	Confidence      float64        `json:"confidence"`
	EstimatedCost   float64        `json:"estimated_cost"`
	EstimatedTimeMS int64          `json:"estimated_time_ms"`
	Agent           string         `json:"agent"`
	Rationale       string         `json:"rationale"`
}

func (p proposalRequest) proposal() *model.Proposal {
	return &model.Proposal{
		Action:        p.Action,
		Params:        p.Params,
		Confidence:    p.Confidence,
		EstimatedCost: p.EstimatedCost,
		EstimatedTime: time.Duration(p.EstimatedTimeMS) * time.Millisecond,
		Agent:         p.Agent,
		Rationale:     p.Rationale,
	}
}

func (h *Handler) resolveProposals(w http.ResponseWriter, r *http.Request) {
	var req []proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	proposals := make([]*model.Proposal, len(req))
	for i, p := range req {
		proposals[i] = p.proposal()
	}

	res, err := h.resolver.Evaluate(proposals)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "rejected": res.Rejected})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run journal not configured"})
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run journal not configured"})
		return
	}
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

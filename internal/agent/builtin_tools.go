package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-tasks/internal/model"
	"github.com/nidhogg/nuka-tasks/internal/planner"
	"go.uber.org/zap"
)

// RegisterBuiltinAgents installs dry-run capability providers for every agent
// the decomposition table references. They perform no I/O; a "delay_ms"
// param makes any action sleep before answering.
func RegisterBuiltinAgents(reg *Registry, logger *zap.Logger) {
	market := NewActions().
		Register(model.ActionPriceCheck, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			return map[string]any{
				"pair":   p["pair"],
				"price":  floatParam(p, "price", 1.0),
				"source": "dry-run",
			}, nil
		}).
		Register(model.ActionQuote, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			price := floatParam(p, "price", 1.0)
			amount := floatParam(p, "amount", 1.0)
			return map[string]any{
				"quote_id": uuid.New().String(),
				"price":    price,
				"amount":   amount * price,
			}, nil
		}).
		Register(model.ActionFetch, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			return map[string]any{"records": int(floatParam(p, "records", 0)), "source": "dry-run"}, nil
		})
	reg.Register(NewToolAgent(planner.AgentMarket, market, logger,
		WithStepTimeout(10*time.Second),
		WithPropose(fixedProposal(model.ActionQuote, 0.7, 2, 3*time.Second,
			"quote derived from current price data, verified against the feed"))))

	risk := NewActions().
		Register(model.ActionValidate, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			limit := floatParam(p, "max_amount", 0)
			amount := floatParam(p, "amount", 0)
			if limit > 0 && amount > limit {
				return map[string]any{"approved": false, "reason": fmt.Sprintf("amount %.4f exceeds limit %.4f", amount, limit)}, nil
			}
			return map[string]any{"approved": true}, nil
		})
	reg.Register(NewToolAgent(planner.AgentRisk, risk, logger, WithStepTimeout(5*time.Second)))

	executor := NewActions().
		Register(model.ActionExecute, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			if approved, ok := p["approved"].(bool); ok && !approved {
				return nil, fmt.Errorf("execution not approved")
			}
			return map[string]any{"status": "submitted", "tx_id": uuid.New().String()}, nil
		})
	reg.Register(NewToolAgent(planner.AgentExecutor, executor, logger,
		WithStepTimeout(30*time.Second),
		WithPropose(fixedProposal(model.ActionExecute, 0.8, 5, 10*time.Second,
			"direct execution because the quote was already validated"))))

	analyst := NewActions().
		Register(model.ActionAnalyze, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			return map[string]any{
				"summary": fmt.Sprintf("analyzed dataset at price %.4f", floatParam(p, "price", 0)),
				"dataset": p["dataset"],
			}, nil
		})
	reg.Register(NewToolAgent(planner.AgentAnalyst, analyst, logger, WithStepTimeout(15*time.Second)))

	fallback := NewActions().
		Register(model.ActionDefault, func(ctx context.Context, p map[string]any) (any, error) {
			if err := simulateLatency(ctx, p); err != nil {
				return nil, err
			}
			return map[string]any{"echo": p}, nil
		})
	reg.Register(NewToolAgent(planner.AgentDefault, fallback, logger))
}

func fixedProposal(action model.Action, confidence, cost float64, eta time.Duration, rationale string) ProposeFunc {
	return func(_ context.Context, task *model.Task) (*model.Proposal, error) {
		return &model.Proposal{
			Action:        string(action),
			Params:        map[string]any{"task": task.ID},
			Confidence:    confidence,
			EstimatedCost: cost,
			EstimatedTime: eta,
			Rationale:     rationale,
		}, nil
	}
}

func simulateLatency(ctx context.Context, p map[string]any) error {
	ms := floatParam(p, "delay_ms", 0)
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func floatParam(p map[string]any, key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

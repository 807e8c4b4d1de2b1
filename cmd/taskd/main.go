package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-tasks/internal/agent"
	"github.com/nidhogg/nuka-tasks/internal/api"
	"github.com/nidhogg/nuka-tasks/internal/config"
	"github.com/nidhogg/nuka-tasks/internal/conflict"
	"github.com/nidhogg/nuka-tasks/internal/events"
	"github.com/nidhogg/nuka-tasks/internal/orchestrator"
	"github.com/nidhogg/nuka-tasks/internal/planner"
	"github.com/nidhogg/nuka-tasks/internal/store"
	"github.com/nidhogg/nuka-tasks/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/taskd.json"
	}
	cfg, found, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting taskd...", zap.String("config", cfgPath), zap.Bool("config_found", found))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("taskd stopped", zap.Error(err))
	}
	logger.Info("taskd stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" || level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

// newResolver builds the conflict resolver from its config section.
// Default() supplies 0.5, so an explicit 0 in the file lowers the floor.
func newResolver(rc config.ResolverConfig) *conflict.Resolver {
	opts := []conflict.Option{conflict.WithMinConfidence(rc.MinConfidence)}
	if len(rc.QualityKeywords) > 0 {
		opts = append(opts, conflict.WithQualityKeywords(rc.QualityKeywords...))
	}
	if len(rc.VagueKeywords) > 0 {
		opts = append(opts, conflict.WithVagueKeywords(rc.VagueKeywords...))
	}
	return conflict.New(opts...)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Agents
	registry := agent.NewRegistry(logger)
	agent.RegisterBuiltinAgents(registry, logger)

	// Event bus
	var bus events.Bus = events.Nop{}
	var redisBus *events.RedisBus
	if cfg.Database.Redis.URL != "" {
		rb, err := events.NewRedisBus(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			defer rb.Close()
			redisBus, bus = rb, rb
			logger.Info("Redis event stream enabled", zap.String("stream", events.FirehoseStream()))
		}
	}

	// Run journal
	var journal api.RunStore
	var orchOpts []orchestrator.Option
	if cfg.Database.Postgres.DSN != "" {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ps, err := store.New(pctx, cfg.Database.Postgres.DSN, logger)
		cancel()
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without run journal", zap.Error(err))
		} else {
			defer ps.Close()
			if _, err := ps.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			journal = ps
			orchOpts = append(orchOpts, orchestrator.WithRecorder(ps))
		}
	}

	// Core
	plans := planner.New(cfg.Engine.DefaultStepTimeout.Std(), logger)
	engine := workflow.NewEngine(registry, logger,
		workflow.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		workflow.WithDefaultTimeout(cfg.Engine.DefaultStepTimeout.Std()),
		workflow.WithEvents(bus))

	resolver := newResolver(cfg.Resolver)

	orchOpts = append(orchOpts,
		orchestrator.WithLogger(logger),
		orchestrator.WithAlternates(cfg.Orchestrator.Alternates),
		orchestrator.WithEvents(bus))
	orch := orchestrator.New(plans, engine, resolver, registry, orchOpts...)
	registry.Register(orch)
	logger.Info("Orchestrator initialized", zap.Strings("agents", registry.Names()))

	sched := orchestrator.NewScheduler(orch, cfg.Engine.MaxConcurrency, logger)
	handler := api.NewHandler(orch, sched, registry, resolver, journal, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if redisBus != nil {
		g.Go(func() error {
			for ev := range redisBus.Subscribe(gctx, events.FirehoseStream()) {
				logger.Debug("event",
					zap.String("type", string(ev.Type)),
					zap.String("plan", ev.PlanID),
					zap.String("step", ev.StepID),
					zap.Bool("success", ev.Success))
			}
			return nil
		})
	}
	return g.Wait()
}

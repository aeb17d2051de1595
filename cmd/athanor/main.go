package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/athanor-ai/athanor"
	"github.com/athanor-ai/athanor/internal/config"
	"github.com/athanor-ai/athanor/internal/server"
	"github.com/athanor-ai/athanor/observer"
	"github.com/athanor-ai/athanor/provider/anthropic"
	"github.com/athanor-ai/athanor/provider/openaicompat"
	"github.com/athanor-ai/athanor/sandbox"
	"github.com/athanor-ai/athanor/store/postgres"
	"github.com/athanor-ai/athanor/store/sqlite"
	"github.com/athanor-ai/athanor/tools/calc"
	"github.com/athanor-ai/athanor/tools/clock"
	"github.com/athanor-ai/athanor/tools/code"
	"github.com/athanor-ai/athanor/tools/fetch"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(os.Getenv("ATHANOR_CONFIG"))
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store substrate
	var st athanor.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			logger.Error("init store", "error", err)
			os.Exit(1)
		}
		st = pg
	default:
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		defer s.Close()
		if err := s.Init(ctx); err != nil {
			logger.Error("init store", "error", err)
			os.Exit(1)
		}
		st = s
	}

	// Observability
	var tracer athanor.Tracer
	var metrics athanor.Metrics
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.PricingOverrides() {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			logger.Error("init observer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
		metrics = observer.NewMetrics(inst)
	}

	// Policy and quota
	policy := athanor.NewPolicy(cfg.TierPolicies(), cfg.DevModels)
	quota := athanor.NewQuota(st, policy, athanor.WithQuotaLogger(logger))

	// Tool catalog
	registry := athanor.NewRegistry()
	runner := sandbox.New(cfg.Sandbox.PythonBin,
		sandbox.WithTimeout(time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second),
		sandbox.WithWorkspace(cfg.Sandbox.Workspace),
	)
	for _, t := range []*athanor.Tool{
		calc.Tool(),
		clock.Tool(nil),
		fetch.Tool(),
		code.Tool(runner),
	} {
		if err := registry.Register(*t); err != nil {
			logger.Error("register tool", "tool", t.Name, "error", err)
			os.Exit(1)
		}
	}

	// Engine
	bus := athanor.NewBus(athanor.WithBusLogger(logger))
	executor := athanor.NewExecutor(registry, bus, st,
		athanor.WithExecutorLogger(logger),
		athanor.WithExecutorTracer(tracer),
		athanor.WithExecutorMetrics(metrics),
	)
	agents := cfg.AgentCatalog()

	orchOpts := []athanor.OrchestratorOption{
		athanor.WithAgents(agents),
		athanor.WithBus(bus),
		athanor.WithLogger(logger),
		athanor.WithTracer(tracer),
		athanor.WithMetrics(metrics),
		athanor.WithDefaultProvider(cfg.Providers.Default),
		athanor.WithMaxOutputTokens(cfg.Providers.MaxTokens),
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		anthOpts := []anthropic.Option{anthropic.WithModel(cfg.Providers.DefaultModel)}
		if cfg.Providers.Anthropic.BaseURL != "" {
			anthOpts = append(anthOpts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		p := anthropic.New(cfg.Providers.Anthropic.APIKey, anthOpts...)
		orchOpts = append(orchOpts, athanor.WithProvider(p.Name(), p))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		baseURL := cfg.Providers.OpenAI.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		p := openaicompat.New(cfg.Providers.OpenAI.APIKey, baseURL, openaicompat.WithName("openai"))
		orchOpts = append(orchOpts, athanor.WithProvider(p.Name(), p))
	}
	orch := athanor.NewOrchestrator(st, registry, executor, quota, policy, orchOpts...)

	council := athanor.NewCouncil(orch, st, quota, policy, agents, registry, bus,
		athanor.WithCouncilLogger(logger),
		athanor.WithCouncilTracer(tracer),
		athanor.WithCouncilMetrics(metrics),
		athanor.WithDefaultRounds(cfg.Council.MaxRounds),
		athanor.WithConvergence(athanor.NewConvergence(
			athanor.WithThreshold(cfg.Council.ConvergenceThreshold),
		)),
	)

	// HTTP surface
	srv := server.New(orch, council, bus, server.StaticAuth(cfg.TokenTable()),
		server.WithLogger(logger),
		server.WithRateLimiter(server.NewRateLimiter(cfg.Server.RateLimit)),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	logger.Info("athanor listening", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soracode/renga/internal/agent"
	"github.com/soracode/renga/internal/cancel"
	"github.com/soracode/renga/internal/config"
	"github.com/soracode/renga/internal/costs"
	"github.com/soracode/renga/internal/memory"
	"github.com/soracode/renga/internal/optimizer"
	"github.com/soracode/renga/internal/orchestrator"
	"github.com/soracode/renga/internal/profile"
	"github.com/soracode/renga/internal/providers"
	"github.com/soracode/renga/internal/scheduler"
	"github.com/soracode/renga/internal/sessions"
	"github.com/soracode/renga/internal/skills"
	"github.com/soracode/renga/internal/tools"
	"github.com/soracode/renga/internal/tracing"
)

// app holds the assembled runtime for one process.
type app struct {
	cfg       *config.Config
	profile   *profile.Profile
	store     *sessions.Store
	facade    *providers.Facade
	costs     *costs.Tracker
	optimizer *optimizer.Optimizer
	skills    *skills.Loader
	memoryIdx *memory.Index // nil without an embedder
	cancels   *cancel.Registry
	registry  *tools.Registry
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler // nil unless enabled

	shutdownTracing func(context.Context) error
}

// buildApp assembles every component from the configuration.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, "renga", cfg.Tracing.Endpoint)
		if err != nil {
			return nil, err
		}
		a.shutdownTracing = shutdown
	}

	chain, embedder, err := buildProviderChain(cfg)
	if err != nil {
		return nil, err
	}
	a.facade, err = providers.NewFacade(chain, cfg.Providers.RPS, nil)
	if err != nil {
		return nil, err
	}

	a.profile, err = profile.Load(cfg.Profiles.Root, cfg.Profiles.Default)
	if err != nil {
		return nil, err
	}

	a.store, err = sessions.New(cfg.Data.SessionsDB())
	if err != nil {
		return nil, err
	}

	a.costs = costs.NewTracker(cfg.Costs.BudgetUSD)
	a.cancels = cancel.NewRegistry()

	a.optimizer, err = optimizer.New(cfg.Data.OptimizerConfig(), cfg.Data.MetricsDB(), a.facade)
	if err != nil {
		a.store.Close()
		return nil, err
	}

	a.skills = skills.NewLoader(a.profile.SkillsDir())
	if err := a.skills.Load(); err != nil {
		slog.Warn("skill loading failed", "error", err)
	}
	if err := a.skills.Watch(); err != nil {
		slog.Debug("skill watching unavailable", "error", err)
	}

	if embedder != nil {
		a.memoryIdx, err = memory.New(cfg.Data.MemoryDB(), embedder)
		if err != nil {
			slog.Warn("semantic memory unavailable", "error", err)
			a.memoryIdx = nil
		}
	}

	registry := tools.NewRegistry()
	a.registry = registry
	workspace := cfg.Runtime.WorkingDir
	if err := tools.RegisterFilesystemTools(registry, workspace); err != nil {
		return nil, err
	}
	if err := tools.RegisterShellTool(registry, workspace); err != nil {
		return nil, err
	}
	if err := tools.RegisterTodoTools(registry, a.store); err != nil {
		return nil, err
	}

	dispatcher := tools.NewDispatcher(registry, tools.NewSpiller(cfg.Data.SpillDir()), a.cancels)

	runtimeOpts := []agent.RuntimeOption{
		agent.WithCostTracker(a.costs),
		agent.WithRunBudget(cfg.Runtime.RunBudgetTokens),
	}
	if cfg.Runtime.Model != "" {
		runtimeOpts = append(runtimeOpts, agent.WithModel(cfg.Runtime.Model))
	}
	if cfg.Runtime.MaxIterations > 0 {
		runtimeOpts = append(runtimeOpts, agent.WithMaxIterations(cfg.Runtime.MaxIterations))
	}
	if a.memoryIdx != nil {
		runtimeOpts = append(runtimeOpts, agent.WithRecall(a.memoryIdx))
	}
	runtime := agent.NewRuntime(a.facade, registry, dispatcher, a.cancels, runtimeOpts...)

	summarizer := sessions.NewSummarizer(a.store, a.facade, cfg.Runtime.Model)

	a.orch = orchestrator.New(orchestrator.Options{
		Store:      a.store,
		Summarizer: summarizer,
		Runtime:    runtime,
		Optimizer:  a.optimizer,
		Profile:    a.profile,
		Skills:     a.skills,
		Cancels:    a.cancels,
		Provider:   a.facade,
		EvalModel:  a.optimizer.Config().Analysis.Model,
		WorkingDir: workspace,
	})

	if cfg.Scheduler.Enabled {
		a.sched, err = scheduler.New(cfg.Data.SchedulerDB(), func(ctx context.Context, description, _ string) (string, error) {
			result, err := a.orch.Process(ctx, description, "", nil)
			if err != nil {
				return "", err
			}
			return result.Text, nil
		})
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// buildProviderChain constructs providers in configured priority order
// and picks the embedder from the first OpenAI-compatible entry.
func buildProviderChain(cfg *config.Config) ([]providers.Provider, providers.Embedder, error) {
	var chain []providers.Provider
	var embedder providers.Embedder

	for _, name := range cfg.Providers.Priority {
		switch name {
		case "anthropic":
			pc := cfg.Providers.Anthropic
			if pc.APIKey == "" {
				continue
			}
			var opts []providers.AnthropicOption
			if pc.Model != "" {
				opts = append(opts, providers.WithAnthropicModel(pc.Model))
			}
			if pc.BaseURL != "" {
				opts = append(opts, providers.WithAnthropicBaseURL(pc.BaseURL))
			}
			chain = append(chain, providers.NewAnthropicProvider(pc.APIKey, opts...))

		case "openai":
			pc := cfg.Providers.OpenAI
			if pc.APIKey == "" {
				continue
			}
			p := providers.NewOpenAIProvider("openai", pc.APIKey, pc.BaseURL, pc.Model)
			chain = append(chain, p)
			if embedder == nil {
				embedder = p
			}
		}
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("no usable provider configured")
	}
	return chain, embedder, nil
}

// Close releases everything buildApp opened.
func (a *app) Close() {
	if a.sched != nil {
		a.sched.Close()
	}
	if a.skills != nil {
		a.skills.Close()
	}
	if a.memoryIdx != nil {
		a.memoryIdx.Close()
	}
	if a.optimizer != nil {
		a.optimizer.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.shutdownTracing != nil {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = a.shutdownTracing(ctx)
	}
}

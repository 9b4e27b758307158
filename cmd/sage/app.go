package main

import (
	"fmt"
	"time"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/embeddings"
	"github.com/sageloop/sage/internal/agent/gardener"
	"github.com/sageloop/sage/internal/agent/memory"
	"github.com/sageloop/sage/internal/agent/runner"
	"github.com/sageloop/sage/internal/agent/schedule"
	"github.com/sageloop/sage/internal/agent/skills"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Published per-1K-token rates for the default models.
const (
	anthropicInRate  = 0.003
	anthropicOutRate = 0.015
	openaiInRate     = 0.00015
	openaiOutRate    = 0.0006
)

// app owns every long-lived component for one process
type app struct {
	cfg       *config.Config
	store     *db.Store
	sessions  *db.SessionManager
	engine    *memory.Engine
	router    *ai.Router
	registry  *skills.Registry
	runner    *runner.Runner
	scheduler *schedule.Scheduler
	gardener  *gardener.Gardener
}

// buildApp wires the full component graph from config. fire receives
// scheduled items when they come due.
func buildApp(cfg *config.Config, fire schedule.FireFunc) (*app, error) {
	sweep := db.DefaultSweepOptions()
	if cfg.Memory.SweepMaxContentLength > 0 {
		sweep.MaxContentLength = cfg.Memory.SweepMaxContentLength
	}
	store, err := db.NewSQLite(cfg.DBPath(), sweep)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Timezone != "" {
		if err := store.SetProfileValue(db.PrimaryUserID, "timezone", cfg.Timezone); err != nil {
			logging.Warnf("[app] timezone override failed: %v", err)
		}
	}

	sessions := db.NewSessionManager(store)

	embedSvc := embeddings.NewService(store, pickEmbedProvider(cfg))
	engine := memory.NewEngine(store, embedSvc, cfg.Memory)

	providers := buildProviders(cfg)
	if len(providers) == 0 {
		store.Close()
		return nil, fmt.Errorf("no AI provider configured; set an API key or run Ollama")
	}
	tracker, err := ai.NewCostTracker(store, cfg.Budget.DailyUSD, cfg.Budget.MonthlyUSD)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cost tracker: %w", err)
	}
	router := ai.NewRouter(providers, tracker, time.Duration(cfg.Providers.TimeoutSeconds)*time.Second)

	registry := skills.NewRegistry(cfg.SkillsDir())
	if err := skills.RegisterDefaults(registry, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("builtin skills: %w", err)
	}
	if err := registry.LoadAll(); err != nil {
		logging.Warnf("[app] skill load failed: %v", err)
	}

	classifier := memory.NewClassifier(router, cfg.Memory.ClassifierBatchSize)
	extractor := memory.NewExtractor(engine, classifier, router, cfg.Memory)

	run := runner.New(sessions, router, engine, extractor, registry, cfg)

	scheduler := schedule.NewScheduler(store, fire)
	gard := gardener.New(store, engine, scheduler, sessions, router, cfg.Gardener, cfg.Memory)

	return &app{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		engine:    engine,
		router:    router,
		registry:  registry,
		runner:    run,
		scheduler: scheduler,
		gardener:  gard,
	}, nil
}

func (a *app) close() {
	a.registry.Stop()
	a.gardener.Stop()
	if err := a.store.Close(); err != nil {
		logging.Warnf("[app] close failed: %v", err)
	}
}

// buildProviders returns every provider with a usable credential,
// Anthropic as the capable tier, OpenAI standard, Ollama fast.
func buildProviders(cfg *config.Config) []ai.Provider {
	var providers []ai.Provider
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		providers = append(providers,
			ai.NewAnthropicProvider(key, cfg.Providers.Anthropic.Model, ai.TierCapable, anthropicInRate, anthropicOutRate))
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		providers = append(providers,
			ai.NewOpenAIProvider(key, cfg.Providers.OpenAI.Model, ai.TierStandard, openaiInRate, openaiOutRate))
	}
	if host := cfg.Providers.Ollama.Host; host != "" {
		providers = append(providers, ai.NewOllamaProvider(host, cfg.Providers.Ollama.Model))
	}
	return providers
}

// pickEmbedProvider prefers OpenAI embeddings, falling back to Ollama.
// Returns nil when neither is configured; search then runs lexical-only.
func pickEmbedProvider(cfg *config.Config) embeddings.Provider {
	if cfg.Providers.OpenAI.APIKey != "" {
		return embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{APIKey: cfg.Providers.OpenAI.APIKey})
	}
	if cfg.Providers.Ollama.Host != "" {
		p := embeddings.NewOllamaProvider(embeddings.OllamaConfig{
			BaseURL: cfg.Providers.Ollama.Host,
			Model:   cfg.Providers.Ollama.EmbedModel,
		})
		if p.IsAvailable() {
			return p
		}
	}
	return nil
}

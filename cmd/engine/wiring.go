package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/agentloop"
	"github.com/haasonsaas/nexus/internal/confirm"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/scheduler"
	"github.com/haasonsaas/nexus/internal/sessionmgr"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/internal/subagents"
	"github.com/haasonsaas/nexus/internal/tools"
	"github.com/haasonsaas/nexus/pkg/models"
)

// components bundles every wired engine part. A caller that needs to drive
// the engine from code (serve, tests, a future admin surface) takes this
// struct rather than repeating construction order.
type components struct {
	cfg       *config.Config
	store     storage.Store
	bus       *eventbus.Bus
	gate      *confirm.Gate
	registry  *tools.Registry
	subagents *subagents.Pool
	loop      *agentloop.Loop
	manager   *sessionmgr.Manager
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
}

// buildComponents wires every engine package from loaded configuration.
// provider is the caller-supplied model adapter — the engine ships no
// concrete LLM client by design (it is the one external collaborator
// specified only by interface; see internal/agentloop/provider.go) — so a
// nil provider is rejected rather than silently wired in and left to fail
// on the first turn.
func buildComponents(cfg *config.Config, provider agentloop.Provider, logger *slog.Logger) (*components, error) {
	if provider == nil {
		return nil, fmt.Errorf("no agentloop.Provider supplied: this engine defines the LLM adapter as a port, not a shipped implementation")
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New(eventbus.Config{
		HighPriBuffer: cfg.EventBus.HighPriBuffer,
		LowPriBuffer:  cfg.EventBus.LowPriBuffer,
	})

	gate := confirm.New(bus, cfg.Confirm.TTL)

	registry := tools.New(store, bus, gate, tools.Config{
		DefaultTimeout:  cfg.Tools.DefaultTimeout,
		DefaultRetries:  cfg.Tools.DefaultRetries,
		RetryBackoff:    cfg.Tools.RetryBackoff,
		MaxRetryBackoff: cfg.Tools.MaxRetryBackoff,
	})

	loopCfg := agentloop.Config{
		MaxExploreIterations:  cfg.AgentLoop.MaxExploreIterations,
		MaxPlanIterations:     cfg.AgentLoop.MaxPlanIterations,
		MaxPerformIterations:  cfg.AgentLoop.MaxPerformIterations,
		ThinkingIdleThreshold: cfg.AgentLoop.ThinkingIdleThreshold,
		ModelRetryAttempts:    cfg.AgentLoop.ModelRetryAttempts,
		MaxContextTokens:      cfg.AgentLoop.MaxContextTokens,
		HistoryShare:          cfg.AgentLoop.HistoryShare,
		MaxToolResultChars:    cfg.AgentLoop.MaxToolResultChars,
		DefaultModel:          cfg.AgentLoop.DefaultModel,
		DefaultSystem:         cfg.AgentLoop.DefaultSystem,
	}

	pool := subagents.New(bus, nil, subagents.DefaultMaxConcurrent)

	loop := agentloop.New(provider, registry, store, bus, gate, pool, logger, loopCfg)
	pool.SetRunner(&subAgentRunner{loop: loop, store: store})

	registry.Register(tools.NewSpawnSubAgentTool(pool))
	registry.Register(tools.NewGetSubAgentResultTool(pool))

	manager := sessionmgr.New(store, bus, loop, "engine")

	sched := scheduler.New(store, bus, manager, logger, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
	})

	mtx := metrics.New()
	registry.SetMetrics(mtx)
	manager.SetMetrics(mtx)
	sched.SetMetrics(mtx)

	return &components{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		gate:      gate,
		registry:  registry,
		subagents: pool,
		loop:      loop,
		manager:   manager,
		scheduler: sched,
		metrics:   mtx,
	}, nil
}

// subAgentRunner adapts the same Agent Loop the engine drives parent turns
// with into a subagents.Runner: it gives a spawned sub-agent its own
// session (so transcript, mode, and planner state never collide with its
// parent's) and runs that session's one turn to completion, returning the
// loop's final assistant message as the sub-agent's result.
type subAgentRunner struct {
	loop  *agentloop.Loop
	store storage.Store
}

func (r *subAgentRunner) Run(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
	session := &models.Session{
		AgentID:   "subagent",
		Channel:   models.ChannelSubAgent,
		ChannelID: sub.ID,
		Active:    true,
		Status:    models.SessionActive,
		Mode:      models.ModeRogue,
		Title:     sub.Label,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("create sub-agent session: %w", err)
	}

	userMsg := &models.Message{
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   task,
	}
	if err := r.store.AppendMessage(ctx, session.ID, userMsg); err != nil {
		return "", fmt.Errorf("append sub-agent task message: %w", err)
	}

	if err := r.loop.Run(ctx, session, task); err != nil {
		return "", err
	}

	history, err := r.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return "", fmt.Errorf("read sub-agent result: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].Content != "" {
			return history[i].Content, nil
		}
	}
	return "", nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSQLiteStore(&storage.SQLiteConfig{
			Path:            cfg.Path,
			MaxOpenConns:    1,
			ConnMaxLifetime: time.Hour,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Package subagents implements the Sub-Agent Pool: spawning, tracking, and
// cancelling independently-running Agent Loops launched by a tool on
// behalf of a parent session. A sub-agent's context is a child of its
// caller's context, so cancelling the parent session cancels every
// sub-agent it spawned for free, without a separate tracking tree.
package subagents

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Runner drives one sub-agent's Agent Loop to completion and returns its
// final textual result.
type Runner interface {
	Run(ctx context.Context, sub *models.SubAgent, task string) (result string, err error)
}

// DefaultMaxConcurrent is the suggested concurrent sub-agent cap.
const DefaultMaxConcurrent = 8

// resultRetention bounds how long a finished sub-agent's record stays
// retrievable via Get before it's pruned, so a parent that never collects
// a result doesn't leak memory forever.
const resultRetention = 10 * time.Minute

// running tracks one in-flight sub-agent's cancel func alongside its record.
type running struct {
	sub    *models.SubAgent
	cancel context.CancelFunc
}

// finished tracks a completed/failed/cancelled sub-agent's record for
// later retrieval, alongside when it finished (for pruning).
type finished struct {
	sub *models.SubAgent
	at  time.Time
}

// Pool spawns, tracks, and cancels sub-agent runs.
type Pool struct {
	bus    *eventbus.Bus
	runner Runner
	sem    chan struct{}

	mu      sync.Mutex
	runs    map[string]*running
	results map[string]*finished
}

// New builds a Sub-Agent Pool bounded to maxConcurrent simultaneous runs
// (DefaultMaxConcurrent if <= 0).
func New(bus *eventbus.Bus, runner Runner, maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Pool{
		bus:     bus,
		runner:  runner,
		sem:     make(chan struct{}, maxConcurrent),
		runs:    make(map[string]*running),
		results: make(map[string]*finished),
	}
}

// SetRunner attaches the Runner a spawned sub-agent's Agent Loop executes
// against. Exists because the Runner (an adapter around the same Agent
// Loop the pool itself is injected into) can only be built once the pool
// already exists, so construction order requires wiring it in after New.
func (p *Pool) SetRunner(r Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runner = r
}

// Spawn starts a sub-agent run under ctx. It fails with Busy if the
// concurrency cap is already saturated.
func (p *Pool) Spawn(ctx context.Context, parentSessionID, label, task string) (*models.SubAgent, error) {
	select {
	case p.sem <- struct{}{}:
	default:
		return nil, engineerr.New(engineerr.Busy, "subagents.Spawn", "sub-agent concurrency cap reached")
	}

	sub := &models.SubAgent{
		ID:        uuid.NewString(),
		ParentID:  parentSessionID,
		Label:     label,
		Task:      task,
		Status:    models.SubAgentRunning,
		StartedAt: time.Now(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.runs[sub.ID] = &running{sub: sub, cancel: cancel}
	p.mu.Unlock()

	p.publish(ctx, models.TopicSubAgentSpawned, sub)
	go p.run(runCtx, sub, task, cancel)

	return cloneSubAgent(sub), nil
}

func (p *Pool) run(ctx context.Context, sub *models.SubAgent, task string, cancel context.CancelFunc) {
	defer cancel()
	defer func() { <-p.sem }()

	result, err := p.runner.Run(ctx, sub, task)

	sub.FinishedAt = time.Now()
	switch {
	case ctx.Err() != nil && err != nil:
		sub.Status = models.SubAgentCancelled
	case err != nil:
		sub.Status = models.SubAgentFailed
		sub.FailureMsg = err.Error()
	default:
		sub.Status = models.SubAgentCompleted
		sub.Result = result
	}

	p.mu.Lock()
	delete(p.runs, sub.ID)
	p.results[sub.ID] = &finished{sub: sub, at: sub.FinishedAt}
	p.prunePendingLocked()
	p.mu.Unlock()

	topic := models.TopicSubAgentCompleted
	if sub.Status != models.SubAgentCompleted {
		topic = models.TopicSubAgentFailed
	}
	p.publish(context.Background(), topic, sub)
}

// Cancel stops a running sub-agent. Returns NotFound if it is not
// currently running (already finished, or an unknown ID).
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return engineerr.New(engineerr.NotFound, "subagents.Cancel", "no running sub-agent: "+id)
	}
	r.cancel()
	return nil
}

// List returns every currently running sub-agent spawned by a parent
// session.
func (p *Pool) List(parentSessionID string) []*models.SubAgent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.SubAgent
	for _, r := range p.runs {
		if r.sub.ParentID == parentSessionID {
			out = append(out, cloneSubAgent(r.sub))
		}
	}
	return out
}

// Get returns a sub-agent's current record, whether it is still in-flight
// or has already finished. A finished record remains retrievable for
// resultRetention so the dedicated tool a parent uses to collect a
// sub-agent's result doesn't race its completion.
func (p *Pool) Get(id string) (*models.SubAgent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.runs[id]; ok {
		return cloneSubAgent(r.sub), true
	}
	p.prunePendingLocked()
	if f, ok := p.results[id]; ok {
		return cloneSubAgent(f.sub), true
	}
	return nil, false
}

// prunePendingLocked drops finished records older than resultRetention.
// Callers must hold p.mu.
func (p *Pool) prunePendingLocked() {
	cutoff := time.Now().Add(-resultRetention)
	for id, f := range p.results {
		if f.at.Before(cutoff) {
			delete(p.results, id)
		}
	}
}

func (p *Pool) publish(ctx context.Context, topic string, sub *models.SubAgent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, models.Event{
		Topic:     topic,
		SessionID: sub.ParentID,
		SubAgent: &models.SubAgentEventPayload{
			ID:     sub.ID,
			Label:  sub.Label,
			Status: sub.Status,
			Result: sub.Result,
		},
	})
}

func cloneSubAgent(sub *models.SubAgent) *models.SubAgent {
	clone := *sub
	return &clone
}

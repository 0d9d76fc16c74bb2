package subagents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/pkg/models"
)

type mockRunner struct {
	run func(ctx context.Context, sub *models.SubAgent, task string) (string, error)
}

func (m *mockRunner) Run(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
	return m.run(ctx, sub, task)
}

func TestPool_SpawnCompletesSuccessfully(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	runner := &mockRunner{run: func(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
		return "done: " + task, nil
	}}
	pool := New(bus, runner, 2)

	sub, err := pool.Spawn(context.Background(), "parent-1", "research", "find X")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if got, ok := pool.Get(sub.ID); !ok {
			break
		} else if got.Status != models.SubAgentRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sub-agent never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	got, ok := pool.Get(sub.ID)
	if !ok {
		t.Fatal("expected finished sub-agent result to remain retrievable")
	}
	if got.Status != models.SubAgentCompleted {
		t.Fatalf("Status = %v, want %v", got.Status, models.SubAgentCompleted)
	}
	if got.Result != "done: find X" {
		t.Fatalf("Result = %q, want %q", got.Result, "done: find X")
	}
}

func TestPool_SpawnFailureRecordsFailureMessage(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	events, unsubscribe := bus.Subscribe("subagent.", "")
	defer unsubscribe()

	runner := &mockRunner{run: func(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
		return "", errors.New("boom")
	}}
	pool := New(bus, runner, 2)

	if _, err := pool.Spawn(context.Background(), "parent-2", "risky", "attempt"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case e := <-events:
		if e.Topic != models.TopicSubAgentFailed {
			t.Fatalf("expected %s, got %s", models.TopicSubAgentFailed, e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("never observed subagent.failed event")
	}
}

func TestPool_CancelStopsRunningSubAgent(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	started := make(chan struct{})
	runner := &mockRunner{run: func(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	pool := New(bus, runner, 2)

	sub, err := pool.Spawn(context.Background(), "parent-3", "long", "grind")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started

	if err := pool.Cancel(sub.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		got, ok := pool.Get(sub.ID)
		if !ok {
			break
		}
		if got.Status == models.SubAgentCancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sub-agent never observed cancellation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_CancelUnknownIDReturnsNotFound(t *testing.T) {
	pool := New(eventbus.New(eventbus.DefaultConfig()), &mockRunner{run: func(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
		return "", nil
	}}, 2)

	if err := pool.Cancel("ghost"); !engineerr.Is(err, engineerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPool_ParentContextCancellationPropagatesToChild(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	started := make(chan struct{})
	runner := &mockRunner{run: func(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	pool := New(bus, runner, 2)

	parentCtx, parentCancel := context.WithCancel(context.Background())
	sub, err := pool.Spawn(parentCtx, "parent-4", "child", "work")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started
	parentCancel()

	deadline := time.After(time.Second)
	for {
		got, ok := pool.Get(sub.ID)
		if !ok {
			break
		}
		if got.Status == models.SubAgentCancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cancelling the parent context never stopped the sub-agent")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_SpawnRejectsOverConcurrencyCap(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	block := make(chan struct{})
	runner := &mockRunner{run: func(ctx context.Context, sub *models.SubAgent, task string) (string, error) {
		<-block
		return "ok", nil
	}}
	pool := New(bus, runner, 1)
	defer close(block)

	if _, err := pool.Spawn(context.Background(), "parent-5", "a", "task-a"); err != nil {
		t.Fatalf("Spawn first: %v", err)
	}
	if _, err := pool.Spawn(context.Background(), "parent-5", "b", "task-b"); !engineerr.Is(err, engineerr.Busy) {
		t.Fatalf("expected Busy once the cap is reached, got %v", err)
	}
}

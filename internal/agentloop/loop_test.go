package agentloop

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/internal/tools"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider replays a fixed sequence of responses, one per Complete
// call, regardless of the request contents — enough to drive the loop
// through a scripted phase sequence deterministically.
type scriptedProvider struct {
	responses [][]*ModelChunk
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *ModelRequest) (<-chan *ModelChunk, error) {
	if p.calls >= len(p.responses) {
		// Out of script: emit an empty completion so a misconfigured test
		// runs into the phase's iteration cap (which ends the phase with a
		// warning) rather than hanging.
		ch := make(chan *ModelChunk, 1)
		ch <- &ModelChunk{Done: true}
		close(ch)
		return ch, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	ch := make(chan *ModelChunk, len(resp))
	for _, c := range resp {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool  { return true }

func toolCallChunk(name string, params any) *ModelChunk {
	raw, _ := json.Marshal(params)
	return &ModelChunk{ToolCall: &models.ToolCall{ID: name + "-call", Name: name, Input: raw}}
}

func doneChunk() *ModelChunk { return &ModelChunk{Done: true} }

type stubInvoker struct {
	descriptors []models.ToolDescriptor
}

func (s *stubInvoker) Invoke(ctx context.Context, ictx tools.InvokeContext, name string, params json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: "ok"}, nil
}

func (s *stubInvoker) Descriptors() []models.ToolDescriptor { return s.descriptors }

func newTestLoop(t *testing.T, provider Provider) (*Loop, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := eventbus.New(eventbus.DefaultConfig())
	invoker := &stubInvoker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.MaxExploreIterations = 3
	cfg.MaxPlanIterations = 3
	cfg.MaxPerformIterations = 10
	loop := New(provider, invoker, store, bus, nil, nil, logger, cfg)
	return loop, store
}

func testSession() *models.Session {
	return &models.Session{
		ID:        "sess-1",
		Channel:   models.ChannelTelegram,
		ChannelID: "chan-1",
		Mode:      models.ModePartner,
	}
}

func TestLoop_Run_HappyPath(t *testing.T) {
	provider := &scriptedProvider{
		responses: [][]*ModelChunk{
			{toolCallChunk(toolReadyToPlan, nil), doneChunk()},
			{toolCallChunk(toolCreateTask, registerTaskPrimitiveParams{Description: "write report"}), doneChunk()},
			{toolCallChunk(toolReadyToPerform, nil), doneChunk()},
			{doneChunk()}, // Perform iteration 1: no tool calls, no exit marker -> counts as one iteration
		},
	}
	// Perform needs a finish_execution marker to exit before hitting its
	// cap; script a second Perform iteration that fires it.
	provider.responses = append(provider.responses, []*ModelChunk{toolCallChunk(toolFinishExecution, nil), doneChunk()})

	loop, store := newTestLoop(t, provider)
	session := testSession()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Run(ctx, session, "please write a report"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected transcript to be populated")
	}

	foundCompletionSummary := false
	for _, m := range history {
		if m.Role == models.RoleAssistant && m.Content != "" {
			foundCompletionSummary = true
		}
	}
	if !foundCompletionSummary {
		t.Fatal("expected a final assistant summary message")
	}
}

func TestLoop_Run_ExploreCapAdvancesWithWarning(t *testing.T) {
	// Explore never calls ready_to_plan: every iteration is a plain
	// no-op completion, so the phase must hit its iteration cap and
	// advance rather than hang.
	var responses [][]*ModelChunk
	for i := 0; i < 3; i++ {
		responses = append(responses, []*ModelChunk{doneChunk()})
	}
	// Plan immediately exits, Perform immediately exits.
	responses = append(responses, []*ModelChunk{toolCallChunk(toolReadyToPerform, nil), doneChunk()})
	responses = append(responses, []*ModelChunk{toolCallChunk(toolFinishExecution, nil), doneChunk()})

	provider := &scriptedProvider{responses: responses}
	loop, _ := newTestLoop(t, provider)
	session := testSession()

	var warned bool
	unsub := func() {}
	events, unsubscribe := eventBusSubscribe(t, loop)
	unsub = unsubscribe
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Run(ctx, session, "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	drain(events, func(e models.Event) {
		if e.Topic == models.TopicAgentWarning {
			warned = true
		}
	})
	if !warned {
		t.Fatal("expected a warning event on iteration-cap exhaustion")
	}
}

// eventBusSubscribe exposes the Loop's bus for assertions without adding a
// getter to the production type.
func eventBusSubscribe(t *testing.T, l *Loop) (<-chan models.Event, func()) {
	t.Helper()
	return l.bus.Subscribe("agent.", "chan-1")
}

func drain(ch <-chan models.Event, fn func(models.Event)) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			fn(e)
		default:
			return
		}
	}
}

func TestLoop_ClassifyModelError(t *testing.T) {
	loop, _ := newTestLoop(t, &scriptedProvider{})

	transient := loop.classifyModelError(errString("429 rate limit exceeded"))
	if !engineerr.IsRetryable(transient) {
		t.Fatalf("expected 429 message classified transient, got %v", transient)
	}

	permanent := loop.classifyModelError(errString("invalid api key"))
	if engineerr.IsRetryable(permanent) {
		t.Fatalf("expected unrecognized message classified permanent, got %v", permanent)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

package tools

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/confirm"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/pkg/models"
)

// mockTool implements Tool for testing.
type mockTool struct {
	name      string
	desc      models.ToolDescriptor
	invoke    func(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error)
	execCount atomic.Int32
}

func (m *mockTool) Name() string                     { return m.name }
func (m *mockTool) Descriptor() models.ToolDescriptor { d := m.desc; d.Name = m.name; return d }
func (m *mockTool) Invoke(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
	m.execCount.Add(1)
	if m.invoke != nil {
		return m.invoke(ctx, ictx, params)
	}
	return &models.ToolResult{Content: "ok"}, nil
}

func newTestRegistry(gate *confirm.Gate) (*Registry, storage.Store) {
	store := storage.NewMemoryStore()
	bus := eventbus.New(eventbus.DefaultConfig())
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 200 * time.Millisecond
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxRetryBackoff = 20 * time.Millisecond
	return New(store, bus, gate, cfg), store
}

func TestRegistry_InvokeSuccessRecordsExecution(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Register(&mockTool{name: "echo"})

	ictx := InvokeContext{SessionID: "sess-1", Channel: models.ChannelTelegram, ChannelID: "chan-1", Mode: models.ModeRogue}
	result, err := r.Invoke(context.Background(), ictx, "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Content != "ok" || result.IsError {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRegistry_DisabledToolRejected(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Register(&mockTool{name: "risky"})
	if err := r.SetEnabled(context.Background(), "risky", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	ictx := InvokeContext{SessionID: "sess-1", ChannelID: "chan-1", Mode: models.ModeRogue}
	_, err := r.Invoke(context.Background(), ictx, "risky", json.RawMessage(`{}`))
	if !engineerr.Is(err, engineerr.Disabled) {
		t.Fatalf("expected Disabled, got %v", err)
	}
}

func TestRegistry_UnknownToolReturnsErrorResult(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ictx := InvokeContext{SessionID: "sess-1", ChannelID: "chan-1"}
	result, err := r.Invoke(context.Background(), ictx, "ghost", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error-tagged ToolResult for an unknown tool")
	}
}

func TestRegistry_MutatingToolRoutesThroughGate(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := confirm.New(bus, time.Second)
	r, _ := newTestRegistry(gate)
	r.Register(&mockTool{name: "send_tx", desc: models.ToolDescriptor{Mutation: true}})

	ictx := InvokeContext{SessionID: "sess-2", ChannelID: "chan-2", Mode: models.ModePartner}
	resultCh := make(chan *models.ToolResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := r.Invoke(context.Background(), ictx, "send_tx", json.RawMessage(`{}`))
		resultCh <- res
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := gate.Resolve(context.Background(), "chan-2", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Invoke never returned")
	}
	result := <-resultCh
	if result == nil || result.IsError {
		t.Fatalf("expected successful invocation after approval, got %+v", result)
	}
}

func TestRegistry_RogueModeSkipsConfirmationForPlainMutation(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := confirm.New(bus, time.Second)
	r, _ := newTestRegistry(gate)
	r.Register(&mockTool{name: "send_tx", desc: models.ToolDescriptor{Mutation: true}})

	ictx := InvokeContext{SessionID: "sess-3", ChannelID: "chan-3", Mode: models.ModeRogue}
	done := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), ictx, "send_tx", json.RawMessage(`{}`))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected rogue mode to bypass the gate, got %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Invoke blocked on confirmation despite rogue mode")
	}
}

func TestRegistry_TimeoutIsRetriedThenSurfaced(t *testing.T) {
	r, _ := newTestRegistry(nil)
	var attempts int32
	r.Register(&mockTool{
		name: "slow",
		invoke: func(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
			atomic.AddInt32(&attempts, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ictx := InvokeContext{SessionID: "sess-4", ChannelID: "chan-4"}
	_, err := r.Invoke(context.Background(), ictx, "slow", json.RawMessage(`{}`))
	if !engineerr.Is(err, engineerr.Transient) {
		t.Fatalf("expected Transient timeout error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != int32(r.cfg.DefaultRetries+1) {
		t.Fatalf("expected %d attempts, got %d", r.cfg.DefaultRetries+1, attempts)
	}
}

func TestRegistry_PanicRecoveredAsPermanentError(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Register(&mockTool{
		name: "boom",
		invoke: func(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
			panic("kaboom")
		},
	})

	ictx := InvokeContext{SessionID: "sess-5", ChannelID: "chan-5"}
	_, err := r.Invoke(context.Background(), ictx, "boom", json.RawMessage(`{}`))
	if !engineerr.Is(err, engineerr.Permanent) {
		t.Fatalf("expected Permanent after panic recovery, got %v", err)
	}
}

func TestRegistry_SameNameSameSessionSerializes(t *testing.T) {
	r, _ := newTestRegistry(nil)
	var running int32
	var maxConcurrent int32
	r.Register(&mockTool{
		name: "serial",
		invoke: func(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
			cur := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxConcurrent)
				if cur <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return &models.ToolResult{Content: "ok"}, nil
		},
	})

	var wg sync.WaitGroup
	ictx := InvokeContext{SessionID: "sess-6", ChannelID: "chan-6"}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Invoke(context.Background(), ictx, "serial", json.RawMessage(`{}`))
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&maxConcurrent) != 1 {
		t.Fatalf("expected same-name-same-session calls to serialize, saw max concurrency %d", maxConcurrent)
	}
}

func TestRegistry_DifferentSessionsRunInParallel(t *testing.T) {
	r, _ := newTestRegistry(nil)
	start := make(chan struct{})
	var inFlight int32
	var sawParallel int32
	r.Register(&mockTool{
		name: "parallel",
		invoke: func(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
			atomic.AddInt32(&inFlight, 1)
			<-start
			if atomic.LoadInt32(&inFlight) >= 2 {
				atomic.StoreInt32(&sawParallel, 1)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &models.ToolResult{Content: "ok"}, nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		sessionID := "sess-par-" + string(rune('a'+i))
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			ictx := InvokeContext{SessionID: sid, ChannelID: "chan-" + sid}
			_, _ = r.Invoke(context.Background(), ictx, "parallel", json.RawMessage(`{}`))
		}(sessionID)
	}
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	if atomic.LoadInt32(&sawParallel) != 1 {
		t.Fatal("expected calls from different sessions to overlap in time")
	}
}

package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
)

func TestGate_ApproveUnblocksRequest(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := New(bus, time.Second)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- gate.Request(ctx, "chan-1", "sess-1", "send_tx", "send 0.01 ETH", nil)
	}()

	// Give Request time to register the slot before resolving it.
	time.Sleep(20 * time.Millisecond)
	if err := gate.Resolve(ctx, "chan-1", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected approval to unblock Request with nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Request never returned")
	}
}

func TestGate_RejectReturnsRejectedError(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := New(bus, time.Second)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- gate.Request(ctx, "chan-2", "sess-2", "send_tx", "send funds", nil)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := gate.Resolve(ctx, "chan-2", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case err := <-done:
		if !engineerr.Is(err, engineerr.Rejected) {
			t.Fatalf("expected Rejected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Request never returned")
	}
}

func TestGate_DeadlineExpiryResolvesAsRejected(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := New(bus, 30*time.Millisecond)
	ctx := context.Background()

	err := gate.Request(ctx, "chan-3", "sess-3", "send_tx", "send funds", nil)
	if !engineerr.Is(err, engineerr.Rejected) {
		t.Fatalf("expected Rejected on deadline expiry, got %v", err)
	}
}

func TestGate_SecondMutatingToolWaitsForFirst(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := New(bus, time.Second)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- gate.Request(ctx, "chan-4", "sess-4", "tool_a", "first", nil)
	}()
	time.Sleep(20 * time.Millisecond)

	secondStarted := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		close(secondStarted)
		secondDone <- gate.Request(ctx, "chan-4", "sess-4", "tool_b", "second", nil)
	}()
	<-secondStarted
	time.Sleep(20 * time.Millisecond)

	select {
	case <-secondDone:
		t.Fatal("second request resolved before the first slot was released")
	default:
	}

	if err := gate.Resolve(ctx, "chan-4", true); err != nil {
		t.Fatalf("Resolve first: %v", err)
	}
	<-firstDone

	time.Sleep(20 * time.Millisecond)
	if err := gate.Resolve(ctx, "chan-4", true); err != nil {
		t.Fatalf("Resolve second: %v", err)
	}
	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("expected second request to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Request never returned")
	}
}

func TestGate_CancelForSessionTreatedAsRejection(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	gate := New(bus, time.Second)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- gate.Request(ctx, "chan-5", "sess-5", "send_tx", "send funds", nil)
	}()
	time.Sleep(20 * time.Millisecond)
	gate.CancelForSession("chan-5", "sess-5")

	select {
	case err := <-done:
		if !engineerr.Is(err, engineerr.Rejected) {
			t.Fatalf("expected Rejected on session cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Request never returned")
	}
}

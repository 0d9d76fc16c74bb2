package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestBus_PublishMatchesPrefixAndChannel(t *testing.T) {
	bus := New(DefaultConfig())
	ch, unsubscribe := bus.Subscribe("tool.", "chan-1")
	defer unsubscribe()

	bus.Publish(context.Background(), models.Event{Topic: "session.created", ChannelID: "chan-1"})
	bus.Publish(context.Background(), models.Event{Topic: "tool.execution", ChannelID: "chan-2"})
	bus.Publish(context.Background(), models.Event{Topic: "tool.execution", ChannelID: "chan-1"})

	select {
	case e := <-ch:
		if e.Topic != "tool.execution" || e.ChannelID != "chan-1" {
			t.Fatalf("got unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected one matching event")
	}

	select {
	case e := <-ch:
		t.Fatalf("expected no further events, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PerPublisherSequenceMonotonic(t *testing.T) {
	bus := New(DefaultConfig())
	ch, unsubscribe := bus.Subscribe("", "chan-1")
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), models.Event{Topic: "agent.tool_call", ChannelID: "chan-1"})
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			if e.Sequence <= last {
				t.Fatalf("sequence not monotonic: %d after %d", e.Sequence, last)
			}
			last = e.Sequence
		case <-time.After(time.Second):
			t.Fatal("expected event")
		}
	}
}

func TestBus_DroppableLaneDropsUnderPressure(t *testing.T) {
	bus := New(Config{HighPriBuffer: 1, LowPriBuffer: 1})
	_, unsubscribe := bus.Subscribe("", "")
	defer unsubscribe()

	// Flood the droppable lane without draining; extras should be dropped,
	// not block the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(context.Background(), models.Event{Topic: models.TopicAgentThinking, ChannelID: "c"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on droppable lane")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(DefaultConfig())
	ch, unsubscribe := bus.Subscribe("", "")
	unsubscribe()

	bus.Publish(context.Background(), models.Event{Topic: "session.created", ChannelID: "c"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after unsubscribe, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

// Package confirm implements the Confirmation Gate: a per-channel
// single-slot rendezvous that suspends a mutating tool invocation until a
// channel's user approves, rejects, the session is cancelled, or a deadline
// expires. Only one slot may be outstanding per channel at a time.
package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultTTL is the default confirmation deadline, per the spec's 5-minute
// default.
const DefaultTTL = 5 * time.Minute

// pendingSlot is the live rendezvous state for one channel's open slot.
type pendingSlot struct {
	slot     *models.ConfirmationSlot
	resolved chan models.ConfirmationStatus
	once     sync.Once
}

// Gate manages confirmation slots, at most one outstanding per channel.
type Gate struct {
	bus *eventbus.Bus
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSlot // key: channel_id
}

// New builds a Confirmation Gate publishing decisions on bus. ttl <= 0 uses
// DefaultTTL.
func New(bus *eventbus.Bus, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{bus: bus, ttl: ttl, pending: make(map[string]*pendingSlot)}
}

// Request opens a confirmation slot for channelID and blocks until it is
// approved, rejected, the deadline expires, or ctx is cancelled (session
// cancellation). A second mutating tool on the same channel waits for the
// first to resolve rather than opening a second slot.
func (g *Gate) Request(ctx context.Context, channelID, sessionID, toolName, description string, params []byte) error {
	g.mu.Lock()
	for {
		if _, busy := g.pending[channelID]; !busy {
			break
		}
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return engineerr.Wrap(engineerr.Cancelled, "confirm.Request", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
		g.mu.Lock()
	}

	slot := &models.ConfirmationSlot{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		SessionID:   sessionID,
		ToolName:    toolName,
		Description: description,
		Parameters:  params,
		Status:      models.ConfirmationPending,
		Deadline:    time.Now().Add(g.ttl),
		CreatedAt:   time.Now(),
	}
	ps := &pendingSlot{slot: slot, resolved: make(chan models.ConfirmationStatus, 1)}
	g.pending[channelID] = ps
	g.mu.Unlock()

	g.publish(ctx, slot, models.TopicConfirmRequired)

	timer := time.NewTimer(time.Until(slot.Deadline))
	defer timer.Stop()

	select {
	case status := <-ps.resolved:
		return g.outcome(status)
	case <-timer.C:
		g.resolve(channelID, models.ConfirmationRejected)
		return engineerr.New(engineerr.Rejected, "confirm.Request", "confirmation deadline expired")
	case <-ctx.Done():
		g.resolve(channelID, models.ConfirmationRejected)
		return engineerr.Wrap(engineerr.Cancelled, "confirm.Request", ctx.Err())
	}
}

func (g *Gate) outcome(status models.ConfirmationStatus) error {
	if status == models.ConfirmationApproved {
		return nil
	}
	return engineerr.New(engineerr.Rejected, "confirm.Request", "confirmation rejected")
}

// Resolve is the external entry point (`resolve_confirmation`) used to
// approve or reject the outstanding slot on a channel.
func (g *Gate) Resolve(ctx context.Context, channelID string, approve bool) error {
	status := models.ConfirmationRejected
	if approve {
		status = models.ConfirmationApproved
	}
	if !g.resolve(channelID, status) {
		return engineerr.New(engineerr.NotFound, "confirm.Resolve", "no outstanding confirmation on channel")
	}
	return nil
}

// CancelForSession rejects any outstanding slot belonging to sessionID,
// treating session cancellation as rejection (per the gate's contract).
func (g *Gate) CancelForSession(channelID, sessionID string) {
	g.mu.Lock()
	ps, ok := g.pending[channelID]
	if !ok || ps.slot.SessionID != sessionID {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.resolve(channelID, models.ConfirmationRejected)
}

func (g *Gate) resolve(channelID string, status models.ConfirmationStatus) bool {
	g.mu.Lock()
	ps, ok := g.pending[channelID]
	if ok {
		delete(g.pending, channelID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	ps.once.Do(func() {
		ps.slot.Status = status
		ps.slot.ResolvedAt = time.Now()
		topic := models.TopicConfirmRejected
		if status == models.ConfirmationApproved {
			topic = models.TopicConfirmApproved
		}
		g.publish(context.Background(), ps.slot, topic)
		ps.resolved <- status
	})
	return true
}

func (g *Gate) publish(ctx context.Context, slot *models.ConfirmationSlot, topic string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(ctx, models.Event{
		Topic:     topic,
		ChannelID: slot.ChannelID,
		SessionID: slot.SessionID,
		Confirm: &models.ConfirmEventPayload{
			ID:       slot.ID,
			ToolName: slot.ToolName,
			Status:   slot.Status,
		},
	})
}

// RequiresConfirmation decides, per the session's operating mode, whether a
// mutating tool call needs to pass through the gate: partner mode requires
// confirmation for all mutating tools; rogue mode skips it unless the tool
// itself demands confirmation regardless of mode.
func RequiresConfirmation(mode models.OperatingMode, toolRequiresConfirmation, toolIsMutation bool) bool {
	if toolRequiresConfirmation {
		return true
	}
	if mode == models.ModeRogue {
		return false
	}
	return toolIsMutation
}

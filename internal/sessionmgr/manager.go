// Package sessionmgr owns session identity, message history, and the
// per-channel single-live-execution invariant. It resolves a channel
// identity to an active session (creating one if absent), admits at most
// one live execution per channel, and exposes stop/reset/resume.
//
// Starting and driving the actual Agent Loop is delegated to an
// ExecutionRunner injected by the caller, keeping this package free of any
// dependency on the loop's internals (ports-and-adapters, matching the
// runtime/tool-registry split elsewhere in this tree).
package sessionmgr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ExecutionHandle identifies a started execution for cancellation/await.
type ExecutionHandle struct {
	SessionID string
	Cancel    context.CancelFunc
	Done      <-chan struct{}
}

// ExecutionRunner drives an Agent Loop for one submitted turn. Run must
// observe ctx cancellation promptly and close when it returns.
type ExecutionRunner interface {
	Run(ctx context.Context, session *models.Session, text string) error
}

// channelSlot tracks the single live execution (if any) for one channel.
type channelSlot struct {
	mu      sync.Mutex
	live    bool
	cancel  context.CancelFunc
	done    chan struct{}
	hadTurn bool // at least one turn has completed on the current session
}

// Manager implements the Session Manager contract.
type Manager struct {
	store   storage.Store
	bus     *eventbus.Bus
	runner  ExecutionRunner
	agentID string
	mtx     *metrics.Metrics

	mu    sync.Mutex
	slots map[string]*channelSlot // key: channel+":"+channelID
}

// SetMetrics attaches a metrics sink. Safe to call with nil to detach.
func (m *Manager) SetMetrics(mtx *metrics.Metrics) {
	m.mtx = mtx
}

// New builds a Session Manager bound to a persistence port, event bus, and
// execution runner.
func New(store storage.Store, bus *eventbus.Bus, runner ExecutionRunner, agentID string) *Manager {
	return &Manager{
		store:   store,
		bus:     bus,
		runner:  runner,
		agentID: agentID,
		slots:   make(map[string]*channelSlot),
	}
}

func channelKey(channel models.ChannelType, channelID string) string {
	return string(channel) + ":" + channelID
}

func (m *Manager) slotFor(key string) *channelSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[key]
	if !ok {
		slot = &channelSlot{}
		m.slots[key] = slot
	}
	return slot
}

// resolveSession fetches the active session for a channel identity or
// creates a fresh one.
func (m *Manager) resolveSession(ctx context.Context, channel models.ChannelType, channelID string) (*models.Session, error) {
	key := storage.SessionKey(channel, channelID)
	session, err := m.store.GetSessionByKey(ctx, key)
	if err == nil {
		return session, nil
	}
	if !engineerr.Is(err, engineerr.NotFound) {
		return nil, err
	}

	session = &models.Session{
		AgentID:   m.agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		Active:    true,
		Status:    models.SessionActive,
		Mode:      models.ModePartner,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	m.publish(ctx, channel, channelID, session.ID, models.TopicSessionCreated, nil)
	return session, nil
}

// SubmitTurn admits a user turn on a channel. It fails with Busy if a live
// execution already owns the channel slot (strict admission — the spec
// allows queueing as an alternative, but this engine rejects rather than
// silently reorders turns behind a running execution).
func (m *Manager) SubmitTurn(ctx context.Context, channel models.ChannelType, channelID, text string) (*ExecutionHandle, error) {
	key := channelKey(channel, channelID)
	slot := m.slotFor(key)

	slot.mu.Lock()
	if slot.live {
		slot.mu.Unlock()
		m.mtx.TurnSubmitted(string(channel), "busy")
		return nil, engineerr.New(engineerr.Busy, "sessionmgr.SubmitTurn", "channel already has a live execution")
	}
	session, err := m.resolveSession(ctx, channel, channelID)
	if err != nil {
		slot.mu.Unlock()
		return nil, err
	}

	userMsg := &models.Message{
		SessionID: session.ID,
		Channel:   channel,
		ChannelID: channelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
	}
	if err := m.store.AppendMessage(ctx, session.ID, userMsg); err != nil {
		slot.mu.Unlock()
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	slot.live = true
	slot.cancel = cancel
	slot.done = done
	slot.mu.Unlock()

	m.publish(ctx, channel, channelID, session.ID, models.TopicExecStarted, nil)
	m.mtx.TurnSubmitted(string(channel), "admitted")
	m.mtx.SessionStarted(string(channel))

	go m.runExecution(execCtx, slot, session, text, done)

	return &ExecutionHandle{SessionID: session.ID, Cancel: cancel, Done: done}, nil
}

func (m *Manager) runExecution(ctx context.Context, slot *channelSlot, session *models.Session, text string, done chan struct{}) {
	defer close(done)

	start := time.Now()
	runErr := m.runner.Run(ctx, session, text)

	slot.mu.Lock()
	slot.live = false
	slot.cancel = nil
	slot.done = nil
	cancelled := ctx.Err() != nil
	if runErr == nil && !cancelled {
		slot.hadTurn = true
	}
	slot.mu.Unlock()

	m.mtx.SessionEnded(string(session.Channel))
	m.mtx.TurnCompleted(string(session.Channel), time.Since(start))

	bg := context.Background()
	switch {
	case cancelled:
		m.publish(bg, session.Channel, session.ChannelID, session.ID, models.TopicExecStopped, map[string]any{"reason": "user"})
	case runErr != nil:
		session.Status = models.SessionFailed
		session.Active = false
		_ = m.store.UpdateSession(bg, session)
		m.publish(bg, session.Channel, session.ChannelID, session.ID, models.TopicAgentError, map[string]any{"error": runErr.Error()})
	default:
		session.Status = models.SessionComplete
		_ = m.store.UpdateSession(bg, session)
		m.publish(bg, session.Channel, session.ChannelID, session.ID, models.TopicExecCompleted, nil)
	}
}

// Stop cancels the live execution on a channel and all its sub-agents
// (cancellation propagation is the runner's responsibility — it receives
// the same ctx). It is idempotent: stopping an already-stopped channel is a
// no-op returning nil.
func (m *Manager) Stop(ctx context.Context, channel models.ChannelType, channelID string) error {
	key := channelKey(channel, channelID)
	slot := m.slotFor(key)

	slot.mu.Lock()
	if !slot.live {
		slot.mu.Unlock()
		return nil
	}
	cancel := slot.cancel
	done := slot.done
	hadTurn := slot.hadTurn
	slot.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	session, err := m.store.GetSessionByKey(ctx, storage.SessionKey(channel, channelID))
	if err != nil {
		return err
	}
	if !hadTurn {
		session.Status = models.SessionCancelled
		session.Active = false
	}
	return m.store.UpdateSession(ctx, session)
}

// Reset marks the current session on a channel inactive and starts a fresh
// one preserving channel identity. Old messages remain readable under the
// old session ID.
func (m *Manager) Reset(ctx context.Context, channel models.ChannelType, channelID string) (*models.Session, error) {
	if err := m.Stop(ctx, channel, channelID); err != nil {
		return nil, err
	}

	key := storage.SessionKey(channel, channelID)
	old, err := m.store.GetSessionByKey(ctx, key)
	if err == nil {
		old.Active = false
		old.Key = old.Key + "#" + old.ID // free up the identity key for the new session
		if uerr := m.store.UpdateSession(ctx, old); uerr != nil {
			return nil, uerr
		}
	} else if !engineerr.Is(err, engineerr.NotFound) {
		return nil, err
	}

	fresh := &models.Session{
		AgentID:   m.agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		Active:    true,
		Status:    models.SessionActive,
		Mode:      models.ModePartner,
	}
	if err := m.store.CreateSession(ctx, fresh); err != nil {
		return nil, err
	}
	m.publish(ctx, channel, channelID, fresh.ID, models.TopicSessionCreated, nil)
	return fresh, nil
}

// Resume reopens a session that was stopped mid-turn, re-submitting its
// last user turn.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*ExecutionHandle, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := m.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	var lastUserText string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			lastUserText = history[i].Content
			break
		}
	}
	if strings.TrimSpace(lastUserText) == "" {
		return nil, engineerr.New(engineerr.Invalid, "sessionmgr.Resume", "no prior user turn to resume")
	}

	session.Active = true
	session.Status = models.SessionActive
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return m.SubmitTurn(ctx, session.Channel, session.ChannelID, lastUserText)
}

func (m *Manager) publish(ctx context.Context, channel models.ChannelType, channelID, sessionID, topic string, meta map[string]any) {
	evt := models.Event{
		Topic:     topic,
		ChannelID: channelID,
		SessionID: sessionID,
	}
	if meta != nil {
		evt.Text = &models.TextEventPayload{}
		if reason, ok := meta["reason"].(string); ok {
			evt.Text.Text = reason
		}
		if errMsg, ok := meta["error"].(string); ok {
			evt.Error = &models.ErrorEventPayload{Message: errMsg}
		}
	}
	m.bus.Publish(ctx, evt)
}

// Package agentloop implements the Agent Loop: the three-phase
// Explore -> Plan -> Perform cooperative state machine that drives a
// session's model round trips, tool dispatch, transcript persistence, and
// event emission. It satisfies sessionmgr.ExecutionRunner so it can be
// injected directly into the Session Manager as the thing that actually
// drives a submitted turn.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/confirm"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/internal/tools"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Phase is one of the three cooperative stages the loop cycles through for
// every submitted turn.
type Phase string

const (
	PhaseExplore Phase = "explore"
	PhasePlan    Phase = "plan"
	PhasePerform Phase = "perform"
	PhaseDone    Phase = "done"
)

// Planner primitives are reserved tool names the loop intercepts itself
// rather than dispatching through the Tool Registry: their effects target
// per-session in-memory state (the register bag, the planner task queue,
// the current phase's exit) that the registry has no access to. Every
// other tool call directive is a normal Tool Registry dispatch.
const (
	toolReadyToPlan     = "ready_to_plan"
	toolReadyToPerform  = "ready_to_perform"
	toolFinishExecution = "finish_execution"
	toolCreateTask      = "create_task"
	toolAddTaskNote     = "add_task_note"
	toolStartTask       = "start_task"
	toolCompleteTask    = "complete_task"
	toolFailTask        = "fail_task"
	toolSetRegister     = "set_register"
)

func isPlannerPrimitive(name string) bool {
	switch name {
	case toolReadyToPlan, toolReadyToPerform, toolFinishExecution,
		toolCreateTask, toolAddTaskNote, toolStartTask, toolCompleteTask, toolFailTask,
		toolSetRegister:
		return true
	}
	return false
}

// plannerDescriptor synthesizes a catalogue entry for a planner primitive
// so it can be listed alongside domain tools in a model request's tool
// manifest; these never reach the Tool Registry.
func plannerDescriptor(name, description string) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        name,
		Group:       models.ToolGroupPlanning,
		Description: description,
		Enabled:     true,
	}
}

var plannerDescriptors = map[string]models.ToolDescriptor{
	toolReadyToPlan:     plannerDescriptor(toolReadyToPlan, "Signal that exploration is complete and planning should begin."),
	toolReadyToPerform:  plannerDescriptor(toolReadyToPerform, "Signal that the plan is complete and task execution should begin."),
	toolFinishExecution: plannerDescriptor(toolFinishExecution, "Signal that every planned task has been worked and the turn is complete."),
	toolCreateTask:      plannerDescriptor(toolCreateTask, "Append a new task to the planner task queue."),
	toolAddTaskNote:     plannerDescriptor(toolAddTaskNote, "Attach a note to an existing task."),
	toolStartTask:       plannerDescriptor(toolStartTask, "Mark a pending task as in progress."),
	toolCompleteTask:    plannerDescriptor(toolCompleteTask, "Mark an in-progress task as completed."),
	toolFailTask:        plannerDescriptor(toolFailTask, "Mark an in-progress task as failed."),
	toolSetRegister:     plannerDescriptor(toolSetRegister, "Store a value in the session's scratch register bag."),
}

// Config bounds the loop's phase iteration caps and model-retry behavior.
type Config struct {
	MaxExploreIterations int
	MaxPlanIterations     int
	MaxPerformIterations  int

	// ThinkingIdleThreshold is the minimum spacing between "still thinking"
	// notifications during a single round trip.
	ThinkingIdleThreshold time.Duration

	ModelRetryAttempts int
	ModelRetryPolicy   backoff.BackoffPolicy

	DefaultModel  string
	DefaultSystem string

	// MaxContextTokens and HistoryShare bound how much of the conversation
	// history is kept verbatim before compaction.PruneHistoryForContextShare
	// drops the oldest messages.
	MaxContextTokens int
	HistoryShare     float64

	MaxToolResultChars int
}

// DefaultConfig returns the engine's default phase caps: Explore 10, Plan
// 8, Perform 50 (configurable 10-200), a 5s thinking-throttle window, and
// 3 model-retry attempts with the package's default backoff policy.
func DefaultConfig() Config {
	return Config{
		MaxExploreIterations:  10,
		MaxPlanIterations:     8,
		MaxPerformIterations:  50,
		ThinkingIdleThreshold: 5 * time.Second,
		ModelRetryAttempts:    3,
		ModelRetryPolicy:      backoff.DefaultPolicy(),
		MaxContextTokens:      compaction.DefaultContextWindow,
		HistoryShare:          0.8,
		MaxToolResultChars:    4096,
	}
}

func sanitizeConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxExploreIterations <= 0 {
		cfg.MaxExploreIterations = d.MaxExploreIterations
	}
	if cfg.MaxPlanIterations <= 0 {
		cfg.MaxPlanIterations = d.MaxPlanIterations
	}
	if cfg.MaxPerformIterations < 10 || cfg.MaxPerformIterations > 200 {
		cfg.MaxPerformIterations = d.MaxPerformIterations
	}
	if cfg.ThinkingIdleThreshold <= 0 {
		cfg.ThinkingIdleThreshold = d.ThinkingIdleThreshold
	}
	if cfg.ModelRetryAttempts <= 0 {
		cfg.ModelRetryAttempts = d.ModelRetryAttempts
	}
	if cfg.ModelRetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.ModelRetryPolicy = d.ModelRetryPolicy
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = d.MaxContextTokens
	}
	if cfg.HistoryShare <= 0 || cfg.HistoryShare > 1 {
		cfg.HistoryShare = d.HistoryShare
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = d.MaxToolResultChars
	}
	return cfg
}

// ToolInvoker is the slice of the Tool Registry the loop dispatches
// non-primitive tool call directives through.
type ToolInvoker interface {
	Invoke(ctx context.Context, ictx tools.InvokeContext, name string, params json.RawMessage) (*models.ToolResult, error)
	Descriptors() []models.ToolDescriptor
}

// SubAgentCanceller is the slice of the Sub-Agent Pool the loop uses to
// cancel every sub-agent a session spawned, on that session's
// cancellation.
type SubAgentCanceller interface {
	List(parentSessionID string) []*models.SubAgent
	Cancel(id string) error
}

// Loop drives one session's turns through the Explore/Plan/Perform phase
// machine. A single Loop is shared by every session; per-session state
// (register bag, planner task queue) lives in an in-memory map keyed by
// session ID, populated lazily and dropped once a turn finishes.
type Loop struct {
	cfg       Config
	provider  Provider
	toolset   ToolInvoker
	store     storage.Store
	bus       *eventbus.Bus
	gate      *confirm.Gate
	subagents SubAgentCanceller
	logger    *slog.Logger

	statesMu sync.Mutex
	states   map[string]*sessionState

	modeMu sync.Mutex
	modes  map[string]modeSubtype // last-seen (mode, subtype) per session, for change-event detection
}

type modeSubtype struct {
	mode    models.OperatingMode
	subtype string
}

// New builds an Agent Loop. gate and subagents may be nil if the engine is
// configured without confirmation routing or sub-agents respectively.
func New(provider Provider, toolset ToolInvoker, store storage.Store, bus *eventbus.Bus, gate *confirm.Gate, subagents SubAgentCanceller, logger *slog.Logger, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       sanitizeConfig(cfg),
		provider:  provider,
		toolset:   toolset,
		store:     store,
		bus:       bus,
		gate:      gate,
		subagents: subagents,
		logger:    logger.With("component", "agentloop"),
		states:    make(map[string]*sessionState),
		modes:     make(map[string]modeSubtype),
	}
}

func (l *Loop) stateFor(sessionID string) *sessionState {
	l.statesMu.Lock()
	defer l.statesMu.Unlock()
	s, ok := l.states[sessionID]
	if !ok {
		s = newSessionState()
		l.states[sessionID] = s
	}
	return s
}

func (l *Loop) clearState(sessionID string) {
	l.statesMu.Lock()
	defer l.statesMu.Unlock()
	delete(l.states, sessionID)
}

// Run drives a single submitted turn to completion or cancellation. It
// satisfies sessionmgr.ExecutionRunner.
func (l *Loop) Run(ctx context.Context, session *models.Session, text string) error {
	state := l.stateFor(session.ID)
	defer l.clearState(session.ID)

	history, err := l.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return err
	}
	state.hydrateFromHistory(session.ID, history)

	state.mu.Lock()
	state.mode = session.Mode
	state.subtype = session.Subtype
	state.mu.Unlock()
	l.publishModeChangeIfNeeded(ctx, session)

	phases := []struct {
		phase Phase
		max   int
		exit  string
	}{
		{PhaseExplore, l.cfg.MaxExploreIterations, toolReadyToPlan},
		{PhasePlan, l.cfg.MaxPlanIterations, toolReadyToPerform},
		{PhasePerform, l.cfg.MaxPerformIterations, toolFinishExecution},
	}

	for _, p := range phases {
		if ctx.Err() != nil {
			return l.handleCancellation(ctx, session, state)
		}
		if err := l.runPhase(ctx, session, state, p.phase, p.max, p.exit); err != nil {
			if engineerr.Is(err, engineerr.Cancelled) {
				return l.handleCancellation(ctx, session, state)
			}
			return l.fail(ctx, session, err)
		}
	}

	return l.complete(ctx, session, state)
}

func (l *Loop) runPhase(ctx context.Context, session *models.Session, state *sessionState, phase Phase, maxIter int, exitMarker string) error {
	state.setPhase(phase)
	throttle := newThinkingThrottle(l.cfg.ThinkingIdleThreshold)

	for i := 0; i < maxIter; i++ {
		if ctx.Err() != nil {
			return engineerr.Wrap(engineerr.Cancelled, "agentloop.runPhase", ctx.Err())
		}
		exited, err := l.runIteration(ctx, session, state, phase, exitMarker, throttle)
		if err != nil {
			return err
		}
		if exited {
			return nil
		}
	}

	l.publishWarning(ctx, session, fmt.Sprintf("%s phase reached its %d-iteration cap; advancing", phase, maxIter))
	if phase == PhasePerform {
		l.flagPendingTasks(ctx, session, state)
	}
	return nil
}

// runIteration performs one language-model round trip: assemble the
// prompt, submit it (with retry on transient failure), stream the
// response, dispatch any tool calls, and persist everything. The returned
// bool reports whether the phase's exit marker fired this iteration.
func (l *Loop) runIteration(ctx context.Context, session *models.Session, state *sessionState, phase Phase, exitMarker string, throttle *thinkingThrottle) (bool, error) {
	req, err := l.assembleRequest(ctx, session, state, phase)
	if err != nil {
		return false, err
	}

	chunks, err := l.completeWithRetry(ctx, session, req)
	if err != nil {
		return false, err
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	for chunk := range chunks {
		if ctx.Err() != nil {
			return false, engineerr.Wrap(engineerr.Cancelled, "agentloop.runIteration", ctx.Err())
		}
		if chunk.Error != nil {
			return false, l.classifyModelError(chunk.Error)
		}
		if chunk.Thinking != "" || chunk.ThinkingStart {
			throttle.maybeEmit(func() { l.publishThinking(ctx, session) })
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}

	assistantText := text.String()
	if assistantText != "" {
		l.appendMessage(ctx, session, models.RoleAssistant, assistantText, nil, nil)
	}

	exited := false
	for _, call := range toolCalls {
		if ctx.Err() != nil {
			return false, engineerr.Wrap(engineerr.Cancelled, "agentloop.runIteration", ctx.Err())
		}
		l.appendMessage(ctx, session, models.RoleToolCall, "", []models.ToolCall{call}, nil)

		result, marker := l.dispatchToolCall(ctx, session, state, call)
		l.appendMessage(ctx, session, models.RoleToolResult, "", nil, []models.ToolResult{*result})

		if marker == exitMarker {
			exited = true
		}
	}

	// A model response with zero tool calls and no exit marker still
	// counts as one completed iteration of the phase.
	return exited, nil
}

func (l *Loop) dispatchToolCall(ctx context.Context, session *models.Session, state *sessionState, call models.ToolCall) (*models.ToolResult, string) {
	if isPlannerPrimitive(call.Name) {
		return l.handlePlannerPrimitive(ctx, session, state, call)
	}

	ictx := tools.InvokeContext{
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Mode:      state.currentMode(),
	}
	result, err := l.toolset.Invoke(ctx, ictx, call.Name, call.Input)
	if err != nil {
		if engineerr.Is(err, engineerr.Cancelled) {
			return &models.ToolResult{ToolCallID: call.ID, Content: "cancelled", IsError: true}, ""
		}
		return &models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, ""
	}
	result.ToolCallID = call.ID
	if len(result.Content) > l.cfg.MaxToolResultChars {
		result.Content = result.Content[:l.cfg.MaxToolResultChars]
	}
	return result, ""
}

// handlePlannerPrimitive mutates the register bag / planner task queue and
// reports the marker name when the call is a phase-exit signal.
func (l *Loop) handlePlannerPrimitive(ctx context.Context, session *models.Session, state *sessionState, call models.ToolCall) (*models.ToolResult, string) {
	var p registerTaskPrimitiveParams
	_ = json.Unmarshal(call.Input, &p)

	ok := func(msg string) *models.ToolResult { return &models.ToolResult{ToolCallID: call.ID, Content: msg} }
	fail := func(err error) *models.ToolResult {
		return &models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}

	switch call.Name {
	case toolReadyToPlan, toolReadyToPerform, toolFinishExecution:
		return ok("acknowledged"), call.Name

	case toolSetRegister:
		state.setRegister(p.Key, p.Value)
		return ok("stored"), ""

	case toolCreateTask:
		task := state.createTask(session.ID, p.Description)
		l.publishTaskEvent(ctx, session, models.TopicTaskQueueUpdate, task)
		return ok(task.ID), ""

	case toolAddTaskNote:
		if err := state.addTaskNote(p.TaskID, p.Note); err != nil {
			return fail(err), ""
		}
		return ok("noted"), ""

	case toolStartTask:
		task, err := state.transition(p.TaskID, models.TaskInProgress, "")
		if err != nil {
			return fail(err), ""
		}
		l.publishTaskEvent(ctx, session, models.TopicTaskStatusChange, task)
		return ok("started"), ""

	case toolCompleteTask:
		task, err := state.transition(p.TaskID, models.TaskCompleted, "")
		if err != nil {
			return fail(err), ""
		}
		l.publishTaskEvent(ctx, session, models.TopicTaskStatusChange, task)
		return ok("completed"), ""

	case toolFailTask:
		task, err := state.transition(p.TaskID, models.TaskFailed, p.Reason)
		if err != nil {
			return fail(err), ""
		}
		l.publishTaskEvent(ctx, session, models.TopicTaskStatusChange, task)
		return ok("failed"), ""
	}

	return fail(engineerr.New(engineerr.Invalid, "agentloop.handlePlannerPrimitive", "unknown planner primitive: "+call.Name)), ""
}

// flagPendingTasks is called when Perform hits its iteration cap with
// tasks still outstanding: the phase still transitions to Done, but the
// partial result is surfaced via a warning rather than silently dropped.
func (l *Loop) flagPendingTasks(ctx context.Context, session *models.Session, state *sessionState) {
	if n := state.pendingCount(); n > 0 {
		l.publishWarning(ctx, session, fmt.Sprintf("%d task(s) left pending when the tool-call budget was exhausted", n))
	}
}

// assembleRequest builds one round trip's request: system identity, tool
// manifest filtered by phase and session toolbox, and conversation
// history pruned to fit the context budget when near the limit.
func (l *Loop) assembleRequest(ctx context.Context, session *models.Session, state *sessionState, phase Phase) (*ModelRequest, error) {
	history, err := l.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return nil, err
	}

	messages := toCompactionMessages(history)
	pruned := compaction.PruneHistoryForContextShare(messages, l.cfg.MaxContextTokens, l.cfg.HistoryShare, 4)

	model := session.Metadata["model"]
	modelID, _ := model.(string)
	if modelID == "" {
		modelID = l.cfg.DefaultModel
	}

	return &ModelRequest{
		Model:     modelID,
		System:    l.systemPrompt(session, phase),
		Messages:  toModelMessages(pruned.Messages),
		Tools:     l.toolManifest(session, phase),
		MaxTokens: 4096,
	}, nil
}

func (l *Loop) systemPrompt(session *models.Session, phase Phase) string {
	var b strings.Builder
	if l.cfg.DefaultSystem != "" {
		b.WriteString(l.cfg.DefaultSystem)
		b.WriteString("\n\n")
	}
	if session.Subtype != "" {
		fmt.Fprintf(&b, "Operating subtype: %s.\n", session.Subtype)
	}
	switch phase {
	case PhaseExplore:
		b.WriteString("You are exploring. Gather context with read-only tools, then call ready_to_plan.")
	case PhasePlan:
		b.WriteString("You are planning. Decompose the work into tasks with create_task, then call ready_to_perform.")
	case PhasePerform:
		b.WriteString("You are performing. Work pending tasks in order with start_task/complete_task/fail_task, then call finish_execution.")
	}
	return b.String()
}

// toolManifest returns every tool callable this iteration: the phase's
// planner primitives plus domain tools gated by the phase's mutation
// policy and the session's toolbox allow-list.
func (l *Loop) toolManifest(session *models.Session, phase Phase) []models.ToolDescriptor {
	var out []models.ToolDescriptor
	for _, name := range primitivesForPhase(phase) {
		out = append(out, plannerDescriptors[name])
	}

	toolbox := make(map[string]bool, len(session.Toolbox))
	for _, name := range session.Toolbox {
		toolbox[name] = true
	}

	for _, desc := range l.toolset.Descriptors() {
		if !desc.Enabled {
			continue
		}
		if len(toolbox) > 0 && !toolbox[desc.Name] {
			continue
		}
		if !domainToolAllowedInPhase(desc, phase) {
			continue
		}
		out = append(out, desc)
	}
	return out
}

func primitivesForPhase(phase Phase) []string {
	switch phase {
	case PhaseExplore:
		return []string{toolSetRegister, toolReadyToPlan}
	case PhasePlan:
		return []string{toolSetRegister, toolCreateTask, toolAddTaskNote, toolReadyToPerform}
	case PhasePerform:
		return []string{toolSetRegister, toolAddTaskNote, toolStartTask, toolCompleteTask, toolFailTask, toolFinishExecution}
	}
	return nil
}

func domainToolAllowedInPhase(desc models.ToolDescriptor, phase Phase) bool {
	switch phase {
	case PhaseExplore:
		return !desc.Mutation || desc.Group == models.ToolGroupSkillLoader
	case PhasePlan:
		return false
	case PhasePerform:
		return true
	}
	return false
}

// completeWithRetry submits a round trip, retrying Transient model
// failures with exponential backoff up to the configured ceiling.
// Permanent failures and a cancelled context abort immediately.
func (l *Loop) completeWithRetry(ctx context.Context, session *models.Session, req *ModelRequest) (<-chan *ModelChunk, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.ModelRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, engineerr.Wrap(engineerr.Cancelled, "agentloop.complete", err)
		}

		chunks, err := l.provider.Complete(ctx, req)
		if err == nil {
			return chunks, nil
		}

		classified := l.classifyModelError(err)
		lastErr = classified
		if !engineerr.IsRetryable(classified) || attempt == l.cfg.ModelRetryAttempts {
			return nil, classified
		}

		l.publishRetrying(ctx, session, attempt, classified)
		if serr := backoff.SleepWithBackoff(ctx, l.cfg.ModelRetryPolicy, attempt); serr != nil {
			return nil, engineerr.Wrap(engineerr.Cancelled, "agentloop.complete", serr)
		}
	}
	return nil, lastErr
}

// classifyModelError maps a provider error to an engine Kind. An error
// already carrying an engineerr.Kind is trusted as-is; everything else is
// classified by a conservative string heuristic, defaulting to Permanent
// so an unrecognized failure never retries forever.
func (l *Loop) classifyModelError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := engineerr.As(err); ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range []string{"rate limit", "429", "timeout", "timed out", "connection reset", "temporarily unavailable", "502", "503", "overloaded"} {
		if strings.Contains(msg, signal) {
			return engineerr.Wrap(engineerr.Transient, "agentloop.model", err)
		}
	}
	return engineerr.Wrap(engineerr.Permanent, "agentloop.model", err)
}

func (l *Loop) appendMessage(ctx context.Context, session *models.Session, role models.Role, content string, toolCalls []models.ToolCall, toolResults []models.ToolResult) {
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Channel:     session.Channel,
		ChannelID:   session.ChannelID,
		Direction:   models.DirectionOutbound,
		Role:        role,
		Content:     content,
		ToolCalls:   toolCalls,
		ToolResults: toolResults,
		CreatedAt:   time.Now(),
	}
	if err := l.store.AppendMessage(ctx, session.ID, msg); err != nil {
		l.logger.Warn("append message failed", "session_id", session.ID, "error", err)
	}
}

func (l *Loop) complete(ctx context.Context, session *models.Session, state *sessionState) error {
	state.setPhase(PhaseDone)
	summary := summarizeOutcome(state)
	l.appendMessage(ctx, session, models.RoleAssistant, summary, nil, nil)
	l.publish(ctx, session, models.TopicExecCompleted, nil)
	return nil
}

func summarizeOutcome(state *sessionState) string {
	tasks := state.snapshot()
	if len(tasks) == 0 {
		return "Done."
	}
	completed := 0
	for _, t := range tasks {
		if t.Status == models.TaskCompleted {
			completed++
		}
	}
	return fmt.Sprintf("Done. Completed %d/%d planned tasks.", completed, len(tasks))
}

// handleCancellation runs the bounded shutdown phase: cancel every
// sub-agent this session spawned, reject any open confirmation slot, and
// return a Cancelled error. It publishes no event itself: the Session
// Manager reports execution.stopped and separately bounds how long it
// waits for this to return (2s).
func (l *Loop) handleCancellation(ctx context.Context, session *models.Session, state *sessionState) error {
	if l.subagents != nil {
		for _, sub := range l.subagents.List(session.ID) {
			_ = l.subagents.Cancel(sub.ID)
		}
	}
	if l.gate != nil {
		l.gate.CancelForSession(session.ChannelID, session.ID)
	}
	return engineerr.New(engineerr.Cancelled, "agentloop.Run", "execution cancelled")
}

func (l *Loop) fail(ctx context.Context, session *models.Session, err error) error {
	l.publish(ctx, session, models.TopicAgentError, &models.ErrorEventPayload{Message: err.Error()})
	return err
}

func (l *Loop) publishWarning(ctx context.Context, session *models.Session, msg string) {
	l.bus.Publish(ctx, models.Event{
		Topic:     models.TopicAgentWarning,
		ChannelID: session.ChannelID,
		SessionID: session.ID,
		Text:      &models.TextEventPayload{Text: msg},
	})
}

func (l *Loop) publishThinking(ctx context.Context, session *models.Session) {
	l.bus.Publish(ctx, models.Event{
		Topic:     models.TopicAgentThinking,
		ChannelID: session.ChannelID,
		SessionID: session.ID,
		Text:      &models.TextEventPayload{Text: "still thinking"},
	})
}

func (l *Loop) publishRetrying(ctx context.Context, session *models.Session, attempt int, err error) {
	l.bus.Publish(ctx, models.Event{
		Topic:     models.TopicAIRetrying,
		ChannelID: session.ChannelID,
		SessionID: session.ID,
		Error:     &models.ErrorEventPayload{Message: err.Error()},
	})
}

func (l *Loop) publishTaskEvent(ctx context.Context, session *models.Session, topic string, task *models.PlannerTask) {
	l.bus.Publish(ctx, models.Event{
		Topic:     topic,
		ChannelID: session.ChannelID,
		SessionID: session.ID,
		Text:      &models.TextEventPayload{Text: task.ID + ": " + string(task.Status)},
	})
}

func (l *Loop) publish(ctx context.Context, session *models.Session, topic string, payload *models.ErrorEventPayload) {
	l.bus.Publish(ctx, models.Event{
		Topic:     topic,
		ChannelID: session.ChannelID,
		SessionID: session.ID,
		Error:     payload,
	})
}

// publishModeChangeIfNeeded compares a session's current mode/subtype
// against the last value observed for it and publishes the corresponding
// change event exactly when they differ — mode/subtype are orthogonal to
// phase and user-settable outside the loop, so this is the loop's one
// chance per turn to notice a change made since the prior turn.
func (l *Loop) publishModeChangeIfNeeded(ctx context.Context, session *models.Session) {
	l.modeMu.Lock()
	prev, seen := l.modes[session.ID]
	current := modeSubtype{mode: session.Mode, subtype: session.Subtype}
	l.modes[session.ID] = current
	l.modeMu.Unlock()

	if !seen {
		return
	}
	if prev.mode != current.mode {
		l.bus.Publish(ctx, models.Event{
			Topic:     models.TopicAgentModeChange,
			ChannelID: session.ChannelID,
			SessionID: session.ID,
			Mode:      &models.ModeEventPayload{Mode: current.mode},
		})
	}
	if prev.subtype != current.subtype {
		l.bus.Publish(ctx, models.Event{
			Topic:     models.TopicAgentSubtype,
			ChannelID: session.ChannelID,
			SessionID: session.ID,
			Mode:      &models.ModeEventPayload{Subtype: current.subtype},
		})
	}
}

func toCompactionMessages(history []*models.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(history))
	for _, m := range history {
		cm := &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			ID:        m.ID,
		}
		if len(m.ToolCalls) > 0 {
			if b, err := json.Marshal(m.ToolCalls); err == nil {
				cm.ToolCalls = string(b)
			}
		}
		if len(m.ToolResults) > 0 {
			if b, err := json.Marshal(m.ToolResults); err == nil {
				cm.ToolResults = string(b)
			}
		}
		out = append(out, cm)
	}
	return out
}

func toModelMessages(messages []*compaction.Message) []ModelMessage {
	out := make([]ModelMessage, 0, len(messages))
	for _, m := range messages {
		mm := ModelMessage{Role: models.Role(m.Role), Content: m.Content}
		if m.ToolCalls != "" {
			_ = json.Unmarshal([]byte(m.ToolCalls), &mm.ToolCalls)
		}
		if m.ToolResults != "" {
			_ = json.Unmarshal([]byte(m.ToolResults), &mm.ToolResults)
		}
		out = append(out, mm)
	}
	return out
}

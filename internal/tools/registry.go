// Package tools implements the Tool Registry: registration, policy-gated
// dispatch, confirmation routing, and execution-record persistence for
// every tool an Agent Loop can call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/confirm"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Tool parameter limits, mirrored from the prior tool-call dispatcher to
// bound resource use regardless of who authored the call.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// InvokeContext carries everything a Tool's Invoke needs beyond its raw
// parameters: session/channel identity and the session's operating mode.
// The event bus and persistence port are held by the Registry, not passed
// here.
type InvokeContext struct {
	SessionID string
	Channel   models.ChannelType
	ChannelID string
	Mode      models.OperatingMode
}

// Tool is a single invokable capability. Descriptor drives registry
// policy (enabled/disabled, requires-confirmation, mutation) without
// requiring a type assertion on the concrete implementation.
type Tool interface {
	Name() string
	Descriptor() models.ToolDescriptor
	Invoke(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error)
}

// Config bounds tool execution: default timeout and retry behavior for
// Transient failures.
type Config struct {
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConfig returns the engine's default execution bounds: a 60s tool
// timeout per the engine's timeout policy, two retries of Transient
// failures with exponential backoff.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  60 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// nameLock is a refcounted mutex keyed by (tool name, session ID), giving
// same-name-same-session serialization while leaving different sessions
// (or different tools in the same session) free to run in parallel.
type nameLock struct {
	mu   sync.Mutex
	refs int
}

// Registry owns tool registration, enable/disable policy, and dispatch.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	tools   map[string]Tool
	enabled map[string]bool

	store storage.Store
	bus   *eventbus.Bus
	gate  *confirm.Gate
	mtx   *metrics.Metrics

	locksMu sync.Mutex
	locks   map[string]*nameLock
}

// SetMetrics attaches a metrics sink. Safe to call with nil to detach.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mtx = m
}

// New builds a Tool Registry. gate may be nil if confirmation routing is
// never needed (e.g. a read-only toolset).
func New(store storage.Store, bus *eventbus.Bus, gate *confirm.Gate, cfg Config) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		cfg:     cfg,
		tools:   make(map[string]Tool),
		enabled: make(map[string]bool),
		store:   store,
		bus:     bus,
		gate:    gate,
		locks:   make(map[string]*nameLock),
	}
}

// Register adds a tool, enabled by default. A tool with the same name is
// replaced.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	if _, ok := r.enabled[tool.Name()]; !ok {
		r.enabled[tool.Name()] = true
	}
}

// Unregister removes a tool entirely.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.enabled, name)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetEnabled flips a tool's availability and persists the change so it
// survives a restart.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	r.mu.Lock()
	tool, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return engineerr.New(engineerr.NotFound, "tools.SetEnabled", "unknown tool: "+name)
	}
	r.enabled[name] = enabled
	r.mu.Unlock()

	desc := tool.Descriptor()
	desc.Enabled = enabled
	return r.store.UpsertToolDescriptor(ctx, &desc)
}

// Descriptors returns the catalogue entry for every registered tool,
// reflecting current enable/disable state.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for name, t := range r.tools {
		d := t.Descriptor()
		d.Enabled = r.enabled[name]
		out = append(out, d)
	}
	return out
}

func (r *Registry) lockFor(name, sessionID string) func() {
	key := name + ":" + sessionID
	r.locksMu.Lock()
	l := r.locks[key]
	if l == nil {
		l = &nameLock{}
		r.locks[key] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs <= 0 {
			delete(r.locks, key)
		}
		r.locksMu.Unlock()
	}
}

// Invoke dispatches a single tool call: it rejects disabled tools, routes
// mutating/confirmation-required tools through the Confirmation Gate,
// serializes same-name-same-session calls, executes with timeout/retry/
// panic recovery, publishes tool.execution and tool.result, and writes a
// Tool Execution Record. The returned *models.ToolResult is the tagged
// {ok, error, cancelled, rejected} result surfaced to the Agent Loop.
// Cancellation and confirmation outcomes come back only as tagged results;
// a disabled tool, a missing gate, a recovered panic, a timeout or
// transient failure that outlasts the retries, and any other tool error
// also return a non-nil engineerr-kinded error beside the result.
func (r *Registry) Invoke(ctx context.Context, ictx InvokeContext, name string, params json.RawMessage) (*models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &models.ToolResult{Content: "tool name exceeds maximum length", IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &models.ToolResult{Content: "tool parameters exceed maximum size", IsError: true}, nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return &models.ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}

	r.mu.RLock()
	enabled := r.enabled[name]
	r.mu.RUnlock()
	if !enabled {
		return nil, engineerr.New(engineerr.Disabled, "tools.Invoke", "tool is disabled: "+name)
	}

	desc := tool.Descriptor()
	if confirm.RequiresConfirmation(ictx.Mode, desc.RequiresConfirmation, desc.Mutation) {
		if r.gate == nil {
			return nil, engineerr.New(engineerr.Permanent, "tools.Invoke", "confirmation required but no gate configured")
		}
		if err := r.gate.Request(ctx, ictx.ChannelID, ictx.SessionID, name, desc.Description, params); err != nil {
			result := &models.ToolResult{ToolCallID: "", Content: err.Error(), IsError: true}
			r.recordExecution(ctx, ictx, name, params, false, 0, result.Content)
			return result, nil
		}
	}

	unlock := r.lockFor(name, ictx.SessionID)
	defer unlock()

	r.publish(ctx, ictx, models.TopicToolExecution, name, "", false, 0)

	start := time.Now()
	result, invokeErr := r.invokeWithBounds(ctx, tool, ictx, params)
	duration := time.Since(start)

	if invokeErr != nil {
		r.publish(ctx, ictx, models.TopicToolResult, name, invokeErr.Error(), true, duration)
		r.recordExecution(ctx, ictx, name, params, false, duration, invokeErr.Error())
		r.mtx.ToolExecuted(name, "error", duration)
		if engineerr.Is(invokeErr, engineerr.Cancelled) {
			return &models.ToolResult{Content: invokeErr.Error(), IsError: true}, nil
		}
		return nil, invokeErr
	}

	r.publish(ctx, ictx, models.TopicToolResult, name, result.Content, result.IsError, duration)
	preview := result.Content
	r.recordExecution(ctx, ictx, name, params, !result.IsError, duration, preview)
	outcome := "success"
	if result.IsError {
		outcome = "error"
	}
	r.mtx.ToolExecuted(name, outcome, duration)
	return result, nil
}

// invokeWithBounds runs a tool's Invoke under a timeout with panic
// recovery, retrying Transient failures with exponential backoff.
func (r *Registry) invokeWithBounds(ctx context.Context, tool Tool, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
	var lastErr error
	backoff := r.cfg.RetryBackoff

	for attempt := 0; attempt <= r.cfg.DefaultRetries; attempt++ {
		result, err := r.invokeOnce(ctx, tool, ictx, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !engineerr.IsRetryable(err) || ctx.Err() != nil || attempt >= r.cfg.DefaultRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > r.cfg.MaxRetryBackoff {
			sleep = r.cfg.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, engineerr.Wrap(engineerr.Cancelled, "tools.Invoke", ctx.Err())
		}
	}
	return nil, lastErr
}

func (r *Registry) invokeOnce(ctx context.Context, tool Tool, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.cfg.DefaultTimeout)
	defer cancel()

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := engineerr.New(engineerr.Permanent, "tools.Invoke", fmt.Sprintf("tool %q panicked: %v\n%s", tool.Name(), rec, debug.Stack()))
				done <- outcome{err: err}
			}
		}()
		result, err := tool.Invoke(execCtx, ictx, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && execCtx.Err() != nil {
			// The tool observed its own context expiring before returning;
			// classify consistently with the execCtx.Done() branch below
			// rather than surfacing whatever raw error it happened to return.
			if ctx.Err() != nil {
				return nil, engineerr.Wrap(engineerr.Cancelled, "tools.Invoke", ctx.Err())
			}
			return nil, engineerr.New(engineerr.Transient, "tools.Invoke", fmt.Sprintf("tool %q timed out after %s", tool.Name(), r.cfg.DefaultTimeout))
		}
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, engineerr.Wrap(engineerr.Cancelled, "tools.Invoke", ctx.Err())
		}
		return nil, engineerr.New(engineerr.Transient, "tools.Invoke", fmt.Sprintf("tool %q timed out after %s", tool.Name(), r.cfg.DefaultTimeout))
	}
}

func (r *Registry) publish(ctx context.Context, ictx InvokeContext, topic, name, content string, isError bool, elapsed time.Duration) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, models.Event{
		Topic:     topic,
		ChannelID: ictx.ChannelID,
		SessionID: ictx.SessionID,
		Tool: &models.ToolEventPayload{
			Name:       name,
			Success:    !isError,
			ResultJSON: []byte(content),
			Elapsed:    elapsed,
		},
	})
}

func (r *Registry) recordExecution(ctx context.Context, ictx InvokeContext, name string, params json.RawMessage, success bool, duration time.Duration, preview string) {
	if r.store == nil {
		return
	}
	const maxPreview = 2048
	if len(preview) > maxPreview {
		preview = preview[:maxPreview]
	}
	rec := &models.ToolExecutionRecord{
		ID:         uuid.NewString(),
		SessionID:  ictx.SessionID,
		ToolName:   name,
		Parameters: params,
		Success:    success,
		Duration:   duration,
		ExecutedAt: time.Now(),
	}
	if success {
		rec.ResultPreview = preview
	} else {
		rec.FailureMessage = preview
	}
	_ = r.store.RecordToolExecution(ctx, rec)
}

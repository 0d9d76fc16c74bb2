package models

import "time"

// Event is the unified event model published on the Event Bus. It follows
// the same discriminated-payload shape as AgentEvent (a single Topic
// selector plus typed, mostly-nil payload pointers) generalized to the
// engine's wider topic space (session/execution/tool/agent/subagent/tx/
// confirmation/task/cron/x402), since that space is open-ended rather than
// a small closed enum.
type Event struct {
	// Topic identifies the kind of event, e.g. "tool.execution", "tx.pending".
	Topic string `json:"topic"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic per publisher for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// ChannelID is the originating channel identity; subscribers filter on it.
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id,omitempty"`

	// Exactly one payload is typically non-nil for a given Topic.
	Text     *TextEventPayload     `json:"text,omitempty"`
	Tool     *ToolEventPayload     `json:"tool,omitempty"`
	Error    *ErrorEventPayload    `json:"error,omitempty"`
	Tx       *TxEventPayload       `json:"tx,omitempty"`
	Confirm  *ConfirmEventPayload  `json:"confirm,omitempty"`
	SubAgent *SubAgentEventPayload `json:"subagent,omitempty"`
	Mode     *ModeEventPayload     `json:"mode,omitempty"`
}

// TxEventPayload carries transaction-lifecycle event data.
type TxEventPayload struct {
	UUID   string   `json:"uuid"`
	Status TxStatus `json:"status"`
	TxHash string   `json:"tx_hash,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// ConfirmEventPayload carries confirmation-gate event data.
type ConfirmEventPayload struct {
	ID       string             `json:"id"`
	ToolName string             `json:"tool_name"`
	Status   ConfirmationStatus `json:"status"`
}

// SubAgentEventPayload carries sub-agent lifecycle event data.
type SubAgentEventPayload struct {
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Status SubAgentStatus `json:"status"`
	Result string         `json:"result,omitempty"`
}

// ModeEventPayload carries operating-mode/subtype change data.
type ModeEventPayload struct {
	Mode    OperatingMode `json:"mode,omitempty"`
	Subtype string        `json:"subtype,omitempty"`
}

// TextEventPayload is generic human-readable text (logs, status messages).
type TextEventPayload struct {
	Text string `json:"text"`
}

// ToolEventPayload describes a tool call and its outcome. ArgsJSON/
// ResultJSON are opaque []byte to avoid coupling to tool schemas.
type ToolEventPayload struct {
	CallID     string        `json:"call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ArgsJSON   []byte        `json:"args_json,omitempty"`
	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload standardizes errors for publication on the event bus.
type ErrorEventPayload struct {
	// Message is the error description (required).
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Retriable indicates if the operation can be retried.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized). Used to
	// preserve error types for errors.Is/errors.As.
	Err error `json:"-"`
}

// Well-known topics. Non-exhaustive: components may publish other
// dot-separated topics under these prefixes.
const (
	TopicSessionCreated  = "session.created"
	TopicSessionUpdated  = "session.updated"
	TopicExecStarted     = "execution.started"
	TopicExecThinking    = "execution.thinking"
	TopicExecCompleted   = "execution.completed"
	TopicExecStopped     = "execution.stopped"
	TopicToolExecution   = "tool.execution"
	TopicToolResult      = "tool.result"
	TopicAgentToolCall   = "agent.tool_call"
	TopicAgentModeChange = "agent.mode_change"
	TopicAgentSubtype    = "agent.subtype_change"
	TopicAgentThinking   = "agent.thinking"
	TopicAgentError      = "agent.error"
	TopicAgentWarning    = "agent.warning"
	TopicSubAgentSpawned   = "subagent.spawned"
	TopicSubAgentCompleted = "subagent.completed"
	TopicSubAgentFailed    = "subagent.failed"
	TopicTxPending        = "tx.pending"
	TopicTxConfirmed      = "tx.confirmed"
	TopicTxFailed         = "tx.failed"
	TopicConfirmRequired  = "confirmation.required"
	TopicConfirmApproved  = "confirmation.approved"
	TopicConfirmRejected  = "confirmation.rejected"
	TopicTaskQueueUpdate  = "task.queue_update"
	TopicTaskStatusChange = "task.status_change"
	TopicCronStarted      = "cron.execution_started_on_channel"
	TopicCronStopped      = "cron.execution_stopped_on_channel"
	TopicX402Payment      = "x402.payment"
	TopicAIRetrying       = "ai.retrying"
)

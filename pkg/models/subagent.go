package models

import "time"

// SubAgentStatus is the lifecycle state of a sub-agent run.
type SubAgentStatus string

const (
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
	SubAgentCancelled SubAgentStatus = "cancelled"
)

// SubAgent is an independently running Agent Loop spawned by a tool on
// behalf of a parent session. Owned by its parent: cancelling the parent
// cancels all children.
type SubAgent struct {
	ID          string         `json:"id"`
	ParentID    string         `json:"parent_session_id"`
	Label       string         `json:"label"`
	Task        string         `json:"task"`
	Status      SubAgentStatus `json:"status"`
	Result      string         `json:"result,omitempty"`
	FailureMsg  string         `json:"failure_message,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
}

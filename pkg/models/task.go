package models

import "time"

// TaskStatus is a planner task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// taskTransitions enumerates the allowed forward edges of a planner task's
// status graph, the same monotonic-graph shape as a Queued Transaction's
// CanTransition.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress},
	TaskInProgress: {TaskCompleted, TaskFailed},
}

// CanTransitionTask reports whether moving a planner task from 'from' to
// 'to' is a legal forward edge.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PlannerTask is one FIFO-ordered unit of work decomposed during a
// session's Plan phase and worked through during Perform. It is never
// persisted directly: it is a per-session in-memory projection,
// reconstructed on resume by replaying the transcript's create_task /
// start_task / complete_task / fail_task tool effects in order.
type PlannerTask struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Note        string     `json:"note,omitempty"`
	FailureMsg  string     `json:"failure_msg,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

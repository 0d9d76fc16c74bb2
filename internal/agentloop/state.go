package agentloop

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// sessionState is the per-session in-memory projection the spec calls the
// register bag and planner task queue: neither is persisted directly, both
// are rebuilt on resume by replaying the transcript's planner-primitive
// tool calls in order (see hydrateFromHistory).
type sessionState struct {
	mu sync.Mutex

	phase   Phase
	mode    models.OperatingMode
	subtype string

	register map[string]any
	tasks    []*models.PlannerTask
	byID     map[string]*models.PlannerTask
}

func newSessionState() *sessionState {
	return &sessionState{
		register: make(map[string]any),
		byID:     make(map[string]*models.PlannerTask),
	}
}

// registerTaskPrimitiveParams mirrors the JSON shape every planner
// primitive tool call carries; fields not relevant to a given primitive
// are simply left zero.
type registerTaskPrimitiveParams struct {
	Key         string `json:"key,omitempty"`
	Value       any    `json:"value,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description,omitempty"`
	Note        string `json:"note,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// hydrateFromHistory replays every planner-primitive tool call found in a
// session's persisted transcript, in order, to reconstruct the register
// bag and planner task queue exactly as they stood before the process
// restarted. Non-primitive tool calls and plain messages are ignored: they
// leave no register/task-queue effect.
func (s *sessionState) hydrateFromHistory(sessionID string, history []*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range history {
		if msg.Role != models.RoleToolCall {
			continue
		}
		for _, call := range msg.ToolCalls {
			if !isPlannerPrimitive(call.Name) {
				continue
			}
			var p registerTaskPrimitiveParams
			_ = json.Unmarshal(call.Input, &p)
			s.applyPrimitiveLocked(sessionID, call.Name, p)
		}
	}
}

func (s *sessionState) applyPrimitiveLocked(sessionID, name string, p registerTaskPrimitiveParams) {
	switch name {
	case toolSetRegister:
		s.register[p.Key] = p.Value
	case toolCreateTask:
		task := &models.PlannerTask{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Description: p.Description,
			Status:      models.TaskPending,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		s.tasks = append(s.tasks, task)
		s.byID[task.ID] = task
	case toolAddTaskNote:
		if t, ok := s.byID[p.TaskID]; ok {
			t.Note = p.Note
			t.UpdatedAt = time.Now()
		}
	case toolStartTask:
		if t, ok := s.byID[p.TaskID]; ok && models.CanTransitionTask(t.Status, models.TaskInProgress) {
			t.Status = models.TaskInProgress
			t.UpdatedAt = time.Now()
		}
	case toolCompleteTask:
		if t, ok := s.byID[p.TaskID]; ok && models.CanTransitionTask(t.Status, models.TaskCompleted) {
			t.Status = models.TaskCompleted
			t.UpdatedAt = time.Now()
		}
	case toolFailTask:
		if t, ok := s.byID[p.TaskID]; ok && models.CanTransitionTask(t.Status, models.TaskFailed) {
			t.Status = models.TaskFailed
			t.FailureMsg = p.Reason
			t.UpdatedAt = time.Now()
		}
	}
}

// setRegister mutates the register bag.
func (s *sessionState) setRegister(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register[key] = value
}

// getRegister reads the register bag.
func (s *sessionState) getRegister(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.register[key]
	return v, ok
}

// createTask appends a new FIFO task in Pending status.
func (s *sessionState) createTask(sessionID, description string) *models.PlannerTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &models.PlannerTask{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Description: description,
		Status:      models.TaskPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.tasks = append(s.tasks, task)
	s.byID[task.ID] = task
	return task
}

func (s *sessionState) addTaskNote(taskID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return engineerr.New(engineerr.NotFound, "agentloop.addTaskNote", "unknown task: "+taskID)
	}
	t.Note = note
	t.UpdatedAt = time.Now()
	return nil
}

// transition applies a status change if it is a legal forward edge.
func (s *sessionState) transition(taskID string, to models.TaskStatus, failureMsg string) (*models.PlannerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "agentloop.transition", "unknown task: "+taskID)
	}
	if !models.CanTransitionTask(t.Status, to) {
		return nil, engineerr.New(engineerr.Invalid, "agentloop.transition", "illegal task transition "+string(t.Status)+" -> "+string(to))
	}
	t.Status = to
	t.FailureMsg = failureMsg
	t.UpdatedAt = time.Now()
	return t, nil
}

// nextPending returns the earliest-created task still in Pending status,
// the FIFO order the Perform phase works tasks in.
func (s *sessionState) nextPending() *models.PlannerTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == models.TaskPending {
			return t
		}
	}
	return nil
}

// pendingCount reports how many tasks remain pending or in progress.
func (s *sessionState) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskPending || t.Status == models.TaskInProgress {
			n++
		}
	}
	return n
}

// snapshot returns a defensive copy of every task, in FIFO order.
func (s *sessionState) snapshot() []*models.PlannerTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PlannerTask, len(s.tasks))
	for i, t := range s.tasks {
		clone := *t
		out[i] = &clone
	}
	return out
}

func (s *sessionState) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *sessionState) currentMode() models.OperatingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

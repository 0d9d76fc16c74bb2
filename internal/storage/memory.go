package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// maxMessagesPerSession bounds memory growth per session.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for tests and local runs, using a
// deep-clone-on-read/write discipline so callers never share mutable state
// with the store's internals.
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message

	toolExecs map[string][]*models.ToolExecutionRecord
	toolDescs map[string]*models.ToolDescriptor

	txs map[string]*models.QueuedTransaction

	cronJobs map[string]*models.CronJob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*models.Session{},
		byKey:     map[string]string{},
		messages:  map[string][]*models.Message{},
		toolExecs: map[string][]*models.ToolExecutionRecord{},
		toolDescs: map[string]*models.ToolDescriptor{},
		txs:       map[string]*models.QueuedTransaction{},
		cronJobs:  map[string]*models.CronJob{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return engineerr.New(engineerr.Invalid, "storage.CreateSession", "session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.LastActivityAt.IsZero() {
		clone.LastActivityAt = clone.CreatedAt
	}
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	session.LastActivityAt = clone.LastActivityAt

	m.sessions[clone.ID] = clone
	if clone.Key != "" {
		m.byKey[clone.Key] = clone.ID
	}
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetSession", id)
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return engineerr.New(engineerr.Invalid, "storage.UpdateSession", "session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return engineerr.New(engineerr.NotFound, "storage.UpdateSession", session.ID)
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = clone
	if clone.Key != "" {
		m.byKey[clone.Key] = clone.ID
	}
	return nil
}

func (m *MemoryStore) GetSessionByKey(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetSessionByKey", key)
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetSessionByKey", key)
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.sessions {
		if opts.Channel != "" && session.Channel != opts.Channel {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return engineerr.New(engineerr.Invalid, "storage.AppendMessage", "message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return engineerr.New(engineerr.NotFound, "storage.AppendMessage", sessionID)
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.messages[sessionID] = append(m.messages[sessionID], clone)

	if len(m.messages[sessionID]) > maxMessagesPerSession {
		excess := len(m.messages[sessionID]) - maxMessagesPerSession
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[sessionID]
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) RecordToolExecution(ctx context.Context, rec *models.ToolExecutionRecord) error {
	if rec == nil {
		return engineerr.New(engineerr.Invalid, "storage.RecordToolExecution", "record is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	clone := *rec
	m.toolExecs[rec.SessionID] = append(m.toolExecs[rec.SessionID], &clone)
	return nil
}

func (m *MemoryStore) UpsertToolDescriptor(ctx context.Context, td *models.ToolDescriptor) error {
	if td == nil || td.Name == "" {
		return engineerr.New(engineerr.Invalid, "storage.UpsertToolDescriptor", "tool descriptor requires a name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *td
	m.toolDescs[td.Name] = &clone
	return nil
}

func (m *MemoryStore) GetToolDescriptor(ctx context.Context, name string) (*models.ToolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	td, ok := m.toolDescs[name]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetToolDescriptor", name)
	}
	clone := *td
	return &clone, nil
}

func (m *MemoryStore) ListToolDescriptors(ctx context.Context) ([]*models.ToolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ToolDescriptor, 0, len(m.toolDescs))
	for _, td := range m.toolDescs {
		clone := *td
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateQueuedTx(ctx context.Context, tx *models.QueuedTransaction) error {
	if tx == nil || tx.UUID == "" {
		return engineerr.New(engineerr.Invalid, "storage.CreateQueuedTx", "transaction requires a UUID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[tx.UUID]; exists {
		return engineerr.New(engineerr.Conflict, "storage.CreateQueuedTx", "uuid already written: "+tx.UUID)
	}
	clone := cloneTx(tx)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.txs[clone.UUID] = clone
	return nil
}

func (m *MemoryStore) GetQueuedTx(ctx context.Context, txUUID string) (*models.QueuedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[txUUID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetQueuedTx", txUUID)
	}
	return cloneTx(tx), nil
}

func (m *MemoryStore) UpdateQueuedTxStatus(ctx context.Context, txUUID string, to models.TxStatus, txHash, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txUUID]
	if !ok {
		return engineerr.New(engineerr.NotFound, "storage.UpdateQueuedTxStatus", txUUID)
	}
	if !models.CanTransition(tx.Status, to) {
		return engineerr.New(engineerr.Conflict, "storage.UpdateQueuedTxStatus",
			string(tx.Status)+" -> "+string(to)+" is not a legal transition")
	}
	tx.Status = to
	if txHash != "" {
		tx.TxHash = txHash
	}
	if failureReason != "" {
		tx.FailureReason = failureReason
	}
	if to == models.TxBroadcasting && tx.BroadcastAt.IsZero() {
		tx.BroadcastAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) ListQueuedTxByStatus(ctx context.Context, status models.TxStatus) ([]*models.QueuedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.QueuedTransaction
	for _, tx := range m.txs {
		if tx.Status == status {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListQueuedTxByNetwork(ctx context.Context, network string) ([]*models.QueuedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.QueuedTransaction
	for _, tx := range m.txs {
		if tx.Network == network {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpsertCronJob(ctx context.Context, job *models.CronJob) error {
	if job == nil {
		return engineerr.New(engineerr.Invalid, "storage.UpsertCronJob", "job is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	clone := *job
	m.cronJobs[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetCronJob(ctx context.Context, id string) (*models.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.cronJobs[id]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetCronJob", id)
	}
	clone := *job
	return &clone, nil
}

func (m *MemoryStore) DeleteCronJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cronJobs[id]; !ok {
		return engineerr.New(engineerr.NotFound, "storage.DeleteCronJob", id)
	}
	delete(m.cronJobs, id)
	return nil
}

func (m *MemoryStore) ListCronJobs(ctx context.Context) ([]*models.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.CronJob, 0, len(m.cronJobs))
	for _, job := range m.cronJobs {
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (m *MemoryStore) NextDueCronJob(ctx context.Context) (*models.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.CronJob
	for _, job := range m.cronJobs {
		if job.Status != models.CronJobEnabled {
			continue
		}
		if best == nil || job.NextRun.Before(best.NextRun) {
			best = job
		}
	}
	if best == nil {
		return nil, engineerr.New(engineerr.NotFound, "storage.NextDueCronJob", "no enabled jobs")
	}
	clone := *best
	return &clone, nil
}

// deepCloneMap recursively copies a map[string]any to prevent shared
// mutable references between callers.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = deepCloneMap(session.Metadata)
	}
	if len(session.Toolbox) > 0 {
		clone.Toolbox = append([]string{}, session.Toolbox...)
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}

func cloneTx(tx *models.QueuedTransaction) *models.QueuedTransaction {
	if tx == nil {
		return nil
	}
	clone := *tx
	if len(tx.Calldata) > 0 {
		clone.Calldata = append([]byte{}, tx.Calldata...)
	}
	if len(tx.SignedPayload) > 0 {
		clone.SignedPayload = append([]byte{}, tx.SignedPayload...)
	}
	return &clone
}

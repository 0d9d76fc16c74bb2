// Package storage is the persistence port for the engine: CRUD over
// Sessions, Messages, Tool Executions, Queued Transactions, and Cron Jobs,
// behind a single interface with an in-memory reference implementation and
// an embedded-sqlite durable implementation. Every write is a single-row
// transaction.
package storage

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ListOptions configures session listing.
type ListOptions struct {
	Channel models.ChannelType
	Limit   int
	Offset  int
}

// Store is the persistence port consumed by every engine component.
// Implementations: MemoryStore (tests, local runs) and SQLiteStore
// (durable, embedded single-process store).
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	GetSessionByKey(ctx context.Context, key string) (*models.Session, error)
	ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// Messages
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// Tool executions
	RecordToolExecution(ctx context.Context, rec *models.ToolExecutionRecord) error

	// Tool descriptors (enable/disable persistence)
	UpsertToolDescriptor(ctx context.Context, td *models.ToolDescriptor) error
	GetToolDescriptor(ctx context.Context, name string) (*models.ToolDescriptor, error)
	ListToolDescriptors(ctx context.Context) ([]*models.ToolDescriptor, error)

	// Queued transactions
	CreateQueuedTx(ctx context.Context, tx *models.QueuedTransaction) error
	GetQueuedTx(ctx context.Context, uuid string) (*models.QueuedTransaction, error)
	UpdateQueuedTxStatus(ctx context.Context, uuid string, to models.TxStatus, txHash, failureReason string) error
	ListQueuedTxByStatus(ctx context.Context, status models.TxStatus) ([]*models.QueuedTransaction, error)
	ListQueuedTxByNetwork(ctx context.Context, network string) ([]*models.QueuedTransaction, error)

	// Cron jobs
	UpsertCronJob(ctx context.Context, job *models.CronJob) error
	GetCronJob(ctx context.Context, id string) (*models.CronJob, error)
	DeleteCronJob(ctx context.Context, id string) error
	ListCronJobs(ctx context.Context) ([]*models.CronJob, error)
	NextDueCronJob(ctx context.Context) (*models.CronJob, error)
}

// SessionKey builds the identity lookup string for a (channel, channel_id)
// pair.
func SessionKey(channel models.ChannelType, channelID string) string {
	return string(channel) + ":" + channelID
}

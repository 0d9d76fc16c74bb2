package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the embedded durable store. This is a
// single-process engine with no distributed coordination, so persistence
// targets an embedded modernc.org/sqlite database rather than a networked
// Postgres/CockroachDB backend, using the same prepared-statement and
// single-row-transaction idiom.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultSQLiteConfig returns sensible defaults.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:            "nexus-engine.db",
		MaxOpenConns:    8,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// SQLiteStore implements Store atop an embedded sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT,
	channel TEXT,
	channel_id TEXT,
	platform_chat_id TEXT,
	key TEXT UNIQUE,
	title TEXT,
	active INTEGER,
	status TEXT,
	mode TEXT,
	subtype TEXT,
	toolbox TEXT,
	summary TEXT,
	metadata TEXT,
	created_at DATETIME,
	updated_at DATETIME,
	last_activity_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel_active ON sessions(channel, channel_id, active);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	channel TEXT,
	channel_id TEXT,
	direction TEXT,
	role TEXT,
	content TEXT,
	metadata TEXT,
	created_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS tool_executions (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	tool_name TEXT,
	parameters TEXT,
	success INTEGER,
	duration_ns INTEGER,
	executed_at DATETIME,
	result_preview TEXT,
	failure_message TEXT
);

CREATE TABLE IF NOT EXISTS tool_descriptors (
	name TEXT PRIMARY KEY,
	tool_group TEXT,
	description TEXT,
	schema TEXT,
	enabled INTEGER,
	requires_confirmation INTEGER,
	mutation INTEGER
);

CREATE TABLE IF NOT EXISTS queued_transactions (
	uuid TEXT PRIMARY KEY,
	network TEXT,
	from_addr TEXT,
	to_addr TEXT,
	value TEXT,
	calldata BLOB,
	max_fee_per_gas TEXT,
	gas_limit INTEGER,
	nonce INTEGER,
	signed_payload BLOB,
	status TEXT,
	tx_hash TEXT,
	failure_reason TEXT,
	session_id TEXT,
	created_at DATETIME,
	broadcast_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tx_status ON queued_transactions(status);
CREATE INDEX IF NOT EXISTS idx_tx_network ON queued_transactions(network);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id TEXT PRIMARY KEY,
	channel TEXT,
	channel_id TEXT,
	cron_expr TEXT,
	every_ms INTEGER,
	at DATETIME,
	timezone TEXT,
	payload TEXT,
	session_mode TEXT,
	status TEXT,
	last_run DATETIME,
	next_run DATETIME,
	created_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_cron_next_run ON cron_jobs(next_run);
`

// NewSQLiteStore opens (creating if absent) the sqlite database at cfg.Path
// and ensures the schema exists.
func NewSQLiteStore(cfg *SQLiteConfig) (*SQLiteStore, error) {
	if cfg == nil {
		cfg = DefaultSQLiteConfig()
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	toolbox, err := json.Marshal(session.Toolbox)
	if err != nil {
		return fmt.Errorf("marshal toolbox: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, channel, channel_id, platform_chat_id, key, title,
			active, status, mode, subtype, toolbox, summary, metadata,
			created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.AgentID, session.Channel, session.ChannelID, session.PlatformChatID,
		session.Key, session.Title, session.Active, session.Status, session.Mode, session.Subtype,
		toolbox, session.Summary, metadata, session.CreatedAt, session.UpdatedAt, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var metadata, toolbox []byte
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.Channel, &sess.ChannelID, &sess.PlatformChatID,
		&sess.Key, &sess.Title, &sess.Active, &sess.Status, &sess.Mode, &sess.Subtype,
		&toolbox, &sess.Summary, &metadata, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetSession", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &sess.Metadata)
	}
	if len(toolbox) > 0 {
		_ = json.Unmarshal(toolbox, &sess.Toolbox)
	}
	return &sess, nil
}

const sessionCols = `id, agent_id, channel, channel_id, platform_chat_id, key, title,
	active, status, mode, subtype, toolbox, summary, metadata,
	created_at, updated_at, last_activity_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return s.scanSession(row)
}

func (s *SQLiteStore) GetSessionByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE key = ?`, key)
	return s.scanSession(row)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	toolbox, err := json.Marshal(session.Toolbox)
	if err != nil {
		return fmt.Errorf("marshal toolbox: %w", err)
	}
	session.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, active = ?, status = ?, mode = ?, subtype = ?,
			toolbox = ?, summary = ?, metadata = ?, updated_at = ?, last_activity_at = ?
		WHERE id = ?
	`, session.Title, session.Active, session.Status, session.Mode, session.Subtype,
		toolbox, session.Summary, metadata, session.UpdatedAt, session.LastActivityAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engineerr.New(engineerr.NotFound, "storage.UpdateSession", session.ID)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions`
	var args []any
	if opts.Channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, opts.Channel)
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var metadata, toolbox []byte
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Channel, &sess.ChannelID, &sess.PlatformChatID,
			&sess.Key, &sess.Title, &sess.Active, &sess.Status, &sess.Mode, &sess.Subtype,
			&toolbox, &sess.Summary, &metadata, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &sess.Metadata)
		}
		if len(toolbox) > 0 {
			_ = json.Unmarshal(toolbox, &sess.Toolbox)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, channel, channel_id, direction, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, msg.Channel, msg.ChannelID, msg.Direction, msg.Role, msg.Content, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

const messageCols = `id, session_id, channel, channel_id, direction, role, content, metadata, created_at`

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages WHERE session_id = ? ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT ` + messageCols + ` FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var metadata []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Channel, &msg.ChannelID,
			&msg.Direction, &msg.Role, &msg.Content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &msg.Metadata)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordToolExecution(ctx context.Context, rec *models.ToolExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, session_id, tool_name, parameters, success, duration_ns,
			executed_at, result_preview, failure_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.ToolName, []byte(rec.Parameters), rec.Success, rec.Duration.Nanoseconds(),
		rec.ExecutedAt, rec.ResultPreview, rec.FailureMessage)
	if err != nil {
		return fmt.Errorf("record tool execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertToolDescriptor(ctx context.Context, td *models.ToolDescriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_descriptors (name, tool_group, description, schema, enabled, requires_confirmation, mutation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET tool_group=excluded.tool_group, description=excluded.description,
			schema=excluded.schema, enabled=excluded.enabled,
			requires_confirmation=excluded.requires_confirmation, mutation=excluded.mutation
	`, td.Name, td.Group, td.Description, []byte(td.Schema), td.Enabled, td.RequiresConfirmation, td.Mutation)
	if err != nil {
		return fmt.Errorf("upsert tool descriptor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetToolDescriptor(ctx context.Context, name string) (*models.ToolDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, tool_group, description, schema, enabled, requires_confirmation, mutation
		FROM tool_descriptors WHERE name = ?`, name)
	var td models.ToolDescriptor
	var schema []byte
	if err := row.Scan(&td.Name, &td.Group, &td.Description, &schema, &td.Enabled, &td.RequiresConfirmation, &td.Mutation); err != nil {
		if err == sql.ErrNoRows {
			return nil, engineerr.New(engineerr.NotFound, "storage.GetToolDescriptor", name)
		}
		return nil, fmt.Errorf("scan tool descriptor: %w", err)
	}
	td.Schema = schema
	return &td, nil
}

func (s *SQLiteStore) ListToolDescriptors(ctx context.Context) ([]*models.ToolDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, tool_group, description, schema, enabled, requires_confirmation, mutation
		FROM tool_descriptors ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tool descriptors: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolDescriptor
	for rows.Next() {
		var td models.ToolDescriptor
		var schema []byte
		if err := rows.Scan(&td.Name, &td.Group, &td.Description, &schema, &td.Enabled, &td.RequiresConfirmation, &td.Mutation); err != nil {
			return nil, fmt.Errorf("scan tool descriptor row: %w", err)
		}
		td.Schema = schema
		out = append(out, &td)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateQueuedTx(ctx context.Context, tx *models.QueuedTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_transactions (uuid, network, from_addr, to_addr, value, calldata,
			max_fee_per_gas, gas_limit, nonce, signed_payload, status, tx_hash, failure_reason,
			session_id, created_at, broadcast_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.UUID, tx.Network, tx.From, tx.To, tx.Value, tx.Calldata, tx.MaxFeePerGas, tx.GasLimit,
		tx.Nonce, tx.SignedPayload, tx.Status, tx.TxHash, tx.FailureReason, tx.SessionID,
		tx.CreatedAt, tx.BroadcastAt)
	if err != nil {
		return engineerr.Wrap(engineerr.Conflict, "storage.CreateQueuedTx", err)
	}
	return nil
}

const txCols = `uuid, network, from_addr, to_addr, value, calldata, max_fee_per_gas, gas_limit,
	nonce, signed_payload, status, tx_hash, failure_reason, session_id, created_at, broadcast_at`

func scanTx(row interface {
	Scan(dest ...any) error
}) (*models.QueuedTransaction, error) {
	var tx models.QueuedTransaction
	var broadcastAt sql.NullTime
	err := row.Scan(&tx.UUID, &tx.Network, &tx.From, &tx.To, &tx.Value, &tx.Calldata, &tx.MaxFeePerGas,
		&tx.GasLimit, &tx.Nonce, &tx.SignedPayload, &tx.Status, &tx.TxHash, &tx.FailureReason,
		&tx.SessionID, &tx.CreatedAt, &broadcastAt)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetQueuedTx", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan tx: %w", err)
	}
	if broadcastAt.Valid {
		tx.BroadcastAt = broadcastAt.Time
	}
	return &tx, nil
}

func (s *SQLiteStore) GetQueuedTx(ctx context.Context, txUUID string) (*models.QueuedTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM queued_transactions WHERE uuid = ?`, txUUID)
	return scanTx(row)
}

func (s *SQLiteStore) UpdateQueuedTxStatus(ctx context.Context, txUUID string, to models.TxStatus, txHash, failureReason string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT status FROM queued_transactions WHERE uuid = ?`, txUUID)
		var current models.TxStatus
		if err := row.Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return engineerr.New(engineerr.NotFound, "storage.UpdateQueuedTxStatus", txUUID)
			}
			return fmt.Errorf("read current tx status: %w", err)
		}
		if !models.CanTransition(current, to) {
			return engineerr.New(engineerr.Conflict, "storage.UpdateQueuedTxStatus",
				string(current)+" -> "+string(to)+" is not a legal transition")
		}
		broadcastAt := any(nil)
		if to == models.TxBroadcasting {
			broadcastAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE queued_transactions SET status = ?, tx_hash = COALESCE(NULLIF(?, ''), tx_hash),
				failure_reason = COALESCE(NULLIF(?, ''), failure_reason),
				broadcast_at = COALESCE(?, broadcast_at)
			WHERE uuid = ?
		`, to, txHash, failureReason, broadcastAt, txUUID)
		return err
	})
}

func (s *SQLiteStore) ListQueuedTxByStatus(ctx context.Context, status models.TxStatus) ([]*models.QueuedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txCols+` FROM queued_transactions WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list tx by status: %w", err)
	}
	defer rows.Close()
	return scanTxRows(rows)
}

func (s *SQLiteStore) ListQueuedTxByNetwork(ctx context.Context, network string) ([]*models.QueuedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txCols+` FROM queued_transactions WHERE network = ? ORDER BY created_at ASC`, network)
	if err != nil {
		return nil, fmt.Errorf("list tx by network: %w", err)
	}
	defer rows.Close()
	return scanTxRows(rows)
}

func scanTxRows(rows *sql.Rows) ([]*models.QueuedTransaction, error) {
	var out []*models.QueuedTransaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCronJob(ctx context.Context, job *models.CronJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, channel, channel_id, cron_expr, every_ms, at, timezone, payload,
			session_mode, status, last_run, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET channel=excluded.channel, channel_id=excluded.channel_id,
			cron_expr=excluded.cron_expr, every_ms=excluded.every_ms, at=excluded.at,
			timezone=excluded.timezone, payload=excluded.payload, session_mode=excluded.session_mode,
			status=excluded.status, last_run=excluded.last_run, next_run=excluded.next_run
	`, job.ID, job.Channel, job.ChannelID, job.CronExpr, job.EveryMs, job.At, job.Timezone, job.Payload,
		job.SessionMode, job.Status, job.LastRun, job.NextRun, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert cron job: %w", err)
	}
	return nil
}

const cronCols = `id, channel, channel_id, cron_expr, every_ms, at, timezone, payload, session_mode,
	status, last_run, next_run, created_at`

func (s *SQLiteStore) GetCronJob(ctx context.Context, id string) (*models.CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronCols+` FROM cron_jobs WHERE id = ?`, id)
	job, err := scanCronJob(row)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanCronJob(row interface {
	Scan(dest ...any) error
}) (*models.CronJob, error) {
	var job models.CronJob
	err := row.Scan(&job.ID, &job.Channel, &job.ChannelID, &job.CronExpr, &job.EveryMs, &job.At,
		&job.Timezone, &job.Payload, &job.SessionMode, &job.Status, &job.LastRun, &job.NextRun, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.NotFound, "storage.GetCronJob", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan cron job: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) DeleteCronJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engineerr.New(engineerr.NotFound, "storage.DeleteCronJob", id)
	}
	return nil
}

func (s *SQLiteStore) ListCronJobs(ctx context.Context) ([]*models.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cronCols+` FROM cron_jobs ORDER BY next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()
	var out []*models.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) NextDueCronJob(ctx context.Context) (*models.CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronCols+` FROM cron_jobs WHERE status = ? ORDER BY next_run ASC LIMIT 1`, models.CronJobEnabled)
	return scanCronJob(row)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic, keeping each write a single-row transaction.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// newTestSQLiteStore opens an in-memory sqlite store for testing, skipping if
// the pure-Go driver isn't registered under the expected name.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(&SQLiteConfig{Path: ":memory:", MaxOpenConns: 1})
	if err != nil {
		if strings.Contains(err.Error(), "unknown driver") {
			t.Skip("sqlite driver not available")
		}
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SessionCRUD(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{
		ID:        "sess-1",
		Channel:   models.ChannelTelegram,
		ChannelID: "chat-1",
		Key:       SessionKey(models.ChannelTelegram, "chat-1"),
		Status:    models.SessionActive,
		Mode:      models.ModePartner,
		Metadata:  map[string]any{"locale": "en"},
		Toolbox:   []string{"market_data"},
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Key != session.Key || got.Metadata["locale"] != "en" || len(got.Toolbox) != 1 {
		t.Fatalf("unexpected session round-trip: %+v", got)
	}

	got.Title = "renamed"
	got.Status = models.SessionComplete
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	reloaded, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession after update: %v", err)
	}
	if reloaded.Title != "renamed" || reloaded.Status != models.SessionComplete {
		t.Fatalf("update did not persist: %+v", reloaded)
	}

	if _, err := store.GetSession(ctx, "missing"); !engineerr.Is(err, engineerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSQLiteStore_MessageHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{ID: "sess-2", Channel: models.ChannelSlack, ChannelID: "c"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := &models.Message{ID: "", Role: models.RoleUser, Content: "hi"}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 3)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(history))
	}
}

func TestSQLiteStore_QueuedTxTransitionsAreEnforced(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	tx := &models.QueuedTransaction{
		UUID:    "tx-sqlite-1",
		Network: "ethereum",
		Status:  models.TxPending,
	}
	if err := store.CreateQueuedTx(ctx, tx); err != nil {
		t.Fatalf("CreateQueuedTx: %v", err)
	}

	if err := store.UpdateQueuedTxStatus(ctx, tx.UUID, models.TxConfirmed, "", ""); !engineerr.Is(err, engineerr.Conflict) {
		t.Fatalf("expected Conflict skipping straight to confirmed, got %v", err)
	}

	if err := store.UpdateQueuedTxStatus(ctx, tx.UUID, models.TxBroadcasting, "", ""); err != nil {
		t.Fatalf("pending->broadcasting: %v", err)
	}
	if err := store.UpdateQueuedTxStatus(ctx, tx.UUID, models.TxBroadcast, "0xhash", ""); err != nil {
		t.Fatalf("broadcasting->broadcast: %v", err)
	}

	got, err := store.GetQueuedTx(ctx, tx.UUID)
	if err != nil {
		t.Fatalf("GetQueuedTx: %v", err)
	}
	if got.Status != models.TxBroadcast || got.TxHash != "0xhash" {
		t.Fatalf("unexpected tx state: %+v", got)
	}
	if got.BroadcastAt.IsZero() {
		t.Fatal("expected BroadcastAt to be stamped")
	}
}

func TestSQLiteStore_CronJobNextDue(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	enabled := &models.CronJob{ID: "job-1", Channel: models.ChannelDiscord, Status: models.CronJobEnabled}
	paused := &models.CronJob{ID: "job-2", Channel: models.ChannelDiscord, Status: models.CronJobPaused}
	if err := store.UpsertCronJob(ctx, enabled); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}
	if err := store.UpsertCronJob(ctx, paused); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	due, err := store.NextDueCronJob(ctx)
	if err != nil {
		t.Fatalf("NextDueCronJob: %v", err)
	}
	if due.ID != "job-1" {
		t.Fatalf("expected the enabled job to be due, got %s", due.ID)
	}

	if err := store.DeleteCronJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteCronJob: %v", err)
	}
	if _, err := store.NextDueCronJob(ctx); !engineerr.Is(err, engineerr.NotFound) {
		t.Fatalf("expected NotFound once no enabled jobs remain, got %v", err)
	}
}

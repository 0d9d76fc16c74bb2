package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/sessionmgr"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/pkg/models"
)

type submitCall struct {
	channel   models.ChannelType
	channelID string
	text      string
}

type fakeSubmitter struct {
	mu          sync.Mutex
	submitCalls []submitCall
	resetCalls  []submitCall
	submitErr   error
}

func (f *fakeSubmitter) SubmitTurn(ctx context.Context, channel models.ChannelType, channelID, text string) (*sessionmgr.ExecutionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls = append(f.submitCalls, submitCall{channel, channelID, text})
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &sessionmgr.ExecutionHandle{}, nil
}

func (f *fakeSubmitter) Reset(ctx context.Context, channel models.ChannelType, channelID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, submitCall{channel: channel, channelID: channelID})
	return &models.Session{Channel: channel, ChannelID: channelID}, nil
}

func (f *fakeSubmitter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitCalls)
}

func (f *fakeSubmitter) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resetCalls)
}

func newTestScheduler(submitter TurnSubmitter) (*Scheduler, storage.Store) {
	store := storage.NewMemoryStore()
	bus := eventbus.New(eventbus.DefaultConfig())
	return New(store, bus, submitter, nil, DefaultConfig()), store
}

func TestScheduler_CronFiresWhenDueAndAdvancesNextRun(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, store := newTestScheduler(submitter)
	ctx := context.Background()

	job := &models.CronJob{
		Channel:     models.ChannelTelegram,
		ChannelID:   "chat-1",
		EveryMs:     60_000,
		Payload:     "checkpoint",
		SessionMode: models.SessionModeReuse,
		Status:      models.CronJobEnabled,
		NextRun:     time.Now().Add(-time.Minute),
	}
	if err := store.UpsertCronJob(ctx, job); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	if fired := s.RunDueCronOnce(ctx); fired != 1 {
		t.Fatalf("expected 1 job fired, got %d", fired)
	}
	if submitter.submitCount() != 1 {
		t.Fatalf("expected 1 SubmitTurn call, got %d", submitter.submitCount())
	}

	updated, err := store.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCronJob: %v", err)
	}
	if !updated.NextRun.After(time.Now()) {
		t.Fatalf("expected next_run to advance into the future, got %v", updated.NextRun)
	}
	if updated.LastRun.IsZero() {
		t.Fatal("expected last_run to be set")
	}
}

func TestScheduler_CronSkippedWhenChannelBusyDoesNotPanic(t *testing.T) {
	submitter := &fakeSubmitter{submitErr: engineerr.New(engineerr.Busy, "test", "channel busy")}
	s, store := newTestScheduler(submitter)
	ctx := context.Background()

	job := &models.CronJob{
		Channel:     models.ChannelDiscord,
		ChannelID:   "chat-2",
		EveryMs:     60_000,
		Payload:     "ping",
		SessionMode: models.SessionModeReuse,
		Status:      models.CronJobEnabled,
		NextRun:     time.Now().Add(-time.Second),
	}
	if err := store.UpsertCronJob(ctx, job); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	if fired := s.RunDueCronOnce(ctx); fired != 1 {
		t.Fatalf("expected 1 job fired, got %d", fired)
	}

	updated, err := store.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCronJob: %v", err)
	}
	if !updated.NextRun.After(time.Now()) {
		t.Fatal("next_run must still advance even when the channel rejects the turn as busy")
	}
}

func TestScheduler_CronSessionModeNewCallsResetBeforeSubmit(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, store := newTestScheduler(submitter)
	ctx := context.Background()

	job := &models.CronJob{
		Channel:     models.ChannelSlack,
		ChannelID:   "chat-3",
		EveryMs:     60_000,
		Payload:     "fresh start",
		SessionMode: models.SessionModeNew,
		Status:      models.CronJobEnabled,
		NextRun:     time.Now().Add(-time.Second),
	}
	if err := store.UpsertCronJob(ctx, job); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	s.RunDueCronOnce(ctx)

	if submitter.resetCount() != 1 {
		t.Fatalf("expected Reset to be called once, got %d", submitter.resetCount())
	}
	if submitter.submitCount() != 1 {
		t.Fatalf("expected SubmitTurn to be called once, got %d", submitter.submitCount())
	}
}

func TestScheduler_OneShotAtJobPausesAfterFiring(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, store := newTestScheduler(submitter)
	ctx := context.Background()

	job := &models.CronJob{
		Channel:     models.ChannelTelegram,
		ChannelID:   "chat-4",
		At:          time.Now().Add(-time.Second),
		Payload:     "once",
		SessionMode: models.SessionModeReuse,
		Status:      models.CronJobEnabled,
		NextRun:     time.Now().Add(-time.Second),
	}
	if err := store.UpsertCronJob(ctx, job); err != nil {
		t.Fatalf("UpsertCronJob: %v", err)
	}

	s.RunDueCronOnce(ctx)

	updated, err := store.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCronJob: %v", err)
	}
	if updated.Status != models.CronJobPaused || !updated.NextRun.IsZero() {
		t.Fatalf("expected a fired one-shot job to pause with no next_run, got status=%s next_run=%v", updated.Status, updated.NextRun)
	}
}

func TestScheduler_HeartbeatFiresWithinActiveWindow(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, _ := newTestScheduler(submitter)
	fixedNow := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	s.RegisterHeartbeat(HeartbeatSpec{
		Channel:     models.ChannelTelegram,
		ChannelID:   "chat-5",
		Interval:    time.Minute,
		ActiveHours: [2]int{9, 18},
		Payload:     "checking in",
	})
	// RegisterHeartbeat seeds nextRun one interval out; rewind so it's due.
	s.mu.Lock()
	for _, hb := range s.heartbeats {
		hb.nextRun = fixedNow.Add(-time.Second)
	}
	s.mu.Unlock()

	if fired := s.RunDueHeartbeatsOnce(context.Background()); fired != 1 {
		t.Fatalf("expected 1 heartbeat due, got %d", fired)
	}
	if submitter.submitCount() != 1 {
		t.Fatalf("expected heartbeat to submit a turn, got %d calls", submitter.submitCount())
	}
}

func TestScheduler_HeartbeatSuppressedOutsideActiveWindow(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, _ := newTestScheduler(submitter)
	fixedNow := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) // 3am, outside [9,18)
	s.now = func() time.Time { return fixedNow }

	s.RegisterHeartbeat(HeartbeatSpec{
		Channel:     models.ChannelTelegram,
		ChannelID:   "chat-6",
		Interval:    time.Minute,
		ActiveHours: [2]int{9, 18},
		Payload:     "checking in",
	})
	s.mu.Lock()
	for _, hb := range s.heartbeats {
		hb.nextRun = fixedNow.Add(-time.Second)
	}
	s.mu.Unlock()

	due := s.RunDueHeartbeatsOnce(context.Background())
	if due != 1 {
		t.Fatalf("expected the heartbeat to be counted as due (window checked on fire), got %d", due)
	}
	if submitter.submitCount() != 0 {
		t.Fatalf("expected no turn submitted outside the active window, got %d", submitter.submitCount())
	}
}

func TestScheduler_HeartbeatSuppressedOnInactiveDay(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, _ := newTestScheduler(submitter)
	// 2026-01-01 is a Thursday (weekday 4).
	fixedNow := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	s.RegisterHeartbeat(HeartbeatSpec{
		Channel:    models.ChannelTelegram,
		ChannelID:  "chat-7",
		Interval:   time.Minute,
		ActiveDays: []int{1, 2, 3}, // Mon-Wed only
		Payload:    "checking in",
	})
	s.mu.Lock()
	for _, hb := range s.heartbeats {
		hb.nextRun = fixedNow.Add(-time.Second)
	}
	s.mu.Unlock()

	s.RunDueHeartbeatsOnce(context.Background())
	if submitter.submitCount() != 0 {
		t.Fatalf("expected no turn submitted on an inactive day, got %d", submitter.submitCount())
	}
}

func TestScheduler_UnregisterHeartbeatStopsFutureFirings(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, _ := newTestScheduler(submitter)

	s.RegisterHeartbeat(HeartbeatSpec{
		Channel:   models.ChannelTelegram,
		ChannelID: "chat-8",
		Interval:  time.Minute,
		Payload:   "ping",
	})
	s.UnregisterHeartbeat(models.ChannelTelegram, "chat-8")

	if due := s.RunDueHeartbeatsOnce(context.Background()); due != 0 {
		t.Fatalf("expected no heartbeats left to fire, got %d", due)
	}
}

func TestValidate_RejectsZeroOrMultipleScheduleKinds(t *testing.T) {
	if err := Validate(&models.CronJob{}); err == nil {
		t.Fatal("expected an error for a job with no schedule")
	}
	if err := Validate(&models.CronJob{EveryMs: 1000, CronExpr: "* * * * *"}); err == nil {
		t.Fatal("expected an error for a job with two schedule kinds set")
	}
	if err := Validate(&models.CronJob{EveryMs: 1000}); err != nil {
		t.Fatalf("expected a single every_ms schedule to validate, got %v", err)
	}
	if err := Validate(&models.CronJob{CronExpr: "not a cron expression"}); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

// Package scheduler owns the two trigger families that inject synthetic
// user turns into the Session Manager: durable cron jobs firing on a
// schedule expression, fixed interval, or one-shot timestamp, and
// in-memory per-channel heartbeats firing within an active-hours/
// active-days window. Concurrent firings on a channel that already has a
// live execution are skipped rather than queued — the Session Manager's
// Busy error is treated as "try again next tick".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/engineerr"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/sessionmgr"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TurnSubmitter is the slice of the Session Manager the scheduler drives.
type TurnSubmitter interface {
	SubmitTurn(ctx context.Context, channel models.ChannelType, channelID, text string) (*sessionmgr.ExecutionHandle, error)
	Reset(ctx context.Context, channel models.ChannelType, channelID string) (*models.Session, error)
}

// Config bounds the scheduler's polling behavior.
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig returns a one-second tick, fine enough for minute-or-coarser
// cron/heartbeat schedules without busy-looping.
func DefaultConfig() Config {
	return Config{TickInterval: time.Second}
}

// HeartbeatSpec configures one channel's periodic self-prompt.
type HeartbeatSpec struct {
	Channel     models.ChannelType
	ChannelID   string
	Interval    time.Duration
	ActiveHours [2]int // [startHour, endHour), zero value = always active
	ActiveDays  []int  // 0=Sunday..6=Saturday, empty = every day
	Payload     string
}

type heartbeatState struct {
	spec    HeartbeatSpec
	nextRun time.Time
}

// Scheduler drives durable cron jobs from the persistence port and
// in-memory heartbeat specs, injecting synthetic turns through a
// TurnSubmitter.
type Scheduler struct {
	cfg       Config
	store     storage.Store
	bus       *eventbus.Bus
	submitter TurnSubmitter
	logger    *slog.Logger
	now       func() time.Time
	mtx       *metrics.Metrics

	mu         sync.Mutex
	started    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	heartbeats map[string]*heartbeatState
}

// SetMetrics attaches a metrics sink. Safe to call with nil to detach.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.mtx = m
}

// New builds a Scheduler.
func New(store storage.Store, bus *eventbus.Bus, submitter TurnSubmitter, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		submitter:  submitter,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		heartbeats: make(map[string]*heartbeatState),
	}
}

// RegisterHeartbeat adds or replaces a channel's heartbeat, seeding its
// first firing one interval out from now.
func (s *Scheduler) RegisterHeartbeat(spec HeartbeatSpec) {
	if spec.Interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[heartbeatKey(spec.Channel, spec.ChannelID)] = &heartbeatState{
		spec:    spec,
		nextRun: s.now().Add(spec.Interval),
	}
}

// UnregisterHeartbeat removes a channel's heartbeat.
func (s *Scheduler) UnregisterHeartbeat(channel models.ChannelType, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heartbeats, heartbeatKey(channel, channelID))
}

func heartbeatKey(channel models.ChannelType, channelID string) string {
	return string(channel) + ":" + channelID
}

// Start begins the scheduler's tick loop, running until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runDueCron(ctx)
				s.runDueHeartbeats(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// RunDueCronOnce fires every due cron job immediately (used by tests and by
// an admin "run now" operation). Returns the number of jobs fired.
func (s *Scheduler) RunDueCronOnce(ctx context.Context) int {
	return s.runDueCron(ctx)
}

// RunDueHeartbeatsOnce fires every due heartbeat immediately.
func (s *Scheduler) RunDueHeartbeatsOnce(ctx context.Context) int {
	return s.runDueHeartbeats(ctx)
}

func (s *Scheduler) runDueCron(ctx context.Context) int {
	jobs, err := s.store.ListCronJobs(ctx)
	if err != nil {
		s.logger.Warn("list cron jobs failed", "error", err)
		return 0
	}
	now := s.now()
	count := 0
	for _, job := range jobs {
		if job.Status != models.CronJobEnabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		s.fireCron(ctx, job, now)
		count++
	}
	return count
}

// fireCron advances and persists a job's last_run/next_run before
// publishing or submitting anything, so a crash mid-firing never causes a
// duplicate fire on restart — next_run is always recomputed from the
// current time, never retroactively.
func (s *Scheduler) fireCron(ctx context.Context, job *models.CronJob, firedAt time.Time) {
	job.LastRun = firedAt
	next, ok, err := nextCronRun(job, firedAt)
	switch {
	case err != nil:
		s.logger.Warn("cron job schedule invalid, pausing", "id", job.ID, "error", err)
		job.Status = models.CronJobPaused
		job.NextRun = time.Time{}
	case !ok:
		job.Status = models.CronJobPaused
		job.NextRun = time.Time{}
	default:
		job.NextRun = next
	}
	if uerr := s.store.UpsertCronJob(ctx, job); uerr != nil {
		s.logger.Warn("persist cron job failed", "id", job.ID, "error", uerr)
		s.mtx.CronFired(job.ID, "persist_error")
		return
	}

	s.publish(ctx, models.TopicCronStarted, job.ChannelID)

	if job.SessionMode == models.SessionModeNew {
		if _, rerr := s.submitter.Reset(ctx, job.Channel, job.ChannelID); rerr != nil {
			s.logger.Warn("cron reset session failed", "id", job.ID, "error", rerr)
			s.mtx.CronFired(job.ID, "reset_error")
			return
		}
	}
	if _, serr := s.submitter.SubmitTurn(ctx, job.Channel, job.ChannelID, job.Payload); serr != nil {
		if engineerr.Is(serr, engineerr.Busy) {
			s.logger.Debug("cron firing skipped, channel busy", "id", job.ID)
			s.mtx.CronFired(job.ID, "busy")
			return
		}
		s.logger.Warn("cron submit turn failed", "id", job.ID, "error", serr)
		s.mtx.CronFired(job.ID, "submit_error")
		return
	}
	s.mtx.CronFired(job.ID, "submitted")
}

func (s *Scheduler) runDueHeartbeats(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := make([]*heartbeatState, 0)
	for _, hb := range s.heartbeats {
		if !now.Before(hb.nextRun) {
			due = append(due, hb)
		}
	}
	s.mu.Unlock()

	for _, hb := range due {
		s.fireHeartbeat(ctx, hb, now)
	}
	return len(due)
}

func (s *Scheduler) fireHeartbeat(ctx context.Context, hb *heartbeatState, now time.Time) {
	s.mu.Lock()
	hb.nextRun = now.Add(hb.spec.Interval)
	s.mu.Unlock()

	if !withinActiveWindow(hb.spec, now) {
		return
	}

	s.publish(ctx, models.TopicCronStarted, hb.spec.ChannelID)
	if _, err := s.submitter.SubmitTurn(ctx, hb.spec.Channel, hb.spec.ChannelID, hb.spec.Payload); err != nil {
		if !engineerr.Is(err, engineerr.Busy) {
			s.logger.Warn("heartbeat submit turn failed", "channel_id", hb.spec.ChannelID, "error", err)
		}
		return
	}
	s.mtx.HeartbeatFired(hb.spec.ChannelID)
}

// withinActiveWindow reports whether now falls inside a heartbeat's
// configured active hours/days. An all-zero ActiveHours or an empty
// ActiveDays means "no restriction" on that axis.
func withinActiveWindow(spec HeartbeatSpec, now time.Time) bool {
	if len(spec.ActiveDays) > 0 {
		weekday := int(now.Weekday())
		ok := false
		for _, d := range spec.ActiveDays {
			if d == weekday {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if spec.ActiveHours[0] != 0 || spec.ActiveHours[1] != 0 {
		hour := now.Hour()
		start, end := spec.ActiveHours[0], spec.ActiveHours[1]
		if start <= end {
			if hour < start || hour >= end {
				return false
			}
		} else if hour < start && hour >= end {
			// window wraps past midnight, e.g. [22, 6)
			return false
		}
	}
	return true
}

func (s *Scheduler) publish(ctx context.Context, topic, channelID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, models.Event{Topic: topic, ChannelID: channelID})
}

// nextCronRun computes a cron job's next firing time strictly after now.
// The three schedule kinds are mutually exclusive by construction (see
// Validate): a one-shot timestamp takes precedence, then a fixed interval,
// then a cron expression.
func nextCronRun(job *models.CronJob, now time.Time) (time.Time, bool, error) {
	switch {
	case !job.At.IsZero():
		if now.After(job.At) {
			return time.Time{}, false, nil
		}
		return job.At, true, nil
	case job.EveryMs > 0:
		return now.Add(time.Duration(job.EveryMs) * time.Millisecond), true, nil
	case job.CronExpr != "":
		loc := now.Location()
		if job.Timezone != "" {
			if tz, err := time.LoadLocation(job.Timezone); err == nil {
				loc = tz
			}
		}
		schedule, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("cron job %s has no schedule", job.ID)
	}
}

// Validate checks that a cron job's schedule fields are well-formed and
// mutually exclusive before it is registered.
func Validate(job *models.CronJob) error {
	set := 0
	if !job.At.IsZero() {
		set++
	}
	if job.EveryMs > 0 {
		set++
	}
	if job.CronExpr != "" {
		if _, err := cronParser.Parse(job.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		set++
	}
	if set == 0 {
		return fmt.Errorf("cron job requires exactly one of at/every_ms/cron_expr")
	}
	if set > 1 {
		return fmt.Errorf("cron job must set exactly one of at/every_ms/cron_expr, got %d", set)
	}
	return nil
}

package models

import "time"

// CronJobStatus toggles whether a cron job is due to fire.
type CronJobStatus string

const (
	CronJobEnabled CronJobStatus = "enabled"
	CronJobPaused  CronJobStatus = "paused"
)

// SessionMode controls whether a scheduler firing reuses the channel's
// current session or spawns a new one.
type SessionMode string

const (
	SessionModeReuse SessionMode = "reuse"
	SessionModeNew   SessionMode = "new"
)

// CronJob fires a synthetic user turn or system event into a channel on a
// schedule (cron expression, fixed interval, or one-shot timestamp).
type CronJob struct {
	ID          string        `json:"id"`
	Channel     ChannelType   `json:"channel"`
	ChannelID   string        `json:"channel_id"`
	CronExpr    string        `json:"cron_expr,omitempty"`
	EveryMs     int64         `json:"every_ms,omitempty"`
	At          time.Time     `json:"at,omitempty"`
	Timezone    string        `json:"timezone,omitempty"`
	Payload     string        `json:"payload"`
	SessionMode SessionMode   `json:"session_mode"`
	Status      CronJobStatus `json:"status"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	NextRun     time.Time     `json:"next_run,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// HeartbeatJob is a periodic self-prompt per channel, suppressed while the
// channel has a live execution.
type HeartbeatJob struct {
	ID           string    `json:"id"`
	Channel      ChannelType `json:"channel"`
	ChannelID    string    `json:"channel_id"`
	IntervalMs   int64     `json:"interval_ms"`
	ActiveHours  [2]int    `json:"active_hours,omitempty"` // [startHour, endHour), 24h, empty = always
	ActiveDays   []int     `json:"active_days,omitempty"`  // 0=Sunday..6=Saturday, empty = every day
	Payload      string    `json:"payload"`
	Status       CronJobStatus `json:"status"`
	LastRun      time.Time `json:"last_run,omitempty"`
	NextRun      time.Time `json:"next_run,omitempty"`
}

package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEvent records a moderation/automation action or an observed platform
// event. Keep it compact and schema-stable; Detail carries free-form JSON.
type AuditEvent struct {
	ID         int64
	At         time.Time
	GuildID    int64
	ActorID    int64
	Action     string
	TargetType string
	TargetID   string
	Detail     string
}

// NotificationType enumerates the dashboard notification categories.
type NotificationType string

const (
	NotifAlert  NotificationType = "alert"
	NotifStatus NotificationType = "status"
	NotifEvent  NotificationType = "event"
	NotifError  NotificationType = "error"
)

// Notification is one persisted dashboard notification for one recipient.
// RelatedType/RelatedID reference the entity the notification is about and
// feed the deduplication key.
type Notification struct {
	ID          string
	RecipientID int64
	Type        NotificationType
	Severity    int
	Title       string
	Message     string
	Link        string
	RelatedType string
	RelatedID   string
	CreatedAt   time.Time
	ReadAt      *time.Time
	DismissedAt *time.Time
}

// Reminder is a one-shot due execution. RemindAt is the next-execution time;
// DeliveredAt doubles as the last-executed marker.
type Reminder struct {
	ID          int64
	GuildID     int64
	ChatID      int64
	Message     string
	RemindAt    time.Time
	DeliveredAt *time.Time
	CreatedBy   int64
}

// Frequency is the schedule descriptor of a scheduled message.
type Frequency string

const (
	FreqOnce   Frequency = "once"
	FreqHourly Frequency = "hourly"
	FreqDaily  Frequency = "daily"
	FreqWeekly Frequency = "weekly"
	FreqCron   Frequency = "cron"
)

// ScheduledMessage is a recurring (or one-shot) message owned by a guild.
type ScheduledMessage struct {
	ID              int64
	GuildID         int64
	ChatID          int64
	Content         string
	Frequency       Frequency
	CronExpr        string
	Enabled         bool
	NextExecutionAt time.Time
	LastExecutedAt  *time.Time
}

// DetectorConfig is the per-guild tuning of one detector kind. Threshold is
// a count for spam, a percentage for caps, and a score for toxicity.
type DetectorConfig struct {
	GuildID       int64
	Kind          string
	Enabled       bool
	Threshold     float64
	WindowSeconds int
}

// ActivityEvent is one raw activity observation, rolled up by the analytics
// job and swept by retention.
type ActivityEvent struct {
	ID      int64
	GuildID int64
	UserID  int64
	Kind    string
	At      time.Time
}

// ActivityBucket is a rolled-up count for one (guild, granularity, bucket,
// kind) cell. Granularity is "hour" or "day".
type ActivityBucket struct {
	GuildID     int64
	Granularity string
	BucketStart time.Time
	Kind        string
	Count       int64
}

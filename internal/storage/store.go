package storage

import (
	"context"
	"time"
)

// Store is the persistence API consumed by the background layer and the
// admin surface. Batched Delete*Before operations exist for the retention
// sweeps; they delete at most limit rows and report how many went.
type Store interface {
	// Audit trail (written by the ingestion queue consumer).
	AppendAudit(ctx context.Context, e AuditEvent) error
	DeleteAuditBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// Notifications.
	CreateNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, recipientID int64, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, recipientID int64) (int, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	DismissNotification(ctx context.Context, id string, at time.Time) error
	DeleteNotificationsBefore(ctx context.Context, typ NotificationType, cutoff time.Time, limit int) (int, error)

	// Notification dedup index (best-effort persistence of the in-memory map).
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Reminders.
	UpsertReminder(ctx context.Context, r *Reminder) error
	DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	MarkReminderDelivered(ctx context.Context, id int64, at time.Time) error

	// Scheduled messages.
	UpsertScheduledMessage(ctx context.Context, m *ScheduledMessage) error
	DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error)
	UpdateScheduledMessageRun(ctx context.Context, id int64, ranAt, next time.Time) error
	DisableScheduledMessage(ctx context.Context, id int64) error

	// Per-guild detector tuning (editable at runtime).
	DetectorConfigs(ctx context.Context, guildID int64) ([]DetectorConfig, error)
	UpsertDetectorConfig(ctx context.Context, c DetectorConfig) error

	// Raw activity and rollups.
	RecordActivity(ctx context.Context, e ActivityEvent) error
	RollupHourly(ctx context.Context, from, to time.Time) (int, error)
	RollupDaily(ctx context.Context, from, to time.Time) (int, error)
	DeleteActivityBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DeleteBucketsBefore(ctx context.Context, granularity string, cutoff time.Time, limit int) (int, error)

	// Subscriber registry.
	Admins(ctx context.Context, guildID int64) ([]int64, error)
	AllAdmins(ctx context.Context) ([]int64, error)
	UpsertAdmin(ctx context.Context, guildID, userID int64) error

	Close() error
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"wardbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open initializes the sqlite store, creating the database file and applying
// migrations as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events(at, guild_id, actor_id, action, target_type, target_id, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		ms(e.At), e.GuildID, e.ActorID, e.Action, nullStr(e.TargetType), nullStr(e.TargetID), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) DeleteAuditBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.deleteBatch(ctx,
		`DELETE FROM audit_events WHERE rowid IN
		 (SELECT rowid FROM audit_events WHERE at < ? LIMIT ?)`, ms(cutoff), limit)
}

// ---- Notifications ----

func (s *sqliteStore) CreateNotification(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, recipient_id, type, severity, title, message, link, related_type, related_id, created_at, read_at, dismissed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, string(n.Type), n.Severity, n.Title, nullStr(n.Message), nullStr(n.Link),
		nullStr(n.RelatedType), nullStr(n.RelatedID), ms(n.CreatedAt), msPtr(n.ReadAt), msPtr(n.DismissedAt),
	)
	return err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, recipientID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, type, severity, title, message, link, related_type, related_id, created_at, read_at, dismissed_at
		 FROM notifications
		 WHERE recipient_id = ? AND dismissed_at IS NULL
		 ORDER BY created_at DESC LIMIT ?`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var typ string
		var msg, link, rtyp, rid sql.NullString
		var created int64
		var read, dism sql.NullInt64
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Severity, &n.Title, &msg, &link, &rtyp, &rid, &created, &read, &dism); err != nil {
			return nil, err
		}
		n.Type = NotificationType(typ)
		n.Message = msg.String
		n.Link = link.String
		n.RelatedType = rtyp.String
		n.RelatedID = rid.String
		n.CreatedAt = fromMS(created)
		n.ReadAt = fromMSPtr(read)
		n.DismissedAt = fromMSPtr(dism)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountUnread(ctx context.Context, recipientID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read_at IS NULL AND dismissed_at IS NULL`,
		recipientID).Scan(&n)
	return n, err
}

func (s *sqliteStore) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	return s.touchNotification(ctx, `UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`, id, at)
}

func (s *sqliteStore) DismissNotification(ctx context.Context, id string, at time.Time) error {
	return s.touchNotification(ctx, `UPDATE notifications SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`, id, at)
}

func (s *sqliteStore) touchNotification(ctx context.Context, q, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, q, ms(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown id or already in the target state; check existence.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *sqliteStore) DeleteNotificationsBefore(ctx context.Context, typ NotificationType, cutoff time.Time, limit int) (int, error) {
	return s.deleteBatch(ctx,
		`DELETE FROM notifications WHERE rowid IN
		 (SELECT rowid FROM notifications WHERE type = ? AND created_at < ? LIMIT ?)`,
		string(typ), ms(cutoff), limit)
}

// ---- Dedup index ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms(until),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, ms(time.Now()))
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(until), true, nil
}

// ---- Reminders ----

func (s *sqliteStore) UpsertReminder(ctx context.Context, r *Reminder) error {
	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO reminders(guild_id, chat_id, message, remind_at, delivered_at, created_by)
			 VALUES(?,?,?,?,?,?)`,
			r.GuildID, r.ChatID, r.Message, ms(r.RemindAt), msPtr(r.DeliveredAt), r.CreatedBy)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err == nil {
			r.ID = id
		}
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET guild_id=?, chat_id=?, message=?, remind_at=?, delivered_at=?, created_by=? WHERE id=?`,
		r.GuildID, r.ChatID, r.Message, ms(r.RemindAt), msPtr(r.DeliveredAt), r.CreatedBy, r.ID)
	return err
}

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guild_id, chat_id, message, remind_at, delivered_at, created_by
		 FROM reminders
		 WHERE delivered_at IS NULL AND remind_at <= ?
		 ORDER BY remind_at LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var remindAt int64
		var delivered sql.NullInt64
		if err := rows.Scan(&r.ID, &r.GuildID, &r.ChatID, &r.Message, &remindAt, &delivered, &r.CreatedBy); err != nil {
			return nil, err
		}
		r.RemindAt = fromMS(remindAt)
		r.DeliveredAt = fromMSPtr(delivered)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkReminderDelivered(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`, ms(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Scheduled messages ----

func (s *sqliteStore) UpsertScheduledMessage(ctx context.Context, m *ScheduledMessage) error {
	if m.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO scheduled_messages(guild_id, chat_id, content, frequency, cron_expr, enabled, next_execution_at, last_executed_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			m.GuildID, m.ChatID, m.Content, string(m.Frequency), nullStr(m.CronExpr), boolInt(m.Enabled),
			ms(m.NextExecutionAt), msPtr(m.LastExecutedAt))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err == nil {
			m.ID = id
		}
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET guild_id=?, chat_id=?, content=?, frequency=?, cron_expr=?, enabled=?, next_execution_at=?, last_executed_at=? WHERE id=?`,
		m.GuildID, m.ChatID, m.Content, string(m.Frequency), nullStr(m.CronExpr), boolInt(m.Enabled),
		ms(m.NextExecutionAt), msPtr(m.LastExecutedAt), m.ID)
	return err
}

func (s *sqliteStore) DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guild_id, chat_id, content, frequency, cron_expr, enabled, next_execution_at, last_executed_at
		 FROM scheduled_messages
		 WHERE enabled = 1 AND next_execution_at <= ?
		 ORDER BY next_execution_at LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledMessage
	for rows.Next() {
		var m ScheduledMessage
		var freq string
		var cronExpr sql.NullString
		var enabled int
		var next int64
		var last sql.NullInt64
		if err := rows.Scan(&m.ID, &m.GuildID, &m.ChatID, &m.Content, &freq, &cronExpr, &enabled, &next, &last); err != nil {
			return nil, err
		}
		m.Frequency = Frequency(freq)
		m.CronExpr = cronExpr.String
		m.Enabled = enabled != 0
		m.NextExecutionAt = fromMS(next)
		m.LastExecutedAt = fromMSPtr(last)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateScheduledMessageRun(ctx context.Context, id int64, ranAt, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET last_executed_at = ?, next_execution_at = ? WHERE id = ?`,
		ms(ranAt), ms(next), id)
	return err
}

func (s *sqliteStore) DisableScheduledMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_messages SET enabled = 0 WHERE id = ?`, id)
	return err
}

// ---- Detector configs ----

func (s *sqliteStore) DetectorConfigs(ctx context.Context, guildID int64) ([]DetectorConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, kind, enabled, threshold, window_seconds FROM detector_configs WHERE guild_id = ?`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectorConfig
	for rows.Next() {
		var c DetectorConfig
		var enabled int
		if err := rows.Scan(&c.GuildID, &c.Kind, &enabled, &c.Threshold, &c.WindowSeconds); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertDetectorConfig(ctx context.Context, c DetectorConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detector_configs(guild_id, kind, enabled, threshold, window_seconds)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(guild_id, kind) DO UPDATE SET enabled=excluded.enabled, threshold=excluded.threshold, window_seconds=excluded.window_seconds`,
		c.GuildID, c.Kind, boolInt(c.Enabled), c.Threshold, c.WindowSeconds)
	return err
}

// ---- Activity ----

func (s *sqliteStore) RecordActivity(ctx context.Context, e ActivityEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_events(guild_id, user_id, kind, at) VALUES(?,?,?,?)`,
		e.GuildID, e.UserID, e.Kind, ms(e.At))
	return err
}

const (
	hourMS = int64(time.Hour / time.Millisecond)
	dayMS  = 24 * hourMS
)

func (s *sqliteStore) RollupHourly(ctx context.Context, from, to time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_buckets(guild_id, granularity, bucket_start, kind, count)
		 SELECT guild_id, 'hour', (at/?)*?, kind, COUNT(*)
		 FROM activity_events WHERE at >= ? AND at < ?
		 GROUP BY guild_id, (at/?)*?, kind
		 ON CONFLICT(guild_id, granularity, bucket_start, kind) DO UPDATE SET count = excluded.count`,
		hourMS, hourMS, ms(from), ms(to), hourMS, hourMS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) RollupDaily(ctx context.Context, from, to time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_buckets(guild_id, granularity, bucket_start, kind, count)
		 SELECT guild_id, 'day', (bucket_start/?)*?, kind, SUM(count)
		 FROM activity_buckets WHERE granularity = 'hour' AND bucket_start >= ? AND bucket_start < ?
		 GROUP BY guild_id, (bucket_start/?)*?, kind
		 ON CONFLICT(guild_id, granularity, bucket_start, kind) DO UPDATE SET count = excluded.count`,
		dayMS, dayMS, ms(from), ms(to), dayMS, dayMS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) DeleteActivityBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.deleteBatch(ctx,
		`DELETE FROM activity_events WHERE rowid IN
		 (SELECT rowid FROM activity_events WHERE at < ? LIMIT ?)`, ms(cutoff), limit)
}

func (s *sqliteStore) DeleteBucketsBefore(ctx context.Context, granularity string, cutoff time.Time, limit int) (int, error) {
	return s.deleteBatch(ctx,
		`DELETE FROM activity_buckets WHERE rowid IN
		 (SELECT rowid FROM activity_buckets WHERE granularity = ? AND bucket_start < ? LIMIT ?)`,
		granularity, ms(cutoff), limit)
}

// ---- Admins ----

func (s *sqliteStore) Admins(ctx context.Context, guildID int64) ([]int64, error) {
	return s.adminIDs(ctx, `SELECT user_id FROM guild_admins WHERE guild_id = ? ORDER BY user_id`, guildID)
}

func (s *sqliteStore) AllAdmins(ctx context.Context) ([]int64, error) {
	return s.adminIDs(ctx, `SELECT DISTINCT user_id FROM guild_admins ORDER BY user_id`)
}

func (s *sqliteStore) UpsertAdmin(ctx context.Context, guildID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO guild_admins(guild_id, user_id) VALUES(?,?)`, guildID, userID)
	return err
}

func (s *sqliteStore) adminIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- helpers ----

func (s *sqliteStore) deleteBatch(ctx context.Context, q string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

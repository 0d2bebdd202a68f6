package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"wardbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAuditAppendAndBatchedDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := st.AppendAudit(ctx, AuditEvent{
			At: base.Add(time.Duration(i) * time.Minute), GuildID: 1, ActorID: 9,
			Action: fmt.Sprintf("action-%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Two fresh events must survive the sweep.
	for i := 0; i < 2; i++ {
		if err := st.AppendAudit(ctx, AuditEvent{At: base.Add(time.Hour), GuildID: 1, Action: "fresh"}); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := base.Add(10 * time.Minute)
	var total int
	for _, want := range []int{2, 2, 1, 0} {
		n, err := st.DeleteAuditBefore(ctx, cutoff, 2)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Fatalf("batch deleted %d, want %d (total so far %d)", n, want, total)
		}
		total += n
		if n < 2 {
			break
		}
	}
	if total != 5 {
		t.Fatalf("deleted %d, want 5", total)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		n := Notification{
			ID:          fmt.Sprintf("n-%d", i),
			RecipientID: 7,
			Type:        NotifAlert,
			Severity:    1,
			Title:       fmt.Sprintf("title %d", i),
			Message:     "body",
			RelatedType: "user",
			RelatedID:   "42",
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if err := st.CreateNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	list, err := st.ListNotifications(ctx, 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("listed %d, want 3", len(list))
	}
	if list[0].ID != "n-2" {
		t.Fatalf("newest first: got %s", list[0].ID)
	}
	if list[0].RelatedType != "user" || list[0].RelatedID != "42" {
		t.Fatalf("related fields lost: %+v", list[0])
	}

	if unread, _ := st.CountUnread(ctx, 7); unread != 3 {
		t.Fatalf("unread = %d, want 3", unread)
	}
	if err := st.MarkNotificationRead(ctx, "n-1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if unread, _ := st.CountUnread(ctx, 7); unread != 2 {
		t.Fatalf("unread after read = %d, want 2", unread)
	}

	if err := st.DismissNotification(ctx, "n-0", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	list, _ = st.ListNotifications(ctx, 7, 10)
	if len(list) != 2 {
		t.Fatalf("dismissed notification still listed: %d", len(list))
	}

	if err := st.MarkNotificationRead(ctx, "ghost", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: err = %v, want ErrNotFound", err)
	}
	// Re-marking an already-read notification is not an error.
	if err := st.MarkNotificationRead(ctx, "n-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("re-read: %v", err)
	}
}

func TestNotificationRetentionIsPerType(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, typ NotificationType) {
		if err := st.CreateNotification(ctx, Notification{ID: id, RecipientID: 1, Type: typ, Title: "t", CreatedAt: old}); err != nil {
			t.Fatal(err)
		}
	}
	mk("a1", NotifAlert)
	mk("a2", NotifAlert)
	mk("s1", NotifStatus)

	n, err := st.DeleteNotificationsBefore(ctx, NotifAlert, old.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d alerts, want 2", n)
	}
	list, _ := st.ListNotifications(ctx, 1, 10)
	if len(list) != 1 || list[0].ID != "s1" {
		t.Fatalf("status notification swept with alerts: %+v", list)
	}
}

func TestDedupIndex(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	until := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetDedup: ok=%v err=%v", ok, err)
	}
	if !got.Equal(until) {
		t.Fatalf("until = %v, want %v", got, until)
	}

	// Upsert replaces the expiry.
	later := until.Add(time.Hour)
	if err := st.PutDedup(ctx, "k1", later); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.GetDedup(ctx, "k1")
	if !got.Equal(later) {
		t.Fatalf("after upsert until = %v, want %v", got, later)
	}

	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatal("missing key reported present")
	}
}

func TestReminderLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := &Reminder{GuildID: 1, ChatID: 100, Message: "ping", RemindAt: now.Add(-time.Minute), CreatedBy: 9}
	if err := st.UpsertReminder(ctx, r); err != nil {
		t.Fatal(err)
	}
	if r.ID == 0 {
		t.Fatal("insert did not assign id")
	}
	// A future reminder must not be due.
	if err := st.UpsertReminder(ctx, &Reminder{GuildID: 1, ChatID: 100, Message: "later", RemindAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	due, err := st.DueReminders(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != r.ID {
		t.Fatalf("due = %+v, want only the past reminder", due)
	}

	if err := st.MarkReminderDelivered(ctx, r.ID, now); err != nil {
		t.Fatal(err)
	}
	if due, _ := st.DueReminders(ctx, now, 10); len(due) != 0 {
		t.Fatalf("delivered reminder still due: %+v", due)
	}
	// Double delivery is refused.
	if err := st.MarkReminderDelivered(ctx, r.ID, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delivery: err = %v, want ErrNotFound", err)
	}
}

func TestScheduledMessageLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &ScheduledMessage{
		GuildID: 1, ChatID: 100, Content: "daily ping",
		Frequency: FreqDaily, Enabled: true,
		NextExecutionAt: now.Add(-time.Minute),
	}
	if err := st.UpsertScheduledMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.ID == 0 {
		t.Fatal("insert did not assign id")
	}

	due, err := st.DueScheduledMessages(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Content != "daily ping" {
		t.Fatalf("due = %+v", due)
	}

	next := now.Add(24 * time.Hour)
	if err := st.UpdateScheduledMessageRun(ctx, m.ID, now, next); err != nil {
		t.Fatal(err)
	}
	if due, _ := st.DueScheduledMessages(ctx, now, 10); len(due) != 0 {
		t.Fatal("message still due after run recorded")
	}
	due, _ = st.DueScheduledMessages(ctx, next, 10)
	if len(due) != 1 || due[0].LastExecutedAt == nil {
		t.Fatalf("due at next fire = %+v", due)
	}

	if err := st.DisableScheduledMessage(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if due, _ := st.DueScheduledMessages(ctx, next, 10); len(due) != 0 {
		t.Fatal("disabled message still due")
	}
}

func TestDetectorConfigUpsert(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	c := DetectorConfig{GuildID: 1, Kind: "spam", Enabled: true, Threshold: 5, WindowSeconds: 10}
	if err := st.UpsertDetectorConfig(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.Threshold = 8
	if err := st.UpsertDetectorConfig(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := st.DetectorConfigs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("configs = %+v, want single upserted row", got)
	}
	if got[0].Threshold != 8 || !got[0].Enabled || got[0].WindowSeconds != 10 {
		t.Fatalf("config = %+v", got[0])
	}
	if other, _ := st.DetectorConfigs(ctx, 2); len(other) != 0 {
		t.Fatal("config leaked across guilds")
	}
}

func TestActivityRollups(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Three events in hour 10, one in hour 11, same guild and kind.
	for _, at := range []time.Time{
		base.Add(5 * time.Minute), base.Add(20 * time.Minute), base.Add(40 * time.Minute),
		base.Add(90 * time.Minute),
	} {
		if err := st.RecordActivity(ctx, ActivityEvent{GuildID: 1, UserID: 2, Kind: "message", At: at}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := st.RollupHourly(ctx, base.Add(-time.Hour), base.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Running again over the same window must not double-count.
	if _, err := st.RollupHourly(ctx, base.Add(-time.Hour), base.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.RollupDaily(ctx, base.Add(-24*time.Hour), base.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Raw events can now be swept without losing the buckets.
	if _, err := st.DeleteActivityBefore(ctx, base.Add(2*time.Hour), 100); err != nil {
		t.Fatal(err)
	}
	n, err := st.DeleteBucketsBefore(ctx, "hour", base.Add(24*time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("hourly buckets = %d, want 2 (hours 10 and 11)", n)
	}
	n, err = st.DeleteBucketsBefore(ctx, "day", base.Add(48*time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("daily buckets = %d, want 1", n)
	}
}

func TestAdminRegistry(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, pair := range [][2]int64{{1, 10}, {1, 11}, {2, 10}, {2, 20}} {
		if err := st.UpsertAdmin(ctx, pair[0], pair[1]); err != nil {
			t.Fatal(err)
		}
	}
	// Duplicate upsert is a no-op.
	if err := st.UpsertAdmin(ctx, 1, 10); err != nil {
		t.Fatal(err)
	}

	g1, err := st.Admins(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(g1) != 2 || g1[0] != 10 || g1[1] != 11 {
		t.Fatalf("guild 1 admins = %v", g1)
	}

	all, err := st.AllAdmins(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all admins = %v, want deduped 3", all)
	}
}

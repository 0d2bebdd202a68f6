package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wardbot/internal/storage"
	"wardbot/internal/transport"
	"wardbot/pkg/logx"
)

type fakeReminderStore struct {
	mu        sync.Mutex
	reminders []storage.Reminder
	markErr   error
}

func (s *fakeReminderStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]storage.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Reminder
	for _, r := range s.reminders {
		if r.DeliveredAt == nil && !r.RemindAt.After(now) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeReminderStore) MarkReminderDelivered(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for i := range s.reminders {
		if s.reminders[i].ID == id {
			t := at
			s.reminders[i].DeliveredAt = &t
			return nil
		}
	}
	return storage.ErrNotFound
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []int64
	fail  map[int64]bool
}

func (r *recordingSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[chatID] {
		return errors.New("send refused")
	}
	r.sent = append(r.sent, chatID)
	return nil
}

func TestDueRemindersDeliveredOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeReminderStore{reminders: []storage.Reminder{
		{ID: 1, ChatID: 100, Message: "due", RemindAt: now.Add(-time.Minute)},
		{ID: 2, ChatID: 200, Message: "future", RemindAt: now.Add(time.Hour)},
	}}
	sender := &recordingSender{}
	j := NewReminderJob(st, sender, logx.Nop(), 50)
	j.now = func() time.Time { return now }

	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != 100 {
		t.Fatalf("sent = %v, want only chat 100", sender.sent)
	}
	if st.reminders[0].DeliveredAt == nil {
		t.Fatal("delivered reminder not marked")
	}

	// A second tick must not re-deliver.
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v, reminder delivered twice", sender.sent)
	}
}

func TestFailedSendLeavesReminderDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeReminderStore{reminders: []storage.Reminder{
		{ID: 1, ChatID: 100, Message: "due", RemindAt: now.Add(-time.Minute)},
	}}
	sender := &recordingSender{fail: map[int64]bool{100: true}}
	j := NewReminderJob(st, sender, logx.Nop(), 50)
	j.now = func() time.Time { return now }

	if err := j.Run(context.Background()); err == nil {
		t.Fatal("want error surfaced for failed send")
	}
	if st.reminders[0].DeliveredAt != nil {
		t.Fatal("failed delivery marked as delivered")
	}

	// Delivery recovers on a later tick.
	sender.fail = nil
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st.reminders[0].DeliveredAt == nil {
		t.Fatal("recovered delivery not marked")
	}
}

func TestBatchCapLimitsPerTick(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeReminderStore{}
	for i := int64(1); i <= 5; i++ {
		st.reminders = append(st.reminders, storage.Reminder{ID: i, ChatID: i, RemindAt: now.Add(-time.Minute), Message: "x"})
	}
	sender := &recordingSender{}
	j := NewReminderJob(st, sender, logx.Nop(), 2)
	j.now = func() time.Time { return now }

	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d, want batch cap 2", len(sender.sent))
	}
}

func TestSenderFuncAdapter(t *testing.T) {
	t.Parallel()

	var got int64
	var s transport.Sender = transport.SenderFunc(func(ctx context.Context, chatID int64, text string) error {
		got = chatID
		return nil
	})
	if err := s.SendMessage(context.Background(), 42, "hi"); err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("chatID = %d, want 42", got)
	}
}

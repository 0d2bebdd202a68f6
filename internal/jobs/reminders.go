// Package jobs holds the runnable units hosted by the task runner. Each job
// is a small struct over narrow store interfaces so tests can fake exactly
// what the job touches.
package jobs

import (
	"context"
	"errors"
	"time"

	"wardbot/internal/storage"
	"wardbot/internal/transport"
	"wardbot/pkg/logx"
)

type ReminderStore interface {
	DueReminders(ctx context.Context, now time.Time, limit int) ([]storage.Reminder, error)
	MarkReminderDelivered(ctx context.Context, id int64, at time.Time) error
}

// ReminderJob selects due, undelivered reminders up to the batch cap, sends
// them, and marks them delivered so they are never re-sent.
type ReminderJob struct {
	store  ReminderStore
	sender transport.Sender
	log    logx.Logger
	batch  int
	now    func() time.Time
}

func NewReminderJob(store ReminderStore, sender transport.Sender, log logx.Logger, batch int) *ReminderJob {
	if batch <= 0 {
		batch = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReminderJob{store: store, sender: sender, log: log, batch: batch, now: time.Now}
}

func (j *ReminderJob) Run(ctx context.Context) error {
	now := j.now()
	due, err := j.store.DueReminders(ctx, now, j.batch)
	if err != nil {
		return err
	}

	var errs []error
	sent := 0
	for _, r := range due {
		if err := j.sender.SendMessage(ctx, r.ChatID, r.Message); err != nil {
			// Leave undelivered; the next tick retries naturally.
			errs = append(errs, err)
			j.log.Warn("reminder send failed", logx.Int64("id", r.ID), logx.Int64("chat_id", r.ChatID), logx.Err(err))
			continue
		}
		if err := j.store.MarkReminderDelivered(ctx, r.ID, j.now()); err != nil {
			// The message went out but the marker didn't stick; surface it so
			// the duplicate on the next tick is at least visible in health.
			errs = append(errs, err)
			j.log.Error("reminder delivered but not marked", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		j.log.Info("reminders delivered", logx.Int("count", sent))
	}
	return errors.Join(errs...)
}

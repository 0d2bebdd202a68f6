package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wardbot/internal/schedule"
	"wardbot/internal/storage"
	"wardbot/internal/transport"
	"wardbot/pkg/logx"
)

type ScheduledMessageStore interface {
	DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]storage.ScheduledMessage, error)
	UpdateScheduledMessageRun(ctx context.Context, id int64, ranAt, next time.Time) error
	DisableScheduledMessage(ctx context.Context, id int64) error
}

// ScheduledMessageJob sends messages whose next execution has arrived and
// advances (or retires) their schedule.
type ScheduledMessageJob struct {
	store  ScheduledMessageStore
	sender transport.Sender
	log    logx.Logger
	batch  int
	now    func() time.Time
}

func NewScheduledMessageJob(store ScheduledMessageStore, sender transport.Sender, log logx.Logger, batch int) *ScheduledMessageJob {
	if batch <= 0 {
		batch = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ScheduledMessageJob{store: store, sender: sender, log: log, batch: batch, now: time.Now}
}

func (j *ScheduledMessageJob) Run(ctx context.Context) error {
	now := j.now()
	due, err := j.store.DueScheduledMessages(ctx, now, j.batch)
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range due {
		if err := j.sender.SendMessage(ctx, m.ChatID, m.Content); err != nil {
			errs = append(errs, err)
			j.log.Warn("scheduled message send failed", logx.Int64("id", m.ID), logx.Int64("chat_id", m.ChatID), logx.Err(err))
			continue
		}

		if m.Frequency == storage.FreqOnce {
			if err := j.store.DisableScheduledMessage(ctx, m.ID); err != nil {
				errs = append(errs, err)
				j.log.Error("one-shot message sent but not disabled", logx.Int64("id", m.ID), logx.Err(err))
			}
			continue
		}

		ranAt := j.now()
		next, err := nextExecution(m, ranAt)
		if err != nil {
			// Bad schedule on a live row; retire it instead of hot-looping.
			errs = append(errs, err)
			j.log.Error("scheduled message disabled, schedule unusable", logx.Int64("id", m.ID), logx.String("cron", m.CronExpr), logx.Err(err))
			if derr := j.store.DisableScheduledMessage(ctx, m.ID); derr != nil {
				errs = append(errs, derr)
			}
			continue
		}
		if err := j.store.UpdateScheduledMessageRun(ctx, m.ID, ranAt, next); err != nil {
			errs = append(errs, err)
			j.log.Error("scheduled message run not recorded", logx.Int64("id", m.ID), logx.Err(err))
		}
	}
	return errors.Join(errs...)
}

func nextExecution(m storage.ScheduledMessage, from time.Time) (time.Time, error) {
	switch m.Frequency {
	case storage.FreqHourly:
		return from.Add(time.Hour), nil
	case storage.FreqDaily:
		return from.Add(24 * time.Hour), nil
	case storage.FreqWeekly:
		return from.Add(7 * 24 * time.Hour), nil
	case storage.FreqCron:
		return schedule.NextFire(m.CronExpr, from)
	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", m.Frequency)
	}
}

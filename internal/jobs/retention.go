package jobs

import (
	"context"
	"time"

	"wardbot/pkg/logx"
)

// DeleteBatch removes up to limit rows older than cutoff and reports how many
// went away. All storage sweep methods fit this shape.
type DeleteBatch func(ctx context.Context, cutoff time.Time, limit int) (int, error)

// RetentionSweep deletes expired rows in capped batches so a large backlog
// never holds a long write transaction. It stops early on the first short
// batch and is bounded by maxBatches per run; leftovers wait for the next tick.
type RetentionSweep struct {
	name       string
	age        time.Duration
	batch      int
	maxBatches int
	del        DeleteBatch
	log        logx.Logger
	now        func() time.Time
}

func NewRetentionSweep(name string, age time.Duration, batch, maxBatches int, del DeleteBatch, log logx.Logger) *RetentionSweep {
	if batch <= 0 {
		batch = 500
	}
	if maxBatches <= 0 {
		maxBatches = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RetentionSweep{
		name:       name,
		age:        age,
		batch:      batch,
		maxBatches: maxBatches,
		del:        del,
		log:        log,
		now:        time.Now,
	}
}

func (s *RetentionSweep) Run(ctx context.Context) error {
	if s.age <= 0 {
		// Retention disabled for this dataset.
		return nil
	}
	cutoff := s.now().Add(-s.age)

	total := 0
	for i := 0; i < s.maxBatches; i++ {
		n, err := s.del(ctx, cutoff, s.batch)
		total += n
		if err != nil {
			s.log.Error("retention sweep failed", logx.String("dataset", s.name), logx.Int("deleted", total), logx.Err(err))
			return err
		}
		if n < s.batch {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if total > 0 {
		s.log.Info("retention sweep", logx.String("dataset", s.name), logx.Int("deleted", total))
	}
	return nil
}

package jobs

import (
	"context"
	"time"

	"wardbot/pkg/logx"
)

type AnalyticsStore interface {
	RollupHourly(ctx context.Context, from, to time.Time) (int, error)
	RollupDaily(ctx context.Context, from, to time.Time) (int, error)
}

// RollupJob folds raw activity events into hourly buckets and hourly buckets
// into daily ones. Buckets are upserted with recomputed counts, so overlapping
// windows across runs are harmless; the lookback just has to cover at least
// one full cadence plus clock skew.
type RollupJob struct {
	store          AnalyticsStore
	log            logx.Logger
	hourlyLookback time.Duration
	dailyLookback  time.Duration
	now            func() time.Time
}

func NewRollupJob(store AnalyticsStore, log logx.Logger, hourlyLookback, dailyLookback time.Duration) *RollupJob {
	if hourlyLookback <= 0 {
		hourlyLookback = 3 * time.Hour
	}
	if dailyLookback <= 0 {
		dailyLookback = 3 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RollupJob{
		store:          store,
		log:            log,
		hourlyLookback: hourlyLookback,
		dailyLookback:  dailyLookback,
		now:            time.Now,
	}
}

// RunHourly recomputes hourly buckets over the recent window.
func (j *RollupJob) RunHourly(ctx context.Context) error {
	to := j.now()
	from := to.Add(-j.hourlyLookback)
	n, err := j.store.RollupHourly(ctx, from, to)
	if err != nil {
		j.log.Error("hourly rollup failed", logx.Err(err))
		return err
	}
	if n > 0 {
		j.log.Debug("hourly rollup", logx.Int("buckets", n))
	}
	return nil
}

// RunDaily recomputes daily buckets from hourly ones over the recent window.
func (j *RollupJob) RunDaily(ctx context.Context) error {
	to := j.now()
	from := to.Add(-j.dailyLookback)
	n, err := j.store.RollupDaily(ctx, from, to)
	if err != nil {
		j.log.Error("daily rollup failed", logx.Err(err))
		return err
	}
	if n > 0 {
		j.log.Debug("daily rollup", logx.Int("buckets", n))
	}
	return nil
}

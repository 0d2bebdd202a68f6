// Package schedule drives the registered background tasks. Every task gets
// its own goroutine so one unit's duration or failure never delays another;
// failures are recorded against the health registry and the task simply
// fires again on its next natural tick.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"wardbot/internal/eventbus"
	"wardbot/internal/health"
	"wardbot/internal/runtime/supervisor"
	"wardbot/pkg/logx"
)

var (
	ErrStarted    = errors.New("runner already started")
	ErrDuplicate  = errors.New("task name already registered")
	ErrUnknown    = errors.New("unknown task")
	ErrBadCadence = errors.New("invalid cadence")
)

// Job is one runnable unit. The context is tied to runner shutdown; jobs are
// expected to observe it on blocking work.
type Job func(ctx context.Context) error

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// TaskStatus is a point-in-time view of one registered task.
type TaskStatus struct {
	Name         string        `json:"name"`
	Cadence      string        `json:"cadence"`
	Disabled     bool          `json:"disabled"`
	LastRunAt    time.Time     `json:"last_run_at"`
	LastDuration time.Duration `json:"last_duration"`
	LastOutcome  string        `json:"last_outcome,omitempty"`
	NextFireAt   time.Time     `json:"next_fire_at"`
}

type taskUnit struct {
	name    string
	cadence Cadence
	job     Job
	jitter  time.Duration

	mu           sync.Mutex
	disabled     bool
	lastRunAt    time.Time
	lastDuration time.Duration
	lastOutcome  string
	nextFireAt   time.Time
}

// Runner owns the ordered task list. Tasks are registered once during
// initialization; Start spawns one goroutine per task.
type Runner struct {
	log    logx.Logger
	health *health.Registry
	bus    eventbus.Bus

	stopGrace time.Duration

	mu      sync.Mutex
	tasks   map[string]*taskUnit
	order   []string
	sup     *supervisor.Supervisor
	started bool
}

// NewRunner builds a runner. stopGrace bounds how long Stop waits for
// in-flight runs.
func NewRunner(log logx.Logger, reg *health.Registry, bus eventbus.Bus, stopGrace time.Duration) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &Runner{
		log:       log,
		health:    reg,
		bus:       bus,
		stopGrace: stopGrace,
		tasks:     map[string]*taskUnit{},
	}
}

// Register adds a named unit. A random jitter of 0-10% of the interval is
// fixed per unit here so tasks sharing a common interval don't fire in
// synchronized bursts. Registration after Start is rejected.
func (r *Runner) Register(name string, cadence Cadence, job Job) error {
	if name == "" || job == nil {
		return fmt.Errorf("%w: name and job required", ErrBadCadence)
	}
	if cadence.Next(time.Now()).IsZero() {
		return fmt.Errorf("%w: %s", ErrBadCadence, cadence)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	var jitter time.Duration
	if cadence.Kind == KindInterval {
		if max := int64(cadence.Every / 10); max > 0 {
			jitter = time.Duration(rand.Int63n(max + 1))
		}
	}
	u := &taskUnit{name: name, cadence: cadence, job: job, jitter: jitter}
	r.tasks[name] = u
	r.order = append(r.order, name)
	if r.health != nil {
		r.health.Register(name)
	}
	r.log.Debug("task registered", logx.String("task", name), logx.String("cadence", cadence.String()), logx.Duration("jitter", jitter))
	return nil
}

// Start begins ticking all registered units. Idempotent.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	sup := r.sup
	units := make([]*taskUnit, 0, len(r.order))
	for _, name := range r.order {
		units = append(units, r.tasks[name])
	}
	r.mu.Unlock()

	for _, u := range units {
		unit := u
		sup.Go0("task."+unit.name, func(ctx context.Context) {
			r.tick(ctx, unit)
		})
	}
	r.log.Info("runner started", logx.Int("tasks", len(units)))
}

// Stop requests cooperative shutdown and waits up to the grace period for
// in-flight runs to finish. Stragglers are abandoned.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.started = false
	r.mu.Unlock()
	if sup == nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, r.stopGrace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("runner stop incomplete", logx.Err(err))
		return
	}
	r.log.Info("runner stopped")
}

// Disable marks a unit skipped on tick (the clock keeps ticking).
func (r *Runner) Disable(name string, disabled bool) error {
	r.mu.Lock()
	u, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	u.mu.Lock()
	u.disabled = disabled
	u.mu.Unlock()
	r.log.Info("task toggled", logx.String("task", name), logx.Bool("disabled", disabled))
	return nil
}

// Snapshot returns task statuses in registration order.
func (r *Runner) Snapshot() []TaskStatus {
	r.mu.Lock()
	units := make([]*taskUnit, 0, len(r.order))
	for _, name := range r.order {
		units = append(units, r.tasks[name])
	}
	r.mu.Unlock()

	out := make([]TaskStatus, 0, len(units))
	for _, u := range units {
		u.mu.Lock()
		out = append(out, TaskStatus{
			Name:         u.name,
			Cadence:      u.cadence.String(),
			Disabled:     u.disabled,
			LastRunAt:    u.lastRunAt,
			LastDuration: u.lastDuration,
			LastOutcome:  u.lastOutcome,
			NextFireAt:   u.nextFireAt,
		})
		u.mu.Unlock()
	}
	return out
}

func (r *Runner) tick(ctx context.Context, u *taskUnit) {
	next := u.cadence.Next(time.Now()).Add(u.jitter)
	u.mu.Lock()
	u.nextFireAt = next
	u.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		u.mu.Lock()
		disabled := u.disabled
		u.mu.Unlock()

		if disabled {
			u.mu.Lock()
			u.lastOutcome = OutcomeSkipped
			u.mu.Unlock()
			r.publish(eventbus.TypeTaskSkipped, u.name, 0, nil)
		} else {
			r.runOnce(ctx, u)
		}

		next = u.cadence.Next(time.Now())
		u.mu.Lock()
		u.nextFireAt = next
		u.mu.Unlock()
		timer.Reset(time.Until(next))
	}
}

// runOnce executes the job body with panic isolation and records the
// outcome. Errors never propagate; the unit fires again next tick.
func (r *Runner) runOnce(ctx context.Context, u *taskUnit) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return u.job(ctx)
	}()
	dur := time.Since(start)

	u.mu.Lock()
	u.lastRunAt = start
	u.lastDuration = dur
	if err != nil {
		u.lastOutcome = OutcomeError
	} else {
		u.lastOutcome = OutcomeOK
	}
	u.mu.Unlock()

	if err != nil {
		if r.health != nil {
			r.health.RecordFailure(u.name, err)
		}
		r.log.Warn("task failed", logx.String("task", u.name), logx.Duration("dur", dur), logx.Err(err))
		r.publish(eventbus.TypeTaskFailed, u.name, dur, err)
		return
	}
	if r.health != nil {
		r.health.RecordSuccess(u.name, dur)
	}
	r.log.Debug("task ran", logx.String("task", u.name), logx.Duration("dur", dur))
	r.publish(eventbus.TypeTaskRun, u.name, dur, nil)
}

type taskEvent struct {
	Task     string        `json:"task"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (r *Runner) publish(typ, name string, dur time.Duration, err error) {
	if r.bus == nil {
		return
	}
	ev := taskEvent{Task: name, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Package ingest decouples audit-event producers from the durable-write
// path. Producers never block and never see an error: under overload the
// oldest queued item is evicted so request handling stays live, at the cost
// of completeness of the trail.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wardbot/internal/eventbus"
	"wardbot/internal/health"
	"wardbot/internal/storage"
	"wardbot/pkg/logx"
)

// HealthName is the unit name the consumer reports under.
const HealthName = "ingest.consumer"

// Writer is the slice of the store the consumer needs.
type Writer interface {
	AppendAudit(ctx context.Context, e storage.AuditEvent) error
}

type Config struct {
	Capacity     int
	RetryMax     int
	RetryBase    time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Stats are cumulative counters, readable at any time.
type Stats struct {
	Enqueued        uint64 `json:"enqueued"`
	Persisted       uint64 `json:"persisted"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	DroppedError    uint64 `json:"dropped_error"`
	Depth           int    `json:"depth"`
}

type item struct {
	ev         storage.AuditEvent
	enqueuedAt time.Time
}

// Queue is a bounded FIFO with a single consumer loop. Safe for concurrent
// producers.
type Queue struct {
	log    logx.Logger
	writer Writer
	bus    eventbus.Bus
	hreg   *health.Registry
	cfg    Config

	mu  sync.Mutex
	buf []item

	// notEmpty wakes the (single) consumer; capacity 1 is enough because the
	// consumer re-checks the buffer after every wake.
	notEmpty chan struct{}

	enqueued        atomic.Uint64
	persisted       atomic.Uint64
	droppedOverflow atomic.Uint64
	droppedError    atomic.Uint64
}

func NewQueue(cfg Config, writer Writer, log logx.Logger, bus eventbus.Bus, hreg *health.Registry) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if hreg != nil {
		hreg.Register(HealthName)
	}
	return &Queue{
		log:      log,
		writer:   writer,
		bus:      bus,
		hreg:     hreg,
		cfg:      cfg,
		buf:      make([]item, 0, cfg.Capacity),
		notEmpty: make(chan struct{}, 1),
	}
}

// Enqueue accepts an event. It never blocks beyond the map/slice operations
// under the mutex and never returns an error: at capacity it evicts exactly
// the oldest item, counts and logs the loss.
func (q *Queue) Enqueue(ev storage.AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Evict and append under one lock hold so the buffer never exceeds
	// capacity even with concurrent producers; logging happens after unlock.
	var dropped item
	var overflowed bool
	q.mu.Lock()
	if len(q.buf) >= q.cfg.Capacity {
		dropped = q.buf[0]
		overflowed = true
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
	}
	q.buf = append(q.buf, item{ev: ev, enqueuedAt: time.Now()})
	q.mu.Unlock()

	q.enqueued.Add(1)
	if overflowed {
		q.droppedOverflow.Add(1)
		q.log.Warn("ingest queue full, oldest event dropped",
			logx.String("action", dropped.ev.Action),
			logx.Int64("guild_id", dropped.ev.GuildID),
			logx.Time("at", dropped.ev.At))
		q.publish(eventbus.TypeIngestDropped, dropped.ev, nil)
	}
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Run is the single consumer loop. It drains continuously while items are
// present and parks on the wake channel when idle. Intended to be hosted by
// a supervisor; returns only on context cancellation.
func (q *Queue) Run(ctx context.Context) error {
	for {
		it, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notEmpty:
				continue
			}
		}
		q.persist(ctx, it)

		// Shutdown wins over queued work once the current item is handled.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (q *Queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return item{}, false
	}
	it := q.buf[0]
	copy(q.buf, q.buf[1:])
	q.buf = q.buf[:len(q.buf)-1]
	return it, true
}

// persist writes one item with bounded retries, then drops it with enough
// logged detail to reconstruct the entry manually.
func (q *Queue) persist(ctx context.Context, it item) {
	var lastErr error
	attempts := 1 + q.cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		err := q.writer.AppendAudit(wctx, it.ev)
		cancel()
		if err == nil {
			q.persisted.Add(1)
			if q.hreg != nil {
				q.hreg.RecordSuccess(HealthName, time.Since(it.enqueuedAt))
			}
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = attempts
		case <-time.After(q.cfg.RetryBase * time.Duration(attempt)):
		}
	}

	q.droppedError.Add(1)
	if q.hreg != nil {
		q.hreg.RecordFailure(HealthName, lastErr)
	}
	q.log.Error("audit event lost after retries",
		logx.Err(lastErr),
		logx.Int("attempts", attempts),
		logx.Time("at", it.ev.At),
		logx.Int64("guild_id", it.ev.GuildID),
		logx.Int64("actor_id", it.ev.ActorID),
		logx.String("event_action", it.ev.Action),
		logx.String("target_type", it.ev.TargetType),
		logx.String("target_id", it.ev.TargetID),
		logx.String("detail", it.ev.Detail))
	q.publish(eventbus.TypeIngestLost, it.ev, lastErr)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.buf)
	q.mu.Unlock()
	return Stats{
		Enqueued:        q.enqueued.Load(),
		Persisted:       q.persisted.Load(),
		DroppedOverflow: q.droppedOverflow.Load(),
		DroppedError:    q.droppedError.Load(),
		Depth:           depth,
	}
}

type queueEvent struct {
	Action  string `json:"action"`
	GuildID int64  `json:"guild_id"`
	Error   string `json:"error,omitempty"`
}

func (q *Queue) publish(typ string, ev storage.AuditEvent, err error) {
	if q.bus == nil {
		return
	}
	e := queueEvent{Action: ev.Action, GuildID: ev.GuildID}
	if err != nil {
		e.Error = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: e})
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wardbot/internal/health"
	"wardbot/internal/storage"
	"wardbot/pkg/logx"
)

type fakeWriter struct {
	mu      sync.Mutex
	events  []storage.AuditEvent
	failFor map[string]int // action -> remaining failures
}

func (w *fakeWriter) AppendAudit(ctx context.Context, e storage.AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.failFor[e.Action]; n != 0 {
		if n > 0 {
			w.failFor[e.Action] = n - 1
		}
		return errors.New("write refused")
	}
	w.events = append(w.events, e)
	return nil
}

func (w *fakeWriter) actions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.events))
	for i, e := range w.events {
		out[i] = e.Action
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueNeverBlocksAndDropsOldest(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	q := NewQueue(Config{Capacity: 3}, w, logx.Nop(), nil, nil)

	// No consumer running: fill past capacity.
	for i := 0; i < 5; i++ {
		q.Enqueue(storage.AuditEvent{Action: fmt.Sprintf("a%d", i)})
	}

	st := q.Stats()
	if st.Depth != 3 {
		t.Fatalf("depth = %d, want capacity 3", st.Depth)
	}
	if st.Enqueued != 5 {
		t.Fatalf("enqueued = %d, want 5", st.Enqueued)
	}
	if st.DroppedOverflow != 2 {
		t.Fatalf("dropped = %d, want 2 (oldest evicted)", st.DroppedOverflow)
	}

	// Drain: the survivors must be exactly the newest three, in order.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Persisted == 3 })
	cancel()
	<-done

	got := w.actions()
	want := []string{"a2", "a3", "a4"}
	if len(got) != len(want) {
		t.Fatalf("persisted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("persisted %v, want %v", got, want)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{failFor: map[string]int{"wobbly": 2}}
	q := NewQueue(Config{Capacity: 8, RetryMax: 3, RetryBase: time.Millisecond}, w, logx.Nop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	q.Enqueue(storage.AuditEvent{Action: "wobbly"})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Persisted == 1 })

	if st := q.Stats(); st.DroppedError != 0 {
		t.Fatalf("dropped_error = %d, want 0", st.DroppedError)
	}
}

func TestRetriesExhaustedCountsLossAndFlipsHealth(t *testing.T) {
	t.Parallel()

	reg := health.NewRegistry(1)
	w := &fakeWriter{failFor: map[string]int{"doomed": -1}} // never succeeds
	q := NewQueue(Config{Capacity: 8, RetryMax: 2, RetryBase: time.Millisecond}, w, logx.Nop(), nil, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	q.Enqueue(storage.AuditEvent{Action: "doomed", GuildID: 7})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().DroppedError == 1 })

	rec, ok := reg.Get(HealthName)
	if !ok {
		t.Fatal("consumer health record missing")
	}
	if rec.Healthy {
		t.Fatal("consumer healthy after losing an event")
	}

	// A subsequent good event restores health.
	q.Enqueue(storage.AuditEvent{Action: "fine"})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Persisted == 1 })
	if rec, _ := reg.Get(HealthName); !rec.Healthy {
		t.Fatal("consumer health not restored by success")
	}
}

func TestConcurrentProducers(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	q := NewQueue(Config{Capacity: 1000}, w, logx.Nop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(storage.AuditEvent{Action: fmt.Sprintf("p%d-%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool {
		st := q.Stats()
		return st.Persisted+st.DroppedOverflow == producers*perProducer
	})
	if st := q.Stats(); st.DroppedOverflow != 0 {
		t.Fatalf("unexpected drops with roomy capacity: %+v", st)
	}
}

func TestConcurrentProducersNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 2
	w := &fakeWriter{}
	q := NewQueue(Config{Capacity: capacity}, w, logx.Nop(), nil, nil)

	// No consumer: every enqueue past capacity must evict exactly one item,
	// so the depth can never grow past the bound even under contention.
	stop := make(chan struct{})
	violation := make(chan int, 1)
	var samplers sync.WaitGroup
	for s := 0; s < 2; s++ {
		samplers.Add(1)
		go func() {
			defer samplers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if d := q.Stats().Depth; d > capacity {
					select {
					case violation <- d:
					default:
					}
					return
				}
			}
		}()
	}

	const producers, perProducer = 8, 2000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(storage.AuditEvent{Action: fmt.Sprintf("p%d-%d", p, i)})
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	samplers.Wait()

	select {
	case d := <-violation:
		t.Fatalf("depth = %d, exceeded capacity %d", d, capacity)
	default:
	}

	st := q.Stats()
	if st.Depth != capacity {
		t.Fatalf("final depth = %d, want %d", st.Depth, capacity)
	}
	if st.Enqueued != producers*perProducer {
		t.Fatalf("enqueued = %d, want %d", st.Enqueued, producers*perProducer)
	}
	// Exactly one eviction per enqueue against a full buffer.
	if want := uint64(producers*perProducer - capacity); st.DroppedOverflow != want {
		t.Fatalf("dropped = %d, want %d", st.DroppedOverflow, want)
	}
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wardbot/pkg/logx"
)

// fakeDataset hands out batch deletions from a fixed eligible count.
type fakeDataset struct {
	mu       sync.Mutex
	eligible int
	calls    []int
	failAt   int // 1-based call index to fail on, 0 = never
}

func (d *fakeDataset) del(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := len(d.calls) + 1
	if d.failAt != 0 && call == d.failAt {
		d.calls = append(d.calls, 0)
		return 0, errors.New("delete refused")
	}
	n := limit
	if d.eligible < n {
		n = d.eligible
	}
	d.eligible -= n
	d.calls = append(d.calls, n)
	return n, nil
}

func TestSweepDeletesInCappedBatches(t *testing.T) {
	t.Parallel()

	ds := &fakeDataset{eligible: 5}
	s := NewRetentionSweep("audit", time.Hour, 2, 10, ds.del, logx.Nop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []int{2, 2, 1}
	if len(ds.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", ds.calls, want)
	}
	for i := range want {
		if ds.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", ds.calls, want)
		}
	}
	if ds.eligible != 0 {
		t.Fatalf("eligible left = %d, want 0", ds.eligible)
	}
}

func TestSweepStopsAtMaxBatches(t *testing.T) {
	t.Parallel()

	ds := &fakeDataset{eligible: 100}
	s := NewRetentionSweep("audit", time.Hour, 10, 3, ds.del, logx.Nop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ds.calls) != 3 {
		t.Fatalf("calls = %d, want max 3", len(ds.calls))
	}
	if ds.eligible != 70 {
		t.Fatalf("eligible left = %d, want 70 (leftovers wait for next tick)", ds.eligible)
	}
}

func TestSweepExactMultipleMakesOneExtraEmptyCall(t *testing.T) {
	t.Parallel()

	ds := &fakeDataset{eligible: 4}
	s := NewRetentionSweep("audit", time.Hour, 2, 10, ds.del, logx.Nop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 2, 2, then a short (empty) batch terminates the loop.
	if len(ds.calls) != 3 || ds.calls[2] != 0 {
		t.Fatalf("calls = %v, want [2 2 0]", ds.calls)
	}
}

func TestSweepSurfacesErrors(t *testing.T) {
	t.Parallel()

	ds := &fakeDataset{eligible: 10, failAt: 2}
	s := NewRetentionSweep("audit", time.Hour, 2, 10, ds.del, logx.Nop())
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("want error surfaced to the runner")
	}
	if len(ds.calls) != 2 {
		t.Fatalf("calls = %d, want stop at failing batch", len(ds.calls))
	}
}

func TestSweepDisabledByZeroAge(t *testing.T) {
	t.Parallel()

	ds := &fakeDataset{eligible: 10}
	s := NewRetentionSweep("audit", 0, 2, 10, ds.del, logx.Nop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ds.calls) != 0 {
		t.Fatal("zero age must disable the sweep")
	}
}

func TestSweepCutoffUsesAge(t *testing.T) {
	t.Parallel()

	var gotCutoff time.Time
	del := func(ctx context.Context, cutoff time.Time, limit int) (int, error) {
		gotCutoff = cutoff
		return 0, nil
	}
	s := NewRetentionSweep("audit", 24*time.Hour, 10, 3, del, logx.Nop())
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := now.Add(-24 * time.Hour); !gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", gotCutoff, want)
	}
}

// Package health tracks liveness and last-error state for every background
// unit. It is read-only infrastructure for the diagnostics surface and
// performs no scheduling itself.
package health

import (
	"sort"
	"sync"
	"time"
)

// Record is the observable state of one background unit.
type Record struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRuns           uint64        `json:"total_runs"`
	TotalFailures       uint64        `json:"total_failures"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu             sync.Mutex
	records        map[string]*Record
	unhealthyAfter int
	now            func() time.Time
}

// NewRegistry builds a registry that marks a unit unhealthy after
// unhealthyAfter consecutive failures (minimum 1).
func NewRegistry(unhealthyAfter int) *Registry {
	if unhealthyAfter <= 0 {
		unhealthyAfter = 3
	}
	return &Registry{
		records:        map[string]*Record{},
		unhealthyAfter: unhealthyAfter,
		now:            time.Now,
	}
}

// Register creates the record for a unit. Registering an existing name is a
// no-op so restarts of a component don't reset its history.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		r.records[name] = &Record{Name: name, Healthy: true}
	}
}

func (r *Registry) RecordSuccess(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getLocked(name)
	rec.LastRunAt = r.now()
	rec.LastDuration = d
	rec.LastError = ""
	rec.ConsecutiveFailures = 0
	rec.Healthy = true
	rec.TotalRuns++
}

func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getLocked(name)
	rec.LastRunAt = r.now()
	if err != nil {
		rec.LastError = err.Error()
	}
	rec.ConsecutiveFailures++
	rec.TotalRuns++
	rec.TotalFailures++
	if rec.ConsecutiveFailures >= r.unhealthyAfter {
		rec.Healthy = false
	}
}

// Get returns a copy of the named record.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns copies of every record, sorted by name.
func (r *Registry) All() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every registered unit is healthy.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if !rec.Healthy {
			return false
		}
	}
	return true
}

func (r *Registry) getLocked(name string) *Record {
	rec, ok := r.records[name]
	if !ok {
		rec = &Record{Name: name, Healthy: true}
		r.records[name] = rec
	}
	return rec
}

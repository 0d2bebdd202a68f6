package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cadence formats accepted:
//   - Interval duration: "30s", "5m", "2h30m"
//   - Cron: "*/5 * * * *", "0 3 * * *", "@hourly", "@every 55m"
//
// Callers may force interpretation with a "cron:" or "interval:" prefix.

type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

// parser accepts standard 5-field specs plus descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cadence is the schedule of one task: either a fixed interval or a cron
// expression resolved to "time until next fire".
type Cadence struct {
	Kind  Kind
	Every time.Duration
	Spec  string

	sched cron.Schedule
}

// Interval builds a fixed-interval cadence.
func Interval(every time.Duration) Cadence {
	return Cadence{Kind: KindInterval, Every: every}
}

// ParseCadence parses raw into a Cadence.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, errors.New("empty cadence")
	}

	switch {
	case strings.HasPrefix(s, "interval:"):
		return parseInterval(strings.TrimPrefix(s, "interval:"))
	case strings.HasPrefix(s, "every:"):
		return parseInterval(strings.TrimPrefix(s, "every:"))
	case strings.HasPrefix(s, "cron:"):
		return parseCron(strings.TrimPrefix(s, "cron:"))
	}

	// Bare duration first ("5m"), then cron.
	if c, err := parseInterval(s); err == nil {
		return c, nil
	}
	if c, err := parseCron(s); err == nil {
		return c, nil
	}
	return Cadence{}, fmt.Errorf("unrecognized cadence %q", raw)
}

func parseInterval(s string) (Cadence, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return Cadence{}, err
	}
	if d <= 0 {
		return Cadence{}, fmt.Errorf("interval must be positive, got %s", d)
	}
	return Interval(d), nil
}

func parseCron(s string) (Cadence, error) {
	spec := strings.TrimSpace(s)
	sched, err := parser.Parse(spec)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return Cadence{Kind: KindCron, Spec: spec, sched: sched}, nil
}

// Validate reports whether raw is an acceptable cadence. Used by config
// validation so bad expressions are rejected at acceptance, not at tick time.
func Validate(raw string) error {
	_, err := ParseCadence(raw)
	return err
}

// Next returns the first fire time strictly after from.
func (c Cadence) Next(from time.Time) time.Time {
	switch c.Kind {
	case KindCron:
		if c.sched == nil {
			// Zero-value misuse; never fire.
			return time.Time{}
		}
		return c.sched.Next(from)
	default:
		if c.Every <= 0 {
			return time.Time{}
		}
		return from.Add(c.Every)
	}
}

func (c Cadence) String() string {
	if c.Kind == KindCron {
		return "cron(" + c.Spec + ")"
	}
	return "every " + c.Every.String()
}

// NextFire computes the next fire time for a standalone cron expression.
// It is a pure function so scheduled-message recomputation is unit-testable
// independent of the runner.
func NextFire(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron spec %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

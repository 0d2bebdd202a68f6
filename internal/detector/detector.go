// Package detector implements sliding-window abuse detection per
// (guild, user) subject. The window map is the only state and is owned by a
// single mutex; Observe is cheap and never blocks on I/O.
package detector

import (
	"sync"
	"time"
	"unicode"

	"wardbot/internal/eventbus"
	"wardbot/pkg/logx"
)

type Kind string

const (
	KindSpam     Kind = "spam"     // message count per sliding window
	KindCaps     Kind = "caps"     // uppercase ratio per message, not windowed
	KindToxicity Kind = "toxicity" // external classifier score, not windowed
)

// Subject identifies whose behavior is being measured.
type Subject struct {
	GuildID int64
	UserID  int64
}

// KindConfig is the per-guild tuning for one detector kind. Threshold is a
// count for spam, a percentage (0-100) for caps, and a score (0-1) for
// toxicity. Window applies to spam only.
type KindConfig struct {
	Enabled   bool
	Threshold float64
	Window    time.Duration
}

// Sample carries the per-observation inputs the non-windowed kinds need.
type Sample struct {
	Text  string
	Score float64
}

// capsMinLetters guards against short shouts ("OK!") tripping the ratio.
const capsMinLetters = 8

type windowKey struct {
	sub  Subject
	kind Kind
}

type window struct {
	stamps      []time.Time
	lastTouched time.Time
}

type Detector struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	windows map[windowKey]*window

	now func() time.Time
}

func New(log logx.Logger, bus eventbus.Bus) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{
		log:     log,
		bus:     bus,
		windows: map[windowKey]*window{},
		now:     time.Now,
	}
}

// Observe records one event for the subject and reports whether the
// configured threshold is violated. Spam windows are not cleared on a
// trigger, so sustained abuse keeps triggering; callers apply their own
// re-trigger suppression if repeated alerts are undesired.
func (d *Detector) Observe(sub Subject, kind Kind, sample Sample, cfg KindConfig) bool {
	if !cfg.Enabled || cfg.Threshold <= 0 {
		return false
	}

	var triggered bool
	switch kind {
	case KindSpam:
		triggered = d.observeSpam(sub, cfg)
	case KindCaps:
		triggered = capsRatio(sample.Text) >= cfg.Threshold
	case KindToxicity:
		triggered = sample.Score >= cfg.Threshold
	default:
		return false
	}

	if triggered {
		d.log.Debug("detector triggered",
			logx.String("kind", string(kind)),
			logx.Int64("guild_id", sub.GuildID),
			logx.Int64("user_id", sub.UserID))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeDetectorTrigger, Data: TriggerEvent{
				Kind: string(kind), GuildID: sub.GuildID, UserID: sub.UserID,
			}})
		}
	}
	return triggered
}

func (d *Detector) observeSpam(sub Subject, cfg KindConfig) bool {
	if cfg.Window <= 0 {
		return false
	}
	now := d.now()
	cutoff := now.Add(-cfg.Window)
	key := windowKey{sub: sub, kind: KindSpam}

	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.windows[key]
	if w == nil {
		w = &window{}
		d.windows[key] = w
	}
	w.stamps = append(w.stamps, now)
	w.lastTouched = now

	// Lazy purge: retained timestamps always fall within [now-window, now].
	keep := w.stamps[:0]
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.stamps = keep

	return len(w.stamps) >= int(cfg.Threshold)
}

// Count returns the current in-window observation count for a subject.
func (d *Detector) Count(sub Subject, kind Kind, windowSize time.Duration) int {
	now := d.now()
	cutoff := now.Add(-windowSize)

	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.windows[windowKey{sub: sub, kind: kind}]
	if w == nil {
		return 0
	}
	n := 0
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// SweepIdle drops windows untouched for longer than grace and returns how
// many were reclaimed. Run as a scheduled task to bound memory.
func (d *Detector) SweepIdle(grace time.Duration) int {
	cutoff := d.now().Add(-grace)

	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, w := range d.windows {
		if w.lastTouched.Before(cutoff) {
			delete(d.windows, key)
			n++
		}
	}
	return n
}

// DropGuild evicts every window of a guild immediately, e.g. when the guild
// disables detection.
func (d *Detector) DropGuild(guildID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key := range d.windows {
		if key.sub.GuildID == guildID {
			delete(d.windows, key)
			n++
		}
	}
	return n
}

// Size reports the number of live windows.
func (d *Detector) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// capsRatio returns the percentage of uppercase letters among letters.
// Messages with too few letters never trip the detector.
func capsRatio(text string) float64 {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < capsMinLetters {
		return 0
	}
	return float64(upper) / float64(letters) * 100
}

// TriggerEvent is published on the event bus when a detector fires.
type TriggerEvent struct {
	Kind    string `json:"kind"`
	GuildID int64  `json:"guild_id"`
	UserID  int64  `json:"user_id"`
}

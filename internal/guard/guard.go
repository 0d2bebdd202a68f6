// Package guard is the glue between an observed platform message and the
// background layer: it records activity, feeds the abuse detectors with the
// guild's tuning, and on a trigger notifies the guild's admins and appends an
// audit entry.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wardbot/internal/detector"
	"wardbot/internal/ingest"
	"wardbot/internal/notify"
	"wardbot/internal/storage"
	"wardbot/pkg/logx"
)

// ConfigStore resolves per-guild detector tuning.
type ConfigStore interface {
	DetectorConfigs(ctx context.Context, guildID int64) ([]storage.DetectorConfig, error)
	RecordActivity(ctx context.Context, e storage.ActivityEvent) error
}

// Defaults are the fallback tuning used when a guild has no stored override
// for a kind.
type Defaults struct {
	Spam     detector.KindConfig
	Caps     detector.KindConfig
	Toxicity detector.KindConfig
}

// Message is one observed platform message.
type Message struct {
	GuildID int64
	UserID  int64
	ChatID  int64
	Text    string
	// Score is the external toxicity classifier output, 0 when absent.
	Score float64
}

// Result reports which detectors fired for the message.
type Result struct {
	Triggered []string `json:"triggered,omitempty"`
}

const configTTL = 30 * time.Second

type cachedConfigs struct {
	byKind map[detector.Kind]detector.KindConfig
	until  time.Time
}

type Guard struct {
	log      logx.Logger
	store    ConfigStore
	det      *detector.Detector
	queue    *ingest.Queue
	notifier *notify.Service
	defaults Defaults

	mu    sync.Mutex
	cache map[int64]cachedConfigs

	now func() time.Time
}

func New(store ConfigStore, det *detector.Detector, queue *ingest.Queue, notifier *notify.Service, defaults Defaults, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{
		log:      log,
		store:    store,
		det:      det,
		queue:    queue,
		notifier: notifier,
		defaults: defaults,
		cache:    map[int64]cachedConfigs{},
		now:      time.Now,
	}
}

// SetDefaults swaps the fallback tuning, e.g. after a config reload.
func (g *Guard) SetDefaults(d Defaults) {
	g.mu.Lock()
	g.defaults = d
	g.cache = map[int64]cachedConfigs{}
	g.mu.Unlock()
}

// HandleMessage processes one observed message. It never returns an error to
// the ingestion path: detector evaluation is in-memory and downstream
// failures (activity write, notification fan-out) are absorbed by the
// respective components.
func (g *Guard) HandleMessage(ctx context.Context, msg Message) Result {
	if err := g.store.RecordActivity(ctx, storage.ActivityEvent{
		GuildID: msg.GuildID,
		UserID:  msg.UserID,
		Kind:    "message",
		At:      g.now(),
	}); err != nil {
		g.log.Debug("activity record failed", logx.Int64("guild_id", msg.GuildID), logx.Err(err))
	}

	cfgs := g.configsFor(ctx, msg.GuildID)
	sub := detector.Subject{GuildID: msg.GuildID, UserID: msg.UserID}
	sample := detector.Sample{Text: msg.Text, Score: msg.Score}

	var res Result
	for _, kind := range []detector.Kind{detector.KindSpam, detector.KindCaps, detector.KindToxicity} {
		cfg, ok := cfgs[kind]
		if !ok || !cfg.Enabled {
			continue
		}
		if g.det.Observe(sub, kind, sample, cfg) {
			res.Triggered = append(res.Triggered, string(kind))
			g.onTrigger(ctx, msg, kind)
		}
	}
	return res
}

func (g *Guard) onTrigger(ctx context.Context, msg Message, kind detector.Kind) {
	g.queue.Enqueue(storage.AuditEvent{
		GuildID:    msg.GuildID,
		ActorID:    msg.UserID,
		Action:     "detector." + string(kind),
		TargetType: "user",
		TargetID:   fmt.Sprintf("%d", msg.UserID),
		Detail:     fmt.Sprintf(`{"chat_id":%d}`, msg.ChatID),
	})

	outcome := g.notifier.CreateForGuildAdmins(ctx, msg.GuildID, notify.Draft{
		Type:        storage.NotifAlert,
		Severity:    severityFor(kind),
		Title:       fmt.Sprintf("%s detected", kind),
		Message:     fmt.Sprintf("User %d tripped the %s detector in guild %d.", msg.UserID, kind, msg.GuildID),
		RelatedType: "user",
		RelatedID:   fmt.Sprintf("%d", msg.UserID),
	})
	g.log.Info("detector alert",
		logx.String("kind", string(kind)),
		logx.Int64("guild_id", msg.GuildID),
		logx.Int64("user_id", msg.UserID),
		logx.String("outcome", outcome.String()))
}

func severityFor(kind detector.Kind) int {
	if kind == detector.KindToxicity {
		return 2
	}
	return 1
}

// configsFor returns the effective per-kind tuning for the guild: stored
// overrides on top of the process defaults, cached briefly.
func (g *Guard) configsFor(ctx context.Context, guildID int64) map[detector.Kind]detector.KindConfig {
	now := g.now()
	g.mu.Lock()
	if c, ok := g.cache[guildID]; ok && now.Before(c.until) {
		g.mu.Unlock()
		return c.byKind
	}
	defaults := g.defaults
	g.mu.Unlock()

	byKind := map[detector.Kind]detector.KindConfig{
		detector.KindSpam:     defaults.Spam,
		detector.KindCaps:     defaults.Caps,
		detector.KindToxicity: defaults.Toxicity,
	}
	stored, err := g.store.DetectorConfigs(ctx, guildID)
	if err != nil {
		g.log.Warn("detector config read failed, using defaults", logx.Int64("guild_id", guildID), logx.Err(err))
		return byKind
	}
	for _, c := range stored {
		byKind[detector.Kind(c.Kind)] = detector.KindConfig{
			Enabled:   c.Enabled,
			Threshold: c.Threshold,
			Window:    time.Duration(c.WindowSeconds) * time.Second,
		}
	}

	g.mu.Lock()
	g.cache[guildID] = cachedConfigs{byKind: byKind, until: now.Add(configTTL)}
	g.mu.Unlock()
	return byKind
}

// Invalidate drops the cached tuning of a guild, used after an admin edit.
func (g *Guard) Invalidate(guildID int64) {
	g.mu.Lock()
	delete(g.cache, guildID)
	g.mu.Unlock()
}

// Package notify creates, deduplicates, persists, and fans out dashboard
// notifications. Downstream failures (persistence, push channel) never
// propagate to the caller; the outcome enum carries what happened so callers
// and tests can assert on it without relying on log side effects.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wardbot/internal/eventbus"
	"wardbot/internal/storage"
	"wardbot/pkg/logx"
)

// Outcome reports what a CreateFor* call did.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeSuppressed
	OutcomeCreated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeSuppressed:
		return "suppressed"
	default:
		return "failed"
	}
}

// Store is the slice of the persistence layer the fan-out needs.
type Store interface {
	CreateNotification(ctx context.Context, n storage.Notification) error
	CountUnread(ctx context.Context, recipientID int64) (int, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	Admins(ctx context.Context, guildID int64) ([]int64, error)
	AllAdmins(ctx context.Context) ([]int64, error)
}

// Pusher is the real-time channel. Push failures are absorbed by the hub.
type Pusher interface {
	PushToUser(userID int64, payload any) int
}

type Config struct {
	DedupWindow     time.Duration
	DedupMaxEntries int
	RetryMax        int
	RetryBase       time.Duration
	PersistDedup    bool
	// DisabledTypes suppresses whole notification categories.
	DisabledTypes map[storage.NotificationType]bool
}

func (c Config) withDefaults() Config {
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Draft is the recipient-independent part of a notification.
type Draft struct {
	Type        storage.NotificationType
	Severity    int
	Title       string
	Message     string
	Link        string
	RelatedType string
	RelatedID   string
}

type Service struct {
	log   logx.Logger
	store Store
	hub   Pusher
	bus   eventbus.Bus
	cfg   Config

	// In-memory dedup index: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	now func() time.Time
}

func New(cfg Config, store Store, hub Pusher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		store: store,
		hub:   hub,
		bus:   bus,
		cfg:   cfg.withDefaults(),
		dedup: map[string]time.Time{},
		now:   time.Now,
	}
}

// CreateForUser creates a notification for a single recipient.
func (s *Service) CreateForUser(ctx context.Context, userID int64, d Draft) Outcome {
	return s.createOne(ctx, userID, d)
}

// CreateForGuildAdmins fans the draft out to every admin of the guild.
// Returns Created when at least one notification row was persisted, so
// callers can distinguish "delivered" from "fully suppressed as duplicate".
func (s *Service) CreateForGuildAdmins(ctx context.Context, guildID int64, d Draft) Outcome {
	ids, err := s.store.Admins(ctx, guildID)
	if err != nil {
		s.log.Error("admin resolve failed", logx.Int64("guild_id", guildID), logx.Err(err))
		return OutcomeFailed
	}
	return s.fanOut(ctx, ids, d)
}

// CreateForAllAdmins fans the draft out to every known admin.
func (s *Service) CreateForAllAdmins(ctx context.Context, d Draft) Outcome {
	ids, err := s.store.AllAdmins(ctx)
	if err != nil {
		s.log.Error("admin resolve failed", logx.Err(err))
		return OutcomeFailed
	}
	return s.fanOut(ctx, ids, d)
}

func (s *Service) fanOut(ctx context.Context, recipients []int64, d Draft) Outcome {
	var created, suppressed int
	for _, id := range recipients {
		switch s.createOne(ctx, id, d) {
		case OutcomeCreated:
			created++
		case OutcomeSuppressed:
			suppressed++
		}
	}
	switch {
	case created > 0:
		return OutcomeCreated
	case suppressed > 0 || len(recipients) == 0:
		return OutcomeSuppressed
	default:
		return OutcomeFailed
	}
}

func (s *Service) createOne(ctx context.Context, recipientID int64, d Draft) Outcome {
	if s.cfg.DisabledTypes[d.Type] {
		return OutcomeSuppressed
	}

	key := dedupKey(recipientID, d)
	if !s.dedupAllow(ctx, key) {
		s.publish(eventbus.TypeNotifySuppressed, recipientID, d, nil)
		return OutcomeSuppressed
	}

	n := storage.Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        d.Type,
		Severity:    d.Severity,
		Title:       d.Title,
		Message:     d.Message,
		Link:        d.Link,
		RelatedType: d.RelatedType,
		RelatedID:   d.RelatedID,
		CreatedAt:   s.now(),
	}
	if err := s.persistWithRetry(ctx, n); err != nil {
		// Forget the dedup entry so the next attempt isn't suppressed by a
		// notification that never made it to storage.
		s.dedupForget(key)
		s.log.Error("notification create failed", logx.Int64("recipient", recipientID), logx.String("type", string(d.Type)), logx.Err(err))
		s.publish(eventbus.TypeNotifyFailed, recipientID, d, err)
		return OutcomeFailed
	}

	s.pushBestEffort(ctx, n)
	s.publish(eventbus.TypeNotifyCreated, recipientID, d, nil)
	return OutcomeCreated
}

func (s *Service) persistWithRetry(ctx context.Context, n storage.Notification) error {
	var lastErr error
	attempts := 1 + s.cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.store.CreateNotification(ctx, n); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryBase * time.Duration(attempt)):
		}
	}
	return lastErr
}

// pushBestEffort delivers the notification and the recomputed unread count
// to the recipient's live connections. Failures are logged only.
func (s *Service) pushBestEffort(ctx context.Context, n storage.Notification) {
	if s.hub == nil {
		return
	}
	s.hub.PushToUser(n.RecipientID, PushPayload{Kind: "notification", Notification: &n})

	unread, err := s.store.CountUnread(ctx, n.RecipientID)
	if err != nil {
		s.log.Debug("unread recount failed", logx.Int64("recipient", n.RecipientID), logx.Err(err))
		return
	}
	s.hub.PushToUser(n.RecipientID, PushPayload{Kind: "unread", UnreadCount: &unread})
}

// dedupAllow checks and records the key atomically for this recipient:
// an entry younger than the window suppresses, otherwise the key is claimed
// with a fresh expiry. With a zero window every call is allowed.
func (s *Service) dedupAllow(ctx context.Context, key string) bool {
	if s.cfg.DedupWindow <= 0 || key == "" {
		return true
	}
	now := s.now()
	until := now.Add(s.cfg.DedupWindow)

	s.dmu.Lock()
	if u, ok := s.dedup[key]; ok && now.Before(u) {
		s.dmu.Unlock()
		return false
	}
	miss := s.cfg.PersistDedup && s.store != nil
	if !miss {
		s.claimLocked(key, until)
		s.dmu.Unlock()
		return true
	}
	s.dmu.Unlock()

	// Consult the persisted index so a restart doesn't reopen the window.
	if u, ok, err := s.store.GetDedup(ctx, key); err == nil && ok && now.Before(u) {
		s.dmu.Lock()
		s.dedup[key] = u
		s.dmu.Unlock()
		return false
	}

	s.dmu.Lock()
	// Re-check: a concurrent caller may have claimed the key while we were
	// reading the persisted index.
	if u, ok := s.dedup[key]; ok && now.Before(u) {
		s.dmu.Unlock()
		return false
	}
	s.claimLocked(key, until)
	s.dmu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	_ = s.store.PutDedup(cctx, key, until)
	cancel()
	return true
}

// claimLocked records the key and keeps the index bounded. Call with dmu held.
func (s *Service) claimLocked(key string, until time.Time) {
	if len(s.dedup) >= s.cfg.DedupMaxEntries {
		now := s.now()
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
		// Still over: drop arbitrary entries rather than grow without bound.
		for k := range s.dedup {
			if len(s.dedup) < s.cfg.DedupMaxEntries {
				break
			}
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
}

func (s *Service) dedupForget(key string) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func dedupKey(recipientID int64, d Draft) string {
	if d.RelatedType == "" && d.RelatedID == "" {
		// Nothing to correlate on; every such notification is distinct.
		return ""
	}
	return fmt.Sprintf("%d|%s|%s:%s", recipientID, d.Type, d.RelatedType, d.RelatedID)
}

// PushPayload is the wire shape sent over the websocket hub.
type PushPayload struct {
	Kind         string                `json:"kind"`
	Notification *storage.Notification `json:"notification,omitempty"`
	UnreadCount  *int                  `json:"unread_count,omitempty"`
}

type notifyEvent struct {
	Recipient int64  `json:"recipient"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) publish(typ string, recipientID int64, d Draft, err error) {
	if s.bus == nil {
		return
	}
	ev := notifyEvent{Recipient: recipientID, Type: string(d.Type), Title: d.Title}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

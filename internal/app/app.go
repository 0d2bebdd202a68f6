// Package app assembles the process: config, logging, storage, the
// background services, and the admin API, with one supervisor owning the
// long-running loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wardbot/internal/api"
	"wardbot/internal/config"
	"wardbot/internal/detector"
	"wardbot/internal/eventbus"
	"wardbot/internal/guard"
	"wardbot/internal/health"
	"wardbot/internal/ingest"
	"wardbot/internal/jobs"
	"wardbot/internal/notify"
	"wardbot/internal/push"
	"wardbot/internal/runtime/supervisor"
	"wardbot/internal/schedule"
	"wardbot/internal/storage"
	"wardbot/internal/transport"
	"wardbot/internal/transport/telegram"
	"wardbot/pkg/logx"
)

type App struct {
	log logx.Logger
	mgr *config.Manager

	store    storage.Store
	bus      eventbus.Bus
	hreg     *health.Registry
	hub      *push.Hub
	det      *detector.Detector
	queue    *ingest.Queue
	notifier *notify.Service
	grd      *guard.Guard
	runner   *schedule.Runner
	srv      *api.Server

	sup *supervisor.Supervisor
}

// New builds the whole object graph from the config file. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")
	mgr, err := config.NewManager(cfgPath, boot)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Current()

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
	})
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.D(),
	}, log)
	if err != nil {
		log.Close()
		return nil, err
	}

	bus := eventbus.New()
	hreg := health.NewRegistry(cfg.Health.UnhealthyAfter)
	hub := push.NewHub(log)
	det := detector.New(log, bus)

	queue := ingest.NewQueue(ingest.Config{
		Capacity:     cfg.Ingest.Capacity,
		RetryMax:     cfg.Ingest.RetryMax,
		RetryBase:    cfg.Ingest.RetryBase.D(),
		WriteTimeout: cfg.Ingest.WriteTimeout.D(),
	}, store, log, bus, hreg)

	notifier := notify.New(notify.Config{
		DedupWindow:     cfg.Notify.DedupWindow.D(),
		DedupMaxEntries: cfg.Notify.DedupMaxEntries,
		RetryMax:        cfg.Notify.RetryMax,
		RetryBase:       cfg.Notify.RetryBase.D(),
		PersistDedup:    cfg.Notify.PersistDedup,
		DisabledTypes:   disabledTypes(cfg.Notify.DisabledTypes),
	}, store, hub, log, bus)

	grd := guard.New(store, det, queue, notifier, guardDefaults(cfg), log)

	sender, err := buildSender(cfg, log)
	if err != nil {
		store.Close()
		log.Close()
		return nil, err
	}

	runner := schedule.NewRunner(log, hreg, bus, cfg.Jobs.StopGrace.D())
	if err := registerJobs(runner, cfg, store, sender, det, log); err != nil {
		store.Close()
		log.Close()
		return nil, err
	}

	srv := api.NewServer(api.Config{
		Listen:         cfg.API.Listen,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, store, hreg, runner, queue, det, grd, hub, log)

	a := &App{
		log:      log,
		mgr:      mgr,
		store:    store,
		bus:      bus,
		hreg:     hreg,
		hub:      hub,
		det:      det,
		queue:    queue,
		notifier: notifier,
		grd:      grd,
		runner:   runner,
		srv:      srv,
	}
	mgr.Subscribe(func(c *config.Config) {
		// Detector defaults are the only setting applied live; the rest needs
		// a restart and says so.
		grd.SetDefaults(guardDefaults(c))
		log.Info("detector defaults reapplied; other changes take effect on restart")
	})
	return a, nil
}

// Start launches the long-running loops. Blocks only until launch.
func (a *App) Start(ctx context.Context) {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.GoRestart("ingest.consumer", a.queue.Run)
	a.sup.GoRestart("config.watch", a.mgr.Watch)
	a.sup.GoRestart("api", a.srv.Run)
	a.sup.Go0("bus.diagnostics", a.forwardDiagnostics)
	a.runner.Start(ctx)
	a.log.Info("wardbot started")
}

// Stop shuts the process down in dependency order: task runner first so no
// new work starts, then the supervised loops, then storage.
func (a *App) Stop(ctx context.Context) {
	a.runner.Stop(ctx)
	if a.sup != nil {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.sup.Stop(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("supervised loops stopped uncleanly", logx.Err(err))
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("wardbot stopped")
	a.log.Close()
}

// forwardDiagnostics mirrors bus traffic to the diagnostics websocket group
// so dashboards see task runs, drops, and detector triggers live. Lost audit
// events additionally raise an error notification to every admin; the dedup
// window keeps a lossy burst from flooding inboxes.
func (a *App) forwardDiagnostics(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.hub.PushToGroup(push.GroupDiagnostics, ev)
			if ev.Type == eventbus.TypeIngestLost {
				a.notifier.CreateForAllAdmins(ctx, notify.Draft{
					Type:        storage.NotifError,
					Severity:    2,
					Title:       "audit event lost",
					Message:     "An audit event could not be persisted and was dropped after retries; see the service log for the payload.",
					RelatedType: "ingest",
					RelatedID:   "lost",
				})
			}
		}
	}
}

func buildSender(cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	if cfg.Telegram.Token == "" {
		log.Warn("telegram token not configured, outbound messages are dropped")
		return transport.SenderFunc(func(ctx context.Context, chatID int64, text string) error {
			log.Debug("message dropped, no sender", logx.Int64("chat_id", chatID))
			return nil
		}), nil
	}
	return telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
		Timeout:    cfg.Telegram.Timeout.D(),
	}, log)
}

func registerJobs(runner *schedule.Runner, cfg *config.Config, store storage.Store, sender transport.Sender, det *detector.Detector, log logx.Logger) error {
	type reg struct {
		name    string
		cadence string
		job     schedule.Job
	}

	reminders := jobs.NewReminderJob(store, sender, log, cfg.Jobs.Reminders.Batch)
	schedMsgs := jobs.NewScheduledMessageJob(store, sender, log, cfg.Jobs.ScheduledMessages.Batch)
	rollup := jobs.NewRollupJob(store, log, 0, 0)

	ret := cfg.Jobs.Retention
	sweeps := []*jobs.RetentionSweep{
		jobs.NewRetentionSweep("audit", ret.AuditAge.D(), ret.Batch, ret.MaxBatches, store.DeleteAuditBefore, log),
		jobs.NewRetentionSweep("activity", ret.ActivityRawAge.D(), ret.Batch, ret.MaxBatches, store.DeleteActivityBefore, log),
		jobs.NewRetentionSweep("buckets.hour", ret.HourlyBucketAge.D(), ret.Batch, ret.MaxBatches,
			func(ctx context.Context, cutoff time.Time, limit int) (int, error) {
				return store.DeleteBucketsBefore(ctx, "hour", cutoff, limit)
			}, log),
		jobs.NewRetentionSweep("buckets.day", ret.DailyBucketAge.D(), ret.Batch, ret.MaxBatches,
			func(ctx context.Context, cutoff time.Time, limit int) (int, error) {
				return store.DeleteBucketsBefore(ctx, "day", cutoff, limit)
			}, log),
	}
	for _, typ := range []storage.NotificationType{storage.NotifAlert, storage.NotifStatus, storage.NotifEvent, storage.NotifError} {
		t := typ
		sweeps = append(sweeps, jobs.NewRetentionSweep("notifications."+string(t), ret.NotificationAge.D(), ret.Batch, ret.MaxBatches,
			func(ctx context.Context, cutoff time.Time, limit int) (int, error) {
				return store.DeleteNotificationsBefore(ctx, t, cutoff, limit)
			}, log))
	}
	retentionJob := func(ctx context.Context) error {
		for _, s := range sweeps {
			if err := s.Run(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	sweepGrace := cfg.Detector.SweepGrace.D()
	detectorSweep := func(ctx context.Context) error {
		if n := det.SweepIdle(sweepGrace); n > 0 {
			log.Debug("detector windows reclaimed", logx.Int("count", n))
		}
		return nil
	}

	regs := []reg{
		{"reminders", cfg.Jobs.Reminders.Cadence, reminders.Run},
		{"scheduled_messages", cfg.Jobs.ScheduledMessages.Cadence, schedMsgs.Run},
		{"rollup.hourly", cfg.Jobs.RollupHourly.Cadence, rollup.RunHourly},
		{"rollup.daily", cfg.Jobs.RollupDaily.Cadence, rollup.RunDaily},
		{"retention", ret.Cadence, retentionJob},
		{"detector.sweep", cfg.Jobs.DetectorSweep.Cadence, detectorSweep},
	}
	for _, r := range regs {
		cad, err := schedule.ParseCadence(r.cadence)
		if err != nil {
			return fmt.Errorf("task %s: %w", r.name, err)
		}
		if err := runner.Register(r.name, cad, r.job); err != nil {
			return fmt.Errorf("task %s: %w", r.name, err)
		}
	}
	return nil
}

func guardDefaults(cfg *config.Config) guard.Defaults {
	conv := func(k config.DetectorKind) detector.KindConfig {
		return detector.KindConfig{Enabled: k.Enabled, Threshold: k.Threshold, Window: k.Window.D()}
	}
	return guard.Defaults{
		Spam:     conv(cfg.Detector.Spam),
		Caps:     conv(cfg.Detector.Caps),
		Toxicity: conv(cfg.Detector.Toxicity),
	}
}

func disabledTypes(names []string) map[storage.NotificationType]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[storage.NotificationType]bool, len(names))
	for _, n := range names {
		m[storage.NotificationType(n)] = true
	}
	return m
}

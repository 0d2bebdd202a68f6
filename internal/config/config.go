// Package config loads, validates, and hot-reloads the YAML configuration.
// A file that fails validation never replaces the running config.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"wardbot/internal/schedule"
)

// Duration parses YAML scalars like "30s" or "5m" into a time.Duration.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Logging struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

type Storage struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type Telegram struct {
	Token      string   `yaml:"token"`
	RatePerSec int      `yaml:"rate_per_sec"`
	Timeout    Duration `yaml:"timeout"`
}

type API struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Health struct {
	UnhealthyAfter int `yaml:"unhealthy_after"`
}

type Ingest struct {
	Capacity     int      `yaml:"capacity"`
	RetryMax     int      `yaml:"retry_max"`
	RetryBase    Duration `yaml:"retry_base"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type Notify struct {
	DedupWindow     Duration `yaml:"dedup_window"`
	DedupMaxEntries int      `yaml:"dedup_max_entries"`
	RetryMax        int      `yaml:"retry_max"`
	RetryBase       Duration `yaml:"retry_base"`
	PersistDedup    bool     `yaml:"persist_dedup"`
	DisabledTypes   []string `yaml:"disabled_types"`
}

type DetectorKind struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold float64  `yaml:"threshold"`
	Window    Duration `yaml:"window"`
}

type Detector struct {
	SweepGrace Duration     `yaml:"sweep_grace"`
	Spam       DetectorKind `yaml:"spam"`
	Caps       DetectorKind `yaml:"caps"`
	Toxicity   DetectorKind `yaml:"toxicity"`
}

// JobSpec is one registered task: its cadence string and the per-run batch cap.
type JobSpec struct {
	Cadence string `yaml:"cadence"`
	Batch   int    `yaml:"batch"`
}

type Retention struct {
	Cadence         string   `yaml:"cadence"`
	Batch           int      `yaml:"batch"`
	MaxBatches      int      `yaml:"max_batches"`
	AuditAge        Duration `yaml:"audit_age"`
	NotificationAge Duration `yaml:"notification_age"`
	ActivityRawAge  Duration `yaml:"activity_raw_age"`
	HourlyBucketAge Duration `yaml:"hourly_bucket_age"`
	DailyBucketAge  Duration `yaml:"daily_bucket_age"`
}

type Jobs struct {
	StopGrace         Duration  `yaml:"stop_grace"`
	Reminders         JobSpec   `yaml:"reminders"`
	ScheduledMessages JobSpec   `yaml:"scheduled_messages"`
	RollupHourly      JobSpec   `yaml:"rollup_hourly"`
	RollupDaily       JobSpec   `yaml:"rollup_daily"`
	DetectorSweep     JobSpec   `yaml:"detector_sweep"`
	Retention         Retention `yaml:"retention"`
}

type Config struct {
	Logging  Logging  `yaml:"logging"`
	Storage  Storage  `yaml:"storage"`
	Telegram Telegram `yaml:"telegram"`
	API      API      `yaml:"api"`
	Health   Health   `yaml:"health"`
	Ingest   Ingest   `yaml:"ingest"`
	Notify   Notify   `yaml:"notify"`
	Detector Detector `yaml:"detector"`
	Jobs     Jobs     `yaml:"jobs"`
}

// Default returns a config that runs out of the box with an in-tree sqlite
// file and no Telegram delivery.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", Console: true},
		Storage: Storage{Path: "wardbot.db", BusyTimeout: Duration(5 * time.Second)},
		API:     API{Listen: "127.0.0.1:8400"},
		Health:  Health{UnhealthyAfter: 3},
		Ingest: Ingest{
			Capacity:     1024,
			RetryMax:     3,
			RetryBase:    Duration(200 * time.Millisecond),
			WriteTimeout: Duration(5 * time.Second),
		},
		Notify: Notify{
			DedupWindow:     Duration(10 * time.Minute),
			DedupMaxEntries: 2000,
			RetryMax:        2,
			RetryBase:       Duration(200 * time.Millisecond),
			PersistDedup:    true,
		},
		Detector: Detector{
			SweepGrace: Duration(30 * time.Minute),
			Spam:       DetectorKind{Enabled: true, Threshold: 5, Window: Duration(10 * time.Second)},
			Caps:       DetectorKind{Enabled: true, Threshold: 70},
			Toxicity:   DetectorKind{Enabled: false, Threshold: 0.8},
		},
		Jobs: Jobs{
			StopGrace:         Duration(10 * time.Second),
			Reminders:         JobSpec{Cadence: "every:30s", Batch: 50},
			ScheduledMessages: JobSpec{Cadence: "every:30s", Batch: 50},
			RollupHourly:      JobSpec{Cadence: "every:10m"},
			RollupDaily:       JobSpec{Cadence: "cron:15 0 * * *"},
			DetectorSweep:     JobSpec{Cadence: "every:15m"},
			Retention: Retention{
				Cadence:         "cron:30 3 * * *",
				Batch:           500,
				MaxBatches:      20,
				AuditAge:        Duration(90 * 24 * time.Hour),
				NotificationAge: Duration(30 * 24 * time.Hour),
				ActivityRawAge:  Duration(7 * 24 * time.Hour),
				HourlyBucketAge: Duration(90 * 24 * time.Hour),
				DailyBucketAge:  Duration(365 * 24 * time.Hour),
			},
		},
	}
}

// Load reads the file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.API.Listen) == "" {
		return fmt.Errorf("api.listen is required")
	}
	if c.Health.UnhealthyAfter < 1 {
		return fmt.Errorf("health.unhealthy_after must be >= 1")
	}
	if c.Ingest.Capacity < 1 {
		return fmt.Errorf("ingest.capacity must be >= 1")
	}
	if c.Notify.DedupWindow < 0 {
		return fmt.Errorf("notify.dedup_window must not be negative")
	}
	for _, kind := range []struct {
		name string
		k    DetectorKind
	}{
		{"spam", c.Detector.Spam},
		{"caps", c.Detector.Caps},
		{"toxicity", c.Detector.Toxicity},
	} {
		if kind.k.Enabled && kind.k.Threshold <= 0 {
			return fmt.Errorf("detector.%s.threshold must be > 0 when enabled", kind.name)
		}
	}
	// Spam is the only windowed kind; without a window it can never trigger.
	if c.Detector.Spam.Enabled && c.Detector.Spam.Window <= 0 {
		return fmt.Errorf("detector.spam.window must be > 0 when enabled")
	}
	for _, cad := range []struct {
		name string
		raw  string
	}{
		{"jobs.reminders.cadence", c.Jobs.Reminders.Cadence},
		{"jobs.scheduled_messages.cadence", c.Jobs.ScheduledMessages.Cadence},
		{"jobs.rollup_hourly.cadence", c.Jobs.RollupHourly.Cadence},
		{"jobs.rollup_daily.cadence", c.Jobs.RollupDaily.Cadence},
		{"jobs.detector_sweep.cadence", c.Jobs.DetectorSweep.Cadence},
		{"jobs.retention.cadence", c.Jobs.Retention.Cadence},
	} {
		if err := schedule.Validate(cad.raw); err != nil {
			return fmt.Errorf("%s: %w", cad.name, err)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full bot configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be YAML or JSON; unknown fields are rejected either way.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Retention  *RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminChatID receives operator notifications (terminal job failures).
	// 0 disables them.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`

	// PollTimeout is the long-poll timeout (Go duration string).
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store backend.
//
// Driver values:
//   - "postgres": DSN is a pgx connection string
//   - "sqlite":   Path is a database file path
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls trigger evaluation.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - reap_interval: "30s"
//   - poll_interval: "15s"
//   - catch_up: "coalesce"
type SchedulerConfig struct {
	// Timezone is the IANA zone all schedule evaluation happens in.
	Timezone string `json:"timezone,omitempty"`

	// ReapInterval is how often expired claims are returned to pending.
	ReapInterval string `json:"reap_interval,omitempty"`

	// PollInterval is the fallback wake-up used to pick up jobs created
	// outside this process (or re-armed by the reaper).
	PollInterval string `json:"poll_interval,omitempty"`

	// CatchUp selects the missed-fire policy for recurring jobs:
	// "coalesce" (one catch-up fire) or "replay" (one fire per missed
	// interval, bounded by replay_bound).
	CatchUp     string `json:"catch_up,omitempty"`
	ReplayBound int    `json:"replay_bound,omitempty"`
}

// DispatcherConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - claim_batch: 16
//   - lease_duration: "1m"
//   - send_timeout: "10s"
//   - backoff_base: "5s"
//   - backoff_cap: "10m"
//   - backoff_jitter: 0.2
//   - default_max_attempts: 5
//   - unknown_retry_cap: 2
//   - rate_per_sec: 25
type DispatcherConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// ClaimBatch bounds how many due jobs a single claim pass takes.
	ClaimBatch int `json:"claim_batch,omitempty"`

	LeaseDuration string `json:"lease_duration,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	BackoffBase   string  `json:"backoff_base,omitempty"`
	BackoffCap    string  `json:"backoff_cap,omitempty"`
	BackoffJitter float64 `json:"backoff_jitter,omitempty"`

	DefaultMaxAttempts int `json:"default_max_attempts,omitempty"`

	// UnknownRetryCap limits retries for unclassified delivery errors.
	UnknownRetryCap int `json:"unknown_retry_cap,omitempty"`

	// RatePerSec throttles outbound sends across all workers.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// RetentionConfig controls the optional purge of terminal jobs.
type RetentionConfig struct {
	Enabled       bool   `json:"enabled"`
	Keep          string `json:"keep,omitempty"`           // default "720h"
	SweepInterval string `json:"sweep_interval,omitempty"` // default "1h"
}

// Validate checks field values and reports errors with config paths.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn: required for postgres driver")
		}
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for sqlite driver")
		}
	case "":
		return fmt.Errorf("storage.driver: required (postgres or sqlite)")
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid zone %q: %w", tz, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Scheduler.CatchUp)) {
	case "", "coalesce", "replay":
	default:
		return fmt.Errorf("scheduler.catch_up: must be \"coalesce\" or \"replay\"")
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.reap_interval", c.Scheduler.ReapInterval},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"dispatcher.lease_duration", c.Dispatcher.LeaseDuration},
		{"dispatcher.send_timeout", c.Dispatcher.SendTimeout},
		{"dispatcher.backoff_base", c.Dispatcher.BackoffBase},
		{"dispatcher.backoff_cap", c.Dispatcher.BackoffCap},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatcher.BackoffJitter < 0 || c.Dispatcher.BackoffJitter >= 1 {
		return fmt.Errorf("dispatcher.backoff_jitter: must be in [0, 1)")
	}

	if r := c.Retention; r != nil {
		if _, err := ParseDurationField("retention.keep", r.Keep); err != nil {
			return err
		}
		if _, err := ParseDurationField("retention.sweep_interval", r.SweepInterval); err != nil {
			return err
		}
	}
	return nil
}

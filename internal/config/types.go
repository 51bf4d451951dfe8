package config

// Config is the root of the postplan configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "4h").
// Omitted or zero values take the defaults documented on each field.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Emergency EmergencyConfig `json:"emergency"`
	Health    HealthConfig    `json:"health"`
	Runner    RunnerConfig    `json:"runner"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to the telegram chats.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the SQLite system of record.
//
// Example:
//
//	storage: { path: "./data/postplan.db", busy_timeout: "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EngineConfig holds the scheduling knobs.
//
// Defaults:
//   - default_location: "home"
//   - min_content_items: 3
//   - max_retries: 3
//   - retry_delay: "10m"
//   - seed: 0 (time based)
type EngineConfig struct {
	DefaultLocation string     `json:"default_location,omitempty"`
	MinContentItems int        `json:"min_content_items,omitempty"`
	MaxRetries      int        `json:"max_retries,omitempty"`
	RetryDelay      string     `json:"retry_delay,omitempty"`
	Seed            uint64     `json:"seed,omitempty"`
	Pool            PoolConfig `json:"pool"`
}

type PoolConfig struct {
	LongDuration    string `json:"long_duration,omitempty"`  // default "2160h"
	ShortDuration   string `json:"short_duration,omitempty"` // default "168h"
	MinCommonMonths int    `json:"min_common_months,omitempty"`
}

type EmergencyConfig struct {
	ReanchorGap    string `json:"reanchor_gap,omitempty"`    // default "4h"
	OverrideWindow string `json:"override_window,omitempty"` // default "2h"
	HighLead       string `json:"high_lead,omitempty"`       // default "5m"
	StandardDelay  string `json:"standard_delay,omitempty"`  // default "1h"
}

// HealthConfig sets the queue health thresholds.
type HealthConfig struct {
	WarningOverdue      int     `json:"warning_overdue,omitempty"`
	CriticalOverdue     int     `json:"critical_overdue,omitempty"`
	WarningSuccessRate  float64 `json:"warning_success_rate,omitempty"`
	CriticalSuccessRate float64 `json:"critical_success_rate,omitempty"`
}

// RunnerConfig controls the periodic jobs. A schedule is a cron expression,
// "@every <d>", a Go duration or HH:MM; "off" disables that job.
//
// Defaults: activate "1m", dispatch "30s", retry "5m", health "1m".
type RunnerConfig struct {
	Enabled       bool          `json:"enabled"`
	Timezone      string        `json:"timezone,omitempty"`
	Activate      string        `json:"activate,omitempty"`
	Dispatch      string        `json:"dispatch,omitempty"`
	Retry         string        `json:"retry,omitempty"`
	Health        string        `json:"health,omitempty"`
	JobTimeout    string        `json:"job_timeout,omitempty"`
	DispatchBatch int           `json:"dispatch_batch,omitempty"`
	HistorySize   int           `json:"history_size,omitempty"`
	Breaker       BreakerConfig `json:"breaker"`
}

// BreakerConfig trips a job after trip_after consecutive failures.
// trip_after < 0 disables the breaker.
type BreakerConfig struct {
	TripAfter  int    `json:"trip_after,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

// TelegramConfig enables operator alerts. Omit the section to disable them.
type TelegramConfig struct {
	Token       string  `json:"token"`
	ChatIDs     []int64 `json:"chat_ids"`
	ThreadID    int     `json:"thread_id,omitempty"`
	RatePerSec  int     `json:"rate_per_sec,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
	QueueSize   int     `json:"queue_size,omitempty"`
}

// MetricsConfig controls the prometheus endpoint.
//
// Security note: pprof handlers are mounted only when pprof is true; keep the
// listener on loopback in that case.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default "/metrics"
	Pprof   bool   `json:"pprof,omitempty"`
}

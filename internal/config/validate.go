package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field ranges and duration syntax. Schedules are checked by
// the runner when they are applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram == nil {
		add("logging.telegram: requires the telegram section")
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add("storage.path: required")
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	e := cfg.Engine
	if e.MinContentItems < 0 {
		add("engine.min_content_items: must be >= 0")
	}
	if e.MaxRetries < 0 {
		add("engine.max_retries: must be >= 0")
	}
	dur("engine.retry_delay", e.RetryDelay)
	dur("engine.pool.long_duration", e.Pool.LongDuration)
	dur("engine.pool.short_duration", e.Pool.ShortDuration)
	if e.Pool.MinCommonMonths < 0 || e.Pool.MinCommonMonths > 12 {
		add("engine.pool.min_common_months: must be within 0..12")
	}

	dur("emergency.reanchor_gap", cfg.Emergency.ReanchorGap)
	dur("emergency.override_window", cfg.Emergency.OverrideWindow)
	dur("emergency.high_lead", cfg.Emergency.HighLead)
	dur("emergency.standard_delay", cfg.Emergency.StandardDelay)

	h := cfg.Health
	if h.WarningOverdue < 0 || h.CriticalOverdue < 0 {
		add("health: overdue thresholds must be >= 0")
	}
	if h.WarningOverdue > 0 && h.CriticalOverdue > 0 && h.WarningOverdue > h.CriticalOverdue {
		add("health.warning_overdue: must not exceed critical_overdue")
	}
	for path, v := range map[string]float64{
		"health.warning_success_rate":  h.WarningSuccessRate,
		"health.critical_success_rate": h.CriticalSuccessRate,
	} {
		if v < 0 || v > 1 {
			add("%s: must be within 0..1", path)
		}
	}
	if h.WarningSuccessRate > 0 && h.CriticalSuccessRate > h.WarningSuccessRate {
		add("health.critical_success_rate: must not exceed warning_success_rate")
	}

	r := cfg.Runner
	dur("runner.job_timeout", r.JobTimeout)
	if r.DispatchBatch < 0 {
		add("runner.dispatch_batch: must be >= 0")
	}
	if r.HistorySize < 0 {
		add("runner.history_size: must be >= 0")
	}
	dur("runner.breaker.base_delay", r.Breaker.BaseDelay)
	dur("runner.breaker.max_delay", r.Breaker.MaxDelay)
	dur("runner.breaker.reset_after", r.Breaker.ResetAfter)

	if t := cfg.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			add("telegram.token: required")
		}
		if len(t.ChatIDs) == 0 {
			add("telegram.chat_ids: at least one chat required")
		}
		if t.RatePerSec < 0 || t.QueueSize < 0 {
			add("telegram: rate_per_sec and queue_size must be >= 0")
		}
		dur("telegram.dedup_window", t.DedupWindow)
	}

	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		add("metrics.path: must start with '/'")
	}
	return errors.Join(errs...)
}

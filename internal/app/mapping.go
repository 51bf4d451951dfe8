package app

import (
	"fmt"
	"strings"
	"time"

	"postplan/internal/assign"
	"postplan/internal/compat"
	"postplan/internal/config"
	"postplan/internal/emergency"
	"postplan/internal/notify"
	"postplan/internal/pool"
	"postplan/internal/queue"
	"postplan/internal/runner"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

var parseDurationField = config.ParseDurationField

var parseDurationOrDefault = config.ParseDurationOrDefault

const (
	defaultMetricsAddr = "127.0.0.1:9464"
	defaultMetricsPath = "/metrics"
)

// engineSettings is everything the domain services read from config.
type engineSettings struct {
	Storage   storage.Config
	Queue     queue.Config
	Compat    compat.Config
	Assign    assign.Config
	Pool      pool.Config
	Emergency emergency.Config
	Seed      uint64
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram != nil,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapEngine(cfg *config.Config) (engineSettings, error) {
	var out engineSettings
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return out, fmt.Errorf("storage.path is required")
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return out, err
	}
	out.Storage = storage.Config{Path: path, BusyTimeout: busy}

	e := cfg.Engine
	retryDelay, err := parseDurationField("engine.retry_delay", e.RetryDelay)
	if err != nil {
		return out, err
	}
	out.Queue = queue.Config{
		MaxRetries:      e.MaxRetries,
		RetryDelay:      retryDelay,
		DefaultLocation: e.DefaultLocation,
		Health: queue.HealthConfig{
			WarningOverdue:      cfg.Health.WarningOverdue,
			CriticalOverdue:     cfg.Health.CriticalOverdue,
			WarningSuccessRate:  cfg.Health.WarningSuccessRate,
			CriticalSuccessRate: cfg.Health.CriticalSuccessRate,
		},
	}
	out.Compat = compat.Config{MinContentItems: e.MinContentItems}
	out.Assign = assign.Config{DefaultLocation: e.DefaultLocation}

	long, err := parseDurationField("engine.pool.long_duration", e.Pool.LongDuration)
	if err != nil {
		return out, err
	}
	short, err := parseDurationField("engine.pool.short_duration", e.Pool.ShortDuration)
	if err != nil {
		return out, err
	}
	out.Pool = pool.Config{
		LongDurationHours:  int(long / time.Hour),
		ShortDurationHours: int(short / time.Hour),
		MinCommonMonths:    e.Pool.MinCommonMonths,
	}

	em := cfg.Emergency
	out.Emergency.DefaultLocation = e.DefaultLocation
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"emergency.reanchor_gap", em.ReanchorGap, &out.Emergency.ReanchorGap},
		{"emergency.override_window", em.OverrideWindow, &out.Emergency.OverrideWindow},
		{"emergency.high_lead", em.HighLead, &out.Emergency.HighLead},
		{"emergency.standard_delay", em.StandardDelay, &out.Emergency.StandardDelay},
	} {
		if *f.dst, err = parseDurationField(f.path, f.raw); err != nil {
			return out, err
		}
	}

	out.Seed = e.Seed
	if out.Seed == 0 {
		out.Seed = uint64(time.Now().UnixNano())
	}
	return out, nil
}

type runnerSettings struct {
	Runner        runner.Config
	Schedules     runner.Schedules
	DispatchBatch int
}

func schedule(raw, def string) string {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return def
	case strings.EqualFold(s, "off"):
		return ""
	}
	return s
}

func mapRunner(cfg *config.Config) (runnerSettings, error) {
	r := cfg.Runner
	timeout, err := parseDurationOrDefault("runner.job_timeout", r.JobTimeout, time.Minute)
	if err != nil {
		return runnerSettings{}, err
	}
	var br runner.BreakerConfig
	br.TripAfter = r.Breaker.TripAfter
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"runner.breaker.base_delay", r.Breaker.BaseDelay, &br.BaseDelay},
		{"runner.breaker.max_delay", r.Breaker.MaxDelay, &br.MaxDelay},
		{"runner.breaker.reset_after", r.Breaker.ResetAfter, &br.ResetAfter},
	} {
		if *f.dst, err = parseDurationField(f.path, f.raw); err != nil {
			return runnerSettings{}, err
		}
	}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return runnerSettings{}, fmt.Errorf("runner.timezone: invalid %q: %w", tz, err)
		}
	}
	s := runner.Schedules{
		Activate: schedule(r.Activate, "1m"),
		Dispatch: schedule(r.Dispatch, "30s"),
		Retry:    schedule(r.Retry, "5m"),
		Health:   schedule(r.Health, "1m"),
		Timeout:  timeout,
	}
	for path, raw := range map[string]string{
		"runner.activate": s.Activate,
		"runner.dispatch": s.Dispatch,
		"runner.retry":    s.Retry,
		"runner.health":   s.Health,
	} {
		if raw == "" {
			continue
		}
		if err := runner.ValidateSchedule(raw); err != nil {
			return runnerSettings{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return runnerSettings{
		Runner: runner.Config{
			Enabled:     r.Enabled,
			Timezone:    r.Timezone,
			HistorySize: r.HistorySize,
			Breaker:     br,
		},
		Schedules:     s,
		DispatchBatch: r.DispatchBatch,
	}, nil
}

func mapNotify(cfg *config.Config) (notify.Config, error) {
	t := cfg.Telegram
	if t == nil {
		return notify.Config{}, nil
	}
	window, err := parseDurationField("telegram.dedup_window", t.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     true,
		ChatIDs:     append([]int64(nil), t.ChatIDs...),
		ThreadID:    t.ThreadID,
		QueueSize:   t.QueueSize,
		RatePerSec:  t.RatePerSec,
		DedupWindow: window,
	}, nil
}

type metricsSettings struct {
	Enabled bool
	Addr    string
	Path    string
	Pprof   bool
}

func mapMetrics(cfg *config.Config) metricsSettings {
	m := metricsSettings{
		Enabled: cfg.Metrics.Enabled,
		Addr:    strings.TrimSpace(cfg.Metrics.Addr),
		Path:    strings.TrimSpace(cfg.Metrics.Path),
		Pprof:   cfg.Metrics.Pprof,
	}
	if m.Addr == "" {
		m.Addr = defaultMetricsAddr
	}
	if m.Path == "" {
		m.Path = defaultMetricsPath
	}
	return m
}

// validate rejects configs the services could not apply.
func validate(cfg *config.Config) error {
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapRunner(cfg); err != nil {
		return err
	}
	_, err := mapNotify(cfg)
	return err
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postplan/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging (never includes the telegram token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage is only read at startup; surface it so operators know a restart is due.
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.restart_required", true))
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.default_location", newCfg.Engine.DefaultLocation),
			logx.Int("engine.max_retries", newCfg.Engine.MaxRetries),
			logx.String("engine.retry_delay", newCfg.Engine.RetryDelay),
		)
	}

	if oldCfg.Emergency != newCfg.Emergency {
		changed = append(changed, "emergency")
		attrs = append(attrs,
			logx.String("emergency.reanchor_gap", newCfg.Emergency.ReanchorGap),
			logx.String("emergency.override_window", newCfg.Emergency.OverrideWindow),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Int("health.warning_overdue", newCfg.Health.WarningOverdue),
			logx.Int("health.critical_overdue", newCfg.Health.CriticalOverdue),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Bool("runner.enabled", newCfg.Runner.Enabled),
			logx.String("runner.timezone", strings.TrimSpace(newCfg.Runner.Timezone)),
			logx.String("runner.dispatch", newCfg.Runner.Dispatch),
			logx.Int("runner.breaker.trip_after", newCfg.Runner.Breaker.TripAfter),
		)
	}

	oT, nT := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if (oldCfg.Telegram != nil) != (newCfg.Telegram != nil) || !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", newCfg.Telegram != nil),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int("telegram.chat_count", len(nT.ChatIDs)),
			logx.Int("telegram.rate_per_sec", nT.RatePerSec),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

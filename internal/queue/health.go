package queue

import (
	"context"
	"fmt"
	"time"
)

type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

// HealthConfig holds the classification thresholds. Zero values take defaults.
type HealthConfig struct {
	WarningOverdue      int     // 10
	CriticalOverdue     int     // 50
	WarningSuccessRate  float64 // 0.8
	CriticalSuccessRate float64 // 0.5
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.WarningOverdue <= 0 {
		c.WarningOverdue = 10
	}
	if c.CriticalOverdue <= 0 {
		c.CriticalOverdue = 50
	}
	if c.WarningSuccessRate <= 0 {
		c.WarningSuccessRate = 0.8
	}
	if c.CriticalSuccessRate <= 0 {
		c.CriticalSuccessRate = 0.5
	}
	return c
}

// Health is derived on every call and never stored.
type Health struct {
	Status      HealthStatus
	Queued      int
	Retrying    int
	Failed      int
	Overdue     int
	Posted24h   int
	Failed24h   int
	SuccessRate float64
	Alerts      []string
	CheckedAt   time.Time
}

func (s *Service) Health(ctx context.Context) (Health, error) {
	now := s.now()
	c, err := s.store.CountQueue(ctx, 0, now)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		Queued:      c.Queued,
		Retrying:    c.Retrying,
		Failed:      c.Failed,
		Overdue:     c.Overdue,
		Posted24h:   c.Posted24h,
		Failed24h:   c.Failed24h,
		SuccessRate: 1,
		CheckedAt:   now,
	}
	if attempts := c.Posted24h + c.Failed24h; attempts > 0 {
		h.SuccessRate = float64(c.Posted24h) / float64(attempts)
	}
	h.Status, h.Alerts = classify(h, s.cfg.Health)
	return h, nil
}

func classify(h Health, cfg HealthConfig) (HealthStatus, []string) {
	status := Healthy
	var alerts []string
	raise := func(to HealthStatus, format string, args ...any) {
		alerts = append(alerts, fmt.Sprintf(format, args...))
		if to == Critical || status == Healthy {
			status = to
		}
	}
	switch {
	case h.Overdue > cfg.CriticalOverdue:
		raise(Critical, "%d items overdue (critical above %d)", h.Overdue, cfg.CriticalOverdue)
	case h.Overdue > cfg.WarningOverdue:
		raise(Warning, "%d items overdue (warning above %d)", h.Overdue, cfg.WarningOverdue)
	}
	switch {
	case h.SuccessRate < cfg.CriticalSuccessRate:
		raise(Critical, "24h success rate %.0f%% (critical below %.0f%%)", h.SuccessRate*100, cfg.CriticalSuccessRate*100)
	case h.SuccessRate < cfg.WarningSuccessRate:
		raise(Warning, "24h success rate %.0f%% (warning below %.0f%%)", h.SuccessRate*100, cfg.WarningSuccessRate*100)
	}
	return status, alerts
}

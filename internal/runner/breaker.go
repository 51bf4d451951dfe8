package runner

import (
	"sync"
	"time"
)

// BreakerConfig controls the per-job consecutive-failure breaker.
// TripAfter < 0 disables it; 0 means 5.
type BreakerConfig struct {
	TripAfter  int
	BaseDelay  time.Duration // 5s
	MaxDelay   time.Duration // 2m
	ResetAfter time.Duration // 5m
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter == 0 {
		c.TripAfter = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// breaker opens after TripAfter consecutive failures, for a cooldown that
// doubles with every further failure up to MaxDelay. A success closes it.
type breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	fails       int
	lastFailure time.Time
	openUntil   time.Time
}

func newBreaker(cfg BreakerConfig) *breaker { return &breaker{cfg: cfg.withDefaults()} }

func (b *breaker) resetIfStaleLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

// Open reports whether runs are currently suppressed, and until when.
func (b *breaker) Open(now time.Time) (bool, time.Time) {
	if b.cfg.TripAfter < 0 {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfStaleLocked(now)
	if now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) Record(now time.Time, err error) {
	if b.cfg.TripAfter < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfStaleLocked(now)
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.TripAfter {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.TripAfter && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	b.openUntil = now.Add(min(d, b.cfg.MaxDelay))
}

func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}

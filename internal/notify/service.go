// Package notify delivers operator alerts (queue health changes, emergency
// injections, warn+ log lines) to Telegram chats.
//
// Notifications are queued, deduplicated within a window, rate limited and
// retried with jittered backoff. A full queue drops the notification rather
// than blocking the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "postplan/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
)

// Sender performs one delivery to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, threadID int, text string) error
}

// Notification priorities.
const (
	PriorityInfo     = 5
	PriorityWarning  = 7
	PriorityCritical = 9
)

type Notification struct {
	Priority int
	Text     string
}

type Config struct {
	Enabled         bool
	ChatIDs         []int64
	ThreadID        int
	QueueSize       int           // 256
	RatePerSec      int           // 3
	RetryMax        int           // 3
	RetryBase       time.Duration // 500ms
	RetryMaxDelay   time.Duration // 10s
	DedupWindow     time.Duration // 1m; < 0 disables
	DedupMaxEntries int           // 2000
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = time.Minute
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	log     logx.Logger
	queue   chan Notification

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. The queue size is fixed at construction.
func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notify")),
		queue:  make(chan Notification, cfg.QueueSize),
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg.withDefaults())
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil && len(s.cfg.ChatIDs) > 0
}

// Notify enqueues n. Duplicates inside the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Enabled() {
		return ErrDisabled
	}
	s.mu.Lock()
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.mu.Unlock()
	if window > 0 && !s.dedupAllow(dedupKey(n), window, maxEntries, time.Now()) {
		s.log.Debug("notification deduped", logx.Int("priority", n.Priority))
		return nil
	}
	select {
	case s.queue <- n:
		return nil
	default:
		s.log.Debug("notification dropped; queue full", logx.Int("queue_cap", cap(s.queue)))
		return ErrQueueFull
	}
}

// SendAlert makes the service usable as the logger's alert sink.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.Notify(ctx, Notification{Priority: PriorityWarning, Text: text})
}

// Run delivers queued notifications until ctx is done, then drains what is
// left for at most drain.
func (s *Service) Run(ctx context.Context, drain time.Duration) {
	for {
		select {
		case n := <-s.queue:
			s.deliver(ctx, n)
		case <-ctx.Done():
			s.drain(drain)
			return
		}
	}
}

func (s *Service) drain(d time.Duration) {
	if d <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		select {
		case n := <-s.queue:
			s.deliver(ctx, n)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	text := prefixForPriority(n.Priority) + n.Text
	for _, chatID := range cfg.ChatIDs {
		err := s.sendWithRetry(ctx, cfg, lim, sender, chatID, text)
		s.appendHistory(text, err)
		if err != nil && ctx.Err() == nil {
			// Warn would loop back into the alert sink.
			s.log.Debug("notification failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, sender Sender, chatID int64, text string) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, chatID, cfg.ThreadID, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("send to %d after %d attempts: %w", chatID, attempts, lastErr)
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int, now time.Time) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiry until within cap.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), jittered 0.7..1.3.
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize = 256
	alertMaxLen    = 3500
	alertFieldLen  = 600
	alertTimeout   = 10 * time.Second
)

// alertSink is a zerolog.LevelWriter that hands qualifying lines to a
// background sender. Writes never block the caller; excess lines are dropped.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue     chan string
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  limiterFor(1),
		queue:    make(chan string, alertQueueSize),
	}
}

func (a *alertSink) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = limiterFor(cfg.RatePerSec)
	a.mu.Unlock()
	if cfg.Enabled {
		a.startOnce.Do(a.start)
	}
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel, a.done = cancel, make(chan struct{})
	done := a.done
	a.mu.Unlock()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-a.queue:
				a.mu.Lock()
				sender := a.sender
				a.mu.Unlock()
				if sender == nil {
					continue
				}
				sctx, stop := context.WithTimeout(ctx, alertTimeout)
				_ = sender.SendAlert(sctx, msg)
				stop()
			}
		}
	}()
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.NoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && level >= a.minLevel && level != zerolog.NoLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := formatAlert(p); msg != "" {
		select {
		case a.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

// formatAlert renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field in key order. time is omitted.
func formatAlert(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return clip(line, alertMaxLen)
	}
	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertFieldLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postplan/internal/eventbus"
	"postplan/internal/queue"
	logx "postplan/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	fails int // fail the first n calls
	calls int
}

func (f *fakeSender) Send(_ context.Context, chatID int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, sent{chat: chatID, text: text})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func start(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, 0)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNotifyDeliversToEveryChat(t *testing.T) {
	f := &fakeSender{}
	s := New(Config{Enabled: true, ChatIDs: []int64{1, 2}, RatePerSec: 100}, f, logx.Nop())
	start(t, s)

	if err := s.Notify(context.Background(), Notification{Priority: PriorityCritical, Text: "queue critical"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(f.snapshot()) == 2 })
	got := f.snapshot()
	if got[0].chat != 1 || got[1].chat != 2 || !strings.HasSuffix(got[0].text, "queue critical") || got[0].text == "queue critical" {
		t.Fatalf("sent = %+v", got)
	}
	if h := s.Snapshot(); len(h) != 2 || h[0].Err != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	f := &fakeSender{}
	s := New(Config{Enabled: true, ChatIDs: []int64{1}, RatePerSec: 100, DedupWindow: time.Hour}, f, logx.Nop())
	start(t, s)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, Notification{Priority: PriorityWarning, Text: "same"}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := s.SendAlert(ctx, "other"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	waitFor(t, func() bool { return len(f.snapshot()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(f.snapshot()); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	f := &fakeSender{fails: 2}
	s := New(Config{Enabled: true, ChatIDs: []int64{7}, RatePerSec: 100, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, f, logx.Nop())
	start(t, s)
	if err := s.Notify(context.Background(), Notification{Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(f.snapshot()) == 1 })
	if got := f.snapshot()[0]; got.text != "hello" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestNotifyDisabledAndQueueFull(t *testing.T) {
	if err := New(Config{}, &fakeSender{}, logx.Nop()).Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	s := New(Config{Enabled: true, ChatIDs: []int64{1}, QueueSize: 1, DedupWindow: -1}, &fakeSender{}, logx.Nop())
	ctx := context.Background()
	if err := s.Notify(ctx, Notification{Text: "a"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(ctx, Notification{Text: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestFormat(t *testing.T) {
	n, ok := Format(eventbus.Event{Type: eventbus.HealthChanged, Data: queue.Health{
		Status: queue.Critical, Overdue: 60, SuccessRate: 0.4, Alerts: []string{"60 items overdue"},
	}})
	if !ok || n.Priority != PriorityCritical || !strings.Contains(n.Text, "CRITICAL") || !strings.Contains(n.Text, "60 items overdue") {
		t.Fatalf("health notification = %+v", n)
	}

	n, ok = Format(eventbus.Event{Type: eventbus.EmergencyInjected, Data: eventbus.Injection{
		BatchID: "0123456789abcdef", Priority: "standard", Strategy: "post_alongside", Succeeded: 2, Skipped: 1,
	}})
	if !ok || n.Priority != PriorityInfo || !strings.Contains(n.Text, "01234567 ") || !strings.Contains(n.Text, "2 injected") {
		t.Fatalf("injection notification = %+v", n)
	}

	if _, ok := Format(eventbus.Event{Type: eventbus.QueueDue, Data: 1}); ok {
		t.Fatalf("queue.due should not notify")
	}
}

func TestWatchForwardsEvents(t *testing.T) {
	f := &fakeSender{}
	s := New(Config{Enabled: true, ChatIDs: []int64{1}, RatePerSec: 100}, f, logx.Nop())
	start(t, s)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, bus)

	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.HealthChanged, Data: queue.Health{Status: queue.Warning}})
		return len(f.snapshot()) > 0
	})
	if got := f.snapshot()[0].text; !strings.Contains(got, "WARNING") {
		t.Fatalf("sent = %q", got)
	}
}

func TestRetryDelayIsBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

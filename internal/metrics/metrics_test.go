package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"postplan/internal/eventbus"
	"postplan/internal/queue"
	logx "postplan/pkg/logx"
)

func TestObserveEvents(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)

	m.Observe(eventbus.Event{Type: eventbus.QueueTransition, Data: eventbus.Transition{From: "queued", To: "posted"}})
	m.Observe(eventbus.Event{Type: eventbus.QueueTransition, Data: eventbus.Transition{From: "queued", To: "posted"}})
	m.Observe(eventbus.Event{Type: eventbus.QueueTransition, Data: eventbus.Transition{From: "queued", To: "cancelled", Emergency: true}})
	m.Observe(eventbus.Event{Type: eventbus.QueueDue})
	m.Observe(eventbus.Event{Type: eventbus.AssignmentChanged, Data: eventbus.AssignmentChange{Status: "paused"}})
	m.Observe(eventbus.Event{Type: eventbus.EmergencyInjected, Data: eventbus.Injection{
		Priority: "critical", Strategy: "pause_sprints", Succeeded: 3, Failed: 1,
	}})
	m.Observe(eventbus.Event{Type: "unknown", Data: 1})

	if got := testutil.ToFloat64(m.QueueTransitions.WithLabelValues("queued", "posted", "false")); got != 2 {
		t.Fatalf("posted transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.QueueTransitions.WithLabelValues("queued", "cancelled", "true")); got != 1 {
		t.Fatalf("emergency transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDue); got != 1 {
		t.Fatalf("due = %v", got)
	}
	if got := testutil.ToFloat64(m.AssignmentChanges.WithLabelValues("paused")); got != 1 {
		t.Fatalf("assignment changes = %v", got)
	}
	if got := testutil.ToFloat64(m.EmergencyAccounts.WithLabelValues("critical", "pause_sprints", "success")); got != 3 {
		t.Fatalf("emergency success = %v", got)
	}
	if got := testutil.ToFloat64(m.EmergencyAccounts.WithLabelValues("critical", "pause_sprints", "failed")); got != 1 {
		t.Fatalf("emergency failed = %v", got)
	}
}

func TestObserveHealth(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)
	m.ObserveHealth(queue.Health{Status: queue.Critical, Queued: 12, Overdue: 60, SuccessRate: 0.4})
	if got := testutil.ToFloat64(m.HealthStatus); got != 2 {
		t.Fatalf("status = %v", got)
	}
	if got := testutil.ToFloat64(m.QueueItems.WithLabelValues("overdue")); got != 60 {
		t.Fatalf("overdue = %v", got)
	}
	if got := testutil.ToFloat64(m.SuccessRate); got != 0.4 {
		t.Fatalf("success rate = %v", got)
	}
	m.ObserveHealth(queue.Health{Status: queue.Healthy, SuccessRate: 1})
	if got := testutil.ToFloat64(m.HealthStatus); got != 0 {
		t.Fatalf("status = %v", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	m := New(reg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, bus, logx.Nop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.QueueDue) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.QueueDue})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if n, err := testutil.GatherAndCount(reg, "postplan_eventbus_dropped_total"); err != nil || n != 1 {
		t.Fatalf("dropped gauge: n=%d err=%v", n, err)
	}
}

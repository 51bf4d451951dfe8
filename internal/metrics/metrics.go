// Package metrics exposes engine state as Prometheus metrics. Counters are fed
// from the event bus; queue gauges are refreshed from health snapshots.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"postplan/internal/eventbus"
	"postplan/internal/queue"
	logx "postplan/pkg/logx"
)

const namespace = "postplan"

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Queue transitions. Labels: from, to, emergency
	QueueTransitions *prometheus.CounterVec
	// Items handed to the dispatcher.
	QueueDue prometheus.Counter
	// Assignment status changes. Labels: status
	AssignmentChanges *prometheus.CounterVec
	// Emergency injections per account. Labels: priority, strategy, outcome
	EmergencyAccounts *prometheus.CounterVec

	// Queue health. Labels: state
	QueueItems  *prometheus.GaugeVec
	SuccessRate prometheus.Gauge
	// 0 healthy, 1 warning, 2 critical
	HealthStatus prometheus.Gauge
}

// New creates the metrics and registers them, plus a gauge for events the bus
// dropped, on reg.
func New(reg prometheus.Registerer, bus eventbus.Bus) *Metrics {
	m := &Metrics{
		QueueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "transitions_total",
			Help: "Queue item status transitions.",
		}, []string{"from", "to", "emergency"}),
		QueueDue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "dispatched_total",
			Help: "Due queue items handed to the dispatcher.",
		}),
		AssignmentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "assignment", Name: "changes_total",
			Help: "Assignment status changes.",
		}, []string{"status"}),
		EmergencyAccounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "accounts_total",
			Help: "Per-account emergency injection outcomes.",
		}, []string{"priority", "strategy", "outcome"}),
		QueueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "items",
			Help: "Queue items by state at the last health check.",
		}, []string{"state"}),
		SuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "success_rate",
			Help: "Posting success rate over the last 24h.",
		}),
		HealthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "health_status",
			Help: "Queue health: 0 healthy, 1 warning, 2 critical.",
		}),
	}
	reg.MustRegister(
		m.QueueTransitions, m.QueueDue, m.AssignmentChanges, m.EmergencyAccounts,
		m.QueueItems, m.SuccessRate, m.HealthStatus,
	)
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "dropped_total",
			Help: "Events lost to full subscriber buffers.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return m
}

// ObserveHealth copies a health snapshot into the gauges.
func (m *Metrics) ObserveHealth(h queue.Health) {
	m.QueueItems.WithLabelValues("queued").Set(float64(h.Queued))
	m.QueueItems.WithLabelValues("retrying").Set(float64(h.Retrying))
	m.QueueItems.WithLabelValues("failed").Set(float64(h.Failed))
	m.QueueItems.WithLabelValues("overdue").Set(float64(h.Overdue))
	m.SuccessRate.Set(h.SuccessRate)
	switch h.Status {
	case queue.Critical:
		m.HealthStatus.Set(2)
	case queue.Warning:
		m.HealthStatus.Set(1)
	default:
		m.HealthStatus.Set(0)
	}
}

// Observe folds one bus event into the metrics. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.QueueTransition:
		if t, ok := e.Data.(eventbus.Transition); ok {
			emergency := "false"
			if t.Emergency {
				emergency = "true"
			}
			m.QueueTransitions.WithLabelValues(t.From, t.To, emergency).Inc()
		}
	case eventbus.QueueDue:
		m.QueueDue.Inc()
	case eventbus.AssignmentChanged:
		if c, ok := e.Data.(eventbus.AssignmentChange); ok {
			m.AssignmentChanges.WithLabelValues(c.Status).Inc()
		}
	case eventbus.EmergencyInjected:
		if in, ok := e.Data.(eventbus.Injection); ok {
			m.EmergencyAccounts.WithLabelValues(in.Priority, in.Strategy, "success").Add(float64(in.Succeeded))
			m.EmergencyAccounts.WithLabelValues(in.Priority, in.Strategy, "failed").Add(float64(in.Failed))
			m.EmergencyAccounts.WithLabelValues(in.Priority, in.Strategy, "skipped").Add(float64(in.Skipped))
		}
	case eventbus.HealthChanged:
		if h, ok := e.Data.(queue.Health); ok {
			m.ObserveHealth(h)
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

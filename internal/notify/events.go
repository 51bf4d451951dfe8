package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"postplan/internal/eventbus"
	"postplan/internal/queue"
	logx "postplan/pkg/logx"
)

// Watch turns health changes and emergency injections on bus into
// notifications until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64, eventbus.HealthChanged, eventbus.EmergencyInjected)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n, ok := Format(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("event notification not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// Format renders an engine event as a notification. It reports false for
// events that need no operator attention.
func Format(e eventbus.Event) (Notification, bool) {
	switch d := e.Data.(type) {
	case queue.Health:
		if e.Type != eventbus.HealthChanged {
			return Notification{}, false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Queue health: %s\n", strings.ToUpper(string(d.Status)))
		fmt.Fprintf(&b, "queued=%d retrying=%d failed=%d overdue=%d success_24h=%.0f%%",
			d.Queued, d.Retrying, d.Failed, d.Overdue, d.SuccessRate*100)
		for _, a := range d.Alerts {
			b.WriteString("\n- " + a)
		}
		p := PriorityInfo
		switch d.Status {
		case queue.Critical:
			p = PriorityCritical
		case queue.Warning:
			p = PriorityWarning
		}
		return Notification{Priority: p, Text: b.String()}, true
	case eventbus.Injection:
		if e.Type != eventbus.EmergencyInjected {
			return Notification{}, false
		}
		p := PriorityInfo
		if d.Priority == "critical" || d.Failed > 0 {
			p = PriorityWarning
		}
		text := fmt.Sprintf("Emergency batch %s (%s, %s): %d injected, %d failed, %d skipped",
			shortID(d.BatchID), d.Priority, d.Strategy, d.Succeeded, d.Failed, d.Skipped)
		return Notification{Priority: p, Text: text}, true
	}
	return Notification{}, false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

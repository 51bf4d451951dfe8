package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postplan/internal/assign"
	"postplan/internal/eventbus"
	"postplan/internal/model"
	"postplan/internal/queue"
	logx "postplan/pkg/logx"
)

// Dispatcher hands due items to whatever performs the posting.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []model.QueueItem) error
}

// BusDispatcher announces every due item as a QueueDue event.
type BusDispatcher struct{ Bus eventbus.Bus }

func (d BusDispatcher) Dispatch(_ context.Context, items []model.QueueItem) error {
	for _, it := range items {
		d.Bus.Publish(eventbus.Event{Type: eventbus.QueueDue, Data: it})
	}
	return nil
}

// Job names.
const (
	JobActivate = "assignments.activate"
	JobDispatch = "queue.dispatch"
	JobRetry    = "queue.retry"
	JobHealth   = "queue.health"
)

// EngineJobs binds the periodic engine operations to runner jobs.
type EngineJobs struct {
	Assign        *assign.Scheduler
	Queue         *queue.Service
	Dispatcher    Dispatcher
	Bus           eventbus.Bus
	Log           logx.Logger
	DispatchBatch int
	Now           func() time.Time
	// OnHealth, when set, sees every health snapshot (not only changes).
	OnHealth func(queue.Health)

	mu         sync.Mutex
	dispatched map[int64]time.Time // item id -> UpdatedAt when handed out
	lastHealth queue.HealthStatus
}

func (e *EngineJobs) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *EngineJobs) log() logx.Logger {
	if e.Log.IsZero() {
		return logx.Nop()
	}
	return e.Log
}

func (e *EngineJobs) bus() eventbus.Bus {
	if e.Bus == nil {
		return eventbus.Nop()
	}
	return e.Bus
}

// Activate turns scheduled assignments whose start has passed into active ones.
func (e *EngineJobs) Activate(ctx context.Context) error {
	n, err := e.Assign.ActivateDue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log().Info("assignments activated", logx.Int("count", n))
	}
	return nil
}

// Dispatch hands out due items. An item is handed out once per revision: it is
// offered again only after it changes (for example a retry or a reschedule).
func (e *EngineJobs) Dispatch(ctx context.Context) error {
	e.mu.Lock()
	batch := e.DispatchBatch
	e.mu.Unlock()
	if batch <= 0 {
		batch = 100
	}
	due, err := e.Queue.ListDue(ctx, e.now(), batch)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.dispatched == nil {
		e.dispatched = map[int64]time.Time{}
	}
	current := make(map[int64]time.Time, len(due))
	var fresh []model.QueueItem
	for _, it := range due {
		current[it.ID] = it.UpdatedAt
		if seen, ok := e.dispatched[it.ID]; ok && seen.Equal(it.UpdatedAt) {
			continue
		}
		fresh = append(fresh, it)
	}
	prev := e.dispatched
	e.dispatched = current
	e.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	d := e.Dispatcher
	if d == nil {
		d = BusDispatcher{Bus: e.bus()}
	}
	if err := d.Dispatch(ctx, fresh); err != nil {
		// Offer the batch again next tick.
		e.mu.Lock()
		for _, it := range fresh {
			if at, ok := prev[it.ID]; ok {
				e.dispatched[it.ID] = at
			} else {
				delete(e.dispatched, it.ID)
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("dispatch %d items: %w", len(fresh), err)
	}
	e.log().Debug("items dispatched", logx.Int("count", len(fresh)))
	return nil
}

// SetDispatchBatch changes the per-tick dispatch limit of a live runner.
func (e *EngineJobs) SetDispatchBatch(n int) {
	e.mu.Lock()
	e.DispatchBatch = n
	e.mu.Unlock()
}

// Retry requeues failed items that still have attempts left.
func (e *EngineJobs) Retry(ctx context.Context) error {
	requeued, cancelled, err := e.Queue.RetryFailed(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 || cancelled > 0 {
		e.log().Info("failed items processed", logx.Int("requeued", requeued), logx.Int("cancelled", cancelled))
	}
	return nil
}

// Health evaluates queue health and announces status changes.
func (e *EngineJobs) Health(ctx context.Context) error {
	h, err := e.Queue.Health(ctx)
	if err != nil {
		return err
	}
	if e.OnHealth != nil {
		e.OnHealth(h)
	}
	e.mu.Lock()
	changed := h.Status != e.lastHealth
	prev := e.lastHealth
	e.lastHealth = h.Status
	e.mu.Unlock()
	if !changed {
		return nil
	}
	e.bus().Publish(eventbus.Event{Type: eventbus.HealthChanged, Data: h})
	// Info only: operators are alerted through the HealthChanged event.
	e.log().Info("queue health changed",
		logx.String("status", string(h.Status)),
		logx.String("previous", string(prev)),
		logx.Int("overdue", h.Overdue),
		logx.Float64("success_rate", h.SuccessRate),
	)
	return nil
}

// Schedules holds one schedule per engine job. An empty schedule leaves the
// job unregistered.
type Schedules struct {
	Activate string
	Dispatch string
	Retry    string
	Health   string
	Timeout  time.Duration
}

// Register adds the engine jobs to r.
func Register(r *Runner, jobs *EngineJobs, s Schedules) error {
	for _, j := range []struct {
		name, spec string
		fn         JobFunc
	}{
		{JobActivate, s.Activate, jobs.Activate},
		{JobDispatch, s.Dispatch, jobs.Dispatch},
		{JobRetry, s.Retry, jobs.Retry},
		{JobHealth, s.Health, jobs.Health},
	} {
		if j.spec == "" {
			r.Remove(j.name)
			continue
		}
		if err := r.Add(j.name, j.spec, s.Timeout, j.fn); err != nil {
			return err
		}
	}
	return nil
}

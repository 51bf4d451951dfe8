// Package queue owns the durable content queue and its state machine.
//
//	queued   -> posted     MarkPosted (terminal)
//	retrying -> posted     MarkPosted
//	queued   -> failed     MarkFailed
//	retrying -> failed     MarkFailed
//	queued   -> retrying   MarkStarted, only for a retry attempt
//	failed   -> queued     Retry while retry_count < max (+retry delay)
//	failed   -> cancelled  Retry at the cap or on a stopped assignment, Remove
//	queued   -> cancelled  Remove, pause, conflict override
//	failed   -> cancelled  pause or completion of the assignment
//	retrying -> cancelled  pause or completion of the assignment
//	queued   -> queued     Reschedule (retry_count reset)
//
// Posted items are immutable. Queued emergency items cannot be rescheduled or removed.
package queue

import (
	"context"
	"strings"
	"time"

	"postplan/internal/eventbus"
	"postplan/internal/model"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

type Config struct {
	MaxRetries      int           // 0 means 3
	RetryDelay      time.Duration // 0 means 10m
	DefaultLocation string        // "home" when empty
	Health          HealthConfig
}

type Filter = storage.QueueFilter

type Service struct {
	store *storage.Store
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(store *storage.Store, cfg Config, log logx.Logger, bus eventbus.Bus, now func() time.Time) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.DefaultLocation) == "" {
		cfg.DefaultLocation = "home"
	}
	cfg.Health = cfg.Health.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, cfg: cfg, log: log.With(logx.String("comp", "queue")), bus: bus, now: now}
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Get(ctx context.Context, id int64) (model.QueueItem, error) {
	return s.store.GetQueueItem(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]model.QueueItem, error) {
	return s.store.ListQueueItems(ctx, f)
}

// ListDue returns queued items whose time has come, most urgent first.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	return s.store.ListQueueItems(ctx, Filter{
		Statuses:   []model.QueueStatus{model.QueueQueued},
		To:         &now,
		ByPriority: true,
		Limit:      limit,
	})
}

// MarkStarted records that the device collaborator picked the item up.
// A retry attempt (retry_count > 0) moves to retrying; a first attempt stays queued.
func (s *Service) MarkStarted(ctx context.Context, id int64) (model.QueueItem, error) {
	now := s.now()
	var it model.QueueItem
	var from model.QueueStatus
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if it, err = q.GetQueueItem(ctx, id); err != nil {
			return err
		}
		from = it.Status
		if it.Status != model.QueueQueued {
			return model.Conflict("mark started", "queue item", id, "item is %s", it.Status)
		}
		if it.RetryCount == 0 {
			return nil
		}
		it.Status = model.QueueRetrying
		return q.UpdateQueueItem(ctx, it, now)
	})
	if err != nil {
		return it, err
	}
	s.publish(it, from)
	return it, nil
}

// MarkPosted is the success callback. It advances the assignment cursor and
// settles the assignment: posting the final slot completes it and starts the
// account's cooldown, and the emergency flag clears once no emergency item is
// pending.
func (s *Service) MarkPosted(ctx context.Context, id int64) (model.QueueItem, error) {
	it, from, completed, err := PostAndSettle(ctx, s.store, id, s.cfg.DefaultLocation, s.now())
	if err != nil {
		return it, err
	}
	s.publish(it, from)
	if completed != nil {
		s.log.Info("assignment completed after final slot",
			logx.Int64("assignment_id", completed.ID),
			logx.Int64("account_id", completed.AccountID),
		)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.AssignmentChanged,
			Time: s.now(),
			Data: eventbus.AssignmentChange{
				AssignmentID: completed.ID,
				AccountID:    completed.AccountID,
				SprintID:     completed.SprintID,
				Status:       string(completed.Status),
			},
		})
	}
	return it, nil
}

// PostAndSettle runs Post and Settle in one transaction. It is the single
// success path shared by MarkPosted and the assignment scheduler.
func PostAndSettle(ctx context.Context, st *storage.Store, id int64, defaultLocation string, now time.Time) (model.QueueItem, model.QueueStatus, *model.Assignment, error) {
	var (
		it        model.QueueItem
		from      model.QueueStatus
		completed *model.Assignment
	)
	err := st.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if it, from, err = Post(ctx, q, id, now); err != nil {
			return err
		}
		completed, err = Settle(ctx, q, it, defaultLocation, now)
		return err
	})
	return it, from, completed, err
}

// MarkFailed is the failure callback; the error message is kept on the item.
func (s *Service) MarkFailed(ctx context.Context, id int64, msg string) (model.QueueItem, error) {
	now := s.now()
	var it model.QueueItem
	var from model.QueueStatus
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		it, from, err = Fail(ctx, q, id, msg, now)
		return err
	})
	if err != nil {
		return it, err
	}
	s.log.Warn("queue item failed", logx.Int64("item_id", id), logx.Int64("account_id", it.AccountID), logx.String("error", msg))
	s.publish(it, from)
	return it, nil
}

// Retry re-queues a failed item after the retry delay. It cancels the item
// instead once the retry budget is spent or its assignment is no longer active
// or scheduled. The error message is preserved on cancellation.
func (s *Service) Retry(ctx context.Context, id int64) (model.QueueItem, error) {
	now := s.now()
	var it model.QueueItem
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		it, err = s.retry(ctx, q, id, now)
		return err
	})
	if err != nil {
		return it, err
	}
	s.publish(it, model.QueueFailed)
	return it, nil
}

func (s *Service) retry(ctx context.Context, q *storage.Queries, id int64, now time.Time) (model.QueueItem, error) {
	it, err := q.GetQueueItem(ctx, id)
	if err != nil {
		return it, err
	}
	if it.Status != model.QueueFailed {
		return it, model.Conflict("retry", "queue item", id, "item is %s", it.Status)
	}
	live, err := assignmentRunning(ctx, q, it)
	if err != nil {
		return it, err
	}
	switch {
	case !live, it.RetryCount >= s.cfg.MaxRetries:
		it.Status = model.QueueCancelled
	default:
		it.Status = model.QueueQueued
		it.RetryCount++
		it.ScheduledAt = now.Add(s.cfg.RetryDelay)
	}
	if err := q.UpdateQueueItem(ctx, it, now); err != nil {
		return it, err
	}
	if it.AssignmentID != nil {
		if err := RefreshNextDue(ctx, q, *it.AssignmentID); err != nil {
			return it, err
		}
	}
	return it, nil
}

// assignmentRunning reports whether the item's assignment still posts content.
// Items without an assignment (emergency content) always do.
func assignmentRunning(ctx context.Context, q *storage.Queries, it model.QueueItem) (bool, error) {
	if it.AssignmentID == nil {
		return true, nil
	}
	a, err := q.GetAssignment(ctx, *it.AssignmentID)
	if err != nil {
		return false, err
	}
	return a.Status == model.AssignmentActive || a.Status == model.AssignmentScheduled, nil
}

// RetryFailed runs the automatic retry pass over every failed item.
func (s *Service) RetryFailed(ctx context.Context) (requeued, cancelled int, err error) {
	failed, err := s.store.ListQueueItems(ctx, Filter{Statuses: []model.QueueStatus{model.QueueFailed}})
	if err != nil {
		return 0, 0, err
	}
	for _, f := range failed {
		it, err := s.Retry(ctx, f.ID)
		if err != nil {
			s.log.Error("automatic retry failed", logx.Int64("item_id", f.ID), logx.Err(err))
			continue
		}
		switch it.Status {
		case model.QueueQueued:
			requeued++
		case model.QueueCancelled:
			cancelled++
			if it.RetryCount < s.cfg.MaxRetries {
				s.log.Info("failed item dropped with its stopped assignment", logx.Int64("item_id", it.ID))
				continue
			}
			s.log.Warn("queue item exhausted retries",
				logx.Int64("item_id", it.ID),
				logx.Int("retry_count", it.RetryCount),
				logx.String("error", it.ErrorMessage),
			)
		}
	}
	return requeued, cancelled, nil
}

// Reschedule moves a queued item to a new time and resets its retry count.
func (s *Service) Reschedule(ctx context.Context, id int64, at time.Time) (model.QueueItem, error) {
	now := s.now()
	var it model.QueueItem
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		it, err = reschedule(ctx, q, id, at, now)
		return err
	})
	if err != nil {
		return it, err
	}
	s.publish(it, model.QueueQueued)
	return it, nil
}

func reschedule(ctx context.Context, q *storage.Queries, id int64, at, now time.Time) (model.QueueItem, error) {
	it, err := q.GetQueueItem(ctx, id)
	if err != nil {
		return it, err
	}
	if at.IsZero() {
		return it, &model.ValidationError{Fields: []model.FieldError{{Field: "scheduled_at", Message: "required"}}}
	}
	if it.Status != model.QueueQueued {
		return it, model.Conflict("reschedule", "queue item", id, "item is %s", it.Status)
	}
	if it.Emergency {
		return it, model.Conflict("reschedule", "queue item", id, "emergency items are committed once queued")
	}
	it.ScheduledAt = at
	it.RetryCount = 0
	if err := q.UpdateQueueItem(ctx, it, now); err != nil {
		return it, err
	}
	if it.AssignmentID != nil {
		if err := RefreshNextDue(ctx, q, *it.AssignmentID); err != nil {
			return it, err
		}
	}
	return it, nil
}

// Remove cancels a queued (or failed) item.
func (s *Service) Remove(ctx context.Context, id int64) (model.QueueItem, error) {
	now := s.now()
	var it model.QueueItem
	var from model.QueueStatus
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		it, from, err = remove(ctx, q, id, now)
		return err
	})
	if err != nil {
		return it, err
	}
	s.publish(it, from)
	return it, nil
}

func remove(ctx context.Context, q *storage.Queries, id int64, now time.Time) (model.QueueItem, model.QueueStatus, error) {
	it, err := q.GetQueueItem(ctx, id)
	if err != nil {
		return it, "", err
	}
	from := it.Status
	switch {
	case from != model.QueueQueued && from != model.QueueFailed:
		return it, from, model.Conflict("remove", "queue item", id, "item is %s", from)
	case from == model.QueueQueued && it.Emergency:
		return it, from, model.Conflict("remove", "queue item", id, "emergency items are committed once queued")
	}
	it.Status = model.QueueCancelled
	if it.ErrorMessage == "" {
		it.ErrorMessage = "removed"
	}
	if err := q.UpdateQueueItem(ctx, it, now); err != nil {
		return it, from, err
	}
	if it.AssignmentID != nil {
		if err := RefreshNextDue(ctx, q, *it.AssignmentID); err != nil {
			return it, from, err
		}
	}
	return it, from, nil
}

// Summary is the per-account queue view.
type Summary struct {
	AccountID        int64
	Queued           int
	Retrying         int
	Failed           int
	Overdue          int
	PostedTotal      int
	Cancelled        int
	NextScheduledAt  *time.Time
	EmergencyPending int
}

func (s *Service) Summary(ctx context.Context, accountID int64) (Summary, error) {
	now := s.now()
	c, err := s.store.CountQueue(ctx, accountID, now)
	if err != nil {
		return Summary{}, err
	}
	next, err := s.store.NextQueuedForAccount(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	em, err := s.store.CountQueuedEmergency(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		AccountID:        accountID,
		Queued:           c.Queued,
		Retrying:         c.Retrying,
		Failed:           c.Failed,
		Overdue:          c.Overdue,
		PostedTotal:      c.PostedEver,
		Cancelled:        c.Cancelled,
		NextScheduledAt:  next,
		EmergencyPending: em,
	}, nil
}

func (s *Service) publish(it model.QueueItem, from model.QueueStatus) {
	if from == it.Status {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.QueueTransition,
		Time: s.now(),
		Data: eventbus.Transition{
			ItemID:    it.ID,
			AccountID: it.AccountID,
			From:      string(from),
			To:        string(it.Status),
			Emergency: it.Emergency,
		},
	})
}

// Publish emits a transition observed by another component (assignment or emergency flows).
func (s *Service) Publish(it model.QueueItem, from model.QueueStatus) { s.publish(it, from) }

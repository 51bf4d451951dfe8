// Package assign binds sprints to accounts and drives the assignment lifecycle:
// scheduled -> active -> paused <-> active -> completed.
package assign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postplan/internal/compat"
	"postplan/internal/eventbus"
	"postplan/internal/model"
	"postplan/internal/queue"
	"postplan/internal/schedule"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

type Options struct {
	StartDate      time.Time // zero means now
	ForceOverride  bool
	SkipValidation bool
	PoolID         *int64
	// Staggered lists sprints that run before this one in the same pool;
	// conflicts against them are not counted while they run under PoolID.
	Staggered []int64
}

type Config struct {
	DefaultLocation string // "home" when empty
}

type Scheduler struct {
	store     *storage.Store
	validator *compat.Validator
	calc      *schedule.Calculator
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
	cfg       Config
}

func New(store *storage.Store, validator *compat.Validator, calc *schedule.Calculator, cfg Config,
	log logx.Logger, bus eventbus.Bus, now func() time.Time) *Scheduler {
	if strings.TrimSpace(cfg.DefaultLocation) == "" {
		cfg.DefaultLocation = "home"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:     store,
		validator: validator,
		calc:      calc,
		bus:       bus,
		log:       log.With(logx.String("comp", "assign")),
		now:       now,
		cfg:       cfg,
	}
}

// ContentRef names the queue content of one sprint slot.
func ContentRef(sprintID int64, slot int) string {
	return fmt.Sprintf("sprint/%d/slot/%d", sprintID, slot)
}

// CreateAssignment validates, stores and schedules one assignment in a single
// transaction. A start at or before now activates it immediately.
func (s *Scheduler) CreateAssignment(ctx context.Context, accountID, sprintID int64, opts Options) (model.Assignment, error) {
	var verr model.ValidationError
	if accountID <= 0 {
		verr.Add("account_id", "must be positive")
	}
	if sprintID <= 0 {
		verr.Add("sprint_id", "must be positive")
	}
	if err := verr.OrNil(); err != nil {
		return model.Assignment{}, err
	}

	now := s.now()
	start := opts.StartDate
	if start.IsZero() {
		start = now
	}

	var a model.Assignment
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if !opts.SkipValidation {
			res, err := s.validator.ValidateWith(ctx, q, accountID, sprintID)
			if err != nil {
				return err
			}
			if opts.PoolID != nil {
				res = res.Excluding(*opts.PoolID, opts.Staggered)
			}
			if !res.IsValid {
				if !opts.ForceOverride {
					return res.Error("create assignment")
				}
				s.log.Warn("assignment forced past failed validation",
					logx.Int64("account_id", accountID),
					logx.Int64("sprint_id", sprintID),
					logx.Any("reasons", res.Reasons()),
				)
			}
		} else if _, err := q.GetAccount(ctx, accountID); err != nil {
			return err
		}
		sprint, err := q.GetSprint(ctx, sprintID)
		if err != nil {
			return err
		}

		a, err = q.InsertAssignment(ctx, model.Assignment{
			AccountID: accountID,
			SprintID:  sprintID,
			PoolID:    opts.PoolID,
			Status:    model.AssignmentScheduled,
			StartDate: start,
		}, now)
		if err != nil {
			return err
		}
		if _, err := q.EnsureAccountState(ctx, accountID, s.cfg.DefaultLocation, now); err != nil {
			return err
		}
		if _, err := queue.InsertItems(ctx, q, s.itemsFor(a, s.calc.Calculate(sprint, start)), now); err != nil {
			return err
		}
		if !start.After(now) {
			if err := s.activate(ctx, q, a.ID, sprint, now); err != nil {
				return err
			}
		}
		a, err = q.GetAssignment(ctx, a.ID)
		return err
	})
	if err != nil {
		return a, err
	}
	s.log.Info("assignment created",
		logx.Int64("assignment_id", a.ID),
		logx.Int64("account_id", accountID),
		logx.Int64("sprint_id", sprintID),
		logx.String("status", string(a.Status)),
		logx.Time("start", start),
	)
	s.publish(a)
	return a, nil
}

func (s *Scheduler) itemsFor(a model.Assignment, sched schedule.Schedule) []model.QueueItem {
	items := make([]model.QueueItem, 0, len(sched.Items))
	for _, it := range sched.Items {
		id := a.ID
		items = append(items, model.QueueItem{
			AccountID:    a.AccountID,
			AssignmentID: &id,
			SlotIndex:    it.SlotIndex,
			ContentRef:   ContentRef(a.SprintID, it.SlotIndex),
			ScheduledAt:  it.ScheduledAt,
			ContentType:  it.ContentType,
			Status:       model.QueueQueued,
			Priority:     model.PriorityNormal,
		})
	}
	return items
}

// activate marks the assignment active, adds the sprint to the account's
// active set and moves the account to the sprint's location.
func (s *Scheduler) activate(ctx context.Context, q *storage.Queries, assignmentID int64, sprint model.Sprint, now time.Time) error {
	a, err := q.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	a.Status = model.AssignmentActive
	a.PauseReason = model.PauseNone
	if err := q.UpdateAssignment(ctx, a); err != nil {
		return err
	}
	st, err := q.EnsureAccountState(ctx, a.AccountID, s.cfg.DefaultLocation, now)
	if err != nil {
		return err
	}
	st.AddActiveSprint(sprint.ID)
	if sprint.HasLocation() {
		st.CurrentLocation = sprint.Location
	}
	return q.SaveAccountState(ctx, st, now)
}

// ActivateDue activates scheduled assignments whose start has arrived.
func (s *Scheduler) ActivateDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListAssignments(ctx, storage.AssignmentFilter{
		Statuses:    []model.AssignmentStatus{model.AssignmentScheduled},
		StartBefore: &now,
	})
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, cand := range due {
		var a model.Assignment
		err := s.store.WithTx(ctx, func(q *storage.Queries) error {
			cur, err := q.GetAssignment(ctx, cand.ID)
			if err != nil {
				return err
			}
			if cur.Status != model.AssignmentScheduled {
				return nil
			}
			sprint, err := q.GetSprint(ctx, cur.SprintID)
			if err != nil {
				return err
			}
			if err := s.activate(ctx, q, cur.ID, sprint, now); err != nil {
				return err
			}
			a, err = q.GetAssignment(ctx, cur.ID)
			return err
		})
		if err != nil {
			s.log.Error("activate assignment failed", logx.Int64("assignment_id", cand.ID), logx.Err(err))
			continue
		}
		if a.ID != 0 {
			activated++
			s.publish(a)
		}
	}
	if activated > 0 {
		s.log.Info("activated due assignments", logx.Int("count", activated))
	}
	return activated, nil
}

func (s *Scheduler) Get(ctx context.Context, id int64) (model.Assignment, error) {
	return s.store.GetAssignment(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, f storage.AssignmentFilter) ([]model.Assignment, error) {
	return s.store.ListAssignments(ctx, f)
}

func (s *Scheduler) publish(a model.Assignment) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.AssignmentChanged,
		Time: s.now(),
		Data: eventbus.AssignmentChange{
			AssignmentID: a.ID,
			AccountID:    a.AccountID,
			SprintID:     a.SprintID,
			Status:       string(a.Status),
		},
	})
}

package assign

import (
	"context"
	"time"

	"postplan/internal/eventbus"
	"postplan/internal/model"
	"postplan/internal/queue"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

// PauseAssignment stops an active or scheduled assignment: its queued, failed
// and in-flight items are cancelled and the sprint leaves the account's active
// set.
func (s *Scheduler) PauseAssignment(ctx context.Context, id int64, reason model.PauseReason) (model.Assignment, error) {
	if reason == model.PauseNone {
		reason = model.PauseManual
	}
	now := s.now()
	var a model.Assignment
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		a, err = s.PauseIn(ctx, q, id, reason, now)
		return err
	})
	if err != nil {
		return a, err
	}
	s.log.Info("assignment paused", logx.Int64("assignment_id", id), logx.String("reason", string(reason)))
	s.publish(a)
	return a, nil
}

// PauseIn is PauseAssignment on the caller's transaction.
func (s *Scheduler) PauseIn(ctx context.Context, q *storage.Queries, id int64, reason model.PauseReason, now time.Time) (model.Assignment, error) {
	a, err := q.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status != model.AssignmentActive && a.Status != model.AssignmentScheduled {
		return a, model.Conflict("pause", "assignment", id, "assignment is %s", a.Status)
	}
	if _, err := queue.CancelAssignmentItems(ctx, q, id, "assignment paused", now); err != nil {
		return a, err
	}
	st, err := q.EnsureAccountState(ctx, a.AccountID, s.cfg.DefaultLocation, now)
	if err != nil {
		return a, err
	}
	st.RemoveActiveSprint(a.SprintID)
	if err := q.SaveAccountState(ctx, st, now); err != nil {
		return a, err
	}
	a.Status = model.AssignmentPaused
	a.PauseReason = reason
	a.NextContentDue = nil
	return a, q.UpdateAssignment(ctx, a)
}

// ResumeAssignment restarts a paused assignment. Remaining slots (order index
// above the progress cursor) get a fresh schedule anchored at now; the original
// absolute times are not restored.
func (s *Scheduler) ResumeAssignment(ctx context.Context, id int64) (model.Assignment, error) {
	now := s.now()
	var a model.Assignment
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		a, err = s.ResumeIn(ctx, q, id, now)
		return err
	})
	if err != nil {
		return a, err
	}
	s.log.Info("assignment resumed", logx.Int64("assignment_id", id), logx.String("status", string(a.Status)))
	s.publish(a)
	return a, nil
}

// ResumeIn is ResumeAssignment on the caller's transaction. An assignment with
// no slots left completes instead.
func (s *Scheduler) ResumeIn(ctx context.Context, q *storage.Queries, id int64, now time.Time) (model.Assignment, error) {
	a, err := q.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status != model.AssignmentPaused {
		return a, model.Conflict("resume", "assignment", id, "assignment is %s", a.Status)
	}
	sprint, err := q.GetSprint(ctx, a.SprintID)
	if err != nil {
		return a, err
	}
	sched := s.calc.CalculateFrom(sprint, a.CurrentContentIndex, now)
	if len(sched.Items) == 0 {
		return s.CompleteIn(ctx, q, id, now)
	}
	if _, err := queue.InsertItems(ctx, q, s.itemsFor(a, sched), now); err != nil {
		return a, err
	}
	if err := s.activate(ctx, q, id, sprint, now); err != nil {
		return a, err
	}
	return q.GetAssignment(ctx, id)
}

// CompleteAssignment closes an assignment and starts the account's cooldown.
func (s *Scheduler) CompleteAssignment(ctx context.Context, id int64) (model.Assignment, error) {
	now := s.now()
	var a model.Assignment
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		a, err = s.CompleteIn(ctx, q, id, now)
		return err
	})
	if err != nil {
		return a, err
	}
	s.log.Info("assignment completed", logx.Int64("assignment_id", id), logx.Int64("account_id", a.AccountID))
	s.publish(a)
	return a, nil
}

// CompleteIn is CompleteAssignment on the caller's transaction. Open items are
// cancelled and cooldown_until becomes now + the sprint's cooldown hours (an
// existing later cooldown is kept).
func (s *Scheduler) CompleteIn(ctx context.Context, q *storage.Queries, id int64, now time.Time) (model.Assignment, error) {
	return queue.Complete(ctx, q, id, s.cfg.DefaultLocation, now)
}

// HandlePosted is the device collaborator's success callback. It shares its
// path with queue.Service.MarkPosted: the item is posted, the assignment cursor
// advances, the assignment completes after its last slot and the emergency flag
// clears once no emergency content is pending.
func (s *Scheduler) HandlePosted(ctx context.Context, itemID int64) (model.QueueItem, error) {
	it, from, completed, err := queue.PostAndSettle(ctx, s.store, itemID, s.cfg.DefaultLocation, s.now())
	if err != nil {
		return it, err
	}
	s.publishItem(it, from)
	if completed != nil {
		s.log.Info("assignment completed after final slot",
			logx.Int64("assignment_id", completed.ID),
			logx.Int64("account_id", completed.AccountID),
		)
		s.publish(*completed)
	}
	return it, nil
}

// HandleFailed is the device collaborator's failure callback.
func (s *Scheduler) HandleFailed(ctx context.Context, itemID int64, msg string) (model.QueueItem, error) {
	now := s.now()
	var it model.QueueItem
	var from model.QueueStatus
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		it, from, err = queue.Fail(ctx, q, itemID, msg, now)
		return err
	})
	if err != nil {
		return it, err
	}
	s.log.Warn("posting failed",
		logx.Int64("item_id", itemID),
		logx.Int64("account_id", it.AccountID),
		logx.String("error", msg),
	)
	s.publishItem(it, from)
	return it, nil
}

func (s *Scheduler) publishItem(it model.QueueItem, from model.QueueStatus) {
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

package queue

import (
	"context"
	"time"

	"postplan/internal/model"
	"postplan/internal/storage"
)

// Transaction-level helpers. They run on the caller's *storage.Queries so other
// components can compose queue mutations with their own writes in one unit of work.

// InsertItems stores items and refreshes next_content_due of every assignment they belong to.
func InsertItems(ctx context.Context, q *storage.Queries, items []model.QueueItem, now time.Time) ([]model.QueueItem, error) {
	out, err := q.InsertQueueItems(ctx, items, now)
	if err != nil {
		return nil, err
	}
	if err := refreshAll(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelAssignmentItems cancels every open (queued, failed or retrying) item of
// an assignment and clears its next due time. Nothing of a stopped assignment is
// left for the retry pass to bring back.
func CancelAssignmentItems(ctx context.Context, q *storage.Queries, assignmentID int64, reason string, now time.Time) (int64, error) {
	n, err := q.CancelOpenForAssignment(ctx, assignmentID, reason, now)
	if err != nil {
		return 0, err
	}
	return n, RefreshNextDue(ctx, q, assignmentID)
}

// RefreshNextDue recomputes the cached minimum queued time of an assignment.
func RefreshNextDue(ctx context.Context, q *storage.Queries, assignmentID int64) error {
	due, err := q.MinQueuedTime(ctx, assignmentID)
	if err != nil {
		return err
	}
	return q.SetNextContentDue(ctx, assignmentID, due)
}

func refreshAll(ctx context.Context, q *storage.Queries, items []model.QueueItem) error {
	seen := map[int64]bool{}
	for _, it := range items {
		if it.AssignmentID == nil || seen[*it.AssignmentID] {
			continue
		}
		seen[*it.AssignmentID] = true
		if err := RefreshNextDue(ctx, q, *it.AssignmentID); err != nil {
			return err
		}
	}
	return nil
}

// Reanchor pushes the account's queued non-emergency items scheduled at or after
// anchor so that the first sits at least gap after anchor and each later one stays
// strictly after its predecessor. Items are never moved earlier.
// It returns the number of items moved.
func Reanchor(ctx context.Context, q *storage.Queries, accountID int64, anchor time.Time, gap time.Duration, now time.Time) (int, error) {
	no := false
	items, err := q.ListQueueItems(ctx, storage.QueueFilter{
		AccountID: accountID,
		Statuses:  []model.QueueStatus{model.QueueQueued},
		Emergency: &no,
		From:      &anchor,
	})
	if err != nil {
		return 0, err
	}
	floor := anchor.Add(gap)
	var moved []model.QueueItem
	for _, it := range items {
		next := it.ScheduledAt
		if next.Before(floor) {
			next = floor
		}
		if !next.Equal(it.ScheduledAt) {
			it.ScheduledAt = next
			if err := q.UpdateQueueItem(ctx, it, now); err != nil {
				return 0, err
			}
			moved = append(moved, it)
		}
		floor = next.Add(time.Minute)
	}
	return len(moved), refreshAll(ctx, q, moved)
}

// CancelWindow cancels the account's queued non-emergency items scheduled within
// [center-window, center+window]. It returns the cancelled items.
func CancelWindow(ctx context.Context, q *storage.Queries, accountID int64, center time.Time, window time.Duration, reason string, now time.Time) ([]model.QueueItem, error) {
	no := false
	from, to := center.Add(-window), center.Add(window)
	items, err := q.ListQueueItems(ctx, storage.QueueFilter{
		AccountID: accountID,
		Statuses:  []model.QueueStatus{model.QueueQueued},
		Emergency: &no,
		From:      &from,
		To:        &to,
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Status = model.QueueCancelled
		items[i].ErrorMessage = reason
		if err := q.UpdateQueueItem(ctx, items[i], now); err != nil {
			return nil, err
		}
	}
	return items, refreshAll(ctx, q, items)
}

// Post moves a queued or retrying item to posted and advances its assignment cursor.
func Post(ctx context.Context, q *storage.Queries, id int64, now time.Time) (model.QueueItem, model.QueueStatus, error) {
	it, err := q.GetQueueItem(ctx, id)
	if err != nil {
		return it, "", err
	}
	from := it.Status
	if from != model.QueueQueued && from != model.QueueRetrying {
		return it, from, model.Conflict("mark posted", "queue item", id, "item is %s", from)
	}
	it.Status = model.QueuePosted
	it.PostedAt = &now
	it.ErrorMessage = ""
	if err := q.UpdateQueueItem(ctx, it, now); err != nil {
		return it, from, err
	}
	if it.AssignmentID != nil {
		a, err := q.GetAssignment(ctx, *it.AssignmentID)
		if err != nil {
			return it, from, err
		}
		if it.SlotIndex > a.CurrentContentIndex {
			a.CurrentContentIndex = it.SlotIndex
			if err := q.UpdateAssignment(ctx, a); err != nil {
				return it, from, err
			}
		}
		if err := RefreshNextDue(ctx, q, a.ID); err != nil {
			return it, from, err
		}
	}
	return it, from, nil
}

// Fail records a failed posting attempt on a queued or retrying item.
func Fail(ctx context.Context, q *storage.Queries, id int64, msg string, now time.Time) (model.QueueItem, model.QueueStatus, error) {
	it, err := q.GetQueueItem(ctx, id)
	if err != nil {
		return it, "", err
	}
	from := it.Status
	if from != model.QueueQueued && from != model.QueueRetrying {
		return it, from, model.Conflict("mark failed", "queue item", id, "item is %s", from)
	}
	it.Status = model.QueueFailed
	it.ErrorMessage = msg
	it.FailedAt = &now
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

// Settle applies what a successful post implies beyond the item: the
// assignment completes after its final slot, and the account's emergency flag
// clears once no emergency content is pending. It returns the completed
// assignment, if any.
func Settle(ctx context.Context, q *storage.Queries, it model.QueueItem, defaultLocation string, now time.Time) (*model.Assignment, error) {
	var completed *model.Assignment
	if it.AssignmentID != nil {
		a, err := q.GetAssignment(ctx, *it.AssignmentID)
		if err != nil {
			return nil, err
		}
		sprint, err := q.GetSprint(ctx, a.SprintID)
		if err != nil {
			return nil, err
		}
		if a.Status.Live() && a.CurrentContentIndex >= sprint.LastOrderIndex() {
			done, err := Complete(ctx, q, a.ID, defaultLocation, now)
			if err != nil {
				return nil, err
			}
			completed = &done
		}
	}
	if it.Emergency {
		if err := ClearEmergencyIfDone(ctx, q, it.AccountID, now); err != nil {
			return completed, err
		}
	}
	return completed, nil
}

// Complete closes a live assignment. Its open items are cancelled, the sprint
// leaves the account's active set and cooldown_until becomes now + the
// sprint's cooldown hours (an existing later cooldown is kept).
func Complete(ctx context.Context, q *storage.Queries, id int64, defaultLocation string, now time.Time) (model.Assignment, error) {
	a, err := q.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if !a.Status.Live() {
		return a, model.Conflict("complete", "assignment", id, "assignment is already completed")
	}
	sprint, err := q.GetSprint(ctx, a.SprintID)
	if err != nil {
		return a, err
	}
	if _, err := CancelAssignmentItems(ctx, q, id, "assignment completed", now); err != nil {
		return a, err
	}
	st, err := q.EnsureAccountState(ctx, a.AccountID, defaultLocation, now)
	if err != nil {
		return a, err
	}
	st.RemoveActiveSprint(a.SprintID)
	until := now.Add(time.Duration(sprint.CooldownHours) * time.Hour)
	if st.CooldownUntil == nil || until.After(*st.CooldownUntil) {
		st.CooldownUntil = &until
	}
	if err := q.SaveAccountState(ctx, st, now); err != nil {
		return a, err
	}
	a.Status = model.AssignmentCompleted
	a.PauseReason = model.PauseNone
	a.NextContentDue = nil
	a.CompletedAt = &now
	return a, q.UpdateAssignment(ctx, a)
}

// ClearEmergencyIfDone drops the account's emergency flag when no emergency
// item is queued or in flight.
func ClearEmergencyIfDone(ctx context.Context, q *storage.Queries, accountID int64, now time.Time) error {
	pending, err := q.CountQueuedEmergency(ctx, accountID)
	if err != nil || pending > 0 {
		return err
	}
	st, ok, err := q.GetAccountState(ctx, accountID)
	if err != nil || !ok || !st.EmergencyActive {
		return err
	}
	st.EmergencyActive = false
	return q.SaveAccountState(ctx, st, now)
}

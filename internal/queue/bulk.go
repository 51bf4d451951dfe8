package queue

import (
	"context"
	"fmt"
	"time"

	"postplan/internal/model"
	"postplan/internal/storage"
)

type BulkKind string

const (
	BulkRemove     BulkKind = "remove"
	BulkRetry      BulkKind = "retry"
	BulkReschedule BulkKind = "reschedule"
	BulkShift      BulkKind = "shift"
)

// BulkAction is applied to every item of a BulkUpdate. At is used by
// reschedule; Shift moves each item relative to its current time.
type BulkAction struct {
	Kind  BulkKind
	At    time.Time
	Shift time.Duration
}

func (a BulkAction) validate() error {
	var verr model.ValidationError
	switch a.Kind {
	case BulkRemove, BulkRetry:
	case BulkReschedule:
		if a.At.IsZero() {
			verr.Add("at", "required for reschedule")
		}
	case BulkShift:
		if a.Shift == 0 {
			verr.Add("shift", "required for shift")
		}
	default:
		verr.Add("kind", "unknown bulk action %q", a.Kind)
	}
	return verr.OrNil()
}

type ItemResult struct {
	ID   int64
	OK   bool
	Item model.QueueItem
	Err  error
}

// BulkUpdate applies the action to each item in its own transaction and reports
// per-item outcomes; one failure never undoes another item's success.
func (s *Service) BulkUpdate(ctx context.Context, ids []int64, action BulkAction) ([]ItemResult, error) {
	if err := action.validate(); err != nil {
		return nil, err
	}
	out := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		var it model.QueueItem
		var from model.QueueStatus
		now := s.now()
		err := s.store.WithTx(ctx, func(q *storage.Queries) error {
			var err error
			switch action.Kind {
			case BulkRemove:
				it, from, err = remove(ctx, q, id, now)
			case BulkRetry:
				from = model.QueueFailed
				it, err = s.retry(ctx, q, id, now)
			case BulkReschedule:
				from = model.QueueQueued
				it, err = reschedule(ctx, q, id, action.At, now)
			case BulkShift:
				from = model.QueueQueued
				var cur model.QueueItem
				if cur, err = q.GetQueueItem(ctx, id); err != nil {
					return err
				}
				it, err = reschedule(ctx, q, id, cur.ScheduledAt.Add(action.Shift), now)
			default:
				err = fmt.Errorf("unhandled bulk action %q", action.Kind)
			}
			return err
		})
		if err != nil {
			out = append(out, ItemResult{ID: id, Err: err})
			continue
		}
		s.publish(it, from)
		out = append(out, ItemResult{ID: id, OK: true, Item: it})
	}
	return out, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"postplan/internal/model"
)

const queueColumns = `id, account_id, assignment_id, slot_index, content_ref, scheduled_at, content_type, status,
	emergency, emergency_strategy, priority, retry_count, error_message, posted_at, failed_at, created_at, updated_at`

func scanQueueItem(row interface{ Scan(...any) error }) (model.QueueItem, error) {
	var it model.QueueItem
	var assignment, posted, failed sql.NullInt64
	var scheduled, created, updated int64
	var ctype, status string
	var emergency int
	if err := row.Scan(&it.ID, &it.AccountID, &assignment, &it.SlotIndex, &it.ContentRef, &scheduled, &ctype, &status,
		&emergency, &it.EmergencyStrategy, &it.Priority, &it.RetryCount, &it.ErrorMessage, &posted, &failed,
		&created, &updated); err != nil {
		return it, err
	}
	it.AssignmentID = int64Ptr(assignment)
	it.ScheduledAt = fromMillis(scheduled)
	it.ContentType = model.ContentCategory(ctype)
	it.Status = model.QueueStatus(status)
	it.Emergency = emergency != 0
	it.PostedAt = timePtr(posted)
	it.FailedAt = timePtr(failed)
	it.CreatedAt = fromMillis(created)
	it.UpdatedAt = fromMillis(updated)
	return it, nil
}

// InsertQueueItems stores items in order and returns them with their ids.
func (q *Queries) InsertQueueItems(ctx context.Context, items []model.QueueItem, now time.Time) ([]model.QueueItem, error) {
	out := make([]model.QueueItem, 0, len(items))
	for _, it := range items {
		if it.Status == "" {
			it.Status = model.QueueQueued
		}
		if it.Priority == 0 {
			it.Priority = model.PriorityNormal
		}
		if it.ContentType == "" {
			it.ContentType = model.CategoryStory
		}
		res, err := q.q.ExecContext(ctx, `
			INSERT INTO content_queue(account_id, assignment_id, slot_index, content_ref, scheduled_at, content_type,
			  status, emergency, emergency_strategy, priority, retry_count, error_message, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			it.AccountID, nullInt64Ptr(it.AssignmentID), it.SlotIndex, it.ContentRef, toMillis(it.ScheduledAt),
			string(it.ContentType), string(it.Status), boolInt(it.Emergency), it.EmergencyStrategy, it.Priority,
			it.RetryCount, it.ErrorMessage, toMillis(now), toMillis(now))
		if err != nil {
			return nil, &model.OpError{Op: "create", Resource: "queue item", Err: err}
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return nil, &model.OpError{Op: "create", Resource: "queue item", Err: err}
		}
		it.ScheduledAt = fromMillis(toMillis(it.ScheduledAt))
		it.CreatedAt = fromMillis(toMillis(now))
		it.UpdatedAt = it.CreatedAt
		out = append(out, it)
	}
	return out, nil
}

func (q *Queries) GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error) {
	it, err := scanQueueItem(q.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM content_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return it, model.NotFound("queue item", id)
	}
	if err != nil {
		return it, &model.OpError{Op: "get", Resource: "queue item", ID: id, Err: err}
	}
	return it, nil
}

// UpdateQueueItem writes the mutable fields of an item.
func (q *Queries) UpdateQueueItem(ctx context.Context, it model.QueueItem, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE content_queue SET scheduled_at=?, status=?, priority=?, retry_count=?, error_message=?,
		  posted_at=?, failed_at=?, updated_at=?
		WHERE id=?`,
		toMillis(it.ScheduledAt), string(it.Status), it.Priority, it.RetryCount, it.ErrorMessage,
		nullMillis(it.PostedAt), nullMillis(it.FailedAt), toMillis(now), it.ID)
	if err != nil {
		return &model.OpError{Op: "update", Resource: "queue item", ID: it.ID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("queue item", it.ID)
	}
	return nil
}

// QueueFilter narrows ListQueueItems; zero fields match everything.
type QueueFilter struct {
	AccountID    int64
	AssignmentID int64
	Statuses     []model.QueueStatus
	ContentType  model.ContentCategory
	Emergency    *bool
	From         *time.Time // scheduled_at >= From
	To           *time.Time // scheduled_at <= To
	ByPriority   bool       // order by priority before scheduled time
	Limit        int
	Offset       int
}

func (q *Queries) ListQueueItems(ctx context.Context, f QueueFilter) ([]model.QueueItem, error) {
	sq := newSelect(queueColumns, "content_queue")
	if f.AccountID > 0 {
		sq.Where("account_id = ?", f.AccountID)
	}
	if f.AssignmentID > 0 {
		sq.Where("assignment_id = ?", f.AssignmentID)
	}
	statuses := make([]any, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	sq.WhereIn("status", statuses...)
	if f.ContentType != "" {
		sq.Where("content_type = ?", string(f.ContentType))
	}
	if f.Emergency != nil {
		sq.Where("emergency = ?", boolInt(*f.Emergency))
	}
	if f.From != nil {
		sq.Where("scheduled_at >= ?", toMillis(*f.From))
	}
	if f.To != nil {
		sq.Where("scheduled_at <= ?", toMillis(*f.To))
	}
	if f.ByPriority {
		sq.OrderBy("priority ASC, scheduled_at ASC, id ASC")
	} else {
		sq.OrderBy("scheduled_at ASC, id ASC")
	}
	query, args := sq.Page(f.Limit, f.Offset).Build()

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.OpError{Op: "list", Resource: "queue item", Err: err}
	}
	defer rows.Close()
	var out []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, &model.OpError{Op: "list", Resource: "queue item", Err: err}
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.OpError{Op: "list", Resource: "queue item", Err: err}
	}
	return out, nil
}

// MinQueuedTime returns the earliest queued scheduled time of an assignment, nil when none is queued.
func (q *Queries) MinQueuedTime(ctx context.Context, assignmentID int64) (*time.Time, error) {
	var v sql.NullInt64
	err := q.q.QueryRowContext(ctx, `
		SELECT MIN(scheduled_at) FROM content_queue WHERE assignment_id = ? AND status = 'queued'`, assignmentID).Scan(&v)
	if err != nil {
		return nil, &model.OpError{Op: "min queued", Resource: "queue item", ID: assignmentID, Err: err}
	}
	return timePtr(v), nil
}

// NextQueuedForAccount returns the earliest queued scheduled time of an account, nil when the queue is empty.
func (q *Queries) NextQueuedForAccount(ctx context.Context, accountID int64) (*time.Time, error) {
	var v sql.NullInt64
	err := q.q.QueryRowContext(ctx, `
		SELECT MIN(scheduled_at) FROM content_queue WHERE account_id = ? AND status = 'queued'`, accountID).Scan(&v)
	if err != nil {
		return nil, &model.OpError{Op: "next queued", Resource: "queue item", ID: accountID, Err: err}
	}
	return timePtr(v), nil
}

// CancelOpenForAssignment cancels every queued, failed or retrying item of an
// assignment and returns how many changed. Queued items get reason as their
// message; failed and retrying items keep the error they already carry.
func (q *Queries) CancelOpenForAssignment(ctx context.Context, assignmentID int64, reason string, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE content_queue
		SET error_message = CASE WHEN status = 'queued' OR error_message = '' THEN ? ELSE error_message END,
		    status = 'cancelled', updated_at = ?
		WHERE assignment_id = ? AND status IN ('queued','failed','retrying')`, reason, toMillis(now), assignmentID)
	if err != nil {
		return 0, &model.OpError{Op: "cancel", Resource: "queue item", ID: assignmentID, Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountQueuedEmergency counts queued or in-flight emergency items of an account.
func (q *Queries) CountQueuedEmergency(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM content_queue
		WHERE account_id = ? AND emergency = 1 AND status IN ('queued','retrying')`, accountID).Scan(&n)
	if err != nil {
		return 0, &model.OpError{Op: "count", Resource: "queue item", ID: accountID, Err: err}
	}
	return n, nil
}

// QueueCounts are the raw numbers behind the health view.
type QueueCounts struct {
	Queued     int
	Retrying   int
	Failed     int
	Overdue    int
	Posted24h  int
	Failed24h  int
	Cancelled  int
	PostedEver int
}

// CountQueue computes counters for the whole queue, or for one account when accountID > 0.
func (q *Queries) CountQueue(ctx context.Context, accountID int64, now time.Time) (QueueCounts, error) {
	var c QueueCounts
	since := toMillis(now.Add(-24 * time.Hour))
	query := `
		SELECT
		  COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'retrying' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'queued' AND scheduled_at < ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'posted' AND posted_at >= ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN failed_at IS NOT NULL AND failed_at >= ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'posted' THEN 1 ELSE 0 END), 0)
		FROM content_queue`
	args := []any{toMillis(now), since, since}
	if accountID > 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	err := q.q.QueryRowContext(ctx, query, args...).Scan(&c.Queued, &c.Retrying, &c.Failed, &c.Overdue,
		&c.Posted24h, &c.Failed24h, &c.Cancelled, &c.PostedEver)
	if err != nil {
		return c, &model.OpError{Op: "count", Resource: "queue item", ID: accountID, Err: err}
	}
	return c, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"postplan/internal/model"
)

const assignmentColumns = `id, account_id, sprint_id, pool_id, status, start_date, current_content_index,
	next_content_due, pause_reason, created_at, completed_at`

func scanAssignment(row interface{ Scan(...any) error }) (model.Assignment, error) {
	var a model.Assignment
	var pool, next, completed sql.NullInt64
	var status, reason string
	var start, created int64
	if err := row.Scan(&a.ID, &a.AccountID, &a.SprintID, &pool, &status, &start, &a.CurrentContentIndex,
		&next, &reason, &created, &completed); err != nil {
		return a, err
	}
	a.PoolID = int64Ptr(pool)
	a.Status = model.AssignmentStatus(status)
	a.StartDate = fromMillis(start)
	a.NextContentDue = timePtr(next)
	a.PauseReason = model.PauseReason(reason)
	a.CreatedAt = fromMillis(created)
	a.CompletedAt = timePtr(completed)
	return a, nil
}

// InsertAssignment stores a new assignment and returns it with its id.
func (q *Queries) InsertAssignment(ctx context.Context, a model.Assignment, now time.Time) (model.Assignment, error) {
	if a.Status == "" {
		a.Status = model.AssignmentScheduled
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO sprint_assignments(account_id, sprint_id, pool_id, status, start_date, current_content_index,
		  next_content_due, pause_reason, created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		a.AccountID, a.SprintID, nullInt64Ptr(a.PoolID), string(a.Status), toMillis(a.StartDate), a.CurrentContentIndex,
		nullMillis(a.NextContentDue), string(a.PauseReason), toMillis(now))
	if err != nil {
		return a, &model.OpError{Op: "create", Resource: "assignment", Err: err}
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return a, &model.OpError{Op: "create", Resource: "assignment", Err: err}
	}
	a.StartDate = fromMillis(toMillis(a.StartDate))
	a.CreatedAt = fromMillis(toMillis(now))
	return a, nil
}

func (q *Queries) GetAssignment(ctx context.Context, id int64) (model.Assignment, error) {
	a, err := scanAssignment(q.q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM sprint_assignments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, model.NotFound("assignment", id)
	}
	if err != nil {
		return a, &model.OpError{Op: "get", Resource: "assignment", ID: id, Err: err}
	}
	return a, nil
}

// UpdateAssignment writes the mutable lifecycle fields.
func (q *Queries) UpdateAssignment(ctx context.Context, a model.Assignment) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE sprint_assignments SET status=?, start_date=?, current_content_index=?, next_content_due=?,
		  pause_reason=?, completed_at=?
		WHERE id=?`,
		string(a.Status), toMillis(a.StartDate), a.CurrentContentIndex, nullMillis(a.NextContentDue),
		string(a.PauseReason), nullMillis(a.CompletedAt), a.ID)
	if err != nil {
		return &model.OpError{Op: "update", Resource: "assignment", ID: a.ID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("assignment", a.ID)
	}
	return nil
}

// SetNextContentDue stores the next due time, nil clears it.
func (q *Queries) SetNextContentDue(ctx context.Context, id int64, due *time.Time) error {
	_, err := q.q.ExecContext(ctx, `UPDATE sprint_assignments SET next_content_due = ? WHERE id = ?`, nullMillis(due), id)
	if err != nil {
		return &model.OpError{Op: "update", Resource: "assignment", ID: id, Err: err}
	}
	return nil
}

// AssignmentFilter narrows ListAssignments; zero fields match everything.
type AssignmentFilter struct {
	AccountID int64
	SprintID  int64
	PoolID    int64
	Statuses  []model.AssignmentStatus
	// StartBefore matches assignments whose start date is at or before the instant.
	StartBefore *time.Time
	Limit       int
	Offset      int
}

func (q *Queries) ListAssignments(ctx context.Context, f AssignmentFilter) ([]model.Assignment, error) {
	sq := newSelect(assignmentColumns, "sprint_assignments")
	if f.AccountID > 0 {
		sq.Where("account_id = ?", f.AccountID)
	}
	if f.SprintID > 0 {
		sq.Where("sprint_id = ?", f.SprintID)
	}
	if f.PoolID > 0 {
		sq.Where("pool_id = ?", f.PoolID)
	}
	statuses := make([]any, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	sq.WhereIn("status", statuses...)
	if f.StartBefore != nil {
		sq.Where("start_date <= ?", toMillis(*f.StartBefore))
	}
	query, args := sq.OrderBy("start_date ASC, id ASC").Page(f.Limit, f.Offset).Build()

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.OpError{Op: "list", Resource: "assignment", Err: err}
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, &model.OpError{Op: "list", Resource: "assignment", Err: err}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.OpError{Op: "list", Resource: "assignment", Err: err}
	}
	return out, nil
}

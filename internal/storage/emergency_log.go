package storage

import (
	"context"
	"database/sql"

	"postplan/internal/model"
)

// AppendEmergencyLog appends outcome records. Entries are never updated.
func (q *Queries) AppendEmergencyLog(ctx context.Context, entries []model.EmergencyLogEntry) error {
	for _, e := range entries {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO emergency_log(batch_id, account_id, content_ref, strategy, priority, outcome, reason,
			  queue_item_id, took_ms, at)
			VALUES(?,?,?,?,?,?,?,?,?,?)`,
			e.BatchID, e.AccountID, e.ContentRef, e.Strategy, e.Priority, string(e.Outcome), e.Reason,
			nullInt64Ptr(e.QueueItemID), e.TookMS, toMillis(e.At))
		if err != nil {
			return &model.OpError{Op: "append", Resource: "emergency log", ID: e.AccountID, Err: err}
		}
	}
	return nil
}

// ListEmergencyLog returns a batch's entries in insertion order; an empty batch id lists everything.
func (q *Queries) ListEmergencyLog(ctx context.Context, batchID string, limit int) ([]model.EmergencyLogEntry, error) {
	sq := newSelect(`id, batch_id, account_id, content_ref, strategy, priority, outcome, reason, queue_item_id, took_ms, at`, "emergency_log")
	if batchID != "" {
		sq.Where("batch_id = ?", batchID)
	}
	query, args := sq.OrderBy("id ASC").Page(limit, 0).Build()
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.OpError{Op: "list", Resource: "emergency log", Err: err}
	}
	defer rows.Close()
	var out []model.EmergencyLogEntry
	for rows.Next() {
		var e model.EmergencyLogEntry
		var outcome string
		var item sql.NullInt64
		var at int64
		if err := rows.Scan(&e.ID, &e.BatchID, &e.AccountID, &e.ContentRef, &e.Strategy, &e.Priority, &outcome,
			&e.Reason, &item, &e.TookMS, &at); err != nil {
			return nil, &model.OpError{Op: "list", Resource: "emergency log", Err: err}
		}
		e.Outcome = model.EmergencyOutcome(outcome)
		e.QueueItemID = int64Ptr(item)
		e.At = fromMillis(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.OpError{Op: "list", Resource: "emergency log", Err: err}
	}
	return out, nil
}

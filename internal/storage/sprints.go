package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"postplan/internal/model"
)

const sprintColumns = `id, name, type, location, available_months, max_content_items, cooldown_hours,
	blocks_sprint_ids, blocks_highlight_group_ids, calculated_duration_hours, created_at, updated_at`

func scanSprint(row interface{ Scan(...any) error }) (model.Sprint, error) {
	var s model.Sprint
	var loc sql.NullString
	var months, blocks, groups string
	var created, updated int64
	if err := row.Scan(&s.ID, &s.Name, &s.Type, &loc, &months, &s.MaxContentItems, &s.CooldownHours,
		&blocks, &groups, &s.CalculatedDurationHours, &created, &updated); err != nil {
		return s, err
	}
	s.Location = loc.String
	var err error
	if s.AvailableMonths, err = decodeMonths(months); err != nil {
		return s, err
	}
	if s.BlocksSprintIDs, err = decodeIDs(blocks); err != nil {
		return s, err
	}
	if s.BlocksHighlightGroupIDs, err = decodeIDs(groups); err != nil {
		return s, err
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}

// CreateSprint inserts the sprint and its slots; the returned value carries the assigned ids.
func (q *Queries) CreateSprint(ctx context.Context, s model.Sprint, now time.Time) (model.Sprint, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO sprints(name, type, location, available_months, max_content_items, cooldown_hours,
		  blocks_sprint_ids, blocks_highlight_group_ids, calculated_duration_hours, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		s.Name, s.Type, nullStr(s.Location), encodeMonths(s.AvailableMonths), s.MaxContentItems, s.CooldownHours,
		encodeIDs(s.BlocksSprintIDs), encodeIDs(s.BlocksHighlightGroupIDs), s.CalculatedDurationHours,
		toMillis(now), toMillis(now))
	if err != nil {
		return s, &model.OpError{Op: "create", Resource: "sprint", Err: err}
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return s, &model.OpError{Op: "create", Resource: "sprint", Err: err}
	}
	s.CreatedAt = fromMillis(toMillis(now))
	s.UpdatedAt = s.CreatedAt
	if s.Slots, err = q.insertSlots(ctx, s.ID, s.Slots); err != nil {
		return s, err
	}
	return s, nil
}

func (q *Queries) insertSlots(ctx context.Context, sprintID int64, slots []model.ContentSlot) ([]model.ContentSlot, error) {
	out := make([]model.ContentSlot, 0, len(slots))
	for _, sl := range slots {
		res, err := q.q.ExecContext(ctx, `
			INSERT INTO content_slots(sprint_id, order_index, categories, delay_hours_min, delay_hours_max)
			VALUES(?,?,?,?,?)`, sprintID, sl.OrderIndex, encodeCategories(sl.Categories), sl.DelayHoursMin, sl.DelayHoursMax)
		if err != nil {
			return nil, &model.OpError{Op: "create", Resource: "content slot", ID: sprintID, Err: err}
		}
		sl.ID, _ = res.LastInsertId()
		sl.SprintID = sprintID
		out = append(out, sl)
	}
	return out, nil
}

func (q *Queries) listSlots(ctx context.Context, sprintID int64) ([]model.ContentSlot, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, sprint_id, order_index, categories, delay_hours_min, delay_hours_max
		FROM content_slots WHERE sprint_id = ? ORDER BY order_index ASC`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ContentSlot
	for rows.Next() {
		var sl model.ContentSlot
		var cats string
		if err := rows.Scan(&sl.ID, &sl.SprintID, &sl.OrderIndex, &cats, &sl.DelayHoursMin, &sl.DelayHoursMax); err != nil {
			return nil, err
		}
		if sl.Categories, err = decodeCategories(cats); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// GetSprint loads a sprint with its slots ordered by order index.
func (q *Queries) GetSprint(ctx context.Context, id int64) (model.Sprint, error) {
	s, err := scanSprint(q.q.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, model.NotFound("sprint", id)
	}
	if err != nil {
		return s, &model.OpError{Op: "get", Resource: "sprint", ID: id, Err: err}
	}
	if s.Slots, err = q.listSlots(ctx, id); err != nil {
		return s, &model.OpError{Op: "get", Resource: "sprint", ID: id, Err: err}
	}
	return s, nil
}

// GetSprints loads several sprints keyed by id. Missing ids yield NotFound.
func (q *Queries) GetSprints(ctx context.Context, ids []int64) (map[int64]model.Sprint, error) {
	out := make(map[int64]model.Sprint, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		s, err := q.GetSprint(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = s
	}
	return out, nil
}

// ListSprints returns all sprints ordered by id, slots included.
func (q *Queries) ListSprints(ctx context.Context) ([]model.Sprint, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+sprintColumns+` FROM sprints ORDER BY id ASC`)
	if err != nil {
		return nil, &model.OpError{Op: "list", Resource: "sprint", Err: err}
	}
	var out []model.Sprint
	for rows.Next() {
		s, err := scanSprint(rows)
		if err != nil {
			rows.Close()
			return nil, &model.OpError{Op: "list", Resource: "sprint", Err: err}
		}
		out = append(out, s)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, &model.OpError{Op: "list", Resource: "sprint", Err: err}
	}
	// Slots are loaded after the cursor is closed; the store runs on one connection.
	for i := range out {
		if out[i].Slots, err = q.listSlots(ctx, out[i].ID); err != nil {
			return nil, &model.OpError{Op: "list", Resource: "sprint", ID: out[i].ID, Err: err}
		}
	}
	return out, nil
}

// SaveSprint overwrites the sprint row and replaces its slots.
func (q *Queries) SaveSprint(ctx context.Context, s model.Sprint, now time.Time) (model.Sprint, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE sprints SET name=?, type=?, location=?, available_months=?, max_content_items=?, cooldown_hours=?,
		  blocks_sprint_ids=?, blocks_highlight_group_ids=?, calculated_duration_hours=?, updated_at=?
		WHERE id=?`,
		s.Name, s.Type, nullStr(s.Location), encodeMonths(s.AvailableMonths), s.MaxContentItems, s.CooldownHours,
		encodeIDs(s.BlocksSprintIDs), encodeIDs(s.BlocksHighlightGroupIDs), s.CalculatedDurationHours,
		toMillis(now), s.ID)
	if err != nil {
		return s, &model.OpError{Op: "update", Resource: "sprint", ID: s.ID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s, model.NotFound("sprint", s.ID)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM content_slots WHERE sprint_id = ?`, s.ID); err != nil {
		return s, &model.OpError{Op: "update", Resource: "sprint", ID: s.ID, Err: fmt.Errorf("clear slots: %w", err)}
	}
	if s.Slots, err = q.insertSlots(ctx, s.ID, s.Slots); err != nil {
		return s, err
	}
	s.UpdatedAt = fromMillis(toMillis(now))
	return s, nil
}

// DeleteSprint removes the sprint, its slots and its (completed) assignment history,
// and strips the id from every pool that lists it.
func (q *Queries) DeleteSprint(ctx context.Context, id int64, now time.Time) error {
	pools, err := q.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		if !slices.Contains(p.SprintIDs, id) {
			continue
		}
		p.SprintIDs = slices.DeleteFunc(p.SprintIDs, func(v int64) bool { return v == id })
		if err := q.SavePool(ctx, p, now); err != nil {
			return err
		}
	}
	res, err := q.q.ExecContext(ctx, `DELETE FROM sprints WHERE id = ?`, id)
	if err != nil {
		return &model.OpError{Op: "delete", Resource: "sprint", ID: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("sprint", id)
	}
	return nil
}

// CountLiveAssignmentsForSprint counts scheduled, active and paused assignments of a sprint.
func (q *Queries) CountLiveAssignmentsForSprint(ctx context.Context, sprintID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sprint_assignments
		WHERE sprint_id = ? AND status IN ('scheduled','active','paused')`, sprintID).Scan(&n)
	if err != nil {
		return 0, &model.OpError{Op: "count", Resource: "assignment", ID: sprintID, Err: err}
	}
	return n, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"postplan/internal/model"
)

const poolColumns = `id, name, description, sprint_ids, strategy, time_horizon_days,
	usage_count, accounts_assigned, last_used_at, created_at, updated_at`

func scanPool(row interface{ Scan(...any) error }) (model.CampaignPool, error) {
	var p model.CampaignPool
	var ids, strategy string
	var lastUsed sql.NullInt64
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &ids, &strategy, &p.TimeHorizonDays,
		&p.UsageCount, &p.AccountsAssigned, &lastUsed, &created, &updated); err != nil {
		return p, err
	}
	var err error
	if p.SprintIDs, err = decodeIDs(ids); err != nil {
		return p, err
	}
	p.Strategy = model.AssignmentStrategy(strategy)
	p.LastUsedAt = timePtr(lastUsed)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (q *Queries) CreatePool(ctx context.Context, p model.CampaignPool, now time.Time) (model.CampaignPool, error) {
	if p.Strategy == "" {
		p.Strategy = model.StrategyRandom
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO campaign_pools(name, description, sprint_ids, strategy, time_horizon_days, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		p.Name, p.Description, encodeIDs(p.SprintIDs), string(p.Strategy), p.TimeHorizonDays, toMillis(now), toMillis(now))
	if err != nil {
		return p, &model.OpError{Op: "create", Resource: "pool", Err: err}
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return p, &model.OpError{Op: "create", Resource: "pool", Err: err}
	}
	p.CreatedAt = fromMillis(toMillis(now))
	p.UpdatedAt = p.CreatedAt
	return p, nil
}

func (q *Queries) GetPool(ctx context.Context, id int64) (model.CampaignPool, error) {
	p, err := scanPool(q.q.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM campaign_pools WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, model.NotFound("pool", id)
	}
	if err != nil {
		return p, &model.OpError{Op: "get", Resource: "pool", ID: id, Err: err}
	}
	return p, nil
}

func (q *Queries) ListPools(ctx context.Context) ([]model.CampaignPool, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+poolColumns+` FROM campaign_pools ORDER BY id ASC`)
	if err != nil {
		return nil, &model.OpError{Op: "list", Resource: "pool", Err: err}
	}
	defer rows.Close()
	var out []model.CampaignPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, &model.OpError{Op: "list", Resource: "pool", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.OpError{Op: "list", Resource: "pool", Err: err}
	}
	return out, nil
}

// SavePool overwrites the editable pool fields.
func (q *Queries) SavePool(ctx context.Context, p model.CampaignPool, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE campaign_pools SET name=?, description=?, sprint_ids=?, strategy=?, time_horizon_days=?, updated_at=?
		WHERE id=?`,
		p.Name, p.Description, encodeIDs(p.SprintIDs), string(p.Strategy), p.TimeHorizonDays, toMillis(now), p.ID)
	if err != nil {
		return &model.OpError{Op: "update", Resource: "pool", ID: p.ID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("pool", p.ID)
	}
	return nil
}

func (q *Queries) DeletePool(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM campaign_pools WHERE id = ?`, id)
	if err != nil {
		return &model.OpError{Op: "delete", Resource: "pool", ID: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("pool", id)
	}
	return nil
}

// CountLiveAssignmentsForPool counts scheduled, active and paused assignments created from a pool.
func (q *Queries) CountLiveAssignmentsForPool(ctx context.Context, poolID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sprint_assignments
		WHERE pool_id = ? AND status IN ('scheduled','active','paused')`, poolID).Scan(&n)
	if err != nil {
		return 0, &model.OpError{Op: "count", Resource: "assignment", ID: poolID, Err: err}
	}
	return n, nil
}

// RecordPoolUsage bumps usage counters after a bulk assignment with at least one success.
func (q *Queries) RecordPoolUsage(ctx context.Context, poolID int64, accounts int, now time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE campaign_pools SET usage_count = usage_count + 1, accounts_assigned = accounts_assigned + ?,
		  last_used_at = ?, updated_at = ?
		WHERE id = ?`, accounts, toMillis(now), toMillis(now), poolID)
	if err != nil {
		return &model.OpError{Op: "record usage", Resource: "pool", ID: poolID, Err: err}
	}
	return nil
}

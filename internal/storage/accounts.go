package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"postplan/internal/model"
)

// UpsertAccount records the eligibility-relevant fields of an account.
func (q *Queries) UpsertAccount(ctx context.Context, a model.Account) error {
	status := a.Status
	if status == "" {
		status = model.AccountActive
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts(id, username, status, warmup_completed) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET username=excluded.username, status=excluded.status, warmup_completed=excluded.warmup_completed`,
		a.ID, a.Username, string(status), boolInt(a.WarmupCompleted))
	if err != nil {
		return &model.OpError{Op: "upsert", Resource: "account", ID: a.ID, Err: err}
	}
	return nil
}

func (q *Queries) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	var a model.Account
	var status string
	var warm int
	err := q.q.QueryRowContext(ctx, `SELECT id, username, status, warmup_completed FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Username, &status, &warm)
	if errors.Is(err, sql.ErrNoRows) {
		return a, model.NotFound("account", id)
	}
	if err != nil {
		return a, &model.OpError{Op: "get", Resource: "account", ID: id, Err: err}
	}
	a.Status = model.AccountStatus(status)
	a.WarmupCompleted = warm != 0
	return a, nil
}

// AccountLoad is an eligible account with its number of live assignments.
type AccountLoad struct {
	Account           model.Account
	ActiveAssignments int
}

// ListEligibleAccounts returns active, warmed-up accounts ordered by id.
// With respectCooldown, accounts whose cooldown window is still open at now are excluded.
func (q *Queries) ListEligibleAccounts(ctx context.Context, respectCooldown bool, now time.Time) ([]AccountLoad, error) {
	query := `
		SELECT a.id, a.username, a.status, a.warmup_completed,
		       (SELECT COUNT(1) FROM sprint_assignments sa
		         WHERE sa.account_id = a.id AND sa.status IN ('scheduled','active','paused')) AS live
		FROM accounts a
		LEFT JOIN account_content_state s ON s.account_id = a.id
		WHERE a.status = 'active' AND a.warmup_completed = 1`
	args := []any{}
	if respectCooldown {
		query += ` AND (s.cooldown_until IS NULL OR s.cooldown_until <= ?)`
		args = append(args, toMillis(now))
	}
	query += ` ORDER BY a.id ASC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.OpError{Op: "list eligible", Resource: "account", Err: err}
	}
	defer rows.Close()

	var out []AccountLoad
	for rows.Next() {
		var l AccountLoad
		var status string
		var warm int
		if err := rows.Scan(&l.Account.ID, &l.Account.Username, &status, &warm, &l.ActiveAssignments); err != nil {
			return nil, &model.OpError{Op: "list eligible", Resource: "account", Err: err}
		}
		l.Account.Status = model.AccountStatus(status)
		l.Account.WarmupCompleted = warm != 0
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.OpError{Op: "list eligible", Resource: "account", Err: err}
	}
	return out, nil
}

// ---- Account content state ----

const stateColumns = `account_id, current_location, active_sprint_ids, highlight_group_ids, cooldown_until,
	idle, silenced, emergency_active, last_emergency_at, updated_at`

func scanState(row interface{ Scan(...any) error }) (model.AccountContentState, error) {
	var st model.AccountContentState
	var active, groups string
	var cooldown, lastEmergency sql.NullInt64
	var idle, silenced, emergency int
	var updated int64
	if err := row.Scan(&st.AccountID, &st.CurrentLocation, &active, &groups, &cooldown,
		&idle, &silenced, &emergency, &lastEmergency, &updated); err != nil {
		return st, err
	}
	var err error
	if st.ActiveSprintIDs, err = decodeIDs(active); err != nil {
		return st, err
	}
	if st.HighlightGroupIDs, err = decodeIDs(groups); err != nil {
		return st, err
	}
	st.CooldownUntil = timePtr(cooldown)
	st.LastEmergencyAt = timePtr(lastEmergency)
	st.Idle = idle != 0
	st.Silenced = silenced != 0
	st.EmergencyActive = emergency != 0
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

// GetAccountState returns the account's content state; ok is false when no row exists yet.
func (q *Queries) GetAccountState(ctx context.Context, accountID int64) (model.AccountContentState, bool, error) {
	st, err := scanState(q.q.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM account_content_state WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccountContentState{AccountID: accountID}, false, nil
	}
	if err != nil {
		return st, false, &model.OpError{Op: "get", Resource: "account state", ID: accountID, Err: err}
	}
	return st, true, nil
}

// EnsureAccountState lazily creates the state row with the default location.
func (q *Queries) EnsureAccountState(ctx context.Context, accountID int64, defaultLocation string, now time.Time) (model.AccountContentState, error) {
	st, ok, err := q.GetAccountState(ctx, accountID)
	if err != nil || ok {
		return st, err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO account_content_state(account_id, current_location, active_sprint_ids, highlight_group_ids, updated_at)
		VALUES(?,?,?,?,?)`, accountID, defaultLocation, "[]", "[]", toMillis(now))
	if err != nil {
		return st, &model.OpError{Op: "create", Resource: "account state", ID: accountID, Err: err}
	}
	return model.AccountContentState{AccountID: accountID, CurrentLocation: defaultLocation, UpdatedAt: fromMillis(toMillis(now))}, nil
}

// SaveAccountState writes the full state row (insert or replace).
func (q *Queries) SaveAccountState(ctx context.Context, st model.AccountContentState, now time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO account_content_state(`+stateColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET
		  current_location=excluded.current_location,
		  active_sprint_ids=excluded.active_sprint_ids,
		  highlight_group_ids=excluded.highlight_group_ids,
		  cooldown_until=excluded.cooldown_until,
		  idle=excluded.idle,
		  silenced=excluded.silenced,
		  emergency_active=excluded.emergency_active,
		  last_emergency_at=excluded.last_emergency_at,
		  updated_at=excluded.updated_at`,
		st.AccountID, st.CurrentLocation, encodeIDs(st.ActiveSprintIDs), encodeIDs(st.HighlightGroupIDs),
		nullMillis(st.CooldownUntil), boolInt(st.Idle), boolInt(st.Silenced), boolInt(st.EmergencyActive),
		nullMillis(st.LastEmergencyAt), toMillis(now))
	if err != nil {
		return &model.OpError{Op: "save", Resource: "account state", ID: st.AccountID, Err: err}
	}
	return nil
}

// Package compat decides whether a sprint may be assigned to an account.
//
// The validator only reads. It reports eligibility checks, conflicts against the
// account's active sprints, and advisory warnings; overriding a failed
// validation is the caller's decision.
package compat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"postplan/internal/model"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

// Conflict types.
const (
	ConflictLocation       = "location"
	ConflictBlocking       = "blocking"
	ConflictDuplicate      = "duplicate"
	ConflictSeasonal       = "seasonal"
	ConflictHighlightGroup = "highlight_group"
)

// Eligibility check names.
const (
	CheckWarmup        = "warmup"
	CheckAccountStatus = "account_status"
	CheckCooldown      = "cooldown"
	CheckIdle          = "idle"
)

type Check struct {
	Name   string
	Passed bool
	Reason string
	Detail any
}

type Conflict struct {
	Type     string
	Severity model.Severity
	// ActiveSprintID is the already-active sprint involved, 0 when the conflict
	// is against the account or calendar rather than another sprint.
	ActiveSprintID int64
	// ActivePoolID is the pool that created the active sprint's assignment, 0
	// when it was assigned on its own.
	ActivePoolID int64
	// Direction is "target_blocks_active" or "active_blocks_target" for blocking conflicts.
	Direction string
	Message   string
}

type Result struct {
	AccountID         int64
	SprintID          int64
	IsValid           bool
	Conflicts         []Conflict
	Warnings          []string
	EligibilityChecks []Check
}

// Reasons lists every failed check and error conflict as text.
func (r Result) Reasons() []string {
	var out []string
	for _, c := range r.EligibilityChecks {
		if !c.Passed {
			out = append(out, c.Name+": "+c.Reason)
		}
	}
	for _, c := range r.Conflicts {
		if c.Severity == model.SeverityError {
			out = append(out, c.Type+": "+c.Message)
		}
	}
	return out
}

// Excluding drops conflicts against the given sprints when they run under
// assignments of the same pool, then recomputes validity. Pool assignment uses
// it for sprints staggered in time; a sprint assigned outside the pool still
// conflicts.
func (r Result) Excluding(poolID int64, sprintIDs []int64) Result {
	if poolID == 0 || len(sprintIDs) == 0 {
		return r
	}
	kept := make([]Conflict, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		if c.ActiveSprintID != 0 && c.Type != ConflictDuplicate && c.ActivePoolID == poolID &&
			slices.Contains(sprintIDs, c.ActiveSprintID) {
			continue
		}
		kept = append(kept, c)
	}
	r.Conflicts = kept
	r.IsValid = r.valid()
	return r
}

func (r Result) valid() bool {
	for _, c := range r.EligibilityChecks {
		if !c.Passed {
			return false
		}
	}
	for _, c := range r.Conflicts {
		if c.Severity == model.SeverityError {
			return false
		}
	}
	return true
}

// Error converts an invalid result into a *model.CompatibilityError; nil when valid.
func (r Result) Error(op string) error {
	if r.IsValid {
		return nil
	}
	return &model.CompatibilityError{Op: op, Reasons: r.Reasons(), Detail: r}
}

type Config struct {
	// MinContentItems flags sprints with fewer slots. 0 means 3.
	MinContentItems int
}

type Validator struct {
	store *storage.Store
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func New(store *storage.Store, cfg Config, log logx.Logger, now func() time.Time) *Validator {
	if cfg.MinContentItems <= 0 {
		cfg.MinContentItems = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{store: store, cfg: cfg, log: log.With(logx.String("comp", "compat")), now: now}
}

func (v *Validator) Validate(ctx context.Context, accountID, sprintID int64) (Result, error) {
	return v.ValidateWith(ctx, v.store.Queries, accountID, sprintID)
}

// ValidateWith runs the validation on q, typically a caller's transaction.
func (v *Validator) ValidateWith(ctx context.Context, q *storage.Queries, accountID, sprintID int64) (Result, error) {
	res := Result{AccountID: accountID, SprintID: sprintID}
	now := v.now()

	acc, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	target, err := q.GetSprint(ctx, sprintID)
	if err != nil {
		return res, err
	}
	state, _, err := q.GetAccountState(ctx, accountID)
	if err != nil {
		return res, err
	}

	res.EligibilityChecks = eligibility(acc, state, now)

	live, err := q.ListAssignments(ctx, storage.AssignmentFilter{
		AccountID: accountID,
		Statuses:  []model.AssignmentStatus{model.AssignmentScheduled, model.AssignmentActive, model.AssignmentPaused},
	})
	if err != nil {
		return res, err
	}
	for _, a := range live {
		if a.SprintID == target.ID {
			res.Conflicts = append(res.Conflicts, Conflict{
				Type:           ConflictDuplicate,
				Severity:       model.SeverityError,
				ActiveSprintID: a.SprintID,
				Message:        fmt.Sprintf("sprint %d already assigned (assignment %d, %s)", target.ID, a.ID, a.Status),
			})
			continue
		}
		if a.Status != model.AssignmentActive {
			continue
		}
		other, err := q.GetSprint(ctx, a.SprintID)
		if err != nil {
			return res, err
		}
		found := SprintConflicts(target, other)
		if a.PoolID != nil {
			for i := range found {
				found[i].ActivePoolID = *a.PoolID
			}
		}
		res.Conflicts = append(res.Conflicts, found...)
	}

	if !target.AvailableMonths.Effective().Has(now.Month()) {
		res.Conflicts = append(res.Conflicts, Conflict{
			Type:     ConflictSeasonal,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("%s is outside available months %v", now.Month(), target.AvailableMonths.Months()),
		})
	}
	for _, g := range target.BlocksHighlightGroupIDs {
		if slices.Contains(state.HighlightGroupIDs, g) {
			res.Conflicts = append(res.Conflicts, Conflict{
				Type:     ConflictHighlightGroup,
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("sprint blocks highlight group %d displayed on the account", g),
			})
		}
	}

	if n := target.SlotCount(); n < v.cfg.MinContentItems {
		res.Warnings = append(res.Warnings, fmt.Sprintf("sprint has %d content items, fewer than %d", n, v.cfg.MinContentItems))
	}

	res.IsValid = res.valid()
	v.log.Debug("validated assignment",
		logx.Int64("account_id", accountID),
		logx.Int64("sprint_id", sprintID),
		logx.Bool("valid", res.IsValid),
		logx.Int("conflicts", len(res.Conflicts)),
	)
	return res, nil
}

func eligibility(acc model.Account, state model.AccountContentState, now time.Time) []Check {
	checks := make([]Check, 0, 4)

	warm := Check{Name: CheckWarmup, Passed: acc.WarmupCompleted, Reason: "warmup completed"}
	if !acc.WarmupCompleted {
		warm.Reason = "account has not completed warmup"
	}
	checks = append(checks, warm)

	status := Check{Name: CheckAccountStatus, Passed: acc.Status == model.AccountActive, Reason: "account is active", Detail: acc.Status}
	if !status.Passed {
		status.Reason = fmt.Sprintf("account status is %s", acc.Status)
	}
	checks = append(checks, status)

	cool := Check{Name: CheckCooldown, Passed: !state.InCooldown(now), Reason: "no active cooldown"}
	if !cool.Passed {
		cool.Reason = fmt.Sprintf("cooldown until %s", state.CooldownUntil.Format(time.RFC3339))
		cool.Detail = *state.CooldownUntil
	}
	checks = append(checks, cool)

	idle := Check{Name: CheckIdle, Passed: !state.Idle && !state.Silenced, Reason: "account is not idle"}
	switch {
	case state.Idle:
		idle.Reason = "account is in forced idle"
	case state.Silenced:
		idle.Reason = "account is silenced"
	}
	checks = append(checks, idle)

	return checks
}

// SprintConflicts reports location and blocking conflicts between a target sprint
// and one active sprint. Blocking is checked in both directions.
func SprintConflicts(target, active model.Sprint) []Conflict {
	var out []Conflict
	if target.HasLocation() && active.HasLocation() && target.Location != active.Location {
		out = append(out, Conflict{
			Type:           ConflictLocation,
			Severity:       model.SeverityError,
			ActiveSprintID: active.ID,
			Message:        fmt.Sprintf("location %q conflicts with active sprint %q at %q", target.Location, active.Name, active.Location),
		})
	}
	if target.Blocks(active.ID) {
		out = append(out, Conflict{
			Type:           ConflictBlocking,
			Severity:       model.SeverityError,
			ActiveSprintID: active.ID,
			Direction:      "target_blocks_active",
			Message:        fmt.Sprintf("sprint %q blocks active sprint %q", target.Name, active.Name),
		})
	}
	if active.Blocks(target.ID) {
		out = append(out, Conflict{
			Type:           ConflictBlocking,
			Severity:       model.SeverityError,
			ActiveSprintID: active.ID,
			Direction:      "active_blocks_target",
			Message:        fmt.Sprintf("active sprint %q blocks sprint %q", active.Name, target.Name),
		})
	}
	return out
}

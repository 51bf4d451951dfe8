package emergency

import (
	"context"
	"fmt"
	"strings"

	"postplan/internal/model"
	"postplan/internal/storage"
)

// Conflict types.
const (
	ConflictLocationMismatch = "location_mismatch"
	ConflictSprintLocation   = "sprint_location"
	ConflictTheme            = "theme"
)

type Conflict struct {
	Type     string
	Severity model.Severity
	SprintID int64 // 0 for account-level conflicts
	Message  string
	// Options are the strategies that resolve the conflict.
	Options []Strategy
}

// incompatibleThemes holds each pair once; lookups check both orders.
var incompatibleThemes = map[[2]string]bool{
	{"vacation", "work"}:       true,
	{"vacation", "university"}: true,
	{"professional", "party"}:  true,
}

func themesConflict(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return incompatibleThemes[[2]string{a, b}] || incompatibleThemes[[2]string{b, a}]
}

// Analysis is the conflict picture of one account.
type Analysis struct {
	AccountID  int64
	Conflicts  []Conflict
	CanProceed bool
	// ActiveAssignments are the ids of the account's active assignments.
	ActiveAssignments []int64
}

func (a Analysis) HasErrors() bool {
	for _, c := range a.Conflicts {
		if c.Severity == model.SeverityError {
			return true
		}
	}
	return false
}

func (a Analysis) counts() (errs, warns int) {
	for _, c := range a.Conflicts {
		if c.Severity == model.SeverityError {
			errs++
		} else {
			warns++
		}
	}
	return errs, warns
}

// canProceed applies the priority rule, independent of strategy.
func canProceed(p Priority, a Analysis) bool {
	switch p {
	case PriorityCritical:
		return true
	case PriorityHigh:
		return !a.HasErrors()
	case PriorityStandard:
		return len(a.Conflicts) == 0
	}
	return false
}

func analyze(ctx context.Context, q *storage.Queries, c Content, accountID int64) (Analysis, error) {
	an := Analysis{AccountID: accountID}
	acc, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return an, err
	}
	if acc.Status != model.AccountActive {
		return an, model.Conflict("inject", "account", accountID, "account status is %s", acc.Status)
	}
	st, _, err := q.GetAccountState(ctx, accountID)
	if err != nil {
		return an, err
	}

	if c.Location != "" && st.CurrentLocation != "" && !strings.EqualFold(st.CurrentLocation, c.Location) {
		an.Conflicts = append(an.Conflicts, Conflict{
			Type:     ConflictLocationMismatch,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("account is at %q, content implies %q", st.CurrentLocation, c.Location),
			Options:  []Strategy{PostAlongside, OverrideConflicts},
		})
	}

	active, err := q.ListAssignments(ctx, storage.AssignmentFilter{
		AccountID: accountID,
		Statuses:  []model.AssignmentStatus{model.AssignmentActive},
	})
	if err != nil {
		return an, err
	}
	for _, a := range active {
		an.ActiveAssignments = append(an.ActiveAssignments, a.ID)
		s, err := q.GetSprint(ctx, a.SprintID)
		if err != nil {
			return an, err
		}
		if c.Location != "" && s.HasLocation() && !strings.EqualFold(s.Location, c.Location) {
			an.Conflicts = append(an.Conflicts, Conflict{
				Type:     ConflictSprintLocation,
				Severity: model.SeverityError,
				SprintID: s.ID,
				Message:  fmt.Sprintf("active sprint %q is set at %q, content implies %q", s.Name, s.Location, c.Location),
				Options:  []Strategy{PauseSprints, SkipConflicted},
			})
		}
		if themesConflict(c.Theme, s.Type) {
			an.Conflicts = append(an.Conflicts, Conflict{
				Type:     ConflictTheme,
				Severity: model.SeverityError,
				SprintID: s.ID,
				Message:  fmt.Sprintf("theme %q clashes with active %s sprint %q", c.Theme, s.Type, s.Name),
				Options:  []Strategy{PauseSprints, SkipConflicted},
			})
		}
	}
	an.CanProceed = canProceed(c.Priority, an)
	return an, nil
}

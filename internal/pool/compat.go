package pool

import (
	"context"
	"fmt"

	"postplan/internal/model"
	"postplan/internal/storage"
)

type BlockingConflict struct {
	SprintA     int64
	SprintB     int64
	SprintAName string
	SprintBName string
	// Direction is "a_blocks_b", "b_blocks_a" or "mutual".
	Direction string
}

type SeasonalIssue struct {
	Severity     model.Severity
	CommonMonths []int
	Message      string
}

type DurationWarning struct {
	Kind       string // "long" or "short"
	TotalHours int
	Message    string
}

// Report is the pool-wide compatibility verdict.
type Report struct {
	IsCompatible         bool
	SprintIDs            []int64
	BlockingConflicts    []BlockingConflict
	SeasonalIssues       []SeasonalIssue
	DurationWarnings     []DurationWarning
	CommonMonths         []int
	TotalDurationHours   int
	EligibleAccountCount int
}

// Reasons lists the incompatibilities as text.
func (r Report) Reasons() []string {
	var out []string
	for _, b := range r.BlockingConflicts {
		out = append(out, fmt.Sprintf("blocking: %q and %q (%s)", b.SprintAName, b.SprintBName, b.Direction))
	}
	for _, s := range r.SeasonalIssues {
		if s.Severity == model.SeverityError {
			out = append(out, "seasonal: "+s.Message)
		}
	}
	return out
}

// ValidateSprintCompatibility checks every unordered sprint pair for blocking in
// either direction, intersects available months and sums expected durations.
func (m *Manager) ValidateSprintCompatibility(ctx context.Context, sprintIDs []int64) (Report, error) {
	return m.validateWith(ctx, m.store.Queries, sprintIDs)
}

func (m *Manager) validateWith(ctx context.Context, q *storage.Queries, sprintIDs []int64) (Report, error) {
	rep := Report{SprintIDs: append([]int64(nil), sprintIDs...)}
	if err := validateIDs(sprintIDs); err != nil {
		return rep, err
	}
	sprints := make([]model.Sprint, 0, len(sprintIDs))
	for _, id := range sprintIDs {
		s, err := q.GetSprint(ctx, id)
		if err != nil {
			return rep, err
		}
		sprints = append(sprints, s)
	}

	for i := 0; i < len(sprints); i++ {
		for j := i + 1; j < len(sprints); j++ {
			a, b := sprints[i], sprints[j]
			ab, ba := a.Blocks(b.ID), b.Blocks(a.ID)
			dir := ""
			switch {
			case ab && ba:
				dir = "mutual"
			case ab:
				dir = "a_blocks_b"
			case ba:
				dir = "b_blocks_a"
			default:
				continue
			}
			rep.BlockingConflicts = append(rep.BlockingConflicts, BlockingConflict{
				SprintA: a.ID, SprintB: b.ID, SprintAName: a.Name, SprintBName: b.Name, Direction: dir,
			})
		}
	}

	common := model.AllMonths()
	for _, s := range sprints {
		common = common.Intersect(s.AvailableMonths.Effective())
		rep.TotalDurationHours += s.CalculatedDurationHours
	}
	rep.CommonMonths = common.Months()
	switch n := common.Len(); {
	case n == 0:
		rep.SeasonalIssues = append(rep.SeasonalIssues, SeasonalIssue{
			Severity: model.SeverityError,
			Message:  "sprints share no available month",
		})
	case n < m.cfg.MinCommonMonths:
		rep.SeasonalIssues = append(rep.SeasonalIssues, SeasonalIssue{
			Severity:     model.SeverityWarning,
			CommonMonths: rep.CommonMonths,
			Message:      fmt.Sprintf("only %d common months %v", n, rep.CommonMonths),
		})
	}

	switch {
	case rep.TotalDurationHours > m.cfg.LongDurationHours:
		rep.DurationWarnings = append(rep.DurationWarnings, DurationWarning{
			Kind:       "long",
			TotalHours: rep.TotalDurationHours,
			Message:    fmt.Sprintf("total duration %dh exceeds %d days", rep.TotalDurationHours, m.cfg.LongDurationHours/24),
		})
	case rep.TotalDurationHours < m.cfg.ShortDurationHours:
		rep.DurationWarnings = append(rep.DurationWarnings, DurationWarning{
			Kind:       "short",
			TotalHours: rep.TotalDurationHours,
			Message:    fmt.Sprintf("total duration %dh is under %d days", rep.TotalDurationHours, m.cfg.ShortDurationHours/24),
		})
	}

	eligible, err := q.ListEligibleAccounts(ctx, true, m.now())
	if err != nil {
		return rep, err
	}
	rep.EligibleAccountCount = len(eligible)

	rep.IsCompatible = len(rep.BlockingConflicts) == 0 && common.Len() > 0
	return rep, nil
}

func validateIDs(ids []int64) error {
	var verr model.ValidationError
	if len(ids) == 0 {
		verr.Add("sprint_ids", "at least one sprint is required")
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			verr.Add("sprint_ids", "invalid sprint id %d", id)
			continue
		}
		if seen[id] {
			verr.Add("sprint_ids", "duplicate sprint id %d", id)
		}
		seen[id] = true
	}
	return verr.OrNil()
}

package compat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postplan/internal/model"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

var testNow = time.Date(2025, time.July, 10, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*storage.Store, *Validator) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "compat.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, New(st, Config{}, logx.Nop(), func() time.Time { return testNow })
}

func mustSprint(t *testing.T, st *storage.Store, s model.Sprint) model.Sprint {
	t.Helper()
	if len(s.Slots) == 0 {
		s.Slots = []model.ContentSlot{
			{OrderIndex: 1, DelayHoursMin: 1, DelayHoursMax: 1},
			{OrderIndex: 2, DelayHoursMin: 1, DelayHoursMax: 1},
			{OrderIndex: 3, DelayHoursMin: 1, DelayHoursMax: 1},
		}
	}
	out, err := st.CreateSprint(context.Background(), s, testNow)
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}
	return out
}

func mustAccount(t *testing.T, st *storage.Store, a model.Account) {
	t.Helper()
	if err := st.UpsertAccount(context.Background(), a); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
}

func activate(t *testing.T, st *storage.Store, accountID, sprintID int64) {
	t.Helper()
	_, err := st.InsertAssignment(context.Background(), model.Assignment{
		AccountID: accountID, SprintID: sprintID, Status: model.AssignmentActive, StartDate: testNow,
	}, testNow)
	if err != nil {
		t.Fatalf("InsertAssignment: %v", err)
	}
}

func hasConflict(r Result, typ string, sev model.Severity) bool {
	for _, c := range r.Conflicts {
		if c.Type == typ && c.Severity == sev {
			return true
		}
	}
	return false
}

func TestCleanValidation(t *testing.T) {
	st, v := setup(t)
	mustAccount(t, st, model.Account{ID: 1, WarmupCompleted: true})
	s := mustSprint(t, st, model.Sprint{Name: "Beach", Location: "beach"})

	r, err := v.Validate(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsValid || len(r.Conflicts) != 0 || len(r.Warnings) != 0 {
		t.Fatalf("expected clean result, got %+v", r)
	}
	if len(r.EligibilityChecks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(r.EligibilityChecks))
	}
	if r.Error("assign") != nil {
		t.Fatalf("valid result must not produce an error")
	}
}

func TestBlockingIsSymmetric(t *testing.T) {
	st, v := setup(t)
	mustAccount(t, st, model.Account{ID: 1, WarmupCompleted: true})
	mustAccount(t, st, model.Account{ID: 2, WarmupCompleted: true})
	a := mustSprint(t, st, model.Sprint{Name: "A"})
	b := mustSprint(t, st, model.Sprint{Name: "B", BlocksSprintIDs: []int64{a.ID}})

	// account 1: A active, assigning B (target blocks active)
	activate(t, st, 1, a.ID)
	r, err := v.Validate(context.Background(), 1, b.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.IsValid || !hasConflict(r, ConflictBlocking, model.SeverityError) || r.Conflicts[0].Direction != "target_blocks_active" {
		t.Fatalf("expected target_blocks_active conflict, got %+v", r.Conflicts)
	}

	// account 2: B active, assigning A (active blocks target)
	activate(t, st, 2, b.ID)
	r, err = v.Validate(context.Background(), 2, a.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.IsValid || r.Conflicts[0].Direction != "active_blocks_target" {
		t.Fatalf("expected active_blocks_target conflict, got %+v", r.Conflicts)
	}
	err = r.Error("assign")
	var cerr *model.CompatibilityError
	if !errors.As(err, &cerr) || !errors.Is(err, model.ErrCompatibility) || len(cerr.Reasons) != 1 {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLocationDuplicateAndSeasonal(t *testing.T) {
	st, v := setup(t)
	mustAccount(t, st, model.Account{ID: 1, WarmupCompleted: true})
	beach := mustSprint(t, st, model.Sprint{Name: "Beach", Location: "beach"})
	city := mustSprint(t, st, model.Sprint{Name: "City", Location: "city", AvailableMonths: model.MustMonthSet(12, 1, 2)})
	anywhere := mustSprint(t, st, model.Sprint{Name: "Anywhere"})
	activate(t, st, 1, beach.ID)

	r, err := v.Validate(context.Background(), 1, city.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !hasConflict(r, ConflictLocation, model.SeverityError) || !hasConflict(r, ConflictSeasonal, model.SeverityWarning) {
		t.Fatalf("expected location error and seasonal warning, got %+v", r.Conflicts)
	}

	r, err = v.Validate(context.Background(), 1, beach.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.IsValid || !hasConflict(r, ConflictDuplicate, model.SeverityError) {
		t.Fatalf("expected duplicate conflict, got %+v", r.Conflicts)
	}

	r, err = v.Validate(context.Background(), 1, anywhere.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsValid {
		t.Fatalf("sprint without location should not conflict: %+v", r.Conflicts)
	}
}

func TestExcludingOnlyDropsSamePoolSprints(t *testing.T) {
	st, v := setup(t)
	ctx := context.Background()
	mustAccount(t, st, model.Account{ID: 1, WarmupCompleted: true})
	mustAccount(t, st, model.Account{ID: 2, WarmupCompleted: true})
	beach := mustSprint(t, st, model.Sprint{Name: "Beach", Location: "beach"})
	city := mustSprint(t, st, model.Sprint{Name: "City", Location: "city"})
	pool, err := st.CreatePool(ctx, model.CampaignPool{Name: "trip", SprintIDs: []int64{beach.ID, city.ID}, Strategy: model.StrategyManual}, testNow)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	// account 1 runs beach on its own
	activate(t, st, 1, beach.ID)
	r, err := v.Validate(ctx, 1, city.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := r.Excluding(pool.ID, []int64{beach.ID}); got.IsValid || !hasConflict(got, ConflictLocation, model.SeverityError) {
		t.Fatalf("standalone sprint conflict was dropped: %+v", got.Conflicts)
	}

	// account 2 runs beach through the pool
	if _, err := st.InsertAssignment(ctx, model.Assignment{
		AccountID: 2, SprintID: beach.ID, PoolID: &pool.ID, Status: model.AssignmentActive, StartDate: testNow,
	}, testNow); err != nil {
		t.Fatalf("InsertAssignment: %v", err)
	}
	r, err = v.Validate(ctx, 2, city.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.IsValid || r.Conflicts[0].ActivePoolID != pool.ID {
		t.Fatalf("expected pooled location conflict, got %+v", r.Conflicts)
	}
	if got := r.Excluding(pool.ID, []int64{beach.ID}); !got.IsValid {
		t.Fatalf("same-pool conflict kept: %+v", got.Conflicts)
	}
	if got := r.Excluding(pool.ID+1, []int64{beach.ID}); got.IsValid {
		t.Fatalf("conflict dropped for another pool")
	}
	if got := r.Excluding(0, []int64{beach.ID}); got.IsValid {
		t.Fatalf("conflict dropped without a pool")
	}
}

func TestEligibilityFailures(t *testing.T) {
	st, v := setup(t)
	mustAccount(t, st, model.Account{ID: 1, WarmupCompleted: false, Status: model.AccountSuspended})
	s := mustSprint(t, st, model.Sprint{Name: "S", BlocksHighlightGroupIDs: []int64{5}, Slots: []model.ContentSlot{{OrderIndex: 1}}})
	until := testNow.Add(time.Hour)
	err := st.SaveAccountState(context.Background(), model.AccountContentState{
		AccountID: 1, CurrentLocation: "home", CooldownUntil: &until, Silenced: true, HighlightGroupIDs: []int64{5},
	}, testNow)
	if err != nil {
		t.Fatalf("SaveAccountState: %v", err)
	}

	r, err := v.Validate(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.IsValid {
		t.Fatalf("expected invalid result")
	}
	for _, c := range r.EligibilityChecks {
		if c.Passed {
			t.Fatalf("check %s unexpectedly passed", c.Name)
		}
	}
	if !hasConflict(r, ConflictHighlightGroup, model.SeverityWarning) {
		t.Fatalf("expected highlight group warning, got %+v", r.Conflicts)
	}
	if len(r.Warnings) != 1 {
		t.Fatalf("expected low content warning, got %v", r.Warnings)
	}
	if len(r.Reasons()) != 4 {
		t.Fatalf("expected 4 reasons, got %v", r.Reasons())
	}
}

func TestMissingReferences(t *testing.T) {
	st, v := setup(t)
	mustAccount(t, st, model.Account{ID: 1, WarmupCompleted: true})
	if _, err := v.Validate(context.Background(), 1, 99); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected sprint not found, got %v", err)
	}
	if _, err := v.Validate(context.Background(), 99, 1); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}

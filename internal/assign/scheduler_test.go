package assign

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postplan/internal/compat"
	"postplan/internal/model"
	"postplan/internal/queue"
	"postplan/internal/schedule"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

var t0 = time.Date(2025, time.July, 10, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	st    *storage.Store
	sched *Scheduler
	val   *compat.Validator
	clk   *clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "assign.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := &clock{t: t0}
	val := compat.New(st, compat.Config{}, logx.Nop(), clk.now)
	sched := New(st, val, schedule.NewCalculator(1), Config{}, logx.Nop(), nil, clk.now)
	for _, id := range []int64{42, 43, 44} {
		if err := st.UpsertAccount(ctx, model.Account{ID: id, WarmupCompleted: true}); err != nil {
			t.Fatalf("UpsertAccount: %v", err)
		}
	}
	return fixture{st: st, sched: sched, val: val, clk: clk}
}

func (f fixture) sprint(t *testing.T, s model.Sprint) model.Sprint {
	t.Helper()
	if s.Slots == nil {
		s.Slots = []model.ContentSlot{
			{OrderIndex: 1, Categories: []model.ContentCategory{model.CategoryStory}, DelayHoursMin: 2, DelayHoursMax: 2},
			{OrderIndex: 2, Categories: []model.ContentCategory{model.CategoryPost}, DelayHoursMin: 4, DelayHoursMax: 4},
			{OrderIndex: 3, Categories: []model.ContentCategory{model.CategoryHighlight}, DelayHoursMin: 6, DelayHoursMax: 6},
		}
	}
	s.CalculatedDurationHours = schedule.CalculatedDurationHours(s.Slots)
	out, err := f.st.CreateSprint(context.Background(), s, t0)
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}
	return out
}

func (f fixture) queued(t *testing.T, assignmentID int64) []model.QueueItem {
	t.Helper()
	items, err := f.st.ListQueueItems(context.Background(), storage.QueueFilter{
		AssignmentID: assignmentID,
		Statuses:     []model.QueueStatus{model.QueueQueued},
	})
	if err != nil {
		t.Fatalf("ListQueueItems: %v", err)
	}
	return items
}

func TestBeachTripScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	beach := f.sprint(t, model.Sprint{Name: "Beach Trip", Location: "beach"})

	a, err := f.sched.CreateAssignment(ctx, 42, beach.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if a.Status != model.AssignmentActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	items := f.queued(t, a.ID)
	want := []time.Duration{2 * time.Hour, 6 * time.Hour, 12 * time.Hour}
	if len(items) != 3 {
		t.Fatalf("expected 3 queued items, got %d", len(items))
	}
	for i, w := range want {
		if !items[i].ScheduledAt.Equal(t0.Add(w)) {
			t.Fatalf("item %d at %v, want %v", i, items[i].ScheduledAt, t0.Add(w))
		}
	}
	if a.NextContentDue == nil || !a.NextContentDue.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("next due = %v", a.NextContentDue)
	}
	st, _, err := f.st.GetAccountState(ctx, 42)
	if err != nil {
		t.Fatalf("GetAccountState: %v", err)
	}
	if st.CurrentLocation != "beach" || len(st.ActiveSprintIDs) != 1 || st.ActiveSprintIDs[0] != beach.ID {
		t.Fatalf("unexpected account state: %+v", st)
	}
}

func TestCompatibilityRefusalLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.sprint(t, model.Sprint{Name: "A"})
	b := f.sprint(t, model.Sprint{Name: "B", BlocksSprintIDs: []int64{a.ID}})
	if _, err := f.sched.CreateAssignment(ctx, 42, a.ID, Options{}); err != nil {
		t.Fatalf("CreateAssignment A: %v", err)
	}

	_, err := f.sched.CreateAssignment(ctx, 42, b.ID, Options{})
	var cerr *model.CompatibilityError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected compatibility error, got %v", err)
	}
	if res, ok := cerr.Detail.(compat.Result); !ok || res.IsValid {
		t.Fatalf("expected validation result in detail, got %T", cerr.Detail)
	}
	list, err := f.sched.List(ctx, storage.AssignmentFilter{AccountID: 42})
	if err != nil || len(list) != 1 {
		t.Fatalf("refused assignment was persisted: %v %d", err, len(list))
	}

	forced, err := f.sched.CreateAssignment(ctx, 42, b.ID, Options{ForceOverride: true})
	if err != nil || forced.Status != model.AssignmentActive {
		t.Fatalf("forced assignment: %v %+v", err, forced)
	}
}

func TestFutureStartActivatesLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "City", Location: "city"})
	a, err := f.sched.CreateAssignment(ctx, 43, s.ID, Options{StartDate: t0.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if a.Status != model.AssignmentScheduled {
		t.Fatalf("status = %s, want scheduled", a.Status)
	}
	if n, _ := f.sched.ActivateDue(ctx); n != 0 {
		t.Fatalf("activated %d before start", n)
	}
	f.clk.t = t0.Add(25 * time.Hour)
	n, err := f.sched.ActivateDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ActivateDue = %d, %v", n, err)
	}
	got, _ := f.sched.Get(ctx, a.ID)
	if got.Status != model.AssignmentActive {
		t.Fatalf("status = %s after ActivateDue", got.Status)
	}
	st, _, _ := f.st.GetAccountState(ctx, 43)
	if st.CurrentLocation != "city" {
		t.Fatalf("location = %q", st.CurrentLocation)
	}
}

func TestPauseAndResumeReanchors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "Loop"})
	a, err := f.sched.CreateAssignment(ctx, 42, s.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	first := f.queued(t, a.ID)[0]
	f.clk.t = t0.Add(2 * time.Hour)
	if _, err := f.sched.HandlePosted(ctx, first.ID); err != nil {
		t.Fatalf("HandlePosted: %v", err)
	}

	paused, err := f.sched.PauseAssignment(ctx, a.ID, model.PauseManual)
	if err != nil {
		t.Fatalf("PauseAssignment: %v", err)
	}
	if paused.Status != model.AssignmentPaused || paused.NextContentDue != nil || paused.PauseReason != model.PauseManual {
		t.Fatalf("unexpected paused assignment: %+v", paused)
	}
	if n := len(f.queued(t, a.ID)); n != 0 {
		t.Fatalf("%d items still queued after pause", n)
	}
	st, _, _ := f.st.GetAccountState(ctx, 42)
	if len(st.ActiveSprintIDs) != 0 {
		t.Fatalf("sprint still active after pause: %v", st.ActiveSprintIDs)
	}
	if _, err := f.sched.PauseAssignment(ctx, a.ID, model.PauseManual); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("double pause: expected conflict, got %v", err)
	}

	f.clk.t = t0.Add(48 * time.Hour)
	resumed, err := f.sched.ResumeAssignment(ctx, a.ID)
	if err != nil {
		t.Fatalf("ResumeAssignment: %v", err)
	}
	items := f.queued(t, a.ID)
	if resumed.Status != model.AssignmentActive || len(items) != 2 {
		t.Fatalf("resume: status=%s queued=%d", resumed.Status, len(items))
	}
	if items[0].SlotIndex != 2 || !items[0].ScheduledAt.Equal(f.clk.t.Add(4*time.Hour)) {
		t.Fatalf("remaining schedule not anchored at resume time: %+v", items[0])
	}
	if !items[1].ScheduledAt.Equal(f.clk.t.Add(10 * time.Hour)) {
		t.Fatalf("last slot at %v", items[1].ScheduledAt)
	}
}

func TestFinalPostCompletesWithCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "Short", CooldownHours: 24, Slots: []model.ContentSlot{
		{OrderIndex: 1, DelayHoursMin: 1, DelayHoursMax: 1},
	}})
	other := f.sprint(t, model.Sprint{Name: "Next"})
	a, err := f.sched.CreateAssignment(ctx, 44, s.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	item := f.queued(t, a.ID)[0]
	f.clk.t = t0.Add(time.Hour)
	if _, err := f.sched.HandlePosted(ctx, item.ID); err != nil {
		t.Fatalf("HandlePosted: %v", err)
	}
	got, _ := f.sched.Get(ctx, a.ID)
	if got.Status != model.AssignmentCompleted || got.CompletedAt == nil || got.CurrentContentIndex != 1 {
		t.Fatalf("assignment not completed: %+v", got)
	}
	st, _, _ := f.st.GetAccountState(ctx, 44)
	if st.CooldownUntil == nil || !st.CooldownUntil.Equal(f.clk.t.Add(24*time.Hour)) {
		t.Fatalf("cooldown_until = %v", st.CooldownUntil)
	}

	res, err := f.val.Validate(ctx, 44, other.ID)
	if err != nil || res.IsValid {
		t.Fatalf("account should be ineligible during cooldown: %v %+v", err, res)
	}
	f.clk.t = f.clk.t.Add(24 * time.Hour)
	res, err = f.val.Validate(ctx, 44, other.ID)
	if err != nil || !res.IsValid {
		t.Fatalf("account should be eligible after cooldown: %v %v", err, res.Reasons())
	}
	if _, err := f.sched.CompleteAssignment(ctx, a.ID); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("double complete: expected conflict, got %v", err)
	}
}

func TestCompleteCancelsLeftovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "Long"})
	a, err := f.sched.CreateAssignment(ctx, 42, s.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	done, err := f.sched.CompleteAssignment(ctx, a.ID)
	if err != nil {
		t.Fatalf("CompleteAssignment: %v", err)
	}
	if done.Status != model.AssignmentCompleted || len(f.queued(t, a.ID)) != 0 {
		t.Fatalf("leftover items not cancelled")
	}
}

func TestPauseDropsFailedItemsBeforeRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "Flaky"})
	a, err := f.sched.CreateAssignment(ctx, 42, s.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	first := f.queued(t, a.ID)[0]
	if _, err := f.sched.HandleFailed(ctx, first.ID, "device offline"); err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}
	if _, err := f.sched.PauseAssignment(ctx, a.ID, model.PauseManual); err != nil {
		t.Fatalf("PauseAssignment: %v", err)
	}

	f.clk.t = t0.Add(time.Hour)
	qs := queue.New(f.st, queue.Config{}, logx.Nop(), nil, f.clk.now)
	if requeued, _, err := qs.RetryFailed(ctx); err != nil || requeued != 0 {
		t.Fatalf("RetryFailed on paused assignment: requeued=%d err=%v", requeued, err)
	}
	if n := len(f.queued(t, a.ID)); n != 0 {
		t.Fatalf("%d items queued while paused", n)
	}
	got, _ := f.sched.Get(ctx, a.ID)
	if got.NextContentDue != nil {
		t.Fatalf("paused assignment has next due %v", got.NextContentDue)
	}
	dropped, err := f.st.GetQueueItem(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if dropped.Status != model.QueueCancelled || dropped.ErrorMessage != "device offline" {
		t.Fatalf("failed item after pause: status=%s error=%q", dropped.Status, dropped.ErrorMessage)
	}

	if _, err := f.sched.ResumeAssignment(ctx, a.ID); err != nil {
		t.Fatalf("ResumeAssignment: %v", err)
	}
	items := f.queued(t, a.ID)
	if len(items) != 3 {
		t.Fatalf("resume queued %d items, want 3", len(items))
	}
	perSlot := map[int]int{}
	for _, it := range items {
		perSlot[it.SlotIndex]++
	}
	if perSlot[1] != 1 || perSlot[2] != 1 || perSlot[3] != 1 {
		t.Fatalf("slots after resume: %v", perSlot)
	}
}

func TestCompleteDropsFailedItemsBeforeRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "Flaky"})
	a, err := f.sched.CreateAssignment(ctx, 42, s.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	first := f.queued(t, a.ID)[0]
	if _, err := f.sched.HandleFailed(ctx, first.ID, "login expired"); err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}
	if _, err := f.sched.CompleteAssignment(ctx, a.ID); err != nil {
		t.Fatalf("CompleteAssignment: %v", err)
	}

	qs := queue.New(f.st, queue.Config{}, logx.Nop(), nil, f.clk.now)
	if requeued, _, err := qs.RetryFailed(ctx); err != nil || requeued != 0 {
		t.Fatalf("RetryFailed on completed assignment: requeued=%d err=%v", requeued, err)
	}
	if n := len(f.queued(t, a.ID)); n != 0 {
		t.Fatalf("%d items queued after completion", n)
	}
	dropped, _ := f.st.GetQueueItem(ctx, first.ID)
	if dropped.Status != model.QueueCancelled || dropped.ErrorMessage != "login expired" {
		t.Fatalf("failed item after complete: status=%s error=%q", dropped.Status, dropped.ErrorMessage)
	}
}

func TestHandleFailedRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "S"})
	a, err := f.sched.CreateAssignment(ctx, 42, s.ID, Options{})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	item := f.queued(t, a.ID)[0]
	it, err := f.sched.HandleFailed(ctx, item.ID, "device offline")
	if err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}
	if it.Status != model.QueueFailed || it.ErrorMessage != "device offline" || it.FailedAt == nil {
		t.Fatalf("unexpected failed item: %+v", it)
	}
	got, _ := f.sched.Get(ctx, a.ID)
	if !got.NextContentDue.Equal(t0.Add(6 * time.Hour)) {
		t.Fatalf("next due after failure = %v", got.NextContentDue)
	}
}

func TestBulkAssignmentIsPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sprint(t, model.Sprint{Name: "Bulk"})
	res := f.sched.AssignSprintToAccounts(ctx, s.ID, []int64{42, 999, 43}, Options{})
	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%d", len(res.Succeeded), len(res.Failed))
	}
	if res.Failed[0].AccountID != 999 || !errors.Is(res.Failed[0].Err, model.ErrNotFound) {
		t.Fatalf("unexpected failure: %+v", res.Failed[0])
	}

	res = f.sched.AssignPairs(ctx, []Pair{{AccountID: 42, SprintID: s.ID}, {AccountID: 44, SprintID: s.ID}}, Options{})
	if len(res.Succeeded) != 1 || len(res.Failed) != 1 {
		t.Fatalf("pairs: succeeded=%d failed=%d", len(res.Succeeded), len(res.Failed))
	}
	if _, ok := res.Failed[0].Compatibility(); !ok {
		t.Fatalf("duplicate pair should fail compatibility: %v", res.Failed[0].Err)
	}
}

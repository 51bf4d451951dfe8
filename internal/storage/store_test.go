package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"postplan/internal/model"
	logx "postplan/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "postplan.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testNow() time.Time {
	return time.Date(2025, time.July, 10, 9, 0, 0, 0, time.UTC)
}

func TestSprintRoundTripWithSlots(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := testNow()

	in := model.Sprint{
		Name:            "Beach Trip",
		Type:            "vacation",
		Location:        "beach",
		AvailableMonths: model.MustMonthSet(6, 7, 8),
		CooldownHours:   48,
		BlocksSprintIDs: []int64{9},
		Slots: []model.ContentSlot{
			{OrderIndex: 2, Categories: []model.ContentCategory{model.CategoryPost}, DelayHoursMin: 4, DelayHoursMax: 4},
			{OrderIndex: 1, Categories: []model.ContentCategory{model.CategoryStory}, DelayHoursMin: 2, DelayHoursMax: 2},
		},
		CalculatedDurationHours: 6,
	}
	created, err := st.CreateSprint(ctx, in, now)
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected sprint id")
	}

	got, err := st.GetSprint(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSprint: %v", err)
	}
	if got.Location != "beach" || got.AvailableMonths != in.AvailableMonths || got.CooldownHours != 48 {
		t.Fatalf("unexpected sprint: %+v", got)
	}
	if len(got.Slots) != 2 || got.Slots[0].OrderIndex != 1 || got.Slots[1].Categories[0] != model.CategoryPost {
		t.Fatalf("slots not ordered by index: %+v", got.Slots)
	}
	if len(got.BlocksSprintIDs) != 1 || got.BlocksSprintIDs[0] != 9 {
		t.Fatalf("unexpected block list: %v", got.BlocksSprintIDs)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
	}

	if _, err := st.GetSprint(ctx, created.ID+100); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteSprintStripsPools(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := testNow()

	a, err := st.CreateSprint(ctx, model.Sprint{Name: "a"}, now)
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}
	b, err := st.CreateSprint(ctx, model.Sprint{Name: "b"}, now)
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}
	p, err := st.CreatePool(ctx, model.CampaignPool{Name: "p", SprintIDs: []int64{a.ID, b.ID}}, now)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if err := st.DeleteSprint(ctx, a.ID, now); err != nil {
		t.Fatalf("DeleteSprint: %v", err)
	}
	got, err := st.GetPool(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if len(got.SprintIDs) != 1 || got.SprintIDs[0] != b.ID {
		t.Fatalf("pool sprint ids = %v", got.SprintIDs)
	}
	if got.Strategy != model.StrategyRandom {
		t.Fatalf("default strategy = %q", got.Strategy)
	}
}

func TestEligibleAccountsRespectCooldown(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := testNow()

	accounts := []model.Account{
		{ID: 1, Username: "warm", WarmupCompleted: true},
		{ID: 2, Username: "cold", WarmupCompleted: false},
		{ID: 3, Username: "banned", Status: model.AccountBanned, WarmupCompleted: true},
		{ID: 4, Username: "cooling", WarmupCompleted: true},
	}
	for _, a := range accounts {
		if err := st.UpsertAccount(ctx, a); err != nil {
			t.Fatalf("UpsertAccount: %v", err)
		}
	}
	until := now.Add(time.Hour)
	if err := st.SaveAccountState(ctx, model.AccountContentState{AccountID: 4, CurrentLocation: "home", CooldownUntil: &until}, now); err != nil {
		t.Fatalf("SaveAccountState: %v", err)
	}

	got, err := st.ListEligibleAccounts(ctx, true, now)
	if err != nil {
		t.Fatalf("ListEligibleAccounts: %v", err)
	}
	if len(got) != 1 || got[0].Account.ID != 1 {
		t.Fatalf("eligible with cooldown = %+v", got)
	}
	got, err = st.ListEligibleAccounts(ctx, false, now)
	if err != nil {
		t.Fatalf("ListEligibleAccounts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("eligible without cooldown = %+v", got)
	}
}

func TestAccountStateLazyCreate(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := testNow()
	if err := st.UpsertAccount(ctx, model.Account{ID: 7, WarmupCompleted: true}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	state, err := st.EnsureAccountState(ctx, 7, "home", now)
	if err != nil {
		t.Fatalf("EnsureAccountState: %v", err)
	}
	if state.CurrentLocation != "home" || len(state.ActiveSprintIDs) != 0 {
		t.Fatalf("unexpected initial state: %+v", state)
	}
	state.AddActiveSprint(3)
	state.HighlightGroupIDs = []int64{11}
	if err := st.SaveAccountState(ctx, state, now); err != nil {
		t.Fatalf("SaveAccountState: %v", err)
	}
	again, err := st.EnsureAccountState(ctx, 7, "elsewhere", now)
	if err != nil {
		t.Fatalf("EnsureAccountState: %v", err)
	}
	if again.CurrentLocation != "home" || len(again.ActiveSprintIDs) != 1 || again.HighlightGroupIDs[0] != 11 {
		t.Fatalf("state not persisted: %+v", again)
	}
}

func TestQueueListAndCounts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := testNow()
	if err := st.UpsertAccount(ctx, model.Account{ID: 1, WarmupCompleted: true}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	items := []model.QueueItem{
		{AccountID: 1, ContentRef: "late", ScheduledAt: now.Add(2 * time.Hour)},
		{AccountID: 1, ContentRef: "overdue", ScheduledAt: now.Add(-time.Hour)},
		{AccountID: 1, ContentRef: "urgent", ScheduledAt: now.Add(time.Hour), Priority: model.PriorityCritical, Emergency: true},
	}
	stored, err := st.InsertQueueItems(ctx, items, now)
	if err != nil {
		t.Fatalf("InsertQueueItems: %v", err)
	}
	if stored[0].Status != model.QueueQueued || stored[0].Priority != model.PriorityNormal {
		t.Fatalf("defaults not applied: %+v", stored[0])
	}

	byTime, err := st.ListQueueItems(ctx, QueueFilter{AccountID: 1})
	if err != nil {
		t.Fatalf("ListQueueItems: %v", err)
	}
	if byTime[0].ContentRef != "overdue" || byTime[2].ContentRef != "late" {
		t.Fatalf("unexpected time order: %s, %s", byTime[0].ContentRef, byTime[2].ContentRef)
	}
	byPrio, err := st.ListQueueItems(ctx, QueueFilter{AccountID: 1, ByPriority: true, Limit: 1})
	if err != nil {
		t.Fatalf("ListQueueItems: %v", err)
	}
	if len(byPrio) != 1 || byPrio[0].ContentRef != "urgent" {
		t.Fatalf("unexpected priority order: %+v", byPrio)
	}
	yes := true
	em, err := st.ListQueueItems(ctx, QueueFilter{Emergency: &yes})
	if err != nil || len(em) != 1 {
		t.Fatalf("emergency filter: %v %+v", err, em)
	}

	posted := stored[1]
	posted.Status = model.QueuePosted
	p := now
	posted.PostedAt = &p
	if err := st.UpdateQueueItem(ctx, posted, now); err != nil {
		t.Fatalf("UpdateQueueItem: %v", err)
	}
	c, err := st.CountQueue(ctx, 0, now)
	if err != nil {
		t.Fatalf("CountQueue: %v", err)
	}
	if c.Queued != 2 || c.Posted24h != 1 || c.Overdue != 0 {
		t.Fatalf("unexpected counts: %+v", c)
	}
	n, err := st.CountQueuedEmergency(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("CountQueuedEmergency = %d, %v", n, err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(q *Queries) error {
		if err := q.UpsertAccount(ctx, model.Account{ID: 5, WarmupCompleted: true}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := st.GetAccount(ctx, 5); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("account survived rollback: %v", err)
	}
}

func TestWithTxRollbackSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO account_content_state").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	st := New(db, logx.Nop())
	now := testNow()
	err = st.WithTx(context.Background(), func(q *Queries) error {
		if err := q.UpsertAccount(context.Background(), model.Account{ID: 1}); err != nil {
			return err
		}
		return q.SaveAccountState(context.Background(), model.AccountContentState{AccountID: 1}, now)
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

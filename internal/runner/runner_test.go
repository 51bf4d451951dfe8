package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postplan/internal/eventbus"
	"postplan/internal/model"
	"postplan/internal/queue"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron: 0 */10 * * * *", kind: SpecCron, cron: "0 */10 * * * *"},
		{in: "@every 1m", kind: SpecInterval, every: time.Minute},
		{in: "every: 90s", kind: SpecInterval, every: 90 * time.Second},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "00:15", kind: SpecInterval, every: 15 * time.Minute},
		{in: "01:30", kind: SpecInterval, every: 90 * time.Minute},
		{in: "", err: true},
		{in: "cron:", err: true},
		{in: "00:75", err: true},
		{in: "-5s", err: true},
		{in: "soon", err: true},
	}
	for _, c := range cases {
		got, err := ParseSpec(c.in)
		if c.err {
			if err == nil {
				t.Fatalf("ParseSpec(%q): expected error, got %+v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", c.in, err)
		}
		if got.Kind != c.kind || got.Cron != c.cron || got.Every != c.every {
			t.Fatalf("ParseSpec(%q) = %+v", c.in, got)
		}
	}
	if s, _ := ParseSpec("2m"); s.String() != "@every 2m0s" {
		t.Fatalf("String = %q", s.String())
	}
}

func TestBreakerTripsAndCloses(t *testing.T) {
	b := newBreaker(BreakerConfig{TripAfter: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second, ResetAfter: time.Hour})
	now := time.Unix(1000, 0)
	boom := errors.New("boom")

	b.Record(now, boom)
	if open, _ := b.Open(now); open {
		t.Fatalf("open after one failure")
	}
	b.Record(now, boom)
	open, until := b.Open(now)
	if !open || !until.Equal(now.Add(time.Second)) {
		t.Fatalf("open=%v until=%v", open, until)
	}
	if open, _ := b.Open(now.Add(2 * time.Second)); open {
		t.Fatalf("still open after cooldown")
	}

	// Cooldown doubles per extra failure and caps at MaxDelay.
	for i := 0; i < 5; i++ {
		b.Record(now, boom)
	}
	if _, until := b.Open(now); !until.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("capped until = %v", until)
	}

	b.Record(now, nil)
	if open, _ := b.Open(now); open || b.Failures() != 0 {
		t.Fatalf("success did not close breaker")
	}
}

func TestBreakerResetsAfterQuietPeriod(t *testing.T) {
	b := newBreaker(BreakerConfig{TripAfter: 1, ResetAfter: time.Minute})
	now := time.Unix(1000, 0)
	b.Record(now, errors.New("x"))
	if open, _ := b.Open(now); !open {
		t.Fatalf("expected open")
	}
	if open, _ := b.Open(now.Add(2 * time.Minute)); open || b.Failures() != 0 {
		t.Fatalf("expected reset after quiet period")
	}
}

func TestBreakerDisabled(t *testing.T) {
	b := newBreaker(BreakerConfig{TripAfter: -1})
	now := time.Now()
	for i := 0; i < 10; i++ {
		b.Record(now, errors.New("x"))
	}
	if open, _ := b.Open(now); open {
		t.Fatalf("disabled breaker opened")
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	r := New(Config{}, logx.Nop())
	release := make(chan struct{})
	entered := make(chan struct{})
	if err := r.Add("slow", "1h", 0, func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.RunNow(context.Background(), "slow")
	}()
	<-entered
	if err := r.RunNow(context.Background(), "slow"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	wg.Wait()

	snap := r.Snapshot()
	if len(snap.History) != 2 || snap.History[0].Skipped == "" || snap.History[1].Skipped != "" {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestRunNowBreakerAndPanics(t *testing.T) {
	r := New(Config{Breaker: BreakerConfig{TripAfter: 2, BaseDelay: time.Hour}}, logx.Nop())
	if err := r.Add("bad", "@every 1m", 0, func(context.Context) error { panic("kaboom") }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := r.RunNow(ctx, "bad"); err == nil || errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("run %d: expected panic error, got %v", i, err)
		}
	}
	if err := r.RunNow(ctx, "bad"); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if err := r.RunNow(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRunNowAppliesTimeout(t *testing.T) {
	r := New(Config{}, logx.Nop())
	_ = r.Add("wait", "1m", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := r.RunNow(context.Background(), "wait"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestAddRejectsBadSchedules(t *testing.T) {
	r := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if err := r.Add("x", "61 * * * *", 0, noop); err == nil {
		t.Fatalf("expected invalid cron error")
	}
	if err := r.Add("", "1m", 0, noop); err == nil {
		t.Fatalf("expected name error")
	}
	if err := r.Add("x", "1m", 0, nil); err == nil {
		t.Fatalf("expected nil func error")
	}
}

func TestStartStopAndSnapshot(t *testing.T) {
	r := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if err := r.Add("a", "@every 1h", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add("b", "0 3 * * *", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.Start(context.Background())
	snap := r.Snapshot()
	if !snap.Started || snap.Timezone != "UTC" || len(snap.Jobs) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, j := range snap.Jobs {
		if j.Next.IsZero() {
			t.Fatalf("job %s has no next run", j.Name)
		}
	}
	if !r.Remove("b") || r.Remove("b") {
		t.Fatalf("Remove semantics")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	if r.Snapshot().Started {
		t.Fatalf("still started after Stop")
	}
}

func TestDisabledRunnerDoesNotStart(t *testing.T) {
	r := New(Config{}, logx.Nop())
	r.Start(context.Background())
	if r.Snapshot().Started {
		t.Fatalf("disabled runner started")
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls [][]int64
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, items []model.QueueItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	d.calls = append(d.calls, ids)
	return d.err
}

var t0 = time.Date(2025, time.July, 10, 9, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, bus eventbus.Bus, now func() time.Time) (*storage.Store, *queue.Service) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "runner.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.UpsertAccount(ctx, model.Account{ID: 42, WarmupCompleted: true}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	return st, queue.New(st, queue.Config{}, logx.Nop(), bus, now)
}

func TestDispatchHandsOutEachRevisionOnce(t *testing.T) {
	ctx := context.Background()
	now := func() time.Time { return t0 }
	st, qs := newQueue(t, nil, now)
	var items []model.QueueItem
	err := st.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		items, err = queue.InsertItems(ctx, q, []model.QueueItem{
			{AccountID: 42, ContentRef: "a", ScheduledAt: t0.Add(-time.Minute), Priority: 3},
			{AccountID: 42, ContentRef: "b", ScheduledAt: t0.Add(-time.Minute), Priority: 1, Emergency: true},
			{AccountID: 42, ContentRef: "later", ScheduledAt: t0.Add(time.Hour), Priority: 3},
		}, t0)
		return err
	})
	if err != nil {
		t.Fatalf("InsertItems: %v", err)
	}

	d := &recordingDispatcher{}
	jobs := &EngineJobs{Queue: qs, Dispatcher: d, Now: now}
	if err := jobs.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(d.calls) != 1 || len(d.calls[0]) != 2 || d.calls[0][0] != items[1].ID {
		t.Fatalf("first dispatch = %v", d.calls)
	}
	if err := jobs.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("unchanged items dispatched twice: %v", d.calls)
	}

	d.err = errors.New("device offline")
	if _, err := qs.Reschedule(ctx, items[2].ID, t0.Add(-time.Second)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if err := jobs.Dispatch(ctx); err == nil {
		t.Fatalf("expected dispatcher error")
	}
	d.err = nil
	if err := jobs.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	last := d.calls[len(d.calls)-1]
	if len(d.calls) != 3 || len(last) != 1 || last[0] != items[2].ID {
		t.Fatalf("redispatch = %v", d.calls)
	}
}

func TestHealthPublishesOnChange(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	now := func() time.Time { return t0 }
	_, qs := newQueue(t, bus, now)
	events, unsub := bus.Subscribe(4, eventbus.HealthChanged)
	defer unsub()

	jobs := &EngineJobs{Queue: qs, Bus: bus, Now: now}
	for i := 0; i < 3; i++ {
		if err := jobs.Health(ctx); err != nil {
			t.Fatalf("Health: %v", err)
		}
	}
	select {
	case e := <-events:
		h, ok := e.Data.(queue.Health)
		if !ok || h.Status != queue.Healthy {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("no health event")
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
}

func TestRegisterSkipsEmptySchedules(t *testing.T) {
	r := New(Config{}, logx.Nop())
	jobs := &EngineJobs{}
	if err := Register(r, jobs, Schedules{Dispatch: "30s", Health: "@every 1m"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	snap := r.Snapshot()
	if len(snap.Jobs) != 2 || snap.Jobs[0].Name != JobDispatch || snap.Jobs[1].Name != JobHealth {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
	if err := Register(r, jobs, Schedules{Dispatch: "bogus"}); err == nil {
		t.Fatalf("expected schedule error")
	}
}

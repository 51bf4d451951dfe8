// Package emergency injects urgent out-of-band content into account queues.
//
// Every target account is analyzed for conflicts with its current schedule,
// then handled in its own transaction according to the conflict strategy:
//
//	pause_sprints       pause active assignments, insert, push later items back
//	post_alongside      insert and leave the queue untouched
//	override_conflicts  cancel queued items near the insertion time, insert
//	skip_conflicted     leave accounts with error conflicts alone
//
// Outcomes are appended to the emergency log after commit.
package emergency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postplan/internal/assign"
	"postplan/internal/eventbus"
	"postplan/internal/model"
	"postplan/internal/queue"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

type Config struct {
	// ReanchorGap is the minimum distance between an emergency item and the
	// regular items pushed back behind it under pause_sprints.
	ReanchorGap time.Duration // 4h
	// OverrideWindow is the half-width of the window cleared by override_conflicts.
	OverrideWindow time.Duration // 2h
	// HighLead places high-priority content this long before the next queued item.
	HighLead time.Duration // 5m
	// StandardDelay is how far out standard content is scheduled.
	StandardDelay   time.Duration // 1h
	DefaultLocation string
}

func (c Config) withDefaults() Config {
	if c.ReanchorGap <= 0 {
		c.ReanchorGap = 4 * time.Hour
	}
	if c.OverrideWindow <= 0 {
		c.OverrideWindow = 2 * time.Hour
	}
	if c.HighLead <= 0 {
		c.HighLead = 5 * time.Minute
	}
	if c.StandardDelay <= 0 {
		c.StandardDelay = time.Hour
	}
	if strings.TrimSpace(c.DefaultLocation) == "" {
		c.DefaultLocation = "home"
	}
	return c
}

type Injector struct {
	store     *storage.Store
	scheduler *assign.Scheduler
	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
}

func New(store *storage.Store, scheduler *assign.Scheduler, cfg Config, log logx.Logger, bus eventbus.Bus, now func() time.Time) *Injector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Injector{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "emergency")),
		bus:       bus,
		now:       now,
	}
}

// AccountOutcome is what happened to one target account.
type AccountOutcome struct {
	AccountID         int64
	QueueItemID       int64
	ScheduledAt       time.Time
	Conflicts         []Conflict
	PausedAssignments []int64
	CancelledItems    int
	RescheduledItems  int
	Err               error
}

// Reason is the operator-facing failure or skip text.
func (o AccountOutcome) Reason() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if len(o.Conflicts) > 0 {
		parts := make([]string, 0, len(o.Conflicts))
		for _, c := range o.Conflicts {
			parts = append(parts, c.Type+": "+c.Message)
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

type ResolvedConflict struct {
	AccountID  int64
	Conflict   Conflict
	Resolution Strategy
}

type Result struct {
	BatchID           string
	Strategy          Strategy
	Priority          Priority
	Successful        []AccountOutcome
	Failed            []AccountOutcome
	Skipped           []AccountOutcome
	ConflictsResolved []ResolvedConflict
	// TotalAccountsAffected counts successful and failed accounts; skipped ones are excluded.
	TotalAccountsAffected int
	Summary               string
}

// Inject delivers the content to every target account.
func (in *Injector) Inject(ctx context.Context, req Request) (Result, error) {
	req, err := validateRequest(req)
	if err != nil {
		return Result{}, err
	}
	targets, err := in.targets(ctx, req.Target)
	if err != nil {
		return Result{}, err
	}
	res := Result{BatchID: uuid.NewString(), Strategy: req.Strategy, Priority: req.Content.Priority}
	entries := make([]model.EmergencyLogEntry, 0, len(targets))

	for _, accountID := range targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		started := time.Now()
		out, skipped, err := in.injectAccount(ctx, req, accountID)
		entry := model.EmergencyLogEntry{
			BatchID:    res.BatchID,
			AccountID:  accountID,
			ContentRef: req.Content.Ref,
			Strategy:   string(req.Strategy),
			Priority:   string(req.Content.Priority),
			TookMS:     time.Since(started).Milliseconds(),
			At:         in.now(),
		}
		switch {
		case err != nil:
			out.Err = err
			res.Failed = append(res.Failed, out)
			entry.Outcome, entry.Reason = model.OutcomeFailed, out.Reason()
			in.log.Warn("emergency injection failed",
				logx.String("batch_id", res.BatchID),
				logx.Int64("account_id", accountID),
				logx.Err(err),
			)
		case skipped:
			res.Skipped = append(res.Skipped, out)
			entry.Outcome, entry.Reason = model.OutcomeSkipped, out.Reason()
		default:
			res.Successful = append(res.Successful, out)
			for _, c := range out.Conflicts {
				res.ConflictsResolved = append(res.ConflictsResolved, ResolvedConflict{AccountID: accountID, Conflict: c, Resolution: req.Strategy})
			}
			itemID := out.QueueItemID
			entry.Outcome, entry.QueueItemID = model.OutcomeSuccess, &itemID
		}
		entries = append(entries, entry)
	}

	res.TotalAccountsAffected = len(res.Successful) + len(res.Failed)
	res.Summary = fmt.Sprintf("%d injected, %d failed, %d skipped (%s, %s)",
		len(res.Successful), len(res.Failed), len(res.Skipped), req.Content.Priority, req.Strategy)

	if err := in.store.AppendEmergencyLog(ctx, entries); err != nil {
		in.log.Warn("emergency log append failed", logx.String("batch_id", res.BatchID), logx.Err(err))
	}
	in.log.Info("emergency content injected",
		logx.String("batch_id", res.BatchID),
		logx.String("ref", req.Content.Ref),
		logx.String("priority", string(req.Content.Priority)),
		logx.String("strategy", string(req.Strategy)),
		logx.Int("succeeded", len(res.Successful)),
		logx.Int("failed", len(res.Failed)),
		logx.Int("skipped", len(res.Skipped)),
	)
	in.bus.Publish(eventbus.Event{
		Type: eventbus.EmergencyInjected,
		Time: in.now(),
		Data: eventbus.Injection{
			BatchID:   res.BatchID,
			Priority:  string(req.Content.Priority),
			Strategy:  string(req.Strategy),
			Succeeded: len(res.Successful),
			Failed:    len(res.Failed),
			Skipped:   len(res.Skipped),
		},
	})
	return res, nil
}

func (in *Injector) targets(ctx context.Context, t Target) ([]int64, error) {
	if !t.AllEligible {
		seen := make(map[int64]bool, len(t.AccountIDs))
		ids := make([]int64, 0, len(t.AccountIDs))
		for _, id := range t.AccountIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	// Cooldown only gates new sprint assignments, not urgent content.
	eligible, err := in.store.ListEligibleAccounts(ctx, false, in.now())
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(eligible))
	for _, e := range eligible {
		ids = append(ids, e.Account.ID)
	}
	return ids, nil
}

func (in *Injector) injectAccount(ctx context.Context, req Request, accountID int64) (AccountOutcome, bool, error) {
	out := AccountOutcome{AccountID: accountID}
	now := in.now()
	skipped := false
	err := in.store.WithTx(ctx, func(q *storage.Queries) error {
		an, err := analyze(ctx, q, req.Content, accountID)
		if err != nil {
			return err
		}
		out.Conflicts = an.Conflicts

		if !an.CanProceed || (req.Strategy == SkipConflicted && an.HasErrors()) {
			if req.Strategy == SkipConflicted {
				skipped = true
				return nil
			}
			errs, warns := an.counts()
			return model.Conflict("inject", "account", accountID,
				"%s content cannot proceed with %d error and %d warning conflicts", req.Content.Priority, errs, warns)
		}

		var at time.Time
		switch req.Strategy {
		case PauseSprints:
			for _, id := range an.ActiveAssignments {
				if _, err := in.scheduler.PauseIn(ctx, q, id, model.PauseEmergency, now); err != nil {
					return err
				}
				out.PausedAssignments = append(out.PausedAssignments, id)
			}
			if at, err = in.insertAt(ctx, q, req.Content, accountID, now); err != nil {
				return err
			}
			if err := in.insert(ctx, q, req, accountID, at, now, &out); err != nil {
				return err
			}
			if out.RescheduledItems, err = queue.Reanchor(ctx, q, accountID, at, in.cfg.ReanchorGap, now); err != nil {
				return err
			}
			return in.markAccount(ctx, q, accountID, true, now)
		case OverrideConflicts:
			if at, err = in.insertAt(ctx, q, req.Content, accountID, now); err != nil {
				return err
			}
			cancelled, err := queue.CancelWindow(ctx, q, accountID, at, in.cfg.OverrideWindow, "overridden by emergency content", now)
			if err != nil {
				return err
			}
			out.CancelledItems = len(cancelled)
			if err := in.insert(ctx, q, req, accountID, at, now, &out); err != nil {
				return err
			}
			return in.markAccount(ctx, q, accountID, false, now)
		case PostAlongside, SkipConflicted:
			if at, err = in.insertAt(ctx, q, req.Content, accountID, now); err != nil {
				return err
			}
			if err := in.insert(ctx, q, req, accountID, at, now, &out); err != nil {
				return err
			}
			return in.markAccount(ctx, q, accountID, false, now)
		}
		return fmt.Errorf("%w: unknown conflict strategy %q", model.ErrValidation, req.Strategy)
	})
	if err != nil {
		// rolled back: only the analysis survives
		return AccountOutcome{AccountID: accountID, Conflicts: out.Conflicts}, false, err
	}
	return out, skipped, nil
}

// insertAt computes the insertion time from the content priority.
func (in *Injector) insertAt(ctx context.Context, q *storage.Queries, c Content, accountID int64, now time.Time) (time.Time, error) {
	switch c.Priority {
	case PriorityCritical:
		return now, nil
	case PriorityHigh:
		next, err := q.NextQueuedForAccount(ctx, accountID)
		if err != nil {
			return now, err
		}
		if next == nil {
			return now.Add(in.cfg.HighLead), nil
		}
		at := next.Add(-in.cfg.HighLead)
		if at.Before(now) {
			at = now
		}
		return at, nil
	case PriorityStandard:
		if c.PostImmediately {
			return now, nil
		}
		return now.Add(in.cfg.StandardDelay), nil
	}
	return now, fmt.Errorf("%w: unknown priority %q", model.ErrValidation, c.Priority)
}

func (in *Injector) insert(ctx context.Context, q *storage.Queries, req Request, accountID int64, at, now time.Time, out *AccountOutcome) error {
	items, err := queue.InsertItems(ctx, q, []model.QueueItem{{
		AccountID:         accountID,
		ContentRef:        req.Content.Ref,
		ScheduledAt:       at,
		ContentType:       req.Content.ContentType,
		Status:            model.QueueQueued,
		Emergency:         true,
		EmergencyStrategy: string(req.Strategy),
		Priority:          req.Content.Priority.QueuePriority(),
	}}, now)
	if err != nil {
		return err
	}
	out.QueueItemID = items[0].ID
	out.ScheduledAt = items[0].ScheduledAt
	return nil
}

func (in *Injector) markAccount(ctx context.Context, q *storage.Queries, accountID int64, emergencyActive bool, now time.Time) error {
	st, err := q.EnsureAccountState(ctx, accountID, in.cfg.DefaultLocation, now)
	if err != nil {
		return err
	}
	if emergencyActive {
		st.EmergencyActive = true
	}
	st.LastEmergencyAt = &now
	return q.SaveAccountState(ctx, st, now)
}

// ResumeAfterEmergency resumes the account's assignments paused by emergency
// handling and clears its emergency flag.
func (in *Injector) ResumeAfterEmergency(ctx context.Context, accountID int64) ([]model.Assignment, error) {
	now := in.now()
	var resumed []model.Assignment
	err := in.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetAccount(ctx, accountID); err != nil {
			return err
		}
		paused, err := q.ListAssignments(ctx, storage.AssignmentFilter{
			AccountID: accountID,
			Statuses:  []model.AssignmentStatus{model.AssignmentPaused},
		})
		if err != nil {
			return err
		}
		for _, a := range paused {
			if a.PauseReason != model.PauseEmergency {
				continue
			}
			r, err := in.scheduler.ResumeIn(ctx, q, a.ID, now)
			if err != nil {
				return err
			}
			resumed = append(resumed, r)
		}
		st, err := q.EnsureAccountState(ctx, accountID, in.cfg.DefaultLocation, now)
		if err != nil {
			return err
		}
		st.EmergencyActive = false
		return q.SaveAccountState(ctx, st, now)
	})
	if err != nil {
		return nil, err
	}
	in.log.Info("resumed after emergency", logx.Int64("account_id", accountID), logx.Int("assignments", len(resumed)))
	return resumed, nil
}

// Log returns the emergency log of a batch, or the latest entries when batchID is empty.
func (in *Injector) Log(ctx context.Context, batchID string, limit int) ([]model.EmergencyLogEntry, error) {
	return in.store.ListEmergencyLog(ctx, batchID, limit)
}

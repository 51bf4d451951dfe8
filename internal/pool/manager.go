// Package pool bundles compatible sprints and assigns them to many accounts at once.
package pool

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"postplan/internal/assign"
	"postplan/internal/model"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

type Config struct {
	LongDurationHours  int // 90 days
	ShortDurationHours int // 7 days
	MinCommonMonths    int // 3
}

func (c Config) withDefaults() Config {
	if c.LongDurationHours <= 0 {
		c.LongDurationHours = 90 * 24
	}
	if c.ShortDurationHours <= 0 {
		c.ShortDurationHours = 7 * 24
	}
	if c.MinCommonMonths <= 0 {
		c.MinCommonMonths = 3
	}
	return c
}

type Manager struct {
	store     *storage.Store
	scheduler *assign.Scheduler
	cfg       Config
	log       logx.Logger
	now       func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func New(store *storage.Store, scheduler *assign.Scheduler, cfg Config, seed uint64, log logx.Logger, now func() time.Time) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "pool")),
		now:       now,
		rng:       rand.New(rand.NewPCG(seed, seed+1)),
	}
}

func validatePool(p model.CampaignPool) (model.CampaignPool, error) {
	var verr model.ValidationError
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		verr.Add("name", "required")
	}
	strategy, err := model.ParseAssignmentStrategy(string(p.Strategy))
	if err != nil {
		verr.Add("strategy", "unknown strategy %q", p.Strategy)
	}
	p.Strategy = strategy
	if p.TimeHorizonDays < 0 {
		verr.Add("time_horizon_days", "must not be negative")
	}
	return p, verr.OrNil()
}

// CreatePool stores a pool after checking that its sprints are compatible.
func (m *Manager) CreatePool(ctx context.Context, in model.CampaignPool) (model.CampaignPool, Report, error) {
	in, err := validatePool(in)
	if err != nil {
		return in, Report{}, err
	}
	var out model.CampaignPool
	var rep Report
	err = m.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if rep, err = m.validateWith(ctx, q, in.SprintIDs); err != nil {
			return err
		}
		if !rep.IsCompatible {
			return &model.CompatibilityError{Op: "create pool", Reasons: rep.Reasons(), Detail: rep}
		}
		out, err = q.CreatePool(ctx, in, m.now())
		return err
	})
	if err != nil {
		return out, rep, err
	}
	m.log.Info("pool created", logx.Int64("pool_id", out.ID), logx.Int64s("sprint_ids", out.SprintIDs))
	return out, rep, nil
}

// UpdatePool applies the patch and re-checks compatibility before saving.
func (m *Manager) UpdatePool(ctx context.Context, id int64, patch storage.PoolPatch) (model.CampaignPool, Report, error) {
	var out model.CampaignPool
	var rep Report
	err := m.store.WithTx(ctx, func(q *storage.Queries) error {
		cur, err := q.GetPool(ctx, id)
		if err != nil {
			return err
		}
		next, err := validatePool(patch.Apply(cur))
		if err != nil {
			return err
		}
		if rep, err = m.validateWith(ctx, q, next.SprintIDs); err != nil {
			return err
		}
		if !rep.IsCompatible {
			return &model.CompatibilityError{Op: "update pool", Reasons: rep.Reasons(), Detail: rep}
		}
		if err := q.SavePool(ctx, next, m.now()); err != nil {
			return err
		}
		out, err = q.GetPool(ctx, id)
		return err
	})
	if err != nil {
		return out, rep, err
	}
	m.log.Info("pool updated", logx.Int64("pool_id", id))
	return out, rep, nil
}

// DeletePool refuses while assignments created from the pool are still live.
func (m *Manager) DeletePool(ctx context.Context, id int64) error {
	err := m.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetPool(ctx, id); err != nil {
			return err
		}
		n, err := q.CountLiveAssignmentsForPool(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return model.Conflict("delete", "pool", id, "%d live assignments were created from the pool", n)
		}
		return q.DeletePool(ctx, id)
	})
	if err != nil {
		return err
	}
	m.log.Info("pool deleted", logx.Int64("pool_id", id))
	return nil
}

func (m *Manager) GetPool(ctx context.Context, id int64) (model.CampaignPool, error) {
	return m.store.GetPool(ctx, id)
}

func (m *Manager) ListPools(ctx context.Context) ([]model.CampaignPool, error) {
	return m.store.ListPools(ctx)
}

// Selection picks the accounts of a bulk pool assignment.
type Selection struct {
	// Strategy overrides the pool's strategy when set.
	Strategy model.AssignmentStrategy
	// AccountIDs is the manual list, in order.
	AccountIDs      []int64
	MaxAccounts     int // 0 means no cap
	RespectCooldown bool
	StartDate       time.Time // zero means now
	ForceOverride   bool
}

// SelectAccounts resolves the selection against the pool's strategy.
func (m *Manager) SelectAccounts(ctx context.Context, p model.CampaignPool, sel Selection) ([]int64, error) {
	strategy := sel.Strategy
	if strategy == "" {
		strategy = p.Strategy
	}
	strategy, err := model.ParseAssignmentStrategy(string(strategy))
	if err != nil {
		return nil, err
	}

	var ids []int64
	switch strategy {
	case model.StrategyManual:
		if len(sel.AccountIDs) == 0 {
			return nil, &model.ValidationError{Fields: []model.FieldError{{Field: "account_ids", Message: "required for manual selection"}}}
		}
		seen := make(map[int64]bool, len(sel.AccountIDs))
		for _, id := range sel.AccountIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	case model.StrategyRandom:
		eligible, err := m.store.ListEligibleAccounts(ctx, sel.RespectCooldown, m.now())
		if err != nil {
			return nil, err
		}
		for _, e := range eligible {
			ids = append(ids, e.Account.ID)
		}
		m.mu.Lock()
		m.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		m.mu.Unlock()
	case model.StrategyBalanced:
		eligible, err := m.store.ListEligibleAccounts(ctx, sel.RespectCooldown, m.now())
		if err != nil {
			return nil, err
		}
		slices.SortStableFunc(eligible, func(a, b storage.AccountLoad) int {
			return a.ActiveAssignments - b.ActiveAssignments
		})
		for _, e := range eligible {
			ids = append(ids, e.Account.ID)
		}
	}
	if sel.MaxAccounts > 0 && len(ids) > sel.MaxAccounts {
		ids = ids[:sel.MaxAccounts]
	}
	return ids, nil
}

type AssignResult struct {
	PoolID    int64
	Strategy  model.AssignmentStrategy
	Accounts  []int64
	Report    Report
	Succeeded []model.Assignment
	Failed    []assign.PairFailure
}

// AssignPoolToAccounts re-validates the pool, selects accounts and creates one
// assignment per (account, sprint) pair. Sprints run back to back in pool order:
// sprint k starts after the summed expected duration of the sprints before it.
// Sprints that would start beyond the pool's time horizon are reported as failed.
func (m *Manager) AssignPoolToAccounts(ctx context.Context, poolID int64, sel Selection) (AssignResult, error) {
	res := AssignResult{PoolID: poolID}
	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return res, err
	}
	rep, err := m.ValidateSprintCompatibility(ctx, p.SprintIDs)
	if err != nil {
		return res, err
	}
	res.Report = rep
	if !rep.IsCompatible {
		return res, &model.CompatibilityError{Op: "assign pool", Reasons: rep.Reasons(), Detail: rep}
	}
	res.Strategy = sel.Strategy
	if res.Strategy == "" {
		res.Strategy = p.Strategy
	}
	if res.Accounts, err = m.SelectAccounts(ctx, p, sel); err != nil {
		return res, err
	}
	sprints, err := m.store.GetSprints(ctx, p.SprintIDs)
	if err != nil {
		return res, err
	}

	start := sel.StartDate
	if start.IsZero() {
		start = m.now()
	}
	var horizon time.Time
	if p.TimeHorizonDays > 0 {
		horizon = start.Add(time.Duration(p.TimeHorizonDays) * 24 * time.Hour)
	}

	poolRef := p.ID
	assigned := 0
	for _, accountID := range res.Accounts {
		if err := ctx.Err(); err != nil {
			if uerr := m.recordUsage(context.WithoutCancel(ctx), p.ID, assigned); uerr != nil {
				m.log.Error("pool usage not recorded", logx.Int64("pool_id", p.ID), logx.Int("accounts", assigned), logx.Err(uerr))
			}
			return res, err
		}
		offset := time.Duration(0)
		ok := false
		var aborted error
		for k, sprintID := range p.SprintIDs {
			at := start.Add(offset)
			offset += time.Duration(sprints[sprintID].CalculatedDurationHours) * time.Hour
			if aborted != nil {
				res.Failed = append(res.Failed, assign.PairFailure{AccountID: accountID, SprintID: sprintID, Err: aborted})
				continue
			}
			if !horizon.IsZero() && at.After(horizon) {
				res.Failed = append(res.Failed, assign.PairFailure{
					AccountID: accountID, SprintID: sprintID,
					Err: model.Conflict("assign pool", "sprint", sprintID, "start %s is beyond the pool horizon", at.Format(time.RFC3339)),
				})
				continue
			}
			a, err := m.scheduler.CreateAssignment(ctx, accountID, sprintID, assign.Options{
				StartDate:     at,
				ForceOverride: sel.ForceOverride,
				PoolID:        &poolRef,
				Staggered:     p.SprintIDs[:k],
			})
			if err != nil {
				res.Failed = append(res.Failed, assign.PairFailure{AccountID: accountID, SprintID: sprintID, Err: err})
				if k == 0 {
					aborted = model.Conflict("assign pool", "account", accountID, "first pool sprint was refused: %v", err)
				}
				continue
			}
			ok = true
			res.Succeeded = append(res.Succeeded, a)
		}
		if ok {
			assigned++
		}
	}

	if err := m.recordUsage(ctx, p.ID, assigned); err != nil {
		return res, err
	}
	m.log.Info("pool assigned",
		logx.Int64("pool_id", p.ID),
		logx.String("strategy", string(res.Strategy)),
		logx.Int("accounts", len(res.Accounts)),
		logx.Int("succeeded", len(res.Succeeded)),
		logx.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// recordUsage counts one pool run covering assigned accounts. Runs that
// assigned nobody are not counted.
func (m *Manager) recordUsage(ctx context.Context, poolID int64, assigned int) error {
	if assigned == 0 {
		return nil
	}
	return m.store.RecordPoolUsage(ctx, poolID, assigned, m.now())
}

package assign

import (
	"context"
	"errors"

	"postplan/internal/model"
	logx "postplan/pkg/logx"
)

type Pair struct {
	AccountID int64
	SprintID  int64
	Options   *Options // nil uses the batch options
}

type PairFailure struct {
	AccountID int64
	SprintID  int64
	Err       error
}

// Reason is the operator-facing failure text.
func (f PairFailure) Reason() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Compatibility returns the structured refusal when the pair failed validation.
func (f PairFailure) Compatibility() (*model.CompatibilityError, bool) {
	var cerr *model.CompatibilityError
	ok := errors.As(f.Err, &cerr)
	return cerr, ok
}

type BulkResult struct {
	Succeeded []model.Assignment
	Failed    []PairFailure
}

// AssignSprintToAccounts assigns one sprint to many accounts.
func (s *Scheduler) AssignSprintToAccounts(ctx context.Context, sprintID int64, accountIDs []int64, opts Options) BulkResult {
	pairs := make([]Pair, 0, len(accountIDs))
	for _, id := range accountIDs {
		pairs = append(pairs, Pair{AccountID: id, SprintID: sprintID})
	}
	return s.AssignPairs(ctx, pairs, opts)
}

// AssignPairs runs the single-assignment path once per pair, each in its own
// transaction, so one failure never rolls back another pair.
func (s *Scheduler) AssignPairs(ctx context.Context, pairs []Pair, opts Options) BulkResult {
	var res BulkResult
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, PairFailure{AccountID: p.AccountID, SprintID: p.SprintID, Err: err})
			continue
		}
		o := opts
		if p.Options != nil {
			o = *p.Options
		}
		a, err := s.CreateAssignment(ctx, p.AccountID, p.SprintID, o)
		if err != nil {
			res.Failed = append(res.Failed, PairFailure{AccountID: p.AccountID, SprintID: p.SprintID, Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, a)
	}
	s.log.Info("bulk assignment finished",
		logx.Int("pairs", len(pairs)),
		logx.Int("succeeded", len(res.Succeeded)),
		logx.Int("failed", len(res.Failed)),
	)
	return res
}

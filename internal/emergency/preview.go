package emergency

import (
	"context"

	logx "postplan/pkg/logx"
)

// Preview outcome of one account.
const (
	WouldInject = "inject"
	WouldSkip   = "skip"
	WouldFail   = "fail"
)

type AccountPreview struct {
	AccountID  int64
	Conflicts  []Conflict
	CanProceed bool
	Outcome    string
	Reason     string
}

// Preview is the blast radius of a request, computed without mutating anything.
type Preview struct {
	Strategy              Strategy
	Priority              Priority
	TotalAccounts         int
	AccountsWithConflicts int
	ErrorConflicts        int
	WarningConflicts      int
	EstimatedInjections   int
	EstimatedSkipped      int
	EstimatedFailed       int
	Accounts              []AccountPreview
}

// Preview runs the conflict analysis of Inject and estimates its outcome.
func (in *Injector) Preview(ctx context.Context, req Request) (Preview, error) {
	req, err := validateRequest(req)
	if err != nil {
		return Preview{}, err
	}
	targets, err := in.targets(ctx, req.Target)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{Strategy: req.Strategy, Priority: req.Content.Priority, TotalAccounts: len(targets)}
	for _, accountID := range targets {
		ap := AccountPreview{AccountID: accountID}
		an, err := analyze(ctx, in.store.Queries, req.Content, accountID)
		if err != nil {
			ap.Outcome, ap.Reason = WouldFail, err.Error()
			p.EstimatedFailed++
			p.Accounts = append(p.Accounts, ap)
			continue
		}
		ap.Conflicts, ap.CanProceed = an.Conflicts, an.CanProceed
		errs, warns := an.counts()
		p.ErrorConflicts += errs
		p.WarningConflicts += warns
		if len(an.Conflicts) > 0 {
			p.AccountsWithConflicts++
		}
		switch {
		case req.Strategy == SkipConflicted && (!an.CanProceed || an.HasErrors()):
			ap.Outcome = WouldSkip
			p.EstimatedSkipped++
		case !an.CanProceed:
			ap.Outcome, ap.Reason = WouldFail, string(req.Content.Priority)+" content cannot proceed with conflicts"
			p.EstimatedFailed++
		default:
			ap.Outcome = WouldInject
			p.EstimatedInjections++
		}
		p.Accounts = append(p.Accounts, ap)
	}
	in.log.Debug("emergency preview",
		logx.Int("accounts", p.TotalAccounts),
		logx.Int("would_inject", p.EstimatedInjections),
		logx.Int("would_skip", p.EstimatedSkipped),
	)
	return p, nil
}

type BatchOutcome struct {
	Index  int
	Result Result
	Err    error
}

// BatchInject runs independent requests in order. A rejected request does not
// stop the ones after it.
func (in *Injector) BatchInject(ctx context.Context, reqs []Request) []BatchOutcome {
	out := make([]BatchOutcome, 0, len(reqs))
	for i, r := range reqs {
		if err := ctx.Err(); err != nil {
			out = append(out, BatchOutcome{Index: i, Err: err})
			continue
		}
		res, err := in.Inject(ctx, r)
		out = append(out, BatchOutcome{Index: i, Result: res, Err: err})
	}
	return out
}

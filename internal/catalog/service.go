// Package catalog administers sprints and the account records the engine needs.
package catalog

import (
	"context"
	"slices"
	"strings"
	"time"

	"postplan/internal/model"
	"postplan/internal/schedule"
	"postplan/internal/storage"
	logx "postplan/pkg/logx"
)

type Service struct {
	store           *storage.Store
	log             logx.Logger
	now             func() time.Time
	defaultLocation string
}

func New(store *storage.Store, defaultLocation string, log logx.Logger, now func() time.Time) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	if strings.TrimSpace(defaultLocation) == "" {
		defaultLocation = "home"
	}
	return &Service{store: store, log: log.With(logx.String("comp", "catalog")), now: now, defaultLocation: defaultLocation}
}

func validateSprint(ctx context.Context, q *storage.Queries, s model.Sprint) error {
	var verr model.ValidationError
	if strings.TrimSpace(s.Name) == "" {
		verr.Add("name", "required")
	}
	if s.MaxContentItems < 0 {
		verr.Add("max_content_items", "must not be negative")
	}
	if s.CooldownHours < 0 {
		verr.Add("cooldown_hours", "must not be negative")
	}
	if s.MaxContentItems > 0 && len(s.Slots) > s.MaxContentItems {
		verr.Add("slots", "%d slots exceed max_content_items %d", len(s.Slots), s.MaxContentItems)
	}
	schedule.ValidateSlots(s.Slots, &verr)
	for _, id := range s.BlocksSprintIDs {
		if s.ID != 0 && id == s.ID {
			verr.Add("blocks_sprint_ids", "sprint cannot block itself")
			continue
		}
		if _, err := q.GetSprint(ctx, id); err != nil {
			if model.IsNotFound(err) {
				verr.Add("blocks_sprint_ids", "unknown sprint %d", id)
				continue
			}
			return err
		}
	}
	return verr.OrNil()
}

// CreateSprint validates and stores a sprint with its slots. The calculated
// duration is derived from the slot delays.
func (s *Service) CreateSprint(ctx context.Context, in model.Sprint) (model.Sprint, error) {
	in.ID = 0
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
	in.CalculatedDurationHours = schedule.CalculatedDurationHours(in.Slots)
	var out model.Sprint
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := validateSprint(ctx, q, in); err != nil {
			return err
		}
		var err error
		out, err = q.CreateSprint(ctx, in, s.now())
		return err
	})
	if err != nil {
		return out, err
	}
	s.log.Info("sprint created",
		logx.Int64("sprint_id", out.ID),
		logx.String("name", out.Name),
		logx.Int("slots", len(out.Slots)),
		logx.Int("duration_hours", out.CalculatedDurationHours),
	)
	return out, nil
}

func (s *Service) GetSprint(ctx context.Context, id int64) (model.Sprint, error) {
	return s.store.GetSprint(ctx, id)
}

func (s *Service) ListSprints(ctx context.Context) ([]model.Sprint, error) {
	return s.store.ListSprints(ctx)
}

// UpdateSprint applies an administrative edit.
func (s *Service) UpdateSprint(ctx context.Context, id int64, patch storage.SprintPatch) (model.Sprint, error) {
	if patch.Empty() {
		return model.Sprint{}, &model.ValidationError{Fields: []model.FieldError{{Field: "patch", Message: "no fields to update"}}}
	}
	var out model.Sprint
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		cur, err := q.GetSprint(ctx, id)
		if err != nil {
			return err
		}
		next := patch.Apply(cur)
		next.Name = strings.TrimSpace(next.Name)
		next.Location = strings.TrimSpace(next.Location)
		next.CalculatedDurationHours = schedule.CalculatedDurationHours(next.Slots)
		if err := validateSprint(ctx, q, next); err != nil {
			return err
		}
		out, err = q.SaveSprint(ctx, next, s.now())
		return err
	})
	if err != nil {
		return out, err
	}
	s.log.Info("sprint updated", logx.Int64("sprint_id", id))
	return out, nil
}

// DeleteSprint refuses while any scheduled, active or paused assignment holds the sprint.
func (s *Service) DeleteSprint(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetSprint(ctx, id); err != nil {
			return err
		}
		n, err := q.CountLiveAssignmentsForSprint(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return model.Conflict("delete", "sprint", id, "%d live assignments hold the sprint", n)
		}
		return q.DeleteSprint(ctx, id, s.now())
	})
	if err != nil {
		return err
	}
	s.log.Info("sprint deleted", logx.Int64("sprint_id", id))
	return nil
}

// UpsertAccount mirrors an account from the onboarding collaborator.
func (s *Service) UpsertAccount(ctx context.Context, a model.Account) error {
	var verr model.ValidationError
	if a.ID <= 0 {
		verr.Add("id", "must be positive")
	}
	switch a.Status {
	case "", model.AccountActive, model.AccountSuspended, model.AccountBanned:
	default:
		verr.Add("status", "unknown account status %q", a.Status)
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	return s.store.UpsertAccount(ctx, a)
}

func (s *Service) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// AccountFlags are operator-controlled state toggles; nil fields are unchanged.
type AccountFlags struct {
	Idle              *bool
	Silenced          *bool
	HighlightGroupIDs *[]int64
}

// SetAccountFlags updates idle, silence and displayed highlight groups on the content state.
func (s *Service) SetAccountFlags(ctx context.Context, accountID int64, flags AccountFlags) (model.AccountContentState, error) {
	now := s.now()
	var st model.AccountContentState
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		if st, err = q.EnsureAccountState(ctx, accountID, s.defaultLocation, now); err != nil {
			return err
		}
		if flags.Idle != nil {
			st.Idle = *flags.Idle
		}
		if flags.Silenced != nil {
			st.Silenced = *flags.Silenced
		}
		if flags.HighlightGroupIDs != nil {
			st.HighlightGroupIDs = slices.Clone(*flags.HighlightGroupIDs)
		}
		return q.SaveAccountState(ctx, st, now)
	})
	return st, err
}

// AccountState returns the content state, creating it with the default location if needed.
func (s *Service) AccountState(ctx context.Context, accountID int64) (model.AccountContentState, error) {
	st, ok, err := s.store.GetAccountState(ctx, accountID)
	if err != nil || ok {
		return st, err
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return st, err
	}
	st.CurrentLocation = s.defaultLocation
	return st, nil
}

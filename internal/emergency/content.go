package emergency

import (
	"fmt"
	"strings"

	"postplan/internal/model"
)

// Priority is the urgency of emergency content.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityStandard Priority = "standard"
)

func ParsePriority(s string) (Priority, error) {
	switch v := Priority(strings.ToLower(strings.TrimSpace(s))); v {
	case PriorityCritical, PriorityHigh, PriorityStandard:
		return v, nil
	case "":
		return PriorityStandard, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", model.ErrValidation, s)
	}
}

// QueuePriority maps the urgency onto the queue's numeric priority.
func (p Priority) QueuePriority() int {
	switch p {
	case PriorityCritical:
		return model.PriorityCritical
	case PriorityHigh:
		return model.PriorityHigh
	case PriorityStandard:
		return model.PriorityStandard
	}
	return model.PriorityStandard
}

// Strategy decides what happens to an account's existing schedule.
type Strategy string

const (
	PauseSprints      Strategy = "pause_sprints"
	PostAlongside     Strategy = "post_alongside"
	OverrideConflicts Strategy = "override_conflicts"
	SkipConflicted    Strategy = "skip_conflicted"
)

func ParseStrategy(s string) (Strategy, error) {
	switch v := Strategy(strings.ToLower(strings.TrimSpace(s))); v {
	case PauseSprints, PostAlongside, OverrideConflicts, SkipConflicted:
		return v, nil
	case "":
		return PostAlongside, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict strategy %q", model.ErrValidation, s)
	}
}

// Content is one piece of out-of-band content.
type Content struct {
	Ref         string
	Title       string
	ContentType model.ContentCategory
	Priority    Priority
	// Location is the location context the content implies; empty means any.
	Location string
	Theme    string
	// PostImmediately schedules standard content at now instead of an hour out.
	PostImmediately bool
}

// Target selects the accounts that receive the content.
type Target struct {
	AccountIDs  []int64
	AllEligible bool
}

type Request struct {
	Content  Content
	Target   Target
	Strategy Strategy
}

// ValidateContent checks the payload shape before any injection and returns the
// content with defaults applied.
func ValidateContent(c Content) (Content, error) {
	var verr model.ValidationError
	c.Ref = strings.TrimSpace(c.Ref)
	if c.Ref == "" {
		verr.Add("ref", "required")
	}
	if len(c.Title) > 200 {
		verr.Add("title", "longer than 200 characters")
	}
	if c.ContentType == "" {
		c.ContentType = model.CategoryStory
	}
	if !c.ContentType.Valid() {
		verr.Add("content_type", "unknown content type %q", c.ContentType)
	}
	p, err := ParsePriority(string(c.Priority))
	if err != nil {
		verr.Add("priority", "unknown priority %q", c.Priority)
	}
	c.Priority = p
	c.Location = strings.TrimSpace(c.Location)
	c.Theme = strings.ToLower(strings.TrimSpace(c.Theme))
	return c, verr.OrNil()
}

func validateRequest(r Request) (Request, error) {
	c, err := ValidateContent(r.Content)
	var verr model.ValidationError
	if ve, ok := err.(*model.ValidationError); ok {
		verr = *ve
	}
	r.Content = c
	s, err := ParseStrategy(string(r.Strategy))
	if err != nil {
		verr.Add("strategy", "unknown conflict strategy %q", r.Strategy)
	}
	r.Strategy = s
	switch {
	case r.Target.AllEligible && len(r.Target.AccountIDs) > 0:
		verr.Add("target", "account ids and all-eligible are mutually exclusive")
	case !r.Target.AllEligible && len(r.Target.AccountIDs) == 0:
		verr.Add("target", "no accounts selected")
	}
	for _, id := range r.Target.AccountIDs {
		if id <= 0 {
			verr.Add("target", "invalid account id %d", id)
		}
	}
	return r, verr.OrNil()
}

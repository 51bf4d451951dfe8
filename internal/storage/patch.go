package storage

import "postplan/internal/model"

// SprintPatch is a partial administrative edit. Nil fields are left untouched.
type SprintPatch struct {
	Name                    *string
	Type                    *string
	Location                *string
	AvailableMonths         *model.MonthSet
	MaxContentItems         *int
	CooldownHours           *int
	Slots                   *[]model.ContentSlot
	BlocksSprintIDs         *[]int64
	BlocksHighlightGroupIDs *[]int64
}

// Empty reports whether the patch changes nothing.
func (p SprintPatch) Empty() bool {
	return p.Name == nil && p.Type == nil && p.Location == nil && p.AvailableMonths == nil &&
		p.MaxContentItems == nil && p.CooldownHours == nil && p.Slots == nil &&
		p.BlocksSprintIDs == nil && p.BlocksHighlightGroupIDs == nil
}

// Apply returns s with the patch applied.
func (p SprintPatch) Apply(s model.Sprint) model.Sprint {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Type != nil {
		s.Type = *p.Type
	}
	if p.Location != nil {
		s.Location = *p.Location
	}
	if p.AvailableMonths != nil {
		s.AvailableMonths = *p.AvailableMonths
	}
	if p.MaxContentItems != nil {
		s.MaxContentItems = *p.MaxContentItems
	}
	if p.CooldownHours != nil {
		s.CooldownHours = *p.CooldownHours
	}
	if p.Slots != nil {
		s.Slots = append([]model.ContentSlot(nil), (*p.Slots)...)
	}
	if p.BlocksSprintIDs != nil {
		s.BlocksSprintIDs = append([]int64(nil), (*p.BlocksSprintIDs)...)
	}
	if p.BlocksHighlightGroupIDs != nil {
		s.BlocksHighlightGroupIDs = append([]int64(nil), (*p.BlocksHighlightGroupIDs)...)
	}
	return s
}

// PoolPatch is a partial pool edit. Nil fields are left untouched.
type PoolPatch struct {
	Name            *string
	Description     *string
	SprintIDs       *[]int64
	Strategy        *model.AssignmentStrategy
	TimeHorizonDays *int
}

func (p PoolPatch) Apply(pool model.CampaignPool) model.CampaignPool {
	if p.Name != nil {
		pool.Name = *p.Name
	}
	if p.Description != nil {
		pool.Description = *p.Description
	}
	if p.SprintIDs != nil {
		pool.SprintIDs = append([]int64(nil), (*p.SprintIDs)...)
	}
	if p.Strategy != nil {
		pool.Strategy = *p.Strategy
	}
	if p.TimeHorizonDays != nil {
		pool.TimeHorizonDays = *p.TimeHorizonDays
	}
	return pool
}

package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ContentCategory is the kind of content a slot produces.
type ContentCategory string

const (
	CategoryPost      ContentCategory = "post"
	CategoryStory     ContentCategory = "story"
	CategoryHighlight ContentCategory = "highlight"
)

func (c ContentCategory) Valid() bool {
	switch c {
	case CategoryPost, CategoryStory, CategoryHighlight:
		return true
	}
	return false
}

// ContentSlot is one position in a sprint's posting sequence.
// Delays are whole hours relative to the previous slot (or the sprint start for the first slot).
type ContentSlot struct {
	ID            int64
	SprintID      int64
	OrderIndex    int // 1-based
	Categories    []ContentCategory
	DelayHoursMin int
	DelayHoursMax int
}

// ContentType derives the queue content type from the slot's categories.
// Priority is post > story > highlight; a slot without categories posts a story.
func (s ContentSlot) ContentType() ContentCategory {
	for _, c := range []ContentCategory{CategoryPost, CategoryStory, CategoryHighlight} {
		if slices.Contains(s.Categories, c) {
			return c
		}
	}
	return CategoryStory
}

type Sprint struct {
	ID                      int64
	Name                    string
	Type                    string
	Location                string
	AvailableMonths         MonthSet
	MaxContentItems         int
	CooldownHours           int
	Slots                   []ContentSlot
	BlocksSprintIDs         []int64
	BlocksHighlightGroupIDs []int64
	CalculatedDurationHours int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HasLocation reports whether the sprint is bound to a location.
func (s Sprint) HasLocation() bool { return strings.TrimSpace(s.Location) != "" }

// Blocks reports whether s declares other in its block list.
func (s Sprint) Blocks(otherID int64) bool { return slices.Contains(s.BlocksSprintIDs, otherID) }

// SlotCount is the number of content slots.
func (s Sprint) SlotCount() int { return len(s.Slots) }

// SortedSlots returns the slots ordered by OrderIndex.
func (s Sprint) SortedSlots() []ContentSlot {
	out := slices.Clone(s.Slots)
	slices.SortStableFunc(out, func(a, b ContentSlot) int { return a.OrderIndex - b.OrderIndex })
	return out
}

// LastOrderIndex returns the highest slot order index, 0 without slots.
func (s Sprint) LastOrderIndex() int {
	last := 0
	for _, sl := range s.Slots {
		if sl.OrderIndex > last {
			last = sl.OrderIndex
		}
	}
	return last
}

// AssignmentStrategy selects accounts for bulk pool assignment.
type AssignmentStrategy string

const (
	StrategyRandom   AssignmentStrategy = "random"
	StrategyBalanced AssignmentStrategy = "balanced"
	StrategyManual   AssignmentStrategy = "manual"
)

func ParseAssignmentStrategy(s string) (AssignmentStrategy, error) {
	switch v := AssignmentStrategy(strings.ToLower(strings.TrimSpace(s))); v {
	case StrategyRandom, StrategyBalanced, StrategyManual:
		return v, nil
	case "":
		return StrategyRandom, nil
	default:
		return "", fmt.Errorf("%w: unknown assignment strategy %q", ErrValidation, s)
	}
}

type CampaignPool struct {
	ID               int64
	Name             string
	Description      string
	SprintIDs        []int64
	Strategy         AssignmentStrategy
	TimeHorizonDays  int
	UsageCount       int
	AccountsAssigned int
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountBanned    AccountStatus = "banned"
)

// Account is the subset of the account record the engine needs for eligibility.
type Account struct {
	ID              int64
	Username        string
	Status          AccountStatus
	WarmupCompleted bool
}

type AssignmentStatus string

const (
	AssignmentScheduled AssignmentStatus = "scheduled"
	AssignmentActive    AssignmentStatus = "active"
	AssignmentPaused    AssignmentStatus = "paused"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Live reports whether the assignment still holds the sprint.
func (s AssignmentStatus) Live() bool { return s != AssignmentCompleted }

type PauseReason string

const (
	PauseNone      PauseReason = ""
	PauseManual    PauseReason = "manual"
	PauseEmergency PauseReason = "emergency"
)

type Assignment struct {
	ID                  int64
	AccountID           int64
	SprintID            int64
	PoolID              *int64
	Status              AssignmentStatus
	StartDate           time.Time
	CurrentContentIndex int
	NextContentDue      *time.Time
	PauseReason         PauseReason
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

// AccountContentState is the single point of truth for what an account is doing right now.
type AccountContentState struct {
	AccountID         int64
	CurrentLocation   string
	ActiveSprintIDs   []int64
	HighlightGroupIDs []int64
	CooldownUntil     *time.Time
	Idle              bool
	Silenced          bool
	EmergencyActive   bool
	LastEmergencyAt   *time.Time
	UpdatedAt         time.Time
}

// InCooldown reports whether the cooldown window is still open at now.
func (s AccountContentState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

func (s *AccountContentState) AddActiveSprint(id int64) {
	if !slices.Contains(s.ActiveSprintIDs, id) {
		s.ActiveSprintIDs = append(s.ActiveSprintIDs, id)
	}
}

func (s *AccountContentState) RemoveActiveSprint(id int64) {
	s.ActiveSprintIDs = slices.DeleteFunc(s.ActiveSprintIDs, func(v int64) bool { return v == id })
}

type QueueStatus string

const (
	QueueQueued    QueueStatus = "queued"
	QueuePosted    QueueStatus = "posted"
	QueueFailed    QueueStatus = "failed"
	QueueRetrying  QueueStatus = "retrying"
	QueueCancelled QueueStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted.
func (s QueueStatus) Terminal() bool { return s == QueuePosted || s == QueueCancelled }

func ParseQueueStatus(s string) (QueueStatus, error) {
	switch v := QueueStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case QueueQueued, QueuePosted, QueueFailed, QueueRetrying, QueueCancelled:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown queue status %q", ErrValidation, s)
	}
}

// Queue priorities, lower is more urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityStandard = 3
	PriorityNormal   = 5
)

type QueueItem struct {
	ID                int64
	AccountID         int64
	AssignmentID      *int64
	SlotIndex         int
	ContentRef        string
	ScheduledAt       time.Time
	ContentType       ContentCategory
	Status            QueueStatus
	Emergency         bool
	EmergencyStrategy string
	Priority          int
	RetryCount        int
	ErrorMessage      string
	PostedAt          *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EmergencyOutcome is the per-account result recorded in the emergency log.
type EmergencyOutcome string

const (
	OutcomeSuccess EmergencyOutcome = "success"
	OutcomeFailed  EmergencyOutcome = "failed"
	OutcomeSkipped EmergencyOutcome = "skipped"
)

// EmergencyLogEntry is an append-only analytics record of one account's injection outcome.
type EmergencyLogEntry struct {
	ID          int64
	BatchID     string
	AccountID   int64
	ContentRef  string
	Strategy    string
	Priority    string
	Outcome     EmergencyOutcome
	Reason      string
	QueueItemID *int64
	TookMS      int64
	At          time.Time
}

// Package schedule turns a sprint's content slots into concrete posting times.
package schedule

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"postplan/internal/model"
)

// Item is one planned posting.
type Item struct {
	SlotIndex   int
	ScheduledAt time.Time
	ContentType model.ContentCategory
	DelayHours  int
}

type Schedule struct {
	StartDate          time.Time
	EndDate            time.Time
	Items              []Item
	TotalDurationHours int
}

// SprintSource loads a sprint with its slots.
type SprintSource interface {
	GetSprint(ctx context.Context, id int64) (model.Sprint, error)
}

// Calculator draws per-slot delays from a seeded source, so a given seed
// always yields the same schedule sequence. Safe for concurrent use.
type Calculator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewCalculator(seed uint64) *Calculator {
	return &Calculator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Calculate schedules every slot of the sprint starting at start.
func (c *Calculator) Calculate(s model.Sprint, start time.Time) Schedule {
	return c.CalculateFrom(s, 0, start)
}

// CalculateFrom schedules only slots whose order index is greater than afterIndex.
// The first remaining slot's delay is measured from start.
func (c *Calculator) CalculateFrom(s model.Sprint, afterIndex int, start time.Time) Schedule {
	out := Schedule{StartDate: start, EndDate: start}
	clock := start

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sl := range s.SortedSlots() {
		if sl.OrderIndex <= afterIndex {
			continue
		}
		d := c.draw(sl.DelayHoursMin, sl.DelayHoursMax)
		clock = clock.Add(time.Duration(d) * time.Hour)
		out.Items = append(out.Items, Item{
			SlotIndex:   sl.OrderIndex,
			ScheduledAt: clock,
			ContentType: sl.ContentType(),
			DelayHours:  d,
		})
		out.TotalDurationHours += d
	}
	out.EndDate = clock
	return out
}

// CalculateByID loads the sprint from src and schedules it.
func (c *Calculator) CalculateByID(ctx context.Context, src SprintSource, sprintID int64, start time.Time) (Schedule, error) {
	s, err := src.GetSprint(ctx, sprintID)
	if err != nil {
		return Schedule{}, err
	}
	return c.Calculate(s, start), nil
}

// draw returns an integer uniformly in [lo, hi]. Caller holds c.mu.
func (c *Calculator) draw(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + c.rng.IntN(hi-lo+1)
}

// CalculatedDurationHours is the catalog's expected sprint length:
// the sum of each slot's delay midpoint, rounded up.
func CalculatedDurationHours(slots []model.ContentSlot) int {
	total := 0
	for _, sl := range slots {
		total += (sl.DelayHoursMin + sl.DelayHoursMax + 1) / 2
	}
	return total
}

package schedule

import (
	"fmt"

	"postplan/internal/model"
)

// ValidateSlots checks a slot list before it is stored. Order indexes must be
// unique and positive; delays satisfy 0 <= min <= max, and every slot after the
// first must wait at least one hour so posting times never collide.
func ValidateSlots(slots []model.ContentSlot, verr *model.ValidationError) {
	seen := make(map[int]bool, len(slots))
	first := 0
	for _, sl := range slots {
		if first == 0 || (sl.OrderIndex > 0 && sl.OrderIndex < first) {
			first = sl.OrderIndex
		}
	}
	for i, sl := range slots {
		field := fmt.Sprintf("slots[%d]", i)
		if sl.OrderIndex <= 0 {
			verr.Add(field+".order_index", "must be positive")
			continue
		}
		if seen[sl.OrderIndex] {
			verr.Add(field+".order_index", "duplicate order index %d", sl.OrderIndex)
		}
		seen[sl.OrderIndex] = true
		for _, c := range sl.Categories {
			if !c.Valid() {
				verr.Add(field+".categories", "unknown category %q", c)
			}
		}
		if sl.DelayHoursMin < 0 || sl.DelayHoursMax < sl.DelayHoursMin {
			verr.Add(field+".delay", "need 0 <= min <= max, got [%d,%d]", sl.DelayHoursMin, sl.DelayHoursMax)
			continue
		}
		if sl.OrderIndex != first && sl.DelayHoursMin < 1 {
			verr.Add(field+".delay", "only the first slot may post without delay")
		}
	}
}

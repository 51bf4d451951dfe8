package model

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"time"
)

// MonthSet is a set of calendar months (1..12) stored as a bitmask.
// The zero value is the empty set; sprints treat an empty set as "all months".
type MonthSet uint16

const allMonths MonthSet = 0x1FFE // bits 1..12

func AllMonths() MonthSet { return allMonths }

func NewMonthSet(months ...int) (MonthSet, error) {
	var s MonthSet
	for _, m := range months {
		if m < 1 || m > 12 {
			return 0, fmt.Errorf("%w: month %d out of range 1..12", ErrValidation, m)
		}
		s |= 1 << uint(m)
	}
	return s, nil
}

// MustMonthSet is NewMonthSet for literals known to be valid.
func MustMonthSet(months ...int) MonthSet {
	s, err := NewMonthSet(months...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s MonthSet) Has(m time.Month) bool { return s&(1<<uint(m)) != 0 }

func (s MonthSet) Len() int { return bits.OnesCount16(uint16(s & allMonths)) }

func (s MonthSet) IsEmpty() bool { return s.Len() == 0 }

func (s MonthSet) Intersect(o MonthSet) MonthSet { return s & o & allMonths }

// Effective returns the set with "empty means all months" applied.
func (s MonthSet) Effective() MonthSet {
	if s.IsEmpty() {
		return allMonths
	}
	return s & allMonths
}

func (s MonthSet) Months() []int {
	out := make([]int, 0, s.Len())
	for m := 1; m <= 12; m++ {
		if s&(1<<uint(m)) != 0 {
			out = append(out, m)
		}
	}
	return out
}

func (s MonthSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Months()) }

func (s *MonthSet) UnmarshalJSON(b []byte) error {
	var months []int
	if err := json.Unmarshal(b, &months); err != nil {
		return err
	}
	v, err := NewMonthSet(months...)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

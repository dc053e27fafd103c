package calendar

import (
	"sort"
	"time"
)

// Calendar is an in-memory index of one cycle's occurrences, grouped by slot.
// It answers "what comes next" questions without touching storage, so a
// reconciliation pass loads it once and resolves every item against it.
type Calendar struct {
	CycleID int64
	bySlot  map[Slot][]Occurrence
	majors  map[string]bool
}

// New builds a Calendar from the occurrences of cycleID. Occurrences that
// belong to other cycles are ignored.
func New(cycleID int64, occurrences []Occurrence) *Calendar {
	c := &Calendar{
		CycleID: cycleID,
		bySlot:  make(map[Slot][]Occurrence),
		majors:  make(map[string]bool),
	}
	for _, o := range occurrences {
		if o.CycleID != cycleID {
			continue
		}
		o.Date = DateOnly(o.Date)
		c.bySlot[o.Slot] = append(c.bySlot[o.Slot], o)
		c.majors[o.Slot.Major] = true
	}
	for slot := range c.bySlot {
		occ := c.bySlot[slot]
		sort.SliceStable(occ, func(i, j int) bool {
			if !occ[i].Date.Equal(occ[j].Date) {
				return occ[i].Date.Before(occ[j].Date)
			}
			if occ[i].Sequence != occ[j].Sequence {
				return occ[i].Sequence < occ[j].Sequence
			}
			return occ[i].ID < occ[j].ID
		})
	}
	return c
}

// ResolveNext returns the occurrence for slot with the smallest date strictly
// after the reference date, ties broken by sequence. An occurrence dated on
// the reference date counts as consumed. ok is false when the calendar has
// nothing further for the slot, which is a normal end-of-schedule state.
func (c *Calendar) ResolveNext(slot Slot, after time.Time) (occ Occurrence, ok bool) {
	if c == nil {
		return Occurrence{}, false
	}
	ref := DateOnly(after)
	dated := c.bySlot[slot]
	i := sort.Search(len(dated), func(i int) bool { return dated[i].Date.After(ref) })
	if i == len(dated) {
		return Occurrence{}, false
	}
	return dated[i], true
}

// ResolveOnOrAfter is ResolveNext with an inclusive bound. Used when an item is
// first placed on a slot and today's occurrence is still shippable.
func (c *Calendar) ResolveOnOrAfter(slot Slot, date time.Time) (Occurrence, bool) {
	return c.ResolveNext(slot, AddDays(date, -1))
}

// Exists reports whether the cycle has any row for the slot.
func (c *Calendar) Exists(slot Slot) bool {
	if c == nil {
		return false
	}
	return len(c.bySlot[slot]) > 0
}

// HasMajor reports whether any occurrence uses the given major key.
func (c *Calendar) HasMajor(major string) bool {
	if c == nil {
		return false
	}
	return c.majors[major]
}

// ValidateSlot rejects a minor selection that has no rows for the chosen major.
func (c *Calendar) ValidateSlot(slot Slot) error {
	if !c.Exists(slot) {
		return ErrAmbiguousSlot
	}
	return nil
}

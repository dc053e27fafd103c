// internal/domain/calendar/cycle.go
package calendar

import (
	"errors"
	"fmt"
	"time"
)

var ErrCycleNotFound = errors.New("cycle not found")

// ErrAmbiguousSlot is returned when a (major, minor) pair has no rows in the cycle.
var ErrAmbiguousSlot = errors.New("slot has no calendar rows for the chosen major")

// Cycle is a named recurring calendar.
// Corresponds to the 'cycles' table.
type Cycle struct {
	ID   int64
	Name string
}

// Slot is the two-level key an occurrence is grouped by, e.g. Major = "JAN", Minor = "A".
type Slot struct {
	Major string
	Minor string
}

func (s Slot) String() string {
	return fmt.Sprintf("%s/%s", s.Major, s.Minor)
}

// Complete reports whether both levels of the slot are filled in.
func (s Slot) Complete() bool {
	return s.Major != "" && s.Minor != ""
}

// Occurrence is one dated instance within a Cycle.
// Corresponds to the 'cycle_occurrences' table.
type Occurrence struct {
	ID            int64
	CycleID       int64
	Slot          Slot
	Sequence      int
	SequenceMajor int
	Date          time.Time
}

// IsPast reports whether the occurrence date lies before the given business date.
func (o Occurrence) IsPast(businessDate time.Time) bool {
	return DateOnly(o.Date).Before(DateOnly(businessDate))
}

package series

import (
	"time"

	"standing_orders/internal/domain/calendar"
)

// ComputeShipDate subtracts the lead time from an occurrence date.
func ComputeShipDate(occurrenceDate time.Time, leadTimeDays int) time.Time {
	return calendar.AddDays(occurrenceDate, -leadTimeDays)
}

// PreserveOffset re-applies the signed day offset between an old ship date and
// its occurrence to a new occurrence date, so a hand-edited ship date keeps
// its distance from the calendar when the schedule moves on.
func PreserveOffset(oldShipDate, oldOccurrenceDate, newOccurrenceDate time.Time) time.Time {
	offset := calendar.DaysBetween(oldOccurrenceDate, oldShipDate)
	return calendar.AddDays(newOccurrenceDate, offset)
}

// Offset is the item's current ship-date offset from its upcoming occurrence.
// Without both dates it falls back to the series lead time.
func (it *Item) Offset(leadTimeDays int) int {
	if it.ShipDate.Valid && it.UpcomingOccurrenceDate.Valid {
		return calendar.DaysBetween(it.UpcomingOccurrenceDate.Time, it.ShipDate.Time)
	}
	return -leadTimeDays
}

// HasManualOffset reports whether the ship date was moved away from the
// default lead-time position.
func (it *Item) HasManualOffset(leadTimeDays int) bool {
	return it.ShipDate.Valid && it.UpcomingOccurrenceDate.Valid && it.Offset(leadTimeDays) != -leadTimeDays
}

// NextShipDate is the ship date the item should get once it moves to next.
func (it *Item) NextShipDate(next calendar.Occurrence, leadTimeDays int) time.Time {
	if it.ShipDate.Valid && it.UpcomingOccurrenceDate.Valid {
		return PreserveOffset(it.ShipDate.Time, it.UpcomingOccurrenceDate.Time, next.Date)
	}
	return ComputeShipDate(next.Date, leadTimeDays)
}

// MoveTo caches next as the upcoming occurrence and shifts the ship date with it.
func (it *Item) MoveTo(next calendar.Occurrence, leadTimeDays int) {
	ship := it.NextShipDate(next, leadTimeDays)
	it.SetUpcoming(next)
	it.SetShipDate(ship)
}

// DesiredShipDate is the date reconciliation aligns order lines to. Items
// without a ship date fall back to the business date.
func (it *Item) DesiredShipDate(businessDate time.Time) time.Time {
	if it.ShipDate.Valid {
		return calendar.DateOnly(it.ShipDate.Time)
	}
	return calendar.DateOnly(businessDate)
}

// internal/domain/series/series.go
package series

import (
	"database/sql"
	"errors"
	"time"

	"standing_orders/internal/domain/calendar"
)

var ErrSeriesNotFound = errors.New("series not found")
var ErrItemNotFound = errors.New("series item not found")
var ErrDuplicateCode = errors.New("series with this code already exists")

// Series is a recurring-order template. Orders carrying Code are kept in line
// with the series' items.
// Corresponds to the 'series' table.
type Series struct {
	ID              int64
	Code            string // book series identifier shown to users and stamped on orders
	Name            string
	CycleID         sql.NullInt64
	DefaultLeadTime int // days
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasCycle reports whether a calendar is assigned.
func (s *Series) HasCycle() bool {
	return s != nil && s.CycleID.Valid
}

// Item is one scheduled item within a Series.
// Corresponds to the 'series_items' table.
type Item struct {
	ID       int64
	SeriesID int64
	ItemID   sql.NullInt64 // inventory item; rows without one are ignored by reconciliation
	Slot     calendar.Slot
	ShipDate sql.NullTime

	// Cached answer of the calendar for Slot.
	UpcomingOccurrenceID   sql.NullInt64
	UpcomingOccurrenceDate sql.NullTime
}

// ClearUpcoming drops the cached calendar answer.
func (it *Item) ClearUpcoming() {
	it.UpcomingOccurrenceID = sql.NullInt64{}
	it.UpcomingOccurrenceDate = sql.NullTime{}
}

// SetUpcoming caches occ as the item's upcoming occurrence.
func (it *Item) SetUpcoming(occ calendar.Occurrence) {
	it.UpcomingOccurrenceID = sql.NullInt64{Int64: occ.ID, Valid: true}
	it.UpcomingOccurrenceDate = sql.NullTime{Time: calendar.DateOnly(occ.Date), Valid: true}
}

// SetShipDate sets the ship date, normalised to a whole day.
func (it *Item) SetShipDate(t time.Time) {
	it.ShipDate = sql.NullTime{Time: calendar.DateOnly(t), Valid: true}
}

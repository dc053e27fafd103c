// internal/domain/order/order.go
package order

import (
	"database/sql"
	"fmt"
	"time"

	"standing_orders/internal/domain/calendar"

	"github.com/shopspring/decimal"
)

// Ref identifies an order by type and number, e.g. ST-000123.
type Ref struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

func (r Ref) String() string {
	return r.Type + "-" + r.Number
}

// LineRef points at one line of one order.
type LineRef struct {
	Order   Ref `json:"order"`
	LineNbr int `json:"line_nbr"`
}

func (r LineRef) String() string {
	return fmt.Sprintf("%s#%d", r.Order, r.LineNbr)
}

// ShipPolicy mirrors the order system's ship-complete setting of a line.
type ShipPolicy string

const (
	ShipBackOrderAllowed ShipPolicy = "B"
	ShipComplete         ShipPolicy = "C"
	ShipCancelRemainder  ShipPolicy = "L"
)

type lineState uint8

const (
	lineClean lineState = iota
	lineNew
	lineModified
)

// Line is one line of a standing or blanket order.
// Corresponds to the 'order_lines' table.
type Line struct {
	LineNbr       int
	ItemID        sql.NullInt64
	SiteID        sql.NullInt64
	UOM           string
	OrderQty      decimal.Decimal
	OpenQty       decimal.Decimal
	ShippedQty    decimal.Decimal
	UnitPrice     decimal.Decimal
	ScheduledDate sql.NullTime
	ShipPolicy    ShipPolicy
	Completed     bool
	// DerivedFrom is set on lines that were split off another order's line.
	DerivedFrom *LineRef

	state lineState
}

// IsProcessed reports whether the line has progressed past the point where
// scheduling may touch it: completed, partly shipped, or nothing left open.
func (l *Line) IsProcessed() bool {
	return l.Completed || l.ShippedQty.IsPositive() || l.OpenQty.IsZero()
}

// Order is the header of a standing order together with its lines.
// Corresponds to the 'orders' table.
type Order struct {
	Ref
	CustomerID         int64
	CustomerLocationID sql.NullInt64
	CurrencyID         string
	SeriesCode         sql.NullString
	OrderDate          sql.NullTime
	MinScheduledDate   sql.NullTime
	BlanketRef         *Ref // set on child orders
	Description        string
	Version            int // optimistic concurrency token

	Lines []*Line
	// SplitLines holds the numbers of this order's lines that other orders'
	// lines were derived from.
	SplitLines map[int]bool

	deleted     []int
	headerDirty bool
}

// IsChildLinked reports whether l takes part in a parent/child split, either
// as the derived line or as the parent line it was taken from.
func (o *Order) IsChildLinked(l *Line) bool {
	return l.DerivedFrom != nil || o.SplitLines[l.LineNbr]
}

// IsProtected reports whether scheduling must leave l alone.
func (o *Order) IsProtected(l *Line) bool {
	return l.IsProcessed() || o.IsChildLinked(l)
}

// Line returns the line with the given number, or nil.
func (o *Order) Line(nbr int) *Line {
	for _, l := range o.Lines {
		if l.LineNbr == nbr {
			return l
		}
	}
	return nil
}

func (o *Order) nextLineNbr() int {
	top := 0
	for _, l := range o.Lines {
		if l.LineNbr > top {
			top = l.LineNbr
		}
	}
	for _, nbr := range o.deleted {
		if nbr > top {
			top = nbr
		}
	}
	return top + 1
}

// AddLine appends l under the next free line number.
func (o *Order) AddLine(l *Line) *Line {
	l.LineNbr = o.nextLineNbr()
	l.state = lineNew
	if l.ShipPolicy == "" {
		l.ShipPolicy = ShipBackOrderAllowed
	}
	o.Lines = append(o.Lines, l)
	return l
}

// SetLineDate moves an unprotected line to a new scheduled date.
func (o *Order) SetLineDate(nbr int, date time.Time) error {
	l := o.Line(nbr)
	if l == nil {
		return fmt.Errorf("%w: %s line %d", ErrLineNotFound, o.Ref, nbr)
	}
	if o.IsProtected(l) {
		return &ValidationError{Order: o.Ref, Field: "scheduled_date", Reason: fmt.Sprintf("line %d is protected", nbr)}
	}
	l.ScheduledDate = sql.NullTime{Time: calendar.DateOnly(date), Valid: true}
	if l.state == lineClean {
		l.state = lineModified
	}
	return nil
}

// RemoveLine deletes an unprotected line.
func (o *Order) RemoveLine(nbr int) error {
	for i, l := range o.Lines {
		if l.LineNbr != nbr {
			continue
		}
		if o.IsProtected(l) {
			return &ValidationError{Order: o.Ref, Field: "line", Reason: fmt.Sprintf("line %d is protected", nbr)}
		}
		o.Lines = append(o.Lines[:i], o.Lines[i+1:]...)
		if l.state != lineNew {
			o.deleted = append(o.deleted, nbr)
		}
		return nil
	}
	return fmt.Errorf("%w: %s line %d", ErrLineNotFound, o.Ref, nbr)
}

// SetMinScheduledDate updates the header's earliest scheduled date.
func (o *Order) SetMinScheduledDate(date sql.NullTime) {
	if date.Valid {
		date.Time = calendar.DateOnly(date.Time)
	}
	o.MinScheduledDate = date
	o.headerDirty = true
}

// SetSeriesCode tags the order with a series, or untags it when code is empty.
func (o *Order) SetSeriesCode(code string) {
	o.SeriesCode = sql.NullString{String: code, Valid: code != ""}
	o.headerDirty = true
}

// EarliestOpenDate is the minimum scheduled date over lines that are neither
// completed nor part of a split.
func (o *Order) EarliestOpenDate() sql.NullTime {
	var earliest sql.NullTime
	for _, l := range o.Lines {
		if l.Completed || o.IsChildLinked(l) || !l.ScheduledDate.Valid {
			continue
		}
		d := calendar.DateOnly(l.ScheduledDate.Time)
		if !earliest.Valid || d.Before(earliest.Time) {
			earliest = sql.NullTime{Time: d, Valid: true}
		}
	}
	return earliest
}

// Changes lists what has been done to the order since it was loaded.
type Changes struct {
	Inserted      []*Line
	Updated       []*Line
	Deleted       []int
	HeaderChanged bool
}

// Empty reports whether nothing needs to be written.
func (c Changes) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0 && !c.HeaderChanged
}

func (o *Order) Changes() Changes {
	var c Changes
	for _, l := range o.Lines {
		switch l.state {
		case lineNew:
			c.Inserted = append(c.Inserted, l)
		case lineModified:
			c.Updated = append(c.Updated, l)
		}
	}
	c.Deleted = append(c.Deleted, o.deleted...)
	c.HeaderChanged = o.headerDirty
	return c
}

// MarkClean forgets pending changes, typically after a successful save.
func (o *Order) MarkClean() {
	for _, l := range o.Lines {
		l.state = lineClean
	}
	o.deleted = nil
	o.headerDirty = false
}

// MarkNew flags every line as not yet persisted, for orders built in memory.
func (o *Order) MarkNew() {
	for _, l := range o.Lines {
		l.state = lineNew
	}
	o.headerDirty = true
}

// Clone returns a deep copy that can be mutated independently.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = make([]*Line, len(o.Lines))
	for i, l := range o.Lines {
		cp := *l
		if l.DerivedFrom != nil {
			ref := *l.DerivedFrom
			cp.DerivedFrom = &ref
		}
		c.Lines[i] = &cp
	}
	if o.BlanketRef != nil {
		ref := *o.BlanketRef
		c.BlanketRef = &ref
	}
	c.SplitLines = make(map[int]bool, len(o.SplitLines))
	for k, v := range o.SplitLines {
		c.SplitLines[k] = v
	}
	c.deleted = append([]int(nil), o.deleted...)
	return &c
}

// Validate applies the order system's own business rules to pending lines.
func (o *Order) Validate() error {
	for _, l := range o.Lines {
		if l.state == lineClean {
			continue
		}
		if !l.ItemID.Valid {
			return &ValidationError{Order: o.Ref, Field: "item_id", Reason: fmt.Sprintf("line %d has no item", l.LineNbr)}
		}
		if !l.OrderQty.IsPositive() {
			return &ValidationError{Order: o.Ref, Field: "order_qty", Reason: fmt.Sprintf("line %d quantity must be positive", l.LineNbr)}
		}
		if !l.ScheduledDate.Valid {
			return &ValidationError{Order: o.Ref, Field: "scheduled_date", Reason: fmt.Sprintf("line %d has no scheduled date", l.LineNbr)}
		}
	}
	return nil
}

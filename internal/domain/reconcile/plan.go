// internal/domain/reconcile/plan.go
package reconcile

import (
	"database/sql"
	"fmt"
	"time"

	"standing_orders/internal/domain/order"

	"github.com/shopspring/decimal"
)

// ActionKind is the kind of change proposed for an order line.
type ActionKind string

const (
	ActionInsert ActionKind = "insert"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Action is one proposed line change.
type Action struct {
	Kind     ActionKind   `json:"kind"`
	Order    order.Ref    `json:"order"`
	LineNbr  int          `json:"line_nbr,omitempty"` // update, delete
	ItemID   int64        `json:"item_id"`
	ShipDate time.Time    `json:"ship_date"` // insert, update: the date the line should carry
	PrevDate sql.NullTime `json:"prev_date"` // update, delete: the date it carries now

	// insert only
	Quantity   decimal.Decimal  `json:"quantity"`
	ShipPolicy order.ShipPolicy `json:"ship_policy,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case ActionInsert:
		return fmt.Sprintf("insert %s item %d on %s", a.Order, a.ItemID, a.ShipDate.Format(time.DateOnly))
	case ActionUpdate:
		return fmt.Sprintf("update %s line %d item %d %s -> %s", a.Order, a.LineNbr, a.ItemID, formatDate(a.PrevDate), a.ShipDate.Format(time.DateOnly))
	default:
		return fmt.Sprintf("delete %s line %d item %d", a.Order, a.LineNbr, a.ItemID)
	}
}

// HeaderUpdate moves an order's earliest scheduled date.
type HeaderUpdate struct {
	From sql.NullTime `json:"from"`
	To   sql.NullTime `json:"to"`
}

// SkipReason explains why a change was not proposed.
type SkipReason string

const (
	SkipProtectionWindow   SkipReason = "protection_window"
	SkipShipDateFloor      SkipReason = "ship_date_floor"
	SkipMissingItem        SkipReason = "missing_item_reference"
	SkipDuplicateItem      SkipReason = "duplicate_item"
	SkipNoFutureOccurrence SkipReason = "no_future_occurrence"
	SkipNoCycle            SkipReason = "no_cycle"
)

// Skip records a decision not to act.
type Skip struct {
	Reason  SkipReason `json:"reason"`
	Order   order.Ref  `json:"order"` // zero for series-level skips
	LineNbr int        `json:"line_nbr,omitempty"`
	ItemID  int64      `json:"item_id,omitempty"`
	Detail  string     `json:"detail"`
}

// OrderPlan is everything proposed for one order.
type OrderPlan struct {
	Order   order.Ref     `json:"order"`
	Version int           `json:"version"`
	Actions []Action      `json:"actions"`
	Header  *HeaderUpdate `json:"header,omitempty"`
	Skips   []Skip        `json:"skips,omitempty"`
}

// HasChanges reports whether the order needs to be touched at all.
func (p OrderPlan) HasChanges() bool {
	return len(p.Actions) > 0 || p.Header != nil
}

// Plan is the result of reconciling one series.
type Plan struct {
	SeriesID   int64       `json:"series_id"`
	SeriesCode string      `json:"series_code"`
	Orders     []OrderPlan `json:"orders"`
	Skips      []Skip      `json:"skips"` // series-level
}

// Actions flattens the plan into its ordered list of line actions.
func (p *Plan) Actions() []Action {
	var out []Action
	for _, op := range p.Orders {
		out = append(out, op.Actions...)
	}
	return out
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	for _, op := range p.Orders {
		if op.HasChanges() {
			return false
		}
	}
	return true
}

// Changed returns the order plans that carry at least one change.
func (p *Plan) Changed() []OrderPlan {
	var out []OrderPlan
	for _, op := range p.Orders {
		if op.HasChanges() {
			out = append(out, op)
		}
	}
	return out
}

// AllSkips returns series-level skips followed by per-order skips.
func (p *Plan) AllSkips() []Skip {
	out := append([]Skip(nil), p.Skips...)
	for _, op := range p.Orders {
		out = append(out, op.Skips...)
	}
	return out
}

func formatDate(t sql.NullTime) string {
	if !t.Valid {
		return "none"
	}
	return t.Time.Format(time.DateOnly)
}

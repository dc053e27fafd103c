// internal/domain/reconcile/reconcile.go
package reconcile

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/series"

	"github.com/shopspring/decimal"
)

// DefaultWindowDays is the protection window used when none is configured.
const DefaultWindowDays = 60

// Policy holds the knobs of a reconciliation pass.
type Policy struct {
	// WindowDays caps how far an existing line may be re-dated in one pass.
	WindowDays int
	// EnforceShipDateFloor refuses dates before max(business date, order date).
	EnforceShipDateFloor bool
	// InsertQty is the quantity of inserted lines. Zero means one unit.
	InsertQty decimal.Decimal
}

// DefaultPolicy returns the policy used in production.
func DefaultPolicy() Policy {
	return Policy{
		WindowDays:           DefaultWindowDays,
		EnforceShipDateFloor: true,
		InsertQty:            decimal.NewFromInt(1),
	}
}

// Input is the persisted state a pass works from.
type Input struct {
	Series       *series.Series
	Items        []*series.Item
	Orders       []*order.Order // orders tagged with Series.Code
	BusinessDate time.Time
	Policy       Policy
}

type desiredItem struct {
	itemID int64
	date   time.Time
}

// Reconcile computes the line actions that align the tagged orders with the
// series. It only reads its input.
func Reconcile(in Input) *Plan {
	p := &Plan{}
	if in.Series != nil {
		p.SeriesID = in.Series.ID
		p.SeriesCode = in.Series.Code
	}
	policy := in.Policy
	if policy.WindowDays <= 0 {
		policy.WindowDays = DefaultWindowDays
	}
	if !policy.InsertQty.IsPositive() {
		policy.InsertQty = decimal.NewFromInt(1)
	}
	business := calendar.DateOnly(in.BusinessDate)

	desired, skips := desiredDates(in.Items, business)
	p.Skips = skips

	orders := append([]*order.Order(nil), in.Orders...)
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Type != orders[j].Type {
			return orders[i].Type < orders[j].Type
		}
		return orders[i].Number < orders[j].Number
	})

	for _, o := range orders {
		p.Orders = append(p.Orders, reconcileOrder(o, desired, business, policy))
	}
	return p
}

// desiredDates maps each referenced item to its desired date, in series-item
// ID order. A second row for the same item loses to the first.
func desiredDates(items []*series.Item, business time.Time) ([]desiredItem, []Skip) {
	sorted := append([]*series.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var (
		out   []desiredItem
		skips []Skip
		seen  = make(map[int64]int64)
	)
	for _, it := range sorted {
		if !it.ItemID.Valid {
			skips = append(skips, Skip{Reason: SkipMissingItem, Detail: fmt.Sprintf("series item %d has no item", it.ID)})
			continue
		}
		if first, dup := seen[it.ItemID.Int64]; dup {
			skips = append(skips, Skip{
				Reason: SkipDuplicateItem,
				ItemID: it.ItemID.Int64,
				Detail: fmt.Sprintf("series item %d repeats item already scheduled by series item %d", it.ID, first),
			})
			continue
		}
		seen[it.ItemID.Int64] = it.ID
		out = append(out, desiredItem{itemID: it.ItemID.Int64, date: it.DesiredShipDate(business)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].itemID < out[j].itemID })
	return out, skips
}

func reconcileOrder(o *order.Order, desired []desiredItem, business time.Time, policy Policy) OrderPlan {
	op := OrderPlan{Order: o.Ref, Version: o.Version}

	floor := business
	if o.OrderDate.Valid && calendar.DateOnly(o.OrderDate.Time).After(floor) {
		floor = calendar.DateOnly(o.OrderDate.Time)
	}

	// Candidate lines: unprotected and carrying an item.
	byItem := make(map[int64][]*order.Line)
	for _, l := range o.Lines {
		if o.IsProtected(l) || !l.ItemID.Valid {
			continue
		}
		byItem[l.ItemID.Int64] = append(byItem[l.ItemID.Int64], l)
	}
	for id := range byItem {
		lines := byItem[id]
		sort.Slice(lines, func(i, j int) bool { return lines[i].LineNbr < lines[j].LineNbr })
	}

	wanted := make(map[int64]bool, len(desired))
	skipped := make(map[int]bool) // lines left out of the header minimum
	newDates := make(map[int]time.Time)
	var inserted []time.Time

	for _, d := range desired {
		wanted[d.itemID] = true
		belowFloor := policy.EnforceShipDateFloor && d.date.Before(floor)

		lines := byItem[d.itemID]
		if len(lines) == 0 {
			if belowFloor {
				op.Skips = append(op.Skips, floorSkip(o.Ref, 0, d, floor))
				continue
			}
			op.Actions = append(op.Actions, Action{
				Kind:       ActionInsert,
				Order:      o.Ref,
				ItemID:     d.itemID,
				ShipDate:   d.date,
				Quantity:   policy.InsertQty,
				ShipPolicy: order.ShipBackOrderAllowed,
			})
			inserted = append(inserted, d.date)
			continue
		}

		for _, l := range lines {
			if l.ScheduledDate.Valid && calendar.DateOnly(l.ScheduledDate.Time).Equal(d.date) {
				continue
			}
			if belowFloor {
				op.Skips = append(op.Skips, floorSkip(o.Ref, l.LineNbr, d, floor))
				skipped[l.LineNbr] = true
				continue
			}
			if l.ScheduledDate.Valid {
				if gap := calendar.AbsDays(l.ScheduledDate.Time, d.date); gap > policy.WindowDays {
					op.Skips = append(op.Skips, Skip{
						Reason:  SkipProtectionWindow,
						Order:   o.Ref,
						LineNbr: l.LineNbr,
						ItemID:  d.itemID,
						Detail: fmt.Sprintf("%s -> %s is %d days, limit %d",
							l.ScheduledDate.Time.Format(time.DateOnly), d.date.Format(time.DateOnly), gap, policy.WindowDays),
					})
					skipped[l.LineNbr] = true
					continue
				}
			}
			op.Actions = append(op.Actions, Action{
				Kind:     ActionUpdate,
				Order:    o.Ref,
				LineNbr:  l.LineNbr,
				ItemID:   d.itemID,
				ShipDate: d.date,
				PrevDate: l.ScheduledDate,
			})
			newDates[l.LineNbr] = d.date
		}
	}

	deleted := make(map[int]bool)
	var deletes []Action
	for id, lines := range byItem {
		if wanted[id] {
			continue
		}
		for _, l := range lines {
			deletes = append(deletes, Action{
				Kind:     ActionDelete,
				Order:    o.Ref,
				LineNbr:  l.LineNbr,
				ItemID:   id,
				PrevDate: l.ScheduledDate,
			})
			deleted[l.LineNbr] = true
		}
	}
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].LineNbr < deletes[j].LineNbr })
	op.Actions = append(op.Actions, deletes...)

	if len(op.Actions) > 0 {
		op.Header = headerUpdate(o, newDates, inserted, skipped, deleted)
	}
	return op
}

// headerUpdate recomputes the order's earliest scheduled date as it will be
// once the line actions are applied. Lines whose change was skipped do not
// take part. Nil means the header stays as it is.
func headerUpdate(o *order.Order, newDates map[int]time.Time, inserted []time.Time, skipped, deleted map[int]bool) *HeaderUpdate {
	var earliest sql.NullTime
	consider := func(t time.Time) {
		t = calendar.DateOnly(t)
		if !earliest.Valid || t.Before(earliest.Time) {
			earliest = sql.NullTime{Time: t, Valid: true}
		}
	}

	for _, l := range o.Lines {
		if l.Completed || o.IsChildLinked(l) || skipped[l.LineNbr] || deleted[l.LineNbr] {
			continue
		}
		if d, ok := newDates[l.LineNbr]; ok {
			consider(d)
			continue
		}
		if l.ScheduledDate.Valid {
			consider(l.ScheduledDate.Time)
		}
	}
	for _, d := range inserted {
		consider(d)
	}

	if !earliest.Valid {
		return nil
	}
	cur := o.MinScheduledDate
	if cur.Valid && calendar.DateOnly(cur.Time).Equal(earliest.Time) {
		return nil
	}
	return &HeaderUpdate{From: cur, To: earliest}
}

func floorSkip(ref order.Ref, lineNbr int, d desiredItem, floor time.Time) Skip {
	return Skip{
		Reason:  SkipShipDateFloor,
		Order:   ref,
		LineNbr: lineNbr,
		ItemID:  d.itemID,
		Detail:  fmt.Sprintf("%s is before %s", d.date.Format(time.DateOnly), floor.Format(time.DateOnly)),
	}
}

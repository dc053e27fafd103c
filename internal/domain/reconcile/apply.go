package reconcile

import (
	"database/sql"
	"fmt"

	"standing_orders/internal/domain/order"
)

// ApplyTo replays the plan's actions on o, then moves the header. o is
// expected to be a fresh working copy of the order the plan was computed for;
// a line that has since become protected makes the whole order fail.
func (op OrderPlan) ApplyTo(o *order.Order) error {
	if o.Ref != op.Order {
		return fmt.Errorf("plan for %s applied to %s", op.Order, o.Ref)
	}
	for _, a := range op.Actions {
		var err error
		switch a.Kind {
		case ActionInsert:
			o.AddLine(&order.Line{
				ItemID:        sql.NullInt64{Int64: a.ItemID, Valid: true},
				OrderQty:      a.Quantity,
				OpenQty:       a.Quantity,
				ScheduledDate: order.NullDate(a.ShipDate),
				ShipPolicy:    a.ShipPolicy,
			})
		case ActionUpdate:
			err = o.SetLineDate(a.LineNbr, a.ShipDate)
		case ActionDelete:
			err = o.RemoveLine(a.LineNbr)
		default:
			err = fmt.Errorf("unknown action %q", a.Kind)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", a, err)
		}
	}
	if op.Header != nil {
		o.SetMinScheduledDate(op.Header.To)
	}
	return nil
}

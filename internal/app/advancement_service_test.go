package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/reconcile"
	"standing_orders/internal/domain/series"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type advFixture struct {
	svc     *AdvancementService
	series  *memSeries
	orders  *memOrders
	shipper *memShipper
	rs      *ReconcileService
	itemID  int64 // series item row of item 10
}

func occ(id int64, major, minor string, d time.Time) calendar.Occurrence {
	return calendar.Occurrence{ID: id, CycleID: 1, Slot: calendar.Slot{Major: major, Minor: minor}, Date: d}
}

// newAdvFixture builds the monthly calendar used throughout: slot JAN/A on
// 2025-01-15 and 2025-02-15, one item with lead time 5 shipping 2025-01-10.
func newAdvFixture(t *testing.T, now time.Time) *advFixture {
	t.Helper()
	ctx := context.Background()
	cals := &memCalendars{
		cycles: map[int64]*calendar.Cycle{1: {ID: 1, Name: "Monthly"}},
		occurrences: []calendar.Occurrence{
			occ(1, "JAN", "A", day(2025, 1, 15)),
			occ(2, "JAN", "A", day(2025, 2, 15)),
			occ(3, "JAN", "B", day(2025, 1, 20)),
			occ(4, "JAN", "B", day(2025, 2, 20)),
		},
	}
	sr := newMemSeries()
	require.NoError(t, sr.Save(ctx, &series.Series{ID: 1, Code: "BK1", CycleID: sql.NullInt64{Int64: 1, Valid: true}, DefaultLeadTime: 5}))

	it := &series.Item{ItemID: sql.NullInt64{Int64: 10, Valid: true}, Slot: calendar.Slot{Major: "JAN", Minor: "A"}}
	it.SetUpcoming(cals.occurrences[0])
	it.SetShipDate(day(2025, 1, 10))
	require.NoError(t, sr.SaveItems(ctx, 1, []*series.Item{it}, nil))

	orders := newMemOrders(taggedOrder("001", openLine(1, 10, order.NullDate(day(2025, 1, 10)))))
	shipper := &memShipper{orders: orders}

	rs := NewReconcileService(sr, orders, NewBatchController(orders, nil, 50, testLog()), reconcile.DefaultPolicy(), testLog())
	rs.now = fixed(now)
	svc := NewAdvancementService(sr, cals, orders, shipper, rs, time.Hour, false, testLog())
	svc.now = fixed(now)

	t.Cleanup(rs.Wait)

	return &advFixture{svc: svc, series: sr, orders: orders, shipper: shipper, rs: rs, itemID: it.ID}
}

func TestAdvancePreservesOffset(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	ctx := context.Background()

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, StatePreviewReady, adv.State)
	assert.Equal(t, []int64{10}, adv.ItemIDs)
	assert.Equal(t, []order.ScheduledLine{{Line: order.LineRef{Order: order.Ref{Type: "ST", Number: "001"}, LineNbr: 1}, ItemID: 10}}, adv.Lines)
	require.Len(t, adv.Changes, 1)

	c := adv.Changes[0]
	assert.Equal(t, day(2025, 2, 15), c.NewOccurrence.Date)
	assert.Equal(t, day(2025, 2, 10), c.NewShipDate)
	assert.Equal(t, "SKU-10", c.ItemCode)

	table := adv.DiffTable()
	assert.Contains(t, table, "SKU-10")
	assert.Contains(t, table, "JAN/A")
	assert.Contains(t, table, "2025-01-15")
	assert.Contains(t, table, "2025-02-10")

	// Nothing is written before confirmation.
	assert.Equal(t, day(2025, 1, 10), f.series.item(1, f.itemID).ShipDate.Time)

	done, err := f.svc.Confirm(ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, done.State)
	require.NotNil(t, done.Report)
	assert.Equal(t, 1, done.Report.Updated)

	it := f.series.item(1, f.itemID)
	assert.Equal(t, int64(2), it.UpcomingOccurrenceID.Int64)
	assert.Equal(t, day(2025, 2, 15), it.UpcomingOccurrenceDate.Time)
	assert.Equal(t, day(2025, 2, 10), it.ShipDate.Time)

	require.Len(t, f.shipper.shipNow, 1)
	assert.Equal(t, []order.LineRef{{Order: order.Ref{Type: "ST", Number: "001"}, LineNbr: 1}}, f.shipper.shipNow[0])

	_, err = f.svc.Confirm(ctx, adv.ID)
	assert.ErrorIs(t, err, ErrAdvancementNotPending)
}

func TestConfirmShipsCollectedLines(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	ctx := context.Background()
	ref := order.Ref{Type: "ST", Number: "001"}

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)

	done, err := f.svc.Confirm(ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, done.State)
	assert.Equal(t, 1, done.Shipped)

	// The line was re-dated past the cutoff before shipping and still shipped.
	f.rs.Wait()
	o := f.orders.get(ref)
	shipped := o.Line(1)
	assert.Equal(t, day(2025, 2, 10), shipped.ScheduledDate.Time)
	assert.True(t, shipped.ShippedQty.Equal(decimal.NewFromInt(3)))
	assert.True(t, shipped.OpenQty.IsZero())

	// The follow-up pass gives the item its line for the new cycle.
	require.Len(t, o.Lines, 2)
	next := o.Lines[1]
	assert.Equal(t, int64(10), next.ItemID.Int64)
	assert.Equal(t, day(2025, 2, 10), next.ScheduledDate.Time)
	assert.True(t, next.OpenQty.IsPositive())

	lines, err := f.orders.ListLinesScheduledBy(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestAdvanceManualOffsetIsKept(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 5))
	ctx := context.Background()

	it := f.series.item(1, f.itemID)
	it.SetShipDate(day(2025, 1, 8)) // 7 days ahead instead of 5
	require.NoError(t, f.series.SaveItems(ctx, 1, []*series.Item{it}, nil))

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)
	require.Len(t, adv.Changes, 1)
	assert.Equal(t, day(2025, 2, 8), adv.Changes[0].NewShipDate)
}

func TestCancelLeavesEverythingAlone(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	ctx := context.Background()

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)
	calls := f.series.saveCalls

	cancelled, err := f.svc.Cancel(adv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	_, err = f.svc.Confirm(ctx, adv.ID)
	assert.ErrorIs(t, err, ErrAdvancementNotPending)
	_, err = f.svc.Cancel(adv.ID)
	assert.ErrorIs(t, err, ErrAdvancementNotPending)

	assert.Equal(t, calls, f.series.saveCalls)
	assert.Empty(t, f.shipper.shipNow)
}

func TestAdvanceWithNothingDueIsDone(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 1))

	adv, err := f.svc.Start(context.Background(), "BK1", day(2025, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, StateDone, adv.State)
	assert.Empty(t, adv.Changes)
	assert.Empty(t, f.shipper.shipNow)
}

func TestAdvanceEndOfCalendarIsSkipped(t *testing.T) {
	f := newAdvFixture(t, day(2025, 2, 10))
	ctx := context.Background()

	it := f.series.item(1, f.itemID)
	it.SetUpcoming(occ(2, "JAN", "A", day(2025, 2, 15)))
	require.NoError(t, f.series.SaveItems(ctx, 1, []*series.Item{it}, nil))

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 2, 10))
	require.NoError(t, err)
	assert.Equal(t, StateDone, adv.State)
	require.Len(t, adv.Skips, 1)
	assert.Equal(t, reconcile.SkipNoFutureOccurrence, adv.Skips[0].Reason)
}

func TestAdvanceRejectsMultipleCycles(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	ctx := context.Background()

	other := &series.Item{ItemID: sql.NullInt64{Int64: 20, Valid: true}, Slot: calendar.Slot{Major: "JAN", Minor: "B"}}
	other.SetUpcoming(occ(3, "JAN", "B", day(2025, 1, 20)))
	other.SetShipDate(day(2025, 1, 10))
	require.NoError(t, f.series.SaveItems(ctx, 1, []*series.Item{other}, nil))
	o := f.orders.get(order.Ref{Type: "ST", Number: "001"})
	o.AddLine(openLine(0, 20, order.NullDate(day(2025, 1, 10))))
	require.NoError(t, f.orders.SaveOrder(ctx, o))

	_, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.ErrorIs(t, err, ErrMultipleCycles)
	assert.Contains(t, err.Error(), "2025-01-15")
	assert.Contains(t, err.Error(), "2025-01-20")

	f.svc.allowMulti = true
	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)
	assert.Len(t, adv.Changes, 2)
}

func TestAdvanceSeriesWithoutCycle(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	ctx := context.Background()
	sr, _ := f.series.GetByID(ctx, 1)
	sr.CycleID = sql.NullInt64{}
	require.NoError(t, f.series.Save(ctx, sr))

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, StateDone, adv.State)
	require.Len(t, adv.Skips, 1)
	assert.Equal(t, reconcile.SkipNoCycle, adv.Skips[0].Reason)
}

func TestPreviewExpires(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	adv, err := f.svc.Start(context.Background(), "BK1", day(2025, 1, 10))
	require.NoError(t, err)

	f.svc.now = fixed(day(2025, 1, 10).Add(2 * time.Hour))
	_, err = f.svc.Get(adv.ID)
	assert.ErrorIs(t, err, ErrAdvancementNotFound)
	_, err = f.svc.Confirm(context.Background(), adv.ID)
	assert.ErrorIs(t, err, ErrAdvancementNotFound)
	_, err = f.svc.Get(uuid.New())
	assert.ErrorIs(t, err, ErrAdvancementNotFound)
}

func TestAdvanceShipFailureMarksFailed(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	f.shipper.err = errors.New("platform down")
	ctx := context.Background()

	adv, err := f.svc.Start(ctx, "BK1", day(2025, 1, 10))
	require.NoError(t, err)

	res, err := f.svc.Confirm(ctx, adv.ID)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "platform down")
}

func TestAdvanceUnknownSeries(t *testing.T) {
	f := newAdvFixture(t, day(2025, 1, 10))
	_, err := f.svc.Start(context.Background(), "NOPE", day(2025, 1, 10))
	assert.ErrorIs(t, err, series.ErrSeriesNotFound)
}

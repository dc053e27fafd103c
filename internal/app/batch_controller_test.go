package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/reconcile"
	"standing_orders/internal/domain/series"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLine(nbr int, itemID int64, date sql.NullTime) *order.Line {
	return &order.Line{
		LineNbr:       nbr,
		ItemID:        sql.NullInt64{Int64: itemID, Valid: true},
		SiteID:        sql.NullInt64{Int64: 1, Valid: true},
		UOM:           "EA",
		OrderQty:      decimal.NewFromInt(3),
		OpenQty:       decimal.NewFromInt(3),
		UnitPrice:     decimal.RequireFromString("12.50"),
		ScheduledDate: date,
	}
}

func taggedOrder(nbr string, lines ...*order.Line) *order.Order {
	return &order.Order{
		Ref:        order.Ref{Type: "ST", Number: nbr},
		CustomerID: 7,
		SeriesCode: sql.NullString{String: "BK1", Valid: true},
		OrderDate:  order.NullDate(day(2024, 12, 1)),
		Lines:      lines,
		SplitLines: map[int]bool{},
	}
}

// planFor reconciles n tagged orders that each miss item 10.
func planFor(t *testing.T, n int) (*memOrders, *reconcile.Plan) {
	t.Helper()
	var orders []*order.Order
	for i := 1; i <= n; i++ {
		orders = append(orders, taggedOrder(fmt.Sprintf("%03d", i)))
	}
	repo := newMemOrders(orders...)
	listed, err := repo.ListBySeriesCode(context.Background(), "BK1")
	require.NoError(t, err)

	it := &series.Item{ID: 1, ItemID: sql.NullInt64{Int64: 10, Valid: true}}
	it.SetShipDate(day(2025, 2, 1))
	plan := reconcile.Reconcile(reconcile.Input{
		Series:       &series.Series{ID: 1, Code: "BK1"},
		Items:        []*series.Item{it},
		Orders:       listed,
		BusinessDate: day(2025, 1, 1),
		Policy:       reconcile.DefaultPolicy(),
	})
	require.Len(t, plan.Changed(), n)
	return repo, plan
}

func TestApplyCommitsInBatches(t *testing.T) {
	repo, plan := planFor(t, 5)
	sink := &recordingSink{}
	c := NewBatchController(repo, sink, 2, testLog())

	report := c.Apply(context.Background(), uuid.New(), plan)

	assert.Equal(t, 5, report.Updated)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 3, repo.commits)
	assert.Equal(t, 5, sink.count(AuditCommitted))
	assert.Equal(t, 1, sink.count(AuditRunFinished))

	o := repo.get(order.Ref{Type: "ST", Number: "003"})
	require.Len(t, o.Lines, 1)
	assert.Equal(t, int64(10), o.Lines[0].ItemID.Int64)
	assert.Equal(t, day(2025, 2, 1), o.MinScheduledDate.Time)
	assert.Equal(t, 1, o.Version)
}

func TestApplyIsolatesFailingOrder(t *testing.T) {
	repo, plan := planFor(t, 3)
	bad := order.Ref{Type: "ST", Number: "002"}
	repo.failSave[bad] = &order.ValidationError{Order: bad, Field: "customer", Reason: "on hold"}
	sink := &recordingSink{}
	c := NewBatchController(repo, sink, 50, testLog())

	report := c.Apply(context.Background(), uuid.New(), plan)

	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures(), "ST-002")
	assert.Contains(t, report.Failures(), "on hold")
	assert.Equal(t, 1, sink.count(AuditFailed))
	assert.Empty(t, repo.get(bad).Lines, "failed order must be left untouched")
	assert.Len(t, repo.get(order.Ref{Type: "ST", Number: "003"}).Lines, 1)
}

func TestApplyCommitFailureFailsTheWholeBatch(t *testing.T) {
	repo, plan := planFor(t, 2)
	repo.commitErr = errors.New("connection reset")
	c := NewBatchController(repo, nil, 50, testLog())

	report := c.Apply(context.Background(), uuid.New(), plan)

	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 2, report.Failed)
	for _, o := range report.Outcomes {
		assert.Contains(t, o.Reason, "connection reset")
	}
}

func TestApplyBeginFailureIsRecordedPerOrder(t *testing.T) {
	repo, plan := planFor(t, 2)
	repo.beginErr = errors.New("too many connections")
	c := NewBatchController(repo, nil, 50, testLog())

	report := c.Apply(context.Background(), uuid.New(), plan)
	assert.Equal(t, 2, report.Failed)
}

func TestApplyDetectsConcurrentChange(t *testing.T) {
	repo, plan := planFor(t, 1)
	ref := order.Ref{Type: "ST", Number: "001"}
	// Someone else saves the order after the plan was computed.
	o := repo.get(ref)
	require.NoError(t, repo.SaveOrder(context.Background(), o))

	c := NewBatchController(repo, nil, 50, testLog())
	report := c.Apply(context.Background(), uuid.New(), plan)

	require.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Outcomes[0].Reason, order.ErrConcurrencyConflict.Error())
}

func TestApplyReportsSkipsAndUnchangedOrders(t *testing.T) {
	repo := newMemOrders(taggedOrder("001", openLine(1, 10, order.NullDate(day(2025, 1, 1)))))
	listed, _ := repo.ListBySeriesCode(context.Background(), "BK1")

	it := &series.Item{ID: 1, ItemID: sql.NullInt64{Int64: 10, Valid: true}}
	it.SetShipDate(day(2025, 6, 1))
	plan := reconcile.Reconcile(reconcile.Input{
		Series:       &series.Series{ID: 1, Code: "BK1"},
		Items:        []*series.Item{it, {ID: 2}},
		Orders:       listed,
		BusinessDate: day(2025, 1, 1),
		Policy:       reconcile.DefaultPolicy(),
	})

	sink := &recordingSink{}
	report := NewBatchController(repo, sink, 50, testLog()).Apply(context.Background(), uuid.New(), plan)

	assert.Equal(t, 2, report.Skipped) // protection window + missing item
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, repo.commits)
	assert.Equal(t, 2, sink.count(AuditSkipped))
}

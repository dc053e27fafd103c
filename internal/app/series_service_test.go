package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/series"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func newSeriesFixture(t *testing.T, now time.Time) (*SeriesService, *memSeries, *countingSyncer) {
	t.Helper()
	cals := &memCalendars{
		cycles: map[int64]*calendar.Cycle{1: {ID: 1, Name: "Monthly"}, 2: {ID: 2, Name: "Weekly"}},
		occurrences: []calendar.Occurrence{
			occ(1, "JAN", "A", day(2025, 1, 15)),
			occ(2, "JAN", "A", day(2025, 2, 15)),
			occ(3, "JAN", "B", day(2025, 1, 20)),
			{ID: 10, CycleID: 2, Slot: calendar.Slot{Major: "JAN", Minor: "A"}, Date: day(2025, 1, 22)},
		},
	}
	sr := newMemSeries()
	require.NoError(t, sr.Save(context.Background(), &series.Series{ID: 1, Code: "BK1", CycleID: sql.NullInt64{Int64: 1, Valid: true}, DefaultLeadTime: 5}))
	syncer := &countingSyncer{}
	svc := NewSeriesService(sr, cals, syncer, testLog())
	svc.now = fixed(now)
	return svc, sr, syncer
}

func TestEditItemsResolvesNewSlot(t *testing.T) {
	svc, _, syncer := newSeriesFixture(t, day(2025, 1, 15))
	item := int64(10)

	saved, err := svc.EditItems(context.Background(), 1, []ItemEdit{{ItemID: &item, Major: strp("JAN"), Minor: strp("A")}})
	require.NoError(t, err)
	require.Len(t, saved, 1)

	it := saved[0]
	assert.NotZero(t, it.ID)
	// Today's occurrence is still shippable when an item is first placed.
	assert.Equal(t, day(2025, 1, 15), it.UpcomingOccurrenceDate.Time)
	assert.Equal(t, day(2025, 1, 10), it.ShipDate.Time)
	assert.Equal(t, []int64{1}, syncer.calls)
}

func TestEditItemsRejectsAmbiguousSlot(t *testing.T) {
	svc, sr, syncer := newSeriesFixture(t, day(2025, 1, 1))
	_, err := svc.EditItems(context.Background(), 1, []ItemEdit{{Major: strp("FEB"), Minor: strp("A")}})

	assert.ErrorIs(t, err, calendar.ErrAmbiguousSlot)
	assert.Zero(t, sr.saveCalls)
	assert.Empty(t, syncer.calls)
}

func TestEditItemsMajorChangeKeepsShipDate(t *testing.T) {
	svc, sr, _ := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()
	saved, err := svc.EditItems(ctx, 1, []ItemEdit{{Major: strp("JAN"), Minor: strp("A")}})
	require.NoError(t, err)
	id := saved[0].ID

	_, err = svc.EditItems(ctx, 1, []ItemEdit{{ID: id, Major: strp("FEB")}})
	require.NoError(t, err)

	it := sr.item(1, id)
	assert.Equal(t, calendar.Slot{Major: "FEB"}, it.Slot)
	assert.False(t, it.UpcomingOccurrenceDate.Valid)
	assert.False(t, it.UpcomingOccurrenceID.Valid)
	// The ship date stays until a complete slot is chosen, so a sync in
	// between does not move live lines to today.
	require.True(t, it.ShipDate.Valid)
	assert.Equal(t, day(2025, 1, 10), it.ShipDate.Time)
	assert.Equal(t, day(2025, 1, 10), it.DesiredShipDate(day(2025, 1, 1)))
}

func TestEditItemsExplicitShipDateWins(t *testing.T) {
	svc, sr, _ := newSeriesFixture(t, day(2025, 1, 1))
	ship := day(2025, 1, 12)

	saved, err := svc.EditItems(context.Background(), 1, []ItemEdit{{Major: strp("JAN"), Minor: strp("A"), ShipDate: &ship}})
	require.NoError(t, err)

	it := sr.item(1, saved[0].ID)
	assert.Equal(t, ship, it.ShipDate.Time)
	assert.Equal(t, day(2025, 1, 15), it.UpcomingOccurrenceDate.Time)
	assert.True(t, it.HasManualOffset(5))
}

func TestEditItemsDeleteAndUnknown(t *testing.T) {
	svc, sr, _ := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()
	saved, err := svc.EditItems(ctx, 1, []ItemEdit{{Major: strp("JAN"), Minor: strp("A")}})
	require.NoError(t, err)

	_, err = svc.EditItems(ctx, 1, []ItemEdit{{ID: saved[0].ID, Delete: true}})
	require.NoError(t, err)
	assert.Nil(t, sr.item(1, saved[0].ID))

	_, err = svc.EditItems(ctx, 1, []ItemEdit{{ID: 4242, Minor: strp("B")}})
	assert.ErrorIs(t, err, series.ErrItemNotFound)
}

func TestSaveSeriesCycleChangeKeepsValidSlots(t *testing.T) {
	svc, sr, syncer := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()
	saved, err := svc.EditItems(ctx, 1, []ItemEdit{
		{Major: strp("JAN"), Minor: strp("A")},
		{Major: strp("JAN"), Minor: strp("B")},
	})
	require.NoError(t, err)
	a, b := saved[0].ID, saved[1].ID

	s, err := sr.GetByID(ctx, 1)
	require.NoError(t, err)
	s.CycleID = sql.NullInt64{Int64: 2, Valid: true}
	require.NoError(t, svc.SaveSeries(ctx, s))

	kept := sr.item(1, a)
	require.NotNil(t, kept, "JAN/A exists in the new cycle")
	assert.Equal(t, int64(10), kept.UpcomingOccurrenceID.Int64)
	assert.Equal(t, day(2025, 1, 17), kept.ShipDate.Time)
	assert.Nil(t, sr.item(1, b), "JAN/B has no rows in the new cycle")
	assert.Contains(t, syncer.calls, int64(1))
}

func TestSaveSeriesValidation(t *testing.T) {
	svc, _, _ := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()

	assert.ErrorIs(t, svc.SaveSeries(ctx, &series.Series{Code: "  "}), ErrInvalidInput)
	assert.ErrorIs(t, svc.SaveSeries(ctx, &series.Series{Code: "X", DefaultLeadTime: -1}), ErrInvalidInput)
	assert.ErrorIs(t, svc.SaveSeries(ctx, &series.Series{Code: "X", CycleID: sql.NullInt64{Int64: 9, Valid: true}}), calendar.ErrCycleNotFound)

	s := &series.Series{Code: "NEW", DefaultLeadTime: 3}
	require.NoError(t, svc.SaveSeries(ctx, s))
	assert.NotZero(t, s.ID)
}

func TestRefreshStaleKeepsOffset(t *testing.T) {
	svc, sr, _ := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()
	ship := day(2025, 1, 8)
	saved, err := svc.EditItems(ctx, 1, []ItemEdit{{Major: strp("JAN"), Minor: strp("A"), ShipDate: &ship}})
	require.NoError(t, err)

	// Nothing is stale yet.
	n, err := svc.RefreshStale(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = fixed(day(2025, 1, 16))
	n, err = svc.RefreshStale(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it := sr.item(1, saved[0].ID)
	assert.Equal(t, day(2025, 2, 15), it.UpcomingOccurrenceDate.Time)
	assert.Equal(t, day(2025, 2, 8), it.ShipDate.Time)
}

func TestSaveSeriesCycleChangeIsAllOrNothing(t *testing.T) {
	svc, sr, syncer := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()
	saved, err := svc.EditItems(ctx, 1, []ItemEdit{{Major: strp("JAN"), Minor: strp("A")}})
	require.NoError(t, err)
	syncer.calls = nil

	sr.itemsErr = errors.New("connection reset")
	s, err := sr.GetByID(ctx, 1)
	require.NoError(t, err)
	s.CycleID = sql.NullInt64{Int64: 2, Valid: true}
	require.Error(t, svc.SaveSeries(ctx, s))

	stored, err := sr.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.CycleID.Int64, "series keeps its old cycle")
	it := sr.item(1, saved[0].ID)
	assert.Equal(t, int64(1), it.UpcomingOccurrenceID.Int64)
	assert.Empty(t, syncer.calls)
}

func TestSaveSeriesClearingCycleDropsItems(t *testing.T) {
	svc, sr, _ := newSeriesFixture(t, day(2025, 1, 1))
	ctx := context.Background()
	saved, err := svc.EditItems(ctx, 1, []ItemEdit{{Major: strp("JAN"), Minor: strp("A")}})
	require.NoError(t, err)

	s, err := sr.GetByID(ctx, 1)
	require.NoError(t, err)
	s.CycleID = sql.NullInt64{}
	require.NoError(t, svc.SaveSeries(ctx, s))

	assert.Nil(t, sr.item(1, saved[0].ID))
}

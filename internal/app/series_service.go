// internal/app/series_service.go
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/series"

	"github.com/sirupsen/logrus"
)

// Syncer starts a background reconciliation of a series.
type Syncer interface {
	SyncAsync(seriesID int64) bool
}

// SeriesService maintains series and their items. Edits are applied as a
// batch and the derived fields are recomputed once afterwards.
type SeriesService struct {
	seriesRepo   series.Repository
	calendarRepo calendar.Repository
	syncer       Syncer
	now          Clock
	log          *logrus.Entry
}

func NewSeriesService(sr series.Repository, cr calendar.Repository, syncer Syncer, log *logrus.Entry) *SeriesService {
	return &SeriesService{
		seriesRepo:   sr,
		calendarRepo: cr,
		syncer:       syncer,
		now:          time.Now,
		log:          log.WithField("component", "series_service"),
	}
}

func (s *SeriesService) calendarOf(ctx context.Context, sr *series.Series) (*calendar.Calendar, error) {
	if !sr.HasCycle() {
		return nil, nil
	}
	if _, err := s.calendarRepo.GetCycle(ctx, sr.CycleID.Int64); err != nil {
		return nil, fmt.Errorf("failed to get cycle %d: %w", sr.CycleID.Int64, err)
	}
	cal, err := calendar.Load(ctx, s.calendarRepo, sr.CycleID.Int64)
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle %d: %w", sr.CycleID.Int64, err)
	}
	return cal, nil
}

// SaveSeries creates or updates a series. When the cycle of an existing
// series changes, items whose slot exists in the new cycle are re-resolved
// against it and the others are deleted.
func (s *SeriesService) SaveSeries(ctx context.Context, sr *series.Series) error {
	sr.Code = strings.TrimSpace(sr.Code)
	if sr.Code == "" {
		return fmt.Errorf("%w: series code is required", ErrInvalidInput)
	}
	if sr.DefaultLeadTime < 0 {
		return fmt.Errorf("%w: lead time cannot be negative", ErrInvalidInput)
	}

	var old *series.Series
	if sr.ID != 0 {
		var err error
		old, err = s.seriesRepo.GetByID(ctx, sr.ID)
		if err != nil {
			return fmt.Errorf("failed to get series %d: %w", sr.ID, err)
		}
	}
	cal, err := s.calendarOf(ctx, sr)
	if err != nil {
		return err
	}

	if old == nil || old.CycleID == sr.CycleID {
		if err := s.seriesRepo.Save(ctx, sr); err != nil {
			return fmt.Errorf("failed to save series %s: %w", sr.Code, err)
		}
	} else {
		// The series and its re-resolved items are written together so the
		// items never hold slots of a cycle the series no longer uses.
		keep, drop, err := s.rebindItems(ctx, sr, cal)
		if err != nil {
			return err
		}
		if err := s.seriesRepo.SaveWithItems(ctx, sr, keep, drop); err != nil {
			return fmt.Errorf("failed to save series %s with its items: %w", sr.Code, err)
		}
		s.log.WithField("series_id", sr.ID).
			Infof("Cycle changed, %d items re-resolved, %d items removed", len(keep), len(drop))
	}

	s.syncer.SyncAsync(sr.ID)
	return nil
}

// rebindItems resolves the series' items against cal. Items whose slot does
// not exist there are returned for deletion.
func (s *SeriesService) rebindItems(ctx context.Context, sr *series.Series, cal *calendar.Calendar) (keep []*series.Item, drop []int64, err error) {
	items, err := s.seriesRepo.ListItems(ctx, sr.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list items of series %d: %w", sr.ID, err)
	}
	today := s.now.today()
	for _, it := range items {
		if cal == nil || !cal.Exists(it.Slot) {
			drop = append(drop, it.ID)
			continue
		}
		if occ, ok := cal.ResolveOnOrAfter(it.Slot, today); ok {
			it.MoveTo(occ, sr.DefaultLeadTime)
		} else {
			it.ClearUpcoming()
		}
		keep = append(keep, it)
	}
	return keep, drop, nil
}

// ItemEdit is one change to a series item. ID zero adds a new item. Nil
// fields are left as they are.
type ItemEdit struct {
	ID       int64
	Delete   bool
	ItemID   *int64
	Major    *string
	Minor    *string
	ShipDate *time.Time
}

// EditItems applies a batch of item edits, recomputes what the edits
// invalidated, persists the result and starts a background sync.
func (s *SeriesService) EditItems(ctx context.Context, seriesID int64, edits []ItemEdit) ([]*series.Item, error) {
	sr, err := s.seriesRepo.GetByID(ctx, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to get series %d: %w", seriesID, err)
	}
	items, err := s.seriesRepo.ListItems(ctx, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of series %d: %w", seriesID, err)
	}
	cal, err := s.calendarOf(ctx, sr)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*series.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	var (
		deleteIDs []int64
		changed   []*series.Item
		touched   = make(map[*series.Item]bool)
		resolve   = make(map[*series.Item]bool)
		explicit  = make(map[*series.Item]time.Time)
	)

	for _, e := range edits {
		if e.Delete {
			it, ok := byID[e.ID]
			if !ok {
				return nil, fmt.Errorf("%w: %d", series.ErrItemNotFound, e.ID)
			}
			delete(byID, e.ID)
			delete(touched, it)
			deleteIDs = append(deleteIDs, e.ID)
			continue
		}

		var it *series.Item
		if e.ID == 0 {
			it = &series.Item{SeriesID: seriesID}
		} else if it = byID[e.ID]; it == nil {
			return nil, fmt.Errorf("%w: %d", series.ErrItemNotFound, e.ID)
		}
		if !touched[it] {
			touched[it] = true
			changed = append(changed, it)
		}

		if e.ItemID != nil {
			it.ItemID = sql.NullInt64{Int64: *e.ItemID, Valid: *e.ItemID != 0}
		}
		if e.Major != nil && *e.Major != it.Slot.Major {
			it.Slot.Major = *e.Major
			resolve[it] = true
			if e.Minor == nil {
				// The old minor belongs to the old major.
				it.Slot.Minor = ""
				it.ClearUpcoming()
			}
		}
		if e.Minor != nil && *e.Minor != it.Slot.Minor {
			it.Slot.Minor = *e.Minor
			resolve[it] = true
		}
		if e.ShipDate != nil {
			explicit[it] = *e.ShipDate
		}
	}

	today := s.now.today()
	for _, it := range changed {
		if !resolve[it] || !touched[it] || !it.Slot.Complete() {
			continue
		}
		if cal == nil {
			return nil, fmt.Errorf("%w: series %s has no cycle", calendar.ErrAmbiguousSlot, sr.Code)
		}
		if err := cal.ValidateSlot(it.Slot); err != nil {
			return nil, fmt.Errorf("%w: %s", err, it.Slot)
		}
		if occ, ok := cal.ResolveOnOrAfter(it.Slot, today); ok {
			it.SetUpcoming(occ)
			it.SetShipDate(series.ComputeShipDate(occ.Date, sr.DefaultLeadTime))
		} else {
			s.log.WithField("series_id", sr.ID).Infof("No occurrence of %s on or after %s", it.Slot, today.Format(time.DateOnly))
			it.ClearUpcoming()
		}
	}
	// A ship date typed in by hand wins over the computed one.
	for it, d := range explicit {
		it.SetShipDate(d)
	}

	var save []*series.Item
	for _, it := range changed {
		if touched[it] {
			save = append(save, it)
		}
	}
	if err := s.seriesRepo.SaveItems(ctx, seriesID, save, deleteIDs); err != nil {
		return nil, fmt.Errorf("failed to save items of series %d: %w", seriesID, err)
	}
	s.log.WithField("series_id", seriesID).Infof("Items edited: %d saved, %d deleted", len(save), len(deleteIDs))

	s.syncer.SyncAsync(seriesID)
	return save, nil
}

// RefreshStale re-resolves items whose cached occurrence is missing or has
// passed, keeping each item's offset. It returns the number of items moved.
func (s *SeriesService) RefreshStale(ctx context.Context, seriesID int64) (int, error) {
	sr, err := s.seriesRepo.GetByID(ctx, seriesID)
	if err != nil {
		return 0, fmt.Errorf("failed to get series %d: %w", seriesID, err)
	}
	if !sr.HasCycle() {
		return 0, nil
	}
	cal, err := s.calendarOf(ctx, sr)
	if err != nil {
		return 0, err
	}
	items, err := s.seriesRepo.ListItems(ctx, seriesID)
	if err != nil {
		return 0, fmt.Errorf("failed to list items of series %d: %w", seriesID, err)
	}

	today := s.now.today()
	var stale []*series.Item
	for _, it := range items {
		if !it.Slot.Complete() {
			continue
		}
		if it.UpcomingOccurrenceDate.Valid && !calendar.DateOnly(it.UpcomingOccurrenceDate.Time).Before(today) {
			continue
		}
		occ, ok := cal.ResolveOnOrAfter(it.Slot, today)
		if !ok {
			continue
		}
		it.MoveTo(occ, sr.DefaultLeadTime)
		stale = append(stale, it)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.seriesRepo.SaveItems(ctx, seriesID, stale, nil); err != nil {
		return 0, fmt.Errorf("failed to save refreshed items of series %d: %w", seriesID, err)
	}
	s.log.WithField("series_id", seriesID).Infof("Refreshed %d stale items", len(stale))
	return len(stale), nil
}

// RefreshAll refreshes stale items of every series. Failures are logged and
// the run moves on to the next series.
func (s *SeriesService) RefreshAll(ctx context.Context) error {
	all, err := s.seriesRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list series: %w", err)
	}
	for _, sr := range all {
		if _, err := s.RefreshStale(ctx, sr.ID); err != nil {
			s.log.WithField("series_id", sr.ID).Errorf("Refresh failed: %v", err)
		}
	}
	return nil
}

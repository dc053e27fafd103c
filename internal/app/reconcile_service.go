// internal/app/reconcile_service.go
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/reconcile"
	"standing_orders/internal/domain/series"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReconcileService runs reconciliation passes for series. At most one pass
// per series runs at a time.
type ReconcileService struct {
	seriesRepo series.Repository
	orderRepo  order.Repository
	batch      *BatchController
	policy     reconcile.Policy
	now        Clock
	log        *logrus.Entry

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	wg    sync.WaitGroup
}

func NewReconcileService(
	sr series.Repository,
	or order.Repository,
	batch *BatchController,
	policy reconcile.Policy,
	log *logrus.Entry,
) *ReconcileService {
	return &ReconcileService{
		seriesRepo: sr,
		orderRepo:  or,
		batch:      batch,
		policy:     policy,
		now:        time.Now,
		log:        log.WithField("component", "reconcile_service"),
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (s *ReconcileService) lockFor(seriesID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[seriesID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[seriesID] = l
	}
	return l
}

// Reconcile computes the actions a pass would apply without writing anything.
func (s *ReconcileService) Reconcile(ctx context.Context, seriesID int64) (*reconcile.Plan, error) {
	sr, err := s.seriesRepo.GetByID(ctx, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to get series %d: %w", seriesID, err)
	}
	items, err := s.seriesRepo.ListItems(ctx, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of series %d: %w", seriesID, err)
	}
	orders, err := s.orderRepo.ListBySeriesCode(ctx, sr.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders tagged %s: %w", sr.Code, err)
	}

	return reconcile.Reconcile(reconcile.Input{
		Series:       sr,
		Items:        items,
		Orders:       orders,
		BusinessDate: s.now.today(),
		Policy:       s.policy,
	}), nil
}

// Sync reconciles the series and persists the result. It waits for a pass
// already running on the same series to finish first.
func (s *ReconcileService) Sync(ctx context.Context, seriesID int64) (*SyncReport, error) {
	l := s.lockFor(seriesID)
	l.Lock()
	defer l.Unlock()
	return s.sync(ctx, seriesID)
}

func (s *ReconcileService) sync(ctx context.Context, seriesID int64) (*SyncReport, error) {
	runID := uuid.New()
	log := s.log.WithFields(logrus.Fields{"run_id": runID.String(), "series_id": seriesID})
	log.Info("Reconciliation started")

	plan, err := s.Reconcile(ctx, seriesID)
	if err != nil {
		log.Errorf("Reconciliation aborted: %v", err)
		return nil, err
	}
	if plan.Empty() {
		log.Debug("Orders already match the series")
	}

	report := s.batch.Apply(ctx, runID, plan)
	log.WithFields(logrus.Fields{
		"updated":   report.Updated,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"unchanged": report.Unchanged,
	}).Info("Reconciliation finished")
	return report, nil
}

// SyncAsync hands a pass off to the background. It returns false when a pass
// for the series is already running.
func (s *ReconcileService) SyncAsync(seriesID int64) bool {
	l := s.lockFor(seriesID)
	if !l.TryLock() {
		s.log.WithField("series_id", seriesID).Info("Reconciliation already running, background pass not started")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer l.Unlock()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("series_id", seriesID).Errorf("Background reconciliation panicked: %v", r)
			}
		}()
		if _, err := s.sync(context.Background(), seriesID); err != nil {
			s.log.WithField("series_id", seriesID).Errorf("Background reconciliation failed: %v", err)
		}
	}()
	return true
}

// SyncAll reconciles every series one after another. A series that cannot be
// loaded is logged and skipped.
func (s *ReconcileService) SyncAll(ctx context.Context) ([]*SyncReport, error) {
	all, err := s.seriesRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	var reports []*SyncReport
	for _, sr := range all {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := s.Sync(ctx, sr.ID)
		if err != nil {
			s.log.WithField("series_id", sr.ID).Errorf("Skipping series in nightly run: %v", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Wait blocks until background passes started by SyncAsync have finished.
func (s *ReconcileService) Wait() {
	s.wg.Wait()
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"standing_orders/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultJobTimeout = 30 * time.Minute

// Refresher re-resolves stale series items against their calendars.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Reconciler brings every series' orders in line with its items.
type Reconciler interface {
	SyncAll(ctx context.Context) ([]*app.SyncReport, error)
}

// NightlyScheduler runs the refresh + reconcile pass on a cron schedule.
type NightlyScheduler struct {
	cronEngine *cron.Cron
	refresher  Refresher
	reconciler Reconciler
	logger     *logrus.Entry
	cronSpec   string // e.g., "0 2 * * *" (02:00 daily)
	timeout    time.Duration
}

func NewNightlyScheduler(refresher Refresher, reconciler Reconciler, logger *logrus.Entry, cronSpec string) *NightlyScheduler {
	log := logger.WithField("component", "scheduler")
	return &NightlyScheduler{
		// Use server's local time for cron. A pass still running when the
		// next tick fires is not started twice.
		cronEngine: cron.New(
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
		),
		refresher:  refresher,
		reconciler: reconciler,
		logger:     log,
		cronSpec:   cronSpec,
		timeout:    defaultJobTimeout,
	}
}

func (s *NightlyScheduler) Start() error {
	s.logger.Info("Starting nightly scheduler...")

	_, err := s.cronEngine.AddFunc(s.cronSpec, func() {
		s.logger.Info("Cron job triggered for nightly reconciliation.")
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("could not add nightly cron job %q: %w", s.cronSpec, err)
	}

	s.cronEngine.Start()
	s.logger.WithField("spec", s.cronSpec).Info("Nightly scheduler started.")
	return nil
}

// RunOnce refreshes stale items first so the reconcile pass sees current
// ship dates, then reconciles every series.
func (s *NightlyScheduler) RunOnce(ctx context.Context) {
	started := time.Now()
	if err := s.refresher.RefreshAll(ctx); err != nil {
		s.logger.Errorf("Error during series refresh: %v", err)
	}

	reports, err := s.reconciler.SyncAll(ctx)
	if err != nil {
		s.logger.Errorf("Error during reconciliation: %v", err)
	}
	var updated, failed int
	for _, r := range reports {
		updated += r.Updated
		failed += r.Failed
	}
	s.logger.WithFields(logrus.Fields{
		"series":   len(reports),
		"updated":  updated,
		"failed":   failed,
		"duration": time.Since(started).String(),
	}).Info("Nightly reconciliation finished.")
}

func (s *NightlyScheduler) Stop() {
	s.logger.Info("Stopping nightly scheduler...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()               // Wait for graceful shutdown
	s.logger.Info("Nightly scheduler gracefully stopped.")
}

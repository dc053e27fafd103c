// internal/app/audit.go
package app

import (
	"context"
	"time"

	"standing_orders/internal/domain/order"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditKind classifies an audit event.
type AuditKind string

const (
	AuditCommitted   AuditKind = "committed"
	AuditFailed      AuditKind = "failed"
	AuditSkipped     AuditKind = "skipped"
	AuditRunFinished AuditKind = "run_finished"
)

// AuditEvent is one diagnostic record of a reconciliation run.
type AuditEvent struct {
	RunID      uuid.UUID
	Kind       AuditKind
	SeriesID   int64
	SeriesCode string
	Order      order.Ref
	ItemID     int64
	LineNbr    int
	Reason     string
	Report     *SyncReport // set on AuditRunFinished
	At         time.Time
}

// AuditSink receives audit events. Implementations must not block for long;
// they are called inline by the batch controller.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent)
}

// LogSink writes audit events to the structured log.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log.WithField("component", "audit")}
}

func (s *LogSink) Record(_ context.Context, e AuditEvent) {
	entry := s.log.WithFields(logrus.Fields{
		"run_id":    e.RunID.String(),
		"series_id": e.SeriesID,
		"event":     string(e.Kind),
	})
	if e.Order != (order.Ref{}) {
		entry = entry.WithField("order", e.Order.String())
	}
	if e.ItemID != 0 {
		entry = entry.WithField("item_id", e.ItemID)
	}
	if e.LineNbr != 0 {
		entry = entry.WithField("line_nbr", e.LineNbr)
	}

	switch e.Kind {
	case AuditFailed:
		entry.Warnf("Order not committed: %s", e.Reason)
	case AuditSkipped:
		entry.Infof("Skipped: %s", e.Reason)
	case AuditRunFinished:
		if e.Report != nil {
			entry.Info(e.Report.Summary())
		}
	default:
		entry.Info("Order committed")
	}
}

// MultiSink fans events out to several sinks.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, e AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// internal/app/batch_controller.go
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/reconcile"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBatchSize is the number of changed orders committed together.
const DefaultBatchSize = 50

// Outcome is what happened to one order during a run.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnchanged Outcome = "unchanged"
)

// OrderOutcome records the result for one order.
type OrderOutcome struct {
	Order   order.Ref `json:"order"`
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Actions int       `json:"actions"`
}

// SyncReport summarises one reconciliation run.
type SyncReport struct {
	RunID      uuid.UUID        `json:"run_id"`
	SeriesID   int64            `json:"series_id"`
	SeriesCode string           `json:"series_code"`
	Updated    int              `json:"updated"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Unchanged  int              `json:"unchanged"`
	Outcomes   []OrderOutcome   `json:"outcomes"`
	Skips      []reconcile.Skip `json:"skips"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Summary is a one-line human readable account of the run.
func (r *SyncReport) Summary() string {
	return fmt.Sprintf("Series %s: %d orders updated, %d failed, %d skip decisions, %d unchanged",
		r.SeriesCode, r.Updated, r.Failed, r.Skipped, r.Unchanged)
}

// Failures lists the failed orders with their reasons.
func (r *SyncReport) Failures() string {
	var b strings.Builder
	for _, o := range r.Outcomes {
		if o.Outcome == OutcomeFailed {
			fmt.Fprintf(&b, "%s: %s\n", o.Order, o.Reason)
		}
	}
	return b.String()
}

// BatchController applies reconciliation plans order by order. Orders with
// changes are committed in batches of batchSize; each order inside a batch
// is atomic, and a failing order is recorded without stopping the run.
type BatchController struct {
	orders    order.Repository
	audit     AuditSink
	batchSize int
	now       Clock
	log       *logrus.Entry
}

func NewBatchController(orders order.Repository, audit AuditSink, batchSize int, log *logrus.Entry) *BatchController {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchController{
		orders:    orders,
		audit:     audit,
		batchSize: batchSize,
		now:       time.Now,
		log:       log.WithField("component", "batch_controller"),
	}
}

// Apply persists plan and reports per-order outcomes. It never fails as a
// whole: every error is turned into a Failed outcome for the orders it hit.
func (c *BatchController) Apply(ctx context.Context, runID uuid.UUID, plan *reconcile.Plan) *SyncReport {
	report := &SyncReport{
		RunID:      runID,
		SeriesID:   plan.SeriesID,
		SeriesCode: plan.SeriesCode,
		StartedAt:  c.now(),
	}
	log := c.log.WithFields(logrus.Fields{"run_id": runID.String(), "series_id": plan.SeriesID})

	for _, s := range plan.AllSkips() {
		report.Skips = append(report.Skips, s)
		report.Skipped++
		c.record(ctx, AuditEvent{
			RunID: runID, Kind: AuditSkipped, SeriesID: plan.SeriesID, SeriesCode: plan.SeriesCode,
			Order: s.Order, ItemID: s.ItemID, LineNbr: s.LineNbr, Reason: fmt.Sprintf("%s: %s", s.Reason, s.Detail),
		})
	}

	changed := plan.Changed()
	for _, op := range plan.Orders {
		if !op.HasChanges() {
			report.Unchanged++
			report.Outcomes = append(report.Outcomes, OrderOutcome{Order: op.Order, Outcome: OutcomeUnchanged})
		}
	}

	for start := 0; start < len(changed); start += c.batchSize {
		end := start + c.batchSize
		if end > len(changed) {
			end = len(changed)
		}
		chunk := changed[start:end]
		log.Debugf("Applying batch of %d orders (%d-%d of %d)", len(chunk), start+1, end, len(changed))
		for _, out := range c.applyBatch(ctx, log, chunk) {
			report.Outcomes = append(report.Outcomes, out)
			ev := AuditEvent{RunID: runID, SeriesID: plan.SeriesID, SeriesCode: plan.SeriesCode, Order: out.Order, Reason: out.Reason}
			if out.Outcome == OutcomeCommitted {
				report.Updated++
				ev.Kind = AuditCommitted
			} else {
				report.Failed++
				ev.Kind = AuditFailed
			}
			c.record(ctx, ev)
		}
	}

	report.FinishedAt = c.now()
	c.record(ctx, AuditEvent{RunID: runID, Kind: AuditRunFinished, SeriesID: plan.SeriesID, SeriesCode: plan.SeriesCode, Report: report})
	return report
}

// applyBatch commits one chunk of order plans in a single unit of work.
func (c *BatchController) applyBatch(ctx context.Context, log *logrus.Entry, chunk []reconcile.OrderPlan) []OrderOutcome {
	outcomes := make([]OrderOutcome, 0, len(chunk))

	batch, err := c.orders.BeginBatch(ctx)
	if err != nil {
		log.Errorf("Could not start batch: %v", err)
		for _, op := range chunk {
			outcomes = append(outcomes, failed(op, fmt.Errorf("begin batch: %w", err)))
		}
		return outcomes
	}

	var saved []int // indexes into outcomes
	for _, op := range chunk {
		if err := c.applyOne(ctx, batch, op); err != nil {
			if order.IsRecoverable(err) {
				log.WithField("order", op.Order.String()).Warnf("Order failed: %v", err)
			} else {
				log.WithField("order", op.Order.String()).Errorf("Order failed: %v", err)
			}
			outcomes = append(outcomes, failed(op, err))
			continue
		}
		saved = append(saved, len(outcomes))
		outcomes = append(outcomes, OrderOutcome{Order: op.Order, Outcome: OutcomeCommitted, Actions: len(op.Actions)})
	}

	if err := batch.Commit(); err != nil {
		log.Errorf("Batch commit failed, %d orders lost: %v", len(saved), err)
		_ = batch.Rollback()
		for _, i := range saved {
			outcomes[i].Outcome = OutcomeFailed
			outcomes[i].Reason = fmt.Sprintf("commit: %v", err)
		}
	}
	return outcomes
}

func (c *BatchController) applyOne(ctx context.Context, batch order.Batch, op reconcile.OrderPlan) error {
	o, err := batch.Load(ctx, op.Order)
	if err != nil {
		return err
	}
	if o.Version != op.Version {
		return fmt.Errorf("%w: %s at version %d, planned against %d", order.ErrConcurrencyConflict, op.Order, o.Version, op.Version)
	}
	if err := op.ApplyTo(o); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}
	return batch.Save(ctx, o)
}

func (c *BatchController) record(ctx context.Context, e AuditEvent) {
	if c.audit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.audit.Record(ctx, e)
}

func failed(op reconcile.OrderPlan, err error) OrderOutcome {
	return OrderOutcome{Order: op.Order, Outcome: OutcomeFailed, Reason: err.Error(), Actions: len(op.Actions)}
}

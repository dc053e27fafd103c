// internal/app/advancement_service.go
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/reconcile"
	"standing_orders/internal/domain/series"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPreviewTTL is how long an unconfirmed preview is kept.
const DefaultPreviewTTL = 30 * time.Minute

// AdvancementState is a step of the cycle advancement workflow.
type AdvancementState string

const (
	StateCollecting   AdvancementState = "collecting"
	StatePreviewReady AdvancementState = "preview_ready"
	StateConfirmed    AdvancementState = "confirmed"
	StateApplying     AdvancementState = "applying"
	StateDone         AdvancementState = "done"
	StateCancelled    AdvancementState = "cancelled"
	StateFailed       AdvancementState = "failed"
)

// AdvancementChange is one scheduled item moving to its next occurrence.
type AdvancementChange struct {
	SeriesItemID      int64               `json:"series_item_id"`
	ItemID            int64               `json:"item_id"`
	ItemCode          string              `json:"item_code"`
	Slot              calendar.Slot       `json:"slot"`
	OldOccurrenceDate sql.NullTime        `json:"old_occurrence_date"`
	NewOccurrence     calendar.Occurrence `json:"new_occurrence"`
	OldShipDate       sql.NullTime        `json:"old_ship_date"`
	NewShipDate       time.Time           `json:"new_ship_date"`
}

// Advancement is one run of the workflow, from collection to its final state.
type Advancement struct {
	ID         uuid.UUID             `json:"id"`
	SeriesID   int64                 `json:"series_id"`
	SeriesCode string                `json:"series_code"`
	Cutoff     time.Time             `json:"cutoff"`
	State      AdvancementState      `json:"state"`
	Lines      []order.ScheduledLine `json:"lines"`    // open lines due by Cutoff, shipped on confirmation
	ItemIDs    []int64               `json:"item_ids"` // distinct items of Lines
	Shipped    int                   `json:"shipped"`
	Changes    []AdvancementChange   `json:"changes"`
	Skips      []reconcile.Skip      `json:"skips"`
	Report     *SyncReport           `json:"report,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	ExpiresAt  time.Time             `json:"expires_at"`
}

// DiffColumns are the headers of the diff table.
var DiffColumns = []string{"Item", "Slot", "Old cycle date", "New cycle date", "Old ship date", "New ship date"}

// DiffRows renders the changes as table rows, one per item.
func (a *Advancement) DiffRows() [][]string {
	rows := make([][]string, 0, len(a.Changes))
	for _, c := range a.Changes {
		code := c.ItemCode
		if code == "" {
			code = fmt.Sprintf("#%d", c.ItemID)
		}
		rows = append(rows, []string{
			code,
			c.Slot.String(),
			nullDate(c.OldOccurrenceDate),
			c.NewOccurrence.Date.Format(time.DateOnly),
			nullDate(c.OldShipDate),
			c.NewShipDate.Format(time.DateOnly),
		})
	}
	return rows
}

// DiffTable is the plain-text form of DiffRows.
func (a *Advancement) DiffTable() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(DiffColumns, "\t"))
	for _, row := range a.DiffRows() {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	return b.String()
}

func nullDate(t sql.NullTime) string {
	if !t.Valid {
		return "-"
	}
	return t.Time.Format(time.DateOnly)
}

// AdvancementService moves scheduled items past a shipping batch: it previews
// the next occurrence of every item about to ship, and on confirmation
// persists the new dates, reconciles the series and ships the batch.
type AdvancementService struct {
	seriesRepo   series.Repository
	calendarRepo calendar.Repository
	orderRepo    order.Repository
	shipper      order.Shipper
	reconciler   *ReconcileService
	now          Clock
	ttl          time.Duration
	allowMulti   bool
	log          *logrus.Entry

	mu       sync.Mutex
	sessions map[uuid.UUID]*Advancement
}

func NewAdvancementService(
	sr series.Repository,
	cr calendar.Repository,
	or order.Repository,
	shipper order.Shipper,
	reconciler *ReconcileService,
	ttl time.Duration,
	allowMultipleCycles bool,
	log *logrus.Entry,
) *AdvancementService {
	if ttl <= 0 {
		ttl = DefaultPreviewTTL
	}
	return &AdvancementService{
		seriesRepo:   sr,
		calendarRepo: cr,
		orderRepo:    or,
		shipper:      shipper,
		reconciler:   reconciler,
		now:          time.Now,
		ttl:          ttl,
		allowMulti:   allowMultipleCycles,
		log:          log.WithField("component", "advancement_service"),
		sessions:     make(map[uuid.UUID]*Advancement),
	}
}

// Start collects the shipping batch of seriesCode due by cutoff and computes
// the preview. When nothing would change the advancement is already Done.
func (s *AdvancementService) Start(ctx context.Context, seriesCode string, cutoff time.Time) (*Advancement, error) {
	sr, err := s.seriesRepo.GetByCode(ctx, seriesCode)
	if err != nil {
		return nil, fmt.Errorf("failed to get series %q: %w", seriesCode, err)
	}

	now := s.now()
	adv := &Advancement{
		ID:         uuid.New(),
		SeriesID:   sr.ID,
		SeriesCode: sr.Code,
		Cutoff:     calendar.DateOnly(cutoff),
		State:      StateCollecting,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	log := s.log.WithFields(logrus.Fields{"advancement_id": adv.ID.String(), "series_id": sr.ID})

	adv.Lines, err = s.orderRepo.ListLinesScheduledBy(ctx, sr.Code, adv.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to collect lines due by %s: %w", adv.Cutoff.Format(time.DateOnly), err)
	}
	adv.ItemIDs = distinctItems(adv.Lines)
	log.Infof("Collected %d lines of %d items scheduled on or before %s",
		len(adv.Lines), len(adv.ItemIDs), adv.Cutoff.Format(time.DateOnly))

	if err := s.collect(ctx, sr, adv); err != nil {
		return nil, err
	}

	if !s.allowMulti {
		if dates := distinctCycleDates(adv.Changes); len(dates) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrMultipleCycles, strings.Join(dates, ", "))
		}
	}

	if len(adv.Changes) == 0 {
		log.Info("Nothing to advance")
		adv.State = StateDone
	} else {
		adv.State = StatePreviewReady
	}

	s.mu.Lock()
	s.pruneLocked(now)
	s.sessions[adv.ID] = adv
	s.mu.Unlock()
	return adv, nil
}

// collect resolves the next occurrence of every series item in the batch.
func (s *AdvancementService) collect(ctx context.Context, sr *series.Series, adv *Advancement) error {
	if len(adv.ItemIDs) == 0 {
		return nil
	}
	if !sr.HasCycle() {
		adv.Skips = append(adv.Skips, reconcile.Skip{Reason: reconcile.SkipNoCycle, Detail: fmt.Sprintf("series %s has no cycle", sr.Code)})
		return nil
	}

	cal, err := calendar.Load(ctx, s.calendarRepo, sr.CycleID.Int64)
	if err != nil {
		return fmt.Errorf("failed to load cycle %d: %w", sr.CycleID.Int64, err)
	}
	items, err := s.seriesRepo.ListItems(ctx, sr.ID)
	if err != nil {
		return fmt.Errorf("failed to list items of series %d: %w", sr.ID, err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	due := make(map[int64]bool, len(adv.ItemIDs))
	for _, id := range adv.ItemIDs {
		due[id] = true
	}

	today := s.now.today()
	for _, it := range items {
		if !it.ItemID.Valid || !due[it.ItemID.Int64] {
			continue
		}
		ref := today
		if it.UpcomingOccurrenceDate.Valid {
			ref = it.UpcomingOccurrenceDate.Time
		}
		next, ok := cal.ResolveNext(it.Slot, ref)
		if !ok {
			s.log.WithFields(logrus.Fields{"series_id": sr.ID, "item_id": it.ItemID.Int64}).
				Infof("No occurrence of %s after %s", it.Slot, ref.Format(time.DateOnly))
			adv.Skips = append(adv.Skips, reconcile.Skip{
				Reason: reconcile.SkipNoFutureOccurrence,
				ItemID: it.ItemID.Int64,
				Detail: fmt.Sprintf("no %s occurrence after %s", it.Slot, ref.Format(time.DateOnly)),
			})
			continue
		}
		adv.Changes = append(adv.Changes, AdvancementChange{
			SeriesItemID:      it.ID,
			ItemID:            it.ItemID.Int64,
			Slot:              it.Slot,
			OldOccurrenceDate: it.UpcomingOccurrenceDate,
			NewOccurrence:     next,
			OldShipDate:       it.ShipDate,
			NewShipDate:       it.NextShipDate(next, sr.DefaultLeadTime),
		})
	}

	if len(adv.Changes) > 0 {
		ids := make([]int64, 0, len(adv.Changes))
		for _, c := range adv.Changes {
			ids = append(ids, c.ItemID)
		}
		codes, err := s.seriesRepo.ItemCodes(ctx, ids)
		if err != nil {
			s.log.Warnf("Could not look up item codes, preview shows IDs: %v", err)
		}
		for i := range adv.Changes {
			adv.Changes[i].ItemCode = codes[adv.Changes[i].ItemID]
		}
	}
	return nil
}

func distinctItems(lines []order.ScheduledLine) []int64 {
	seen := make(map[int64]bool)
	out := make([]int64, 0)
	for _, l := range lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			out = append(out, l.ItemID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func distinctCycleDates(changes []AdvancementChange) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range changes {
		if !c.OldOccurrenceDate.Valid {
			continue
		}
		d := c.OldOccurrenceDate.Time.Format(time.DateOnly)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns a copy of the advancement's current state.
func (s *AdvancementService) Get(id uuid.UUID) (*Advancement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	adv, ok := s.sessions[id]
	if !ok {
		return nil, ErrAdvancementNotFound
	}
	cp := *adv
	return &cp, nil
}

// Cancel drops a pending preview. Nothing has been written at that point.
func (s *AdvancementService) Cancel(id uuid.UUID) (*Advancement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	adv, ok := s.sessions[id]
	if !ok {
		return nil, ErrAdvancementNotFound
	}
	if adv.State != StatePreviewReady {
		return nil, fmt.Errorf("%w: state is %s", ErrAdvancementNotPending, adv.State)
	}
	adv.State = StateCancelled
	s.log.WithField("advancement_id", id.String()).Info("Advancement cancelled")
	cp := *adv
	return &cp, nil
}

// Confirm applies a pending preview. Once applying has begun it runs to the
// end even if ctx is cancelled.
func (s *AdvancementService) Confirm(ctx context.Context, id uuid.UUID) (*Advancement, error) {
	s.mu.Lock()
	s.pruneLocked(s.now())
	adv, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrAdvancementNotFound
	}
	if adv.State != StatePreviewReady {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrAdvancementNotPending, adv.State)
	}
	adv.State = StateConfirmed
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"advancement_id": id.String(), "series_id": adv.SeriesID})
	log.Infof("Advancement confirmed, applying %d changes", len(adv.Changes))

	s.setState(adv, StateApplying, "")
	report, err := s.apply(context.WithoutCancel(ctx), adv)

	s.mu.Lock()
	adv.Report = report
	s.mu.Unlock()
	if err != nil {
		log.Errorf("Advancement failed: %v", err)
		s.setState(adv, StateFailed, err.Error())
	} else {
		log.Info("Advancement done")
		s.setState(adv, StateDone, "")
	}

	s.mu.Lock()
	cp := *adv
	s.mu.Unlock()
	return &cp, err
}

func (s *AdvancementService) setState(adv *Advancement, st AdvancementState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	adv.State = st
	adv.Error = reason
}

func (s *AdvancementService) apply(ctx context.Context, adv *Advancement) (*SyncReport, error) {
	items, err := s.seriesRepo.ListItems(ctx, adv.SeriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload series items: %w", err)
	}
	byID := make(map[int64]*series.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	changed := make([]*series.Item, 0, len(adv.Changes))
	for _, c := range adv.Changes {
		it, ok := byID[c.SeriesItemID]
		if !ok {
			return nil, fmt.Errorf("%w: series item %d", series.ErrItemNotFound, c.SeriesItemID)
		}
		it.SetUpcoming(c.NewOccurrence)
		it.SetShipDate(c.NewShipDate)
		changed = append(changed, it)
	}
	if err := s.seriesRepo.SaveItems(ctx, adv.SeriesID, changed, nil); err != nil {
		return nil, fmt.Errorf("failed to save advanced items: %w", err)
	}

	report, err := s.reconciler.Sync(ctx, adv.SeriesID)
	if err != nil {
		return nil, fmt.Errorf("reconciliation after advancement: %w", err)
	}

	// The sync above may already have re-dated the collected lines, so they
	// are shipped by reference rather than by date.
	refs := make([]order.LineRef, 0, len(adv.Lines))
	for _, l := range adv.Lines {
		refs = append(refs, l.Line)
	}
	shipped, err := s.shipper.ShipLinesNow(ctx, refs)
	if err != nil {
		return report, fmt.Errorf("ship lines now: %w", err)
	}
	s.mu.Lock()
	adv.Shipped = shipped
	s.mu.Unlock()
	s.log.WithField("advancement_id", adv.ID.String()).Infof("Shipped %d of %d collected lines", shipped, len(refs))

	// Shipped lines are protected now; the next pass gives each item its
	// line for the new cycle.
	s.reconciler.SyncAsync(adv.SeriesID)
	return report, nil
}

// pruneLocked forgets previews that were never confirmed in time.
func (s *AdvancementService) pruneLocked(now time.Time) {
	for id, adv := range s.sessions {
		if adv.State == StatePreviewReady && now.After(adv.ExpiresAt) {
			delete(s.sessions, id)
			continue
		}
		// Finished runs are kept for one more TTL so their result can be read.
		if adv.State != StatePreviewReady && adv.State != StateConfirmed && adv.State != StateApplying &&
			now.After(adv.ExpiresAt.Add(s.ttl)) {
			delete(s.sessions, id)
		}
	}
}

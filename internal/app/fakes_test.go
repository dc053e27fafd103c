package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/series"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// --- calendar ---

type memCalendars struct {
	cycles      map[int64]*calendar.Cycle
	occurrences []calendar.Occurrence
}

func (m *memCalendars) GetCycle(_ context.Context, id int64) (*calendar.Cycle, error) {
	c, ok := m.cycles[id]
	if !ok {
		return nil, calendar.ErrCycleNotFound
	}
	return c, nil
}

func (m *memCalendars) ListOccurrences(_ context.Context, cycleID int64) ([]calendar.Occurrence, error) {
	var out []calendar.Occurrence
	for _, o := range m.occurrences {
		if o.CycleID == cycleID {
			out = append(out, o)
		}
	}
	return out, nil
}

// --- series ---

type memSeries struct {
	mu        sync.Mutex
	series    map[int64]*series.Series
	items     map[int64][]*series.Item
	nextID    int64
	saveCalls int
	itemsErr  error // makes item writes fail
}

func newMemSeries() *memSeries {
	return &memSeries{series: map[int64]*series.Series{}, items: map[int64][]*series.Item{}, nextID: 1000}
}

func (m *memSeries) GetByID(_ context.Context, id int64) (*series.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return nil, series.ErrSeriesNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSeries) GetByCode(_ context.Context, code string) (*series.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.series {
		if s.Code == code {
			cp := *s
			return &cp, nil
		}
	}
	return nil, series.ErrSeriesNotFound
}

func (m *memSeries) ListAll(_ context.Context) ([]*series.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*series.Series
	for _, s := range m.series {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSeries) Save(_ context.Context, s *series.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	}
	cp := *s
	m.series[s.ID] = &cp
	return nil
}

func (m *memSeries) ListItems(_ context.Context, seriesID int64) ([]*series.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*series.Item
	for _, it := range m.items[seriesID] {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memSeries) SaveItems(_ context.Context, seriesID int64, items []*series.Item, deleteIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveItemsLocked(seriesID, items, deleteIDs)
}

func (m *memSeries) SaveWithItems(_ context.Context, s *series.Series, items []*series.Item, deleteIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.itemsErr != nil {
		return m.itemsErr
	}
	if _, ok := m.series[s.ID]; !ok {
		return series.ErrSeriesNotFound
	}
	cp := *s
	m.series[s.ID] = &cp
	return m.saveItemsLocked(s.ID, items, deleteIDs)
}

func (m *memSeries) saveItemsLocked(seriesID int64, items []*series.Item, deleteIDs []int64) error {
	if m.itemsErr != nil {
		return m.itemsErr
	}
	m.saveCalls++
	drop := map[int64]bool{}
	for _, id := range deleteIDs {
		drop[id] = true
	}
	var kept []*series.Item
	for _, it := range m.items[seriesID] {
		if !drop[it.ID] {
			kept = append(kept, it)
		}
	}
	for _, it := range items {
		if it.ID == 0 {
			m.nextID++
			it.ID = m.nextID
		}
		it.SeriesID = seriesID
		cp := *it
		replaced := false
		for i, k := range kept {
			if k.ID == it.ID {
				kept[i] = &cp
				replaced = true
			}
		}
		if !replaced {
			kept = append(kept, &cp)
		}
	}
	m.items[seriesID] = kept
	return nil
}

func (m *memSeries) ItemCodes(_ context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		out[id] = fmt.Sprintf("SKU-%d", id)
	}
	return out, nil
}

func (m *memSeries) item(seriesID, id int64) *series.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items[seriesID] {
		if it.ID == id {
			cp := *it
			return &cp
		}
	}
	return nil
}

// --- orders ---

type memOrders struct {
	mu        sync.Mutex
	orders    map[order.Ref]*order.Order
	failSave  map[order.Ref]error
	commitErr error
	beginErr  error
	commits   int
	nextNbr   int
}

func newMemOrders(orders ...*order.Order) *memOrders {
	m := &memOrders{orders: map[order.Ref]*order.Order{}, failSave: map[order.Ref]error{}, nextNbr: 500}
	for _, o := range orders {
		o.MarkClean()
		m.orders[o.Ref] = o
	}
	return m
}

func (m *memOrders) get(ref order.Ref) *order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[ref]; ok {
		return o.Clone()
	}
	return nil
}

func (m *memOrders) GetOrder(_ context.Context, ref order.Ref) (*order.Order, error) {
	if o := m.get(ref); o != nil {
		return o, nil
	}
	return nil, order.ErrOrderNotFound
}

func (m *memOrders) ListBySeriesCode(_ context.Context, code string) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.orders {
		if o.SeriesCode.Valid && o.SeriesCode.String == code {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *memOrders) ListLinesScheduledBy(_ context.Context, code string, cutoff time.Time) ([]order.ScheduledLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.ScheduledLine
	for _, o := range m.orders {
		if !o.SeriesCode.Valid || o.SeriesCode.String != code {
			continue
		}
		for _, l := range o.Lines {
			if l.Completed || !l.OpenQty.IsPositive() || !l.ItemID.Valid || !l.ScheduledDate.Valid {
				continue
			}
			if l.ScheduledDate.Time.After(cutoff) {
				continue
			}
			out = append(out, order.ScheduledLine{Line: order.LineRef{Order: o.Ref, LineNbr: l.LineNbr}, ItemID: l.ItemID.Int64})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Line.Order != out[j].Line.Order {
			return out[i].Line.Order.String() < out[j].Line.Order.String()
		}
		return out[i].Line.LineNbr < out[j].Line.LineNbr
	})
	return out, nil
}

func (m *memOrders) CreateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNbr++
	o.Number = fmt.Sprintf("%06d", m.nextNbr)
	o.MarkClean()
	m.orders[o.Ref] = o.Clone()
	return nil
}

func (m *memOrders) store(o *order.Order) {
	o.Version++
	o.MarkClean()
	m.orders[o.Ref] = o.Clone()
}

func (m *memOrders) SaveOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.Ref]; !ok {
		return order.ErrOrderNotFound
	}
	m.store(o)
	return nil
}

func (m *memOrders) BeginBatch(_ context.Context) (order.Batch, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &memBatch{repo: m}, nil
}

type memBatch struct {
	repo   *memOrders
	staged []*order.Order
}

func (b *memBatch) Load(_ context.Context, ref order.Ref) (*order.Order, error) {
	if o := b.repo.get(ref); o != nil {
		return o, nil
	}
	return nil, order.ErrOrderNotFound
}

func (b *memBatch) Save(_ context.Context, o *order.Order) error {
	if err := b.repo.failSave[o.Ref]; err != nil {
		return err
	}
	b.staged = append(b.staged, o.Clone())
	return nil
}

func (b *memBatch) Commit() error {
	b.repo.mu.Lock()
	defer b.repo.mu.Unlock()
	if b.repo.commitErr != nil {
		return b.repo.commitErr
	}
	for _, o := range b.staged {
		b.repo.store(o)
	}
	b.repo.commits++
	return nil
}

func (b *memBatch) Rollback() error {
	b.staged = nil
	return nil
}

// --- shipper ---

// memShipper records shipment calls. With orders set, ShipLinesNow also
// ships the lines in that store the way the platform would.
type memShipper struct {
	mu        sync.Mutex
	orders    *memOrders
	shipNow   [][]order.LineRef
	shipments []order.ShipmentRequest
	err       error
}

func (s *memShipper) ShipLinesNow(_ context.Context, lines []order.LineRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.shipNow = append(s.shipNow, append([]order.LineRef(nil), lines...))
	if s.orders == nil {
		return len(lines), nil
	}

	s.orders.mu.Lock()
	defer s.orders.mu.Unlock()
	shipped := 0
	for _, ref := range lines {
		o, ok := s.orders.orders[ref.Order]
		if !ok {
			continue
		}
		l := o.Line(ref.LineNbr)
		if l == nil || l.Completed || !l.OpenQty.IsPositive() || !l.SiteID.Valid {
			continue
		}
		l.ShippedQty = l.ShippedQty.Add(l.OpenQty)
		l.OpenQty = decimal.Zero
		o.Version++
		shipped++
	}
	return shipped, nil
}

func (s *memShipper) CreateShipment(_ context.Context, req order.ShipmentRequest) (order.ShipmentRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return order.ShipmentRef{}, s.err
	}
	s.shipments = append(s.shipments, req)
	return order.ShipmentRef{Number: fmt.Sprintf("SH%04d", len(s.shipments))}, nil
}

// --- audit / sync ---

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingSink) Record(_ context.Context, e AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count(kind AuditKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type countingSyncer struct {
	mu    sync.Mutex
	calls []int64
}

func (c *countingSyncer) SyncAsync(seriesID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, seriesID)
	return true
}

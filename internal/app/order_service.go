// internal/app/order_service.go
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/series"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultChildOrderType is the order type of orders created by SplitItem.
const DefaultChildOrderType = "SO"

// OrderService holds the order-level utilities: splitting an item off a
// blanket order, shipping a single item, and seeding an order from a series.
type OrderService struct {
	orderRepo  order.Repository
	seriesRepo series.Repository
	shipper    order.Shipper
	childType  string
	now        Clock
	log        *logrus.Entry
}

func NewOrderService(or order.Repository, sr series.Repository, shipper order.Shipper, childType string, log *logrus.Entry) *OrderService {
	if childType == "" {
		childType = DefaultChildOrderType
	}
	return &OrderService{
		orderRepo:  or,
		seriesRepo: sr,
		shipper:    shipper,
		childType:  childType,
		now:        time.Now,
		log:        log.WithField("component", "order_service"),
	}
}

// openLineFor picks the first line carrying itemID that still has quantity to
// ship. ErrLineNotFound means no line has the item at all.
func openLineFor(o *order.Order, itemID int64) (*order.Line, error) {
	var found bool
	for _, l := range o.Lines {
		if !l.ItemID.Valid || l.ItemID.Int64 != itemID {
			continue
		}
		found = true
		if !l.Completed && l.OpenQty.IsPositive() {
			return l, nil
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: item %d on %s", order.ErrLineNotFound, itemID, o.Ref)
	}
	return nil, fmt.Errorf("%w: item %d on %s", order.ErrNoRemainingQuantity, itemID, o.Ref)
}

// SplitItem moves the open quantity of one item of parent into a new child
// order that points back at the parent.
func (s *OrderService) SplitItem(ctx context.Context, parent order.Ref, itemID int64) (order.Ref, error) {
	p, err := s.orderRepo.GetOrder(ctx, parent)
	if err != nil {
		return order.Ref{}, fmt.Errorf("failed to get order %s: %w", parent, err)
	}
	src, err := openLineFor(p, itemID)
	if err != nil {
		return order.Ref{}, err
	}

	today := s.now.today()
	parentRef := p.Ref
	child := &order.Order{
		Ref:                order.Ref{Type: s.childType},
		CustomerID:         p.CustomerID,
		CustomerLocationID: p.CustomerLocationID,
		CurrencyID:         p.CurrencyID,
		OrderDate:          order.NullDate(today),
		BlanketRef:         &parentRef,
		Description:        fmt.Sprintf("Auto-created from blanket %s", p.Ref),
	}
	scheduled := src.ScheduledDate
	if !scheduled.Valid {
		scheduled = order.NullDate(today)
	}
	child.AddLine(&order.Line{
		ItemID:        src.ItemID,
		SiteID:        src.SiteID,
		UOM:           src.UOM,
		OrderQty:      src.OpenQty,
		OpenQty:       src.OpenQty,
		UnitPrice:     src.UnitPrice,
		ScheduledDate: scheduled,
		ShipPolicy:    src.ShipPolicy,
		DerivedFrom:   &order.LineRef{Order: p.Ref, LineNbr: src.LineNbr},
	})
	child.SetMinScheduledDate(scheduled)

	if err := s.orderRepo.CreateOrder(ctx, child); err != nil {
		return order.Ref{}, fmt.Errorf("failed to create child order of %s: %w", p.Ref, err)
	}
	s.log.WithFields(logrus.Fields{"order": p.Ref.String(), "item_id": itemID, "child": child.Ref.String()}).
		Infof("Split %s units into child order", src.OpenQty.String())
	return child.Ref, nil
}

// ShipRequest asks for a shipment of one item. Zero SiteID and ShipDate mean
// "take it from the line" and "today".
type ShipRequest struct {
	Order    order.Ref
	ItemID   int64
	SiteID   int64
	ShipDate time.Time
}

// ShipItem creates a shipment for the open quantity of one item.
func (s *OrderService) ShipItem(ctx context.Context, req ShipRequest) (order.ShipmentRef, error) {
	o, err := s.orderRepo.GetOrder(ctx, req.Order)
	if err != nil {
		return order.ShipmentRef{}, fmt.Errorf("failed to get order %s: %w", req.Order, err)
	}
	l, err := openLineFor(o, req.ItemID)
	if err != nil {
		return order.ShipmentRef{}, err
	}

	site := req.SiteID
	if site == 0 && l.SiteID.Valid {
		site = l.SiteID.Int64
	}
	if site == 0 {
		return order.ShipmentRef{}, fmt.Errorf("%w: %s line %d", order.ErrSiteRequired, o.Ref, l.LineNbr)
	}
	shipDate := calendar.DateOnly(req.ShipDate)
	if req.ShipDate.IsZero() {
		shipDate = s.now.today()
	}

	ref, err := s.shipper.CreateShipment(ctx, order.ShipmentRequest{
		Order:    o.Ref,
		ItemID:   req.ItemID,
		LineNbr:  l.LineNbr,
		SiteID:   site,
		ShipDate: shipDate,
	})
	if err != nil {
		return order.ShipmentRef{}, fmt.Errorf("failed to create shipment for %s item %d: %w", o.Ref, req.ItemID, err)
	}
	s.log.WithFields(logrus.Fields{"order": o.Ref.String(), "item_id": req.ItemID, "shipment": ref.Number}).Info("Shipment created")
	return ref, nil
}

// AttachSeries tags an order with a series and replaces its unprotected lines
// with one line per scheduled item shipping after today.
func (s *OrderService) AttachSeries(ctx context.Context, ref order.Ref, seriesCode string) (*order.Order, error) {
	o, err := s.orderRepo.GetOrder(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", ref, err)
	}
	sr, err := s.seriesRepo.GetByCode(ctx, seriesCode)
	if err != nil {
		return nil, fmt.Errorf("failed to get series %q: %w", seriesCode, err)
	}
	items, err := s.seriesRepo.ListItems(ctx, sr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of series %s: %w", sr.Code, err)
	}

	o.SetSeriesCode(sr.Code)

	var drop []int
	for _, l := range o.Lines {
		if !o.IsProtected(l) {
			drop = append(drop, l.LineNbr)
		}
	}
	for _, nbr := range drop {
		if err := o.RemoveLine(nbr); err != nil {
			return nil, err
		}
	}

	today := s.now.today()
	var seed []*series.Item
	for _, it := range items {
		if it.ItemID.Valid && it.ShipDate.Valid && calendar.DateOnly(it.ShipDate.Time).After(today) {
			seed = append(seed, it)
		}
	}
	sort.SliceStable(seed, func(i, j int) bool {
		if !seed[i].ShipDate.Time.Equal(seed[j].ShipDate.Time) {
			return seed[i].ShipDate.Time.Before(seed[j].ShipDate.Time)
		}
		return seed[i].ID < seed[j].ID
	})
	one := decimal.NewFromInt(1)
	for _, it := range seed {
		o.AddLine(&order.Line{
			ItemID:        sql.NullInt64{Int64: it.ItemID.Int64, Valid: true},
			OrderQty:      one,
			OpenQty:       one,
			ScheduledDate: order.NullDate(it.ShipDate.Time),
			ShipPolicy:    order.ShipBackOrderAllowed,
		})
	}
	o.SetMinScheduledDate(o.EarliestOpenDate())

	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := s.orderRepo.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to save order %s: %w", o.Ref, err)
	}
	s.log.WithFields(logrus.Fields{"order": o.Ref.String(), "series": sr.Code}).
		Infof("Order attached to series, %d lines removed, %d seeded", len(drop), len(seed))
	return o, nil
}

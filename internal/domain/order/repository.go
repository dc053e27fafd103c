// internal/domain/order/repository.go
package order

import (
	"context"
	"database/sql"
	"time"
)

// Repository is the slice of the order-management system the scheduler needs.
type Repository interface {
	GetOrder(ctx context.Context, ref Ref) (*Order, error)
	// ListBySeriesCode returns every order tagged with the series code, lines included.
	ListBySeriesCode(ctx context.Context, seriesCode string) ([]*Order, error)
	// ListLinesScheduledBy returns the open item lines of tagged orders
	// scheduled on or before cutoff, ordered by order and line number.
	ListLinesScheduledBy(ctx context.Context, seriesCode string, cutoff time.Time) ([]ScheduledLine, error)
	// CreateOrder persists a new order and assigns its number.
	CreateOrder(ctx context.Context, o *Order) error
	// SaveOrder commits an order's pending changes on its own.
	SaveOrder(ctx context.Context, o *Order) error
	BeginBatch(ctx context.Context) (Batch, error)
}

// Batch groups several order commits into one unit of work. Save is atomic
// per order: a failed Save leaves the batch usable and the order untouched.
type Batch interface {
	Load(ctx context.Context, ref Ref) (*Order, error)
	Save(ctx context.Context, o *Order) error
	Commit() error
	Rollback() error
}

// ScheduledLine is an open line found due for shipment.
type ScheduledLine struct {
	Line   LineRef `json:"line"`
	ItemID int64   `json:"item_id"`
}

// ShipmentRequest asks the platform for a shipment of one item of one order.
type ShipmentRequest struct {
	Order    Ref
	ItemID   int64
	LineNbr  int
	SiteID   int64
	ShipDate time.Time
}

// ShipmentRef identifies a shipment created by the platform.
type ShipmentRef struct {
	Number string
}

// Shipper exposes the platform's shipment operations.
type Shipper interface {
	// ShipLinesNow hands exactly the listed lines to the platform's batch-ship
	// operation and reports how many were shipped. Lines that are no longer
	// open, or have no site, are left alone.
	ShipLinesNow(ctx context.Context, lines []LineRef) (int, error)
	CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentRef, error)
}

// NullDate wraps t as a valid sql.NullTime.
func NullDate(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

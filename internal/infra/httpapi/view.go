package httpapi

import (
	"database/sql"
	"time"

	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/series"

	"github.com/shopspring/decimal"
)

type seriesView struct {
	ID              int64     `json:"id"`
	Code            string    `json:"code"`
	Name            string    `json:"name"`
	CycleID         *int64    `json:"cycle_id"`
	DefaultLeadTime int       `json:"default_lead_time"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type itemView struct {
	ID                     int64   `json:"id"`
	ItemID                 *int64  `json:"item_id"`
	Major                  string  `json:"major"`
	Minor                  string  `json:"minor"`
	ShipDate               *string `json:"ship_date"`
	UpcomingOccurrenceID   *int64  `json:"upcoming_occurrence_id"`
	UpcomingOccurrenceDate *string `json:"upcoming_occurrence_date"`
}

type lineView struct {
	LineNbr       int             `json:"line_nbr"`
	ItemID        *int64          `json:"item_id"`
	OrderQty      decimal.Decimal `json:"order_qty"`
	OpenQty       decimal.Decimal `json:"open_qty"`
	ScheduledDate *string         `json:"scheduled_date"`
	Completed     bool            `json:"completed"`
}

type orderView struct {
	Type             string     `json:"type"`
	Number           string     `json:"number"`
	SeriesCode       string     `json:"series_code"`
	MinScheduledDate *string    `json:"min_scheduled_date"`
	Version          int        `json:"version"`
	Lines            []lineView `json:"lines"`
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullDay(v sql.NullTime) *string {
	if !v.Valid {
		return nil
	}
	d := v.Time.Format(time.DateOnly)
	return &d
}

func newSeriesView(sr *series.Series) seriesView {
	return seriesView{
		ID:              sr.ID,
		Code:            sr.Code,
		Name:            sr.Name,
		CycleID:         nullInt(sr.CycleID),
		DefaultLeadTime: sr.DefaultLeadTime,
		UpdatedAt:       sr.UpdatedAt,
	}
}

func newItemViews(items []*series.Item) []itemView {
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView{
			ID:                     it.ID,
			ItemID:                 nullInt(it.ItemID),
			Major:                  it.Slot.Major,
			Minor:                  it.Slot.Minor,
			ShipDate:               nullDay(it.ShipDate),
			UpcomingOccurrenceID:   nullInt(it.UpcomingOccurrenceID),
			UpcomingOccurrenceDate: nullDay(it.UpcomingOccurrenceDate),
		})
	}
	return out
}

func newOrderView(o *order.Order) orderView {
	v := orderView{
		Type:             o.Type,
		Number:           o.Number,
		SeriesCode:       o.SeriesCode.String,
		MinScheduledDate: nullDay(o.MinScheduledDate),
		Version:          o.Version,
		Lines:            make([]lineView, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		v.Lines = append(v.Lines, lineView{
			LineNbr:       l.LineNbr,
			ItemID:        nullInt(l.ItemID),
			OrderQty:      l.OrderQty,
			OpenQty:       l.OpenQty,
			ScheduledDate: nullDay(l.ScheduledDate),
			Completed:     l.Completed,
		})
	}
	return v
}

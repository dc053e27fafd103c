package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"standing_orders/internal/app"
	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/reconcile"
	"standing_orders/internal/domain/series"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Reconciler previews or runs a reconciliation pass for one series.
type Reconciler interface {
	Reconcile(ctx context.Context, seriesID int64) (*reconcile.Plan, error)
	Sync(ctx context.Context, seriesID int64) (*app.SyncReport, error)
}

// Advancer drives the cycle advancement workflow.
type Advancer interface {
	Start(ctx context.Context, seriesCode string, cutoff time.Time) (*app.Advancement, error)
	Get(id uuid.UUID) (*app.Advancement, error)
	Confirm(ctx context.Context, id uuid.UUID) (*app.Advancement, error)
	Cancel(id uuid.UUID) (*app.Advancement, error)
}

// SeriesMaintainer edits series records and their scheduled items.
type SeriesMaintainer interface {
	SaveSeries(ctx context.Context, sr *series.Series) error
	EditItems(ctx context.Context, seriesID int64, edits []app.ItemEdit) ([]*series.Item, error)
}

// Orders exposes the order-level utilities.
type Orders interface {
	SplitItem(ctx context.Context, parent order.Ref, itemID int64) (order.Ref, error)
	ShipItem(ctx context.Context, req app.ShipRequest) (order.ShipmentRef, error)
	AttachSeries(ctx context.Context, ref order.Ref, seriesCode string) (*order.Order, error)
}

type Handler struct {
	reconciler Reconciler
	advancer   Advancer
	series     SeriesMaintainer
	orders     Orders
}

func NewHandler(reconciler Reconciler, advancer Advancer, seriesSvc SeriesMaintainer, orders Orders) *Handler {
	return &Handler{reconciler: reconciler, advancer: advancer, series: seriesSvc, orders: orders}
}

func seriesID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "series id must be a number")
		return 0, false
	}
	return id, true
}

type saveSeriesRequest struct {
	Code            string `json:"code" binding:"required"`
	Name            string `json:"name"`
	CycleID         *int64 `json:"cycle_id"`
	DefaultLeadTime int    `json:"default_lead_time" binding:"min=0"`
}

func (r saveSeriesRequest) series(id int64) *series.Series {
	sr := &series.Series{ID: id, Code: r.Code, Name: r.Name, DefaultLeadTime: r.DefaultLeadTime}
	if r.CycleID != nil {
		sr.CycleID = sql.NullInt64{Int64: *r.CycleID, Valid: true}
	}
	return sr
}

// CreateSeries POST /series
func (h *Handler) CreateSeries(c *gin.Context) {
	var req saveSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	sr := req.series(0)
	if err := h.series.SaveSeries(c.Request.Context(), sr); err != nil {
		respondError(c, err)
		return
	}
	Created(c, newSeriesView(sr))
}

// UpdateSeries PUT /series/:id
// The body replaces the record; an absent cycle_id detaches the cycle.
func (h *Handler) UpdateSeries(c *gin.Context) {
	id, ok := seriesID(c)
	if !ok {
		return
	}
	var req saveSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	sr := req.series(id)
	if err := h.series.SaveSeries(c.Request.Context(), sr); err != nil {
		respondError(c, err)
		return
	}
	Success(c, newSeriesView(sr))
}

type itemEditRequest struct {
	ID       int64   `json:"id"`
	Delete   bool    `json:"delete"`
	ItemID   *int64  `json:"item_id"`
	Major    *string `json:"major"`
	Minor    *string `json:"minor"`
	ShipDate *string `json:"ship_date"`
}

type editItemsRequest struct {
	Items []itemEditRequest `json:"items" binding:"required,min=1"`
}

// EditItems PATCH /series/:id/items
func (h *Handler) EditItems(c *gin.Context) {
	id, ok := seriesID(c)
	if !ok {
		return
	}
	var req editItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	edits := make([]app.ItemEdit, 0, len(req.Items))
	for i, r := range req.Items {
		e := app.ItemEdit{ID: r.ID, Delete: r.Delete, ItemID: r.ItemID, Major: r.Major, Minor: r.Minor}
		if r.ShipDate != nil {
			d, err := calendar.ParseDate(*r.ShipDate)
			if err != nil {
				BadRequest(c, fmt.Sprintf("items[%d].ship_date %q is not a YYYY-MM-DD date", i, *r.ShipDate))
				return
			}
			e.ShipDate = &d
		}
		edits = append(edits, e)
	}

	saved, err := h.series.EditItems(c.Request.Context(), id, edits)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, newItemViews(saved))
}

// Reconcile POST /series/:id/reconcile?dry_run=true
func (h *Handler) Reconcile(c *gin.Context) {
	id, ok := seriesID(c)
	if !ok {
		return
	}
	dryRun, err := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	if err != nil {
		BadRequest(c, "dry_run must be true or false")
		return
	}

	if dryRun {
		plan, err := h.reconciler.Reconcile(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		Success(c, plan)
		return
	}

	report, err := h.reconciler.Sync(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, report)
}

type startAdvancementRequest struct {
	SeriesCode string `json:"series_code" binding:"required"`
	Cutoff     string `json:"cutoff" binding:"required"`
}

// StartAdvancement POST /advancements
func (h *Handler) StartAdvancement(c *gin.Context) {
	var req startAdvancementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	cutoff, err := calendar.ParseDate(req.Cutoff)
	if err != nil {
		BadRequest(c, "cutoff must be a date in YYYY-MM-DD format")
		return
	}

	adv, err := h.advancer.Start(c.Request.Context(), req.SeriesCode, cutoff)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, adv)
}

func advancementID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid advancement id")
		return uuid.Nil, false
	}
	return id, true
}

// GetAdvancement GET /advancements/:id
func (h *Handler) GetAdvancement(c *gin.Context) {
	id, ok := advancementID(c)
	if !ok {
		return
	}
	adv, err := h.advancer.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, adv)
}

// ExportAdvancement GET /advancements/:id/export
func (h *Handler) ExportAdvancement(c *gin.Context) {
	id, ok := advancementID(c)
	if !ok {
		return
	}
	adv, err := h.advancer.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	f, filename, err := diffWorkbook(adv)
	if err != nil {
		InternalError(c, "build spreadsheet: "+err.Error())
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}

// ConfirmAdvancement POST /advancements/:id/confirm
func (h *Handler) ConfirmAdvancement(c *gin.Context) {
	id, ok := advancementID(c)
	if !ok {
		return
	}
	adv, err := h.advancer.Confirm(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, adv)
}

// CancelAdvancement POST /advancements/:id/cancel
func (h *Handler) CancelAdvancement(c *gin.Context) {
	id, ok := advancementID(c)
	if !ok {
		return
	}
	adv, err := h.advancer.Cancel(id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, adv)
}

func orderRef(c *gin.Context) order.Ref {
	return order.Ref{Type: strings.ToUpper(c.Param("type")), Number: c.Param("nbr")}
}

type splitRequest struct {
	ItemID int64 `json:"item_id" binding:"required"`
}

// SplitItem POST /orders/:type/:nbr/split
func (h *Handler) SplitItem(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	child, err := h.orders.SplitItem(c.Request.Context(), orderRef(c), req.ItemID)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, child)
}

type shipRequest struct {
	ItemID   int64  `json:"item_id" binding:"required"`
	SiteID   int64  `json:"site_id"`
	ShipDate string `json:"ship_date"`
}

// ShipItem POST /orders/:type/:nbr/shipments
func (h *Handler) ShipItem(c *gin.Context) {
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	ship := app.ShipRequest{Order: orderRef(c), ItemID: req.ItemID, SiteID: req.SiteID}
	if req.ShipDate != "" {
		d, err := calendar.ParseDate(req.ShipDate)
		if err != nil {
			BadRequest(c, fmt.Sprintf("ship_date %q is not a YYYY-MM-DD date", req.ShipDate))
			return
		}
		ship.ShipDate = d
	}

	ref, err := h.orders.ShipItem(c.Request.Context(), ship)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, ref)
}

type attachSeriesRequest struct {
	SeriesCode string `json:"series_code" binding:"required"`
}

// AttachSeries POST /orders/:type/:nbr/series
func (h *Handler) AttachSeries(c *gin.Context) {
	var req attachSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	o, err := h.orders.AttachSeries(c.Request.Context(), orderRef(c), req.SeriesCode)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, newOrderView(o))
}

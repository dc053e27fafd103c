package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"standing_orders/internal/domain/order"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// listedLines restricts l to the lines named by three parallel arrays
// ($1 order types, $2 order numbers, $3 line numbers) that can still ship.
const listedLines = `(l.order_type, l.order_nbr, l.line_nbr) IN (
                   SELECT * FROM unnest($1::text[], $2::text[], $3::int[]))
                 AND NOT l.completed
                 AND l.open_qty > 0
                 AND l.site_id IS NOT NULL`

// PostgresShipmentRepository records shipments against order lines. A
// shipment takes the full open quantity of its line.
type PostgresShipmentRepository struct {
	db *sql.DB
}

func NewPostgresShipmentRepository(db *sql.DB) *PostgresShipmentRepository {
	return &PostgresShipmentRepository{db: db}
}

// ShipLinesNow ships every listed line that is still open in one
// transaction. Lines without a site are left for manual handling.
func (r *PostgresShipmentRepository) ShipLinesNow(ctx context.Context, lines []order.LineRef) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	types := make([]string, len(lines))
	nbrs := make([]string, len(lines))
	lineNbrs := make([]int64, len(lines))
	for i, l := range lines {
		types[i], nbrs[i], lineNbrs[i] = l.Order.Type, l.Order.Number, int64(l.LineNbr)
	}
	args := []interface{}{pq.Array(types), pq.Array(nbrs), pq.Array(lineNbrs)}

	var shipped int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE orders SET version = version + 1, updated_at = NOW()
               WHERE (order_type, order_nbr) IN (
                 SELECT l.order_type, l.order_nbr FROM order_lines l WHERE `+listedLines+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to touch shipped orders: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO shipments
               (shipment_nbr, order_type, order_nbr, line_nbr, item_id, site_id, ship_date, quantity)
               SELECT 'SH' || lpad(nextval('shipment_number_seq')::text, 6, '0'),
                      l.order_type, l.order_nbr, l.line_nbr, l.item_id, l.site_id, CURRENT_DATE, l.open_qty
               FROM order_lines l
               WHERE `+listedLines+`
               ORDER BY l.order_type, l.order_nbr, l.line_nbr`, args...)
		if err != nil {
			return fmt.Errorf("failed to create shipments: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE order_lines l
               SET shipped_qty = l.shipped_qty + l.open_qty, open_qty = 0
               WHERE `+listedLines, args...)
		if err != nil {
			return fmt.Errorf("failed to mark lines shipped: %w", err)
		}
		shipped, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count shipped lines: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(shipped), nil
}

func (r *PostgresShipmentRepository) CreateShipment(ctx context.Context, req order.ShipmentRequest) (order.ShipmentRef, error) {
	var ref order.ShipmentRef
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var open decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT open_qty FROM order_lines
               WHERE order_type = $1 AND order_nbr = $2 AND line_nbr = $3 AND NOT completed
               FOR UPDATE`, req.Order.Type, req.Order.Number, req.LineNbr).Scan(&open)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s line %d", order.ErrLineNotFound, req.Order, req.LineNbr)
			}
			return fmt.Errorf("failed to lock line for shipment: %w", err)
		}
		if !open.IsPositive() {
			return fmt.Errorf("%w: %s line %d", order.ErrNoRemainingQuantity, req.Order, req.LineNbr)
		}

		err = tx.QueryRowContext(ctx, `INSERT INTO shipments
               (shipment_nbr, order_type, order_nbr, line_nbr, item_id, site_id, ship_date, quantity)
               VALUES ('SH' || lpad(nextval('shipment_number_seq')::text, 6, '0'), $1, $2, $3, $4, $5, $6, $7)
               RETURNING shipment_nbr`,
			req.Order.Type, req.Order.Number, req.LineNbr, req.ItemID, req.SiteID, req.ShipDate, open).Scan(&ref.Number)
		if err != nil {
			return orderError(req.Order, "ship", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE order_lines SET shipped_qty = shipped_qty + open_qty, open_qty = 0
               WHERE order_type = $1 AND order_nbr = $2 AND line_nbr = $3`, req.Order.Type, req.Order.Number, req.LineNbr)
		if err != nil {
			return fmt.Errorf("failed to mark line shipped: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE orders SET version = version + 1, updated_at = NOW()
               WHERE order_type = $1 AND order_nbr = $2`, req.Order.Type, req.Order.Number)
		if err != nil {
			return fmt.Errorf("failed to touch shipped order: %w", err)
		}
		return nil
	})
	if err != nil {
		return order.ShipmentRef{}, err
	}
	return ref, nil
}

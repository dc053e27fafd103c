package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"standing_orders/internal/domain/order"

	"github.com/lib/pq"
)

const orderColumns = `order_type, order_nbr, customer_id, customer_location_id, currency_id, series_code,
       order_date, min_scheduled_date, blanket_type, blanket_nbr, description, version`

const lineColumns = `line_nbr, item_id, site_id, uom, order_qty, open_qty, shipped_qty, unit_price,
       scheduled_date, ship_policy, completed, derived_type, derived_nbr, derived_line_nbr`

// PostgresOrderRepository reads and writes standing orders. Every write
// bumps the header version and is rejected when the version moved.
type PostgresOrderRepository struct {
	db *sql.DB
}

func NewPostgresOrderRepository(db *sql.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

func (r *PostgresOrderRepository) GetOrder(ctx context.Context, ref order.Ref) (*order.Order, error) {
	return loadOrder(ctx, r.db, ref, false)
}

func (r *PostgresOrderRepository) ListBySeriesCode(ctx context.Context, seriesCode string) ([]*order.Order, error) {
	query := `SELECT order_type, order_nbr FROM orders WHERE series_code = $1 ORDER BY order_type, order_nbr`

	rows, err := r.db.QueryContext(ctx, query, seriesCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders of series %s: %w", seriesCode, err)
	}
	var refs []order.Ref
	for rows.Next() {
		var ref order.Ref
		if err := rows.Scan(&ref.Type, &ref.Number); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order ref: %w", err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	orders := make([]*order.Order, 0, len(refs))
	for _, ref := range refs {
		o, err := loadOrder(ctx, r.db, ref, false)
		if err != nil {
			if errors.Is(err, order.ErrOrderNotFound) {
				continue // deleted since listing
			}
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (r *PostgresOrderRepository) ListLinesScheduledBy(ctx context.Context, seriesCode string, cutoff time.Time) ([]order.ScheduledLine, error) {
	query := `SELECT l.order_type, l.order_nbr, l.line_nbr, l.item_id
               FROM order_lines l
               JOIN orders o ON o.order_type = l.order_type AND o.order_nbr = l.order_nbr
               WHERE o.series_code = $1
                 AND l.item_id IS NOT NULL
                 AND NOT l.completed
                 AND l.open_qty > 0
                 AND l.scheduled_date <= $2
               ORDER BY l.order_type, l.order_nbr, l.line_nbr`

	rows, err := r.db.QueryContext(ctx, query, seriesCode, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled lines: %w", err)
	}
	defer rows.Close()

	lines := make([]order.ScheduledLine, 0)
	for rows.Next() {
		var sl order.ScheduledLine
		if err := rows.Scan(&sl.Line.Order.Type, &sl.Line.Order.Number, &sl.Line.LineNbr, &sl.ItemID); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled line: %w", err)
		}
		lines = append(lines, sl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled lines: %w", err)
	}
	return lines, nil
}

// CreateOrder inserts o under the next number of the shared order sequence.
func (r *PostgresOrderRepository) CreateOrder(ctx context.Context, o *order.Order) error {
	var nbr string
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT lpad(nextval('order_number_seq')::text, 6, '0')`).Scan(&nbr); err != nil {
			return fmt.Errorf("failed to allocate order number: %w", err)
		}
		ref := order.Ref{Type: o.Type, Number: nbr}

		var blanketType, blanketNbr sql.NullString
		if o.BlanketRef != nil {
			blanketType = sql.NullString{String: o.BlanketRef.Type, Valid: true}
			blanketNbr = sql.NullString{String: o.BlanketRef.Number, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (order_type, order_nbr, customer_id, customer_location_id,
               currency_id, series_code, order_date, min_scheduled_date, blanket_type, blanket_nbr, description, version)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)`,
			ref.Type, ref.Number, o.CustomerID, o.CustomerLocationID, o.CurrencyID, o.SeriesCode,
			o.OrderDate, o.MinScheduledDate, blanketType, blanketNbr, o.Description)
		if err != nil {
			return orderError(ref, "create", err)
		}
		for _, l := range o.Lines {
			if err := insertLine(ctx, tx, ref, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.Number = nbr
	o.Version = 1
	o.MarkClean()
	return nil
}

// SaveOrder writes o's pending changes in a transaction of its own.
func (r *PostgresOrderRepository) SaveOrder(ctx context.Context, o *order.Order) error {
	if o.Changes().Empty() {
		return nil
	}
	if err := withTx(ctx, r.db, func(tx *sql.Tx) error { return saveOrder(ctx, tx, o) }); err != nil {
		return err
	}
	o.Version++
	o.MarkClean()
	return nil
}

func (r *PostgresOrderRepository) BeginBatch(ctx context.Context) (order.Batch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &postgresBatch{tx: tx}, nil
}

// postgresBatch is one transaction spanning several orders. Each Save runs
// under a savepoint so a rejected order does not poison the rest.
type postgresBatch struct {
	tx *sql.Tx
}

func (b *postgresBatch) Load(ctx context.Context, ref order.Ref) (*order.Order, error) {
	return loadOrder(ctx, b.tx, ref, true)
}

func (b *postgresBatch) Save(ctx context.Context, o *order.Order) error {
	if o.Changes().Empty() {
		return nil
	}
	if _, err := b.tx.ExecContext(ctx, `SAVEPOINT order_save`); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := saveOrder(ctx, b.tx, o); err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT order_save`); rbErr != nil {
			return fmt.Errorf("failed to roll back to savepoint after %v: %w", err, rbErr)
		}
		return err
	}
	if _, err := b.tx.ExecContext(ctx, `RELEASE SAVEPOINT order_save`); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	o.Version++
	o.MarkClean()
	return nil
}

func (b *postgresBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *postgresBatch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back batch: %w", err)
	}
	return nil
}

// loadOrder reads the header, its lines and the numbers of lines that other
// orders were split from. lock takes a row lock on the header.
func loadOrder(ctx context.Context, q queryer, ref order.Ref, lock bool) (*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_type = $1 AND order_nbr = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	o := &order.Order{SplitLines: map[int]bool{}}
	var blanketType, blanketNbr sql.NullString
	err := q.QueryRowContext(ctx, query, ref.Type, ref.Number).Scan(
		&o.Type, &o.Number, &o.CustomerID, &o.CustomerLocationID, &o.CurrencyID, &o.SeriesCode,
		&o.OrderDate, &o.MinScheduledDate, &blanketType, &blanketNbr, &o.Description, &o.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", order.ErrOrderNotFound, ref)
		}
		return nil, fmt.Errorf("failed to load order %s: %w", ref, err)
	}
	o.OrderDate = nullDate(o.OrderDate)
	o.MinScheduledDate = nullDate(o.MinScheduledDate)
	if blanketType.Valid && blanketNbr.Valid {
		o.BlanketRef = &order.Ref{Type: blanketType.String, Number: blanketNbr.String}
	}

	if o.Lines, err = loadLines(ctx, q, ref); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT DISTINCT derived_line_nbr FROM order_lines
               WHERE derived_type = $1 AND derived_nbr = $2 AND derived_line_nbr IS NOT NULL`, ref.Type, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to load split lines of %s: %w", ref, err)
	}
	defer rows.Close()
	for rows.Next() {
		var nbr int
		if err := rows.Scan(&nbr); err != nil {
			return nil, fmt.Errorf("failed to scan split line: %w", err)
		}
		o.SplitLines[nbr] = true
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating split lines: %w", err)
	}
	return o, nil
}

func loadLines(ctx context.Context, q queryer, ref order.Ref) ([]*order.Line, error) {
	query := `SELECT ` + lineColumns + ` FROM order_lines WHERE order_type = $1 AND order_nbr = $2 ORDER BY line_nbr`

	rows, err := q.QueryContext(ctx, query, ref.Type, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to load lines of %s: %w", ref, err)
	}
	defer rows.Close()

	lines := make([]*order.Line, 0)
	for rows.Next() {
		l := &order.Line{}
		var policy string
		var derivedType, derivedNbr sql.NullString
		var derivedLine sql.NullInt64
		if err := rows.Scan(&l.LineNbr, &l.ItemID, &l.SiteID, &l.UOM, &l.OrderQty, &l.OpenQty, &l.ShippedQty,
			&l.UnitPrice, &l.ScheduledDate, &policy, &l.Completed, &derivedType, &derivedNbr, &derivedLine); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		l.ShipPolicy = order.ShipPolicy(policy)
		l.ScheduledDate = nullDate(l.ScheduledDate)
		if derivedType.Valid && derivedNbr.Valid && derivedLine.Valid {
			l.DerivedFrom = &order.LineRef{
				Order:   order.Ref{Type: derivedType.String, Number: derivedNbr.String},
				LineNbr: int(derivedLine.Int64),
			}
		}
		lines = append(lines, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order lines: %w", err)
	}
	return lines, nil
}

// saveOrder writes header, deletions, updates and inserts. It leaves o
// untouched so the caller can decide whether the write stuck.
func saveOrder(ctx context.Context, q queryer, o *order.Order) error {
	changes := o.Changes()

	res, err := q.ExecContext(ctx, `UPDATE orders
               SET series_code = $1, min_scheduled_date = $2, description = $3,
                   version = version + 1, updated_at = NOW()
               WHERE order_type = $4 AND order_nbr = $5 AND version = $6`,
		o.SeriesCode, o.MinScheduledDate, o.Description, o.Type, o.Number, o.Version)
	if err != nil {
		return orderError(o.Ref, "update", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s at version %d", order.ErrConcurrencyConflict, o.Ref, o.Version)
	}

	if len(changes.Deleted) > 0 {
		_, err := q.ExecContext(ctx, `DELETE FROM order_lines WHERE order_type = $1 AND order_nbr = $2 AND line_nbr = ANY($3)`,
			o.Type, o.Number, pq.Array(changes.Deleted))
		if err != nil {
			return orderError(o.Ref, "delete lines of", err)
		}
	}

	for _, l := range changes.Updated {
		_, err := q.ExecContext(ctx, `UPDATE order_lines
               SET scheduled_date = $1, order_qty = $2, open_qty = $3, ship_policy = $4
               WHERE order_type = $5 AND order_nbr = $6 AND line_nbr = $7`,
			l.ScheduledDate, l.OrderQty, l.OpenQty, string(l.ShipPolicy), o.Type, o.Number, l.LineNbr)
		if err != nil {
			return orderError(o.Ref, "update line of", err)
		}
	}

	for _, l := range changes.Inserted {
		if err := insertLine(ctx, q, o.Ref, l); err != nil {
			return err
		}
	}
	return nil
}

func insertLine(ctx context.Context, q queryer, ref order.Ref, l *order.Line) error {
	var derivedType, derivedNbr sql.NullString
	var derivedLine sql.NullInt64
	if l.DerivedFrom != nil {
		derivedType = sql.NullString{String: l.DerivedFrom.Order.Type, Valid: true}
		derivedNbr = sql.NullString{String: l.DerivedFrom.Order.Number, Valid: true}
		derivedLine = sql.NullInt64{Int64: int64(l.DerivedFrom.LineNbr), Valid: true}
	}
	policy := l.ShipPolicy
	if policy == "" {
		policy = order.ShipBackOrderAllowed
	}
	_, err := q.ExecContext(ctx, `INSERT INTO order_lines (order_type, order_nbr, `+lineColumns+`)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ref.Type, ref.Number, l.LineNbr, l.ItemID, l.SiteID, l.UOM, l.OrderQty, l.OpenQty, l.ShippedQty,
		l.UnitPrice, l.ScheduledDate, string(policy), l.Completed, derivedType, derivedNbr, derivedLine)
	if err != nil {
		return orderError(ref, "insert line of", err)
	}
	return nil
}

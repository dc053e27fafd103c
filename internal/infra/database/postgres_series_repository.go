package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"standing_orders/internal/domain/series"

	"github.com/lib/pq"
)

const seriesColumns = `id, code, name, cycle_id, default_lead_time, created_at, updated_at`

const itemColumns = `id, series_id, item_id, major, minor, ship_date, upcoming_occurrence_id, upcoming_occurrence_date`

type PostgresSeriesRepository struct {
	db *sql.DB
}

func NewPostgresSeriesRepository(db *sql.DB) *PostgresSeriesRepository {
	return &PostgresSeriesRepository{db: db}
}

func scanSeries(row interface{ Scan(...any) error }) (*series.Series, error) {
	s := &series.Series{}
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.CycleID, &s.DefaultLeadTime, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *PostgresSeriesRepository) GetByID(ctx context.Context, id int64) (*series.Series, error) {
	query := `SELECT ` + seriesColumns + ` FROM series WHERE id = $1`
	s, err := scanSeries(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", series.ErrSeriesNotFound, id)
		}
		return nil, fmt.Errorf("failed to get series by ID: %w", err)
	}
	return s, nil
}

func (r *PostgresSeriesRepository) GetByCode(ctx context.Context, code string) (*series.Series, error) {
	query := `SELECT ` + seriesColumns + ` FROM series WHERE code = $1`
	s, err := scanSeries(r.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: code %q", series.ErrSeriesNotFound, code)
		}
		return nil, fmt.Errorf("failed to get series by code: %w", err)
	}
	return s, nil
}

func (r *PostgresSeriesRepository) ListAll(ctx context.Context) ([]*series.Series, error) {
	query := `SELECT ` + seriesColumns + ` FROM series ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer rows.Close()

	all := make([]*series.Series, 0)
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan series: %w", err)
		}
		all = append(all, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating series: %w", err)
	}
	return all, nil
}

func (r *PostgresSeriesRepository) Save(ctx context.Context, s *series.Series) error {
	return saveSeries(ctx, r.db, s)
}

func saveSeries(ctx context.Context, q queryer, s *series.Series) error {
	var err error
	if s.ID == 0 {
		query := `INSERT INTO series (code, name, cycle_id, default_lead_time)
               VALUES ($1, $2, $3, $4)
               RETURNING id, created_at, updated_at`
		err = q.QueryRowContext(ctx, query, s.Code, s.Name, s.CycleID, s.DefaultLeadTime).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	} else {
		query := `UPDATE series
               SET code = $1, name = $2, cycle_id = $3, default_lead_time = $4, updated_at = NOW()
               WHERE id = $5
               RETURNING updated_at`
		err = q.QueryRowContext(ctx, query, s.Code, s.Name, s.CycleID, s.DefaultLeadTime, s.ID).Scan(&s.UpdatedAt)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", series.ErrSeriesNotFound, s.ID)
		}
		if pqErr, ok := isIntegrityViolation(err); ok && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", series.ErrDuplicateCode, s.Code)
		}
		return fmt.Errorf("failed to save series %s: %w", s.Code, err)
	}
	return nil
}

func (r *PostgresSeriesRepository) ListItems(ctx context.Context, seriesID int64) ([]*series.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM series_items WHERE series_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of series %d: %w", seriesID, err)
	}
	defer rows.Close()

	items := make([]*series.Item, 0)
	for rows.Next() {
		it := &series.Item{}
		if err := rows.Scan(&it.ID, &it.SeriesID, &it.ItemID, &it.Slot.Major, &it.Slot.Minor,
			&it.ShipDate, &it.UpcomingOccurrenceID, &it.UpcomingOccurrenceDate); err != nil {
			return nil, fmt.Errorf("failed to scan series item: %w", err)
		}
		it.ShipDate = nullDate(it.ShipDate)
		it.UpcomingOccurrenceDate = nullDate(it.UpcomingOccurrenceDate)
		items = append(items, it)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating series items: %w", err)
	}
	return items, nil
}

// SaveItems writes all edits of one maintenance pass in a single transaction.
func (r *PostgresSeriesRepository) SaveItems(ctx context.Context, seriesID int64, items []*series.Item, deleteIDs []int64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return saveItems(ctx, tx, seriesID, items, deleteIDs)
	})
}

// SaveWithItems is used when a series change invalidates its items, as on a
// cycle change.
func (r *PostgresSeriesRepository) SaveWithItems(ctx context.Context, s *series.Series, items []*series.Item, deleteIDs []int64) error {
	if s.ID == 0 {
		return fmt.Errorf("%w: series %s is not saved yet", series.ErrSeriesNotFound, s.Code)
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := saveSeries(ctx, tx, s); err != nil {
			return err
		}
		return saveItems(ctx, tx, s.ID, items, deleteIDs)
	})
}

func saveItems(ctx context.Context, tx *sql.Tx, seriesID int64, items []*series.Item, deleteIDs []int64) error {
	if len(deleteIDs) > 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM series_items WHERE series_id = $1 AND id = ANY($2)`, seriesID, pq.Array(deleteIDs))
		if err != nil {
			return fmt.Errorf("failed to delete series items: %w", err)
		}
	}

	insertStmt, err := tx.PrepareContext(ctx, `INSERT INTO series_items
               (series_id, item_id, major, minor, ship_date, upcoming_occurrence_id, upcoming_occurrence_date)
               VALUES ($1, $2, $3, $4, $5, $6, $7)
               RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer insertStmt.Close()

	updateStmt, err := tx.PrepareContext(ctx, `UPDATE series_items
               SET item_id = $1, major = $2, minor = $3, ship_date = $4,
                   upcoming_occurrence_id = $5, upcoming_occurrence_date = $6
               WHERE id = $7 AND series_id = $8`)
	if err != nil {
		return fmt.Errorf("failed to prepare item update: %w", err)
	}
	defer updateStmt.Close()

	for _, it := range items {
		it.SeriesID = seriesID
		if it.ID == 0 {
			err := insertStmt.QueryRowContext(ctx, seriesID, it.ItemID, it.Slot.Major, it.Slot.Minor,
				it.ShipDate, it.UpcomingOccurrenceID, it.UpcomingOccurrenceDate).Scan(&it.ID)
			if err != nil {
				return fmt.Errorf("failed to insert series item: %w", err)
			}
			continue
		}
		res, err := updateStmt.ExecContext(ctx, it.ItemID, it.Slot.Major, it.Slot.Minor,
			it.ShipDate, it.UpcomingOccurrenceID, it.UpcomingOccurrenceDate, it.ID, seriesID)
		if err != nil {
			return fmt.Errorf("failed to update series item %d: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", series.ErrItemNotFound, it.ID)
		}
	}
	return nil
}

func (r *PostgresSeriesRepository) ItemCodes(ctx context.Context, itemIDs []int64) (map[int64]string, error) {
	codes := make(map[int64]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return codes, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, code FROM items WHERE id = ANY($1)`, pq.Array(itemIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to look up item codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var code string
		if err := rows.Scan(&id, &code); err != nil {
			return nil, fmt.Errorf("failed to scan item code: %w", err)
		}
		codes[id] = code
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item codes: %w", err)
	}
	return codes, nil
}

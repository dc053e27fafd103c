package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"standing_orders/internal/domain/calendar"
)

type PostgresCalendarRepository struct {
	db *sql.DB
}

func NewPostgresCalendarRepository(db *sql.DB) *PostgresCalendarRepository {
	return &PostgresCalendarRepository{db: db}
}

func (r *PostgresCalendarRepository) GetCycle(ctx context.Context, id int64) (*calendar.Cycle, error) {
	query := `SELECT id, name FROM cycles WHERE id = $1`
	c := &calendar.Cycle{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", calendar.ErrCycleNotFound, id)
		}
		return nil, fmt.Errorf("failed to get cycle %d: %w", id, err)
	}
	return c, nil
}

func (r *PostgresCalendarRepository) ListOccurrences(ctx context.Context, cycleID int64) ([]calendar.Occurrence, error) {
	query := `SELECT id, cycle_id, major, minor, sequence, sequence_major, occurrence_date
               FROM cycle_occurrences WHERE cycle_id = $1`

	rows, err := r.db.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences of cycle %d: %w", cycleID, err)
	}
	defer rows.Close()

	occurrences := make([]calendar.Occurrence, 0)
	for rows.Next() {
		var o calendar.Occurrence
		if err := rows.Scan(&o.ID, &o.CycleID, &o.Slot.Major, &o.Slot.Minor, &o.Sequence, &o.SequenceMajor, &o.Date); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		o.Date = calendar.DateOnly(o.Date)
		occurrences = append(occurrences, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating occurrences: %w", err)
	}
	return occurrences, nil
}

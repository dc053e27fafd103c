// internal/domain/calendar/repository.go
package calendar

import "context"

// Repository defines read operations over cycles and their occurrences.
type Repository interface {
	GetCycle(ctx context.Context, id int64) (*Cycle, error)
	// ListOccurrences returns every occurrence of the cycle, in no particular order.
	ListOccurrences(ctx context.Context, cycleID int64) ([]Occurrence, error)
}

// Load fetches a cycle's occurrences and indexes them.
func Load(ctx context.Context, repo Repository, cycleID int64) (*Calendar, error) {
	occ, err := repo.ListOccurrences(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	return New(cycleID, occ), nil
}

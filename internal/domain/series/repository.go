// internal/domain/series/repository.go
package series

import (
	"context"
)

// Repository defines operations for Series and their Items.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Series, error)
	GetByCode(ctx context.Context, code string) (*Series, error)
	ListAll(ctx context.Context) ([]*Series, error)
	// Save inserts the series when ID is zero, updates it otherwise.
	Save(ctx context.Context, s *Series) error

	ListItems(ctx context.Context, seriesID int64) ([]*Item, error)
	// SaveItems upserts items and deletes the rows listed in deleteIDs, atomically.
	SaveItems(ctx context.Context, seriesID int64, items []*Item, deleteIDs []int64) error
	// SaveWithItems saves an existing series together with an item change
	// set. Either everything is written or nothing is.
	SaveWithItems(ctx context.Context, s *Series, items []*Item, deleteIDs []int64) error

	// ItemCodes maps inventory item IDs to their display codes. Missing IDs are omitted.
	ItemCodes(ctx context.Context, itemIDs []int64) (map[int64]string, error)
}

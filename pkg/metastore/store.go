package metastore

import (
	"context"

	"github.com/cuemby/darkroom/pkg/types"
)

// Filter selects a subset of photo records for counting
type Filter struct {
	Status   types.PhotoStatus
	ClientID string
	UserID   string
}

// Store is the metadata store contract. Implementations guarantee that a
// record's checksum and blob key never change after insert and that
// updated_at strictly increases on every mutation.
type Store interface {
	// Insert creates the record. Duplicate IDs conflict.
	Insert(ctx context.Context, rec *types.PhotoRecord) error

	// Get returns the record by ID
	Get(ctx context.Context, id string) (*types.PhotoRecord, error)

	// Update applies mutate to the current record inside one transaction.
	// The mutation must not touch immutable fields.
	Update(ctx context.Context, id string, mutate func(*types.PhotoRecord) error) (*types.PhotoRecord, error)

	// Delete removes the record. Deleting an absent ID succeeds.
	Delete(ctx context.Context, id string) error

	// ListByClient returns the client's records, newest upload first
	ListByClient(ctx context.Context, clientID string, limit, offset int) ([]*types.PhotoRecord, error)

	// ListByUser returns the user's records, newest upload first
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.PhotoRecord, error)

	// Search matches the query as a substring of original_name or
	// mime_type, case-insensitively
	Search(ctx context.Context, query string, limit int) ([]*types.PhotoRecord, error)

	// Count returns the number of records matching the filter
	Count(ctx context.Context, f Filter) (int, error)

	// FindByChecksum returns the client's record with the given content
	// checksum, or NotFound
	FindByChecksum(ctx context.Context, clientID, checksum string) (*types.PhotoRecord, error)

	// Ping verifies the store is usable
	Ping(ctx context.Context) error

	// Close releases the underlying database
	Close() error
}

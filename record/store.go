package record

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for an ID.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when creating a record whose ID exists.
	ErrConflict = errors.New("record already exists")
	// ErrInvalidID is returned for empty or missing IDs.
	ErrInvalidID = errors.New("invalid record ID")
)

// ListOptions filters and paginates record listings.
type ListOptions struct {
	// ProjectID restricts the listing to one project when set.
	ProjectID string

	// Status restricts the listing to one lifecycle state when set.
	Status Status

	// Limit caps the number of records returned; zero means no cap.
	Limit int

	// Offset skips that many records for pagination.
	Offset int
}

// Store persists optimization records. Implementations return deep
// copies: mutating a returned record never changes stored state until
// Update is called.
type Store interface {
	// Create persists a new record. ErrConflict if the ID exists.
	Create(ctx context.Context, r *Record) error

	// Get retrieves a record by ID. ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Record, error)

	// Update replaces an existing record. ErrNotFound when absent.
	Update(ctx context.Context, r *Record) error

	// List returns records newest-first, filtered per opts.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)

	// Delete removes a record. ErrNotFound when absent.
	Delete(ctx context.Context, id string) error
}

func matchesFilter(r *Record, opts ListOptions) bool {
	if opts.ProjectID != "" && r.ProjectID != opts.ProjectID {
		return false
	}
	if opts.Status != "" && r.Status != opts.Status {
		return false
	}
	return true
}

func paginate(records []*Record, offset, limit int) []*Record {
	if offset >= len(records) {
		return []*Record{}
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

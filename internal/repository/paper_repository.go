package repository

import (
	"context"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// PaperOrder selects the sort key for paper listings.
type PaperOrder string

// Supported listing orders.
const (
	OrderByTimeAdded PaperOrder = "time_added"
	OrderByTitle     PaperOrder = "title"
)

// PaperFilter narrows paper listing queries.
type PaperFilter struct {
	// HasPDF filters on whether a PDF URL is known.
	HasPDF *bool
	// OpenAccess filters on the open-access flag (unknown counts as false).
	OpenAccess *bool
	// Extracted filters on whether full-text extraction succeeded.
	Extracted *bool
	// MetadataResolved filters on whether metadata lookup succeeded.
	MetadataResolved *bool

	OrderBy    PaperOrder
	Descending bool
	Limit      int
	Offset     int
}

// Validate checks the filter for invalid values.
func (f *PaperFilter) Validate() error {
	switch f.OrderBy {
	case "", OrderByTimeAdded, OrderByTitle:
	default:
		return domain.NewValidationError("order_by", "must be time_added or title")
	}
	return nil
}

// PaperRepository manages paper record persistence.
//
// Identity is the normalized-title hash; Upsert merges repeated discoveries of
// the same paper into a single record instead of overwriting.
type PaperRepository interface {
	// Upsert writes a record, merging into any existing record with the same
	// title hash. Returns true when the record was newly created.
	Upsert(ctx context.Context, record *domain.PaperRecord) (bool, error)

	// GetByTitleHash fetches a single record, returning domain.ErrNotFound
	// when no record exists.
	GetByTitleHash(ctx context.Context, titleHash string) (*domain.PaperRecord, error)

	// GetByTitleHashes batch-fetches records. Missing hashes are silently
	// omitted; callers diff against their input.
	GetByTitleHashes(ctx context.Context, titleHashes []string) ([]*domain.PaperRecord, error)

	// ListUnprocessed returns records with a PDF URL but no download or
	// extraction attempt yet, oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]*domain.PaperRecord, error)

	// List returns records matching the filter plus the total match count.
	List(ctx context.Context, filter PaperFilter) ([]*domain.PaperRecord, int64, error)
}

package repository

import (
	"context"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// CitationRepository manages directed citation edges between stored papers.
//
// Edges are created once when a citing paper is extracted and never mutated.
// Multiple citing papers may reference the same cited paper; that fan-in is
// the citation count surfaced by ListUnprocessedCited.
type CitationRepository interface {
	// InsertBatch records edges from the citing paper to each cited paper.
	// Duplicate edges are ignored. Both endpoints must already exist.
	InsertBatch(ctx context.Context, citingHash string, citedHashes []string) error

	// GetCitationsOf returns the papers cited by the given paper. When
	// unprocessedOnly is set, only papers without a download or extraction
	// attempt are returned.
	GetCitationsOf(ctx context.Context, citingHash string, unprocessedOnly bool) ([]*domain.PaperRecord, error)

	// ListUnprocessedCited returns unprocessed cited papers ordered by
	// citation fan-in, most cited first.
	ListUnprocessedCited(ctx context.Context, limit int) ([]*domain.RankedCitation, error)
}

package repository

import (
	"context"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// RunRepository manages review sessions and their seed-paper links.
type RunRepository interface {
	// Create starts a new run and returns it with its assigned ID.
	Create(ctx context.Context) (*domain.Run, error)

	// SetQuery records the query details once they are known.
	SetQuery(ctx context.Context, runID int64, nlQuery, query, queryModel string) error

	// LinkPapers attaches papers to a run with their rank-at-discovery.
	// Already-linked papers keep their original rank.
	LinkPapers(ctx context.Context, runID int64, seeds []domain.RankedSeed) error

	// GetByID fetches a run, returning domain.ErrNotFound when absent.
	GetByID(ctx context.Context, runID int64) (*domain.Run, error)
}

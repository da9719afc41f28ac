// Package repository provides PostgreSQL data access for the review corpus.
//
// Three repositories cover the relational side of the paper store:
//
//   - PaperRepository: paper records keyed by normalized-title hash
//   - CitationRepository: directed citation edges and fan-in queries
//   - RunRepository: review sessions and their seed-paper links
//
// All implementations are safe for concurrent use; pgxpool handles pooling.
// Methods return domain errors (domain.ErrNotFound, domain.ErrInvalidInput)
// wrapped with context via fmt.Errorf and %w.
//
// Repositories accept the DBTX interface, so they work against both the pool
// and a transaction from database.DB.WithTransaction:
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    txRepo := repository.NewPgPaperRepository(tx)
//	    _, err := txRepo.Upsert(ctx, record)
//	    return err
//	})
package repository

import (
	"github.com/snowsearch/snowsearch/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// Filter pagination defaults and limits.
const (
	defaultFilterLimit = 100
	maxFilterLimit     = 1000
)

// applyPaginationDefaults normalizes limit and offset values for filter queries.
// It clamps limit to [1, maxFilterLimit] and ensures offset >= 0.
func applyPaginationDefaults(limit, offset *int) {
	if *limit <= 0 {
		*limit = defaultFilterLimit
	}
	if *limit > maxFilterLimit {
		*limit = maxFilterLimit
	}
	if *offset < 0 {
		*offset = 0
	}
}

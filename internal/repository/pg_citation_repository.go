package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// Compile-time interface verification.
var _ CitationRepository = (*PgCitationRepository)(nil)

// PgCitationRepository is a PostgreSQL implementation of CitationRepository.
type PgCitationRepository struct {
	db DBTX
}

// NewPgCitationRepository creates a new PostgreSQL citation repository.
func NewPgCitationRepository(db DBTX) *PgCitationRepository {
	return &PgCitationRepository{db: db}
}

// InsertBatch records edges from the citing paper to each cited paper in a
// single network roundtrip. Duplicate edges and self-citations are ignored.
func (r *PgCitationRepository) InsertBatch(ctx context.Context, citingHash string, citedHashes []string) error {
	if citingHash == "" {
		return domain.NewValidationError("citing_hash", "citing hash is required")
	}
	if len(citedHashes) == 0 {
		return nil
	}

	query := `
		INSERT INTO citations (citing_hash, cited_hash)
		VALUES ($1, $2)
		ON CONFLICT (citing_hash, cited_hash) DO NOTHING`

	batch := &pgx.Batch{}
	for _, cited := range citedHashes {
		if cited == "" || cited == citingHash {
			continue
		}
		batch.Queue(query, citingHash, cited)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert citation at index %d: %w", i, err)
		}
	}

	return nil
}

// GetCitationsOf returns the papers cited by the given paper.
func (r *PgCitationRepository) GetCitationsOf(ctx context.Context, citingHash string, unprocessedOnly bool) ([]*domain.PaperRecord, error) {
	if citingHash == "" {
		return nil, domain.NewValidationError("citing_hash", "citing hash is required")
	}

	query := `
		SELECT p.title_hash, p.title, p.doi, p.openalex_url, p.abstract,
			p.open_access, p.pdf_url,
			p.metadata_code, p.metadata_message,
			p.download_code, p.download_message,
			p.extraction_code, p.extraction_message,
			p.time_added, p.time_extracted
		FROM citations c
		INNER JOIN papers p ON p.title_hash = c.cited_hash
		WHERE c.citing_hash = $1`
	if unprocessedOnly {
		query += ` AND p.pdf_url <> '' AND p.download_code = 0 AND p.extraction_code = 0`
	}
	query += ` ORDER BY p.time_added ASC`

	rows, err := r.db.Query(ctx, query, citingHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get citations: %w", err)
	}
	defer rows.Close()

	return collectPapers(rows, 0)
}

// ListUnprocessedCited returns unprocessed cited papers ordered by citation
// fan-in, most cited first.
func (r *PgCitationRepository) ListUnprocessedCited(ctx context.Context, limit int) ([]*domain.RankedCitation, error) {
	offset := 0
	applyPaginationDefaults(&limit, &offset)

	query := `
		SELECT p.title_hash, p.title, p.doi, p.openalex_url, p.abstract,
			p.open_access, p.pdf_url,
			p.metadata_code, p.metadata_message,
			p.download_code, p.download_message,
			p.extraction_code, p.extraction_message,
			p.time_added, p.time_extracted,
			COUNT(c.citing_hash) AS citations
		FROM citations c
		INNER JOIN papers p ON p.title_hash = c.cited_hash
		WHERE p.pdf_url <> '' AND p.download_code = 0 AND p.extraction_code = 0
		GROUP BY p.title_hash
		ORDER BY citations DESC, p.time_added ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cited papers: %w", err)
	}
	defer rows.Close()

	ranked := make([]*domain.RankedCitation, 0, limit)
	for rows.Next() {
		var dest paperScanDest
		var count int
		fields := append(dest.destinations(), &count)
		if err := rows.Scan(fields...); err != nil {
			return nil, fmt.Errorf("failed to scan cited paper: %w", err)
		}
		ranked = append(ranked, &domain.RankedCitation{Paper: &dest.paper, Citations: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cited papers: %w", err)
	}

	return ranked, nil
}

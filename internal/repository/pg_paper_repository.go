package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// Compile-time interface verification.
var _ PaperRepository = (*PgPaperRepository)(nil)

// PgPaperRepository is a PostgreSQL implementation of PaperRepository.
type PgPaperRepository struct {
	db DBTX
}

// NewPgPaperRepository creates a new PostgreSQL paper repository.
func NewPgPaperRepository(db DBTX) *PgPaperRepository {
	return &PgPaperRepository{db: db}
}

const paperColumns = `title_hash, title, doi, openalex_url, abstract,
		open_access, pdf_url,
		metadata_code, metadata_message,
		download_code, download_message,
		extraction_code, extraction_message,
		time_added, time_extracted`

// Upsert writes a record, merging into any existing record with the same
// title hash. The merge happens in application code (domain.Merge) rather
// than in SQL, so the coalescing rules live in exactly one place.
func (r *PgPaperRepository) Upsert(ctx context.Context, record *domain.PaperRecord) (bool, error) {
	if record == nil {
		return false, domain.NewValidationError("record", "record cannot be nil")
	}
	if strings.TrimSpace(record.Title) == "" {
		return false, domain.NewValidationError("title", "title is required")
	}

	if record.TimeAdded.IsZero() {
		record.TimeAdded = time.Now().UTC()
	}
	titleHash := record.TitleHash()

	insertQuery := `
		INSERT INTO papers (` + paperColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (title_hash) DO NOTHING`

	tag, err := r.db.Exec(ctx, insertQuery, upsertArgs(titleHash, record)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert paper: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Conflict: merge into the existing record and write back.
	existing, err := r.GetByTitleHash(ctx, titleHash)
	if err != nil {
		return false, fmt.Errorf("failed to load existing paper for merge: %w", err)
	}
	merged := domain.Merge(existing, record)

	updateQuery := `
		UPDATE papers SET
			doi = $2, openalex_url = $3, abstract = $4,
			open_access = $5, pdf_url = $6,
			metadata_code = $7, metadata_message = $8,
			download_code = $9, download_message = $10,
			extraction_code = $11, extraction_message = $12,
			time_extracted = $13
		WHERE title_hash = $1`

	_, err = r.db.Exec(ctx, updateQuery,
		titleHash,
		merged.DOI,
		merged.OpenAlexURL,
		merged.Abstract,
		merged.OpenAccess,
		merged.PDFURL,
		merged.Metadata.Code,
		merged.Metadata.Message,
		merged.Download.Code,
		merged.Download.Message,
		merged.Extraction.Code,
		merged.Extraction.Message,
		merged.TimeExtracted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update paper: %w", err)
	}

	*record = *merged
	return false, nil
}

// GetByTitleHash fetches a single record by its identity hash.
func (r *PgPaperRepository) GetByTitleHash(ctx context.Context, titleHash string) (*domain.PaperRecord, error) {
	if titleHash == "" {
		return nil, domain.NewValidationError("title_hash", "title hash is required")
	}

	query := `SELECT ` + paperColumns + ` FROM papers WHERE title_hash = $1`

	row := r.db.QueryRow(ctx, query, titleHash)
	paper, err := scanPaper(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", titleHash)
		}
		return nil, fmt.Errorf("failed to get paper by title hash: %w", err)
	}

	return paper, nil
}

// GetByTitleHashes batch-fetches records; missing hashes are omitted.
func (r *PgPaperRepository) GetByTitleHashes(ctx context.Context, titleHashes []string) ([]*domain.PaperRecord, error) {
	if len(titleHashes) == 0 {
		return []*domain.PaperRecord{}, nil
	}

	query := `SELECT ` + paperColumns + ` FROM papers WHERE title_hash = ANY($1)`

	rows, err := r.db.Query(ctx, query, titleHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to get papers by title hashes: %w", err)
	}
	defer rows.Close()

	return collectPapers(rows, len(titleHashes))
}

// ListUnprocessed returns records with a PDF URL but no download or extraction
// attempt yet, oldest first.
func (r *PgPaperRepository) ListUnprocessed(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	offset := 0
	applyPaginationDefaults(&limit, &offset)

	query := `
		SELECT ` + paperColumns + `
		FROM papers
		WHERE pdf_url <> '' AND download_code = 0 AND extraction_code = 0
		ORDER BY time_added ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed papers: %w", err)
	}
	defer rows.Close()

	return collectPapers(rows, limit)
}

// List returns records matching the filter plus the total match count.
func (r *PgPaperRepository) List(ctx context.Context, filter PaperFilter) ([]*domain.PaperRecord, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	applyPaginationDefaults(&filter.Limit, &filter.Offset)

	var conditions []string
	var args []interface{}

	if filter.HasPDF != nil {
		if *filter.HasPDF {
			conditions = append(conditions, "pdf_url <> ''")
		} else {
			conditions = append(conditions, "pdf_url = ''")
		}
	}
	if filter.OpenAccess != nil {
		if *filter.OpenAccess {
			conditions = append(conditions, "open_access IS TRUE")
		} else {
			conditions = append(conditions, "open_access IS NOT TRUE")
		}
	}
	if filter.Extracted != nil {
		if *filter.Extracted {
			conditions = append(conditions, "extraction_code BETWEEN 200 AND 299")
		} else {
			conditions = append(conditions, "extraction_code NOT BETWEEN 200 AND 299")
		}
	}
	if filter.MetadataResolved != nil {
		if *filter.MetadataResolved {
			conditions = append(conditions, "metadata_code BETWEEN 200 AND 299")
		} else {
			conditions = append(conditions, "metadata_code NOT BETWEEN 200 AND 299")
		}
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM papers %s", whereClause)
	var totalCount int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count papers: %w", err)
	}

	orderBy := string(filter.OrderBy)
	if orderBy == "" {
		orderBy = string(OrderByTimeAdded)
	}
	direction := "ASC"
	if filter.Descending {
		direction = "DESC"
	}

	argIndex := len(args) + 1
	selectQuery := fmt.Sprintf(`
		SELECT `+paperColumns+`
		FROM papers
		%s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d`,
		whereClause, orderBy, direction, argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list papers: %w", err)
	}
	defer rows.Close()

	papers, err := collectPapers(rows, filter.Limit)
	if err != nil {
		return nil, 0, err
	}

	return papers, totalCount, nil
}

func upsertArgs(titleHash string, record *domain.PaperRecord) []interface{} {
	return []interface{}{
		titleHash,
		record.Title,
		record.DOI,
		record.OpenAlexURL,
		record.Abstract,
		record.OpenAccess,
		record.PDFURL,
		record.Metadata.Code,
		record.Metadata.Message,
		record.Download.Code,
		record.Download.Message,
		record.Extraction.Code,
		record.Extraction.Message,
		record.TimeAdded,
		record.TimeExtracted,
	}
}

// paperScanDest holds the destination pointers for scanning a paper row.
type paperScanDest struct {
	paper     domain.PaperRecord
	titleHash string
}

// destinations returns the slice of pointers for Scan operations.
func (d *paperScanDest) destinations() []interface{} {
	return []interface{}{
		&d.titleHash, &d.paper.Title, &d.paper.DOI, &d.paper.OpenAlexURL, &d.paper.Abstract,
		&d.paper.OpenAccess, &d.paper.PDFURL,
		&d.paper.Metadata.Code, &d.paper.Metadata.Message,
		&d.paper.Download.Code, &d.paper.Download.Message,
		&d.paper.Extraction.Code, &d.paper.Extraction.Message,
		&d.paper.TimeAdded, &d.paper.TimeExtracted,
	}
}

// scanPaper scans a single row into a PaperRecord.
func scanPaper(row pgx.Row) (*domain.PaperRecord, error) {
	var dest paperScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return &dest.paper, nil
}

// collectPapers drains pgx.Rows into PaperRecords.
func collectPapers(rows pgx.Rows, sizeHint int) ([]*domain.PaperRecord, error) {
	papers := make([]*domain.PaperRecord, 0, sizeHint)
	for rows.Next() {
		var dest paperScanDest
		if err := rows.Scan(dest.destinations()...); err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, &dest.paper)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating papers: %w", err)
	}
	return papers, nil
}

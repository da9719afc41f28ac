package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// Compile-time interface verification.
var _ RunRepository = (*PgRunRepository)(nil)

// PgRunRepository is a PostgreSQL implementation of RunRepository.
type PgRunRepository struct {
	db DBTX
}

// NewPgRunRepository creates a new PostgreSQL run repository.
func NewPgRunRepository(db DBTX) *PgRunRepository {
	return &PgRunRepository{db: db}
}

// Create starts a new run and returns it with its assigned ID.
func (r *PgRunRepository) Create(ctx context.Context) (*domain.Run, error) {
	query := `
		INSERT INTO runs DEFAULT VALUES
		RETURNING id, started_at`

	var run domain.Run
	if err := r.db.QueryRow(ctx, query).Scan(&run.ID, &run.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return &run, nil
}

// SetQuery records the query details once they are known.
func (r *PgRunRepository) SetQuery(ctx context.Context, runID int64, nlQuery, query, queryModel string) error {
	updateQuery := `
		UPDATE runs
		SET nl_query = $2, query = $3, query_model = $4
		WHERE id = $1`

	result, err := r.db.Exec(ctx, updateQuery, runID, nlQuery, query, queryModel)
	if err != nil {
		return fmt.Errorf("failed to set run query: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("run", strconv.FormatInt(runID, 10))
	}

	return nil
}

// LinkPapers attaches papers to a run with their rank-at-discovery in a single
// network roundtrip. Already-linked papers keep their original rank.
func (r *PgRunRepository) LinkPapers(ctx context.Context, runID int64, seeds []domain.RankedSeed) error {
	if len(seeds) == 0 {
		return nil
	}

	query := `
		INSERT INTO run_papers (run_id, title_hash, rank)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, title_hash) DO NOTHING`

	batch := &pgx.Batch{}
	for _, seed := range seeds {
		if seed.Paper == nil {
			continue
		}
		batch.Queue(query, runID, seed.Paper.TitleHash(), seed.Rank)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to link paper at index %d: %w", i, err)
		}
	}

	return nil
}

// GetByID fetches a run by its identifier.
func (r *PgRunRepository) GetByID(ctx context.Context, runID int64) (*domain.Run, error) {
	query := `
		SELECT id, started_at, nl_query, query, query_model
		FROM runs
		WHERE id = $1`

	var run domain.Run
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.StartedAt, &run.NLQuery, &run.Query, &run.QueryModel,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("run", strconv.FormatInt(runID, 10))
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return &run, nil
}

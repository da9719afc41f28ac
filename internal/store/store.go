// Package store combines relational persistence, the vector index, and the
// embedder into the paper store the pipeline works against.
//
// Postgres is the source of truth for paper records, citation edges, and
// runs. The vector index holds title and abstract embeddings plus the
// filterable flags of each paper, rewritten on every save so semantic search
// always reflects current state.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/llm"
	"github.com/snowsearch/snowsearch/internal/qdrant"
	"github.com/snowsearch/snowsearch/internal/repository"
)

// embedBatchSize caps how many texts are sent per embedding request.
const embedBatchSize = 128

// SearchOrder selects which similarity drives result ordering.
type SearchOrder string

// Supported search orders.
const (
	OrderByTitleScore    SearchOrder = "title"
	OrderByAbstractScore SearchOrder = "abstract"
)

// SearchOptions narrows and orders a semantic search.
type SearchOptions struct {
	// Limit caps the result count. Zero means 10.
	Limit int
	// MinScore drops results whose primary similarity falls below it. Must
	// lie in [-1, 1] when set.
	MinScore *float32

	UnprocessedOnly bool
	OpenAccessOnly  bool
	RequireAbstract bool

	// OrderBy selects the primary similarity, title by default. The other
	// similarity breaks ties.
	OrderBy SearchOrder
}

// ScoredPaper is one semantic search hit with both similarity scores. The
// secondary score is zero when the paper lacks that vector or fell outside
// the secondary search window.
type ScoredPaper struct {
	Paper         *domain.PaperRecord
	TitleScore    float32
	AbstractScore float32
}

// Store is the composite paper store.
type Store struct {
	papers    repository.PaperRepository
	citations repository.CitationRepository
	runs      repository.RunRepository
	vectors   qdrant.VectorStore
	embedder  llm.Embedder
	logger    zerolog.Logger
}

// New creates a Store.
func New(
	papers repository.PaperRepository,
	citations repository.CitationRepository,
	runs repository.RunRepository,
	vectors qdrant.VectorStore,
	embedder llm.Embedder,
	logger zerolog.Logger,
) *Store {
	return &Store{
		papers:    papers,
		citations: citations,
		runs:      runs,
		vectors:   vectors,
		embedder:  embedder,
		logger:    logger.With().Str("component", "store").Logger(),
	}
}

// EnsureReady creates the vector collection if needed.
func (s *Store) EnsureReady(ctx context.Context) error {
	return s.vectors.EnsureCollection(ctx)
}

// SavePapers upserts the given records and refreshes their vector index
// entries, computing missing embeddings first. Records are merged with any
// existing state, so the caller's records reflect the stored state on return.
// Returns how many records were newly created.
func (s *Store) SavePapers(ctx context.Context, papers []*domain.PaperRecord) (int, error) {
	created := 0
	for _, paper := range papers {
		if paper == nil || strings.TrimSpace(paper.Title) == "" {
			continue
		}
		isNew, err := s.papers.Upsert(ctx, paper)
		if err != nil {
			return created, fmt.Errorf("upserting paper: %w", err)
		}
		if isNew {
			created++
		}
	}

	if err := s.indexPapers(ctx, papers); err != nil {
		return created, err
	}

	s.logger.Debug().
		Int("papers", len(papers)).
		Int("created", created).
		Msg("papers saved")
	return created, nil
}

// indexPapers fills missing embeddings and rewrites each paper's point.
func (s *Store) indexPapers(ctx context.Context, papers []*domain.PaperRecord) error {
	var texts []string
	var slots []*[]float32
	for _, paper := range papers {
		if paper == nil || strings.TrimSpace(paper.Title) == "" {
			continue
		}
		if paper.TitleEmbedding == nil {
			texts = append(texts, paper.Title)
			slots = append(slots, &paper.TitleEmbedding)
		}
		if paper.AbstractEmbedding == nil && paper.Abstract != "" {
			texts = append(texts, paper.Abstract)
			slots = append(slots, &paper.AbstractEmbedding)
		}
	}

	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("embedding papers: %w", err)
		}
		for i, vector := range vectors {
			*slots[start+i] = vector
		}
	}

	for _, paper := range papers {
		if paper == nil || strings.TrimSpace(paper.Title) == "" {
			continue
		}
		point := qdrant.PaperPoint{
			TitleHash:         paper.TitleHash(),
			TitleEmbedding:    paper.TitleEmbedding,
			AbstractEmbedding: paper.AbstractEmbedding,
			OpenAccess:        paper.IsOpenAccess(),
			Unprocessed:       paper.Unprocessed(),
			HasAbstract:       paper.Abstract != "",
		}
		if err := s.vectors.Upsert(ctx, point); err != nil {
			return fmt.Errorf("indexing paper: %w", err)
		}
	}

	return nil
}

// GetPapers batch-fetches records by title hash. Missing hashes are omitted.
func (s *Store) GetPapers(ctx context.Context, titleHashes []string) ([]*domain.PaperRecord, error) {
	return s.papers.GetByTitleHashes(ctx, titleHashes)
}

// GetPaper fetches one record, returning domain.ErrNotFound when absent.
func (s *Store) GetPaper(ctx context.Context, titleHash string) (*domain.PaperRecord, error) {
	return s.papers.GetByTitleHash(ctx, titleHash)
}

// GetUnprocessedPapers returns papers with a PDF but no processing attempt,
// oldest first.
func (s *Store) GetUnprocessedPapers(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	return s.papers.ListUnprocessed(ctx, limit)
}

// ListPapers returns records matching the filter plus the total match count.
func (s *Store) ListPapers(ctx context.Context, filter repository.PaperFilter) ([]*domain.PaperRecord, int64, error) {
	return s.papers.List(ctx, filter)
}

// SearchByQuery embeds the query and runs similarity search over both named
// vectors. Results are ordered by the primary similarity with the secondary
// one breaking ties.
func (s *Store) SearchByQuery(ctx context.Context, query string, opts SearchOptions) ([]ScoredPaper, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.NewValidationError("query", "must not be empty")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	primary, secondary := qdrant.VectorTitle, qdrant.VectorAbstract
	if opts.OrderBy == OrderByAbstractScore {
		primary, secondary = secondary, primary
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding query: expected 1 vector, got %d", len(vectors))
	}
	queryVector := vectors[0]

	primaryHits, err := s.vectors.Search(ctx, qdrant.SearchParams{
		Vector:          queryVector,
		Using:           primary,
		Limit:           uint64(limit),
		MinScore:        opts.MinScore,
		UnprocessedOnly: opts.UnprocessedOnly,
		OpenAccessOnly:  opts.OpenAccessOnly,
		RequireAbstract: opts.RequireAbstract,
	})
	if err != nil {
		return nil, err
	}
	if len(primaryHits) == 0 {
		return nil, nil
	}

	secondaryHits, err := s.vectors.Search(ctx, qdrant.SearchParams{
		Vector:          queryVector,
		Using:           secondary,
		Limit:           uint64(limit),
		UnprocessedOnly: opts.UnprocessedOnly,
		OpenAccessOnly:  opts.OpenAccessOnly,
		RequireAbstract: opts.RequireAbstract,
	})
	if err != nil {
		return nil, err
	}
	secondaryScores := make(map[string]float32, len(secondaryHits))
	for _, hit := range secondaryHits {
		secondaryScores[hit.TitleHash] = hit.Score
	}

	hashes := make([]string, 0, len(primaryHits))
	for _, hit := range primaryHits {
		hashes = append(hashes, hit.TitleHash)
	}
	records, err := s.papers.GetByTitleHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("fetching search hits: %w", err)
	}
	byHash := make(map[string]*domain.PaperRecord, len(records))
	for _, record := range records {
		byHash[record.TitleHash()] = record
	}

	scored := make([]ScoredPaper, 0, len(primaryHits))
	for _, hit := range primaryHits {
		record, ok := byHash[hit.TitleHash]
		if !ok {
			// Index entry without a backing record, skip rather than fail.
			s.logger.Warn().Str("title_hash", hit.TitleHash).Msg("vector hit missing from store")
			continue
		}
		sp := ScoredPaper{Paper: record}
		if primary == qdrant.VectorTitle {
			sp.TitleScore = hit.Score
			sp.AbstractScore = secondaryScores[hit.TitleHash]
		} else {
			sp.AbstractScore = hit.Score
			sp.TitleScore = secondaryScores[hit.TitleHash]
		}
		scored = append(scored, sp)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		pi, si := scored[i].primarySecondary(opts.OrderBy)
		pj, sj := scored[j].primarySecondary(opts.OrderBy)
		if pi != pj {
			return pi > pj
		}
		return si > sj
	})

	return scored, nil
}

// primarySecondary returns the scores in (primary, secondary) order for the
// given search order.
func (p ScoredPaper) primarySecondary(order SearchOrder) (float32, float32) {
	if order == OrderByAbstractScore {
		return p.AbstractScore, p.TitleScore
	}
	return p.TitleScore, p.AbstractScore
}

// SaveCitations records citation edges from a citing paper.
func (s *Store) SaveCitations(ctx context.Context, citingHash string, citedHashes []string) error {
	return s.citations.InsertBatch(ctx, citingHash, citedHashes)
}

// CitationsOf returns the papers cited by the given paper.
func (s *Store) CitationsOf(ctx context.Context, citingHash string, unprocessedOnly bool) ([]*domain.PaperRecord, error) {
	return s.citations.GetCitationsOf(ctx, citingHash, unprocessedOnly)
}

// MostCitedUnprocessed returns unprocessed cited papers by citation fan-in.
func (s *Store) MostCitedUnprocessed(ctx context.Context, limit int) ([]*domain.RankedCitation, error) {
	return s.citations.ListUnprocessedCited(ctx, limit)
}

// StartRun creates a new review run.
func (s *Store) StartRun(ctx context.Context) (*domain.Run, error) {
	return s.runs.Create(ctx)
}

// RecordQuery stores the query details of a run.
func (s *Store) RecordQuery(ctx context.Context, runID int64, nlQuery, query, queryModel string) error {
	return s.runs.SetQuery(ctx, runID, nlQuery, query, queryModel)
}

// LinkRunPapers attaches seed papers to a run with their rank-at-discovery.
func (s *Store) LinkRunPapers(ctx context.Context, runID int64, seeds []domain.RankedSeed) error {
	return s.runs.LinkPapers(ctx, runID, seeds)
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID int64) (*domain.Run, error) {
	return s.runs.GetByID(ctx, runID)
}

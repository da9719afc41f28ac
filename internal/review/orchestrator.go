// Package review sequences a full literature-review session: query
// generation, catalog discovery, snowball expansion, and the final
// LLM-ranked shortlist.
package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/grobid"
	"github.com/snowsearch/snowsearch/internal/observability"
	"github.com/snowsearch/snowsearch/internal/papersources/openalex"
	"github.com/snowsearch/snowsearch/internal/snowball"
	"github.com/snowsearch/snowsearch/internal/store"
)

// pdfMagic is the required file prefix for uploaded documents.
var pdfMagic = []byte("%PDF-")

// Store is the persistence surface the orchestrator drives.
type Store interface {
	StartRun(ctx context.Context) (*domain.Run, error)
	RecordQuery(ctx context.Context, runID int64, nlQuery, query, queryModel string) error
	SavePapers(ctx context.Context, papers []*domain.PaperRecord) (int, error)
	LinkRunPapers(ctx context.Context, runID int64, seeds []domain.RankedSeed) error
	SearchByQuery(ctx context.Context, query string, opts store.SearchOptions) ([]store.ScoredPaper, error)
	GetPapers(ctx context.Context, titleHashes []string) ([]*domain.PaperRecord, error)
	SaveCitations(ctx context.Context, citingHash string, citedHashes []string) error
}

// Catalog is the scholarly metadata API surface.
type Catalog interface {
	Search(ctx context.Context, query string, fn func(page openalex.SearchPage) error) (int, error)
	ResolveCitations(ctx context.Context, citations []domain.Citation) ([]*domain.PaperRecord, error)
}

// QueryGenerator produces a boolean catalog query from a natural language
// research question.
type QueryGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Ranker orders papers by relevance to a query.
type Ranker interface {
	Rank(ctx context.Context, query string, papers []*domain.PaperRecord) ([]*domain.PaperRecord, error)
}

// Snowballer runs the citation expansion.
type Snowballer interface {
	Run(ctx context.Context, opts snowball.Options) (*snowball.Stats, error)
}

// Processor extracts structure from a PDF, used for local uploads.
type Processor interface {
	ProcessFulltext(ctx context.Context, pdf []byte) (*grobid.TEIDocument, error)
}

// Config holds the orchestrator's ranking settings.
type Config struct {
	// TopN is how many best-matching papers the final ranking considers.
	TopN int
	// MinAbstractScore is the abstract-similarity floor for rank candidates.
	MinAbstractScore float32
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	store     Store
	catalog   Catalog
	querygen  QueryGenerator
	ranker    Ranker
	engine    Snowballer
	processor Processor
	config    Config
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// New creates an Orchestrator.
func New(
	st Store,
	catalog Catalog,
	querygen QueryGenerator,
	ranker Ranker,
	engine Snowballer,
	processor Processor,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Orchestrator{
		store:     st,
		catalog:   catalog,
		querygen:  querygen,
		ranker:    ranker,
		engine:    engine,
		processor: processor,
		config:    cfg,
		metrics:   metrics,
		logger:    logger.With().Str("component", "review").Logger(),
	}
}

// ReviewOptions configure a full literature-review session.
type ReviewOptions struct {
	// NLQuery is the natural language research question.
	NLQuery string
	// Query is a ready-made boolean catalog query. When empty one is
	// generated from NLQuery.
	Query string
	// SkipRanking ends the session after snowballing.
	SkipRanking bool
	// IgnoreQuota runs each snowball round as a single pass.
	IgnoreQuota bool
}

// ReviewResult is the outcome of a full session.
type ReviewResult struct {
	Run        *domain.Run
	Query      string
	Discovered int
	Stats      *snowball.Stats
	Ranked     []*domain.PaperRecord
}

// Review runs the full pipeline: generate or accept a catalog query, page
// through catalog results persisting each page as it arrives, snowball, and
// rank the best-matching abstracts. With SkipRanking the session ends after
// snowballing and Ranked stays nil.
func (o *Orchestrator) Review(ctx context.Context, opts ReviewOptions) (*ReviewResult, error) {
	if strings.TrimSpace(opts.NLQuery) == "" {
		return nil, domain.NewValidationError("nl_query", "must not be empty")
	}
	if o.metrics != nil {
		o.metrics.RunsStarted.Inc()
	}

	result, err := o.review(ctx, opts)
	if err != nil && o.metrics != nil {
		o.metrics.RunsFailed.Inc()
	}
	return result, err
}

func (o *Orchestrator) review(ctx context.Context, opts ReviewOptions) (*ReviewResult, error) {
	run, err := o.store.StartRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	logger := observability.WithRunContext(o.logger, run.ID, opts.NLQuery)

	query, model := opts.Query, ""
	if query == "" {
		if query, err = o.querygen.Generate(ctx, opts.NLQuery); err != nil {
			return nil, fmt.Errorf("failed to generate catalog query: %w", err)
		}
		model = o.querygen.Model()
		logger.Info().Str("query", query).Str("model", model).Msg("generated catalog query")
	} else {
		logger.Info().Str("query", query).Msg("using provided catalog query")
	}
	if err := o.store.RecordQuery(ctx, run.ID, opts.NLQuery, query, model); err != nil {
		return nil, fmt.Errorf("failed to record query: %w", err)
	}

	discovered, err := o.discover(ctx, run.ID, query)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("papers", discovered).Msg("catalog discovery complete")

	stats, err := o.engine.Run(ctx, snowball.Options{
		Query:       opts.NLQuery,
		IgnoreQuota: opts.IgnoreQuota,
	})
	if err != nil {
		return nil, fmt.Errorf("snowball failed: %w", err)
	}

	result := &ReviewResult{Run: run, Query: query, Discovered: discovered, Stats: stats}
	if opts.SkipRanking {
		logger.Warn().Msg("skipping paper ranking")
		return result, nil
	}

	result.Ranked, err = o.rankBestMatches(ctx, opts.NLQuery)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// discover pages through the catalog search, persisting every page as it
// arrives and recording each paper's rank at discovery on the run.
func (o *Orchestrator) discover(ctx context.Context, runID int64, query string) (int, error) {
	discovered := 0
	_, err := o.catalog.Search(ctx, query, func(page openalex.SearchPage) error {
		if _, err := o.store.SavePapers(ctx, page.Papers); err != nil {
			return fmt.Errorf("failed to save search page: %w", err)
		}
		seeds := make([]domain.RankedSeed, 0, len(page.Papers))
		for i, paper := range page.Papers {
			seeds = append(seeds, domain.RankedSeed{Paper: paper, Rank: page.Offset + i})
		}
		if err := o.store.LinkRunPapers(ctx, runID, seeds); err != nil {
			return fmt.Errorf("failed to link run papers: %w", err)
		}
		discovered += len(page.Papers)
		return nil
	})
	if err != nil {
		return discovered, fmt.Errorf("catalog search failed: %w", err)
	}
	return discovered, nil
}

// rankBestMatches finds the top abstract matches for the question and ranks
// them with the LLM.
func (o *Orchestrator) rankBestMatches(ctx context.Context, nlQuery string) ([]*domain.PaperRecord, error) {
	minScore := o.config.MinAbstractScore
	hits, err := o.store.SearchByQuery(ctx, nlQuery, store.SearchOptions{
		Limit:           o.config.TopN,
		MinScore:        &minScore,
		RequireAbstract: true,
		OrderBy:         store.OrderByAbstractScore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search rank candidates: %w", err)
	}
	if len(hits) == 0 {
		return nil, &domain.NoPapersToRankError{Query: nlQuery}
	}

	papers := make([]*domain.PaperRecord, 0, len(hits))
	for _, hit := range hits {
		papers = append(papers, hit.Paper)
	}

	ranked, err := o.ranker.Rank(ctx, nlQuery, papers)
	if err != nil {
		return nil, fmt.Errorf("ranking failed: %w", err)
	}
	return ranked, nil
}

// SnowballOptions configure an expansion-only session.
type SnowballOptions struct {
	// NLQuery selects batches by semantic similarity when set.
	NLQuery string
	// SeedTitles name already-stored papers to start from. Titles not found
	// in the store are logged and skipped.
	SeedTitles []string
	// IgnoreQuota runs each round as a single pass.
	IgnoreQuota bool
}

// Snowball runs citation expansion without catalog discovery or ranking.
func (o *Orchestrator) Snowball(ctx context.Context, opts SnowballOptions) (*snowball.Stats, error) {
	engineOpts := snowball.Options{Query: opts.NLQuery, IgnoreQuota: opts.IgnoreQuota}

	if len(opts.SeedTitles) > 0 {
		seeds, err := o.lookupByTitles(ctx, opts.SeedTitles)
		if err != nil {
			return nil, err
		}
		engineOpts.Seeds = seeds
	}

	stats, err := o.engine.Run(ctx, engineOpts)
	if err != nil {
		return nil, fmt.Errorf("snowball failed: %w", err)
	}
	return stats, nil
}

// RankOptions configure a standalone ranking session.
type RankOptions struct {
	// NLQuery is the question to rank against.
	NLQuery string
	// Titles names specific stored papers to rank. When empty the top
	// abstract matches are ranked instead.
	Titles []string
	// Limit overrides the configured top-N when positive.
	Limit int
	// MinScore overrides the configured abstract-score floor when non-nil.
	MinScore *float32
}

// RankStored ranks papers already in the store against a question.
func (o *Orchestrator) RankStored(ctx context.Context, opts RankOptions) ([]*domain.PaperRecord, error) {
	if strings.TrimSpace(opts.NLQuery) == "" {
		return nil, domain.NewValidationError("nl_query", "must not be empty")
	}

	var papers []*domain.PaperRecord
	if len(opts.Titles) > 0 {
		var err error
		if papers, err = o.lookupByTitles(ctx, opts.Titles); err != nil {
			return nil, err
		}
	} else {
		limit := opts.Limit
		if limit <= 0 {
			limit = o.config.TopN
		}
		minScore := o.config.MinAbstractScore
		if opts.MinScore != nil {
			minScore = *opts.MinScore
		}
		hits, err := o.store.SearchByQuery(ctx, opts.NLQuery, store.SearchOptions{
			Limit:           limit,
			MinScore:        &minScore,
			RequireAbstract: true,
			OrderBy:         store.OrderByAbstractScore,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search rank candidates: %w", err)
		}
		for _, hit := range hits {
			papers = append(papers, hit.Paper)
		}
	}

	if len(papers) == 0 {
		return nil, &domain.NoPapersToRankError{Query: opts.NLQuery}
	}

	ranked, err := o.ranker.Rank(ctx, opts.NLQuery, papers)
	if err != nil {
		return nil, fmt.Errorf("ranking failed: %w", err)
	}
	return ranked, nil
}

// lookupByTitles fetches stored papers by title, warning about titles the
// store does not know.
func (o *Orchestrator) lookupByTitles(ctx context.Context, titles []string) ([]*domain.PaperRecord, error) {
	hashes := make([]string, 0, len(titles))
	for _, title := range titles {
		hashes = append(hashes, domain.NormalizeTitleHash(title))
	}

	papers, err := o.store.GetPapers(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch papers: %w", err)
	}

	found := make(map[string]struct{}, len(papers))
	for _, paper := range papers {
		found[paper.TitleHash()] = struct{}{}
	}
	for i, hash := range hashes {
		if _, ok := found[hash]; !ok {
			o.logger.Warn().Str("title", titles[i]).Msg("paper not found in store")
		}
	}
	return papers, nil
}

// UploadFile is one local document to ingest.
type UploadFile struct {
	Name    string
	Content []byte
}

// UploadStats summarizes an upload session.
type UploadStats struct {
	Processed        int
	Failed           int
	CitationsFound   int
	MetadataResolved int
}

// Upload ingests local PDFs: each valid file is run through full-text
// extraction, stored with its abstract and citation edges, and the extracted
// papers plus their references get metadata backfilled from the catalog.
// Files that fail the PDF magic-byte check are skipped with a warning;
// extraction failures are persisted as failed-status records.
func (o *Orchestrator) Upload(ctx context.Context, files []UploadFile) (*UploadStats, error) {
	valid := files[:0:0]
	for _, file := range files {
		if !bytes.HasPrefix(file.Content, pdfMagic) {
			o.logger.Warn().Str("file", file.Name).Msg("not a valid pdf, skipping")
			continue
		}
		valid = append(valid, file)
	}
	if len(valid) == 0 {
		return nil, domain.NewValidationError("files", "no valid pdfs to upload")
	}

	stats := &UploadStats{}
	var extracted []domain.Citation
	var references []domain.Citation
	refSeen := make(map[string]struct{})

	for _, file := range valid {
		doc, err := o.processor.ProcessFulltext(ctx, file.Content)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			o.logger.Error().Err(err).Str("file", file.Name).Msg("extraction failed")
			record := &domain.PaperRecord{
				Title:      titleFromFilename(file.Name),
				Extraction: extractionStatus(err),
			}
			if _, err := o.store.SavePapers(ctx, []*domain.PaperRecord{record}); err != nil {
				return stats, fmt.Errorf("failed to save upload record: %w", err)
			}
			stats.Failed++
			continue
		}

		title := doc.Title
		if title == "" {
			title = titleFromFilename(file.Name)
		}
		now := time.Now().UTC()
		record := &domain.PaperRecord{
			Title:         title,
			DOI:           doc.DOI,
			Abstract:      doc.Abstract,
			Extraction:    domain.Succeeded(200),
			TimeExtracted: &now,
		}
		if _, err := o.store.SavePapers(ctx, []*domain.PaperRecord{record}); err != nil {
			return stats, fmt.Errorf("failed to save upload record: %w", err)
		}
		stats.Processed++
		extracted = append(extracted, domain.Citation{Title: title, DOI: doc.DOI})

		if len(doc.References) == 0 {
			continue
		}
		citedHashes := make([]string, 0, len(doc.References))
		for _, reference := range doc.References {
			if strings.TrimSpace(reference.Title) == "" {
				continue
			}
			citedHashes = append(citedHashes, reference.Key())
			if _, dup := refSeen[reference.Key()]; !dup {
				refSeen[reference.Key()] = struct{}{}
				references = append(references, reference)
			}
		}
		stats.CitationsFound += len(citedHashes)

		// Stub records first so the edges have resolvable endpoints even if
		// metadata backfill fails below.
		stubs := make([]*domain.PaperRecord, 0, len(doc.References))
		for _, reference := range doc.References {
			if strings.TrimSpace(reference.Title) != "" {
				stubs = append(stubs, &domain.PaperRecord{Title: reference.Title, DOI: reference.DOI})
			}
		}
		if _, err := o.store.SavePapers(ctx, stubs); err != nil {
			return stats, fmt.Errorf("failed to save references: %w", err)
		}
		if err := o.store.SaveCitations(ctx, record.TitleHash(), citedHashes); err != nil {
			return stats, fmt.Errorf("failed to save citation edges: %w", err)
		}
	}

	// Backfill catalog metadata for the uploaded papers and everything they
	// reference.
	resolved, err := o.backfillMetadata(ctx, append(extracted, references...))
	if err != nil {
		return stats, err
	}
	stats.MetadataResolved = resolved

	o.logger.Info().
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Int("metadata_resolved", stats.MetadataResolved).
		Msg("upload complete")
	return stats, nil
}

func (o *Orchestrator) backfillMetadata(ctx context.Context, citations []domain.Citation) (int, error) {
	if len(citations) == 0 {
		return 0, nil
	}
	records, err := o.catalog.ResolveCitations(ctx, citations)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		o.logger.Error().Err(err).Msg("metadata backfill failed")
		return 0, nil
	}
	if _, err := o.store.SavePapers(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to save metadata: %w", err)
	}

	resolved := 0
	for _, record := range records {
		if record.Metadata.Succeeded() {
			resolved++
		}
	}
	return resolved, nil
}

func extractionStatus(err error) domain.CallStatus {
	var processErr *grobid.ProcessError
	if errors.As(err, &processErr) {
		return domain.FailedStatus(processErr.Code, processErr.Message)
	}
	return domain.FailedStatus(502, err.Error())
}

func titleFromFilename(name string) string {
	name = strings.TrimSuffix(name, ".pdf")
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
}

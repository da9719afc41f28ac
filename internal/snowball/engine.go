// Package snowball implements the citation snowballing engine: iterative
// expansion of a paper corpus by enriching promising papers, harvesting their
// references, and resolving those references into new candidate records.
package snowball

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/grobid"
	"github.com/snowsearch/snowsearch/internal/observability"
	"github.com/snowsearch/snowsearch/internal/store"
)

// PaperStore is the persistence surface the engine drives. Selection always
// re-queries the store rather than tracking engine-local state, so a round
// sees the statuses committed by the previous one.
type PaperStore interface {
	SavePapers(ctx context.Context, papers []*domain.PaperRecord) (int, error)
	GetPapers(ctx context.Context, titleHashes []string) ([]*domain.PaperRecord, error)
	GetUnprocessedPapers(ctx context.Context, limit int) ([]*domain.PaperRecord, error)
	SearchByQuery(ctx context.Context, query string, opts store.SearchOptions) ([]store.ScoredPaper, error)
	SaveCitations(ctx context.Context, citingHash string, citedHashes []string) error
}

// Enricher downloads and extracts a batch of papers, recording per-paper call
// statuses in place and streaming each result as it completes. The channel
// closes when the batch is done; the wait func reports cancellation.
type Enricher interface {
	Enrich(ctx context.Context, papers []*domain.PaperRecord) (<-chan grobid.Result, func() error)
}

// Resolver turns harvested references into paper records; references the
// metadata catalog does not know come back as failed-status stubs.
type Resolver interface {
	ResolveCitations(ctx context.Context, citations []domain.Citation) ([]*domain.PaperRecord, error)
}

// Config controls the expansion.
type Config struct {
	// Rounds is the number of snowball rounds to run.
	Rounds int
	// RoundQuota is the target number of successfully enriched papers per
	// round.
	RoundQuota int
	// MinSimilarityScore is the similarity floor for query-based batch
	// selection.
	MinSimilarityScore float32
	// MaxRoundAttempts caps the quota-retry passes within one round, so a
	// store that keeps returning the same marginal candidates cannot spin
	// the engine forever.
	MaxRoundAttempts int
}

func (c *Config) applyDefaults() {
	if c.Rounds <= 0 {
		c.Rounds = 5
	}
	if c.RoundQuota <= 0 {
		c.RoundQuota = 5
	}
	if c.MaxRoundAttempts <= 0 {
		c.MaxRoundAttempts = 10
	}
}

// Options configure one expansion run.
type Options struct {
	// Query is the boolean search expression used for batch selection. When
	// empty, batches are drawn from all unprocessed papers instead.
	Query string
	// Seeds are externally supplied round-0 papers. A round-0 shortfall is
	// never backfilled when seeds are explicit.
	Seeds []*domain.PaperRecord
	// IgnoreQuota stops each round after a single enrichment pass.
	IgnoreQuota bool
}

// Stats aggregates what an expansion accomplished.
type Stats struct {
	// Rounds is the number of rounds that selected a non-empty batch.
	Rounds int
	// PapersEnriched counts papers whose full text was extracted.
	PapersEnriched int
	// CitationsHarvested counts references collected from enriched papers.
	CitationsHarvested int
	// CitationsResolved counts harvested references resolved to catalog
	// metadata.
	CitationsResolved int
	// CitationsUnresolved counts references persisted as not-found stubs.
	CitationsUnresolved int
}

// Engine drives the snowball expansion.
type Engine struct {
	store    PaperStore
	enricher Enricher
	resolver Resolver
	config   Config
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// New creates an Engine.
func New(paperStore PaperStore, enricher Enricher, resolver Resolver, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:    paperStore,
		enricher: enricher,
		resolver: resolver,
		config:   cfg,
		metrics:  metrics,
		logger:   logger.With().Str("component", "snowball").Logger(),
	}
}

// Run executes the configured number of rounds and returns aggregate counts.
//
// An empty round 0 is fatal: there is nothing to expand from. An empty later
// round ends the expansion early with the counts accumulated so far, since
// rounds are best-effort.
func (e *Engine) Run(ctx context.Context, opts Options) (*Stats, error) {
	stats := &Stats{}

	for round := 0; round < e.config.Rounds; round++ {
		roundStart := time.Now()
		logger := observability.WithRoundContext(e.logger, round, e.config.Rounds)

		explicitSeeds := round == 0 && len(opts.Seeds) > 0
		var batch []*domain.PaperRecord
		var err error
		if explicitSeeds {
			batch = opts.Seeds
		} else {
			batch, err = e.nextBatch(ctx, opts.Query, e.config.RoundQuota)
			if err != nil {
				return stats, err
			}
		}

		if len(batch) == 0 {
			if round == 0 {
				return stats, &domain.NoPapersToSnowballError{Query: opts.Query}
			}
			logger.Info().Msg("no papers left to snowball, stopping early")
			break
		}

		stats.Rounds++
		logger.Info().
			Int("batch_size", len(batch)).
			Msg("snowball round started")

		enriched, succeeded, err := e.runRound(ctx, round, batch, explicitSeeds, opts)
		if err != nil {
			return stats, err
		}
		stats.PapersEnriched += succeeded

		harvested, resolved, unresolved, err := e.resolveRound(ctx, enriched)
		if err != nil {
			return stats, err
		}
		stats.CitationsHarvested += harvested
		stats.CitationsResolved += resolved
		stats.CitationsUnresolved += unresolved

		if e.metrics != nil {
			e.metrics.RoundsCompleted.Inc()
			e.metrics.RoundDuration.Observe(time.Since(roundStart).Seconds())
		}
		logger.Info().
			Int("enriched", succeeded).
			Int("citations_harvested", harvested).
			Int("citations_resolved", resolved).
			Msg("snowball round complete")
	}

	return stats, nil
}

// runRound runs the quota-retry loop for one round and returns every
// enrichment result produced across its passes plus the success count.
func (e *Engine) runRound(ctx context.Context, round int, batch []*domain.PaperRecord, explicitSeeds bool, opts Options) ([]grobid.Result, int, error) {
	var enriched []grobid.Result
	succeeded := 0
	logger := observability.WithRoundContext(e.logger, round, e.config.Rounds)

	current := batch
	for attempt := 0; ; attempt++ {
		results, passSucceeded, err := e.enrichPass(ctx, current)
		if err != nil {
			return nil, 0, err
		}
		enriched = append(enriched, results...)
		succeeded += passSucceeded

		if opts.IgnoreQuota {
			if succeeded < e.config.RoundQuota {
				logger.Warn().
					Int("enriched", succeeded).
					Int("quota", e.config.RoundQuota).
					Msg("round under quota, quota ignored")
			}
			break
		}
		if succeeded >= e.config.RoundQuota {
			break
		}
		if explicitSeeds {
			// A user's explicit seed list is processed exactly once, never
			// padded with substitutes.
			logger.Info().
				Int("enriched", succeeded).
				Int("quota", e.config.RoundQuota).
				Msg("seed round under quota, not backfilling explicit seeds")
			break
		}
		if attempt+1 >= e.config.MaxRoundAttempts {
			logger.Warn().
				Int("attempts", attempt+1).
				Int("enriched", succeeded).
				Msg("round attempt cap reached before quota")
			break
		}

		shortfall := e.config.RoundQuota - succeeded
		replacement, err := e.nextBatch(ctx, opts.Query, shortfall)
		if err != nil {
			return nil, 0, err
		}
		if len(replacement) == 0 {
			logger.Info().
				Int("enriched", succeeded).
				Msg("no replacement candidates, accepting short round")
			break
		}
		current = replacement
	}

	return enriched, succeeded, nil
}

// enrichPass streams one enrichment pass, persisting each paper as soon as
// its result arrives rather than waiting for the whole batch.
func (e *Engine) enrichPass(ctx context.Context, batch []*domain.PaperRecord) ([]grobid.Result, int, error) {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, wait := e.enricher.Enrich(passCtx, batch)

	var collected []grobid.Result
	succeeded := 0
	var saveErr error
	for result := range results {
		if saveErr != nil {
			continue
		}
		if _, err := e.store.SavePapers(ctx, []*domain.PaperRecord{result.Paper}); err != nil {
			saveErr = err
			cancel()
			continue
		}
		collected = append(collected, result)

		if result.Paper.Extraction.Succeeded() {
			succeeded++
			if e.metrics != nil {
				e.metrics.PapersEnriched.Inc()
			}
		} else if e.metrics != nil {
			stage := "extraction"
			if !result.Paper.Download.Succeeded() {
				stage = "download"
			}
			e.metrics.EnrichmentFailures.WithLabelValues(stage).Inc()
		}
	}
	if saveErr != nil {
		_ = wait()
		return nil, 0, saveErr
	}
	if err := wait(); err != nil {
		return nil, 0, err
	}
	return collected, succeeded, nil
}

// resolveRound unions the references harvested across the round's passes,
// resolves them, persists the results, and records citation edges.
func (e *Engine) resolveRound(ctx context.Context, enriched []grobid.Result) (harvested, resolved, unresolved int, err error) {
	var citations []domain.Citation
	seen := make(map[string]struct{})
	for _, result := range enriched {
		for _, citation := range result.References {
			if strings.TrimSpace(citation.Title) == "" {
				continue
			}
			key := citation.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			citations = append(citations, citation)
		}
	}

	harvested = len(citations)
	if e.metrics != nil {
		e.metrics.CitationsHarvested.Add(float64(harvested))
	}
	if harvested == 0 {
		return 0, 0, 0, nil
	}

	byKey := make(map[string]*domain.PaperRecord, len(citations))
	byDOI := make(map[string]*domain.PaperRecord, len(citations))

	// References resolved or stubbed in an earlier round are final and never
	// go back to the catalog; they still receive citation edges.
	keys := make([]string, 0, len(citations))
	for _, citation := range citations {
		keys = append(keys, citation.Key())
	}
	existing, err := e.store.GetPapers(ctx, keys)
	if err != nil {
		return harvested, 0, 0, err
	}
	for _, record := range existing {
		if !record.Metadata.Attempted() {
			continue
		}
		byKey[record.TitleHash()] = record
		if doi := normalizeDOI(record.DOI); doi != "" {
			byDOI[doi] = record
		}
	}

	fresh := make([]domain.Citation, 0, len(citations))
	for _, citation := range citations {
		if _, done := byKey[citation.Key()]; done {
			continue
		}
		if doi := normalizeDOI(citation.DOI); doi != "" {
			if _, done := byDOI[doi]; done {
				continue
			}
		}
		fresh = append(fresh, citation)
	}

	if len(fresh) > 0 {
		records, err := e.resolver.ResolveCitations(ctx, fresh)
		if err != nil {
			if ctx.Err() != nil {
				return harvested, 0, 0, ctx.Err()
			}
			// Resolution is best-effort: the harvested references are simply
			// rediscovered when their citing papers are seen again.
			e.logger.Error().Err(err).Msg("citation resolution failed, skipping round harvest")
			return harvested, 0, 0, nil
		}

		if _, err := e.store.SavePapers(ctx, records); err != nil {
			return harvested, 0, 0, err
		}

		for _, record := range records {
			byKey[record.TitleHash()] = record
			if doi := normalizeDOI(record.DOI); doi != "" {
				byDOI[doi] = record
			}
			if record.Metadata.Succeeded() {
				resolved++
				if e.metrics != nil {
					method := "title"
					if normalizeDOI(record.DOI) != "" {
						method = "doi"
					}
					e.metrics.CitationsResolved.WithLabelValues(method).Inc()
				}
			} else {
				unresolved++
				if e.metrics != nil {
					e.metrics.CitationsUnresolved.Inc()
				}
			}
		}
	}

	for _, result := range enriched {
		if len(result.References) == 0 {
			continue
		}
		citedHashes := make([]string, 0, len(result.References))
		for _, citation := range result.References {
			record := byDOI[normalizeDOI(citation.DOI)]
			if record == nil {
				record = byKey[citation.Key()]
			}
			if record != nil {
				citedHashes = append(citedHashes, record.TitleHash())
			}
		}
		if len(citedHashes) == 0 {
			continue
		}
		if err := e.store.SaveCitations(ctx, result.Paper.TitleHash(), citedHashes); err != nil {
			return harvested, resolved, unresolved, err
		}
	}

	return harvested, resolved, unresolved, nil
}

// nextBatch selects up to limit unprocessed candidates, by query similarity
// when a query is present and by age otherwise.
func (e *Engine) nextBatch(ctx context.Context, query string, limit int) ([]*domain.PaperRecord, error) {
	if query == "" {
		return e.store.GetUnprocessedPapers(ctx, limit)
	}

	minScore := e.config.MinSimilarityScore
	scored, err := e.store.SearchByQuery(ctx, query, store.SearchOptions{
		Limit:           limit,
		MinScore:        &minScore,
		UnprocessedOnly: true,
		OpenAccessOnly:  true,
	})
	if err != nil {
		return nil, err
	}

	papers := make([]*domain.PaperRecord, 0, len(scored))
	for _, hit := range scored {
		papers = append(papers, hit.Paper)
	}
	return papers, nil
}

// normalizeDOI lowercases a DOI and strips URL prefixes so harvested and
// catalog DOIs compare equal.
func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(strings.ToLower(doi))
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return strings.TrimSpace(doi)
}

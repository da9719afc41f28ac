package snowball

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/grobid"
	"github.com/snowsearch/snowsearch/internal/observability"
	"github.com/snowsearch/snowsearch/internal/store"
)

// fakeStore is an in-memory PaperStore. When alwaysReturn is set, batch
// selection keeps serving the same papers regardless of their status,
// mimicking a store with pathological score ties.
type fakeStore struct {
	mu           sync.Mutex
	papers       map[string]*domain.PaperRecord
	citations    map[string][]string
	alwaysReturn []*domain.PaperRecord
	batchCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		papers:    make(map[string]*domain.PaperRecord),
		citations: make(map[string][]string),
	}
}

func (f *fakeStore) SavePapers(_ context.Context, papers []*domain.PaperRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := 0
	for _, paper := range papers {
		if paper == nil || paper.Title == "" {
			continue
		}
		hash := paper.TitleHash()
		if existing, ok := f.papers[hash]; ok {
			merged := domain.Merge(existing, paper)
			f.papers[hash] = merged
			*paper = *merged
		} else {
			copied := *paper
			f.papers[hash] = &copied
			created++
		}
	}
	return created, nil
}

func (f *fakeStore) GetPapers(_ context.Context, titleHashes []string) ([]*domain.PaperRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.PaperRecord
	for _, hash := range titleHashes {
		if paper, ok := f.papers[hash]; ok {
			out = append(out, paper)
		}
	}
	return out, nil
}

// saved reports whether a paper with the given hash has been persisted,
// polling up to the timeout.
func (f *fakeStore) saved(hash string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		_, ok := f.papers[hash]
		f.mu.Unlock()
		if ok {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (f *fakeStore) unprocessed(limit int, openAccessOnly bool) []*domain.PaperRecord {
	var out []*domain.PaperRecord
	for _, paper := range f.papers {
		if !paper.Unprocessed() {
			continue
		}
		if openAccessOnly && !paper.IsOpenAccess() {
			continue
		}
		out = append(out, paper)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) GetUnprocessedPapers(_ context.Context, limit int) ([]*domain.PaperRecord, error) {
	f.batchCalls++
	if f.alwaysReturn != nil {
		return f.alwaysReturn, nil
	}
	return f.unprocessed(limit, false), nil
}

func (f *fakeStore) SearchByQuery(_ context.Context, _ string, opts store.SearchOptions) ([]store.ScoredPaper, error) {
	f.batchCalls++
	papers := f.alwaysReturn
	if papers == nil {
		papers = f.unprocessed(opts.Limit, opts.OpenAccessOnly)
	}
	scored := make([]store.ScoredPaper, 0, len(papers))
	for _, paper := range papers {
		scored = append(scored, store.ScoredPaper{Paper: paper, TitleScore: 0.9})
	}
	return scored, nil
}

func (f *fakeStore) SaveCitations(_ context.Context, citingHash string, citedHashes []string) error {
	f.citations[citingHash] = append(f.citations[citingHash], citedHashes...)
	return nil
}

// enrichOutcome scripts what happens to one paper.
type enrichOutcome struct {
	fail       bool
	references []domain.Citation
}

// fakeEnricher applies scripted outcomes keyed by paper title.
type fakeEnricher struct {
	outcomes map[string]enrichOutcome
	passes   int
}

func (f *fakeEnricher) Enrich(_ context.Context, papers []*domain.PaperRecord) (<-chan grobid.Result, func() error) {
	f.passes++
	out := make(chan grobid.Result, len(papers))
	for _, paper := range papers {
		outcome := f.outcomes[paper.Title]
		if outcome.fail {
			paper.Download = domain.FailedStatus(http.StatusForbidden, "download failed")
		} else {
			paper.Download = domain.Succeeded(http.StatusOK)
			paper.Extraction = domain.Succeeded(http.StatusOK)
		}
		out <- grobid.Result{Paper: paper, References: outcome.references}
	}
	close(out)
	return out, func() error { return nil }
}

// streamingEnricher emits results one at a time and checks each paper was
// persisted before releasing the next, so a consumer that batches saves
// until the stream closes fails the pass.
type streamingEnricher struct {
	store *fakeStore
}

func (f *streamingEnricher) Enrich(_ context.Context, papers []*domain.PaperRecord) (<-chan grobid.Result, func() error) {
	out := make(chan grobid.Result)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		var streamErr error
		for _, paper := range papers {
			paper.Download = domain.Succeeded(http.StatusOK)
			paper.Extraction = domain.Succeeded(http.StatusOK)
			out <- grobid.Result{Paper: paper}
			if !f.store.saved(paper.TitleHash(), time.Second) {
				streamErr = fmt.Errorf("paper %q not persisted before the stream advanced", paper.Title)
				break
			}
		}
		errc <- streamErr
	}()
	return out, func() error { return <-errc }
}

// fakeResolver resolves citations against a canned catalog and stubs the
// rest, mirroring the metadata provider's contract.
type fakeResolver struct {
	catalog  map[string]*domain.PaperRecord // keyed by normalized title hash
	err      error
	calls    int
	received [][]string
}

func (f *fakeResolver) ResolveCitations(_ context.Context, citations []domain.Citation) ([]*domain.PaperRecord, error) {
	f.calls++
	titles := make([]string, 0, len(citations))
	for _, citation := range citations {
		titles = append(titles, citation.Title)
	}
	f.received = append(f.received, titles)
	if f.err != nil {
		return nil, f.err
	}
	var records []*domain.PaperRecord
	for _, citation := range citations {
		if record, ok := f.catalog[citation.Key()]; ok {
			copied := *record
			records = append(records, &copied)
			continue
		}
		records = append(records, &domain.PaperRecord{
			Title:    citation.Title,
			DOI:      citation.DOI,
			Metadata: domain.FailedStatus(http.StatusNotFound, "not found on openalex"),
		})
	}
	return records, nil
}

func seedPaper(title string) *domain.PaperRecord {
	return &domain.PaperRecord{
		Title:      title,
		PDFURL:     "https://example.org/" + title + ".pdf",
		OpenAccess: domain.OpenAccessFlag(true),
		Metadata:   domain.Succeeded(http.StatusOK),
	}
}

func newEngine(s PaperStore, e Enricher, r Resolver, cfg Config) *Engine {
	return New(s, e, r, cfg, nil, zerolog.Nop())
}

func TestRunRoundZeroEmptyIsFatal(t *testing.T) {
	engine := newEngine(newFakeStore(), &fakeEnricher{}, &fakeResolver{}, Config{Rounds: 2})

	_, err := engine.Run(context.Background(), Options{Query: "some query"})
	require.Error(t, err)

	var noPapers *domain.NoPapersToSnowballError
	require.ErrorAs(t, err, &noPapers)
	assert.Equal(t, "some query", noPapers.Query)
	assert.ErrorIs(t, err, domain.ErrNoPapers)
}

func TestRunLaterEmptyRoundEndsCleanly(t *testing.T) {
	s := newFakeStore()
	_, err := s.SavePapers(context.Background(), []*domain.PaperRecord{seedPaper("Only Paper")})
	require.NoError(t, err)

	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{}}
	engine := newEngine(s, enricher, &fakeResolver{}, Config{Rounds: 3, RoundQuota: 1})

	stats, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	// Round 0 consumes the only paper; round 1 finds nothing and stops.
	assert.Equal(t, 1, stats.Rounds)
	assert.Equal(t, 1, stats.PapersEnriched)
}

func TestRunQuotaRetryFetchesShortfall(t *testing.T) {
	s := newFakeStore()
	_, err := s.SavePapers(context.Background(), []*domain.PaperRecord{
		seedPaper("Paper A"), seedPaper("Paper B"), seedPaper("Paper C"), seedPaper("Paper D"),
	})
	require.NoError(t, err)

	// A and B fail, forcing replacement fetches until the quota of two
	// successes is met.
	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Paper A": {fail: true},
		"Paper B": {fail: true},
	}}
	engine := newEngine(s, enricher, &fakeResolver{}, Config{Rounds: 1, RoundQuota: 2})

	stats, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PapersEnriched)
	assert.GreaterOrEqual(t, enricher.passes, 2, "shortfall must trigger another pass")

	// Failed papers carry their status and are no longer selectable.
	failed := s.papers[domain.NormalizeTitleHash("Paper A")]
	assert.True(t, failed.Download.Failed())
	assert.False(t, failed.Unprocessed())
}

func TestRunExplicitSeedsNeverBackfilled(t *testing.T) {
	s := newFakeStore()
	// Plenty of candidates the engine could backfill with.
	_, err := s.SavePapers(context.Background(), []*domain.PaperRecord{
		seedPaper("Substitute One"), seedPaper("Substitute Two"),
	})
	require.NoError(t, err)

	seeds := []*domain.PaperRecord{seedPaper("User Seed A"), seedPaper("User Seed B")}
	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"User Seed A": {fail: true},
	}}
	engine := newEngine(s, enricher, &fakeResolver{}, Config{Rounds: 1, RoundQuota: 5})

	stats, err := engine.Run(context.Background(), Options{Seeds: seeds})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PapersEnriched)
	assert.Equal(t, 1, enricher.passes, "explicit seeds get exactly one pass")
	assert.Zero(t, s.batchCalls, "no replacement batches for explicit seeds")
}

func TestRunIgnoreQuotaSinglePass(t *testing.T) {
	s := newFakeStore()
	_, err := s.SavePapers(context.Background(), []*domain.PaperRecord{
		seedPaper("Paper A"), seedPaper("Paper B"), seedPaper("Paper C"),
	})
	require.NoError(t, err)

	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Paper A": {fail: true},
		"Paper B": {fail: true},
		"Paper C": {fail: true},
	}}
	engine := newEngine(s, enricher, &fakeResolver{}, Config{Rounds: 1, RoundQuota: 3})

	stats, err := engine.Run(context.Background(), Options{IgnoreQuota: true})
	require.NoError(t, err)

	assert.Zero(t, stats.PapersEnriched)
	assert.Equal(t, 1, enricher.passes)
}

func TestRunRoundAttemptCap(t *testing.T) {
	s := newFakeStore()
	// The store keeps serving the same doomed candidate no matter what.
	doomed := seedPaper("Doomed Paper")
	s.alwaysReturn = []*domain.PaperRecord{doomed}

	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Doomed Paper": {fail: true},
	}}
	engine := newEngine(s, enricher, &fakeResolver{}, Config{Rounds: 1, RoundQuota: 5, MaxRoundAttempts: 3})

	stats, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Zero(t, stats.PapersEnriched)
	assert.Equal(t, 3, enricher.passes, "inner loop must stop at the attempt cap")
}

func TestRunEndToEndScenario(t *testing.T) {
	// Seed paper A cites B and C. B is known to the catalog with a PDF; C is
	// unknown and must become a 404 stub that is never reconsidered.
	s := newFakeStore()

	resolver := &fakeResolver{catalog: map[string]*domain.PaperRecord{
		domain.NormalizeTitleHash("Paper B"): {
			Title:      "Paper B",
			DOI:        "10.2/b",
			PDFURL:     "https://example.org/b.pdf",
			OpenAccess: domain.OpenAccessFlag(true),
			Metadata:   domain.Succeeded(http.StatusOK),
		},
	}}

	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Paper A": {references: []domain.Citation{
			{Title: "Paper B", DOI: "10.2/b"},
			{Title: "Paper C"},
		}},
	}}

	seeds := []*domain.PaperRecord{seedPaper("Paper A")}
	engine := New(s, enricher, resolver, Config{Rounds: 2, RoundQuota: 5},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	stats, err := engine.Run(context.Background(), Options{Seeds: seeds})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Rounds)
	assert.Equal(t, 2, stats.PapersEnriched, "A in round 0, B in round 1")
	assert.Equal(t, 2, stats.CitationsHarvested)
	assert.Equal(t, 1, stats.CitationsResolved)
	assert.Equal(t, 1, stats.CitationsUnresolved)

	// A's citation edges point at both B and the C stub.
	edges := s.citations[domain.NormalizeTitleHash("Paper A")]
	assert.ElementsMatch(t, []string{
		domain.NormalizeTitleHash("Paper B"),
		domain.NormalizeTitleHash("Paper C"),
	}, edges)

	// C is persisted as a 404 stub with no PDF, so it is never selectable.
	stub := s.papers[domain.NormalizeTitleHash("Paper C")]
	require.NotNil(t, stub)
	assert.Equal(t, http.StatusNotFound, stub.Metadata.Code)
	assert.False(t, stub.Unprocessed())
	assert.Equal(t, 1, resolver.calls, "round 1 harvests nothing new")
}

func TestRunResolverFailureIsNotFatal(t *testing.T) {
	s := newFakeStore()

	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Paper A": {references: []domain.Citation{{Title: "Paper B"}}},
	}}
	resolver := &fakeResolver{err: domain.NewExternalAPIError("OpenAlex", 500, "down", nil)}
	engine := newEngine(s, enricher, resolver, Config{Rounds: 1, RoundQuota: 1})

	stats, err := engine.Run(context.Background(), Options{Seeds: []*domain.PaperRecord{seedPaper("Paper A")}})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PapersEnriched)
	assert.Equal(t, 1, stats.CitationsHarvested)
	assert.Zero(t, stats.CitationsResolved)
	assert.Empty(t, s.citations, "no edges recorded when resolution fails")
}

func TestRunDeduplicatesHarvestedCitations(t *testing.T) {
	s := newFakeStore()

	shared := domain.Citation{Title: "Shared Reference"}
	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Paper A": {references: []domain.Citation{shared}},
		"Paper B": {references: []domain.Citation{shared}},
	}}
	resolver := &fakeResolver{}
	engine := newEngine(s, enricher, resolver, Config{Rounds: 1, RoundQuota: 2})

	seeds := []*domain.PaperRecord{seedPaper("Paper A"), seedPaper("Paper B")}
	stats, err := engine.Run(context.Background(), Options{Seeds: seeds})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CitationsHarvested, "shared reference harvested once")

	// Both citing papers still get their edge to the shared stub.
	sharedHash := domain.NormalizeTitleHash("Shared Reference")
	assert.Equal(t, []string{sharedHash}, s.citations[domain.NormalizeTitleHash("Paper A")])
	assert.Equal(t, []string{sharedHash}, s.citations[domain.NormalizeTitleHash("Paper B")])
}

func TestRunStubbedCitationNeverRequeried(t *testing.T) {
	// A (round 0) and B (round 1) both cite the unknown Paper C. C becomes a
	// 404 stub in round 0 and must never go back to the catalog, while B
	// still gets its citation edge to the stub.
	s := newFakeStore()
	_, err := s.SavePapers(context.Background(), []*domain.PaperRecord{seedPaper("Paper B")})
	require.NoError(t, err)

	enricher := &fakeEnricher{outcomes: map[string]enrichOutcome{
		"Paper A": {references: []domain.Citation{{Title: "Paper C"}}},
		"Paper B": {references: []domain.Citation{{Title: "Paper C"}}},
	}}
	resolver := &fakeResolver{}
	engine := newEngine(s, enricher, resolver, Config{Rounds: 2, RoundQuota: 1})

	stats, err := engine.Run(context.Background(), Options{Seeds: []*domain.PaperRecord{seedPaper("Paper A")}})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Rounds)
	assert.Equal(t, 2, stats.CitationsHarvested)
	assert.Equal(t, 1, stats.CitationsUnresolved, "only round 0 attempts resolution")

	require.Equal(t, 1, resolver.calls, "the stubbed citation must not be re-queried")
	assert.Equal(t, [][]string{{"Paper C"}}, resolver.received)

	stubHash := domain.NormalizeTitleHash("Paper C")
	stub := s.papers[stubHash]
	require.NotNil(t, stub)
	assert.Equal(t, http.StatusNotFound, stub.Metadata.Code)

	// Round 1 still records B's edge to the existing stub.
	assert.Equal(t, []string{stubHash}, s.citations[domain.NormalizeTitleHash("Paper A")])
	assert.Equal(t, []string{stubHash}, s.citations[domain.NormalizeTitleHash("Paper B")])
}

func TestRunPersistsEachPaperAsEnrichmentCompletes(t *testing.T) {
	s := newFakeStore()
	enricher := &streamingEnricher{store: s}
	engine := newEngine(s, enricher, &fakeResolver{}, Config{Rounds: 1, RoundQuota: 2})

	seeds := []*domain.PaperRecord{seedPaper("Paper A"), seedPaper("Paper B")}
	stats, err := engine.Run(context.Background(), Options{Seeds: seeds})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PapersEnriched)
}

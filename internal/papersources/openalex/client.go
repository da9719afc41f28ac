package openalex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/observability"
	"github.com/snowsearch/snowsearch/internal/papersources"
)

const (
	// DefaultBaseURL is the OpenAlex API root.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultPerPage is the page size for list requests; 200 is the API
	// maximum.
	DefaultPerPage = 200

	// doiBatchSize is the number of DOIs packed into one filter expression.
	doiBatchSize = 50

	// anonymousRate and politeRate are the requests-per-second limits of the
	// anonymous and polite (mailto) pools.
	anonymousRate = 1.0
	politeRate    = 10.0

	doiPrefix = "https://doi.org/"

	maxResponseBytes = 10 << 20
)

// Config holds OpenAlex client configuration.
type Config struct {
	// BaseURL is the API root, defaulting to https://api.openalex.org.
	BaseURL string

	// Email is the contact address for the polite pool. Setting it raises
	// the rate limit from 1 to 10 requests per second.
	Email string

	// APIKey is an optional OpenAlex premium key, sent as a query parameter.
	APIKey string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// MaxRetries is the retry budget for transient failures.
	MaxRetries int

	// PerPage is the list page size, capped at 200.
	PerPage int

	// Metrics receives per-endpoint request counts when non-nil.
	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PerPage <= 0 || c.PerPage > DefaultPerPage {
		c.PerPage = DefaultPerPage
	}
}

// Client queries the OpenAlex works endpoint. All requests share one rate
// limiter; exact-title lookups are additionally serialized because they are
// the most expensive query OpenAlex serves.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	titleGate  *semaphore.Weighted
	logger     zerolog.Logger
}

// SearchPage is one page of full-text search results. Offset is the rank of
// the first paper within the overall result ordering, Total the result count
// reported by the API.
type SearchPage struct {
	Papers []*domain.PaperRecord
	Offset int
	Total  int
}

// New creates an OpenAlex client.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()

	rateLimit := anonymousRate
	userAgent := "snowsearch/1.0"
	if cfg.Email != "" {
		rateLimit = politeRate
		userAgent = "snowsearch/1.0 (mailto:" + cfg.Email + ")"
	}

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Timeout:    cfg.Timeout,
		RateLimit:  rateLimit,
		BurstSize:  int(rateLimit),
		MaxRetries: cfg.MaxRetries,
		UserAgent:  userAgent,
	})

	return newWithHTTPClient(cfg, httpClient, logger)
}

// NewWithHTTPClient creates a client with a caller-supplied HTTP client,
// which tests use to point at a mock server.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return newWithHTTPClient(cfg, httpClient, logger)
}

func newWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient, logger zerolog.Logger) *Client {
	return &Client{
		config:     cfg,
		httpClient: httpClient,
		titleGate:  semaphore.NewWeighted(1),
		logger:     logger.With().Str("component", "openalex").Logger(),
	}
}

// Search runs a full-text search over titles and abstracts and streams result
// pages to fn in rank order, using cursor paging so deep result sets stay
// reachable. It returns the total result count. A non-nil error from fn
// aborts the walk.
func (c *Client) Search(ctx context.Context, query string, fn func(page SearchPage) error) (int, error) {
	if strings.TrimSpace(query) == "" {
		return 0, domain.NewValidationError("query", "must not be empty")
	}

	params := url.Values{}
	params.Set("filter", "title_and_abstract.search:"+query)
	params.Set("per_page", strconv.Itoa(c.config.PerPage))

	cursor := "*"
	offset := 0
	total := 0

	for cursor != "" {
		params.Set("cursor", cursor)

		resp, err := c.list(ctx, "search", params)
		if err != nil {
			return 0, err
		}

		total = resp.Meta.Count

		papers := make([]*domain.PaperRecord, 0, len(resp.Results))
		for i := range resp.Results {
			if record := workToRecord(&resp.Results[i]); record != nil {
				papers = append(papers, record)
			}
		}

		if len(papers) > 0 && fn != nil {
			if err := fn(SearchPage{Papers: papers, Offset: offset, Total: total}); err != nil {
				return total, err
			}
		}
		offset += len(resp.Results)

		if len(resp.Results) == 0 {
			break
		}
		cursor = resp.Meta.NextCursor
	}

	c.logger.Debug().
		Str("query", query).
		Int("total", total).
		Msg("search walk complete")

	return total, nil
}

// ResolveDOIs looks up works by DOI, batching up to 50 DOIs per request. The
// result omits DOIs OpenAlex does not know; callers compare against the input
// to find misses. Order within the result is not defined.
func (c *Client) ResolveDOIs(ctx context.Context, dois []string) ([]*domain.PaperRecord, error) {
	cleaned := make([]string, 0, len(dois))
	seen := make(map[string]struct{}, len(dois))
	for _, doi := range dois {
		normalized := NormalizeDOI(doi)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		cleaned = append(cleaned, normalized)
	}
	if len(cleaned) == 0 {
		return nil, nil
	}

	chunks := make([][]string, 0, (len(cleaned)+doiBatchSize-1)/doiBatchSize)
	for start := 0; start < len(cleaned); start += doiBatchSize {
		end := start + doiBatchSize
		if end > len(cleaned) {
			end = len(cleaned)
		}
		chunks = append(chunks, cleaned[start:end])
	}

	results := make([][]*domain.PaperRecord, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			params := url.Values{}
			params.Set("filter", "doi:"+strings.Join(chunk, "|"))
			params.Set("per_page", strconv.Itoa(len(chunk)))

			resp, err := c.list(gctx, "doi", params)
			if err != nil {
				return err
			}

			records := make([]*domain.PaperRecord, 0, len(resp.Results))
			for j := range resp.Results {
				if record := workToRecord(&resp.Results[j]); record != nil {
					records = append(records, record)
				}
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []*domain.PaperRecord
	for _, batch := range results {
		records = append(records, batch...)
	}
	return records, nil
}

// ResolveByTitle finds a work whose title exactly matches the given one,
// ignoring case. Commas are stripped from the search expression since they
// are filter separators in the OpenAlex query syntax. Returns a NotFoundError
// when no result matches exactly.
func (c *Client) ResolveByTitle(ctx context.Context, title string) (*domain.PaperRecord, error) {
	if strings.TrimSpace(title) == "" {
		return nil, domain.NewValidationError("title", "must not be empty")
	}

	if err := c.titleGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.titleGate.Release(1)

	searchable := strings.ReplaceAll(title, ",", "")

	params := url.Values{}
	params.Set("filter", "title.search:"+searchable)
	params.Set("per_page", "25")

	resp, err := c.list(ctx, "title", params)
	if err != nil {
		return nil, err
	}

	want := strings.TrimSpace(strings.ToLower(title))
	for i := range resp.Results {
		got := strings.TrimSpace(strings.ToLower(resp.Results[i].title()))
		if got == want {
			return workToRecord(&resp.Results[i]), nil
		}
	}

	return nil, domain.NewNotFoundError("paper", title)
}

// ResolveCitations resolves harvested references to paper records. References
// with a DOI are resolved in bulk; the rest, plus DOI misses, fall back to
// exact-title lookup. References OpenAlex knows nothing about come back as
// stub records with a failed metadata status, so they are persisted once and
// never looked up again.
func (c *Client) ResolveCitations(ctx context.Context, citations []domain.Citation) ([]*domain.PaperRecord, error) {
	var dois []string
	for _, cit := range citations {
		if doi := NormalizeDOI(cit.DOI); doi != "" {
			dois = append(dois, doi)
		}
	}

	resolved, err := c.ResolveDOIs(ctx, dois)
	if err != nil {
		return nil, err
	}

	foundDOIs := make(map[string]struct{}, len(resolved))
	for _, record := range resolved {
		if record.DOI != "" {
			foundDOIs[record.DOI] = struct{}{}
		}
	}

	records := resolved
	seenTitles := make(map[string]struct{}, len(citations))
	for _, cit := range citations {
		if doi := NormalizeDOI(cit.DOI); doi != "" {
			if _, ok := foundDOIs[doi]; ok {
				continue
			}
		}
		if strings.TrimSpace(cit.Title) == "" {
			continue
		}
		if _, dup := seenTitles[cit.Key()]; dup {
			continue
		}
		seenTitles[cit.Key()] = struct{}{}

		record, err := c.ResolveByTitle(ctx, cit.Title)
		if err == nil {
			records = append(records, record)
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		c.logger.Debug().
			Str("title", cit.Title).
			Msg("reference not found on openalex, persisting stub")

		records = append(records, &domain.PaperRecord{
			Title:    cit.Title,
			DOI:      NormalizeDOI(cit.DOI),
			Metadata: domain.FailedStatus(http.StatusNotFound, "not found on openalex"),
		})
	}

	return records, nil
}

// list performs one GET against the works endpoint.
func (c *Client) list(ctx context.Context, endpoint string, params url.Values) (*listResponse, error) {
	if c.config.Metrics != nil {
		c.config.Metrics.MetadataRequests.WithLabelValues(endpoint).Inc()
	}

	baseURL, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	baseURL.Path = "/works"

	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if c.config.Email != "" {
		query.Set("mailto", c.config.Email)
	}
	if c.config.APIKey != "" {
		query.Set("api_key", c.config.APIKey)
	}
	baseURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError("OpenAlex", resp.StatusCode, string(body), nil)
	}

	var listResp listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &listResp, nil
}

// workToRecord converts an OpenAlex work to a paper record. Works without a
// title have no identity in the corpus and are dropped.
func workToRecord(w *work) *domain.PaperRecord {
	title := w.title()
	if title == "" {
		return nil
	}

	record := &domain.PaperRecord{
		Title:       title,
		DOI:         NormalizeDOI(w.DOI),
		OpenAlexURL: w.ID,
		Abstract:    reconstructAbstract(w.AbstractInvertedIndex),
		PDFURL:      w.pdfURL(),
		Metadata:    domain.Succeeded(http.StatusOK),
	}
	if w.OpenAccess != nil {
		record.OpenAccess = domain.OpenAccessFlag(w.OpenAccess.IsOA)
	}
	return record
}

// NormalizeDOI strips URL and scheme prefixes from a DOI and lowercases it.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	if doi == "" {
		return ""
	}
	doi = strings.TrimPrefix(doi, doiPrefix)
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return strings.ToLower(strings.TrimSpace(doi))
}

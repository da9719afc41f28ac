// Package rank orders a set of papers by relevance to a search query using a
// chat model prompted with their abstracts.
package rank

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/llm"
	"github.com/snowsearch/snowsearch/internal/observability"
)

// rankSystemPrompt is the one-shot instructional preamble. The
// {total_abstracts} placeholder is substituted per call so the model knows
// how many entries a complete ranking has.
const rankSystemPrompt = `You are an expert research librarian. You will be given {total_abstracts} paper ` +
	`abstracts, each preceded by an id, followed by a search description. Rank the ` +
	`abstracts from most to least relevant to the search.

Reply with a JSON object mapping rank positions to ids, starting at "1" for the
most relevant, and nothing else.

Example:
id: 3f2a91bc
Abstract:
We present a transformer-based approach to screening titles and abstracts for
inclusion in systematic reviews, halving reviewer workload.

id: 8d05c7ee
Abstract:
This paper surveys soil moisture sensing techniques for precision agriculture.

Search:
Using machine learning to reduce abstract screening effort in literature reviews.

{"1": "3f2a91bc", "2": "8d05c7ee"}`

const (
	// defaultTokensPerWord matches the average subword fan-out of common
	// tokenizers on English prose.
	defaultTokensPerWord = 1.2
	// preambleBufferModifier pads the preamble estimate when computing the
	// context window budget.
	preambleBufferModifier = 1.25

	defaultMaxAttempts = 3
	heartbeatInterval  = 5 * time.Second

	shortIDLen = 8
)

// Config controls the ranker.
type Config struct {
	// ContextWindow is the model's context window in tokens. Zero disables
	// the budget warning.
	ContextWindow int
	// TokensPerWord is the token estimate per whitespace-separated word.
	TokensPerWord float64
	// MaxAttempts bounds retries on malformed model replies.
	MaxAttempts int
}

// AbstractRanker ranks papers by prompting a chat model with their abstracts.
type AbstractRanker struct {
	client        llm.ChatClient
	budget        int
	tokensPerWord float64
	maxAttempts   int
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// New creates an AbstractRanker. The context window budget reserves room for
// the instructional preamble plus a safety buffer.
func New(client llm.ChatClient, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *AbstractRanker {
	if cfg.TokensPerWord <= 0 {
		cfg.TokensPerWord = defaultTokensPerWord
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	ranker := &AbstractRanker{
		client:        client,
		tokensPerWord: cfg.TokensPerWord,
		maxAttempts:   cfg.MaxAttempts,
		metrics:       metrics,
		logger:        logger.With().Str("component", "rank").Logger(),
	}
	if cfg.ContextWindow > 0 {
		reserved := int(math.Ceil(float64(ranker.estimateTokens(rankSystemPrompt)) * preambleBufferModifier))
		ranker.budget = cfg.ContextWindow - reserved
	}
	return ranker
}

// Model reports the chat model used for ranking.
func (r *AbstractRanker) Model() string {
	return r.client.Model()
}

// ShortID returns the per-prompt identifier for a paper, a truncated form of
// its title hash.
func ShortID(paper *domain.PaperRecord) string {
	return paper.TitleHash()[:shortIDLen]
}

// Rank returns the papers ordered from most to least relevant to the query.
//
// Zero and one-paper inputs are returned unchanged without calling the model.
// Malformed replies are retried up to the attempt limit, after which a
// RankingExceededError is returned. Papers the model omits keep their input
// order after the ranked ones.
func (r *AbstractRanker) Rank(ctx context.Context, query string, papers []*domain.PaperRecord) ([]*domain.PaperRecord, error) {
	switch len(papers) {
	case 0:
		r.logger.Warn().Msg("no abstracts provided, skipping ranking")
		return papers, nil
	case 1:
		r.logger.Info().Msg("only one abstract provided, skipping ranking")
		return papers, nil
	}

	lookup := make(map[string]*domain.PaperRecord, len(papers))
	for _, paper := range papers {
		lookup[ShortID(paper)] = paper
	}

	system := strings.ReplaceAll(rankSystemPrompt, "{total_abstracts}", strconv.Itoa(len(papers)))
	user := buildPrompt(query, papers)

	if r.budget > 0 {
		if total := r.estimateTokens(system) + r.estimateTokens(user); total > r.budget {
			r.logger.Warn().
				Int("estimated_tokens", total).
				Int("budget", r.budget).
				Msg("prompt exceeds context budget, ranking may be impacted")
		}
	}

	r.logger.Info().Int("papers", len(papers)).Msg("ranking abstracts, this may take a while")
	stop := r.startHeartbeat(ctx)
	defer stop()

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reply, err := r.chat(ctx, system, user)
		if err != nil {
			return nil, err
		}

		ranked, ok := parseRanking(reply, lookup)
		if ok {
			if len(ranked) < len(papers) {
				ranked = appendOmitted(ranked, papers)
			}
			return ranked, nil
		}

		r.logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", r.maxAttempts).
			Msg("model reply did not contain a usable ranking")
	}

	return nil, &domain.RankingExceededError{
		Model:    r.client.Model(),
		Attempts: r.maxAttempts,
	}
}

func (r *AbstractRanker) chat(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	reply, err := r.client.Chat(ctx, system, user)
	if r.metrics != nil {
		r.metrics.LLMRequestsTotal.WithLabelValues("rank", r.client.Model()).Inc()
		r.metrics.LLMRequestDuration.WithLabelValues("rank").Observe(time.Since(start).Seconds())
	}
	return reply, err
}

// startHeartbeat logs elapsed time every few seconds while a ranking call is
// in flight. The returned stop function ends the ticker goroutine.
func (r *AbstractRanker) startHeartbeat(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.logger.Info().
					Dur("elapsed", time.Since(start).Round(time.Second)).
					Msg("ranking in progress")
			}
		}
	}()
	return cancel
}

func (r *AbstractRanker) estimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) / r.tokensPerWord))
}

func buildPrompt(query string, papers []*domain.PaperRecord) string {
	var builder strings.Builder
	builder.WriteString("\n")
	for _, paper := range papers {
		builder.WriteString("id: ")
		builder.WriteString(ShortID(paper))
		builder.WriteString("\nAbstract:\n")
		builder.WriteString(strings.TrimSpace(paper.Abstract))
		builder.WriteString("\n\n")
	}
	builder.WriteString("Search:\n")
	builder.WriteString(strings.TrimSpace(query))
	return builder.String()
}

// parseRanking extracts the rank-to-id object from a model reply and maps it
// back to papers, ordered by rank position. A reply referencing an unknown id
// or using non-numeric positions is malformed.
func parseRanking(reply string, lookup map[string]*domain.PaperRecord) ([]*domain.PaperRecord, bool) {
	var parsed map[string]string
	if !llm.ExtractJSON(llm.StripFences(reply), &parsed) || len(parsed) == 0 {
		return nil, false
	}

	positions := make([]int, 0, len(parsed))
	byPosition := make(map[int]string, len(parsed))
	for key, id := range parsed {
		position, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, false
		}
		if _, known := lookup[strings.TrimSpace(id)]; !known {
			return nil, false
		}
		positions = append(positions, position)
		byPosition[position] = strings.TrimSpace(id)
	}
	sort.Ints(positions)

	ranked := make([]*domain.PaperRecord, 0, len(positions))
	seen := make(map[string]struct{}, len(positions))
	for _, position := range positions {
		id := byPosition[position]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ranked = append(ranked, lookup[id])
	}
	return ranked, true
}

// appendOmitted keeps papers the model left out of its reply, preserving
// their input order after the ranked ones.
func appendOmitted(ranked, papers []*domain.PaperRecord) []*domain.PaperRecord {
	seen := make(map[*domain.PaperRecord]struct{}, len(ranked))
	for _, paper := range ranked {
		seen[paper] = struct{}{}
	}
	for _, paper := range papers {
		if _, ok := seen[paper]; !ok {
			ranked = append(ranked, paper)
		}
	}
	return ranked
}

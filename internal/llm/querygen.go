package llm

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// queryGenSystemPrompt teaches the model to translate a natural language
// research question into an OpenAlex boolean search expression. The single
// worked example keeps replies in the expected JSON shape.
const queryGenSystemPrompt = `You are an expert research librarian. Convert the user's natural language ` +
	`description of a research topic into a boolean search query for the OpenAlex ` +
	`academic search engine.

The query may use AND, OR, NOT operators and parentheses for grouping. Quote
multi-word phrases. Keep the query focused: prefer a handful of precise terms
over long synonym chains.

Reply with a JSON object of the form {"query": "..."} and nothing else.

Example:
Natural language prompt:
I want papers about using large language models to screen abstracts for
systematic literature reviews in medicine.

{"query": "(\"large language model\" OR LLM) AND (\"systematic review\" OR \"abstract screening\") AND medicine"}`

const defaultQueryGenAttempts = 3

// QueryGenerator turns natural language prompts into boolean search queries
// using a chat model.
type QueryGenerator struct {
	client      ChatClient
	maxAttempts int
	logger      zerolog.Logger
}

// NewQueryGenerator returns a generator backed by the given chat client.
// maxAttempts values below one fall back to the default of three.
func NewQueryGenerator(client ChatClient, maxAttempts int, logger zerolog.Logger) *QueryGenerator {
	if maxAttempts < 1 {
		maxAttempts = defaultQueryGenAttempts
	}
	return &QueryGenerator{
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "querygen").Logger(),
	}
}

// Model reports the chat model used for generation.
func (g *QueryGenerator) Model() string {
	return g.client.Model()
}

// Generate produces a boolean search query for the natural language prompt.
// Malformed replies are retried up to the attempt limit, after which a
// QueryGenerationExceededError is returned.
func (g *QueryGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &domain.ValidationError{Field: "prompt", Message: "must not be empty"}
	}

	user := "Natural language prompt:\n" + prompt

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		reply, err := g.client.Chat(ctx, queryGenSystemPrompt, user)
		if err != nil {
			return "", err
		}

		query, ok := parseQueryReply(reply)
		if ok {
			g.logger.Debug().
				Int("attempt", attempt).
				Str("query", query).
				Msg("generated search query")
			return query, nil
		}

		g.logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", g.maxAttempts).
			Msg("model reply did not contain a usable query")
	}

	return "", &domain.QueryGenerationExceededError{
		Model:    g.client.Model(),
		Attempts: g.maxAttempts,
	}
}

// parseQueryReply extracts the query string from a model reply. Replies that
// use single quotes around keys are normalized before parsing.
func parseQueryReply(reply string) (string, bool) {
	reply = StripFences(reply)

	var parsed struct {
		Query string `json:"query"`
	}
	if ExtractJSON(reply, &parsed) && strings.TrimSpace(parsed.Query) != "" {
		return strings.TrimSpace(parsed.Query), true
	}

	// Some models emit {'query': '...'} despite instructions.
	normalized := strings.ReplaceAll(reply, "'", `"`)
	if ExtractJSON(normalized, &parsed) && strings.TrimSpace(parsed.Query) != "" {
		return strings.TrimSpace(parsed.Query), true
	}
	return "", false
}

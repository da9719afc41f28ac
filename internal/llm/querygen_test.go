package llm

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// scriptedChat returns canned replies in order, then repeats the last one.
type scriptedChat struct {
	replies []string
	calls   int
}

func (s *scriptedChat) Chat(_ context.Context, _, _ string) (string, error) {
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	return s.replies[idx], nil
}

func (s *scriptedChat) Provider() string { return ProviderOpenAI }
func (s *scriptedChat) Model() string    { return "gpt-4o" }

func TestQueryGeneratorGenerate(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"query": "A AND B"}`}}
	gen := NewQueryGenerator(chat, 3, zerolog.Nop())

	query, err := gen.Generate(context.Background(), "papers about A and B")
	require.NoError(t, err)
	assert.Equal(t, "A AND B", query)
	assert.Equal(t, 1, chat.calls)
}

func TestQueryGeneratorRetriesMalformedReplies(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		"I think a good query would be A AND B.",
		`{"query": ""}`,
		`Here you go: {"query": "C OR D"}`,
	}}
	gen := NewQueryGenerator(chat, 3, zerolog.Nop())

	query, err := gen.Generate(context.Background(), "some topic")
	require.NoError(t, err)
	assert.Equal(t, "C OR D", query)
	assert.Equal(t, 3, chat.calls)
}

func TestQueryGeneratorNormalizesSingleQuotes(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{'query': 'E AND F'}`}}
	gen := NewQueryGenerator(chat, 3, zerolog.Nop())

	query, err := gen.Generate(context.Background(), "topic")
	require.NoError(t, err)
	assert.Equal(t, "E AND F", query)
}

func TestQueryGeneratorStripsFences(t *testing.T) {
	chat := &scriptedChat{replies: []string{"```json\n{\"query\": \"G NOT H\"}\n```"}}
	gen := NewQueryGenerator(chat, 3, zerolog.Nop())

	query, err := gen.Generate(context.Background(), "topic")
	require.NoError(t, err)
	assert.Equal(t, "G NOT H", query)
}

func TestQueryGeneratorExceedsAttempts(t *testing.T) {
	chat := &scriptedChat{replies: []string{"not json, sorry"}}
	gen := NewQueryGenerator(chat, 3, zerolog.Nop())

	_, err := gen.Generate(context.Background(), "topic")
	require.Error(t, err)

	var exceeded *domain.QueryGenerationExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "gpt-4o", exceeded.Model)
	assert.Equal(t, 3, exceeded.Attempts)
	assert.Equal(t, 3, chat.calls)
}

func TestQueryGeneratorEmptyPrompt(t *testing.T) {
	gen := NewQueryGenerator(&scriptedChat{replies: []string{"unused"}}, 3, zerolog.Nop())

	_, err := gen.Generate(context.Background(), "   ")
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "prompt", validationErr.Field)
}

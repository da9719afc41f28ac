package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/papersources"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		RateLimit: 1000,
		BurstSize: 1000,
	})
	client := NewWithHTTPClient(Config{
		BaseURL: server.URL,
		Email:   "reviewer@example.org",
	}, httpClient, zerolog.Nop())
	return client, server
}

func writeList(t *testing.T, w http.ResponseWriter, resp listResponse) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func makeWork(id, title, doi string) work {
	return work{
		ID:          id,
		DisplayName: title,
		DOI:         doi,
	}
}

func TestSearchPagesThroughCursor(t *testing.T) {
	var requests []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/works", r.URL.Path)
		assert.Equal(t, "title_and_abstract.search:graph neural networks", r.URL.Query().Get("filter"))
		assert.Equal(t, "200", r.URL.Query().Get("per_page"))
		assert.Equal(t, "reviewer@example.org", r.URL.Query().Get("mailto"))

		cursor := r.URL.Query().Get("cursor")
		requests = append(requests, cursor)

		switch cursor {
		case "*":
			writeList(t, w, listResponse{
				Meta:    meta{Count: 3, NextCursor: "page2"},
				Results: []work{makeWork("https://openalex.org/W1", "Paper One", ""), makeWork("https://openalex.org/W2", "Paper Two", "")},
			})
		case "page2":
			writeList(t, w, listResponse{
				Meta:    meta{Count: 3, NextCursor: "page3"},
				Results: []work{makeWork("https://openalex.org/W3", "Paper Three", "")},
			})
		default:
			writeList(t, w, listResponse{Meta: meta{Count: 3}})
		}
	}))

	var pages []SearchPage
	total, err := client.Search(context.Background(), "graph neural networks", func(page SearchPage) error {
		pages = append(pages, page)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"*", "page2", "page3"}, requests)

	require.Len(t, pages, 2)
	assert.Equal(t, 0, pages[0].Offset)
	assert.Len(t, pages[0].Papers, 2)
	assert.Equal(t, 2, pages[1].Offset)
	assert.Len(t, pages[1].Papers, 1)
	assert.Equal(t, "Paper Three", pages[1].Papers[0].Title)
}

func TestSearchCallbackErrorAbortsWalk(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeList(t, w, listResponse{
			Meta:    meta{Count: 100, NextCursor: "more"},
			Results: []work{makeWork("https://openalex.org/W1", "Paper", "")},
		})
	}))

	wantErr := fmt.Errorf("sink full")
	_, err := client.Search(context.Background(), "anything", func(SearchPage) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestSearchEmptyQuery(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))

	_, err := client.Search(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResolveDOIs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		require.True(t, strings.HasPrefix(filter, "doi:"), "filter %q", filter)

		dois := strings.Split(strings.TrimPrefix(filter, "doi:"), "|")
		assert.ElementsMatch(t, []string{"10.1/a", "10.2/b"}, dois)

		writeList(t, w, listResponse{
			Meta:    meta{Count: 1},
			Results: []work{makeWork("https://openalex.org/W1", "Known Paper", "https://doi.org/10.1/a")},
		})
	}))

	records, err := client.ResolveDOIs(context.Background(), []string{
		"https://doi.org/10.1/A",
		"doi:10.2/b",
		"10.1/a", // duplicate after normalization
		"",
	})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "Known Paper", records[0].Title)
	assert.Equal(t, "10.1/a", records[0].DOI)
	assert.True(t, records[0].Metadata.Succeeded())
}

func TestResolveDOIsBatches(t *testing.T) {
	var batchSizes []int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := strings.TrimPrefix(r.URL.Query().Get("filter"), "doi:")
		batchSizes = append(batchSizes, len(strings.Split(filter, "|")))
		writeList(t, w, listResponse{})
	}))

	dois := make([]string, 0, 120)
	for i := 0; i < 120; i++ {
		dois = append(dois, fmt.Sprintf("10.1234/paper-%d", i))
	}

	_, err := client.ResolveDOIs(context.Background(), dois)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{50, 50, 20}, batchSizes)
}

func TestResolveByTitle(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		assert.Equal(t, "title.search:Attention Is All You Need", filter, "commas must be stripped")

		writeList(t, w, listResponse{
			Meta: meta{Count: 2},
			Results: []work{
				makeWork("https://openalex.org/W1", "Attention Is Not All You Need", ""),
				makeWork("https://openalex.org/W2", "attention is all you need", ""),
			},
		})
	}))

	record, err := client.ResolveByTitle(context.Background(), "Attention, Is All You Need")
	require.NoError(t, err)
	assert.Equal(t, "https://openalex.org/W2", record.OpenAlexURL)
}

func TestResolveByTitleNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeList(t, w, listResponse{
			Meta:    meta{Count: 1},
			Results: []work{makeWork("https://openalex.org/W1", "A Different Paper", "")},
		})
	}))

	_, err := client.ResolveByTitle(context.Background(), "The Missing Paper")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveCitations(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		switch {
		case strings.HasPrefix(filter, "doi:"):
			writeList(t, w, listResponse{
				Meta:    meta{Count: 1},
				Results: []work{makeWork("https://openalex.org/W1", "Resolved By DOI", "https://doi.org/10.1/a")},
			})
		case strings.HasPrefix(filter, "title.search:Found By Title"):
			writeList(t, w, listResponse{
				Meta:    meta{Count: 1},
				Results: []work{makeWork("https://openalex.org/W2", "Found By Title", "")},
			})
		default:
			writeList(t, w, listResponse{})
		}
	}))

	citations := []domain.Citation{
		{Title: "Some Citing Reference", DOI: "10.1/a"},
		{Title: "Found By Title"},
		{Title: "Totally Unknown Paper"},
	}

	records, err := client.ResolveCitations(context.Background(), citations)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byTitle := make(map[string]*domain.PaperRecord, len(records))
	for _, record := range records {
		byTitle[record.Title] = record
	}

	assert.True(t, byTitle["Resolved By DOI"].Metadata.Succeeded())
	assert.True(t, byTitle["Found By Title"].Metadata.Succeeded())

	stub := byTitle["Totally Unknown Paper"]
	require.NotNil(t, stub)
	assert.True(t, stub.Metadata.Failed())
	assert.Equal(t, http.StatusNotFound, stub.Metadata.Code)
}

func TestListAPIError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("rate limit plan exceeded"))
	}))

	_, err := client.Search(context.Background(), "anything", nil)
	require.Error(t, err)

	var apiErr *domain.ExternalAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "OpenAlex", apiErr.Source)
}

func TestNormalizeDOI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://doi.org/10.1234/ABC", "10.1234/abc"},
		{"http://doi.org/10.1234/abc", "10.1234/abc"},
		{"doi:10.1234/abc", "10.1234/abc"},
		{"  10.1234/abc  ", "10.1234/abc"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDOI(tt.in), "input %q", tt.in)
	}
}

func TestReconstructAbstract(t *testing.T) {
	index := map[string][]int{
		"snowballing": {0, 4},
		"finds":       {1},
		"papers":      {2},
		"that":        {3},
	}
	assert.Equal(t, "snowballing finds papers that snowballing", reconstructAbstract(index))

	assert.Empty(t, reconstructAbstract(nil))
	assert.Empty(t, reconstructAbstract(map[string][]int{}))
}

func TestWorkToRecord(t *testing.T) {
	oa := &openAccess{IsOA: true, OAURL: "https://example.org/paper.pdf"}
	w := work{
		ID:          "https://openalex.org/W9",
		DisplayName: "A Paper",
		DOI:         "https://doi.org/10.5/xyz",
		OpenAccess:  oa,
		AbstractInvertedIndex: map[string][]int{
			"short": {0}, "abstract": {1},
		},
	}

	record := workToRecord(&w)
	require.NotNil(t, record)
	assert.Equal(t, "A Paper", record.Title)
	assert.Equal(t, "10.5/xyz", record.DOI)
	assert.Equal(t, "https://openalex.org/W9", record.OpenAlexURL)
	assert.Equal(t, "short abstract", record.Abstract)
	assert.Equal(t, "https://example.org/paper.pdf", record.PDFURL)
	require.NotNil(t, record.OpenAccess)
	assert.True(t, *record.OpenAccess)

	assert.Nil(t, workToRecord(&work{ID: "https://openalex.org/W10"}), "untitled works are dropped")
}

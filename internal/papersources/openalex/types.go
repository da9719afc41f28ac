// Package openalex provides a client for the OpenAlex works API.
//
// OpenAlex is a free catalog of scholarly works. The client covers the three
// lookups the review pipeline needs: full-text search with cursor paging,
// bulk DOI resolution, and exact-title fallback for references that carry no
// DOI.
//
// API documentation: https://docs.openalex.org/
package openalex

import (
	"sort"
	"strings"
)

// listResponse is the top-level response of the works list endpoint.
type listResponse struct {
	Meta    meta   `json:"meta"`
	Results []work `json:"results"`
}

// meta carries result counts and the cursor for the next page.
type meta struct {
	Count      int    `json:"count"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	NextCursor string `json:"next_cursor"`
}

// work is an OpenAlex scholarly work, reduced to the fields the pipeline
// consumes.
type work struct {
	ID              string      `json:"id"`
	DOI             string      `json:"doi"`
	Title           string      `json:"title"`
	DisplayName     string      `json:"display_name"`
	OpenAccess      *openAccess `json:"open_access"`
	PrimaryLocation *location   `json:"primary_location"`
	BestOALocation  *location   `json:"best_oa_location"`

	// Abstracts arrive as an inverted index mapping words to positions.
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

// openAccess holds the open-access state of a work.
type openAccess struct {
	IsOA     bool   `json:"is_oa"`
	OAURL    string `json:"oa_url"`
	OAStatus string `json:"oa_status"`
}

// location is one place a work is available.
type location struct {
	PDFURL      string `json:"pdf_url"`
	LandingPage string `json:"landing_page_url"`
	Version     string `json:"version"`
}

// title returns the work title, preferring display_name which is usually the
// cleaner of the two fields.
func (w *work) title() string {
	if w.DisplayName != "" {
		return w.DisplayName
	}
	return w.Title
}

// pdfURL returns the best available PDF link for a work.
func (w *work) pdfURL() string {
	if w.BestOALocation != nil && w.BestOALocation.PDFURL != "" {
		return w.BestOALocation.PDFURL
	}
	if w.OpenAccess != nil && w.OpenAccess.OAURL != "" {
		return w.OpenAccess.OAURL
	}
	if w.PrimaryLocation != nil && w.PrimaryLocation.PDFURL != "" {
		return w.PrimaryLocation.PDFURL
	}
	return ""
}

// maxAbstractWords bounds inverted-index reconstruction against oversized
// payloads.
const maxAbstractWords = 100_000

// reconstructAbstract rebuilds abstract text from OpenAlex's inverted index.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}

	totalPairs := 0
	for _, positions := range invertedIndex {
		totalPairs += len(positions)
	}
	if totalPairs > maxAbstractWords {
		return ""
	}

	pairs := make([]posWord, 0, totalPairs)
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].pos < pairs[j].pos
	})

	var builder strings.Builder
	builder.Grow(totalPairs * 7)
	for i, pair := range pairs {
		if i > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(pair.word)
	}

	return builder.String()
}

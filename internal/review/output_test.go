package review

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/store"
)

func TestWriteRankedJSON(t *testing.T) {
	papers := []*domain.PaperRecord{
		{Title: "Best Match", DOI: "10.1/best", PDFURL: "https://example.org/best.pdf", Abstract: "The best."},
		{Title: "Second Match"},
	}

	path, err := WriteRankedJSON(filepath.Join(t.TempDir(), "results"), "the question", "gpt-4o", papers)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".json"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var report rankingReport
	require.NoError(t, json.Unmarshal(raw, &report))

	assert.Equal(t, "the question", report.OriginalSearch)
	assert.Equal(t, "gpt-4o", report.Model)
	require.Len(t, report.Rankings, 2)
	assert.Equal(t, "Best Match", report.Rankings["1"].Title)
	assert.Equal(t, "10.1/best", report.Rankings["1"].DOI)
	assert.Equal(t, "Second Match", report.Rankings["2"].Title)
	assert.False(t, report.Generated.IsZero())
}

func TestPrintRanked(t *testing.T) {
	var out strings.Builder
	PrintRanked(&out, "the question", []*domain.PaperRecord{
		{Title: "First Paper", DOI: "10.1/a", Abstract: "Short abstract."},
		{Title: "Second Paper"},
	}, true)

	text := out.String()
	assert.Contains(t, text, "Original search: the question")
	assert.Contains(t, text, "First Paper")
	assert.Contains(t, text, "10.1/a")
	assert.Contains(t, text, "== Abstract ==")
	assert.Contains(t, text, "Short abstract.")
	// The paper without an abstract gets no abstract block.
	assert.NotContains(t, text, "2: Second Paper")
}

func TestPrintSearchResults(t *testing.T) {
	var out strings.Builder
	PrintSearchResults(&out, []store.ScoredPaper{
		{
			Paper:         &domain.PaperRecord{Title: "Hit", DOI: "10.1/hit"},
			TitleScore:    0.914,
			AbstractScore: 0.5,
		},
		{Paper: &domain.PaperRecord{Title: "No Scores"}},
	})

	text := out.String()
	assert.Contains(t, text, "91.4%")
	assert.Contains(t, text, "50.0%")
	assert.Contains(t, text, "No Scores")
}

func TestPrintPaperDetail(t *testing.T) {
	var out strings.Builder
	open := true
	PrintPaperDetail(&out, &domain.PaperRecord{
		Title:      "Inspected Paper",
		OpenAccess: &open,
		Metadata:   domain.Succeeded(200),
		Download:   domain.FailedStatus(403, "forbidden"),
		Abstract:   "Inspect me.",
	}, []*domain.PaperRecord{{Title: "Cited"}})

	text := out.String()
	assert.Contains(t, text, "Inspected Paper")
	assert.Contains(t, text, "true")
	assert.Contains(t, text, "403 (forbidden)")
	assert.Contains(t, text, "not attempted")
	assert.Contains(t, text, "Citations")
	assert.Contains(t, text, "Inspect me.")
}

func TestWrapText(t *testing.T) {
	wrapped := wrapText(strings.Repeat("word ", 30), 20)
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), 20)
	}
	assert.Empty(t, wrapText("   ", 20))
}

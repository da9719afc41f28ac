package review

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/store"
)

// rankedEntry is one ranked paper in the JSON report.
type rankedEntry struct {
	Title    string `json:"title"`
	DOI      string `json:"doi,omitempty"`
	URL      string `json:"url,omitempty"`
	OpenAlex string `json:"openalex,omitempty"`
	Abstract string `json:"abstract,omitempty"`
}

// rankingReport is the JSON output of a ranked session.
type rankingReport struct {
	Generated      time.Time              `json:"generated"`
	Model          string                 `json:"model,omitempty"`
	OriginalSearch string                 `json:"original_search"`
	Rankings       map[string]rankedEntry `json:"rankings"`
}

// WriteRankedJSON writes ranked papers to a JSON file, appending a .json
// extension when the path lacks one. It returns the path written.
func WriteRankedJSON(path, nlQuery, model string, papers []*domain.PaperRecord) (string, error) {
	rankings := make(map[string]rankedEntry, len(papers))
	for i, paper := range papers {
		rankings[strconv.Itoa(i+1)] = rankedEntry{
			Title:    paper.Title,
			DOI:      paper.DOI,
			URL:      paper.PDFURL,
			OpenAlex: paper.OpenAlexURL,
			Abstract: paper.Abstract,
		}
	}

	report := rankingReport{
		Generated:      time.Now().UTC(),
		Model:          model,
		OriginalSearch: nlQuery,
		Rankings:       rankings,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}

	if !strings.HasSuffix(path, ".json") {
		path += ".json"
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("failed to write results: %w", err)
	}
	return path, nil
}

// PrintRanked writes a ranked paper list to w, most relevant first, with
// each abstract below its table row when includeAbstract is set.
func PrintRanked(w io.Writer, nlQuery string, papers []*domain.PaperRecord, includeAbstract bool) {
	if nlQuery != "" {
		fmt.Fprintf(w, "Original search: %s\n\n", strings.TrimSpace(nlQuery))
	}

	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "RANK\tTITLE\tDOI\tURL")
	for i, paper := range papers {
		fmt.Fprintf(table, "%d\t%s\t%s\t%s\n", i+1, paper.Title, orDash(paper.DOI), orDash(paper.PDFURL))
	}
	table.Flush()

	if !includeAbstract {
		return
	}
	for i, paper := range papers {
		if paper.Abstract == "" {
			continue
		}
		fmt.Fprintf(w, "\n%d: %s\n== Abstract ==\n%s\n", i+1, paper.Title, wrapText(paper.Abstract, 100))
	}
}

// PrintSearchResults writes scored search hits to w as a table.
func PrintSearchResults(w io.Writer, hits []store.ScoredPaper) {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "TITLE\tTITLE MATCH\tABSTRACT MATCH\tDOI\tURL")
	for _, hit := range hits {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
			hit.Paper.Title,
			formatScore(hit.TitleScore),
			formatScore(hit.AbstractScore),
			orDash(hit.Paper.DOI),
			orDash(hit.Paper.PDFURL),
		)
	}
	table.Flush()
}

// PrintPaperDetail writes one paper's stored fields to w.
func PrintPaperDetail(w io.Writer, paper *domain.PaperRecord, citations []*domain.PaperRecord) {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(table, "Title\t%s\n", paper.Title)
	fmt.Fprintf(table, "DOI\t%s\n", orDash(paper.DOI))
	fmt.Fprintf(table, "OpenAlex\t%s\n", orDash(paper.OpenAlexURL))
	fmt.Fprintf(table, "PDF\t%s\n", orDash(paper.PDFURL))
	fmt.Fprintf(table, "Open access\t%s\n", formatOpenAccess(paper.OpenAccess))
	fmt.Fprintf(table, "Metadata\t%s\n", formatStatus(paper.Metadata))
	fmt.Fprintf(table, "Download\t%s\n", formatStatus(paper.Download))
	fmt.Fprintf(table, "Extraction\t%s\n", formatStatus(paper.Extraction))
	fmt.Fprintf(table, "Citations\t%d\n", len(citations))
	table.Flush()

	if paper.Abstract != "" {
		fmt.Fprintf(w, "\n== Abstract ==\n%s\n", wrapText(paper.Abstract, 100))
	}
}

func formatScore(score float32) string {
	if score == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*score)
}

func formatOpenAccess(flag *bool) string {
	if flag == nil {
		return "unknown"
	}
	return strconv.FormatBool(*flag)
}

func formatStatus(status domain.CallStatus) string {
	if !status.Attempted() {
		return "not attempted"
	}
	if status.Message != "" {
		return fmt.Sprintf("%d (%s)", status.Code, status.Message)
	}
	return strconv.Itoa(status.Code)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// wrapText rewraps text to at most width characters per line, breaking on
// word boundaries.
func wrapText(text string, width int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var builder strings.Builder
	lineLen := 0
	for i, word := range words {
		if i > 0 {
			if lineLen+1+len(word) > width {
				builder.WriteByte('\n')
				lineLen = 0
			} else {
				builder.WriteByte(' ')
				lineLen++
			}
		}
		builder.WriteString(word)
		lineLen += len(word)
	}
	return builder.String()
}

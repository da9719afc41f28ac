package domain

// Citation is a reference harvested from a citing paper's extracted full text.
// Title and DOI capture what was known at extraction time; the reference may
// later resolve to a canonical PaperRecord with richer metadata. A citation
// edge (citing paper → cited paper) is created once and never mutated.
type Citation struct {
	Title string
	DOI   string
}

// Key returns the citation's identity, the normalized hash of the cited title.
// Two citing papers referencing the same work produce the same key, which is
// how fan-in is counted.
func (c Citation) Key() string { return NormalizeTitleHash(c.Title) }

// RankedCitation pairs an unresolved cited paper with its in-degree across the
// corpus. Higher fan-in suggests a more central candidate.
type RankedCitation struct {
	Paper     *PaperRecord
	Citations int
}

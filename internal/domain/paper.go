// Package domain defines the core entities of the snowball literature review:
// papers, citation edges, review runs, and the error taxonomy shared by the
// store, the metadata client, and the snowball engine.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// titleHashNamespace is the UUIDv5 namespace used to derive deterministic
// vector-index point IDs from title hashes.
var titleHashNamespace = uuid.MustParse("8b1e7a52-9f34-4c11-ae6d-2d1c5b7f0a93")

// NormalizeTitleHash returns the canonical identity hash for a paper title.
// The title is lowercased, punctuation is stripped, and runs of whitespace are
// collapsed before hashing, so trivially different renderings of the same
// title ("Deep Learning:  A Survey" vs "deep learning - a survey") resolve to
// the same record.
func NormalizeTitleHash(title string) string {
	var sb strings.Builder
	sb.Grow(len(title))
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	normalized := strings.TrimSpace(sb.String())
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// PointID returns the deterministic vector-store point ID for a title hash.
func PointID(titleHash string) uuid.UUID {
	return uuid.NewSHA1(titleHashNamespace, []byte(titleHash))
}

// CallStatus records the outcome of one external call against a paper:
// metadata lookup, PDF download, or full-text extraction. The zero value means
// the call has not been attempted. A non-zero Code is an HTTP-style status;
// Message carries the failure detail for non-2xx outcomes.
type CallStatus struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Attempted reports whether the call has been made at all.
func (s CallStatus) Attempted() bool { return s.Code != 0 }

// Succeeded reports whether the call completed with a 2xx status.
func (s CallStatus) Succeeded() bool { return s.Code >= 200 && s.Code < 300 }

// Failed reports whether the call was attempted and did not succeed.
func (s CallStatus) Failed() bool { return s.Attempted() && !s.Succeeded() }

// Succeeded builds a successful CallStatus.
func Succeeded(code int) CallStatus { return CallStatus{Code: code} }

// FailedStatus builds a failed CallStatus with an error message.
func FailedStatus(code int, message string) CallStatus {
	return CallStatus{Code: code, Message: message}
}

// PaperRecord represents an academic paper in the review corpus.
//
// Identity is the normalized-title hash (see NormalizeTitleHash); a record is
// created on first discovery, mutated incrementally as each external call
// completes or fails, and never deleted. The three CallStatus fields are
// independent: a paper can have resolved metadata, a failed download, and an
// unattempted extraction at the same time.
type PaperRecord struct {
	Title       string
	DOI         string
	OpenAlexURL string
	Abstract    string

	// OpenAccess is nil while the open-access state is unknown.
	OpenAccess *bool
	PDFURL     string

	Metadata   CallStatus
	Download   CallStatus
	Extraction CallStatus

	TimeAdded     time.Time
	TimeExtracted *time.Time

	// TitleEmbedding and AbstractEmbedding are cosine-comparable vectors of a
	// fixed configured dimension, computed lazily once text is available.
	TitleEmbedding    []float32
	AbstractEmbedding []float32
}

// TitleHash returns the record's identity hash.
func (p *PaperRecord) TitleHash() string {
	return NormalizeTitleHash(p.Title)
}

// Unprocessed reports whether the paper has a known PDF but no download or
// extraction attempt yet. These are the candidates each snowball round pulls
// from.
func (p *PaperRecord) Unprocessed() bool {
	return p.PDFURL != "" && !p.Download.Attempted() && !p.Extraction.Attempted()
}

// IsOpenAccess reports the open-access flag, treating unknown as false.
func (p *PaperRecord) IsOpenAccess() bool {
	return p.OpenAccess != nil && *p.OpenAccess
}

// OpenAccessFlag wraps a known open-access state for assignment to
// PaperRecord.OpenAccess.
func OpenAccessFlag(oa bool) *bool { return &oa }

// Merge coalesces an incoming record into an existing one with the same
// identity. Regular fields keep the existing value when already set and take
// the incoming value otherwise, so repeated upserts never lose data. Status
// fields are the exception: an attempted incoming status always overwrites,
// since status transitions are explicit updates. The inputs are not modified.
func Merge(existing, incoming *PaperRecord) *PaperRecord {
	merged := *existing

	merged.DOI = coalesce(existing.DOI, incoming.DOI)
	merged.OpenAlexURL = coalesce(existing.OpenAlexURL, incoming.OpenAlexURL)
	merged.Abstract = coalesce(existing.Abstract, incoming.Abstract)
	merged.PDFURL = coalesce(existing.PDFURL, incoming.PDFURL)

	if merged.OpenAccess == nil {
		merged.OpenAccess = incoming.OpenAccess
	}
	if merged.TimeAdded.IsZero() {
		merged.TimeAdded = incoming.TimeAdded
	}
	if merged.TimeExtracted == nil {
		merged.TimeExtracted = incoming.TimeExtracted
	}
	if merged.TitleEmbedding == nil {
		merged.TitleEmbedding = incoming.TitleEmbedding
	}
	if merged.AbstractEmbedding == nil {
		merged.AbstractEmbedding = incoming.AbstractEmbedding
	}

	if incoming.Metadata.Attempted() {
		merged.Metadata = incoming.Metadata
	}
	if incoming.Download.Attempted() {
		merged.Download = incoming.Download
	}
	if incoming.Extraction.Attempted() {
		merged.Extraction = incoming.Extraction
	}

	return &merged
}

func coalesce(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

package domain

import "time"

// Run is one literature-review session. A run is created when the session
// starts, updated with the query once it is generated or supplied, and is
// implicitly closed when all its work has been committed.
type Run struct {
	// ID is a monotonic session identifier assigned by the store.
	ID int64

	StartedAt time.Time

	// NLQuery is the natural-language research question driving the session.
	NLQuery string

	// Query is the boolean search expression executed against the metadata
	// catalog, either generated from NLQuery or supplied directly.
	Query string

	// QueryModel names the model that generated Query; empty when the query
	// was user-provided.
	QueryModel string
}

// RankedSeed pairs a seed paper with its rank-at-discovery, the position the
// source catalog returned it at. Rank is ordering provenance, not a relevance
// score.
type RankedSeed struct {
	Paper *PaperRecord
	Rank  int
}

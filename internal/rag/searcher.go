// Package rag defines the retrieval black box the CRA-Rules stage (C7)
// queries for supporting guide excerpts, plus a default embedded
// implementation. The interface is intentionally the only contract the
// rest of the core depends on — a remote retrieval service can be bound in
// its place without touching C7. See SPEC_FULL.md §4.7.
package rag

import "context"

// Result is one retrieved CRA guide excerpt, ranked by relevance.
type Result struct {
	CitationID     string  `json:"citation_id"`
	SourceURL      string  `json:"source_url"`
	ContentExcerpt string  `json:"content_excerpt"`
	Score          float64 `json:"score"`
}

// Searcher retrieves the top-k most relevant guide excerpts for a query
// describing a line item (its description plus category hints).
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Result, error)
}

package rag

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"
)

const collectionName = "cra-deduction-guide"

// EmbeddedSearcher is the default Searcher, backed by an in-process
// chromem-go vector store over the bundled CRA guide corpus. See
// SPEC_FULL.md §4.7.
type EmbeddedSearcher struct {
	collection *chromem.Collection
}

// NewEmbeddedSearcher builds the vector store and indexes the bundled
// corpus. apiKey is used only for the embedding calls, via the same
// OpenAI-compatible provider as the categorization stage.
func NewEmbeddedSearcher(ctx context.Context, apiKey, embeddingModel string) (*EmbeddedSearcher, error) {
	embeddingFunc := chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModel(embeddingModel))
	return newEmbeddedSearcher(ctx, embeddingFunc)
}

// newEmbeddedSearcher builds the vector store against an arbitrary
// embedding function, letting tests substitute a deterministic local
// embedding instead of calling out to a real provider.
func newEmbeddedSearcher(ctx context.Context, embeddingFunc chromem.EmbeddingFunc) (*EmbeddedSearcher, error) {
	db := chromem.NewDB()

	collection, err := db.CreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create rag collection: %w", err)
	}

	docs := make([]chromem.Document, 0, len(bundledCorpus))
	for _, excerpt := range bundledCorpus {
		docs = append(docs, chromem.Document{
			ID:      excerpt.id,
			Content: excerpt.content,
			Metadata: map[string]string{
				"source_url": excerpt.url,
			},
		})
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("index rag corpus: %w", err)
	}

	return &EmbeddedSearcher{collection: collection}, nil
}

// Search returns the topK most relevant guide excerpts for query.
func (s *EmbeddedSearcher) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK > s.collection.Count() {
		topK = s.collection.Count()
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("rag query: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			CitationID:     r.ID,
			SourceURL:      r.Metadata["source_url"],
			ContentExcerpt: r.Content,
			Score:          float64(r.Similarity),
		})
	}
	return out, nil
}

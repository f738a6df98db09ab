package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagOfWordsEmbedding is a deterministic, offline stand-in for a real
// embedding model: each dimension is a fixed vocabulary term's presence
// count. It's good enough to prove retrieval ranks a relevant excerpt
// above an irrelevant one without any network access, which is all these
// tests need.
var vocabulary = []string{
	"meals", "entertainment", "travel", "lodging", "vehicle", "fuel",
	"office", "supplies", "capital", "gst", "hst", "professional", "fees",
	"tax", "deduct", "business",
}

func bagOfWordsEmbedding(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(vocabulary))
	for i, term := range vocabulary {
		if strings.Contains(lower, term) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func TestEmbeddedSearcher_RanksRelevantExcerptFirst(t *testing.T) {
	ctx := context.Background()
	searcher, err := newEmbeddedSearcher(ctx, chromem.EmbeddingFunc(bagOfWordsEmbedding))
	require.NoError(t, err)

	results, err := searcher.Search(ctx, "hotel lodging travel expense", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "cra-t4002-travel-lodging", results[0].CitationID)
	assert.NotEmpty(t, results[0].SourceURL)
}

func TestEmbeddedSearcher_TopKClampedToCorpusSize(t *testing.T) {
	ctx := context.Background()
	searcher, err := newEmbeddedSearcher(ctx, chromem.EmbeddingFunc(bagOfWordsEmbedding))
	require.NoError(t, err)

	results, err := searcher.Search(ctx, "meals", 1000)
	require.NoError(t, err)
	assert.Equal(t, len(bundledCorpus), len(results))
}

func TestEmbeddedSearcher_ZeroTopKReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	searcher, err := newEmbeddedSearcher(ctx, chromem.EmbeddingFunc(bagOfWordsEmbedding))
	require.NoError(t, err)

	results, err := searcher.Search(ctx, "meals", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

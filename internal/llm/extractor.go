package llm

import (
	"context"

	"github.com/craexpense/receipt-processor/internal/fileproc"
)

// Extractor binds a Client and model to satisfy the orchestrator's
// extraction collaborator interface, so the orchestrator can be tested
// against a fake without touching the concrete openai-go client.
type Extractor struct {
	client *Client
	model  string
}

// NewExtractor constructs an Extractor for the data-extraction stage (C6).
func NewExtractor(client *Client, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Extract runs the vision extraction call. See Extract (package function)
// for the retry and parsing contract.
func (e *Extractor) Extract(ctx context.Context, img fileproc.CanonicalImage) (*ExtractionResult, error) {
	return Extract(ctx, e.client, e.model, img)
}

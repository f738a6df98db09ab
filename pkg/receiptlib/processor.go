package receiptlib

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/craexpense/receipt-processor/internal/audit"
	"github.com/craexpense/receipt-processor/internal/fileproc"
	"github.com/craexpense/receipt-processor/internal/llm"
	"github.com/craexpense/receipt-processor/internal/orchestrator"
	"github.com/craexpense/receipt-processor/internal/rag"
	"github.com/craexpense/receipt-processor/internal/ratelimit"
	"github.com/craexpense/receipt-processor/internal/rules"
)

// Options configures a Processor. It mirrors the subset of
// internal/config.Config an embedder needs to construct the pipeline
// without an accounting integration or a CLI/HTTP front end.
type Options struct {
	// LLMAPIKey authorizes extraction and categorization calls. Required.
	LLMAPIKey string
	// LLMBaseURL defaults to the provider's standard endpoint when empty.
	LLMBaseURL string
	// LLMExtractionModel and LLMCategorizeModel select the vision and
	// text models used at each stage; both fall back to the package's
	// published defaults when empty.
	LLMExtractionModel string
	LLMCategorizeModel string

	// RulesPath points at the CRA rule set. Required.
	RulesPath string
	// DataDir holds rate limiter state and the audit trail. Required.
	DataDir string

	// RateLimitRPM and RateLimitRPD bound outbound LLM calls. Both caps
	// are always enforced; a zero value admits no calls at all.
	RateLimitRPM int
	RateLimitRPD int
	// RateLimitReferenceZone is the IANA zone the daily quota resets in.
	RateLimitReferenceZone string

	// EnableSemanticSearch builds a retrieval-augmented rule searcher
	// alongside the rule engine. Disabled by default since it issues its
	// own embedding calls against LLMAPIKey.
	EnableSemanticSearch bool
}

// DefaultOptions returns Options with the package's published model
// defaults and a DataDir/RulesPath the caller is expected to override.
func DefaultOptions(llmAPIKey string) Options {
	return Options{
		LLMAPIKey:          llmAPIKey,
		LLMExtractionModel: "gpt-4o",
		LLMCategorizeModel: "gpt-4o-mini",
		DataDir:            "./data",
		RulesPath:          "./rules.toml",
		RateLimitRPM:       30,
		RateLimitRPD:       1000,
	}
}

// Processor runs one receipt through extraction and CRA categorization
// without an accounting write or a CLI/HTTP surface. It wraps the same
// orchestrator the receipt-processor command and its HTTP server use.
type Processor struct {
	orch *orchestrator.Orchestrator
}

// NewProcessor builds a Processor from opts. The accounting write stage
// is always skipped; embedders that also need the accounting integration
// should use internal/server or the CLI's upload/batch commands instead.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.LLMAPIKey == "" {
		return nil, fmt.Errorf("receiptlib: LLMAPIKey is required")
	}
	if opts.RulesPath == "" {
		return nil, fmt.Errorf("receiptlib: RulesPath is required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("receiptlib: DataDir is required")
	}

	ruleSet, err := rules.LoadFile(opts.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("receiptlib: load rules: %w", err)
	}
	engine := rules.NewEngine(ruleSet)

	llmLimiter, err := ratelimit.New(ratelimit.Config{
		Provider:      "llm",
		StatePath:     filepath.Join(opts.DataDir, "rate_limiter_llm.json"),
		RPM:           opts.RateLimitRPM,
		RPD:           opts.RateLimitRPD,
		ReferenceZone: opts.RateLimitReferenceZone,
	})
	if err != nil {
		return nil, fmt.Errorf("receiptlib: construct rate limiter: %w", err)
	}

	llmOpts := []llm.ClientOption{llm.WithRateLimiter(llmLimiter)}
	if opts.LLMBaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(opts.LLMBaseURL))
	}
	llmClient := llm.NewClient(opts.LLMAPIKey, llmOpts...)
	extractionModel := opts.LLMExtractionModel
	if extractionModel == "" {
		extractionModel = llm.ModelExtraction
	}
	extractor := llm.NewExtractor(llmClient, extractionModel)

	var searcher rag.Searcher
	if opts.EnableSemanticSearch {
		embedded, err := rag.NewEmbeddedSearcher(context.Background(), opts.LLMAPIKey, opts.LLMCategorizeModel)
		if err != nil {
			return nil, fmt.Errorf("receiptlib: construct semantic searcher: %w", err)
		}
		searcher = embedded
	}
	categorizer := llm.NewCategorizer(llmClient, opts.LLMCategorizeModel, searcher)
	ruleCategorizer := rules.NewCategorizer(engine)

	auditLogger, err := audit.NewLogger(filepath.Join(opts.DataDir, "audit"))
	if err != nil {
		return nil, fmt.Errorf("receiptlib: construct audit logger: %w", err)
	}

	return &Processor{
		orch: orchestrator.New(fileproc.NewProcessor(), extractor, categorizer, ruleCategorizer, nil, auditLogger),
	}, nil
}

// Process runs content (the raw bytes of a PDF, PNG, or JPEG receipt)
// through extraction and categorization, scoped by ruleCtx's vendor and
// province. correlationID, if empty, is generated by the orchestrator.
func (p *Processor) Process(ctx context.Context, content []byte, ruleCtx Context, correlationID string) (*CategorizedReceipt, error) {
	outcome := p.orch.Process(ctx, content, ruleCtx, correlationID, true, false)
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Result, nil
}

// ProcessBatch runs each of contents through Process concurrently,
// returning one result or error per input in the corresponding slot.
func (p *Processor) ProcessBatch(ctx context.Context, contents [][]byte, ruleCtx Context) []BatchResult {
	results := make([]BatchResult, len(contents))
	done := make(chan int, len(contents))

	for i, content := range contents {
		go func(idx int, c []byte) {
			cr, err := p.Process(ctx, c, ruleCtx, "")
			results[idx] = BatchResult{Receipt: cr, Err: err}
			done <- idx
		}(i, content)
	}
	for range contents {
		<-done
	}
	return results
}

// BatchResult is one input's outcome from ProcessBatch.
type BatchResult struct {
	Receipt *CategorizedReceipt
	Err     error
}

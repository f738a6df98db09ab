package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/money"
	"github.com/craexpense/receipt-processor/internal/rag"
	"github.com/craexpense/receipt-processor/internal/rules"
)

// ragTopK is the number of guide excerpts retrieved per line item. See
// spec.md §4.7.
const ragTopK = 3

// categorizationBatchResponse is the single-call-per-receipt shape the LLM
// returns; it never carries an amount or a citation, both of which the
// post-processor computes deterministically.
type categorizationBatchResponse struct {
	ProcessedItems []categorizationResponseItem `json:"processed_items"`
}

type categorizationResponseItem struct {
	LineNumber           int            `json:"line_number"`
	Category             model.Category `json:"category"`
	DeductibilityPercent int            `json:"deductibility_percent"`
	Reasoning            string         `json:"reasoning"`
}

// llmBaseConfidence is the confidence assigned to an LLM-categorized item,
// deliberately lower than a deterministic rule match's typical
// base_confidence so aggregate confidence reflects the less certain path.
const llmBaseConfidence = 0.6

// missingLineConfidence is the confidence assigned when a line item was
// sent to the LLM but absent from its response, per spec.md §4.7's
// "missing line numbers default to no match."
const missingLineConfidence = 0.0

// Categorizer runs the CRA-Rules stage (C7): a single batched LLM call
// categorizes every line item of a receipt at once, retrieval-augmented by
// per-item CRA guide excerpts, with any illegal category replaced by
// Uncategorized-Review-Required and every deductible amount and
// tax-relevant citation computed deterministically by the post-processor.
// This is the default categorization pathway; the deterministic rule
// engine (C5, rules.Categorizer) is a separate, caller-selected
// alternative, never invoked from here. See spec.md §1 item 3, §2, and
// §4.7.
type Categorizer struct {
	client   *Client
	model    string
	searcher rag.Searcher
}

// NewCategorizer constructs a Categorizer. searcher may be nil, in which
// case no excerpts are retrieved and no citations are attached.
func NewCategorizer(client *Client, model string, searcher rag.Searcher) *Categorizer {
	return &Categorizer{client: client, model: model, searcher: searcher}
}

// retrievedItem pairs one line item with the retrieval results gathered
// for it, so citation injection reuses the same results the prompt was
// built from instead of issuing a second, category-keyed search.
type retrievedItem struct {
	item    model.LineItem
	results []rag.Result
}

// Categorize processes every line item of receipt, plus synthetic GST/HST
// and tip items, through one batched LLM call and returns the aggregated
// CategorizedReceipt.
func (c *Categorizer) Categorize(ctx context.Context, receipt model.Receipt, ruleCtx rules.Context, correlationID string) (*model.CategorizedReceipt, error) {
	allItems := append(append([]model.LineItem{}, receipt.Items...), rules.SynthesizeTaxAndTipItems(receipt)...)

	retrieved := make([]retrievedItem, 0, len(allItems))
	for _, item := range allItems {
		retrieved = append(retrieved, retrievedItem{item: item, results: c.retrieve(ctx, item, receipt.Vendor.Name)})
	}

	resp, err := c.categorizeWithLLM(ctx, receipt.Vendor.Name, retrieved)
	if err != nil {
		return nil, fmt.Errorf("categorization call failed: %w", err)
	}

	byLine := make(map[int]categorizationResponseItem, len(resp.ProcessedItems))
	for _, ri := range resp.ProcessedItems {
		byLine[ri.LineNumber] = ri
	}

	items := make([]model.ProcessedItem, 0, len(allItems))
	confidences := make([]float64, 0, len(allItems))
	var flags []string

	for _, ri := range retrieved {
		pi, confidence, flag := c.buildProcessedItem(ri, byLine)
		items = append(items, pi)
		confidences = append(confidences, confidence)
		if flag != "" {
			flags = append(flags, flag)
		}
	}

	totalOriginal := money.Zero
	totalDeductible := money.Zero
	for _, item := range items {
		totalOriginal = totalOriginal.Add(item.OriginalAmount)
		totalDeductible = totalDeductible.Add(item.DeductibleAmount)
	}

	overall := averageConfidence(confidences)

	return &model.CategorizedReceipt{
		Receipt:           receipt,
		Items:             items,
		TotalOriginal:     totalOriginal,
		TotalDeductible:   totalDeductible,
		DeductibilityRate: money.Rate(totalDeductible, totalOriginal),
		StageConfidence:   map[string]float64{"categorization": overall},
		OverallConfidence: overall,
		FlagsForReview:    flags,
		CorrelationID:     correlationID,
	}, nil
}

// buildProcessedItem applies the deterministic amount computation and
// citation injection common to every item, using the LLM's assignment for
// ri's line number when present. A line number absent from byLine defaults
// to Uncategorized-Review-Required and is flagged for manual review, per
// spec.md §4.7.
func (c *Categorizer) buildProcessedItem(ri retrievedItem, byLine map[int]categorizationResponseItem) (model.ProcessedItem, float64, string) {
	item := ri.item
	var category model.Category
	var deductPct int
	var reasoning string
	var confidence float64
	var flag string

	if resp, ok := byLine[item.Number]; ok {
		category = resp.Category
		deductPct = resp.DeductibilityPercent
		reasoning = resp.Reasoning
		confidence = llmBaseConfidence
	} else {
		category = model.CategoryUncategorized
		deductPct = 0
		reasoning = "no categorization returned for this line item"
		confidence = missingLineConfidence
		flag = fmt.Sprintf("line %d: missing from categorization response, flagged for manual review", item.Number)
	}

	if !model.IsValidCategory(category) {
		flag = fmt.Sprintf("line %d: model returned an out-of-enum category %q, replaced with %s", item.Number, category, model.CategoryUncategorized)
		category = model.CategoryUncategorized
		deductPct = 0
	}

	deductibleAmount := money.Percent(item.TotalPrice, deductPct)

	var citations []string
	if model.IsTaxRelevant(category) {
		for _, r := range ri.results {
			citations = append(citations, r.CitationID)
		}
	}

	pi := model.ProcessedItem{
		LineNumber:           item.Number,
		OriginalDescription:  item.Description,
		Category:             category,
		DeductibilityPercent: deductPct,
		OriginalAmount:       item.TotalPrice,
		DeductibleAmount:     deductibleAmount,
		Reasoning:            reasoning,
		Citations:            citations,
		MatchConfidence:      confidence,
	}
	return pi, confidence, flag
}

// retrieve runs the retrieval step for one line item: query is the item's
// description, vendor, and a fixed hint string, topK 3. See spec.md §4.7.
func (c *Categorizer) retrieve(ctx context.Context, item model.LineItem, vendor string) []rag.Result {
	if c.searcher == nil {
		return nil
	}
	query := fmt.Sprintf("%s %s tax deduction rules", item.Description, vendor)
	results, err := c.searcher.Search(ctx, query, ragTopK)
	if err != nil {
		return nil
	}
	return results
}

func (c *Categorizer) categorizeWithLLM(ctx context.Context, vendor string, retrieved []retrievedItem) (*categorizationBatchResponse, error) {
	if c.client == nil {
		return nil, fmt.Errorf("no categorization client configured")
	}

	promptItems := make([]categorizationLineItem, 0, len(retrieved))
	for _, ri := range retrieved {
		var excerptTexts []string
		for _, r := range ri.results {
			excerptTexts = append(excerptTexts, r.ContentExcerpt)
		}
		promptItems = append(promptItems, categorizationLineItem{
			LineNumber:  ri.item.Number,
			Description: ri.item.Description,
			Excerpts:    excerptTexts,
		})
	}

	raw, err := c.client.ChatText(ctx, c.model, categorizationSystemPrompt, categorizationUserPrompt(vendor, promptItems))
	if err != nil {
		return nil, err
	}

	var resp categorizationBatchResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse categorization response: %w", err)
	}
	return &resp, nil
}

func averageConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return sum / float64(len(confidences))
}

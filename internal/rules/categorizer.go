package rules

import (
	"context"
	"fmt"

	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/money"
)

// Categorizer runs the deterministic rule-engine pathway (C5): a complete
// alternative to the LLM-backed CRA-Rules stage (C7) that a caller selects
// explicitly, never a per-item fallback invoked from inside C7. Every line
// item, plus any synthesized GST/HST and tip items, is matched against the
// loaded rule set alone — no LLM call is made and no citation is attached.
// See spec.md §1 item 3, §2's alternative path, and §4.5.
type Categorizer struct {
	engine *Engine
}

// NewCategorizer constructs a Categorizer over engine.
func NewCategorizer(engine *Engine) *Categorizer {
	return &Categorizer{engine: engine}
}

// Categorize matches every line item of receipt against the rule set and
// returns the aggregated CategorizedReceipt. An item with no matching rule
// becomes Uncategorized-Review-Required at 0% deductibility and is flagged
// for manual review, per step 6 of the rule-engine algorithm.
func (c *Categorizer) Categorize(ctx context.Context, receipt model.Receipt, ruleCtx Context, correlationID string) (*model.CategorizedReceipt, error) {
	allItems := append(append([]model.LineItem{}, receipt.Items...), SynthesizeTaxAndTipItems(receipt)...)

	items := make([]model.ProcessedItem, 0, len(allItems))
	confidences := make([]float64, 0, len(allItems))
	var flags []string

	for _, item := range allItems {
		category := model.CategoryUncategorized
		deductPct := 0
		reasoning := "no matching rule"
		confidence := 0.0
		ruleID := ""

		if match, ok := c.engine.Match(item.Description, ruleCtx); ok {
			category = match.Rule.Category
			deductPct = match.Rule.DeductibilityPercent
			reasoning = fmt.Sprintf("matched rule %s", match.Rule.ID)
			confidence = match.Confidence
			ruleID = match.Rule.ID
		} else {
			flags = append(flags, fmt.Sprintf("line %d: no matching rule, flagged for manual review", item.Number))
		}

		if !model.IsValidCategory(category) {
			category = model.CategoryUncategorized
			deductPct = 0
		}

		deductibleAmount := money.Percent(item.TotalPrice, deductPct)
		items = append(items, model.ProcessedItem{
			LineNumber:           item.Number,
			OriginalDescription:  item.Description,
			Category:             category,
			DeductibilityPercent: deductPct,
			OriginalAmount:       item.TotalPrice,
			DeductibleAmount:     deductibleAmount,
			Reasoning:            reasoning,
			RuleID:               ruleID,
			MatchConfidence:      confidence,
		})
		confidences = append(confidences, confidence)
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

package rules

import (
	"regexp"

	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/money"
)

// taxLineDescription matches a line item that already represents a tax
// charge, so SynthesizeTaxAndTipItems does not double-count an
// already-extracted GST/HST line. See spec.md §4.7.
var taxLineDescription = regexp.MustCompile(`(?i)gst|hst|tax`)

// tipLineDescription matches a line item that already represents a tip.
var tipLineDescription = regexp.MustCompile(`(?i)tip`)

// SynthesizeTaxAndTipItems turns a receipt's tax_amount and tip_amount
// into first-class line items so they flow through the same
// categorization and deduction pipeline as printed items, instead of
// being silently dropped from the deductible total. It synthesizes
// nothing when an existing line item's description already looks like a
// tax or tip line, so a vision extraction that already itemized the
// HST or gratuity is never double-counted. Shared by both the rule-engine
// pathway (C5) and the LLM pathway (C7), since the invariant is
// pathway-agnostic. See spec.md §4.7.
func SynthesizeTaxAndTipItems(receipt model.Receipt) []model.LineItem {
	var synthetic []model.LineItem
	nextNumber := len(receipt.Items) + 1

	if money.IsNonNegative(receipt.TaxAmount) && !receipt.TaxAmount.IsZero() && !anyDescriptionMatches(receipt.Items, taxLineDescription) {
		synthetic = append(synthetic, model.LineItem{
			Number:      nextNumber,
			Description: "GST/HST",
			Quantity:    money.FromFloat(1),
			UnitPrice:   receipt.TaxAmount,
			TotalPrice:  receipt.TaxAmount,
		})
		nextNumber++
	}
	if money.IsNonNegative(receipt.TipAmount) && !receipt.TipAmount.IsZero() && !anyDescriptionMatches(receipt.Items, tipLineDescription) {
		synthetic = append(synthetic, model.LineItem{
			Number:      nextNumber,
			Description: "Tip",
			Quantity:    money.FromFloat(1),
			UnitPrice:   receipt.TipAmount,
			TotalPrice:  receipt.TipAmount,
		})
	}
	return synthetic
}

func anyDescriptionMatches(items []model.LineItem, re *regexp.Regexp) bool {
	for _, item := range items {
		if re.MatchString(item.Description) {
			return true
		}
	}
	return false
}

package llm

import (
	"fmt"
	"strings"
)

// extractionSystemPrompt constrains the vision model to the Receipt JSON
// schema and forbids it from inventing totals or categories — both are
// computed deterministically downstream. See spec.md §4.6.
const extractionSystemPrompt = `You are a receipt data extraction engine for Canadian expense processing.
Given a photograph or scan of a receipt, extract every line item and the
receipt-level totals exactly as printed. Do not compute, estimate, or
correct any amount; report only what is printed on the receipt.

Respond with a single JSON object matching this shape and nothing else:
{
  "vendor": {"name": "string"},
  "transaction_date": "YYYY-MM-DD",
  "currency": "ISO 4217 code, e.g. CAD",
  "subtotal": "decimal string",
  "tax_amount": "decimal string",
  "tip_amount": "decimal string",
  "total": "decimal string",
  "payment_method": "string, omit if not printed",
  "line_items": [
    {"line_number": 1, "description": "string", "quantity": "decimal string", "unit_price": "decimal string", "total_price": "decimal string"}
  ]
}

If a field is not printed on the receipt, use "0.00" for amounts and omit
optional string fields. Never emit a category, a deduction percentage, or
a citation — those are not your responsibility.`

// extractionUserPrompt is the fixed user-turn instruction accompanying the
// image content part.
const extractionUserPrompt = "Extract the structured receipt data from this image."

// categorizationSystemPrompt drives C7's single batched text LLM call for
// an entire receipt: it assigns a category from the closed enumeration and
// a recommended deductibility percentage to every line item it is given,
// but never computes dollar amounts or invents citations — those are
// injected deterministically by the post-processor from the retrieval
// results passed into the prompt, not from anything the model writes. See
// spec.md §4.7.
const categorizationSystemPrompt = `You are a Canadian tax deduction categorization engine. You are given a
vendor name and every line item on one receipt. For each line item, assign
exactly one category from this closed list:

- Travel-Lodging
- Travel-Meals
- Travel-Taxes
- Office-Supplies
- Fuel-Vehicle
- Capital-Equipment
- Tax-GST/HST
- Professional-Services
- Meals & Entertainment
- Uncategorized-Review-Required

Use the retrieved CRA guide excerpts shown under each line item as your
basis for its category and the deductibility percentage you recommend
(0-100). Respond with a single JSON object and nothing else:
{"processed_items": [{"line_number": 1, "category": "string", "deductibility_percent": 100, "reasoning": "one or two sentences"}]}

Include one entry in processed_items for every line number you are given.
Never invent a category outside the list above. Never compute or mention a
dollar amount. Never fabricate a citation of your own; the excerpts shown
to you are context, not content to echo back.`

// categorizationLineItem is one line item as rendered into the batched
// categorization prompt, paired with the excerpts retrieved for it.
type categorizationLineItem struct {
	LineNumber  int
	Description string
	Excerpts    []string
}

// categorizationUserPrompt builds the single per-receipt user turn: the
// vendor name plus the full line-item array, each carrying its own
// retrieved CRA guide excerpts. See spec.md §4.7.
func categorizationUserPrompt(vendor string, items []categorizationLineItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vendor: %s\n\nLine items:\n", vendor)
	for _, item := range items {
		fmt.Fprintf(&b, "\n[line_number %d] %s\nRetrieved CRA guide excerpts:\n", item.LineNumber, item.Description)
		if len(item.Excerpts) == 0 {
			b.WriteString("(none retrieved)\n")
			continue
		}
		for _, e := range item.Excerpts {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

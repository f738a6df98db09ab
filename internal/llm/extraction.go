package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/craexpense/receipt-processor/internal/fileproc"
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/money"
)

// extractionTimeout bounds a single vision call attempt. See spec.md §4.6.
const extractionTimeout = 30 * time.Second

// extractionMaxAttempts is the initial attempt plus one retry, covering
// both a transient network failure and a JSON parse failure. See
// spec.md §4.6.
const extractionMaxAttempts = 2

type extractionLineItem struct {
	LineNumber  int    `json:"line_number"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TotalPrice  string `json:"total_price"`
}

type extractionResponse struct {
	Vendor struct {
		Name string `json:"name"`
	} `json:"vendor"`
	TransactionDate string               `json:"transaction_date"`
	Currency        string               `json:"currency"`
	Subtotal        string               `json:"subtotal"`
	TaxAmount       string               `json:"tax_amount"`
	TipAmount       string               `json:"tip_amount"`
	Total           string               `json:"total"`
	PaymentMethod   string               `json:"payment_method,omitempty"`
	LineItems       []extractionLineItem `json:"line_items"`
}

// ExtractionResult is the outcome of the data-extraction stage (C6).
type ExtractionResult struct {
	Receipt    model.Receipt
	Confidence float64
}

// Extract runs the vision LLM call and converts its schema-constrained
// JSON response into a model.Receipt. It retries once on either a
// transient call failure or a parse failure, and fails closed with
// ExtractionFailed once the retry budget is exhausted. See spec.md §4.6.
func Extract(ctx context.Context, client *Client, modelName string, img fileproc.CanonicalImage) (*ExtractionResult, error) {
	var lastErr error

	for attempt := 0; attempt < extractionMaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, extractionTimeout)
		raw, err := client.ChatWithImage(callCtx, modelName, extractionSystemPrompt, extractionUserPrompt, img.Bytes, img.MimeType)
		cancel()

		if err != nil {
			lastErr = err
			continue
		}

		receipt, err := parseExtractionResponse(raw)
		if err != nil {
			lastErr = err
			continue
		}

		return &ExtractionResult{
			Receipt:    *receipt,
			Confidence: scoreExtractionConfidence(receipt),
		}, nil
	}

	return nil, model.New(model.KindExtractionFailed, "vision extraction failed after retry", lastErr)
}

func parseExtractionResponse(raw string) (*model.Receipt, error) {
	jsonStr := ExtractJSON(raw)

	var resp extractionResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	subtotal, err := money.FromString(orZero(resp.Subtotal))
	if err != nil {
		return nil, fmt.Errorf("parse subtotal: %w", err)
	}
	tax, err := money.FromString(orZero(resp.TaxAmount))
	if err != nil {
		return nil, fmt.Errorf("parse tax_amount: %w", err)
	}
	tip, err := money.FromString(orZero(resp.TipAmount))
	if err != nil {
		return nil, fmt.Errorf("parse tip_amount: %w", err)
	}
	total, err := money.FromString(orZero(resp.Total))
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}

	txDate, err := time.Parse("2006-01-02", resp.TransactionDate)
	if err != nil {
		return nil, fmt.Errorf("parse transaction_date: %w", err)
	}

	items := make([]model.LineItem, 0, len(resp.LineItems))
	for _, li := range resp.LineItems {
		qty, err := money.FromString(orZero(li.Quantity))
		if err != nil {
			return nil, fmt.Errorf("parse line %d quantity: %w", li.LineNumber, err)
		}
		unit, err := money.FromString(orZero(li.UnitPrice))
		if err != nil {
			return nil, fmt.Errorf("parse line %d unit_price: %w", li.LineNumber, err)
		}
		lineTotal, err := money.FromString(orZero(li.TotalPrice))
		if err != nil {
			return nil, fmt.Errorf("parse line %d total_price: %w", li.LineNumber, err)
		}
		items = append(items, model.LineItem{
			Number:      li.LineNumber,
			Description: li.Description,
			Quantity:    qty,
			UnitPrice:   unit,
			TotalPrice:  lineTotal,
		})
	}

	receipt := &model.Receipt{
		Vendor:          model.Party{Name: resp.Vendor.Name},
		TransactionDate: txDate,
		Currency:        resp.Currency,
		Subtotal:        subtotal,
		TaxAmount:       tax,
		TipAmount:       tip,
		Total:           total,
		Items:           items,
		PaymentMethod:   model.PaymentMethod(resp.PaymentMethod),
	}
	return receipt, nil
}

func orZero(s string) string {
	if s == "" {
		return "0.00"
	}
	return s
}

// scoreExtractionConfidence applies a simple heuristic: a receipt with no
// line items, an empty vendor name, or a totals mismatch is less trustworthy
// than one with consistent, fully populated fields. See spec.md §4.6.
func scoreExtractionConfidence(r *model.Receipt) float64 {
	confidence := 1.0

	if r.Vendor.Name == "" {
		confidence -= 0.3
	}
	if len(r.Items) == 0 {
		confidence -= 0.4
	}
	if len(r.ValidateTotals()) > 0 {
		confidence -= 0.2
	}
	for _, item := range r.Items {
		if len(item.ValidateAmount()) > 0 {
			confidence -= 0.05
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

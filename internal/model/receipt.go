// Package model holds the data types shared across the Receipt Processing
// Core: the extracted Receipt, the categorized output, and the closed
// category enumeration the categorization stages must honor.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is the closed set of CRA deduction categories. Any value outside
// this set fails validation at load time (rules config) or is replaced with
// CategoryUncategorized (LLM output); see spec.md §6 and §4.7.
type Category string

const (
	CategoryTravelLodging       Category = "Travel-Lodging"
	CategoryTravelMeals         Category = "Travel-Meals"
	CategoryTravelTaxes         Category = "Travel-Taxes"
	CategoryOfficeSupplies      Category = "Office-Supplies"
	CategoryFuelVehicle         Category = "Fuel-Vehicle"
	CategoryCapitalEquipment    Category = "Capital-Equipment"
	CategoryTaxGSTHST           Category = "Tax-GST/HST"
	CategoryProfessionalServices Category = "Professional-Services"
	CategoryMealsEntertainment  Category = "Meals & Entertainment"
	CategoryUncategorized       Category = "Uncategorized-Review-Required"
)

// AllowedCategories is the closed enumeration in declaration order.
var AllowedCategories = []Category{
	CategoryTravelLodging,
	CategoryTravelMeals,
	CategoryTravelTaxes,
	CategoryOfficeSupplies,
	CategoryFuelVehicle,
	CategoryCapitalEquipment,
	CategoryTaxGSTHST,
	CategoryProfessionalServices,
	CategoryMealsEntertainment,
	CategoryUncategorized,
}

// IsValidCategory reports whether c is a member of the closed category set.
func IsValidCategory(c Category) bool {
	for _, a := range AllowedCategories {
		if a == c {
			return true
		}
	}
	return false
}

// taxRelevantCategories is the fixed set that always receives citation
// injection, per spec.md §4.7.
var taxRelevantCategories = map[Category]bool{
	CategoryTravelLodging:        true,
	CategoryTravelMeals:          true,
	CategoryTravelTaxes:          true,
	CategoryMealsEntertainment:   true,
	CategoryOfficeSupplies:       true,
	CategoryProfessionalServices: true,
	CategoryFuelVehicle:          true,
	CategoryTaxGSTHST:            true,
	CategoryUncategorized:        true,
}

// IsTaxRelevant reports whether c is in the fixed citation-eligible set.
func IsTaxRelevant(c Category) bool {
	return taxRelevantCategories[c]
}

// PaymentMethod is a free-form hint extracted from the receipt, never
// validated against a closed set.
type PaymentMethod string

// Party captures the vendor identity for rules matching and accounting
// lookups.
type Party struct {
	Name string `json:"name"`
}

// LineItem is one chargeable entry on a Receipt. See spec.md §3.
type LineItem struct {
	Number      int             `json:"line_number"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// Receipt is the extracted invoice artifact. See spec.md §3.
type Receipt struct {
	Vendor         Party           `json:"vendor"`
	TransactionDate time.Time      `json:"transaction_date"`
	Currency       string          `json:"currency"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TipAmount      decimal.Decimal `json:"tip_amount"`
	Total          decimal.Decimal `json:"total"`
	Items          []LineItem      `json:"line_items"`
	PaymentMethod  PaymentMethod   `json:"payment_method,omitempty"`
}

// totalsEpsilon is the one-cent tolerance on the total invariant.
var totalsEpsilon = decimal.NewFromFloat(0.01)

// ValidateTotals checks the Receipt-level totals invariant:
// total >= subtotal + tax + tip - epsilon. Violations are warnings, not
// failures, per spec.md §3.
func (r *Receipt) ValidateTotals() []string {
	var warnings []string
	expected := r.Subtotal.Add(r.TaxAmount).Add(r.TipAmount)
	if r.Total.LessThan(expected.Sub(totalsEpsilon)) {
		warnings = append(warnings, "total is less than subtotal+tax+tip beyond one cent tolerance")
	}
	return warnings
}

// ValidateAmount checks the per-line invariant
// |total_price - quantity*unit_price| <= 0.01.
func (li *LineItem) ValidateAmount() []string {
	var warnings []string
	expected := li.Quantity.Mul(li.UnitPrice)
	diff := li.TotalPrice.Sub(expected).Abs()
	if diff.GreaterThan(totalsEpsilon) {
		warnings = append(warnings, "line total does not match quantity*unit_price within one cent")
	}
	return warnings
}

// ProcessedItem is the output of categorization for one line item. See
// spec.md §3.
type ProcessedItem struct {
	LineNumber            int             `json:"line_number"`
	OriginalDescription   string          `json:"original_description"`
	Category              Category        `json:"category"`
	DeductibilityPercent  int             `json:"deductibility_percent"`
	OriginalAmount        decimal.Decimal `json:"original_amount"`
	DeductibleAmount      decimal.Decimal `json:"deductible_amount"`
	Reasoning             string          `json:"reasoning"`
	Citations             []string        `json:"citations"`
	RuleID                string          `json:"rule_id,omitempty"`
	MatchConfidence       float64         `json:"match_confidence,omitempty"`
}

// CategorizedReceipt is the Receipt plus its ProcessedItems and aggregates.
// See spec.md §3.
type CategorizedReceipt struct {
	Receipt           Receipt         `json:"receipt"`
	Items             []ProcessedItem `json:"items"`
	TotalOriginal     decimal.Decimal `json:"total_original"`
	TotalDeductible   decimal.Decimal `json:"total_deductible"`
	DeductibilityRate decimal.Decimal `json:"deductibility_rate"`
	StageConfidence   map[string]float64 `json:"stage_confidence"`
	OverallConfidence float64         `json:"overall_confidence"`
	FlagsForReview    []string        `json:"flags_for_review,omitempty"`
	CorrelationID     string          `json:"correlation_id"`
}

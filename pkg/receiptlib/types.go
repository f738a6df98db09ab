// Package receiptlib is the public, embeddable API for the receipt
// processing core: the same extraction and CRA categorization pipeline
// the CLI and HTTP server front, for callers that want it in-process.
//
// Example usage:
//
//	p, err := receiptlib.NewProcessor(receiptlib.DefaultOptions("sk-..."))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cr, err := p.Process(ctx, content, receiptlib.Context{Province: "ON"}, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cr.TotalDeductible)
package receiptlib

import (
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/rules"
)

// Re-export core types for public API.
type (
	Receipt           = model.Receipt
	LineItem          = model.LineItem
	Party             = model.Party
	ProcessedItem     = model.ProcessedItem
	CategorizedReceipt = model.CategorizedReceipt
	Category          = model.Category
	Kind              = model.Kind
	Error             = model.Error
	ValidationError   = model.ValidationError
)

// Context carries the vendor and province used to select vendor- and
// province-scoped CRA rules. It is the public alias of rules.Context so
// callers never need to import internal/rules directly.
type Context = rules.Context

// Re-export CRA deduction category constants.
const (
	CategoryTravelLodging        = model.CategoryTravelLodging
	CategoryTravelMeals          = model.CategoryTravelMeals
	CategoryTravelTaxes          = model.CategoryTravelTaxes
	CategoryOfficeSupplies       = model.CategoryOfficeSupplies
	CategoryFuelVehicle          = model.CategoryFuelVehicle
	CategoryCapitalEquipment     = model.CategoryCapitalEquipment
	CategoryTaxGSTHST            = model.CategoryTaxGSTHST
	CategoryProfessionalServices = model.CategoryProfessionalServices
	CategoryMealsEntertainment   = model.CategoryMealsEntertainment
	CategoryUncategorized        = model.CategoryUncategorized
)

// Re-export error kind constants.
const (
	KindInvalidInput          = model.KindInvalidInput
	KindUnsupportedFormat     = model.KindUnsupportedFormat
	KindCorruptedFile         = model.KindCorruptedFile
	KindExtractionFailed      = model.KindExtractionFailed
	KindCategorizationPartial = model.KindCategorizationPartial
	KindRateLimited           = model.KindRateLimited
	KindDailyQuotaExceeded    = model.KindDailyQuotaExceeded
	KindAuthExpired           = model.KindAuthExpired
	KindUpstreamUnavailable   = model.KindUpstreamUnavailable
	KindCanceled              = model.KindCanceled
)

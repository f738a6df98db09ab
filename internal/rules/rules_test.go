package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/rules"
)

const testRuleTOML = `
[[rules]]
id = "lodging-marriott"
category = "Travel-Lodging"
deductibility_percent = 100
priority = 10
vendor_pattern = "Marriott*"
base_confidence = 0.9

[[rules]]
id = "marketing-fee-keyword"
category = "Professional-Services"
deductibility_percent = 100
priority = 10
keywords = ["marketing fee", "resort fee"]
base_confidence = 0.6

[[rules]]
id = "meals-keyword"
category = "Meals & Entertainment"
deductibility_percent = 50
priority = 5
keywords = ["restaurant", "dining"]
base_confidence = 0.7

[[rules]]
id = "ontario-only-fuel"
category = "Fuel-Vehicle"
deductibility_percent = 100
priority = 8
keywords = ["gas", "fuel"]
provincial_whitelist = ["ON"]
base_confidence = 0.8
`

func loadTestEngine(t *testing.T) *rules.Engine {
	t.Helper()
	set, err := rules.Load([]byte(testRuleTOML))
	require.NoError(t, err)
	return rules.NewEngine(set)
}

// TestEngine_VendorQualifiedBeatsKeywordAtEqualPriority reproduces spec.md
// §4.5's worked example: a Marriott folio line item reading "marketing
// fee" matches both the vendor-qualified lodging rule and the keyword-only
// marketing-fee rule at the same priority. The vendor-qualified rule wins.
func TestEngine_VendorQualifiedBeatsKeywordAtEqualPriority(t *testing.T) {
	engine := loadTestEngine(t)

	match, ok := engine.Match("Marketing Fee", rules.Context{Vendor: "Marriott Downtown", Province: "BC"})
	require.True(t, ok)
	assert.Equal(t, "lodging-marriott", match.Rule.ID)
	assert.Equal(t, model.CategoryTravelLodging, match.Rule.Category)
}

func TestEngine_KeywordOnlyMatchWhenNoVendorRuleApplies(t *testing.T) {
	engine := loadTestEngine(t)

	match, ok := engine.Match("Marketing Fee", rules.Context{Vendor: "Independent Motel", Province: "BC"})
	require.True(t, ok)
	assert.Equal(t, "marketing-fee-keyword", match.Rule.ID)
}

func TestEngine_HigherPriorityWinsRegardlessOfVendorQualification(t *testing.T) {
	engine := loadTestEngine(t)

	// "gas" keyword rule (priority 8) beats the meals keyword rule (priority
	// 5) even though neither is vendor-qualified.
	match, ok := engine.Match("Gas station restaurant", rules.Context{Vendor: "Esso", Province: "ON"})
	require.True(t, ok)
	assert.Equal(t, "ontario-only-fuel", match.Rule.ID)
}

func TestEngine_ProvincialWhitelistExcludesOutOfProvince(t *testing.T) {
	engine := loadTestEngine(t)

	_, ok := engine.Match("Gas station fill-up", rules.Context{Vendor: "Esso", Province: "QC"})
	assert.False(t, ok, "fuel rule is whitelisted to ON only")
}

func TestEngine_NoMatchReturnsFalse(t *testing.T) {
	engine := loadTestEngine(t)

	_, ok := engine.Match("Unrelated item description", rules.Context{Vendor: "Nobody", Province: "BC"})
	assert.False(t, ok)
}

func TestEngine_TieBreakByRuleID(t *testing.T) {
	set, err := rules.Load([]byte(`
[[rules]]
id = "zzz-keyword"
category = "Office-Supplies"
deductibility_percent = 100
priority = 1
keywords = ["paper"]
base_confidence = 0.5

[[rules]]
id = "aaa-keyword"
category = "Office-Supplies"
deductibility_percent = 100
priority = 1
keywords = ["paper"]
base_confidence = 0.5
`))
	require.NoError(t, err)
	engine := rules.NewEngine(set)

	match, ok := engine.Match("Paper towels", rules.Context{Vendor: "Staples", Province: "BC"})
	require.True(t, ok)
	assert.Equal(t, "aaa-keyword", match.Rule.ID, "deterministic tie-break picks the lowest rule id")
}

func TestEngine_ConfidenceBoostWhenVendorAndKeywordBothMatch(t *testing.T) {
	set, err := rules.Load([]byte(`
[[rules]]
id = "lodging-marriott"
category = "Travel-Lodging"
deductibility_percent = 100
priority = 10
vendor_pattern = "Marriott*"
keywords = ["resort fee"]
base_confidence = 0.9
`))
	require.NoError(t, err)
	engine := rules.NewEngine(set)

	match, ok := engine.Match("Resort Fee", rules.Context{Vendor: "Marriott Downtown", Province: "BC"})
	require.True(t, ok)
	assert.Equal(t, "lodging-marriott", match.Rule.ID)
	assert.InDelta(t, 1.0, match.Confidence, 0.001, "base 0.9 + 0.1 boost clamps to 1.0")
}

func TestLoad_RejectsInvalidCategory(t *testing.T) {
	_, err := rules.Load([]byte(`
[[rules]]
id = "bad"
category = "Not-A-Real-Category"
deductibility_percent = 100
priority = 1
keywords = ["x"]
`))
	require.Error(t, err)
}

func TestLoad_RejectsDuplicateRuleID(t *testing.T) {
	_, err := rules.Load([]byte(`
[[rules]]
id = "dup"
category = "Office-Supplies"
deductibility_percent = 100
priority = 1
keywords = ["x"]

[[rules]]
id = "dup"
category = "Fuel-Vehicle"
deductibility_percent = 100
priority = 1
keywords = ["y"]
`))
	require.Error(t, err)
}

// TestProductionRules_S2HotelFolioDisambiguatesLodgingFromMeals reproduces
// spec.md §8's S2 scenario directly against the shipped rules.toml: a
// Marriott-vendor folio's room charge and marketing fee line items
// categorize as Travel-Lodging, but a restaurant charge billed to the same
// room does not, even though both mention "room charge". Guards against
// marriott-lodging's vendor pattern swallowing every line item a Marriott
// property bills, regardless of description.
func TestProductionRules_S2HotelFolioDisambiguatesLodgingFromMeals(t *testing.T) {
	set, err := rules.LoadFile("../../rules.toml")
	require.NoError(t, err)
	engine := rules.NewEngine(set)

	ctx := rules.Context{Vendor: "Marriott Downtown", Province: "ON"}

	match, ok := engine.Match("Guest room charge", ctx)
	require.True(t, ok)
	assert.Equal(t, model.CategoryTravelLodging, match.Rule.Category)

	match, ok = engine.Match("Restaurant room charge", ctx)
	require.True(t, ok)
	assert.Equal(t, model.CategoryTravelMeals, match.Rule.Category, "a restaurant charge billed to the room is still a meal, not lodging")

	match, ok = engine.Match("Marketing fee", ctx)
	require.True(t, ok)
	assert.Equal(t, model.CategoryTravelLodging, match.Rule.Category)

	match, ok = engine.Match("GST", ctx)
	require.True(t, ok)
	assert.Equal(t, model.CategoryTaxGSTHST, match.Rule.Category)

	match, ok = engine.Match("Tourism levy", ctx)
	require.True(t, ok)
	assert.Equal(t, model.CategoryTravelTaxes, match.Rule.Category)
}

func TestLoad_RejectsRuleWithNeitherVendorNorKeywords(t *testing.T) {
	_, err := rules.Load([]byte(`
[[rules]]
id = "empty"
category = "Office-Supplies"
deductibility_percent = 100
priority = 1
`))
	require.Error(t, err)
}

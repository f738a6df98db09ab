package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/money"
	"github.com/craexpense/receipt-processor/internal/rules"
)

func TestRulesCategorizer_MatchedItemsUseEngineDeterministically(t *testing.T) {
	engine := loadTestEngine(t)
	categorizer := rules.NewCategorizer(engine)

	receipt := model.Receipt{
		Vendor: model.Party{Name: "Marriott Downtown"},
		Items: []model.LineItem{
			{Number: 1, Description: "Room charge", TotalPrice: money.FromFloat(100.00)},
		},
	}

	result, err := categorizer.Categorize(context.Background(), receipt, rules.Context{Vendor: "Marriott Downtown", Province: "BC"}, "corr-1")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	item := result.Items[0]
	assert.Equal(t, model.CategoryTravelLodging, item.Category)
	assert.Equal(t, "lodging-marriott", item.RuleID)
	assert.True(t, item.DeductibleAmount.Equal(money.FromFloat(100.00)))
	assert.Empty(t, item.Citations, "the rule-engine pathway never attaches citations")
}

func TestRulesCategorizer_NoMatchFlagsForReview(t *testing.T) {
	engine := loadTestEngine(t)
	categorizer := rules.NewCategorizer(engine)

	receipt := model.Receipt{
		Items: []model.LineItem{{Number: 1, Description: "Mystery charge", TotalPrice: money.FromFloat(50.00)}},
	}

	result, err := categorizer.Categorize(context.Background(), receipt, rules.Context{Vendor: "Unknown", Province: "BC"}, "corr-2")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, model.CategoryUncategorized, result.Items[0].Category)
	assert.NotEmpty(t, result.FlagsForReview)
}

func TestRulesCategorizer_SynthesizesTaxAndTipItems(t *testing.T) {
	engine := loadTestEngine(t)
	categorizer := rules.NewCategorizer(engine)

	receipt := model.Receipt{
		Vendor:    model.Party{Name: "Independent Motel"},
		TaxAmount: money.FromFloat(13.0),
		Items:     []model.LineItem{{Number: 1, Description: "Gas station fill-up", TotalPrice: money.FromFloat(40.00)}},
	}

	result, err := categorizer.Categorize(context.Background(), receipt, rules.Context{Vendor: "Independent Motel", Province: "ON"}, "corr-3")
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "GST/HST", result.Items[1].OriginalDescription)
}

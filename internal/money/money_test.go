package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/craexpense/receipt-processor/internal/money"
)

func TestPercent_HalfUp(t *testing.T) {
	// 34.73 * 0.5 = 17.365, rounds half-up to 17.37 (spec.md S1).
	amount := decimal.NewFromFloat(34.73)
	got := money.Percent(amount, 50)
	assert.True(t, got.Equal(decimal.NewFromFloat(17.37)), "got %s", got.String())
}

func TestPercent_FullAndZero(t *testing.T) {
	amount := decimal.NewFromFloat(1.50)
	assert.True(t, money.Percent(amount, 100).Equal(amount))
	assert.True(t, money.Percent(amount, 0).IsZero())
}

func TestRate(t *testing.T) {
	rate := money.Rate(decimal.NewFromFloat(18.87), decimal.NewFromFloat(36.23))
	assert.True(t, rate.Equal(decimal.NewFromFloat(52.1)), "got %s", rate.String())
}

func TestRate_ZeroDenominator(t *testing.T) {
	rate := money.Rate(decimal.NewFromFloat(10), decimal.Zero)
	assert.True(t, rate.IsZero())
}

func TestSum(t *testing.T) {
	values := []decimal.Decimal{
		decimal.NewFromFloat(1.10),
		decimal.NewFromFloat(2.20),
		decimal.NewFromFloat(3.30),
	}
	got := money.Sum(values)
	assert.True(t, got.Equal(decimal.NewFromFloat(6.60)), "got %s", got.String())
}

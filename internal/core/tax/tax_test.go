package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRateSelection(t *testing.T) {
	table := DefaultTable()
	assert.True(t, table.RateFor("drink").Equal(decimal.NewFromInt(19)))
	assert.True(t, table.RateFor("food").Equal(decimal.NewFromInt(7)))
	assert.True(t, table.RateFor("other").Equal(decimal.NewFromInt(7)))
	assert.True(t, table.RateFor("unknown").Equal(decimal.NewFromInt(7)))
}

func TestConfiguredRatesOverrideDefaults(t *testing.T) {
	table := NewTable(map[string]float64{"drink": 10.7, "other": 5.5})
	assert.True(t, table.RateFor("drink").Equal(decimal.RequireFromString("10.7")))
	assert.True(t, table.RateFor("mystery").Equal(decimal.RequireFromString("5.5")))
}

func TestTaxPortion(t *testing.T) {
	// 6.00 gross at 19% contains 6 - 6/1.19 in tax.
	got := TaxPortion(decimal.RequireFromString("6.00"), decimal.NewFromInt(19))
	want := decimal.RequireFromString("0.9579831933")
	assert.True(t, got.Equal(want), "got %s", got)

	zero := TaxPortion(decimal.RequireFromString("10.00"), decimal.Zero)
	assert.True(t, zero.IsZero())
}

func TestBucketOrderIsFixed(t *testing.T) {
	assert.Len(t, BucketRates, 5)
	assert.True(t, BucketRates[0].Equal(decimal.NewFromInt(19)))
	assert.True(t, BucketRates[4].IsZero())
}

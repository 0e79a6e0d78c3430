// Package tax externalizes the category-type to tax-rate mapping and the
// fixed bucket order used by fiscal process data.
package tax

import (
	"github.com/shopspring/decimal"
)

// BucketRates is the fixed bucket order of the fiscal process-data string.
// Missing buckets render as 0.00.
var BucketRates = []decimal.Decimal{
	decimal.RequireFromString("19.00"),
	decimal.RequireFromString("7.00"),
	decimal.RequireFromString("10.70"),
	decimal.RequireFromString("5.50"),
	decimal.RequireFromString("0.00"),
}

// Table maps a category type to its tax rate in percent.
type Table struct {
	rates       map[string]decimal.Decimal
	defaultRate decimal.Decimal
}

// NewTable builds a tax table from configured percent values. The "other"
// entry doubles as the fallback for unknown category types; when absent the
// fallback is 7 percent.
func NewTable(rates map[string]float64) *Table {
	t := &Table{
		rates:       make(map[string]decimal.Decimal, len(rates)),
		defaultRate: decimal.NewFromInt(7),
	}
	for categoryType, pct := range rates {
		t.rates[categoryType] = decimal.NewFromFloat(pct)
	}
	if d, ok := t.rates["other"]; ok {
		t.defaultRate = d
	}
	return t
}

// NewTableWithDefault builds a table with an explicit fallback rate for
// category types without an entry.
func NewTableWithDefault(rates map[string]float64, defaultRate float64) *Table {
	t := NewTable(rates)
	if defaultRate > 0 {
		t.defaultRate = decimal.NewFromFloat(defaultRate)
	}
	return t
}

// DefaultTable carries the stock mapping: drinks at 19 percent, everything
// else at 7.
func DefaultTable() *Table {
	return NewTable(map[string]float64{"drink": 19, "food": 7, "other": 7})
}

// RateFor returns the percent rate for a category type.
func (t *Table) RateFor(categoryType string) decimal.Decimal {
	if r, ok := t.rates[categoryType]; ok {
		return r
	}
	return t.defaultRate
}

// TaxPortion computes the tax share contained in a gross amount at the given
// percent rate: gross - gross/(1+rate/100).
func TaxPortion(gross, ratePercent decimal.Decimal) decimal.Decimal {
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(decimal.NewFromInt(100)))
	return gross.Sub(gross.DivRound(divisor, 10))
}

package fiscal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/core/tax"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// ProcessData renders the fiscal receipt summary string:
//
//	Beleg^<g1>_<g2>_<g3>_<g4>_<g5>^<amount>:<payment_type>
//
// g1..g5 are gross totals per tax bucket in the fixed order 19.00, 7.00,
// 10.70, 5.50, 0.00; missing buckets render as 0.00, all with two fractional
// digits and a dot separator.
func ProcessData(buckets []relationaldb.TaxBucket, amount decimal.Decimal, paymentType string) string {
	gross := make([]string, len(tax.BucketRates))
	for i, rate := range tax.BucketRates {
		sum := decimal.Zero
		for _, b := range buckets {
			if b.Rate.Equal(rate) {
				sum = sum.Add(b.Gross)
			}
		}
		gross[i] = sum.StringFixed(2)
	}
	return fmt.Sprintf("Beleg^%s^%s:%s", strings.Join(gross, "_"), amount.StringFixed(2), paymentType)
}

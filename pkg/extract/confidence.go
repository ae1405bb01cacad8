package extract

import (
	"github.com/shopspring/decimal"

	"github.com/recibo-labs/recibo/pkg/schema"
)

// confidence scores a validated invoice in [0,1]. Validation already
// guarantees the hard rules, so the score only discriminates within
// the band that passed: exact arithmetic agreement and fully populated
// optional fields push the score up from the 0.9 baseline, loose
// tolerance matches and absent optional fields pull it down.
func confidence(inv *schema.Invoice) float64 {
	score := 0.9

	lineSum := decimal.Zero
	for _, item := range inv.LineItems {
		lineSum = lineSum.Add(item.Amount)
	}
	if lineSum.Equal(inv.Subtotal) {
		score += 0.04
	} else {
		score -= 0.04
	}

	if inv.CommissionAmount.Equal(inv.Subtotal.Mul(inv.CommissionRate).Round(2)) {
		score += 0.04
	} else {
		score -= 0.04
	}

	if inv.TaxAmount.IsZero() {
		score -= 0.02
	} else {
		score += 0.02
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

/**
 * @description
 * This file implements commission calculation. The offer's commission policy
 * (flat amount or percentage rate) is applied to the sale amount, clamped to
 * be non-negative and never exceed the transaction amount. The computed rate
 * and type are snapshotted onto the Conversion at creation time and never
 * recomputed from current policy, so historical payouts stay reproducible
 * when policy changes.
 */

package app

import (
	"math"

	"github.com/eksporyuk/affiliate-service/internal/domain"
)

// CommissionPolicy is the commission configuration attached to an offer type.
type CommissionPolicy struct {
	Type       string  // domain.CommissionTypePercentage or domain.CommissionTypeFlat
	Rate       float64 // percent, used for PERCENTAGE
	FlatAmount int64   // rupiah, used for FLAT
}

// SnapshotRate returns the rate value frozen onto a conversion: the
// percentage for rate-based policies, the flat rupiah amount otherwise.
func (p CommissionPolicy) SnapshotRate() float64 {
	if p.Type == domain.CommissionTypeFlat {
		return float64(p.FlatAmount)
	}
	return p.Rate
}

// CalculateCommission computes the commission for a sale amount under a
// policy. Percentage commissions round down to whole rupiah. The result is
// clamped to [0, saleAmount]: a flat amount larger than the sale never earns
// more than the sale itself.
func CalculateCommission(policy CommissionPolicy, saleAmount int64) int64 {
	if saleAmount <= 0 {
		return 0
	}

	var amount int64
	switch policy.Type {
	case domain.CommissionTypeFlat:
		amount = policy.FlatAmount
	case domain.CommissionTypePercentage:
		amount = int64(math.Floor(float64(saleAmount) * policy.Rate / 100))
	default:
		return 0
	}

	if amount < 0 {
		return 0
	}
	if amount > saleAmount {
		return saleAmount
	}
	return amount
}

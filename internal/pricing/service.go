package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Per-second pricing.
//
// Contract:
// - Billable seconds are the raw call duration rounded up to the next whole second.
// - The effective rate is the per-call snapshot when positive, else the account rate, else zero.
// - Cost = billable seconds x effective rate. No rounding is applied to the cost.
// - Pure calculation; no storage or provider lookups.

var ErrInvalidRate = errors.New("rate must be non-negative")

// Quote is the priced outcome of one call.
type Quote struct {
	BillableSeconds int64
	RatePerSecond   decimal.Decimal
	Cost            decimal.Decimal
}

// BillableSeconds returns ceil(max(0, raw)).
func BillableSeconds(raw float64) int64 {
	if raw <= 0 || math.IsNaN(raw) {
		return 0
	}
	return int64(math.Ceil(raw))
}

// EffectiveRate picks the per-call snapshot over the stored account rate.
func EffectiveRate(hint, stored decimal.Decimal) decimal.Decimal {
	if hint.IsPositive() {
		return hint
	}
	if stored.IsPositive() {
		return stored
	}
	return decimal.Zero
}

// Cost multiplies billable seconds by the rate.
func Cost(billableSeconds int64, rate decimal.Decimal) decimal.Decimal {
	if billableSeconds <= 0 || !rate.IsPositive() {
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(billableSeconds))
}

// QuoteCall prices a call of raw seconds.
func QuoteCall(raw float64, hint, stored decimal.Decimal) Quote {
	secs := BillableSeconds(raw)
	rate := EffectiveRate(hint, stored)
	return Quote{BillableSeconds: secs, RatePerSecond: rate, Cost: Cost(secs, rate)}
}

// ValidateRate rejects negative per-second rates set by admins.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return ErrInvalidRate
	}
	return nil
}

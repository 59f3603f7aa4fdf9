// Package charges computes the charge breakdown of a subscription invoice.
package charges

import (
	"github.com/shopspring/decimal"

	"github.com/ngsnet/billing/internal/shared"
)

// DefaultExtraDeviceRate is the per-device fee above the tier limit.
var DefaultExtraDeviceRate = decimal.NewFromInt(30)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Input holds the raw charge parameters of one billing cycle.
type Input struct {
	BasePrice         decimal.Decimal
	ClientDeviceCount int
	TierDeviceLimit   int
	ManualOvercharge  decimal.Decimal
	RebatePercent     decimal.Decimal
	PreviousBalance   decimal.Decimal
	DepositApplied    decimal.Decimal
	ExtraDeviceRate   decimal.Decimal
}

// Breakdown is the full derivation of an invoice total.
type Breakdown struct {
	BasePrice          decimal.Decimal `json:"base_price"`
	ExtraDevices       int             `json:"extra_devices"`
	ExtraDeviceRate    decimal.Decimal `json:"extra_device_rate"`
	ExtraDeviceCharge  decimal.Decimal `json:"extra_device_charge"`
	ManualOvercharge   decimal.Decimal `json:"unregistered_overcharge"`
	ChargesSubtotal    decimal.Decimal `json:"charges_subtotal"`
	RebatePercent      decimal.Decimal `json:"rebate_percent"`
	RebateAmount       decimal.Decimal `json:"rebate_amount"`
	PreviousBalance    decimal.Decimal `json:"previous_balance"`
	TotalBeforeDeposit decimal.Decimal `json:"total_before_deposit"`
	DepositApplied     decimal.Decimal `json:"deposit_applied"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampRebate limits a rebate percent to [0, 100].
func ClampRebate(p decimal.Decimal) decimal.Decimal {
	switch {
	case p.LessThan(zero):
		return zero
	case p.GreaterThan(hundred):
		return hundred
	default:
		return p
	}
}

// Validate rejects inputs that cannot describe a billing cycle. The rebate is
// never rejected; Compute clamps it.
func Validate(in Input) error {
	v := &shared.ValidationError{}
	if in.BasePrice.IsNegative() {
		v.Add("base_price", "must not be negative")
	}
	if in.ClientDeviceCount < 0 {
		v.Add("device_count", "must not be negative")
	}
	if in.TierDeviceLimit < 0 {
		v.Add("device_limit", "must not be negative")
	}
	if in.ManualOvercharge.IsNegative() {
		v.Add("unregistered_overcharge", "must not be negative")
	}
	if in.DepositApplied.IsNegative() {
		v.Add("deposit_applied", "must not be negative")
	}
	if in.ExtraDeviceRate.IsNegative() {
		v.Add("extra_device_rate", "must not be negative")
	}
	return v.OrNil()
}

// Compute derives the breakdown for in. It has no side effects.
func Compute(in Input) Breakdown {
	extra := in.ClientDeviceCount - in.TierDeviceLimit
	if extra < 0 {
		extra = 0
	}
	extraCharge := decimal.NewFromInt(int64(extra)).Mul(in.ExtraDeviceRate)
	subtotal := in.BasePrice.Add(extraCharge).Add(in.ManualOvercharge)

	rebatePercent := ClampRebate(in.RebatePercent)
	rebateAmount := Round2(subtotal.Mul(rebatePercent).Div(hundred))

	beforeDeposit := subtotal.Sub(rebateAmount).Add(in.PreviousBalance)
	total := Round2(beforeDeposit.Sub(in.DepositApplied))
	if total.IsNegative() {
		total = zero
	}

	return Breakdown{
		BasePrice:          in.BasePrice,
		ExtraDevices:       extra,
		ExtraDeviceRate:    in.ExtraDeviceRate,
		ExtraDeviceCharge:  extraCharge,
		ManualOvercharge:   in.ManualOvercharge,
		ChargesSubtotal:    subtotal,
		RebatePercent:      rebatePercent,
		RebateAmount:       rebateAmount,
		PreviousBalance:    in.PreviousBalance,
		TotalBeforeDeposit: beforeDeposit,
		DepositApplied:     in.DepositApplied,
		TotalAmount:        total,
	}
}

// StoredRebate is the interpretation of a rebate column value.
type StoredRebate struct {
	Percent decimal.Decimal
	// Legacy is set when the stored value was an absolute amount written by
	// older clients and has been converted back to a percent.
	Legacy bool
}

// InterpretStoredRebate reads a persisted rebate. Values above 100 predate
// percent storage and are treated as an amount relative to subtotal.
func InterpretStoredRebate(stored, subtotal decimal.Decimal) StoredRebate {
	if !stored.GreaterThan(hundred) {
		return StoredRebate{Percent: ClampRebate(stored)}
	}
	if !subtotal.IsPositive() {
		return StoredRebate{Percent: zero, Legacy: true}
	}
	pct := Round2(stored.Div(subtotal).Mul(hundred))
	return StoredRebate{Percent: ClampRebate(pct), Legacy: true}
}

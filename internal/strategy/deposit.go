package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// FeeModel describes how a gross charge was built from the base deposit:
// gross = deposit * (1 + PlatformFeePercent/100) + FlatFees.
type FeeModel struct {
	PlatformFeePercent decimal.Decimal
	FlatFees           decimal.Decimal
}

// FeeSchedule is the configured pricing, independent of any one payment.
type FeeSchedule struct {
	PlatformFeePercent decimal.Decimal
	FlatGasFee         decimal.Decimal
	ERGCPrice          decimal.Decimal
}

// NewFeeSchedule builds a FeeSchedule from config values.
func NewFeeSchedule(platformFeePercent, flatGasFeeUSD, ergcPriceUSD float64) FeeSchedule {
	return FeeSchedule{
		PlatformFeePercent: decimal.NewFromFloat(platformFeePercent),
		FlatGasFee:         decimal.NewFromFloat(flatGasFeeUSD),
		ERGCPrice:          decimal.NewFromFloat(ergcPriceUSD),
	}
}

// Model returns the fee model for one payment. An ERGC purchase adds its
// price to the flat fees; debiting ERGC waives the flat gas fee.
func (s FeeSchedule) Model(meta domain.PaymentMetadata) FeeModel {
	flat := decimal.Zero
	if meta.ERGCPurchase > 0 {
		flat = flat.Add(s.ERGCPrice.Mul(decimal.NewFromInt(meta.ERGCPurchase)))
	}
	if meta.ERGCDebit <= 0 {
		flat = flat.Add(s.FlatGasFee)
	}
	return FeeModel{PlatformFeePercent: s.PlatformFeePercent, FlatFees: flat}
}

// ResolveBaseDeposit returns the amount to deploy for a payment. The stored
// infoAmount is used when 0 < infoAmount <= gross. Otherwise the deposit is
// recomputed from gross and rounded down to the cent, and recomputed is set.
// A deposit that is not positive or exceeds gross is a domain.ErrDataIntegrity
// error and nothing may be executed.
func ResolveBaseDeposit(infoAmount, gross decimal.Decimal, fees FeeModel) (deposit decimal.Decimal, recomputed bool, err error) {
	if gross.Sign() <= 0 {
		return decimal.Zero, false, fmt.Errorf("strategy: gross amount %s is not positive: %w", gross, domain.ErrDataIntegrity)
	}

	if infoAmount.Sign() > 0 && infoAmount.LessThanOrEqual(gross) {
		return infoAmount, false, nil
	}

	divisor := decimal.NewFromInt(1).Add(fees.PlatformFeePercent.Div(hundred))
	deposit = gross.Sub(fees.FlatFees).Div(divisor).RoundFloor(2)

	if deposit.Sign() <= 0 {
		return decimal.Zero, true, fmt.Errorf("strategy: recomputed deposit %s from gross %s is not positive: %w",
			deposit, gross, domain.ErrDataIntegrity)
	}
	if deposit.GreaterThan(gross) {
		return decimal.Zero, true, fmt.Errorf("strategy: recomputed deposit %s exceeds gross %s: %w",
			deposit, gross, domain.ErrDataIntegrity)
	}
	return deposit, true, nil
}

package strategy

import (
	"github.com/shopspring/decimal"
)

// allocationScale is the number of decimals allocations are computed in,
// matching USDC's base unit.
const allocationScale = 6

// Allocation splits a deposit across the venues. LendingAmount plus
// DerivativeAmount always equals the deposit truncated to 6 decimals.
type Allocation struct {
	LendingAmount    decimal.Decimal
	DerivativeAmount decimal.Decimal
	Leverage         decimal.Decimal
}

// Total returns the allocated sum.
func (a Allocation) Total() decimal.Decimal {
	return a.LendingAmount.Add(a.DerivativeAmount)
}

// PositionSize returns the derivative notional.
func (a Allocation) PositionSize() decimal.Decimal {
	return a.DerivativeAmount.Mul(a.Leverage)
}

// ComputeAllocation splits deposit per profile. The lending share is rounded
// down in base units and the derivative venue takes the remainder.
func ComputeAllocation(deposit decimal.Decimal, p Profile) Allocation {
	if deposit.Sign() <= 0 {
		return Allocation{LendingAmount: decimal.Zero, DerivativeAmount: decimal.Zero, Leverage: p.Leverage}
	}

	total := deposit.Shift(allocationScale).Floor()
	lending := total.Mul(decimal.NewFromInt(p.LendingPercent)).Div(hundred).Floor()
	derivative := total.Sub(lending)

	return Allocation{
		LendingAmount:    lending.Shift(-allocationScale),
		DerivativeAmount: derivative.Shift(-allocationScale),
		Leverage:         p.Leverage,
	}
}

package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Token decimals used by the bridge.
const (
	USDCDecimals   int32 = 6
	NativeDecimals int32 = 18
)

// ToBaseUnits converts a decimal token amount to integer base units, rounding
// down. Negative amounts yield zero.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	if amount.Sign() <= 0 {
		return new(big.Int)
	}
	return amount.Shift(decimals).Floor().BigInt()
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// NativeToWei converts a native-token amount (AVAX) to wei.
func NativeToWei(amount float64) *big.Int {
	return ToBaseUnits(decimal.NewFromFloat(amount), NativeDecimals)
}

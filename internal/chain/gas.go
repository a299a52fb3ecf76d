package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// GasPolicy returns the legacy gas price to use for the next transaction.
type GasPolicy interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// CappedGasPolicy uses the network's suggested price, never exceeding a
// configured ceiling.
type CappedGasPolicy struct {
	backend Backend
	max     *big.Int
}

// NewCappedGasPolicy builds a CappedGasPolicy with the ceiling given in gwei.
func NewCappedGasPolicy(backend Backend, maxGwei float64) *CappedGasPolicy {
	return &CappedGasPolicy{
		backend: backend,
		max:     GweiToWei(maxGwei),
	}
}

// GasPrice implements GasPolicy.
func (p *CappedGasPolicy) GasPrice(ctx context.Context) (*big.Int, error) {
	suggested, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	if p.max.Sign() > 0 && suggested.Cmp(p.max) > 0 {
		return new(big.Int).Set(p.max), nil
	}
	return suggested, nil
}

// Max returns the configured ceiling in wei.
func (p *CappedGasPolicy) Max() *big.Int {
	return new(big.Int).Set(p.max)
}

// GweiToWei converts a gwei amount to wei, truncating sub-wei fractions.
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Floor().BigInt()
}

// Package venue executes the on-chain legs of a strategy: supplying USDC to
// the lending pool and opening a leveraged position on the derivative
// exchange. Both adapters share one contract so the pipeline can treat them
// uniformly.
package venue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
)

// Request is one venue action for one payment.
type Request struct {
	PaymentID string
	// Beneficiary is the user wallet that must own the resulting position.
	Beneficiary string
	// Amount is the USDC amount to deploy.
	Amount decimal.Decimal
	// Leverage is ignored by the lending adapter.
	Leverage decimal.Decimal
}

// Result is the outcome of Execute. Broadcast reports whether the
// fund-moving transaction reached the network, even if it later failed or
// timed out.
type Result struct {
	Success   bool
	TxHash    string
	Broadcast bool
	Err       error
}

// Adapter is implemented by every venue.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, req Request) Result
}

func failure(err *Error) Result {
	return Result{TxHash: err.TxHash, Broadcast: err.Broadcast, Err: err}
}

// execEnv is the chain access shared by both adapters.
type execEnv struct {
	backend        chain.Backend
	sub            chain.Submitter
	custodian      common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// checkBeneficiary re-validates the position owner right before use. It must
// be a real address distinct from the custodian and the signing account.
func (e execEnv) checkBeneficiary(raw string) (common.Address, *Error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, newError(KindInvalidBeneficiary, errors.New("beneficiary is not a hex address"))
	}
	addr := common.HexToAddress(raw)
	switch addr {
	case common.Address{}:
		return common.Address{}, newError(KindInvalidBeneficiary, errors.New("beneficiary is the zero address"))
	case e.custodian, e.sub.From():
		return common.Address{}, newError(KindInvalidBeneficiary, errors.New("beneficiary is a custodial account"))
	}
	return addr, nil
}

// ensureAllowance makes sure spender may pull units of token from the
// signing account, approving and waiting for confirmation when needed.
func (e execEnv) ensureAllowance(ctx context.Context, token, spender common.Address, units *big.Int) *Error {
	current, err := chain.TokenAllowance(ctx, e.backend, token, e.sub.From(), spender)
	if err != nil {
		return classify(ctx, err, false, "")
	}
	if current.Cmp(units) >= 0 {
		return nil
	}

	data, err := chain.PackApprove(spender, units)
	if err != nil {
		return newError(KindProtocol, err)
	}
	hash, err := e.sub.Submit(ctx, chain.TxRequest{To: token, Data: data})
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientFunds) {
			return newError(KindInsufficientFunds, err)
		}
		return newError(KindAllowanceNotConfirmed, err)
	}
	if _, err := chain.WaitMined(ctx, e.backend, hash, e.confirmTimeout, e.pollInterval); err != nil {
		ve := newError(KindAllowanceNotConfirmed, err)
		ve.TxHash = hash.Hex()
		return ve
	}
	return nil
}

// checkFunds verifies the signing account holds units of token.
func (e execEnv) checkFunds(ctx context.Context, token common.Address, units *big.Int) *Error {
	balance, err := chain.TokenBalance(ctx, e.backend, token, e.sub.From())
	if err != nil {
		return classify(ctx, err, false, "")
	}
	if balance.Cmp(units) < 0 {
		return newError(KindInsufficientFunds, fmt.Errorf("signer holds %s, need %s",
			chain.FromBaseUnits(balance, chain.USDCDecimals), chain.FromBaseUnits(units, chain.USDCDecimals)))
	}
	return nil
}

// submitAndWait broadcasts the venue's main transaction and waits for it.
func (e execEnv) submitAndWait(ctx context.Context, req chain.TxRequest) (common.Hash, *Error) {
	hash, err := e.sub.Submit(ctx, req)
	if err != nil {
		// A send that hit the deadline may still have reached the node.
		broadcast := errors.Is(err, chain.ErrBroadcast) && ctx.Err() != nil
		return common.Hash{}, classify(ctx, err, broadcast, "")
	}
	if _, err := chain.WaitMined(ctx, e.backend, hash, e.confirmTimeout, e.pollInterval); err != nil {
		return hash, classify(ctx, err, true, hash.Hex())
	}
	return hash, nil
}

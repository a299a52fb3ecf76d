package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrConfirmTimeout means no receipt appeared before the deadline. The
	// transaction may still be mined later.
	ErrConfirmTimeout = errors.New("chain: confirmation timed out")
	// ErrReverted means the transaction was mined with a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
)

// DefaultPollInterval is how often WaitMined asks for the receipt.
const DefaultPollInterval = time.Second

// WaitMined polls for the receipt of hash until it appears, timeout elapses
// or ctx is done. A reverted receipt is returned together with ErrReverted.
func WaitMined(ctx context.Context, backend Backend, hash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// Not-found and transient RPC errors are retried until the deadline.
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrConfirmTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

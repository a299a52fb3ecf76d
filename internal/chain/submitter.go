package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sbfxfxai/tiltvault-bridge/internal/crypto"
)

var (
	// ErrInsufficientFunds means the sending account cannot cover value plus
	// gas.
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	// ErrExecutionReverted means gas estimation showed the call would revert.
	ErrExecutionReverted = errors.New("chain: execution reverted")
	// ErrBroadcast means the node rejected the signed transaction.
	ErrBroadcast = errors.New("chain: broadcast failed")
)

// gasHeadroomPct is added on top of the estimated gas limit.
const gasHeadroomPct = 20

// TxRequest describes a transaction to sign and broadcast.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	// GasLimit skips estimation when non-zero.
	GasLimit uint64
}

// Submitter signs and broadcasts transactions for one account and returns
// the transaction hash. Submit does not wait for inclusion.
type Submitter interface {
	From() common.Address
	Submit(ctx context.Context, req TxRequest) (common.Hash, error)
}

// TxSubmitter is the Submitter backed by a local key. Nonce allocation is
// serialised so concurrent payments sharing the account do not collide.
type TxSubmitter struct {
	backend Backend
	signer  *crypto.Signer
	gas     GasPolicy
	chainID *big.Int
	logger  *slog.Logger

	mu sync.Mutex
}

// NewTxSubmitter creates a TxSubmitter for signer's account.
func NewTxSubmitter(backend Backend, signer *crypto.Signer, gas GasPolicy, chainID int64, logger *slog.Logger) *TxSubmitter {
	return &TxSubmitter{
		backend: backend,
		signer:  signer,
		gas:     gas,
		chainID: big.NewInt(chainID),
		logger: logger.With(
			slog.String("component", "tx_submitter"),
			slog.String("from", signer.Address().Hex()),
		),
	}
}

// From implements Submitter.
func (s *TxSubmitter) From() common.Address {
	return s.signer.Address()
}

// Submit implements Submitter. Only ErrBroadcast failures happen after the
// transaction was signed; none of the errors mean it reached the mempool.
func (s *TxSubmitter) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	from := s.signer.Address()

	gasPrice, err := s.gas.GasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		to := req.To
		estimated, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       &to,
			GasPrice: gasPrice,
			Value:    value,
			Data:     req.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", classifyRPCError(err))
		}
		gasLimit = estimated + estimated*gasHeadroomPct/100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := s.signer.SignTx(tx, s.chainID)
	if err != nil {
		return common.Hash{}, err
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w: %w", ErrBroadcast, classifyRPCError(err))
	}

	s.logger.Info("transaction broadcast",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("to", req.To.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price", gasPrice.String()),
		slog.Uint64("gas_limit", gasLimit),
	)
	return signed.Hash(), nil
}

// classifyRPCError tags well-known node error strings with a sentinel.
func classifyRPCError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %w", ErrExecutionReverted, err)
	default:
		return err
	}
}

// Compile-time interface check.
var _ Submitter = (*TxSubmitter)(nil)

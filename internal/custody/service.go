// Package custody moves funds out of the hub wallet: USDC to a user wallet
// and native AVAX for the user's own gas. Transfers return once broadcast.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
)

// nativeTransferGas is the fixed gas cost of a plain value transfer.
const nativeTransferGas = 21_000

// TransferResult is the outcome of a single custody transfer.
type TransferResult struct {
	Success bool
	TxHash  string
	Err     error
}

func failed(err *TransferError) TransferResult {
	return TransferResult{Err: err}
}

// Service performs hub-to-user transfers.
type Service struct {
	backend chain.Backend
	hub     chain.Submitter
	gas     chain.GasPolicy
	usdc    common.Address
	logger  *slog.Logger

	// reserved are custodial accounts other than the hub, such as the
	// delegate that signs venue transactions.
	reserved []common.Address
}

// NewService creates a custody Service. hub may be nil, in which case every
// transfer fails with KindHubNotConfigured.
func NewService(backend chain.Backend, hub chain.Submitter, gas chain.GasPolicy, usdc common.Address, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		hub:     hub,
		gas:     gas,
		usdc:    usdc,
		logger:  logger.With(slog.String("component", "custody")),
	}
}

// HubAddress returns the hub wallet address, or the zero address when no hub
// is configured.
func (s *Service) HubAddress() common.Address {
	if s.hub == nil {
		return common.Address{}
	}
	return s.hub.From()
}

// ReserveAccounts marks further custodial accounts that may never receive a
// transfer. Call it during wiring, before the first transfer.
func (s *Service) ReserveAccounts(addrs ...common.Address) {
	for _, a := range addrs {
		if a != (common.Address{}) {
			s.reserved = append(s.reserved, a)
		}
	}
}

// IsCustodial reports whether addr is the hub or a reserved account.
func (s *Service) IsCustodial(addr common.Address) bool {
	if hub := s.HubAddress(); hub != (common.Address{}) && addr == hub {
		return true
	}
	for _, a := range s.reserved {
		if addr == a {
			return true
		}
	}
	return false
}

// TransferStableAsset sends amount USDC (rounded down to 6 decimals) from the
// hub to the address to.
func (s *Service) TransferStableAsset(ctx context.Context, to string, amount decimal.Decimal, purpose string) TransferResult {
	recipient, terr := s.checkRecipient(to, purpose)
	if terr != nil {
		return s.reject(terr, to)
	}

	units := chain.ToBaseUnits(amount, chain.USDCDecimals)
	if units.Sign() <= 0 {
		return s.reject(newError(KindInvalidAmount, purpose, fmt.Errorf("amount %s rounds to zero", amount)), to)
	}

	balance, err := chain.TokenBalance(ctx, s.backend, s.usdc, s.hub.From())
	if err != nil {
		return s.reject(newError(KindRPC, purpose, err), to)
	}
	if balance.Cmp(units) < 0 {
		return s.reject(newError(KindInsufficientBalance, purpose,
			fmt.Errorf("hub holds %s USDC, need %s",
				chain.FromBaseUnits(balance, chain.USDCDecimals),
				chain.FromBaseUnits(units, chain.USDCDecimals))), to)
	}

	data, err := chain.PackTransfer(recipient, units)
	if err != nil {
		return s.reject(newError(KindRPC, purpose, err), to)
	}
	hash, err := s.hub.Submit(ctx, chain.TxRequest{To: s.usdc, Data: data})
	if err != nil {
		return s.reject(submitError(purpose, err), to)
	}

	s.logger.Info("stable asset transfer broadcast",
		slog.String("purpose", purpose),
		slog.String("wallet", recipient.Hex()),
		slog.String("amount", chain.FromBaseUnits(units, chain.USDCDecimals).String()),
		slog.String("tx_hash", hash.Hex()),
	)
	return TransferResult{Success: true, TxHash: hash.Hex()}
}

// TransferGasToken sends amountWei of the native token from the hub to the
// address to. The hub balance must cover the value plus the transfer's gas.
func (s *Service) TransferGasToken(ctx context.Context, to string, amountWei *big.Int, purpose string) TransferResult {
	recipient, terr := s.checkRecipient(to, purpose)
	if terr != nil {
		return s.reject(terr, to)
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return s.reject(newError(KindInvalidAmount, purpose, errors.New("gas amount must be positive")), to)
	}

	gasPrice, err := s.gas.GasPrice(ctx)
	if err != nil {
		return s.reject(newError(KindRPC, purpose, err), to)
	}
	balance, err := s.backend.BalanceAt(ctx, s.hub.From(), nil)
	if err != nil {
		return s.reject(newError(KindRPC, purpose, fmt.Errorf("hub balance: %w", err)), to)
	}

	required := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	required.Add(required, amountWei)
	if balance.Cmp(required) < 0 {
		return s.reject(newError(KindInsufficientBalance, purpose,
			fmt.Errorf("hub holds %s wei, need %s wei", balance, required)), to)
	}

	hash, err := s.hub.Submit(ctx, chain.TxRequest{
		To:       recipient,
		Value:    amountWei,
		GasLimit: nativeTransferGas,
	})
	if err != nil {
		return s.reject(submitError(purpose, err), to)
	}

	s.logger.Info("gas token transfer broadcast",
		slog.String("purpose", purpose),
		slog.String("wallet", recipient.Hex()),
		slog.String("amount_wei", amountWei.String()),
		slog.String("tx_hash", hash.Hex()),
	)
	return TransferResult{Success: true, TxHash: hash.Hex()}
}

// checkRecipient enforces the preconditions shared by both transfer kinds.
func (s *Service) checkRecipient(to, purpose string) (common.Address, *TransferError) {
	if s.hub == nil || s.hub.From() == (common.Address{}) {
		return common.Address{}, newError(KindHubNotConfigured, purpose, nil)
	}

	to = strings.TrimSpace(to)
	if !common.IsHexAddress(to) {
		return common.Address{}, newError(KindInvalidAddress, purpose, fmt.Errorf("%q is not a hex address", to))
	}
	recipient := common.HexToAddress(to)
	if recipient == (common.Address{}) {
		return common.Address{}, newError(KindInvalidAddress, purpose, errors.New("zero address"))
	}
	if s.IsCustodial(recipient) {
		return common.Address{}, newError(KindSelfTransferRejected, purpose, fmt.Errorf("%s is a custodial account", recipient.Hex()))
	}
	return recipient, nil
}

func (s *Service) reject(err *TransferError, to string) TransferResult {
	level := slog.LevelWarn
	if err.Kind == KindSelfTransferRejected {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "custody transfer rejected",
		slog.String("purpose", err.Purpose),
		slog.String("wallet", to),
		slog.String("kind", string(err.Kind)),
		slog.String("error", err.Error()),
	)
	return failed(err)
}

func submitError(purpose string, err error) *TransferError {
	if errors.Is(err, chain.ErrInsufficientFunds) {
		return newError(KindInsufficientBalance, purpose, err)
	}
	return newError(KindRPC, purpose, err)
}

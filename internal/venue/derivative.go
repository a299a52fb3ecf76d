package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
)

const exchangeRouterABIJSON = `[
	{"type":"function","name":"multicall","stateMutability":"payable",
	 "inputs":[{"name":"data","type":"bytes[]"}],
	 "outputs":[{"name":"results","type":"bytes[]"}]},
	{"type":"function","name":"sendWnt","stateMutability":"payable",
	 "inputs":[{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"sendTokens","stateMutability":"payable",
	 "inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"createOrder","stateMutability":"payable",
	 "inputs":[{"name":"params","type":"tuple","components":[
		{"name":"addresses","type":"tuple","components":[
			{"name":"receiver","type":"address"},
			{"name":"cancellationReceiver","type":"address"},
			{"name":"callbackContract","type":"address"},
			{"name":"uiFeeReceiver","type":"address"},
			{"name":"market","type":"address"},
			{"name":"initialCollateralToken","type":"address"},
			{"name":"swapPath","type":"address[]"}]},
		{"name":"numbers","type":"tuple","components":[
			{"name":"sizeDeltaUsd","type":"uint256"},
			{"name":"initialCollateralDeltaAmount","type":"uint256"},
			{"name":"triggerPrice","type":"uint256"},
			{"name":"acceptablePrice","type":"uint256"},
			{"name":"executionFee","type":"uint256"},
			{"name":"callbackGasLimit","type":"uint256"},
			{"name":"minOutputAmount","type":"uint256"},
			{"name":"validFromTime","type":"uint256"}]},
		{"name":"orderType","type":"uint8"},
		{"name":"decreasePositionSwapType","type":"uint8"},
		{"name":"isLong","type":"bool"},
		{"name":"shouldUnwrapNativeToken","type":"bool"},
		{"name":"autoCancel","type":"bool"},
		{"name":"referralCode","type":"bytes32"}]}],
	 "outputs":[{"name":"","type":"bytes32"}]}
]`

// ExchangeRouterABI covers the router calls used to open a position.
var ExchangeRouterABI = chain.MustParseABI(exchangeRouterABIJSON)

// orderTypeMarketIncrease opens or increases a position at market.
const orderTypeMarketIncrease uint8 = 2

// usdPriceDecimals is the fixed-point precision of exchange USD values.
const usdPriceDecimals = 30

type orderAddresses struct {
	Receiver               common.Address   `abi:"receiver"`
	CancellationReceiver   common.Address   `abi:"cancellationReceiver"`
	CallbackContract       common.Address   `abi:"callbackContract"`
	UiFeeReceiver          common.Address   `abi:"uiFeeReceiver"`
	Market                 common.Address   `abi:"market"`
	InitialCollateralToken common.Address   `abi:"initialCollateralToken"`
	SwapPath               []common.Address `abi:"swapPath"`
}

type orderNumbers struct {
	SizeDeltaUsd                 *big.Int `abi:"sizeDeltaUsd"`
	InitialCollateralDeltaAmount *big.Int `abi:"initialCollateralDeltaAmount"`
	TriggerPrice                 *big.Int `abi:"triggerPrice"`
	AcceptablePrice              *big.Int `abi:"acceptablePrice"`
	ExecutionFee                 *big.Int `abi:"executionFee"`
	CallbackGasLimit             *big.Int `abi:"callbackGasLimit"`
	MinOutputAmount              *big.Int `abi:"minOutputAmount"`
	ValidFromTime                *big.Int `abi:"validFromTime"`
}

type createOrderParams struct {
	Addresses                orderAddresses `abi:"addresses"`
	Numbers                  orderNumbers   `abi:"numbers"`
	OrderType                uint8          `abi:"orderType"`
	DecreasePositionSwapType uint8          `abi:"decreasePositionSwapType"`
	IsLong                   bool           `abi:"isLong"`
	ShouldUnwrapNativeToken  bool           `abi:"shouldUnwrapNativeToken"`
	AutoCancel               bool           `abi:"autoCancel"`
	ReferralCode             [32]byte       `abi:"referralCode"`
}

// DerivativeConfig configures the DerivativeAdapter.
type DerivativeConfig struct {
	MarketSymbol    string
	Collateral      common.Address
	ExchangeRouter  common.Address
	RouterSpender   common.Address
	OrderVault      common.Address
	MinCollateral   decimal.Decimal
	MinPositionSize decimal.Decimal
	ExecutionFee    *big.Int
	// AcceptableSlippage is a fraction, e.g. 0.01 for 1%.
	AcceptableSlippage decimal.Decimal
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
}

// DerivativeAdapter opens a long market position with USDC collateral. The
// order is sent as one router multicall carrying the execution fee, the
// collateral transfer and createOrder.
type DerivativeAdapter struct {
	env     execEnv
	cfg     DerivativeConfig
	markets *MarketsClient
	logger  *slog.Logger
}

// NewDerivativeAdapter creates a DerivativeAdapter that signs with sub.
func NewDerivativeAdapter(backend chain.Backend, sub chain.Submitter, custodian common.Address, markets *MarketsClient, cfg DerivativeConfig, logger *slog.Logger) *DerivativeAdapter {
	if cfg.ExecutionFee == nil {
		cfg.ExecutionFee = new(big.Int)
	}
	return &DerivativeAdapter{
		env: execEnv{
			backend:        backend,
			sub:            sub,
			custodian:      custodian,
			confirmTimeout: cfg.ConfirmTimeout,
			pollInterval:   cfg.PollInterval,
		},
		cfg:     cfg,
		markets: markets,
		logger:  logger.With(slog.String("component", "derivative_adapter")),
	}
}

// Name implements Adapter.
func (a *DerivativeAdapter) Name() string { return "derivative" }

// Execute implements Adapter. req.Amount is the collateral; the position
// size is Amount * Leverage.
func (a *DerivativeAdapter) Execute(ctx context.Context, req Request) Result {
	log := a.logger.With(slog.String("payment_id", req.PaymentID), slog.String("wallet", req.Beneficiary))

	if req.Leverage.LessThan(decimal.NewFromInt(1)) {
		return a.fail(log, newError(KindBelowMinimum, fmt.Errorf("leverage %s below 1x", req.Leverage)))
	}
	if req.Amount.LessThan(a.cfg.MinCollateral) || req.Amount.Sign() <= 0 {
		return a.fail(log, newError(KindBelowMinimum,
			fmt.Errorf("collateral %s below minimum %s", req.Amount, a.cfg.MinCollateral)))
	}
	size := req.Amount.Mul(req.Leverage)
	if size.LessThan(a.cfg.MinPositionSize) {
		return a.fail(log, newError(KindBelowMinimum,
			fmt.Errorf("position size %s below minimum %s", size, a.cfg.MinPositionSize)))
	}

	beneficiary, verr := a.env.checkBeneficiary(req.Beneficiary)
	if verr != nil {
		return a.fail(log, verr)
	}

	market, err := a.markets.Resolve(ctx, a.cfg.MarketSymbol, a.cfg.Collateral.Hex())
	if err != nil {
		return a.fail(log, a.marketError(ctx, err))
	}
	_, maxPrice, err := a.markets.IndexPrice(ctx, market.IndexToken)
	if err != nil {
		return a.fail(log, a.marketError(ctx, err))
	}

	units := chain.ToBaseUnits(req.Amount, chain.USDCDecimals)
	if verr := a.env.checkFunds(ctx, a.cfg.Collateral, units); verr != nil {
		return a.fail(log, verr)
	}
	if verr := a.env.ensureAllowance(ctx, a.cfg.Collateral, a.cfg.RouterSpender, units); verr != nil {
		return a.fail(log, verr)
	}

	data, err := a.packOrder(beneficiary, common.HexToAddress(market.MarketToken), units, size, maxPrice)
	if err != nil {
		return a.fail(log, newError(KindProtocol, err))
	}
	hash, verr := a.env.submitAndWait(ctx, chain.TxRequest{
		To:    a.cfg.ExchangeRouter,
		Value: a.cfg.ExecutionFee,
		Data:  data,
	})
	if verr != nil {
		return a.fail(log, verr)
	}

	log.Info("derivative order confirmed",
		slog.String("market", market.Symbol),
		slog.String("collateral", req.Amount.String()),
		slog.String("size_usd", size.String()),
		slog.String("tx_hash", hash.Hex()),
	)
	return Result{Success: true, TxHash: hash.Hex(), Broadcast: true}
}

func (a *DerivativeAdapter) marketError(ctx context.Context, err error) *Error {
	if errors.Is(err, errNoMarket) {
		return newError(KindMarketNotFound, err)
	}
	return classify(ctx, err, false, "")
}

// packOrder encodes multicall(sendWnt, sendTokens, createOrder).
func (a *DerivativeAdapter) packOrder(receiver, market common.Address, collateralUnits *big.Int, sizeUSD decimal.Decimal, maxPrice *big.Int) ([]byte, error) {
	sendWnt, err := ExchangeRouterABI.Pack("sendWnt", a.cfg.OrderVault, a.cfg.ExecutionFee)
	if err != nil {
		return nil, fmt.Errorf("pack sendWnt: %w", err)
	}
	sendTokens, err := ExchangeRouterABI.Pack("sendTokens", a.cfg.Collateral, a.cfg.OrderVault, collateralUnits)
	if err != nil {
		return nil, fmt.Errorf("pack sendTokens: %w", err)
	}

	// Longs accept fills up to maxPrice plus slippage.
	acceptable := decimal.NewFromBigInt(maxPrice, 0).
		Mul(decimal.NewFromInt(1).Add(a.cfg.AcceptableSlippage)).
		Floor().BigInt()

	params := createOrderParams{
		Addresses: orderAddresses{
			Receiver:               receiver,
			CancellationReceiver:   receiver,
			Market:                 market,
			InitialCollateralToken: a.cfg.Collateral,
			SwapPath:               []common.Address{},
		},
		Numbers: orderNumbers{
			SizeDeltaUsd:                 sizeUSD.Shift(usdPriceDecimals).Floor().BigInt(),
			InitialCollateralDeltaAmount: collateralUnits,
			TriggerPrice:                 new(big.Int),
			AcceptablePrice:              acceptable,
			ExecutionFee:                 a.cfg.ExecutionFee,
			CallbackGasLimit:             new(big.Int),
			MinOutputAmount:              new(big.Int),
			ValidFromTime:                new(big.Int),
		},
		OrderType: orderTypeMarketIncrease,
		IsLong:    true,
	}
	createOrder, err := ExchangeRouterABI.Pack("createOrder", params)
	if err != nil {
		return nil, fmt.Errorf("pack createOrder: %w", err)
	}

	return ExchangeRouterABI.Pack("multicall", [][]byte{sendWnt, sendTokens, createOrder})
}

func (a *DerivativeAdapter) fail(log *slog.Logger, err *Error) Result {
	log.Warn("derivative order failed",
		slog.String("kind", string(err.Kind)),
		slog.Bool("broadcast", err.Broadcast),
		slog.String("error", err.Error()),
	)
	return failure(err)
}

// Compile-time interface check.
var _ Adapter = (*DerivativeAdapter)(nil)

package venue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
)

const poolABIJSON = `[
	{"type":"function","name":"supply","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"asset","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"onBehalfOf","type":"address"},
		{"name":"referralCode","type":"uint16"}],
	 "outputs":[]}
]`

// PoolABI is the lending pool's supply entry point.
var PoolABI = chain.MustParseABI(poolABIJSON)

// LendingConfig configures the LendingAdapter.
type LendingConfig struct {
	Pool           common.Address
	Asset          common.Address
	MinSupply      decimal.Decimal
	ReferralCode   uint16
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// LendingAdapter supplies USDC to an Aave v3 style pool on behalf of the user.
type LendingAdapter struct {
	env    execEnv
	cfg    LendingConfig
	logger *slog.Logger
}

// NewLendingAdapter creates a LendingAdapter that signs with sub. custodian is
// the hub address, which may never be the beneficiary.
func NewLendingAdapter(backend chain.Backend, sub chain.Submitter, custodian common.Address, cfg LendingConfig, logger *slog.Logger) *LendingAdapter {
	return &LendingAdapter{
		env: execEnv{
			backend:        backend,
			sub:            sub,
			custodian:      custodian,
			confirmTimeout: cfg.ConfirmTimeout,
			pollInterval:   cfg.PollInterval,
		},
		cfg:    cfg,
		logger: logger.With(slog.String("component", "lending_adapter")),
	}
}

// Name implements Adapter.
func (a *LendingAdapter) Name() string { return "lending" }

// Execute implements Adapter. The approval, if any, is confirmed before the
// supply is sent; the supply itself is awaited up to the confirm timeout.
func (a *LendingAdapter) Execute(ctx context.Context, req Request) Result {
	log := a.logger.With(slog.String("payment_id", req.PaymentID), slog.String("wallet", req.Beneficiary))

	if req.Amount.LessThan(a.cfg.MinSupply) || req.Amount.Sign() <= 0 {
		return a.fail(log, newError(KindBelowMinimum,
			fmt.Errorf("supply %s below minimum %s", req.Amount, a.cfg.MinSupply)))
	}

	beneficiary, verr := a.env.checkBeneficiary(req.Beneficiary)
	if verr != nil {
		return a.fail(log, verr)
	}

	units := chain.ToBaseUnits(req.Amount, chain.USDCDecimals)
	if verr := a.env.checkFunds(ctx, a.cfg.Asset, units); verr != nil {
		return a.fail(log, verr)
	}
	if verr := a.env.ensureAllowance(ctx, a.cfg.Asset, a.cfg.Pool, units); verr != nil {
		return a.fail(log, verr)
	}

	data, err := PoolABI.Pack("supply", a.cfg.Asset, units, beneficiary, a.cfg.ReferralCode)
	if err != nil {
		return a.fail(log, newError(KindProtocol, err))
	}
	hash, verr := a.env.submitAndWait(ctx, chain.TxRequest{To: a.cfg.Pool, Data: data})
	if verr != nil {
		return a.fail(log, verr)
	}

	log.Info("lending supply confirmed",
		slog.String("amount", req.Amount.String()),
		slog.String("tx_hash", hash.Hex()),
	)
	return Result{Success: true, TxHash: hash.Hex(), Broadcast: true}
}

func (a *LendingAdapter) fail(log *slog.Logger, err *Error) Result {
	log.Warn("lending supply failed",
		slog.String("kind", string(err.Kind)),
		slog.Bool("broadcast", err.Broadcast),
		slog.String("error", err.Error()),
	)
	return failure(err)
}

// Compile-time interface check.
var _ Adapter = (*LendingAdapter)(nil)

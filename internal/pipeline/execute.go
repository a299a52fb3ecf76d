package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/metrics"
	"github.com/sbfxfxai/tiltvault-bridge/internal/retry"
	"github.com/sbfxfxai/tiltvault-bridge/internal/strategy"
	"github.com/sbfxfxai/tiltvault-bridge/internal/venue"
)

// Step names, also used as step-marker keys and metric labels.
const (
	StepDerivative = "derivative"
	StepLending    = "lending"
)

// Gas top-up purposes. A payment without a derivative allocation only needs
// gas to later withdraw.
const (
	PurposeExitFees      = "exit fees"
	PurposeExecutionFees = "execution fees"
)

// pendingStep is the marker for a leg whose venue transaction was broadcast
// but never confirmed.
func pendingStep(step string) string { return step + "_unconfirmed" }

// EventUnrecorded is raised when funds moved but the idempotency marker for
// them could not be written.
const EventUnrecorded = "unrecorded"

var errDerivativeDisabled = errors.New("pipeline: derivative venue is disabled")

// plan is everything resolved before funds move.
type plan struct {
	paymentID string
	wallet    common.Address
	profile   strategy.Profile
	deposit   decimal.Decimal
	alloc     strategy.Allocation
}

// legOutcome is a LegOutcome plus whether its failure leaves the payment
// retryable.
type legOutcome struct {
	LegOutcome
	retry bool
}

func (p *Processor) execute(ctx context.Context, log *slog.Logger, ev domain.PaymentEvent) Result {
	pl, res, ok := p.resolve(ctx, log, ev)
	if !ok {
		return res
	}
	log = log.With(
		slog.String("wallet", pl.wallet.Hex()),
		slog.String("strategy", pl.profile.Name),
	)

	pos, err := p.openPosition(ctx, pl)
	if err != nil {
		log.ErrorContext(ctx, "could not record position; nothing executed", slog.String("error", err.Error()))
		return failResult(ActionStoreUnavailable, pl.paymentID, err)
	}

	log.InfoContext(ctx, "executing strategy",
		slog.String("deposit", pl.deposit.String()),
		slog.String("lending", pl.alloc.LendingAmount.String()),
		slog.String("derivative", pl.alloc.DerivativeAmount.String()),
	)
	p.audit(ctx, "execution_started", map[string]any{
		"payment_id": pl.paymentID,
		"wallet":     pl.wallet.Hex(),
		"strategy":   pl.profile.Name,
		"deposit":    pl.deposit.String(),
	})

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionBudget)
	defer cancel()

	res = newResult(ActionStrategyExecuted, pl.paymentID)
	res.PositionID = pos.ID
	res.Deposit = pl.deposit.StringFixed(2)
	res.GasTxHash = p.fundGas(execCtx, log, pl)

	var legs []legOutcome
	if pl.alloc.DerivativeAmount.Sign() > 0 {
		legs = append(legs, p.runLeg(execCtx, log, pl, StepDerivative, p.deps.Derivative, pl.alloc.DerivativeAmount))
	}
	if pl.alloc.LendingAmount.Sign() > 0 {
		legs = append(legs, p.runLeg(execCtx, log, pl, StepLending, p.deps.Lending, pl.alloc.LendingAmount))
	}

	return p.finish(ctx, log, pl, pos, res, legs)
}

// resolve looks up metadata and computes the plan. When ok is false res is
// the response and nothing may be executed.
func (p *Processor) resolve(ctx context.Context, log *slog.Logger, ev domain.PaymentEvent) (pl plan, res Result, ok bool) {
	meta, err := DecodeNote(ev.Note)
	if err != nil {
		log.WarnContext(ctx, "payment note rejected", slog.String("error", err.Error()))
		return plan{}, failResult(ActionValidationFailed, ev.ID, err), false
	}

	info, err := p.lookupPaymentInfo(ctx, log, ev, meta)
	if err != nil {
		if errors.Is(err, domain.ErrMissingPaymentInfo) {
			log.WarnContext(ctx, "no payment info and no wallet in note", slog.String("error", err.Error()))
			p.audit(ctx, "validation_failed", map[string]any{"payment_id": ev.ID, "reason": err.Error()})
			return plan{}, failResult(ActionValidationFailed, ev.ID, err), false
		}
		log.ErrorContext(ctx, "payment info lookup failed", slog.String("error", err.Error()))
		return plan{}, failResult(ActionStoreUnavailable, ev.ID, err), false
	}

	raw := strings.TrimSpace(info.WalletAddress)
	if !common.IsHexAddress(raw) || common.HexToAddress(raw) == (common.Address{}) {
		err := fmt.Errorf("pipeline: wallet %q is not a valid address: %w", raw, domain.ErrInvalidPayload)
		log.WarnContext(ctx, "invalid wallet address", slog.String("wallet", raw))
		p.audit(ctx, "validation_failed", map[string]any{"payment_id": ev.ID, "reason": err.Error()})
		return plan{}, failResult(ActionValidationFailed, ev.ID, err), false
	}
	wallet := common.HexToAddress(raw)

	if p.deps.Custody.IsCustodial(wallet) {
		err := fmt.Errorf("pipeline: payment %s names custodial account %s as recipient: %w", ev.ID, wallet.Hex(), domain.ErrDataIntegrity)
		return plan{}, p.block(ctx, log, ev.ID, err), false
	}

	if ev.Currency != "" && !strings.EqualFold(ev.Currency, "USD") {
		err := fmt.Errorf("pipeline: unsupported currency %q: %w", ev.Currency, domain.ErrDataIntegrity)
		return plan{}, p.block(ctx, log, ev.ID, err), false
	}

	riskName := info.RiskProfile
	if riskName == "" {
		riskName = meta.RiskProfile
	}
	profile, usedFallback := strategy.ResolveProfile(riskName)
	if usedFallback {
		log.WarnContext(ctx, "unknown risk profile; using default",
			slog.String("requested", riskName),
			slog.String("profile", profile.Name),
		)
	}

	gross := ev.GrossAmount()
	deposit, recomputed, err := strategy.ResolveBaseDeposit(info.Amount, gross, p.cfg.Fees.Model(meta))
	if err != nil {
		return plan{}, p.block(ctx, log, ev.ID, err), false
	}
	if recomputed {
		metrics.DepositsRecomputed.Inc()
		log.WarnContext(ctx, "stored deposit implausible; recomputed from gross",
			slog.String("stored", info.Amount.String()),
			slog.String("gross", gross.String()),
			slog.String("deposit", deposit.String()),
		)
	}

	alloc := strategy.ComputeAllocation(deposit, profile)
	if alloc.Total().GreaterThan(gross) {
		err := fmt.Errorf("pipeline: allocation %s exceeds gross %s: %w", alloc.Total(), gross, domain.ErrDataIntegrity)
		return plan{}, p.block(ctx, log, ev.ID, err), false
	}

	return plan{
		paymentID: ev.ID,
		wallet:    wallet,
		profile:   profile,
		deposit:   deposit,
		alloc:     alloc,
	}, Result{}, true
}

// lookupPaymentInfo finds the PaymentInfo registered for ev. The lookup key is
// the note's payment id, then the processor reference id, then the event id.
// Without a registration the note's wallet is used and the deposit is
// recomputed from the gross amount.
func (p *Processor) lookupPaymentInfo(ctx context.Context, log *slog.Logger, ev domain.PaymentEvent, meta domain.PaymentMetadata) (domain.PaymentInfo, error) {
	key := ev.ID
	switch {
	case meta.PaymentID != "":
		key = meta.PaymentID
	case ev.ReferenceID != "":
		key = ev.ReferenceID
	}

	info, err := p.deps.PaymentInfo.Get(ctx, key)
	switch {
	case err == nil:
		if info.RiskProfile == "" {
			info.RiskProfile = meta.RiskProfile
		}
		return info, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.PaymentInfo{}, fmt.Errorf("pipeline: payment info %s: %w: %w", key, domain.ErrInfrastructure, err)
	case meta.WalletAddress == "":
		return domain.PaymentInfo{}, fmt.Errorf("pipeline: payment info %s: %w", key, domain.ErrMissingPaymentInfo)
	}

	log.WarnContext(ctx, "payment info not registered; using note metadata", slog.String("lookup_key", key))
	return domain.PaymentInfo{
		PaymentID:     key,
		WalletAddress: meta.WalletAddress,
		RiskProfile:   meta.RiskProfile,
		UserEmail:     meta.Email,
	}, nil
}

// block stops a payment for manual investigation. No ProcessedRecord is
// written, so a corrected registration can be retried.
func (p *Processor) block(ctx context.Context, log *slog.Logger, paymentID string, err error) Result {
	log.ErrorContext(ctx, "payment blocked", slog.String("error", err.Error()))
	p.audit(ctx, "blocked", map[string]any{"payment_id": paymentID, "reason": err.Error()})
	p.notify(ctx, "blocked", "Payment blocked", fmt.Sprintf("payment %s: %v", paymentID, err))
	return failResult(ActionBlocked, paymentID, err)
}

// openPosition creates the UserPosition, or reuses the one a previous attempt
// created.
func (p *Processor) openPosition(ctx context.Context, pl plan) (domain.UserPosition, error) {
	now := p.now().UTC()
	pos := domain.UserPosition{
		ID:                  newPositionID(),
		PaymentID:           pl.paymentID,
		WalletAddress:       pl.wallet.Hex(),
		StrategyType:        pl.profile.Name,
		USDCAmount:          pl.deposit,
		Status:              domain.PositionStatusExecuting,
		AaveSupplyAmount:    pl.alloc.LendingAmount,
		GmxCollateralAmount: pl.alloc.DerivativeAmount,
		GmxLeverage:         decimal.Zero,
		GmxPositionSize:     decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if pl.alloc.DerivativeAmount.Sign() > 0 {
		pos.GmxLeverage = pl.alloc.Leverage
		pos.GmxPositionSize = pl.alloc.PositionSize()
	}

	err := p.deps.Positions.Create(ctx, pos)
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return domain.UserPosition{}, err
	}

	existing, err := p.deps.Positions.GetByPaymentID(ctx, pl.paymentID)
	if err != nil {
		return domain.UserPosition{}, err
	}
	existing.Status = domain.PositionStatusExecuting
	existing.UpdatedAt = now
	if err := p.deps.Positions.Update(ctx, existing); err != nil {
		return domain.UserPosition{}, err
	}
	return existing, nil
}

// fundGas sends the native gas top-up at most once per payment. Failure does
// not stop execution.
func (p *Processor) fundGas(ctx context.Context, log *slog.Logger, pl plan) string {
	if p.cfg.GasTopUpWei == nil || p.cfg.GasTopUpWei.Sign() <= 0 {
		return ""
	}

	funded, err := p.deps.Idempotency.HasGasFunding(ctx, pl.paymentID)
	if err != nil {
		log.WarnContext(ctx, "gas marker unreadable; skipping top-up", slog.String("error", err.Error()))
		return ""
	}
	if funded {
		log.InfoContext(ctx, "gas top-up already sent")
		return ""
	}

	purpose := PurposeExecutionFees
	if pl.alloc.DerivativeAmount.Sign() == 0 {
		purpose = PurposeExitFees
	}

	tr := p.deps.Custody.TransferGasToken(ctx, pl.wallet.Hex(), p.cfg.GasTopUpWei, purpose)
	metrics.CustodyTransfers.WithLabelValues(purpose, metrics.Outcome(tr.Success)).Inc()
	if !tr.Success {
		log.WarnContext(ctx, "gas top-up failed; continuing", slog.String("error", errString(tr.Err)))
		return ""
	}
	if err := p.deps.Idempotency.MarkGasFunded(ctx, pl.paymentID, tr.TxHash); err != nil {
		log.ErrorContext(ctx, "gas top-up sent but marker not written",
			slog.String("tx_hash", tr.TxHash),
			slog.String("error", err.Error()),
		)
		p.notifyUnrecorded(ctx, pl.paymentID, "gas top-up", tr.TxHash, err)
	}
	return tr.TxHash
}

// runLeg executes one venue leg with the retry policy, falling back to a
// direct wallet transfer on a recoverable failure. A leg a previous attempt
// already completed is not run again.
func (p *Processor) runLeg(ctx context.Context, log *slog.Logger, pl plan, step string, adapter venue.Adapter, amount decimal.Decimal) legOutcome {
	out := legOutcome{LegOutcome: LegOutcome{Venue: step, Amount: amount.String()}}
	log = log.With(slog.String("venue", step), slog.String("amount", amount.String()))

	done, err := p.deps.Idempotency.StepOutcome(ctx, pl.paymentID, step)
	if err != nil {
		// Whether an earlier attempt moved these funds is unknown.
		log.ErrorContext(ctx, "step marker unreadable; leaving leg for retry", slog.String("error", err.Error()))
		out.Error = err.Error()
		out.retry = true
		return out
	}
	if done != "" {
		log.InfoContext(ctx, "leg completed by an earlier attempt", slog.String("tx_hash", done))
		out.Success = true
		out.Skipped = true
		out.TxHash = done
		return out
	}

	sent, err := p.deps.Idempotency.StepOutcome(ctx, pl.paymentID, pendingStep(step))
	if err != nil {
		log.ErrorContext(ctx, "step marker unreadable; leaving leg for retry", slog.String("error", err.Error()))
		out.Error = err.Error()
		out.retry = true
		return out
	}

	var cause error
	switch {
	case sent != "":
		// The venue transaction may still land; submitting it again could
		// open the position twice.
		cause = fmt.Errorf("pipeline: %s transaction %s from an earlier attempt is unconfirmed", step, sent)
	case adapter == nil:
		cause = errDerivativeDisabled
	default:
		vr, err := p.callVenue(ctx, log, pl, adapter, amount)
		if err == nil {
			out.Success = true
			out.TxHash = vr.TxHash
			p.completeStep(ctx, log, pl.paymentID, step, vr.TxHash)
			return out
		}
		out.Error = err.Error()
		if !venue.IsRecoverable(err) {
			log.WarnContext(ctx, "venue failed terminally",
				slog.String("kind", string(venue.KindOf(err))),
				slog.String("error", err.Error()),
			)
			return out
		}
		if vr.Broadcast {
			hash := vr.TxHash
			if hash == "" {
				hash = "unknown"
			}
			p.completeStep(ctx, log, pl.paymentID, pendingStep(step), hash)
		}
		cause = err
	}

	return p.fallback(ctx, log, pl, step, amount, cause, out)
}

// callVenue wraps one adapter call in the retry policy. Only failures that
// never reached the network are retried.
func (p *Processor) callVenue(ctx context.Context, log *slog.Logger, pl plan, adapter venue.Adapter, amount decimal.Decimal) (venue.Result, error) {
	req := venue.Request{
		PaymentID:   pl.paymentID,
		Beneficiary: pl.wallet.Hex(),
		Amount:      amount,
		Leverage:    pl.alloc.Leverage,
	}

	var last venue.Result
	policy := p.cfg.Retry.WithPredicate(venue.IsRetryable)
	onRetry := func(attempt int, err error, wait time.Duration) {
		log.WarnContext(ctx, "retrying venue call",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	_, err := retry.Do(ctx, policy, onRetry, func(ctx context.Context) (venue.Result, error) {
		last = adapter.Execute(ctx, req)
		if !last.Success && last.Err == nil {
			last.Err = fmt.Errorf("venue: %s reported failure without a cause", adapter.Name())
		}
		metrics.VenueExecutions.WithLabelValues(adapter.Name(), metrics.Outcome(last.Success)).Inc()
		return last, last.Err
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

// fallback delivers the leg's allocation straight to the user wallet so they
// can deploy it manually.
func (p *Processor) fallback(ctx context.Context, log *slog.Logger, pl plan, step string, amount decimal.Decimal, cause error, out legOutcome) legOutcome {
	log.WarnContext(ctx, "recoverable venue failure; sending allocation to wallet",
		slog.String("cause", cause.Error()),
	)

	tr := p.deps.Custody.TransferStableAsset(ctx, pl.wallet.Hex(), amount, "fallback "+step)
	metrics.FallbackTransfers.WithLabelValues(step, metrics.Outcome(tr.Success)).Inc()
	metrics.CustodyTransfers.WithLabelValues("fallback", metrics.Outcome(tr.Success)).Inc()
	out.Fallback = true

	if !tr.Success {
		out.Error = fmt.Sprintf("%s; fallback transfer failed: %s", cause, errString(tr.Err))
		out.retry = true
		log.ErrorContext(ctx, "fallback transfer failed; payment left retryable", slog.String("error", errString(tr.Err)))
		return out
	}

	out.Success = true
	out.TxHash = tr.TxHash
	out.Error = ""
	out.Note = fmt.Sprintf("%s venue unavailable (%s); %s USDC sent to wallet for manual deployment", step, cause, amount)
	p.completeStep(ctx, log, pl.paymentID, step, tr.TxHash)
	p.notify(ctx, "fallback", "Fallback transfer sent",
		fmt.Sprintf("payment %s: %s USDC for %s sent to %s (tx %s)", pl.paymentID, amount, step, pl.wallet.Hex(), tr.TxHash))
	return out
}

func (p *Processor) completeStep(ctx context.Context, log *slog.Logger, paymentID, step, txHash string) {
	if err := p.deps.Idempotency.MarkStepCompleted(ctx, paymentID, step, txHash); err != nil {
		log.ErrorContext(ctx, "leg completed but step marker not written",
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
		p.notifyUnrecorded(ctx, paymentID, step, txHash, err)
	}
}

// notifyUnrecorded alerts operators that funds moved but the marker that
// stops a redelivery from moving them again was lost. Until the marker is
// restored by hand a duplicate delivery would repeat the transfer.
func (p *Processor) notifyUnrecorded(ctx context.Context, paymentID, what, txHash string, err error) {
	metrics.UnrecordedExecutions.Inc()
	p.notify(ctx, EventUnrecorded, "Executed payment not recorded",
		fmt.Sprintf("payment %s: %s tx %s succeeded but its marker was not written (%v); a redelivery may repeat it", paymentID, what, txHash, err))
}

// finish decides the payment outcome and persists it. A record with a real
// hash is written only when at least one leg succeeded and none is left
// waiting for a retry.
func (p *Processor) finish(ctx context.Context, log *slog.Logger, pl plan, pos domain.UserPosition, res Result, legs []legOutcome) Result {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var (
		firstHash string
		anyOK     bool
		needRetry bool
		notes     []string
	)
	for _, l := range legs {
		res.Legs = append(res.Legs, l.LegOutcome)
		switch {
		case l.Success:
			anyOK = true
			if firstHash == "" {
				firstHash = l.TxHash
			}
			if l.Note != "" {
				notes = append(notes, l.Note)
			}
		case l.retry:
			needRetry = true
			notes = append(notes, l.Venue+": "+l.Error)
		default:
			notes = append(notes, l.Venue+": "+l.Error)
		}
		if l.Success && !l.Fallback && !l.Skipped {
			switch l.Venue {
			case StepDerivative:
				pos.GmxOrderTxHash = l.TxHash
			case StepLending:
				pos.AaveSupplyTxHash = l.TxHash
			}
		}
	}

	var outcome string
	switch {
	case needRetry:
		outcome = domain.OutcomePending
		res.Action = ActionExecutionRetry
		pos.Status = domain.PositionStatusPending
	case anyOK:
		outcome = firstHash
		if !domain.IsTerminalOutcome(outcome) {
			outcome = "executed"
		}
		res.Action = ActionStrategyExecuted
		res.TxHash = firstHash
		pos.Status = domain.PositionStatusActive
	default:
		outcome = domain.OutcomeFailed
		res.Action = ActionExecutionFailed
		pos.Status = domain.PositionStatusPending
	}
	res.Success = res.Action.Succeeded()
	pos.Error = strings.Join(notes, "; ")
	if !res.Success {
		res.Error = pos.Error
	}

	if err := p.deps.Idempotency.MarkProcessed(pctx, pl.paymentID, outcome); err != nil {
		log.ErrorContext(ctx, "processed record not written",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		if anyOK {
			p.notifyUnrecorded(pctx, pl.paymentID, "processed record", firstHash, err)
		}
	}

	pos.UpdatedAt = p.now().UTC()
	if err := p.deps.Positions.Update(pctx, pos); err != nil {
		log.ErrorContext(ctx, "position update failed", slog.String("error", err.Error()))
	}

	log.InfoContext(ctx, "payment processed",
		slog.String("action", string(res.Action)),
		slog.String("outcome", outcome),
		slog.String("tx_hash", res.TxHash),
	)
	p.audit(pctx, string(res.Action), map[string]any{
		"payment_id": pl.paymentID,
		"outcome":    outcome,
		"legs":       res.Legs,
	})
	p.publish(pctx, res)

	switch res.Action {
	case ActionExecutionRetry:
		p.notify(pctx, "execution_retry", "Payment left retryable", fmt.Sprintf("payment %s: %s", pl.paymentID, pos.Error))
	case ActionExecutionFailed:
		p.notify(pctx, "execution_failed", "Payment execution failed", fmt.Sprintf("payment %s: %s", pl.paymentID, pos.Error))
	}
	return res
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

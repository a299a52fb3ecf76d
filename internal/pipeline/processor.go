// Package pipeline turns verified payment webhooks into on-chain strategy
// execution, exactly once per payment id.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/custody"
	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/metrics"
	"github.com/sbfxfxai/tiltvault-bridge/internal/retry"
	"github.com/sbfxfxai/tiltvault-bridge/internal/strategy"
	"github.com/sbfxfxai/tiltvault-bridge/internal/venue"
)

// persistTimeout bounds the writes made after execution, which run even when
// the request context is already gone.
const persistTimeout = 5 * time.Second

// DefaultEventChannel is the bus channel pipeline outcomes are published on.
const DefaultEventChannel = "bridge:events"

// Verifier checks a webhook signature.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// Custody moves hub funds to user wallets. IsCustodial reports accounts
// that must never be named as a recipient.
type Custody interface {
	HubAddress() common.Address
	IsCustodial(addr common.Address) bool
	TransferStableAsset(ctx context.Context, to string, amount decimal.Decimal, purpose string) custody.TransferResult
	TransferGasToken(ctx context.Context, to string, amountWei *big.Int, purpose string) custody.TransferResult
}

// Notifier alerts operators.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of a Processor. Audit, Notifier, Archiver and Bus
// are optional. A nil Derivative means the derivative venue is disabled and
// its allocation is delivered to the wallet directly.
type Deps struct {
	Verifier    Verifier
	Idempotency domain.IdempotencyStore
	Locks       domain.LockManager
	PaymentInfo domain.PaymentInfoStore
	Positions   domain.PositionStore
	Audit       domain.AuditStore
	Custody     Custody
	Lending     venue.Adapter
	Derivative  venue.Adapter
	Notifier    Notifier
	Archiver    domain.ReceiptArchiver
	Bus         domain.SignalBus
}

// Config holds the pipeline's timing and money parameters.
type Config struct {
	LockTTL         time.Duration
	ExecutionBudget time.Duration
	// GasTopUpWei is sent to the user once per payment. Zero disables it.
	GasTopUpWei  *big.Int
	Fees         strategy.FeeSchedule
	Retry        retry.Policy
	EventChannel string
}

// Processor runs the payment pipeline.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) *Processor {
	if cfg.EventChannel == "" {
		cfg.EventChannel = DefaultEventChannel
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.ExecutionBudget <= 0 {
		cfg.ExecutionBudget = 25 * time.Second
	}
	return &Processor{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pipeline")),
		now:    time.Now,
	}
}

// PaymentLockKey is the lock key for a payment id.
func PaymentLockKey(paymentID string) string {
	return "payment:" + paymentID
}

// HandleWebhook verifies, parses and processes one raw delivery. It never
// returns an error: every outcome, including a panic inside the pipeline, is
// a Result whose HTTPStatus is the response code.
func (p *Processor) HandleWebhook(ctx context.Context, body []byte, signature string) (res Result) {
	start := p.now()
	defer func() {
		metrics.WebhooksReceived.WithLabelValues(string(res.Action)).Inc()
		metrics.PipelineDuration.WithLabelValues(string(res.Action)).Observe(p.now().Sub(start).Seconds())
	}()

	if err := p.deps.Verifier.Verify(body, signature); err != nil {
		metrics.WebhookSignatureFailures.Inc()
		p.logger.ErrorContext(ctx, "webhook signature rejected", slog.String("error", err.Error()))
		p.notify(ctx, "auth_failure", "Webhook signature rejected", err.Error())
		return failResult(ActionUnauthorized, "", err)
	}

	ev, err := ParseEvent(body, start)
	if err != nil {
		p.logger.WarnContext(ctx, "malformed webhook body", slog.String("error", err.Error()))
		return failResult(ActionInvalidPayload, "", err)
	}
	if !Processable(ev) {
		p.logger.InfoContext(ctx, "webhook ignored",
			slog.String("type", ev.Type),
			slog.String("payment_id", ev.ID),
			slog.String("status", ev.Status),
		)
		return newResult(ActionIgnored, ev.ID)
	}

	res = p.Process(ctx, ev)
	p.archive(ctx, ev, body, res)
	return res
}

// Process runs a processable payment event through dedup, locking and
// execution. The payment lock is released on every return path.
func (p *Processor) Process(ctx context.Context, ev domain.PaymentEvent) (res Result) {
	log := p.logger.With(slog.String("payment_id", ev.ID))

	if r, done := p.checkProcessed(ctx, log, ev.ID); done {
		return r
	}

	unlock, err := p.deps.Locks.Acquire(ctx, PaymentLockKey(ev.ID), p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			metrics.LockContention.Inc()
			log.InfoContext(ctx, "payment is being processed by another worker")
			return newResult(ActionAlreadyProcessing, ev.ID)
		}
		log.ErrorContext(ctx, "could not acquire payment lock", slog.String("error", err.Error()))
		return failResult(ActionStoreUnavailable, ev.ID, err)
	}
	defer unlock()
	defer func() {
		if rec := recover(); rec != nil {
			log.ErrorContext(ctx, "panic in payment pipeline",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			res = failResult(ActionInternalError, ev.ID, fmt.Errorf("pipeline: panic: %v", rec))
		}
	}()

	// Another worker may have finished between the first check and the lock.
	if r, done := p.checkProcessed(ctx, log, ev.ID); done {
		return r
	}

	return p.execute(ctx, log, ev)
}

// checkProcessed consults the ProcessedRecord. done is true when processing
// must stop here, either because the payment is terminal or because its state
// is unknown.
func (p *Processor) checkProcessed(ctx context.Context, log *slog.Logger, paymentID string) (Result, bool) {
	st := p.deps.Idempotency.IsProcessed(ctx, paymentID)
	switch {
	case st.Err != nil:
		metrics.IdempotencyStoreErrors.Inc()
		log.ErrorContext(ctx, "idempotency store unavailable; refusing to move funds",
			slog.String("error", st.Err.Error()),
		)
		return failResult(ActionStoreUnavailable, paymentID, st.Err), true
	case st.Terminal:
		log.InfoContext(ctx, "payment already processed", slog.String("outcome", st.Outcome))
		r := newResult(ActionAlreadyProcessed, paymentID)
		r.TxHash = st.Outcome
		return r, true
	case st.Processed:
		log.InfoContext(ctx, "retrying non-terminal payment", slog.String("outcome", st.Outcome))
	}
	return Result{}, false
}

func (p *Processor) notify(ctx context.Context, event, title, message string) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.Notify(ctx, event, title, message); err != nil {
		p.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) audit(ctx context.Context, event string, detail map[string]any) {
	if p.deps.Audit == nil {
		return
	}
	if err := p.deps.Audit.Log(ctx, event, detail); err != nil {
		p.logger.WarnContext(ctx, "audit log write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish fans the result out to live subscribers.
func (p *Processor) publish(ctx context.Context, res Result) {
	if p.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := p.deps.Bus.Publish(ctx, p.cfg.EventChannel, payload); err != nil {
		p.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

func (p *Processor) archive(ctx context.Context, ev domain.PaymentEvent, body []byte, res Result) {
	if p.deps.Archiver == nil {
		return
	}
	outcome, err := json.Marshal(res)
	if err != nil {
		return
	}
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		payload = nil
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err = p.deps.Archiver.Archive(actx, domain.WebhookReceipt{
		PaymentID:  ev.ID,
		EventID:    ev.EventID,
		EventType:  ev.Type,
		ReceivedAt: ev.ReceivedAt,
		Action:     string(res.Action),
		HTTPStatus: res.HTTPStatus(),
		Payload:    payload,
		Outcome:    outcome,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "webhook receipt archive failed",
			slog.String("payment_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

func newPositionID() string {
	return uuid.NewString()
}

package domain

import (
	"context"
	"time"
)

// IdempotencyStore records which payments have been durably processed, which
// have already received their gas top-up, and which execution steps of a
// retried payment already moved funds.
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, paymentID string) ProcessedStatus
	MarkProcessed(ctx context.Context, paymentID, outcome string) error
	HasGasFunding(ctx context.Context, paymentID string) (bool, error)
	MarkGasFunded(ctx context.Context, paymentID, txHash string) error
	StepOutcome(ctx context.Context, paymentID, step string) (string, error)
	MarkStepCompleted(ctx context.Context, paymentID, step, txHash string) error
}

// PaymentInfoStore holds PaymentInfo registered ahead of the payment.
type PaymentInfoStore interface {
	Put(ctx context.Context, info PaymentInfo) error
	Get(ctx context.Context, paymentID string) (PaymentInfo, error)
}

// MarketCache provides fast derivative market metadata lookups.
type MarketCache interface {
	Set(ctx context.Context, market DerivativeMarket) error
	Get(ctx context.Context, symbol string) (DerivativeMarket, error)
	Invalidate(ctx context.Context, symbol string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of pipeline events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries. Since, when set, drops
// older rows.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// PositionStore persists user positions.
type PositionStore interface {
	Create(ctx context.Context, pos UserPosition) error
	Update(ctx context.Context, pos UserPosition) error
	GetByPaymentID(ctx context.Context, paymentID string) (UserPosition, error)
	ListByWallet(ctx context.Context, wallet string, opts ListOpts) ([]UserPosition, error)
}

// AuditEntry is one recorded pipeline transition.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	PaymentID string         `json:"payment_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log. ListByPayment returns a
// payment's trail oldest first.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListByPayment(ctx context.Context, paymentID string, opts ListOpts) ([]AuditEntry, error)
}

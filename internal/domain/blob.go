package domain

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// WebhookReceipt is the archived copy of one processed webhook delivery.
type WebhookReceipt struct {
	PaymentID  string          `json:"payment_id"`
	EventID    string          `json:"event_id,omitempty"`
	EventType  string          `json:"event_type"`
	ReceivedAt time.Time       `json:"received_at"`
	Action     string          `json:"action"`
	HTTPStatus int             `json:"http_status"`
	Payload    json.RawMessage `json:"payload"`
	Outcome    json.RawMessage `json:"outcome"`
}

// ReceiptArchiver stores webhook receipts for later investigation.
type ReceiptArchiver interface {
	Archive(ctx context.Context, r WebhookReceipt) error
}

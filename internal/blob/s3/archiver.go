package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// receiptContentType is the media type of archived receipts.
const receiptContentType = "application/json"

// ReceiptArchive implements domain.ReceiptArchiver on top of a blob store.
// Every delivery is written twice: once under a timestamped key that is
// never overwritten and once as the payment's latest.json.
//
//	{prefix}/receipts/{paymentID}/20260102T030405.000000000Z-strategy_executed.json
//	{prefix}/receipts/{paymentID}/latest.json
type ReceiptArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
}

// NewReceiptArchive creates a ReceiptArchive. prefix may be empty.
func NewReceiptArchive(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *ReceiptArchive {
	return &ReceiptArchive{
		writer: writer,
		reader: reader,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Archive uploads r.
func (a *ReceiptArchive) Archive(ctx context.Context, r domain.WebhookReceipt) error {
	if r.PaymentID == "" {
		return fmt.Errorf("s3blob: archive receipt: %w: payment id is empty", domain.ErrInvalidPayload)
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("s3blob: archive receipt marshal: %w", err)
	}

	history := a.historyPath(r)
	if err := a.writer.Put(ctx, history, bytes.NewReader(data), receiptContentType); err != nil {
		return fmt.Errorf("s3blob: archive receipt upload: %w", err)
	}
	if err := a.writer.Put(ctx, a.latestPath(r.PaymentID), bytes.NewReader(data), receiptContentType); err != nil {
		return fmt.Errorf("s3blob: archive latest receipt upload: %w", err)
	}
	return nil
}

// Latest returns the most recent receipt archived for paymentID, or an
// error wrapping domain.ErrNotFound.
func (a *ReceiptArchive) Latest(ctx context.Context, paymentID string) (domain.WebhookReceipt, error) {
	body, err := a.reader.Get(ctx, a.latestPath(paymentID))
	if err != nil {
		return domain.WebhookReceipt{}, err
	}
	defer body.Close()

	var r domain.WebhookReceipt
	if err := json.NewDecoder(body).Decode(&r); err != nil {
		return domain.WebhookReceipt{}, fmt.Errorf("s3blob: decode receipt %s: %w", paymentID, err)
	}
	return r, nil
}

func (a *ReceiptArchive) receiptDir(paymentID string) string {
	// Payment ids are opaque; keep them from escaping the receipts tree.
	id := strings.NewReplacer("/", "_", "..", "_").Replace(paymentID)
	return path.Join(a.prefix, "receipts", id)
}

func (a *ReceiptArchive) latestPath(paymentID string) string {
	return path.Join(a.receiptDir(paymentID), "latest.json")
}

func (a *ReceiptArchive) historyPath(r domain.WebhookReceipt) string {
	name := fmt.Sprintf("%s-%s.json", r.ReceivedAt.UTC().Format("20060102T150405.000000000Z"), r.Action)
	return path.Join(a.receiptDir(r.PaymentID), name)
}

package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// ReceiptReader loads archived webhook receipts.
type ReceiptReader interface {
	Latest(ctx context.Context, paymentID string) (domain.WebhookReceipt, error)
}

// ReceiptHandler exposes archived webhook receipts for investigation.
type ReceiptHandler struct {
	receipts ReceiptReader
	logger   *slog.Logger
}

// NewReceiptHandler creates a ReceiptHandler.
func NewReceiptHandler(receipts ReceiptReader, logger *slog.Logger) *ReceiptHandler {
	return &ReceiptHandler{receipts: receipts, logger: logHandler(logger, "receipts")}
}

// GetReceipt returns the most recent receipt archived for a payment.
// GET /api/receipts/{paymentID}
func (h *ReceiptHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	paymentID := r.PathValue("paymentID")

	rec, err := h.receipts.Latest(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receipt not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "load receipt failed",
			slog.String("payment_id", paymentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load receipt")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

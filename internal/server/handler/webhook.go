package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sbfxfxai/tiltvault-bridge/internal/pipeline"
)

// Signature headers sent by the payment processor. The first is current; the
// second is the legacy name still used by some deliveries.
const (
	SignatureHeader       = "X-Square-Hmacsha256-Signature"
	LegacySignatureHeader = "X-Square-Signature"
)

// maxWebhookBody caps how much of a delivery is read.
const maxWebhookBody = 1 << 20

// WebhookProcessor runs one raw delivery through the payment pipeline.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) pipeline.Result
}

// WebhookHandler receives payment processor webhooks.
type WebhookHandler struct {
	proc   WebhookProcessor
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(proc WebhookProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{proc: proc, logger: logHandler(logger, "webhook")}
}

// Receive verifies and processes a delivery. The response code tells the
// processor whether to redeliver.
// POST /api/square/webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "webhook body too large")
			return
		}
		h.logger.WarnContext(r.Context(), "read webhook body failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(LegacySignatureHeader)
	}

	res := h.proc.HandleWebhook(r.Context(), body, signature)
	writeJSON(w, res.HTTPStatus(), res)
}

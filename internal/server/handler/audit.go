package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// AuditHandler serves a payment's recorded pipeline transitions, the first
// stop when a blocked or retrying payment is investigated.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit")}
}

// PaymentTrail returns the audit trail of one payment, oldest first. The
// optional since parameter is an RFC 3339 timestamp.
// GET /api/payments/{paymentID}/audit
func (h *AuditHandler) PaymentTrail(w http.ResponseWriter, r *http.Request) {
	paymentID := r.PathValue("paymentID")
	opts := parseListOpts(r)

	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		opts.Since = &since
	}

	entries, err := h.audit.ListByPayment(r.Context(), paymentID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load audit trail failed",
			slog.String("payment_id", paymentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/strategy"
)

// PaymentInfoHandler lets the upstream client register a payment before the
// payer is charged.
type PaymentInfoHandler struct {
	store  domain.PaymentInfoStore
	logger *slog.Logger
	now    func() time.Time
}

// NewPaymentInfoHandler creates a PaymentInfoHandler.
func NewPaymentInfoHandler(store domain.PaymentInfoStore, logger *slog.Logger) *PaymentInfoHandler {
	return &PaymentInfoHandler{store: store, logger: logHandler(logger, "payment_info"), now: time.Now}
}

type registerPaymentRequest struct {
	PaymentID     string          `json:"payment_id"`
	WalletAddress string          `json:"wallet_address"`
	RiskProfile   string          `json:"risk_profile"`
	Amount        decimal.Decimal `json:"amount"`
	UserEmail     string          `json:"user_email"`
}

// Register stores PaymentInfo for a payment id.
// POST /api/payment-info
func (h *PaymentInfoHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerPaymentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.RiskProfile = strings.ToLower(strings.TrimSpace(req.RiskProfile))

	switch {
	case req.PaymentID == "":
		writeError(w, http.StatusBadRequest, "payment_id is required")
		return
	case !common.IsHexAddress(req.WalletAddress) || common.HexToAddress(req.WalletAddress) == (common.Address{}):
		writeError(w, http.StatusBadRequest, "wallet_address must be a non-zero hex address")
		return
	case req.Amount.Sign() <= 0:
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	case req.RiskProfile != "" && !slices.Contains(strategy.ProfileNames(), req.RiskProfile):
		writeError(w, http.StatusBadRequest, "unknown risk_profile; valid: "+strings.Join(strategy.ProfileNames(), ", "))
		return
	}

	info := domain.PaymentInfo{
		PaymentID:     req.PaymentID,
		WalletAddress: common.HexToAddress(req.WalletAddress).Hex(),
		RiskProfile:   req.RiskProfile,
		Amount:        req.Amount,
		UserEmail:     strings.TrimSpace(req.UserEmail),
		CreatedAt:     h.now().UTC(),
	}
	if err := h.store.Put(r.Context(), info); err != nil {
		h.logger.ErrorContext(r.Context(), "store payment info failed",
			slog.String("payment_id", info.PaymentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to store payment info")
		return
	}

	h.logger.InfoContext(r.Context(), "payment info registered",
		slog.String("payment_id", info.PaymentID),
		slog.String("wallet", info.WalletAddress),
		slog.String("risk_profile", info.RiskProfile),
	)
	writeJSON(w, http.StatusCreated, info)
}

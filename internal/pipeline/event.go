package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// Event types that can carry cleared funds.
const (
	EventPaymentCreated = "payment.created"
	EventPaymentUpdated = "payment.updated"
)

// envelope is the processor's webhook body. Only the fields the bridge reads
// are declared.
type envelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *struct {
				ID          string `json:"id"`
				Status      string `json:"status"`
				ReferenceID string `json:"reference_id"`
				Note        string `json:"note"`
				AmountMoney struct {
					Amount   int64  `json:"amount"`
					Currency string `json:"currency"`
				} `json:"amount_money"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook body. Malformed JSON or an envelope
// without a type wraps domain.ErrInvalidPayload. Events that carry no payment
// object return a PaymentEvent with only Type and EventID set.
func ParseEvent(body []byte, receivedAt time.Time) (domain.PaymentEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("pipeline: decode webhook body: %v: %w", err, domain.ErrInvalidPayload)
	}
	if strings.TrimSpace(env.Type) == "" {
		return domain.PaymentEvent{}, fmt.Errorf("pipeline: webhook body has no event type: %w", domain.ErrInvalidPayload)
	}

	ev := domain.PaymentEvent{
		EventID:    env.EventID,
		Type:       env.Type,
		ReceivedAt: receivedAt,
	}
	p := env.Data.Object.Payment
	if p == nil {
		return ev, nil
	}

	ev.ID = strings.TrimSpace(p.ID)
	ev.Status = p.Status
	ev.AmountMinorUnits = p.AmountMoney.Amount
	ev.Currency = p.AmountMoney.Currency
	ev.Note = p.Note
	ev.ReferenceID = strings.TrimSpace(p.ReferenceID)
	return ev, nil
}

// Processable reports whether ev represents cleared funds that should be
// converted. A payment event without an id cannot be deduplicated and is
// never processable.
func Processable(ev domain.PaymentEvent) bool {
	if ev.Type != EventPaymentCreated && ev.Type != EventPaymentUpdated {
		return false
	}
	return ev.ID != "" && ev.Status == domain.PaymentStatusCompleted
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatusCompleted is the processor status for cleared funds.
const PaymentStatusCompleted = "COMPLETED"

// PaymentEvent is one delivery of a processor payment notification. ID is the
// deduplication key; the same ID may arrive many times.
type PaymentEvent struct {
	EventID          string
	Type             string
	ID               string
	Status           string
	AmountMinorUnits int64
	Currency         string
	Note             string
	// ReferenceID is the client-generated payment id the upstream client
	// registered PaymentInfo under, when the processor carries it.
	ReferenceID string
	ReceivedAt  time.Time
}

// GrossAmount returns the charged amount in major units (USD).
func (e PaymentEvent) GrossAmount() decimal.Decimal {
	return decimal.New(e.AmountMinorUnits, -2)
}

// MetadataVersion identifies the shape of PaymentMetadata.
const MetadataVersion = 1

// PaymentMetadata is the structured form of the side-channel data carried in
// a payment note.
type PaymentMetadata struct {
	Version       int    `json:"version"`
	PaymentID     string `json:"payment_id,omitempty"`
	WalletAddress string `json:"wallet"`
	RiskProfile   string `json:"risk,omitempty"`
	Email         string `json:"email,omitempty"`
	// ERGCPurchase is the number of ERGC tokens bought on top of the deposit.
	ERGCPurchase int64 `json:"ergc,omitempty"`
	// ERGCDebit is the number of ERGC tokens the user spends instead of paying
	// the flat gas fee.
	ERGCDebit int64 `json:"debit_ergc,omitempty"`
}

// PaymentInfo is registered by the upstream client before the payment is
// submitted. Amount is the base deposit before fees and is authoritative.
type PaymentInfo struct {
	PaymentID     string          `json:"payment_id"`
	WalletAddress string          `json:"wallet_address"`
	RiskProfile   string          `json:"risk_profile"`
	Amount        decimal.Decimal `json:"amount"`
	UserEmail     string          `json:"user_email,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Outcome sentinels stored in a ProcessedRecord. Any other value is a
// transaction hash and terminal.
const (
	OutcomePending = "pending"
	OutcomeFailed  = "failed"
)

// ProcessedRecord is the durable dedup marker for a payment.
type ProcessedRecord struct {
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Terminal reports whether the record blocks any further processing.
func (r ProcessedRecord) Terminal() bool {
	return IsTerminalOutcome(r.Outcome)
}

// IsTerminalOutcome reports whether outcome is a real result rather than a
// retryable sentinel.
func IsTerminalOutcome(outcome string) bool {
	switch outcome {
	case "", OutcomePending, OutcomeFailed:
		return false
	default:
		return true
	}
}

// ProcessedStatus is the answer to "has this payment been handled". When Err
// is set the store could not be read and Processed is forced to true.
type ProcessedStatus struct {
	Processed bool
	Terminal  bool
	Outcome   string
	Err       error
}

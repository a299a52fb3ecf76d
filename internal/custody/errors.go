package custody

import (
	"errors"
	"fmt"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// Kind classifies a transfer failure.
type Kind string

const (
	KindHubNotConfigured     Kind = "hub_not_configured"
	KindInvalidAddress       Kind = "invalid_address"
	KindInvalidAmount        Kind = "invalid_amount"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindRPC                  Kind = "rpc_error"
	KindSelfTransferRejected Kind = "self_transfer_rejected"
)

// Sentinels matched by errors.Is against a *TransferError of the same kind.
var (
	ErrHubNotConfigured     = errors.New("custody: hub wallet not configured")
	ErrInvalidAddress       = errors.New("custody: invalid recipient address")
	ErrInvalidAmount        = errors.New("custody: invalid amount")
	ErrInsufficientBalance  = errors.New("custody: insufficient hub balance")
	ErrRPC                  = errors.New("custody: rpc error")
	ErrSelfTransferRejected = errors.New("custody: recipient is a custodial account")
)

var kindSentinels = map[Kind]error{
	KindHubNotConfigured:     ErrHubNotConfigured,
	KindInvalidAddress:       ErrInvalidAddress,
	KindInvalidAmount:        ErrInvalidAmount,
	KindInsufficientBalance:  ErrInsufficientBalance,
	KindRPC:                  ErrRPC,
	KindSelfTransferRejected: ErrSelfTransferRejected,
}

// kindClasses maps each kind onto the pipeline's error taxonomy.
var kindClasses = map[Kind]error{
	KindHubNotConfigured:     domain.ErrInfrastructure,
	KindInvalidAddress:       domain.ErrInvalidPayload,
	KindInvalidAmount:        domain.ErrDataIntegrity,
	KindInsufficientBalance:  domain.ErrTerminalExecution,
	KindRPC:                  domain.ErrInfrastructure,
	KindSelfTransferRejected: domain.ErrDataIntegrity,
}

// TransferError is returned for every failed custody transfer.
type TransferError struct {
	Kind    Kind
	Purpose string
	Err     error
}

func newError(kind Kind, purpose string, err error) *TransferError {
	return &TransferError{Kind: kind, Purpose: purpose, Err: err}
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("custody: %s (%s)", e.Kind, e.Purpose)
	}
	return fmt.Sprintf("custody: %s (%s): %v", e.Kind, e.Purpose, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is matches the kind's sentinel and its taxonomy class.
func (e *TransferError) Is(target error) bool {
	return target == kindSentinels[e.Kind] || target == kindClasses[e.Kind]
}

// KindOf returns the kind of a *TransferError in err's chain, or "".
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

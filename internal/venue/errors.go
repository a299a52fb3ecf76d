package venue

import (
	"context"
	"errors"
	"net"

	"github.com/sbfxfxai/tiltvault-bridge/internal/chain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// Kind classifies a venue failure.
type Kind string

const (
	KindBelowMinimum          Kind = "below_minimum"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindAllowanceNotConfirmed Kind = "allowance_not_confirmed"
	KindMarketNotFound        Kind = "market_not_found"
	KindTimeout               Kind = "timeout"
	KindProtocol              Kind = "protocol_error"
	KindReverted              Kind = "reverted"
	KindInvalidBeneficiary    Kind = "invalid_beneficiary"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrBelowMinimum          = errors.New("venue: amount below minimum")
	ErrInsufficientFunds     = errors.New("venue: insufficient funds")
	ErrAllowanceNotConfirmed = errors.New("venue: allowance not confirmed")
	ErrMarketNotFound        = errors.New("venue: market not found")
	ErrTimeout               = errors.New("venue: timeout")
	ErrProtocol              = errors.New("venue: protocol error")
	ErrReverted              = errors.New("venue: transaction reverted")
	ErrInvalidBeneficiary    = errors.New("venue: invalid beneficiary")
)

var kindSentinels = map[Kind]error{
	KindBelowMinimum:          ErrBelowMinimum,
	KindInsufficientFunds:     ErrInsufficientFunds,
	KindAllowanceNotConfirmed: ErrAllowanceNotConfirmed,
	KindMarketNotFound:        ErrMarketNotFound,
	KindTimeout:               ErrTimeout,
	KindProtocol:              ErrProtocol,
	KindReverted:              ErrReverted,
	KindInvalidBeneficiary:    ErrInvalidBeneficiary,
}

// Error is returned for every failed venue action.
type Error struct {
	Kind Kind
	// Broadcast is set when the fund-moving transaction may be on chain.
	Broadcast bool
	TxHash    string
	Err       error
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	s := "venue: " + string(e.Kind)
	if e.TxHash != "" {
		s += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind's sentinel and the recoverable or terminal class. An
// invalid beneficiary is also a data-integrity error: funds must never be
// sent to that address by any route.
func (e *Error) Is(target error) bool {
	if target == kindSentinels[e.Kind] {
		return true
	}
	if e.Kind == KindInvalidBeneficiary && target == domain.ErrDataIntegrity {
		return true
	}
	if e.recoverable() {
		return target == domain.ErrRecoverableExecution
	}
	return target == domain.ErrTerminalExecution
}

func (e *Error) recoverable() bool {
	return e.Kind == KindTimeout || e.Kind == KindProtocol
}

// IsRecoverable reports whether err is a venue failure after which funds are
// not known to be lost, so a fallback or retry is safe.
func IsRecoverable(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.recoverable()
}

// IsRetryable reports whether the same action may be submitted again: it is
// recoverable and nothing was broadcast.
func IsRetryable(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.recoverable() && !ve.Broadcast
}

// KindOf returns the kind of an *Error in err's chain, or "".
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// classify maps chain and transport errors onto a venue kind.
func classify(ctx context.Context, err error, broadcast bool, txHash string) *Error {
	var kind Kind
	var netErr net.Error
	switch {
	case errors.Is(err, chain.ErrInsufficientFunds):
		kind = KindInsufficientFunds
	case errors.Is(err, chain.ErrReverted), errors.Is(err, chain.ErrExecutionReverted):
		kind = KindReverted
	case errors.Is(err, chain.ErrConfirmTimeout),
		errors.Is(err, context.DeadlineExceeded),
		ctx.Err() != nil,
		errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	default:
		kind = KindProtocol
	}
	return &Error{Kind: kind, Broadcast: broadcast, TxHash: txHash, Err: err}
}

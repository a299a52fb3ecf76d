package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrContextDone   = errors.New("context cancelled")

	// Payment pipeline taxonomy. Component errors wrap one of these so the
	// pipeline can classify with errors.Is.
	ErrAuthentication       = errors.New("authentication failure")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrDataIntegrity        = errors.New("data integrity violation")
	ErrInfrastructure       = errors.New("infrastructure failure")
	ErrRecoverableExecution = errors.New("recoverable execution failure")
	ErrTerminalExecution    = errors.New("terminal execution failure")
	ErrMissingPaymentInfo   = errors.New("payment info not found")
)

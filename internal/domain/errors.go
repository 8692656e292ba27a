package domain

import "errors"

// Not-found errors
var (
	ErrTokenNotFound       = errors.New("queue token not found")
	ErrSeatNotFound        = errors.New("concert seat not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrBalanceNotFound     = errors.New("point balance not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrSagaNotFound        = errors.New("saga context not found")
)

// Conflict errors (someone else got there first)
var (
	ErrSeatNotAvailable   = errors.New("seat is not available")
	ErrSeatAlreadyHeld    = errors.New("seat already has an active hold")
	ErrVersionConflict    = errors.New("optimistic version conflict")
	ErrDuplicatePayment   = errors.New("payment already exists for reservation")
	ErrSagaAlreadyRunning = errors.New("saga already running for reservation")
	ErrLockContention     = errors.New("resource is locked by another request")
)

// Invalid-state errors (the operation does not apply to the current status)
var (
	ErrTokenNotActive        = errors.New("queue token is not active")
	ErrTokenExpired          = errors.New("queue token has expired")
	ErrTokenTerminal         = errors.New("queue token is in a terminal status")
	ErrTokenConcertMismatch  = errors.New("queue token was issued for another concert")
	ErrHoldExpired           = errors.New("temporary reservation has expired")
	ErrHoldNotReserved       = errors.New("temporary reservation is not in reserved status")
	ErrHoldOwnerMismatch     = errors.New("temporary reservation belongs to another user")
	ErrInvalidSagaTransition = errors.New("invalid saga state transition")
)

// Validation errors
var (
	ErrInsufficientBalance = errors.New("insufficient point balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrSeatNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrSagaNotFound)
}

// IsConflict reports whether err means a concurrent request won the race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSeatNotAvailable) ||
		errors.Is(err, ErrSeatAlreadyHeld) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrSagaAlreadyRunning) ||
		errors.Is(err, ErrLockContention)
}

// IsInvalidState reports whether err means the operation does not apply to
// the entity's current status.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrTokenNotActive) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenTerminal) ||
		errors.Is(err, ErrTokenConcertMismatch) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrHoldNotReserved) ||
		errors.Is(err, ErrHoldOwnerMismatch) ||
		errors.Is(err, ErrInvalidSagaTransition)
}

// IsLockContention reports whether err is lock contention.
func IsLockContention(err error) bool {
	return errors.Is(err, ErrLockContention)
}

// IsInsufficientBalance reports whether err is an insufficient balance error.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

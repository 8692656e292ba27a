package lock

import (
	"context"
	"time"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
)

// Key namespaces. Locks in different namespaces guard different resources
// and never serialize against each other.
const (
	seatPrefix        = "lock:seat:"
	reservationPrefix = "lock:reservation:"
	pointPrefix       = "lock:point:"
	paymentPrefix     = "lock:payment:"
	activationPrefix  = "lock:activation:"
)

// SeatKey returns the lock key guarding a single seat's status transition.
func SeatKey(seatID string) string { return seatPrefix + seatID }

// ReservationKey returns the lock key guarding a hold's confirm/cancel.
func ReservationKey(tempReservationID string) string {
	return reservationPrefix + tempReservationID
}

// PointKey returns the lock key guarding a user's point balance.
func PointKey(userID string) string { return pointPrefix + userID }

// PaymentKey returns the lock key guarding saga creation per reservation.
func PaymentKey(reservationID string) string { return paymentPrefix + reservationID }

// ActivationKey returns the lock key guarding one concert's admission tick,
// so only one scheduler instance admits for a concert at a time.
func ActivationKey(concertID string) string { return activationPrefix + concertID }

// Handle identifies one acquisition of a lock. Token is the holder's
// fencing value; only the handle that acquired the lock can release it.
type Handle struct {
	Key        string
	Token      string
	LeaseTime  time.Duration
	AcquiredAt time.Time
}

// ErrLockContention is returned when the lock is held by someone else and
// the wait budget ran out. It classifies as a Conflict.
var ErrLockContention = domain.ErrLockContention

// Locker acquires and releases lease-based mutual exclusion on string keys.
type Locker interface {
	// TryAcquire attempts to take the lock, polling until waitTime elapses.
	// waitTime <= 0 means a single attempt. On contention it returns
	// ErrLockContention; backend failures are returned wrapped.
	TryAcquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (*Handle, error)

	// Release releases the lock if the handle still holds it. Releasing a
	// lease that already expired (and may be held by someone else) is a
	// no-op, not an error.
	Release(ctx context.Context, h *Handle) error

	// WithLock runs fn while holding the lock and releases it afterwards,
	// including when fn returns an error or panics.
	WithLock(ctx context.Context, key string, waitTime, leaseTime time.Duration, fn func(ctx context.Context) error) error
}

package repository

import (
	"context"
	"time"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
)

// TokenRepository is the storage port for queue tokens. All queue state
// lives behind this port; callers never keep token state in process memory.
type TokenRepository interface {
	// Enter atomically creates a WAITING token unless the user already holds
	// a live token for the concert. The returned bool is true when the token
	// was created, false when an existing token was returned instead.
	Enter(ctx context.Context, token *domain.QueueToken) (*domain.QueueToken, bool, error)

	// GetToken loads a token by id
	GetToken(ctx context.Context, tokenID string) (*domain.QueueToken, error)

	// GetTokenByUser loads the user's live token for a concert
	GetTokenByUser(ctx context.Context, concertID, userID string) (*domain.QueueToken, error)

	// WaitingPosition returns the 1-based position of a WAITING token
	WaitingPosition(ctx context.Context, concertID, tokenID string) (int64, error)

	// WaitingCount returns the number of WAITING tokens for a concert
	WaitingCount(ctx context.Context, concertID string) (int64, error)

	// ActiveCount returns the number of ACTIVE tokens whose lease has not
	// elapsed at now. Elapsed leases are not counted.
	ActiveCount(ctx context.Context, concertID string, now time.Time) (int64, error)

	// PopOldestWaiting atomically removes and returns up to n of the oldest
	// WAITING tokens in entry order.
	PopOldestWaiting(ctx context.Context, concertID string, n int64) ([]*domain.QueueToken, error)

	// MarkActive transitions a token to ACTIVE with the given lease expiry
	MarkActive(ctx context.Context, token *domain.QueueToken, activatedAt, expiresAt time.Time) error

	// UpdateStatus transitions a token to the given status. Terminal statuses
	// remove the token from the waiting and active indexes.
	UpdateStatus(ctx context.Context, token *domain.QueueToken, status domain.TokenStatus) error

	// ExpiredActive returns ACTIVE tokens whose lease elapsed at or before now
	ExpiredActive(ctx context.Context, concertID string, now time.Time) ([]*domain.QueueToken, error)

	// ListWaiting returns up to limit WAITING tokens in entry order
	ListWaiting(ctx context.Context, concertID string, limit int64) ([]*domain.QueueToken, error)

	// ConcertsWithQueues returns concert ids that currently have queue state
	ConcertsWithQueues(ctx context.Context) ([]string, error)
}

// SeatRepository is the storage port for seats, temporary holds, and
// permanent reservations.
type SeatRepository interface {
	GetSeat(ctx context.Context, seatID string) (*domain.ConcertSeat, error)
	ListAvailableSeats(ctx context.Context, concertID string) ([]*domain.ConcertSeat, error)

	// UpdateSeatStatus moves a seat from one status to another. If the seat
	// is not currently in from, domain.ErrSeatNotAvailable is returned.
	UpdateSeatStatus(ctx context.Context, seatID string, from, to domain.SeatStatus) error

	CreateHold(ctx context.Context, hold *domain.TempReservation) error
	GetHold(ctx context.Context, holdID string) (*domain.TempReservation, error)

	// GetActiveHoldBySeat returns the live RESERVED hold on a seat, or
	// domain.ErrReservationNotFound when none exists.
	GetActiveHoldBySeat(ctx context.Context, seatID string, now time.Time) (*domain.TempReservation, error)

	// UpdateHoldStatus moves a hold between statuses with a guard on the
	// current status.
	UpdateHoldStatus(ctx context.Context, holdID string, from, to domain.HoldStatus) error

	// ConfirmHold finalizes a purchase in one transaction: the seat is
	// re-read under FOR UPDATE and moved RESERVED -> SOLD, the hold is moved
	// RESERVED -> CONFIRMED, and the permanent reservation row is inserted.
	ConfirmHold(ctx context.Context, hold *domain.TempReservation, reservation *domain.Reservation) error

	// ReleaseHold cancels a hold in one transaction: hold -> EXPIRED and
	// seat -> AVAILABLE.
	ReleaseHold(ctx context.Context, holdID, seatID string) error

	// ExpireOverdueHolds sweeps RESERVED holds whose TTL elapsed at or before
	// now, marking them EXPIRED and returning their seats to AVAILABLE.
	// It returns the holds it reclaimed.
	ExpireOverdueHolds(ctx context.Context, now time.Time, limit int32) ([]*domain.TempReservation, error)

	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)

	// GetReservationByHold returns the permanent reservation created from a
	// hold, domain.ErrReservationNotFound when the hold was never confirmed.
	GetReservationByHold(ctx context.Context, holdID string) (*domain.Reservation, error)
}

// PointRepository is the storage port for point balances and the ledger.
type PointRepository interface {
	GetBalance(ctx context.Context, userID string) (*domain.PointBalance, error)

	// UpdateBalanceOptimistic writes a new balance guarded by the version
	// read earlier. domain.ErrVersionConflict is returned when another
	// writer advanced the version in between.
	UpdateBalanceOptimistic(ctx context.Context, userID string, newBalance, expectedVersion int64) error

	// AdjustBalance applies a delta to the balance. The write is guarded so
	// the balance can never go negative; domain.ErrInsufficientBalance is
	// returned when the delta would overdraw.
	AdjustBalance(ctx context.Context, userID string, delta int64) error

	InsertTransaction(ctx context.Context, tx *domain.PointTransaction) error

	// HasTransaction reports whether a ledger row of the given type already
	// exists for (userID, refID). Redelivered saga commands use it to skip
	// a movement that already landed.
	HasTransaction(ctx context.Context, userID string, txType domain.PointTransactionType, refID string) (bool, error)
}

// PaymentRepository is the storage port for payment records.
type PaymentRepository interface {
	// CreatePayment inserts a payment. A second payment for the same
	// reservation returns domain.ErrDuplicatePayment.
	CreatePayment(ctx context.Context, payment *domain.Payment) error

	GetPaymentByReservation(ctx context.Context, reservationID string) (*domain.Payment, error)

	// CancelPayment marks a payment CANCELLED during compensation
	CancelPayment(ctx context.Context, paymentID string) error
}

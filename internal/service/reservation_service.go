package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/lock"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// ReservationService runs the seat hold -> confirm/cancel state machine
type ReservationService interface {
	// CreateTempReservation places a 5-minute hold on a seat. The caller
	// must present an ACTIVE token for the seat's concert. Exactly one of
	// N concurrent callers wins; the rest get a Conflict.
	CreateTempReservation(ctx context.Context, tokenID, seatID string) (*domain.TempReservation, error)

	// ConfirmTempReservation finalizes a hold into a permanent reservation
	// and completes the queue token. Expired holds are rejected and
	// released lazily.
	ConfirmTempReservation(ctx context.Context, tokenID, holdID string) (*domain.Reservation, error)

	// CancelReservation releases a hold and returns the seat to AVAILABLE
	CancelReservation(ctx context.Context, tokenID, holdID string) error
}

// ReservationConfig tunes hold TTL and lock leases
type ReservationConfig struct {
	HoldTTL time.Duration
	// LockLease bounds how long a crashed holder can block a seat
	LockLease time.Duration
	// ConfirmLockWait is how long a confirm waits for the hold's lock
	ConfirmLockWait time.Duration
}

// DefaultReservationConfig returns production defaults
func DefaultReservationConfig() *ReservationConfig {
	return &ReservationConfig{
		HoldTTL:         5 * time.Minute,
		LockLease:       10 * time.Second,
		ConfirmLockWait: 3 * time.Second,
	}
}

type reservationService struct {
	admission AdmissionService
	seats     repository.SeatRepository
	locker    lock.Locker
	config    *ReservationConfig

	now   func() time.Time
	newID func() string
}

// NewReservationService creates a reservation service
func NewReservationService(
	admission AdmissionService,
	seats repository.SeatRepository,
	locker lock.Locker,
	config *ReservationConfig,
) ReservationService {
	if config == nil {
		config = DefaultReservationConfig()
	}
	return &reservationService{
		admission: admission,
		seats:     seats,
		locker:    locker,
		config:    config,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateTempReservation implements ReservationService
func (s *reservationService) CreateTempReservation(ctx context.Context, tokenID, seatID string) (*domain.TempReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.CreateTempReservation")
	defer span.End()
	span.SetAttributes(
		attribute.String("token.id", tokenID),
		attribute.String("seat.id", seatID),
	)

	seat, err := s.seats.GetSeat(ctx, seatID)
	if err != nil {
		return nil, err
	}

	token, err := s.admission.ValidateActiveToken(ctx, tokenID, seat.ConcertID)
	if err != nil {
		return nil, err
	}

	var hold *domain.TempReservation

	// waitTime 0: a contended seat is already being taken, so waiting can
	// only end in a conflict anyway.
	err = s.locker.WithLock(ctx, lock.SeatKey(seatID), 0, s.config.LockLease, func(ctx context.Context) error {
		current, err := s.seats.GetSeat(ctx, seatID)
		if err != nil {
			return err
		}
		if current.Status != domain.SeatStatusAvailable {
			return domain.ErrSeatNotAvailable
		}

		now := s.now()
		if _, err := s.seats.GetActiveHoldBySeat(ctx, seatID, now); err == nil {
			return domain.ErrSeatAlreadyHeld
		} else if !domain.IsNotFound(err) {
			return err
		}

		if err := s.seats.UpdateSeatStatus(ctx, seatID, domain.SeatStatusAvailable, domain.SeatStatusReserved); err != nil {
			return err
		}

		hold = &domain.TempReservation{
			ID:            s.newID(),
			UserID:        token.UserID,
			ConcertSeatID: seatID,
			Status:        domain.HoldStatusReserved,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.config.HoldTTL),
		}
		if err := s.seats.CreateHold(ctx, hold); err != nil {
			// The seat transition committed but the hold did not; put the
			// seat back so it is not stranded in RESERVED.
			if rbErr := s.seats.UpdateSeatStatus(ctx, seatID, domain.SeatStatusReserved, domain.SeatStatusAvailable); rbErr != nil {
				logger.Get().Error(fmt.Sprintf("Failed to roll back seat status: %v", rbErr),
					zap.String("seat_id", seatID))
			}
			return err
		}
		return nil
	})
	if err != nil {
		if domain.IsLockContention(err) {
			// Another request holds the seat lock; to the caller this is
			// the same race as finding the seat taken.
			return nil, domain.ErrSeatNotAvailable
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("hold.id", hold.ID))
	return hold, nil
}

// ConfirmTempReservation implements ReservationService
func (s *reservationService) ConfirmTempReservation(ctx context.Context, tokenID, holdID string) (*domain.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ConfirmTempReservation")
	defer span.End()
	span.SetAttributes(
		attribute.String("token.id", tokenID),
		attribute.String("hold.id", holdID),
	)

	var reservation *domain.Reservation

	err := s.locker.WithLock(ctx, lock.ReservationKey(holdID), s.config.ConfirmLockWait, s.config.LockLease, func(ctx context.Context) error {
		hold, err := s.seats.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldStatusReserved {
			return domain.ErrHoldNotReserved
		}

		now := s.now()
		if hold.Expired(now) {
			// Reclaim in place instead of waiting for the sweeper.
			if err := s.seats.ReleaseHold(ctx, hold.ID, hold.ConcertSeatID); err != nil && !domain.IsInvalidState(err) {
				return err
			}
			return domain.ErrHoldExpired
		}

		seat, err := s.seats.GetSeat(ctx, hold.ConcertSeatID)
		if err != nil {
			return err
		}

		token, err := s.admission.ValidateActiveToken(ctx, tokenID, seat.ConcertID)
		if err != nil {
			return err
		}
		if hold.UserID != token.UserID {
			return domain.ErrHoldOwnerMismatch
		}

		reservation = &domain.Reservation{
			ID:                s.newID(),
			UserID:            hold.UserID,
			ConcertSeatID:     hold.ConcertSeatID,
			TempReservationID: hold.ID,
			Amount:            seat.Price,
			ConfirmedAt:       now,
		}
		if err := s.seats.ConfirmHold(ctx, hold, reservation); err != nil {
			return err
		}

		// The sale is committed; a token bookkeeping failure must not undo it.
		if err := s.admission.CompleteToken(ctx, tokenID); err != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to complete token after confirm: %v", err),
				zap.String("token_id", tokenID),
				zap.String("reservation_id", reservation.ID))
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("reservation.id", reservation.ID))
	return reservation, nil
}

// CancelReservation implements ReservationService
func (s *reservationService) CancelReservation(ctx context.Context, tokenID, holdID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.CancelReservation")
	defer span.End()
	span.SetAttributes(attribute.String("hold.id", holdID))

	return s.locker.WithLock(ctx, lock.ReservationKey(holdID), s.config.ConfirmLockWait, s.config.LockLease, func(ctx context.Context) error {
		hold, err := s.seats.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldStatusReserved {
			return domain.ErrHoldNotReserved
		}

		seat, err := s.seats.GetSeat(ctx, hold.ConcertSeatID)
		if err != nil {
			return err
		}
		token, err := s.admission.ValidateActiveToken(ctx, tokenID, seat.ConcertID)
		if err != nil {
			return err
		}
		if hold.UserID != token.UserID {
			return domain.ErrHoldOwnerMismatch
		}

		return s.seats.ReleaseHold(ctx, hold.ID, hold.ConcertSeatID)
	})
}

package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/lock"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// PointService manages point balances and the transaction ledger
type PointService interface {
	GetBalance(ctx context.Context, userID string) (*domain.PointBalance, error)

	// Charge adds points optimistically: concurrent charges retry at the
	// caller's discretion when they lose the version race.
	Charge(ctx context.Context, userID string, amount int64) error

	// Deduct removes points under the user's point lock. The balance is
	// validated before any mutation, so an insufficient balance never
	// leaves a partial write behind. A refID that already has a USE row in
	// the ledger is a redelivery and succeeds without moving the balance.
	Deduct(ctx context.Context, userID string, amount int64, refID string) error

	// Refund returns previously deducted points. Idempotent on refID the
	// same way Deduct is.
	Refund(ctx context.Context, userID string, amount int64, refID string) error
}

// PointLockConfig tunes the point lock
type PointLockConfig struct {
	LockWait  time.Duration
	LockLease time.Duration
}

// DefaultPointLockConfig returns production defaults
func DefaultPointLockConfig() *PointLockConfig {
	return &PointLockConfig{
		LockWait:  3 * time.Second,
		LockLease: 5 * time.Second,
	}
}

type pointService struct {
	points repository.PointRepository
	locker lock.Locker
	config *PointLockConfig

	now   func() time.Time
	newID func() string
}

// NewPointService creates a point service
func NewPointService(points repository.PointRepository, locker lock.Locker, config *PointLockConfig) PointService {
	if config == nil {
		config = DefaultPointLockConfig()
	}
	return &pointService{
		points: points,
		locker: locker,
		config: config,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// GetBalance implements PointService
func (s *pointService) GetBalance(ctx context.Context, userID string) (*domain.PointBalance, error) {
	return s.points.GetBalance(ctx, userID)
}

// Charge implements PointService
func (s *pointService) Charge(ctx context.Context, userID string, amount int64) error {
	ctx, span := telemetry.StartSpan(ctx, "service.ChargePoints")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("points.amount", amount),
	)

	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	balance, err := s.points.GetBalance(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.points.UpdateBalanceOptimistic(ctx, userID, balance.Balance+amount, balance.Version); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return s.points.InsertTransaction(ctx, &domain.PointTransaction{
		ID:        s.newID(),
		UserID:    userID,
		Type:      domain.PointTransactionCharge,
		Amount:    amount,
		CreatedAt: s.now(),
	})
}

// Deduct implements PointService
func (s *pointService) Deduct(ctx context.Context, userID string, amount int64, refID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.DeductPoints")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("points.amount", amount),
	)

	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	return s.locker.WithLock(ctx, lock.PointKey(userID), s.config.LockWait, s.config.LockLease, func(ctx context.Context) error {
		if refID != "" {
			applied, err := s.points.HasTransaction(ctx, userID, domain.PointTransactionUse, refID)
			if err != nil {
				return err
			}
			if applied {
				// redelivered command; the first delivery already landed
				return nil
			}
		}

		balance, err := s.points.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.Balance < amount {
			return domain.ErrInsufficientBalance
		}

		if err := s.points.AdjustBalance(ctx, userID, -amount); err != nil {
			return err
		}

		return s.points.InsertTransaction(ctx, &domain.PointTransaction{
			ID:        s.newID(),
			UserID:    userID,
			Type:      domain.PointTransactionUse,
			Amount:    amount,
			RefID:     refID,
			CreatedAt: s.now(),
		})
	})
}

// Refund implements PointService
func (s *pointService) Refund(ctx context.Context, userID string, amount int64, refID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.RefundPoints")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("points.amount", amount),
	)

	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	return s.locker.WithLock(ctx, lock.PointKey(userID), s.config.LockWait, s.config.LockLease, func(ctx context.Context) error {
		if refID != "" {
			applied, err := s.points.HasTransaction(ctx, userID, domain.PointTransactionRefund, refID)
			if err != nil {
				return err
			}
			if applied {
				// redelivered command; the first delivery already landed
				return nil
			}
		}

		if err := s.points.AdjustBalance(ctx, userID, amount); err != nil {
			return err
		}

		return s.points.InsertTransaction(ctx, &domain.PointTransaction{
			ID:        s.newID(),
			UserID:    userID,
			Type:      domain.PointTransactionRefund,
			Amount:    amount,
			RefID:     refID,
			CreatedAt: s.now(),
		})
	})
}

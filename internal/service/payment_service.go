package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// PaymentService records settled payments. One payment per reservation.
type PaymentService interface {
	// CreatePayment records a completed payment for a reservation. A second
	// payment for the same reservation is a Conflict.
	CreatePayment(ctx context.Context, reservationID, userID string, amount, pointsUsed int64) (*domain.Payment, error)

	GetPaymentByReservation(ctx context.Context, reservationID string) (*domain.Payment, error)

	// CancelPayment marks a payment CANCELLED during saga compensation
	CancelPayment(ctx context.Context, paymentID string) error
}

type paymentService struct {
	payments repository.PaymentRepository

	now   func() time.Time
	newID func() string
}

// NewPaymentService creates a payment service
func NewPaymentService(payments repository.PaymentRepository) PaymentService {
	return &paymentService{
		payments: payments,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// CreatePayment implements PaymentService
func (s *paymentService) CreatePayment(ctx context.Context, reservationID, userID string, amount, pointsUsed int64) (*domain.Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.CreatePayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.id", reservationID),
		attribute.Int64("payment.amount", amount),
	)

	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	payment := &domain.Payment{
		ID:            s.newID(),
		ReservationID: reservationID,
		UserID:        userID,
		Amount:        amount,
		PointsUsed:    pointsUsed,
		Status:        domain.PaymentStatusCompleted,
		CreatedAt:     s.now(),
	}
	if err := s.payments.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// GetPaymentByReservation implements PaymentService
func (s *paymentService) GetPaymentByReservation(ctx context.Context, reservationID string) (*domain.Payment, error) {
	return s.payments.GetPaymentByReservation(ctx, reservationID)
}

// CancelPayment implements PaymentService
func (s *paymentService) CancelPayment(ctx context.Context, paymentID string) error {
	return s.payments.CancelPayment(ctx, paymentID)
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

const uniqueViolationCode = "23505"

// PostgresPaymentRepository implements PaymentRepository on PostgreSQL
type PostgresPaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresPaymentRepository creates a PostgreSQL-backed payment repository
func NewPostgresPaymentRepository(pool *pgxpool.Pool) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{pool: pool}
}

var _ PaymentRepository = (*PostgresPaymentRepository)(nil)

// CreatePayment implements PaymentRepository. Uniqueness on reservation_id
// makes the insert the idempotency barrier for the payment step.
func (r *PostgresPaymentRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.CreatePayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", payment.ID),
		attribute.String("reservation.id", payment.ReservationID),
	)

	query := `
		INSERT INTO payments (id, reservation_id, user_id, amount, points_used, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		payment.ID, payment.ReservationID, payment.UserID,
		payment.Amount, payment.PointsUsed, payment.Status, payment.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return domain.ErrDuplicatePayment
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPaymentByReservation implements PaymentRepository
func (r *PostgresPaymentRepository) GetPaymentByReservation(ctx context.Context, reservationID string) (*domain.Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetPaymentByReservation")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	query := `
		SELECT id, reservation_id, user_id, amount, points_used, status, created_at
		FROM payments
		WHERE reservation_id = $1
	`

	payment := &domain.Payment{}
	err := r.pool.QueryRow(ctx, query, reservationID).Scan(
		&payment.ID, &payment.ReservationID, &payment.UserID,
		&payment.Amount, &payment.PointsUsed, &payment.Status, &payment.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

// CancelPayment implements PaymentRepository
func (r *PostgresPaymentRepository) CancelPayment(ctx context.Context, paymentID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.CancelPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	query := `
		UPDATE payments
		SET status = $1
		WHERE id = $2 AND status = $3
	`

	tag, err := r.pool.Exec(ctx, query,
		domain.PaymentStatusCancelled, paymentID, domain.PaymentStatusCompleted,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to cancel payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

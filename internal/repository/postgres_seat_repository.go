package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// PostgresSeatRepository implements SeatRepository on PostgreSQL
type PostgresSeatRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSeatRepository creates a PostgreSQL-backed seat repository
func NewPostgresSeatRepository(pool *pgxpool.Pool) *PostgresSeatRepository {
	return &PostgresSeatRepository{pool: pool}
}

var _ SeatRepository = (*PostgresSeatRepository)(nil)

// GetSeat implements SeatRepository
func (r *PostgresSeatRepository) GetSeat(ctx context.Context, seatID string) (*domain.ConcertSeat, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetSeat")
	defer span.End()
	span.SetAttributes(attribute.String("seat.id", seatID))

	query := `
		SELECT id, concert_id, section, seat_number, price, status, updated_at
		FROM concert_seats
		WHERE id = $1
	`

	seat := &domain.ConcertSeat{}
	err := r.pool.QueryRow(ctx, query, seatID).Scan(
		&seat.ID, &seat.ConcertID, &seat.Section, &seat.SeatNumber,
		&seat.Price, &seat.Status, &seat.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrSeatNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get seat: %w", err)
	}
	return seat, nil
}

// ListAvailableSeats implements SeatRepository
func (r *PostgresSeatRepository) ListAvailableSeats(ctx context.Context, concertID string) ([]*domain.ConcertSeat, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.ListAvailableSeats")
	defer span.End()
	span.SetAttributes(attribute.String("concert.id", concertID))

	query := `
		SELECT id, concert_id, section, seat_number, price, status, updated_at
		FROM concert_seats
		WHERE concert_id = $1 AND status = $2
		ORDER BY section, seat_number
	`

	rows, err := r.pool.Query(ctx, query, concertID, domain.SeatStatusAvailable)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list available seats: %w", err)
	}
	defer rows.Close()

	var seats []*domain.ConcertSeat
	for rows.Next() {
		seat := &domain.ConcertSeat{}
		if err := rows.Scan(
			&seat.ID, &seat.ConcertID, &seat.Section, &seat.SeatNumber,
			&seat.Price, &seat.Status, &seat.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan seat: %w", err)
		}
		seats = append(seats, seat)
	}
	return seats, rows.Err()
}

// UpdateSeatStatus implements SeatRepository
func (r *PostgresSeatRepository) UpdateSeatStatus(ctx context.Context, seatID string, from, to domain.SeatStatus) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.UpdateSeatStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("seat.id", seatID),
		attribute.String("seat.from", string(from)),
		attribute.String("seat.to", string(to)),
	)

	query := `
		UPDATE concert_seats
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	tag, err := r.pool.Exec(ctx, query, to, seatID, from)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update seat status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSeatNotAvailable
	}
	return nil
}

// CreateHold implements SeatRepository
func (r *PostgresSeatRepository) CreateHold(ctx context.Context, hold *domain.TempReservation) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.CreateHold")
	defer span.End()
	span.SetAttributes(attribute.String("hold.id", hold.ID))

	query := `
		INSERT INTO temp_reservations (id, user_id, concert_seat_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		hold.ID, hold.UserID, hold.ConcertSeatID, hold.Status, hold.CreatedAt, hold.ExpiresAt,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create hold: %w", err)
	}
	return nil
}

// GetHold implements SeatRepository
func (r *PostgresSeatRepository) GetHold(ctx context.Context, holdID string) (*domain.TempReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetHold")
	defer span.End()
	span.SetAttributes(attribute.String("hold.id", holdID))

	query := `
		SELECT id, user_id, concert_seat_id, status, created_at, expires_at
		FROM temp_reservations
		WHERE id = $1
	`

	hold := &domain.TempReservation{}
	err := r.pool.QueryRow(ctx, query, holdID).Scan(
		&hold.ID, &hold.UserID, &hold.ConcertSeatID, &hold.Status,
		&hold.CreatedAt, &hold.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	return hold, nil
}

// GetActiveHoldBySeat implements SeatRepository
func (r *PostgresSeatRepository) GetActiveHoldBySeat(ctx context.Context, seatID string, now time.Time) (*domain.TempReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetActiveHoldBySeat")
	defer span.End()

	query := `
		SELECT id, user_id, concert_seat_id, status, created_at, expires_at
		FROM temp_reservations
		WHERE concert_seat_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	hold := &domain.TempReservation{}
	err := r.pool.QueryRow(ctx, query, seatID, domain.HoldStatusReserved, now).Scan(
		&hold.ID, &hold.UserID, &hold.ConcertSeatID, &hold.Status,
		&hold.CreatedAt, &hold.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get active hold: %w", err)
	}
	return hold, nil
}

// UpdateHoldStatus implements SeatRepository
func (r *PostgresSeatRepository) UpdateHoldStatus(ctx context.Context, holdID string, from, to domain.HoldStatus) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.UpdateHoldStatus")
	defer span.End()

	query := `
		UPDATE temp_reservations
		SET status = $1
		WHERE id = $2 AND status = $3
	`

	tag, err := r.pool.Exec(ctx, query, to, holdID, from)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update hold status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrHoldNotReserved
	}
	return nil
}

// ConfirmHold implements SeatRepository
func (r *PostgresSeatRepository) ConfirmHold(ctx context.Context, hold *domain.TempReservation, reservation *domain.Reservation) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.ConfirmHold")
	defer span.End()
	span.SetAttributes(
		attribute.String("hold.id", hold.ID),
		attribute.String("reservation.id", reservation.ID),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Re-read the seat under FOR UPDATE so the RESERVED -> SOLD transition
	// is checked against committed state.
	var seatStatus domain.SeatStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM concert_seats WHERE id = $1 FOR UPDATE`,
		hold.ConcertSeatID,
	).Scan(&seatStatus)
	if err == pgx.ErrNoRows {
		return domain.ErrSeatNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to lock seat row: %w", err)
	}
	if seatStatus != domain.SeatStatusReserved {
		return domain.ErrSeatNotAvailable
	}

	_, err = tx.Exec(ctx,
		`UPDATE concert_seats SET status = $1, updated_at = NOW() WHERE id = $2`,
		domain.SeatStatusSold, hold.ConcertSeatID,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark seat sold: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE temp_reservations SET status = $1 WHERE id = $2 AND status = $3`,
		domain.HoldStatusConfirmed, hold.ID, domain.HoldStatusReserved,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to confirm hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrHoldNotReserved
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reservations (id, user_id, concert_seat_id, temp_reservation_id, amount, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		reservation.ID, reservation.UserID, reservation.ConcertSeatID,
		reservation.TempReservationID, reservation.Amount, reservation.ConfirmedAt,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to commit confirm: %w", err)
	}
	return nil
}

// ReleaseHold implements SeatRepository
func (r *PostgresSeatRepository) ReleaseHold(ctx context.Context, holdID, seatID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.ReleaseHold")
	defer span.End()
	span.SetAttributes(attribute.String("hold.id", holdID))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE temp_reservations SET status = $1 WHERE id = $2 AND status = $3`,
		domain.HoldStatusExpired, holdID, domain.HoldStatusReserved,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to expire hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrHoldNotReserved
	}

	_, err = tx.Exec(ctx,
		`UPDATE concert_seats SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		domain.SeatStatusAvailable, seatID, domain.SeatStatusReserved,
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to release seat: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to commit release: %w", err)
	}
	return nil
}

// ExpireOverdueHolds implements SeatRepository
func (r *PostgresSeatRepository) ExpireOverdueHolds(ctx context.Context, now time.Time, limit int32) ([]*domain.TempReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.ExpireOverdueHolds")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SKIP LOCKED keeps concurrent sweepers from blocking on each other.
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, concert_seat_id, status, created_at, expires_at
		FROM temp_reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, domain.HoldStatusReserved, now, limit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to select overdue holds: %w", err)
	}

	var holds []*domain.TempReservation
	for rows.Next() {
		hold := &domain.TempReservation{}
		if err := rows.Scan(
			&hold.ID, &hold.UserID, &hold.ConcertSeatID, &hold.Status,
			&hold.CreatedAt, &hold.ExpiresAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan overdue hold: %w", err)
		}
		holds = append(holds, hold)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read overdue holds: %w", err)
	}

	if len(holds) == 0 {
		return nil, tx.Commit(ctx)
	}

	for _, hold := range holds {
		if _, err := tx.Exec(ctx,
			`UPDATE temp_reservations SET status = $1 WHERE id = $2`,
			domain.HoldStatusExpired, hold.ID,
		); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to expire hold %s: %w", hold.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE concert_seats SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
			domain.SeatStatusAvailable, hold.ConcertSeatID, domain.SeatStatusReserved,
		); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to release seat %s: %w", hold.ConcertSeatID, err)
		}
		hold.Status = domain.HoldStatusExpired
	}

	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}

	span.SetAttributes(attribute.Int("holds.reclaimed", len(holds)))
	return holds, nil
}

// GetReservation implements SeatRepository
func (r *PostgresSeatRepository) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetReservation")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	query := `
		SELECT id, user_id, concert_seat_id, temp_reservation_id, amount, confirmed_at
		FROM reservations
		WHERE id = $1
	`

	reservation := &domain.Reservation{}
	err := r.pool.QueryRow(ctx, query, reservationID).Scan(
		&reservation.ID, &reservation.UserID, &reservation.ConcertSeatID,
		&reservation.TempReservationID, &reservation.Amount, &reservation.ConfirmedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return reservation, nil
}

// GetReservationByHold implements SeatRepository
func (r *PostgresSeatRepository) GetReservationByHold(ctx context.Context, holdID string) (*domain.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetReservationByHold")
	defer span.End()
	span.SetAttributes(attribute.String("hold.id", holdID))

	query := `
		SELECT id, user_id, concert_seat_id, temp_reservation_id, amount, confirmed_at
		FROM reservations
		WHERE temp_reservation_id = $1
	`

	reservation := &domain.Reservation{}
	err := r.pool.QueryRow(ctx, query, holdID).Scan(
		&reservation.ID, &reservation.UserID, &reservation.ConcertSeatID,
		&reservation.TempReservationID, &reservation.Amount, &reservation.ConfirmedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get reservation by hold: %w", err)
	}
	return reservation, nil
}

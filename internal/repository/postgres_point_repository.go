package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// PostgresPointRepository implements PointRepository on PostgreSQL
type PostgresPointRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresPointRepository creates a PostgreSQL-backed point repository
func NewPostgresPointRepository(pool *pgxpool.Pool) *PostgresPointRepository {
	return &PostgresPointRepository{pool: pool}
}

var _ PointRepository = (*PostgresPointRepository)(nil)

// GetBalance implements PointRepository
func (r *PostgresPointRepository) GetBalance(ctx context.Context, userID string) (*domain.PointBalance, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetBalance")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	query := `
		SELECT user_id, balance, version, updated_at
		FROM point_balances
		WHERE user_id = $1
	`

	balance := &domain.PointBalance{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&balance.UserID, &balance.Balance, &balance.Version, &balance.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBalanceNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// UpdateBalanceOptimistic implements PointRepository
func (r *PostgresPointRepository) UpdateBalanceOptimistic(ctx context.Context, userID string, newBalance, expectedVersion int64) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.UpdateBalanceOptimistic")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("balance.version", expectedVersion),
	)

	query := `
		UPDATE point_balances
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2 AND version = $3
	`

	tag, err := r.pool.Exec(ctx, query, newBalance, userID, expectedVersion)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// AdjustBalance implements PointRepository
func (r *PostgresPointRepository) AdjustBalance(ctx context.Context, userID string, delta int64) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.AdjustBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("balance.delta", delta),
	)

	// The balance check in the predicate is the last line of defense; the
	// service validates before calling under the user's point lock.
	query := `
		UPDATE point_balances
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2 AND balance + $1 >= 0
	`

	tag, err := r.pool.Exec(ctx, query, delta, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.balanceExists(ctx, userID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrBalanceNotFound
		}
		return domain.ErrInsufficientBalance
	}
	return nil
}

func (r *PostgresPointRepository) balanceExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM point_balances WHERE user_id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check balance existence: %w", err)
	}
	return exists, nil
}

// InsertTransaction implements PointRepository
func (r *PostgresPointRepository) InsertTransaction(ctx context.Context, tx *domain.PointTransaction) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.InsertTransaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.type", string(tx.Type)),
		attribute.Int64("transaction.amount", tx.Amount),
	)

	query := `
		INSERT INTO point_transactions (id, user_id, type, amount, ref_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`

	_, err := r.pool.Exec(ctx, query, tx.ID, tx.UserID, tx.Type, tx.Amount, tx.RefID, tx.CreatedAt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert point transaction: %w", err)
	}
	return nil
}

// HasTransaction implements PointRepository
func (r *PostgresPointRepository) HasTransaction(ctx context.Context, userID string, txType domain.PointTransactionType, refID string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.HasTransaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("transaction.type", string(txType)),
	)

	query := `
		SELECT EXISTS (
			SELECT 1 FROM point_transactions
			WHERE user_id = $1 AND type = $2 AND ref_id = $3
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, txType, refID).Scan(&exists); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to check point transaction: %w", err)
	}
	return exists, nil
}

package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// HoldSweeperConfig tunes the expired-hold sweep
type HoldSweeperConfig struct {
	Interval time.Duration
	// BatchLimit caps holds reclaimed per sweep so a backlog cannot hold a
	// long transaction open
	BatchLimit int32
}

// DefaultHoldSweeperConfig returns production defaults
func DefaultHoldSweeperConfig() *HoldSweeperConfig {
	return &HoldSweeperConfig{
		Interval:   30 * time.Second,
		BatchLimit: 500,
	}
}

// HoldSweeper is the backstop for seat holds whose TTL elapsed without a
// confirm or cancel. Confirm rejects expired holds lazily; the sweeper is
// what returns their seats to the pool.
type HoldSweeper struct {
	seats  repository.SeatRepository
	config *HoldSweeperConfig

	now func() time.Time
}

// NewHoldSweeper creates a hold sweeper
func NewHoldSweeper(seats repository.SeatRepository, config *HoldSweeperConfig) *HoldSweeper {
	if config == nil {
		config = DefaultHoldSweeperConfig()
	}
	return &HoldSweeper{
		seats:  seats,
		config: config,
		now:    time.Now,
	}
}

// Run sweeps until the context is cancelled
func (s *HoldSweeper) Run(ctx context.Context) error {
	logger.Get().Info("Hold sweeper started",
		zap.Duration("interval", s.config.Interval))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Get().Error(fmt.Sprintf("Hold sweep failed: %v", err))
			}
		}
	}
}

// Sweep reclaims one batch of overdue holds and returns how many it freed
func (s *HoldSweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "worker.SweepHolds")
	defer span.End()

	reclaimed, err := s.seats.ExpireOverdueHolds(ctx, s.now(), s.config.BatchLimit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if len(reclaimed) > 0 {
		logger.Get().Info("Reclaimed expired holds",
			zap.Int("count", len(reclaimed)))
	}
	span.SetAttributes(attribute.Int("holds.reclaimed", len(reclaimed)))
	return len(reclaimed), nil
}

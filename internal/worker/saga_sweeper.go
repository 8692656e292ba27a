package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/saga"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
)

// SagaSweeper periodically forces compensation on stalled payment sagas
type SagaSweeper struct {
	orchestrator *saga.Orchestrator
	interval     time.Duration
}

// NewSagaSweeper creates a saga sweeper
func NewSagaSweeper(orchestrator *saga.Orchestrator, interval time.Duration) *SagaSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SagaSweeper{orchestrator: orchestrator, interval: interval}
}

// Run sweeps until the context is cancelled
func (s *SagaSweeper) Run(ctx context.Context) error {
	logger.Get().Info("Saga sweeper started",
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := s.orchestrator.SweepStalled(ctx)
			if err != nil {
				logger.Get().Error(fmt.Sprintf("Saga sweep failed: %v", err))
				continue
			}
			if swept > 0 {
				logger.Get().Warn("Compensated stalled sagas",
					zap.Int("count", swept))
			}
		}
	}
}

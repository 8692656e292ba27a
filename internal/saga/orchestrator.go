package saga

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
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// OrchestratorConfig tunes the orchestrator's locking and watchdog
type OrchestratorConfig struct {
	LockWait  time.Duration
	LockLease time.Duration
	// StalledDeadline is how long a saga may sit untouched before the
	// watchdog forces compensation
	StalledDeadline time.Duration
}

// DefaultOrchestratorConfig returns production defaults
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		LockWait:        3 * time.Second,
		LockLease:       10 * time.Second,
		StalledDeadline: 10 * time.Minute,
	}
}

// StartRequest carries everything needed to begin a payment saga
type StartRequest struct {
	HoldID      string
	UserID      string
	SeatID      string
	TokenID     string
	TotalAmount int64
	PointsUsed  int64
}

// Orchestrator drives payment sagas: it reacts to step events, advances
// the forward path, and runs the compensation chain on failure. All state
// lives in the Store; the orchestrator itself is stateless and safe to
// run in multiple processes.
type Orchestrator struct {
	store    Store
	producer Producer
	locker   lock.Locker
	config   *OrchestratorConfig

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates a saga orchestrator
func NewOrchestrator(store Store, producer Producer, locker lock.Locker, config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		store:    store,
		producer: producer,
		locker:   locker,
		config:   config,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// StartSaga begins a payment saga for a hold. At most one saga may run per
// hold; a second start while one is live returns ErrSagaAlreadyRunning.
func (o *Orchestrator) StartSaga(ctx context.Context, req *StartRequest) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.StartSaga")
	defer span.End()
	span.SetAttributes(
		attribute.String("hold.id", req.HoldID),
		attribute.String("user.id", req.UserID),
	)

	if req.TotalAmount <= 0 {
		return "", domain.ErrInvalidAmount
	}

	var sagaID string
	err := o.locker.WithLock(ctx, lock.PaymentKey(req.HoldID), o.config.LockWait, o.config.LockLease, func(ctx context.Context) error {
		existing, err := o.store.GetByHold(ctx, req.HoldID)
		if err == nil && !existing.State.IsTerminal() {
			return domain.ErrSagaAlreadyRunning
		}
		if err != nil && !domain.IsNotFound(err) {
			return err
		}

		now := o.now()
		sc := &PaymentSagaContext{
			SagaID:      o.newID(),
			HoldID:      req.HoldID,
			UserID:      req.UserID,
			SeatID:      req.SeatID,
			TokenID:     req.TokenID,
			TotalAmount: req.TotalAmount,
			PointsUsed:  req.PointsUsed,
			State:       StateStarted,
			StartedAt:   now,
			UpdatedAt:   now,
		}
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		sagaID = sc.SagaID

		if err := o.producer.SendLifecycleEvent(ctx, NewLifecycleEvent(sc.SagaID, LifecycleStarted, "", o.stepData(sc))); err != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to publish saga started event: %v", err),
				zap.String("saga_id", sc.SagaID))
		}

		if err := o.producer.SendCommand(ctx, NewCommand(sc.SagaID, StepPointDeduct, o.stepData(sc))); err != nil {
			return err
		}

		sc.State = StatePointDeducting
		sc.UpdatedAt = o.now()
		return o.store.Save(ctx, sc)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(attribute.String("saga.id", sagaID))
	return sagaID, nil
}

// HandleStepEvent applies one step outcome to its saga. Delivery is
// at-least-once: duplicates are detected through the step membership sets
// and through the context's deletion at terminal states.
func (o *Orchestrator) HandleStepEvent(ctx context.Context, event *StepEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "saga.HandleStepEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", event.SagaID),
		attribute.String("saga.step", event.StepName),
		attribute.Bool("saga.step_success", event.Success),
	)

	sc, err := o.store.Get(ctx, event.SagaID)
	if err != nil {
		if domain.IsNotFound(err) {
			// Saga already finished; a redelivered event has nothing to do.
			logger.Get().Debug("Dropping event for finished saga",
				zap.String("saga_id", event.SagaID),
				zap.String("step", event.StepName))
			return nil
		}
		return err
	}

	return o.locker.WithLock(ctx, lock.PaymentKey(sc.HoldID), o.config.LockWait, o.config.LockLease, func(ctx context.Context) error {
		// Reload under the lock: the first read raced other handlers.
		sc, err := o.store.Get(ctx, event.SagaID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return err
		}

		if !event.Success {
			return o.startCompensation(ctx, sc, fmt.Sprintf("step %s failed: %s", event.StepName, event.ErrorMessage))
		}

		switch event.StepName {
		case StepSeatRelease, StepPointRefund:
			return o.advanceCompensation(ctx, sc, event)
		default:
			return o.advanceForward(ctx, sc, event)
		}
	})
}

func (o *Orchestrator) advanceForward(ctx context.Context, sc *PaymentSagaContext, event *StepEvent) error {
	if sc.HasCompleted(event.StepName) {
		return nil
	}

	sc.MarkCompleted(event.StepName)
	sc.UpdatedAt = o.now()

	if sc.State.IsCompensating() {
		// The step finished after compensation began; record it and let the
		// chain pick up the new debt.
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		return o.continueCompensation(ctx, sc)
	}

	switch event.StepName {
	case StepPointDeduct:
		sc.State = StatePointDeducted
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		return o.producer.SendCommand(ctx, NewCommand(sc.SagaID, StepSeatConfirm, o.stepData(sc)))

	case StepSeatConfirm:
		sc.State = StateSeatConfirmed
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		return o.producer.SendCommand(ctx, NewCommand(sc.SagaID, StepReservationConfirm, o.stepData(sc)))

	case StepReservationConfirm:
		sc.State = StateReservationConfirmed
		sc.ReservationID = event.Data.ReservationID
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		return o.producer.SendCommand(ctx, NewCommand(sc.SagaID, StepCreatePayment, o.stepData(sc)))

	case StepCreatePayment:
		sc.PaymentID = event.Data.PaymentID
		return o.completeSaga(ctx, sc)

	default:
		logger.Get().Warn("Unknown saga step event",
			zap.String("saga_id", sc.SagaID),
			zap.String("step", event.StepName))
		return nil
	}
}

func (o *Orchestrator) completeSaga(ctx context.Context, sc *PaymentSagaContext) error {
	sc.State = StateCompleted
	sc.UpdatedAt = o.now()

	if err := o.producer.SendLifecycleEvent(ctx, NewLifecycleEvent(sc.SagaID, LifecycleCompleted, "", o.stepData(sc))); err != nil {
		// Keep the context so the sweep can retry the announcement.
		saveErr := o.store.Save(ctx, sc)
		if saveErr != nil {
			return saveErr
		}
		return err
	}

	logger.Get().Info("Payment saga completed",
		zap.String("saga_id", sc.SagaID),
		zap.String("hold_id", sc.HoldID))

	return o.store.Delete(ctx, sc.SagaID)
}

// startCompensation begins (or resumes) unwinding a saga
func (o *Orchestrator) startCompensation(ctx context.Context, sc *PaymentSagaContext, reason string) error {
	if sc.State.IsTerminal() {
		return nil
	}
	if sc.FailureReason == "" {
		sc.FailureReason = reason
	}

	logger.Get().Warn("Compensating payment saga",
		zap.String("saga_id", sc.SagaID),
		zap.String("reason", reason))

	return o.continueCompensation(ctx, sc)
}

// continueCompensation emits the next pending compensation command, or
// finishes the saga as FAILED when nothing is left to undo.
func (o *Orchestrator) continueCompensation(ctx context.Context, sc *PaymentSagaContext) error {
	needSeatRelease := (sc.HasCompleted(StepSeatConfirm) || sc.HasCompleted(StepReservationConfirm)) &&
		!sc.HasCompensated(StepSeatRelease)
	if needSeatRelease {
		sc.UpdatedAt = o.now()
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		return o.producer.SendCompensation(ctx, NewCompensationCommand(sc.SagaID, StepSeatRelease, sc.FailureReason, o.stepData(sc)))
	}

	needRefund := sc.HasCompleted(StepPointDeduct) && !sc.HasCompensated(StepPointRefund)
	if needRefund {
		sc.State = StatePointRefunding
		sc.UpdatedAt = o.now()
		if err := o.store.Save(ctx, sc); err != nil {
			return err
		}
		return o.producer.SendCompensation(ctx, NewCompensationCommand(sc.SagaID, StepPointRefund, sc.FailureReason, o.stepData(sc)))
	}

	return o.failSaga(ctx, sc)
}

func (o *Orchestrator) advanceCompensation(ctx context.Context, sc *PaymentSagaContext, event *StepEvent) error {
	if sc.HasCompensated(event.StepName) {
		return nil
	}

	sc.MarkCompensated(event.StepName)
	sc.UpdatedAt = o.now()

	switch event.StepName {
	case StepSeatRelease:
		sc.State = StateSeatReleased
	case StepPointRefund:
		sc.State = StatePointRefunded
	}

	if err := o.store.Save(ctx, sc); err != nil {
		return err
	}
	return o.continueCompensation(ctx, sc)
}

func (o *Orchestrator) failSaga(ctx context.Context, sc *PaymentSagaContext) error {
	sc.State = StateFailed
	sc.UpdatedAt = o.now()

	if err := o.producer.SendLifecycleEvent(ctx, NewLifecycleEvent(sc.SagaID, LifecycleFailed, sc.FailureReason, o.stepData(sc))); err != nil {
		saveErr := o.store.Save(ctx, sc)
		if saveErr != nil {
			return saveErr
		}
		return err
	}

	logger.Get().Warn("Payment saga failed",
		zap.String("saga_id", sc.SagaID),
		zap.String("reason", sc.FailureReason))

	return o.store.Delete(ctx, sc.SagaID)
}

// SweepStalled forces compensation on sagas that have not progressed since
// the stalled deadline. It is the watchdog for lost events and dead workers.
func (o *Orchestrator) SweepStalled(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.SweepStalled")
	defer span.End()

	cutoff := o.now().Add(-o.config.StalledDeadline)
	stalled, err := o.store.ListStalled(ctx, cutoff)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	swept := 0
	for _, sc := range stalled {
		sc := sc
		err := o.locker.WithLock(ctx, lock.PaymentKey(sc.HoldID), o.config.LockWait, o.config.LockLease, func(ctx context.Context) error {
			current, err := o.store.Get(ctx, sc.SagaID)
			if err != nil {
				if domain.IsNotFound(err) {
					return nil
				}
				return err
			}
			if current.UpdatedAt.After(cutoff) {
				return nil
			}
			return o.startCompensation(ctx, current, "saga stalled past deadline")
		})
		if err != nil {
			logger.Get().Error(fmt.Sprintf("Failed to sweep stalled saga: %v", err),
				zap.String("saga_id", sc.SagaID))
			continue
		}
		swept++
	}

	span.SetAttributes(attribute.Int("saga.swept", swept))
	return swept, nil
}

func (o *Orchestrator) stepData(sc *PaymentSagaContext) StepData {
	return StepData{
		HoldID:        sc.HoldID,
		UserID:        sc.UserID,
		SeatID:        sc.SeatID,
		TokenID:       sc.TokenID,
		TotalAmount:   sc.TotalAmount,
		PointsUsed:    sc.PointsUsed,
		ReservationID: sc.ReservationID,
		PaymentID:     sc.PaymentID,
	}
}

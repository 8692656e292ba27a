package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/internal/saga"
	"github.com/nitchakan-dev/concert-rush/internal/service"
	"github.com/nitchakan-dev/concert-rush/pkg/kafka"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	"github.com/nitchakan-dev/concert-rush/pkg/retry"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// SagaStepWorkerConfig tunes step execution
type SagaStepWorkerConfig struct {
	// StepTimeout bounds a single step execution
	StepTimeout time.Duration
	// Retry governs transient failures; domain errors are never retried
	Retry *retry.Config
}

// DefaultSagaStepWorkerConfig returns production defaults
func DefaultSagaStepWorkerConfig() *SagaStepWorkerConfig {
	return &SagaStepWorkerConfig{
		StepTimeout: 30 * time.Second,
		Retry: &retry.Config{
			MaxRetries:      3,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
	}
}

// SagaStepExecutor runs individual payment saga steps against the domain
// services and reports each outcome as a step event. It holds no saga state;
// the orchestrator owns the state machine.
type SagaStepExecutor struct {
	points       service.PointService
	reservations service.ReservationService
	payments     service.PaymentService
	seats        repository.SeatRepository
	producer     saga.Producer
	retrier      *retry.Retrier
	config       *SagaStepWorkerConfig

	now func() time.Time
}

// NewSagaStepExecutor creates a step executor
func NewSagaStepExecutor(
	points service.PointService,
	reservations service.ReservationService,
	payments service.PaymentService,
	seats repository.SeatRepository,
	producer saga.Producer,
	config *SagaStepWorkerConfig,
) *SagaStepExecutor {
	if config == nil {
		config = DefaultSagaStepWorkerConfig()
	}
	return &SagaStepExecutor{
		points:       points,
		reservations: reservations,
		payments:     payments,
		seats:        seats,
		producer:     producer,
		retrier:      retry.New(config.Retry),
		config:       config,
		now:          time.Now,
	}
}

// Execute runs one step command and emits the resulting step event.
// Transient failures are retried with backoff; domain failures go straight
// to a failure event so the orchestrator can compensate.
func (e *SagaStepExecutor) Execute(ctx context.Context, cmd *saga.Command) error {
	ctx, span := telemetry.StartSpan(ctx, "worker.ExecuteSagaStep")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", cmd.SagaID),
		attribute.String("saga.step", cmd.StepName),
	)

	startedAt := e.now()
	data := cmd.Data

	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	result := e.retrier.Do(stepCtx, func(ctx context.Context) error {
		err := e.runStep(ctx, cmd.SagaID, cmd.StepName, &data)
		if err != nil && isPermanentStepError(err) {
			return retry.Permanent(err)
		}
		return err
	})

	finishedAt := e.now()
	if result.Err != nil {
		stepErr := result.Err
		if errors.Is(stepErr, retry.ErrMaxRetriesExceeded) && result.LastError != nil {
			stepErr = result.LastError
		}
		logger.Get().Warn("Saga step failed",
			zap.String("saga_id", cmd.SagaID),
			zap.String("step", cmd.StepName),
			zap.Int("attempts", result.Attempts),
			zap.Error(stepErr))
		return e.producer.SendStepEvent(ctx,
			saga.NewFailureEvent(cmd.SagaID, cmd.StepName, stepErr.Error(), stepErrorCode(stepErr), data, startedAt, finishedAt))
	}

	return e.producer.SendStepEvent(ctx,
		saga.NewSuccessEvent(cmd.SagaID, cmd.StepName, data, startedAt, finishedAt))
}

// runStep dispatches to the step's side effect. Steps mutate data in place
// so ids created mid-saga ride back to the orchestrator on the event.
func (e *SagaStepExecutor) runStep(ctx context.Context, sagaID, step string, data *saga.StepData) error {
	switch step {
	case saga.StepPointDeduct:
		return e.points.Deduct(ctx, data.UserID, data.TotalAmount, sagaID)

	case saga.StepSeatConfirm:
		return e.checkHoldConfirmable(ctx, data)

	case saga.StepReservationConfirm:
		return e.confirmReservation(ctx, data)

	case saga.StepCreatePayment:
		return e.createPayment(ctx, data)

	case saga.StepSeatRelease:
		return e.releaseSeat(ctx, data)

	case saga.StepPointRefund:
		return e.points.Refund(ctx, data.UserID, data.TotalAmount, sagaID)

	default:
		return retry.Permanent(fmt.Errorf("unknown saga step %q", step))
	}
}

// checkHoldConfirmable gates the saga before any seat mutation: the hold
// must still be live and owned by the paying user.
func (e *SagaStepExecutor) checkHoldConfirmable(ctx context.Context, data *saga.StepData) error {
	hold, err := e.seats.GetHold(ctx, data.HoldID)
	if err != nil {
		return err
	}
	if hold.UserID != data.UserID {
		return domain.ErrHoldOwnerMismatch
	}
	if hold.Status != domain.HoldStatusReserved {
		// a confirmed hold means this is a redelivery past the confirm step
		if hold.Status == domain.HoldStatusConfirmed {
			return nil
		}
		return domain.ErrHoldNotReserved
	}
	if hold.Expired(e.now()) {
		return domain.ErrHoldExpired
	}
	return nil
}

func (e *SagaStepExecutor) confirmReservation(ctx context.Context, data *saga.StepData) error {
	reservation, err := e.reservations.ConfirmTempReservation(ctx, data.TokenID, data.HoldID)
	if err != nil {
		// A redelivered command finds the hold already CONFIRMED; recover
		// the reservation it created the first time.
		if errors.Is(err, domain.ErrHoldNotReserved) {
			existing, lookupErr := e.seats.GetReservationByHold(ctx, data.HoldID)
			if lookupErr == nil {
				data.ReservationID = existing.ID
				return nil
			}
		}
		return err
	}
	data.ReservationID = reservation.ID
	return nil
}

func (e *SagaStepExecutor) createPayment(ctx context.Context, data *saga.StepData) error {
	payment, err := e.payments.CreatePayment(ctx, data.ReservationID, data.UserID, data.TotalAmount, data.PointsUsed)
	if err != nil {
		// one payment per reservation: a duplicate insert means the first
		// delivery already succeeded
		if errors.Is(err, domain.ErrDuplicatePayment) {
			existing, lookupErr := e.payments.GetPaymentByReservation(ctx, data.ReservationID)
			if lookupErr == nil {
				data.PaymentID = existing.ID
				return nil
			}
		}
		return err
	}
	data.PaymentID = payment.ID
	return nil
}

// releaseSeat undoes whatever seat state the saga committed. The hold's
// status tells how far the forward path got.
func (e *SagaStepExecutor) releaseSeat(ctx context.Context, data *saga.StepData) error {
	hold, err := e.seats.GetHold(ctx, data.HoldID)
	if err != nil {
		return err
	}

	switch hold.Status {
	case domain.HoldStatusReserved:
		return e.seats.ReleaseHold(ctx, hold.ID, hold.ConcertSeatID)

	case domain.HoldStatusConfirmed:
		// the confirm transaction committed; walk it back piecewise
		if err := e.seats.UpdateHoldStatus(ctx, hold.ID, domain.HoldStatusConfirmed, domain.HoldStatusExpired); err != nil {
			return err
		}
		if err := e.seats.UpdateSeatStatus(ctx, hold.ConcertSeatID, domain.SeatStatusSold, domain.SeatStatusAvailable); err != nil {
			return err
		}
		e.cancelPaymentForHold(ctx, hold.ID)
		return nil

	case domain.HoldStatusExpired:
		// already released, nothing to undo
		return nil
	}
	return fmt.Errorf("unexpected hold status %q", hold.Status)
}

// cancelPaymentForHold voids a payment that slipped in before compensation.
// Best effort: the points refund that follows is the financial correction.
func (e *SagaStepExecutor) cancelPaymentForHold(ctx context.Context, holdID string) {
	reservation, err := e.seats.GetReservationByHold(ctx, holdID)
	if err != nil {
		return
	}
	payment, err := e.payments.GetPaymentByReservation(ctx, reservation.ID)
	if err != nil {
		return
	}
	if err := e.payments.CancelPayment(ctx, payment.ID); err != nil {
		logger.Get().Warn(fmt.Sprintf("Failed to cancel payment during compensation: %v", err),
			zap.String("payment_id", payment.ID))
	}
}

// isPermanentStepError reports whether retrying can ever help
func isPermanentStepError(err error) bool {
	if domain.IsLockContention(err) {
		return false
	}
	return domain.IsNotFound(err) ||
		domain.IsConflict(err) ||
		domain.IsInvalidState(err) ||
		domain.IsInsufficientBalance(err) ||
		errors.Is(err, domain.ErrInvalidAmount)
}

func stepErrorCode(err error) string {
	switch {
	case domain.IsInsufficientBalance(err):
		return "INSUFFICIENT_BALANCE"
	case domain.IsNotFound(err):
		return "NOT_FOUND"
	case domain.IsConflict(err):
		return "CONFLICT"
	case domain.IsInvalidState(err):
		return "INVALID_STATE"
	default:
		return "INTERNAL"
	}
}

// SagaStepWorker consumes step commands from Kafka and feeds the executor.
// Commands that cannot be decoded are parked on a dead letter topic so the
// partition keeps moving.
type SagaStepWorker struct {
	consumer *kafka.Consumer
	executor *SagaStepExecutor
	dlq      retry.DLQPublisher
}

// SagaStepWorkerKafkaConfig holds connection settings for the step worker
type SagaStepWorkerKafkaConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
}

// NewSagaStepWorker creates a worker subscribed to every step command topic.
// A nil dlq disables dead letter publishing.
func NewSagaStepWorker(ctx context.Context, cfg *SagaStepWorkerKafkaConfig, executor *SagaStepExecutor, dlq retry.DLQPublisher) (*SagaStepWorker, error) {
	consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		ClientID: cfg.ClientID,
		Topics: []string{
			saga.TopicPointDeductCommand,
			saga.TopicSeatConfirmCommand,
			saga.TopicReservationConfirmCommand,
			saga.TopicCreatePaymentCommand,
			saga.TopicSeatReleaseCommand,
			saga.TopicPointRefundCommand,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create saga step consumer: %w", err)
	}
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}
	return &SagaStepWorker{consumer: consumer, executor: executor, dlq: dlq}, nil
}

// Run polls until the context is cancelled
func (w *SagaStepWorker) Run(ctx context.Context) error {
	logger.Get().Info("Saga step worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := w.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Get().Error(fmt.Sprintf("Failed to poll step commands: %v", err))
			time.Sleep(time.Second)
			continue
		}
		if len(records) == 0 {
			continue
		}

		processed := records[:0]
		for _, record := range records {
			// compensation commands carry an extra reason field and decode
			// into the same shape
			cmd := &saga.Command{}
			if err := json.Unmarshal(record.Value, cmd); err != nil {
				logger.Get().Error(fmt.Sprintf("Failed to decode step command: %v", err),
					zap.String("topic", record.Topic),
					zap.Int64("offset", record.Offset))
				if dlqErr := w.parkPoisonRecord(ctx, record, err); dlqErr != nil {
					logger.Get().Error(fmt.Sprintf("Failed to park poison command: %v", dlqErr),
						zap.String("topic", record.Topic),
						zap.Int64("offset", record.Offset))
					break
				}
				processed = append(processed, record)
				continue
			}
			if err := w.executor.Execute(ctx, cmd); err != nil {
				// Execute only errors when the result event cannot be
				// published; leave the offset uncommitted so the command
				// is redelivered.
				logger.Get().Error(fmt.Sprintf("Failed to publish step event: %v", err),
					zap.String("saga_id", cmd.SagaID),
					zap.String("step", cmd.StepName))
				break
			}
			processed = append(processed, record)
		}

		if len(processed) > 0 {
			if err := w.consumer.CommitRecords(ctx, processed); err != nil {
				logger.Get().Error(fmt.Sprintf("Failed to commit step command offsets: %v", err))
			}
		}
	}
}

// parkPoisonRecord moves an undecodable command to the dead letter topic.
// The offset is only committed once the record is safely parked.
func (w *SagaStepWorker) parkPoisonRecord(ctx context.Context, record *kafka.Record, cause error) error {
	now := time.Now()
	return w.dlq.PublishToDLQ(ctx, &retry.DLQMessage{
		ID:             uuid.NewString(),
		OriginalTopic:  record.Topic,
		OriginalKey:    string(record.Key),
		Payload:        json.RawMessage(record.Value),
		Headers:        record.Headers,
		Error:          cause.Error(),
		ErrorCode:      "DECODE_FAILED",
		Attempts:       1,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
	})
}

// Close shuts the underlying consumer down
func (w *SagaStepWorker) Close() {
	w.consumer.Close()
}

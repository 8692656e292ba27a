package saga

import (
	"time"

	"github.com/google/uuid"
)

// Kafka topics. Each step command has its own topic so step workers can
// scale independently; results and lifecycle events share one topic each.
const (
	TopicPointDeductCommand        = "saga.payment.point-deduct"
	TopicSeatConfirmCommand        = "saga.payment.seat-confirm"
	TopicReservationConfirmCommand = "saga.payment.reservation-confirm"
	TopicCreatePaymentCommand      = "saga.payment.create-payment"
	TopicSeatReleaseCommand        = "saga.payment.seat-release"
	TopicPointRefundCommand        = "saga.payment.point-refund"

	TopicStepEvents      = "saga.payment.events"
	TopicLifecycleEvents = "saga.payment.lifecycle"
)

// CommandTopic maps a step name to its command topic
func CommandTopic(step string) string {
	switch step {
	case StepPointDeduct:
		return TopicPointDeductCommand
	case StepSeatConfirm:
		return TopicSeatConfirmCommand
	case StepReservationConfirm:
		return TopicReservationConfirmCommand
	case StepCreatePayment:
		return TopicCreatePaymentCommand
	case StepSeatRelease:
		return TopicSeatReleaseCommand
	case StepPointRefund:
		return TopicPointRefundCommand
	}
	return ""
}

// StepData is the payload a step worker needs to execute any step
type StepData struct {
	HoldID        string `json:"hold_id"`
	UserID        string `json:"user_id"`
	SeatID        string `json:"seat_id"`
	TokenID       string `json:"token_id"`
	TotalAmount   int64  `json:"total_amount"`
	PointsUsed    int64  `json:"points_used"`
	ReservationID string `json:"reservation_id,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
}

// Command triggers one forward step
type Command struct {
	MessageID string    `json:"message_id"`
	SagaID    string    `json:"saga_id"`
	StepName  string    `json:"step_name"`
	Timestamp time.Time `json:"timestamp"`
	Data      StepData  `json:"data"`
}

// NewCommand creates a step command
func NewCommand(sagaID, stepName string, data StepData) *Command {
	return &Command{
		MessageID: uuid.New().String(),
		SagaID:    sagaID,
		StepName:  stepName,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// CompensationCommand triggers one compensation step
type CompensationCommand struct {
	MessageID string    `json:"message_id"`
	SagaID    string    `json:"saga_id"`
	StepName  string    `json:"step_name"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Data      StepData  `json:"data"`
}

// NewCompensationCommand creates a compensation command
func NewCompensationCommand(sagaID, stepName, reason string, data StepData) *CompensationCommand {
	return &CompensationCommand{
		MessageID: uuid.New().String(),
		SagaID:    sagaID,
		StepName:  stepName,
		Timestamp: time.Now(),
		Reason:    reason,
		Data:      data,
	}
}

// StepEvent reports the outcome of a step execution
type StepEvent struct {
	MessageID    string    `json:"message_id"`
	SagaID       string    `json:"saga_id"`
	StepName     string    `json:"step_name"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Data         StepData  `json:"data"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewSuccessEvent creates a success step event
func NewSuccessEvent(sagaID, stepName string, data StepData, startedAt, finishedAt time.Time) *StepEvent {
	return &StepEvent{
		MessageID:  uuid.New().String(),
		SagaID:     sagaID,
		StepName:   stepName,
		Success:    true,
		Data:       data,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
}

// NewFailureEvent creates a failure step event
func NewFailureEvent(sagaID, stepName, errorMessage, errorCode string, data StepData, startedAt, finishedAt time.Time) *StepEvent {
	return &StepEvent{
		MessageID:    uuid.New().String(),
		SagaID:       sagaID,
		StepName:     stepName,
		Success:      false,
		ErrorMessage: errorMessage,
		ErrorCode:    errorCode,
		Data:         data,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
}

// LifecycleEvent announces saga start, completion, and failure
type LifecycleEvent struct {
	MessageID    string    `json:"message_id"`
	SagaID       string    `json:"saga_id"`
	Status       string    `json:"status"` // started, completed, failed
	ErrorMessage string    `json:"error_message,omitempty"`
	Data         StepData  `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
}

// Lifecycle statuses
const (
	LifecycleStarted   = "started"
	LifecycleCompleted = "completed"
	LifecycleFailed    = "failed"
)

// NewLifecycleEvent creates a lifecycle event
func NewLifecycleEvent(sagaID, status, errorMessage string, data StepData) *LifecycleEvent {
	return &LifecycleEvent{
		MessageID:    uuid.New().String(),
		SagaID:       sagaID,
		Status:       status,
		ErrorMessage: errorMessage,
		Data:         data,
		Timestamp:    time.Now(),
	}
}

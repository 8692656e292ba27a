package saga

import (
	"time"
)

// State is the payment saga's progress marker. Forward states advance
// monotonically; once compensation starts the saga only moves toward FAILED.
type State string

const (
	StateStarted              State = "STARTED"
	StatePointDeducting       State = "POINT_DEDUCTING"
	StatePointDeducted        State = "POINT_DEDUCTED"
	StateSeatConfirmed        State = "SEAT_CONFIRMED"
	StateReservationConfirmed State = "RESERVATION_CONFIRMED"
	StateCompleted            State = "COMPLETED"

	StateSeatReleased   State = "SEAT_RELEASED"
	StatePointRefunding State = "POINT_REFUNDING"
	StatePointRefunded  State = "POINT_REFUNDED"
	StateFailed         State = "FAILED"
)

// IsTerminal reports whether the state ends the saga. Terminal contexts are
// deleted from the store immediately after their lifecycle event is emitted.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsCompensating reports whether the saga is unwinding
func (s State) IsCompensating() bool {
	switch s {
	case StateSeatReleased, StatePointRefunding, StatePointRefunded, StateFailed:
		return true
	}
	return false
}

// Step names. Forward steps have a matching compensation step.
const (
	StepPointDeduct        = "point_deduct"
	StepSeatConfirm        = "seat_confirm"
	StepReservationConfirm = "reservation_confirm"
	StepCreatePayment      = "create_payment"

	StepSeatRelease = "seat_release"
	StepPointRefund = "point_refund"
)

// PaymentSagaContext is the durable state of one payment saga. Exactly one
// saga may exist per hold; the store enforces the index.
type PaymentSagaContext struct {
	SagaID string `json:"saga_id"`

	// HoldID is the temp reservation being paid for
	HoldID  string `json:"hold_id"`
	UserID  string `json:"user_id"`
	SeatID  string `json:"seat_id"`
	TokenID string `json:"token_id"`

	// TotalAmount is the authoritative debit: seat price minus nothing,
	// points applied as part of the same total.
	TotalAmount int64 `json:"total_amount"`
	PointsUsed  int64 `json:"points_used"`

	// ReservationID and PaymentID are filled in as their steps complete
	ReservationID string `json:"reservation_id,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`

	State         State  `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`

	// CompletedSteps and CompensatedSteps are membership sets; duplicate
	// event deliveries check them before mutating anything.
	CompletedSteps   []string `json:"completed_steps"`
	CompensatedSteps []string `json:"compensated_steps"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCompleted reports whether the forward step already ran
func (c *PaymentSagaContext) HasCompleted(step string) bool {
	return contains(c.CompletedSteps, step)
}

// MarkCompleted records a forward step, once
func (c *PaymentSagaContext) MarkCompleted(step string) {
	if !c.HasCompleted(step) {
		c.CompletedSteps = append(c.CompletedSteps, step)
	}
}

// HasCompensated reports whether the compensation step already ran
func (c *PaymentSagaContext) HasCompensated(step string) bool {
	return contains(c.CompensatedSteps, step)
}

// MarkCompensated records a compensation step, once
func (c *PaymentSagaContext) MarkCompensated(step string) {
	if !c.HasCompensated(step) {
		c.CompensatedSteps = append(c.CompensatedSteps, step)
	}
}

func contains(steps []string, step string) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

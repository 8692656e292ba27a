package domain

import "time"

// PaymentStatus is the status of a payment record
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Payment is the record of a settled reservation payment
type Payment struct {
	ID            string        `json:"id"`
	ReservationID string        `json:"reservation_id"`
	UserID        string        `json:"user_id"`
	Amount        int64         `json:"amount"`
	PointsUsed    int64         `json:"points_used"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

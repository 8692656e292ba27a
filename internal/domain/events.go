package domain

import "time"

// Queue notification events. Delivery is fire-and-forget with at-least-once
// semantics; consumers must tolerate duplicates.

// PositionUpdate tells a waiting user their current place in line
type PositionUpdate struct {
	TokenID       string    `json:"token_id"`
	UserID        string    `json:"user_id"`
	ConcertID     string    `json:"concert_id"`
	Position      int64     `json:"position"`
	EstimatedWait int64     `json:"estimated_wait_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// TokenActivated tells a user they may enter seat selection. ReservationPass
// is a signed credential the booking surface verifies.
type TokenActivated struct {
	TokenID         string    `json:"token_id"`
	UserID          string    `json:"user_id"`
	ConcertID       string    `json:"concert_id"`
	ReservationPass string    `json:"reservation_pass"`
	ExpiresAt       time.Time `json:"expires_at"`
	Timestamp       time.Time `json:"timestamp"`
}

// TokenExpired tells a user their activation lease ran out
type TokenExpired struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	ConcertID string    `json:"concert_id"`
	Timestamp time.Time `json:"timestamp"`
}

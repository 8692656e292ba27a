package domain

import "time"

// TokenStatus is the lifecycle status of a queue token
type TokenStatus string

const (
	TokenStatusWaiting    TokenStatus = "WAITING"
	TokenStatusActive     TokenStatus = "ACTIVE"
	TokenStatusExpired    TokenStatus = "EXPIRED"
	TokenStatusCompleted  TokenStatus = "COMPLETED"
	TokenStatusCancelled  TokenStatus = "CANCELLED"
	TokenStatusDisconnect TokenStatus = "DISCONNECT"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TokenStatus) IsTerminal() bool {
	switch s {
	case TokenStatusExpired, TokenStatusCompleted, TokenStatusCancelled, TokenStatusDisconnect:
		return true
	}
	return false
}

// Valid reports whether s is a known token status.
func (s TokenStatus) Valid() bool {
	switch s {
	case TokenStatusWaiting, TokenStatusActive, TokenStatusExpired,
		TokenStatusCompleted, TokenStatusCancelled, TokenStatusDisconnect:
		return true
	}
	return false
}

// QueueToken is a user's place in a concert's admission queue.
//
// A token is created WAITING, promoted to ACTIVE by the activation worker
// when capacity allows, and ends in exactly one terminal status. While
// ACTIVE it carries a lease: ExpiresAt is the instant the activation slot
// is reclaimed if the user has not completed their purchase.
type QueueToken struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	ConcertID string      `json:"concert_id"`
	Status    TokenStatus `json:"status"`
	EnteredAt time.Time   `json:"entered_at"`
	// ActivatedAt and ExpiresAt are zero until the token is activated.
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// LeaseElapsed reports whether an ACTIVE token's lease has run out at now.
func (t *QueueToken) LeaseElapsed(now time.Time) bool {
	return t.Status == TokenStatusActive && !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

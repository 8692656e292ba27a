package domain

import "time"

// PointTransactionType classifies a point ledger entry
type PointTransactionType string

const (
	PointTransactionCharge PointTransactionType = "CHARGE"
	PointTransactionUse    PointTransactionType = "USE"
	PointTransactionRefund PointTransactionType = "REFUND"
)

// Valid reports whether t is a known transaction type.
func (t PointTransactionType) Valid() bool {
	switch t {
	case PointTransactionCharge, PointTransactionUse, PointTransactionRefund:
		return true
	}
	return false
}

// PointBalance is a user's prepaid point balance. Version supports
// optimistic concurrency on charge; saga debits run under a user lock.
type PointBalance struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PointTransaction is one entry in the point ledger
type PointTransaction struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Type      PointTransactionType `json:"type"`
	Amount    int64                `json:"amount"`
	RefID     string               `json:"ref_id,omitempty"` // saga or reservation id
	CreatedAt time.Time            `json:"created_at"`
}

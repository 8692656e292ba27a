package domain

import "time"

// SeatStatus is the sale status of a concert seat
type SeatStatus string

const (
	SeatStatusAvailable SeatStatus = "AVAILABLE"
	SeatStatusReserved  SeatStatus = "RESERVED"
	SeatStatusSold      SeatStatus = "SOLD"
)

// ConcertSeat is a single sellable seat for a concert
type ConcertSeat struct {
	ID         string     `json:"id"`
	ConcertID  string     `json:"concert_id"`
	Section    string     `json:"section"`
	SeatNumber string     `json:"seat_number"`
	Price      int64      `json:"price"`
	Status     SeatStatus `json:"status"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HoldStatus is the status of a temporary reservation
type HoldStatus string

const (
	HoldStatusReserved  HoldStatus = "RESERVED"
	HoldStatusConfirmed HoldStatus = "CONFIRMED"
	HoldStatusExpired   HoldStatus = "EXPIRED"
)

// TempReservation is a time-bounded hold on a seat. It is created together
// with the seat's transition to RESERVED and must be confirmed before
// ExpiresAt, otherwise the sweeper returns the seat to AVAILABLE.
type TempReservation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ConcertSeatID string     `json:"concert_seat_id"`
	Status        HoldStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Expired reports whether the hold's TTL has elapsed at now.
func (r *TempReservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Reservation is the permanent record created when a hold is confirmed
type Reservation struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ConcertSeatID     string    `json:"concert_seat_id"`
	TempReservationID string    `json:"temp_reservation_id"`
	Amount            int64     `json:"amount"`
	ConfirmedAt       time.Time `json:"confirmed_at"`
}

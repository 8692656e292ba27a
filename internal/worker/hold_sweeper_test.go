package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
)

func TestHoldSweeper_ReclaimsOnlyOverdueHolds(t *testing.T) {
	ctx := context.Background()
	seats := newMemSeatRepo()
	base := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

	seats.seats["seat-1"] = &domain.ConcertSeat{ID: "seat-1", ConcertID: testConcert, Status: domain.SeatStatusReserved}
	seats.seats["seat-2"] = &domain.ConcertSeat{ID: "seat-2", ConcertID: testConcert, Status: domain.SeatStatusReserved}
	seats.seats["seat-3"] = &domain.ConcertSeat{ID: "seat-3", ConcertID: testConcert, Status: domain.SeatStatusSold}

	// overdue, live, and already confirmed
	seats.holds["hold-1"] = &domain.TempReservation{
		ID: "hold-1", UserID: "u1", ConcertSeatID: "seat-1",
		Status: domain.HoldStatusReserved, ExpiresAt: base.Add(-time.Minute),
	}
	seats.holds["hold-2"] = &domain.TempReservation{
		ID: "hold-2", UserID: "u2", ConcertSeatID: "seat-2",
		Status: domain.HoldStatusReserved, ExpiresAt: base.Add(4 * time.Minute),
	}
	seats.holds["hold-3"] = &domain.TempReservation{
		ID: "hold-3", UserID: "u3", ConcertSeatID: "seat-3",
		Status: domain.HoldStatusConfirmed, ExpiresAt: base.Add(-time.Minute),
	}

	sweeper := NewHoldSweeper(seats, nil)
	sweeper.now = func() time.Time { return base }

	reclaimed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	// the overdue hold's seat is back in the pool
	seat1, err := seats.GetSeat(ctx, "seat-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusAvailable, seat1.Status)
	hold1, err := seats.GetHold(ctx, "hold-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusExpired, hold1.Status)

	// the live hold and the confirmed sale are untouched
	seat2, err := seats.GetSeat(ctx, "seat-2")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusReserved, seat2.Status)
	seat3, err := seats.GetSeat(ctx, "seat-3")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusSold, seat3.Status)

	// a second sweep finds nothing
	reclaimed, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestHoldSweeper_HonorsBatchLimit(t *testing.T) {
	ctx := context.Background()
	seats := newMemSeatRepo()
	base := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seatID := string(rune('a' + i))
		seats.seats[seatID] = &domain.ConcertSeat{ID: seatID, ConcertID: testConcert, Status: domain.SeatStatusReserved}
		seats.holds["hold-"+seatID] = &domain.TempReservation{
			ID: "hold-" + seatID, ConcertSeatID: seatID,
			Status: domain.HoldStatusReserved, ExpiresAt: base.Add(-time.Minute),
		}
	}

	sweeper := NewHoldSweeper(seats, &HoldSweeperConfig{Interval: time.Second, BatchLimit: 2})
	sweeper.now = func() time.Time { return base }

	reclaimed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	reclaimed, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	reclaimed, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
}

package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/lock"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
)

// seatRepoFake is an in-memory SeatRepository for service tests
type seatRepoFake struct {
	mu           sync.Mutex
	seats        map[string]*domain.ConcertSeat
	holds        map[string]*domain.TempReservation
	reservations map[string]*domain.Reservation
}

func newSeatRepoFake() *seatRepoFake {
	return &seatRepoFake{
		seats:        make(map[string]*domain.ConcertSeat),
		holds:        make(map[string]*domain.TempReservation),
		reservations: make(map[string]*domain.Reservation),
	}
}

var _ repository.SeatRepository = (*seatRepoFake)(nil)

func (r *seatRepoFake) GetSeat(_ context.Context, seatID string) (*domain.ConcertSeat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seat, ok := r.seats[seatID]
	if !ok {
		return nil, domain.ErrSeatNotFound
	}
	cp := *seat
	return &cp, nil
}

func (r *seatRepoFake) ListAvailableSeats(_ context.Context, concertID string) ([]*domain.ConcertSeat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seats []*domain.ConcertSeat
	for _, seat := range r.seats {
		if seat.ConcertID == concertID && seat.Status == domain.SeatStatusAvailable {
			cp := *seat
			seats = append(seats, &cp)
		}
	}
	return seats, nil
}

func (r *seatRepoFake) UpdateSeatStatus(_ context.Context, seatID string, from, to domain.SeatStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seat, ok := r.seats[seatID]
	if !ok || seat.Status != from {
		return domain.ErrSeatNotAvailable
	}
	seat.Status = to
	return nil
}

func (r *seatRepoFake) CreateHold(_ context.Context, hold *domain.TempReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *hold
	r.holds[hold.ID] = &cp
	return nil
}

func (r *seatRepoFake) GetHold(_ context.Context, holdID string) (*domain.TempReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hold, ok := r.holds[holdID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *hold
	return &cp, nil
}

func (r *seatRepoFake) GetActiveHoldBySeat(_ context.Context, seatID string, now time.Time) (*domain.TempReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, hold := range r.holds {
		if hold.ConcertSeatID == seatID && hold.Status == domain.HoldStatusReserved && now.Before(hold.ExpiresAt) {
			cp := *hold
			return &cp, nil
		}
	}
	return nil, domain.ErrReservationNotFound
}

func (r *seatRepoFake) UpdateHoldStatus(_ context.Context, holdID string, from, to domain.HoldStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hold, ok := r.holds[holdID]
	if !ok || hold.Status != from {
		return domain.ErrHoldNotReserved
	}
	hold.Status = to
	return nil
}

func (r *seatRepoFake) ConfirmHold(_ context.Context, hold *domain.TempReservation, reservation *domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.holds[hold.ID]
	if !ok || stored.Status != domain.HoldStatusReserved {
		return domain.ErrHoldNotReserved
	}
	seat, ok := r.seats[hold.ConcertSeatID]
	if !ok || seat.Status != domain.SeatStatusReserved {
		return domain.ErrSeatNotAvailable
	}
	seat.Status = domain.SeatStatusSold
	stored.Status = domain.HoldStatusConfirmed
	cp := *reservation
	r.reservations[reservation.ID] = &cp
	return nil
}

func (r *seatRepoFake) ReleaseHold(_ context.Context, holdID, seatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hold, ok := r.holds[holdID]
	if !ok || hold.Status != domain.HoldStatusReserved {
		return domain.ErrHoldNotReserved
	}
	hold.Status = domain.HoldStatusExpired
	if seat, ok := r.seats[seatID]; ok && seat.Status == domain.SeatStatusReserved {
		seat.Status = domain.SeatStatusAvailable
	}
	return nil
}

func (r *seatRepoFake) ExpireOverdueHolds(_ context.Context, now time.Time, limit int32) ([]*domain.TempReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reclaimed []*domain.TempReservation
	for _, hold := range r.holds {
		if int32(len(reclaimed)) >= limit {
			break
		}
		if hold.Status == domain.HoldStatusReserved && !now.Before(hold.ExpiresAt) {
			hold.Status = domain.HoldStatusExpired
			if seat, ok := r.seats[hold.ConcertSeatID]; ok && seat.Status == domain.SeatStatusReserved {
				seat.Status = domain.SeatStatusAvailable
			}
			cp := *hold
			reclaimed = append(reclaimed, &cp)
		}
	}
	return reclaimed, nil
}

func (r *seatRepoFake) GetReservation(_ context.Context, reservationID string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reservation, ok := r.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *reservation
	return &cp, nil
}

func (r *seatRepoFake) GetReservationByHold(_ context.Context, holdID string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reservation := range r.reservations {
		if reservation.TempReservationID == holdID {
			cp := *reservation
			return &cp, nil
		}
	}
	return nil, domain.ErrReservationNotFound
}

// contentionLocker is an in-process Locker that contends like the Redis one:
// a held key fails fast when waitTime is zero.
type contentionLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newContentionLocker() *contentionLocker {
	return &contentionLocker{held: make(map[string]bool)}
}

var _ lock.Locker = (*contentionLocker)(nil)

func (l *contentionLocker) TryAcquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (*lock.Handle, error) {
	deadline := time.Now().Add(waitTime)
	for {
		l.mu.Lock()
		if !l.held[key] {
			l.held[key] = true
			l.mu.Unlock()
			return &lock.Handle{Key: key, Token: "test", LeaseTime: leaseTime}, nil
		}
		l.mu.Unlock()

		if waitTime <= 0 || time.Now().After(deadline) {
			return nil, domain.ErrLockContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *contentionLocker) Release(_ context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, handle.Key)
	return nil
}

func (l *contentionLocker) WithLock(ctx context.Context, key string, waitTime, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	handle, err := l.TryAcquire(ctx, key, waitTime, leaseTime)
	if err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx), handle)
	return fn(ctx)
}

// admissionFake validates tokens from a fixed table
type admissionFake struct {
	mu        sync.Mutex
	tokens    map[string]*domain.QueueToken
	completed []string
	validErr  error
}

func newAdmissionFake() *admissionFake {
	return &admissionFake{tokens: make(map[string]*domain.QueueToken)}
}

var _ AdmissionService = (*admissionFake)(nil)

func (a *admissionFake) addActive(tokenID, userID, concertID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[tokenID] = &domain.QueueToken{
		ID: tokenID, UserID: userID, ConcertID: concertID,
		Status: domain.TokenStatusActive,
	}
}

func (a *admissionFake) GenerateToken(context.Context, string, string) (*QueueStatus, error) {
	return nil, fmt.Errorf("not implemented")
}

func (a *admissionFake) GetStatus(context.Context, string) (*QueueStatus, error) {
	return nil, fmt.Errorf("not implemented")
}

func (a *admissionFake) ValidateActiveToken(_ context.Context, tokenID, concertID string) (*domain.QueueToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.validErr != nil {
		return nil, a.validErr
	}
	token, ok := a.tokens[tokenID]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	if token.ConcertID != concertID {
		return nil, domain.ErrTokenConcertMismatch
	}
	cp := *token
	return &cp, nil
}

func (a *admissionFake) CompleteToken(_ context.Context, tokenID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = append(a.completed, tokenID)
	return nil
}

func (a *admissionFake) ExpireToken(context.Context, string, string) error { return nil }
func (a *admissionFake) CancelToken(context.Context, string) error { return nil }

const (
	resvConcert = "concert-1"
	resvSeat    = "seat-a1"
)

type resvFixture struct {
	svc       *reservationService
	seats     *seatRepoFake
	admission *admissionFake
	base      time.Time
}

func newResvFixture(t *testing.T) *resvFixture {
	t.Helper()
	seats := newSeatRepoFake()
	admission := newAdmissionFake()
	base := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

	seats.seats[resvSeat] = &domain.ConcertSeat{
		ID: resvSeat, ConcertID: resvConcert, Section: "A", SeatNumber: "A-1",
		Price: 1500, Status: domain.SeatStatusAvailable,
	}

	svc := NewReservationService(admission, seats, newContentionLocker(), nil).(*reservationService)
	svc.now = func() time.Time { return base }

	return &resvFixture{svc: svc, seats: seats, admission: admission, base: base}
}

func TestCreateTempReservation_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)

	const racers = 16
	for i := 0; i < racers; i++ {
		f.admission.addActive(fmt.Sprintf("tok-%d", i), fmt.Sprintf("u%d", i), resvConcert)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateTempReservation(ctx, fmt.Sprintf("tok-%d", i), resvSeat)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case domain.IsConflict(err):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflict)

	seat, err := f.seats.GetSeat(ctx, resvSeat)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusReserved, seat.Status)

	// exactly one live hold exists
	_, err = f.seats.GetActiveHoldBySeat(ctx, resvSeat, f.base)
	require.NoError(t, err)
}

func TestCreateTempReservation_RequiresActiveToken(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)
	f.admission.validErr = domain.ErrTokenNotActive

	_, err := f.svc.CreateTempReservation(ctx, "tok-1", resvSeat)
	assert.ErrorIs(t, err, domain.ErrTokenNotActive)

	seat, err := f.seats.GetSeat(ctx, resvSeat)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusAvailable, seat.Status)
}

func TestCreateTempReservation_HoldCarriesTTL(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)
	f.admission.addActive("tok-1", "u1", resvConcert)

	hold, err := f.svc.CreateTempReservation(ctx, "tok-1", resvSeat)
	require.NoError(t, err)
	assert.Equal(t, "u1", hold.UserID)
	assert.Equal(t, domain.HoldStatusReserved, hold.Status)
	assert.Equal(t, f.base.Add(5*time.Minute), hold.ExpiresAt)
}

func TestConfirmTempReservation_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)
	f.admission.addActive("tok-1", "u1", resvConcert)

	hold, err := f.svc.CreateTempReservation(ctx, "tok-1", resvSeat)
	require.NoError(t, err)

	reservation, err := f.svc.ConfirmTempReservation(ctx, "tok-1", hold.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", reservation.UserID)
	assert.Equal(t, int64(1500), reservation.Amount)
	assert.Equal(t, hold.ID, reservation.TempReservationID)

	seat, err := f.seats.GetSeat(ctx, resvSeat)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusSold, seat.Status)

	stored, err := f.seats.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusConfirmed, stored.Status)

	// the queue token is consumed by the purchase
	assert.Equal(t, []string{"tok-1"}, f.admission.completed)

	// confirming twice is rejected
	_, err = f.svc.ConfirmTempReservation(ctx, "tok-1", hold.ID)
	assert.ErrorIs(t, err, domain.ErrHoldNotReserved)
}

func TestConfirmTempReservation_ExpiredHoldIsReleased(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)
	f.admission.addActive("tok-1", "u1", resvConcert)

	hold, err := f.svc.CreateTempReservation(ctx, "tok-1", resvSeat)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return f.base.Add(6 * time.Minute) }

	_, err = f.svc.ConfirmTempReservation(ctx, "tok-1", hold.ID)
	assert.ErrorIs(t, err, domain.ErrHoldExpired)

	// the lazy release beat the sweeper to it
	seat, err := f.seats.GetSeat(ctx, resvSeat)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusAvailable, seat.Status)
}

func TestConfirmTempReservation_OwnerMismatch(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)
	f.admission.addActive("tok-1", "u1", resvConcert)
	f.admission.addActive("tok-2", "u2", resvConcert)

	hold, err := f.svc.CreateTempReservation(ctx, "tok-1", resvSeat)
	require.NoError(t, err)

	_, err = f.svc.ConfirmTempReservation(ctx, "tok-2", hold.ID)
	assert.ErrorIs(t, err, domain.ErrHoldOwnerMismatch)

	seat, err := f.seats.GetSeat(ctx, resvSeat)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusReserved, seat.Status)
}

func TestCancelReservation_FreesSeat(t *testing.T) {
	ctx := context.Background()
	f := newResvFixture(t)
	f.admission.addActive("tok-1", "u1", resvConcert)

	hold, err := f.svc.CreateTempReservation(ctx, "tok-1", resvSeat)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelReservation(ctx, "tok-1", hold.ID))

	seat, err := f.seats.GetSeat(ctx, resvSeat)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusAvailable, seat.Status)

	// the freed seat can be held again by someone else
	f.admission.addActive("tok-2", "u2", resvConcert)
	_, err = f.svc.CreateTempReservation(ctx, "tok-2", resvSeat)
	require.NoError(t, err)
}

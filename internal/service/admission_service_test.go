package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
)

// tokenRepoFake is an in-memory TokenRepository for service tests. Like
// the Redis queue, it breaks entered-at ties by insertion order.
type tokenRepoFake struct {
	mu      sync.Mutex
	tokens  map[string]*domain.QueueToken
	seq     map[string]int64
	nextSeq int64
}

func newTokenRepoFake() *tokenRepoFake {
	return &tokenRepoFake{
		tokens: make(map[string]*domain.QueueToken),
		seq:    make(map[string]int64),
	}
}

var _ repository.TokenRepository = (*tokenRepoFake)(nil)

func (r *tokenRepoFake) Enter(_ context.Context, token *domain.QueueToken) (*domain.QueueToken, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ConcertID == token.ConcertID && t.UserID == token.UserID && !t.Status.IsTerminal() {
			cp := *t
			return &cp, false, nil
		}
	}
	cp := *token
	r.tokens[token.ID] = &cp
	r.nextSeq++
	r.seq[token.ID] = r.nextSeq
	out := cp
	return &out, true, nil
}

func (r *tokenRepoFake) GetToken(_ context.Context, tokenID string) (*domain.QueueToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *tokenRepoFake) GetTokenByUser(_ context.Context, concertID, userID string) (*domain.QueueToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ConcertID == concertID && t.UserID == userID && !t.Status.IsTerminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrTokenNotFound
}

func (r *tokenRepoFake) waitingLocked(concertID string) []*domain.QueueToken {
	var waiting []*domain.QueueToken
	for _, t := range r.tokens {
		if t.ConcertID == concertID && t.Status == domain.TokenStatusWaiting {
			waiting = append(waiting, t)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].EnteredAt.Equal(waiting[j].EnteredAt) {
			return waiting[i].EnteredAt.Before(waiting[j].EnteredAt)
		}
		return r.seq[waiting[i].ID] < r.seq[waiting[j].ID]
	})
	return waiting
}

func (r *tokenRepoFake) WaitingPosition(_ context.Context, concertID, tokenID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.waitingLocked(concertID) {
		if t.ID == tokenID {
			return int64(i) + 1, nil
		}
	}
	return 0, domain.ErrTokenNotFound
}

func (r *tokenRepoFake) WaitingCount(_ context.Context, concertID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.waitingLocked(concertID))), nil
}

func (r *tokenRepoFake) ActiveCount(_ context.Context, concertID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tokens {
		if t.ConcertID == concertID && t.Status == domain.TokenStatusActive && now.Before(t.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (r *tokenRepoFake) PopOldestWaiting(_ context.Context, concertID string, n int64) ([]*domain.QueueToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.waitingLocked(concertID)
	if int64(len(waiting)) > n {
		waiting = waiting[:n]
	}
	out := make([]*domain.QueueToken, 0, len(waiting))
	for _, t := range waiting {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *tokenRepoFake) MarkActive(_ context.Context, token *domain.QueueToken, activatedAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token.ID]
	if !ok {
		return domain.ErrTokenNotFound
	}
	t.Status = domain.TokenStatusActive
	t.ActivatedAt = activatedAt
	t.ExpiresAt = expiresAt
	return nil
}

func (r *tokenRepoFake) UpdateStatus(_ context.Context, token *domain.QueueToken, status domain.TokenStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token.ID]
	if !ok {
		return domain.ErrTokenNotFound
	}
	t.Status = status
	return nil
}

func (r *tokenRepoFake) ExpiredActive(_ context.Context, concertID string, now time.Time) ([]*domain.QueueToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.QueueToken
	for _, t := range r.tokens {
		if t.ConcertID == concertID && t.Status == domain.TokenStatusActive && !now.Before(t.ExpiresAt) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *tokenRepoFake) ListWaiting(_ context.Context, concertID string, limit int64) ([]*domain.QueueToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.waitingLocked(concertID)
	if int64(len(waiting)) > limit {
		waiting = waiting[:limit]
	}
	out := make([]*domain.QueueToken, 0, len(waiting))
	for _, t := range waiting {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *tokenRepoFake) ConcertsWithQueues(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var concerts []string
	for _, t := range r.tokens {
		if !t.Status.IsTerminal() && !seen[t.ConcertID] {
			seen[t.ConcertID] = true
			concerts = append(concerts, t.ConcertID)
		}
	}
	return concerts, nil
}

const admissionConcert = "concert-1"

func newAdmissionFixture(t *testing.T) (*admissionService, *tokenRepoFake, time.Time) {
	t.Helper()
	repo := newTokenRepoFake()
	base := time.Date(2026, 6, 1, 19, 0, 0, 0, time.UTC)

	svc := NewAdmissionService(repo, &AdmissionConfig{
		ThroughputPerTick: 50,
		TickInterval:      10 * time.Second,
	}).(*admissionService)

	// a strictly advancing clock keeps entry order deterministic
	var mu sync.Mutex
	tick := 0
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	counter := 0
	svc.newID = func() string {
		counter++
		return fmt.Sprintf("tok-%03d", counter)
	}
	return svc, repo, base
}

func TestGenerateToken_EntersWaitingWithPosition(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newAdmissionFixture(t)

	status, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusWaiting, status.Token.Status)
	assert.Equal(t, int64(1), status.Position)

	// a later entrant queues behind
	later, err := svc.GenerateToken(ctx, admissionConcert, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), later.Position)
}

func TestGenerateToken_SameTimestampEntrantsKeepArrivalOrder(t *testing.T) {
	ctx := context.Background()
	svc, repo, base := newAdmissionFixture(t)

	// freeze the clock so both entries share one enteredAt, and hand the
	// first arrival the lexicographically larger token id
	svc.now = func() time.Time { return base }
	ids := []string{"tok-z", "tok-a"}
	svc.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	second, err := svc.GenerateToken(ctx, admissionConcert, "u2")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Position)
	assert.Equal(t, int64(2), second.Position)

	// arrival order holds on re-query, not token id order
	pos, err := repo.WaitingPosition(ctx, admissionConcert, "tok-z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
}

func TestGenerateToken_ReentryReturnsExistingToken(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newAdmissionFixture(t)

	first, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)

	again, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Token.ID, again.Token.ID)
	assert.Equal(t, first.Position, again.Position)
}

func TestGetStatus_EstimatesWaitFromThroughput(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newAdmissionFixture(t)

	var last *QueueStatus
	for i := 0; i < 120; i++ {
		status, err := svc.GenerateToken(ctx, admissionConcert, fmt.Sprintf("u%d", i+1))
		require.NoError(t, err)
		last = status
	}

	// position 120 at 50 admissions per 10s tick: two full ticks ahead
	assert.Equal(t, int64(120), last.Position)
	assert.Equal(t, int64(20), last.EstimatedWaitSeconds)
}

func TestGetStatus_LazilyExpiresElapsedLease(t *testing.T) {
	ctx := context.Background()
	svc, repo, base := newAdmissionFixture(t)

	status, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	token := status.Token
	require.NoError(t, repo.MarkActive(ctx, token, base, base.Add(30*time.Minute)))

	svc.now = func() time.Time { return base.Add(31 * time.Minute) }

	got, err := svc.GetStatus(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusActive, got.Token.Status) // the read copy

	stored, err := repo.GetToken(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusExpired, stored.Status)
}

func TestValidateActiveToken(t *testing.T) {
	ctx := context.Background()
	svc, repo, base := newAdmissionFixture(t)

	status, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	token := status.Token

	// WAITING tokens cannot book
	_, err = svc.ValidateActiveToken(ctx, token.ID, admissionConcert)
	assert.ErrorIs(t, err, domain.ErrTokenNotActive)

	require.NoError(t, repo.MarkActive(ctx, token, base, base.Add(30*time.Minute)))

	got, err := svc.ValidateActiveToken(ctx, token.ID, admissionConcert)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	// a pass for one concert does not open another
	_, err = svc.ValidateActiveToken(ctx, token.ID, "concert-2")
	assert.ErrorIs(t, err, domain.ErrTokenConcertMismatch)

	// an elapsed lease is expired on the spot
	svc.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, err = svc.ValidateActiveToken(ctx, token.ID, admissionConcert)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	stored, err := repo.GetToken(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusExpired, stored.Status)
}

func TestTokenTransitions_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	svc, repo, base := newAdmissionFixture(t)

	status, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	token := status.Token
	require.NoError(t, repo.MarkActive(ctx, token, base, base.Add(30*time.Minute)))

	require.NoError(t, svc.CompleteToken(ctx, token.ID))

	stored, err := repo.GetToken(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusCompleted, stored.Status)

	// no resurrection of a finished token
	err = svc.CancelToken(ctx, token.ID)
	assert.ErrorIs(t, err, domain.ErrTokenTerminal)
	err = svc.ExpireToken(ctx, token.ID, "lease elapsed")
	assert.ErrorIs(t, err, domain.ErrTokenTerminal)
}

func TestCancelToken(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newAdmissionFixture(t)

	status, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)

	require.NoError(t, svc.CancelToken(ctx, status.Token.ID))

	stored, err := repo.GetToken(ctx, status.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusCancelled, stored.Status)

	// cancelling frees the queue slot for re-entry
	fresh, err := svc.GenerateToken(ctx, admissionConcert, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, status.Token.ID, fresh.Token.ID)
}

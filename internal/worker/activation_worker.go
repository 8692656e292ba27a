package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/lock"
	"github.com/nitchakan-dev/concert-rush/internal/notify"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// PassIssuer mints the reservation pass an activated user presents to the
// booking surface.
type PassIssuer interface {
	Issue(token *domain.QueueToken, expiresAt time.Time) (string, error)
}

// ReservationPassClaims is the JWT payload of a reservation pass
type ReservationPassClaims struct {
	ConcertID string `json:"concert_id"`
	jwt.RegisteredClaims
}

// JWTPassIssuer signs reservation passes with HMAC-SHA256
type JWTPassIssuer struct {
	secret []byte
	issuer string

	now func() time.Time
}

// NewJWTPassIssuer creates a pass issuer
func NewJWTPassIssuer(secret, issuer string) *JWTPassIssuer {
	return &JWTPassIssuer{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

var _ PassIssuer = (*JWTPassIssuer)(nil)

// Issue implements PassIssuer. The pass expires with the activation lease.
func (i *JWTPassIssuer) Issue(token *domain.QueueToken, expiresAt time.Time) (string, error) {
	claims := &ReservationPassClaims{
		ConcertID: token.ConcertID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Subject:   token.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	pass, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reservation pass: %w", err)
	}
	return pass, nil
}

// VerifyPass parses and validates a reservation pass
func (i *JWTPassIssuer) VerifyPass(pass string) (*ReservationPassClaims, error) {
	claims := &ReservationPassClaims{}
	_, err := jwt.ParseWithClaims(pass, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return nil, fmt.Errorf("invalid reservation pass: %w", err)
	}
	return claims, nil
}

// ActivationWorkerConfig tunes the admission scheduler
type ActivationWorkerConfig struct {
	// MaxActiveUsers caps concurrent ACTIVE tokens per concert
	MaxActiveUsers int64
	// ActivationBatch caps admissions per tick
	ActivationBatch int64
	// Interval is the tick period
	Interval time.Duration
	// ActiveLease is how long an activated token may book before expiring
	ActiveLease time.Duration
	// PositionUpdateLimit caps how many waiting users get a position push
	// each tick; deeper positions poll instead
	PositionUpdateLimit int64
}

// DefaultActivationWorkerConfig returns production defaults
func DefaultActivationWorkerConfig() *ActivationWorkerConfig {
	return &ActivationWorkerConfig{
		MaxActiveUsers:      100,
		ActivationBatch:     50,
		Interval:            10 * time.Second,
		ActiveLease:         30 * time.Minute,
		PositionUpdateLimit: 500,
	}
}

// ActivationWorker is the queue admission scheduler. Each tick it reclaims
// elapsed leases, promotes the oldest waiting tokens up to the concurrency
// cap, and pushes position updates. Ticks never overlap: one loop drives
// all concerts sequentially.
type ActivationWorker struct {
	tokens   repository.TokenRepository
	notifier notify.Notifier
	issuer   PassIssuer
	locker   lock.Locker
	config   *ActivationWorkerConfig

	now func() time.Time
}

// NewActivationWorker creates an activation worker
func NewActivationWorker(
	tokens repository.TokenRepository,
	notifier notify.Notifier,
	issuer PassIssuer,
	locker lock.Locker,
	config *ActivationWorkerConfig,
) *ActivationWorker {
	if config == nil {
		config = DefaultActivationWorkerConfig()
	}
	return &ActivationWorker{
		tokens:   tokens,
		notifier: notifier,
		issuer:   issuer,
		locker:   locker,
		config:   config,
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled
func (w *ActivationWorker) Run(ctx context.Context) error {
	logger.Get().Info("Activation worker started",
		zap.Int64("max_active_users", w.config.MaxActiveUsers),
		zap.Duration("interval", w.config.Interval))

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				logger.Get().Error(fmt.Sprintf("Activation tick failed: %v", err))
			}
		}
	}
}

// Tick runs one scheduling pass over every concert with queue state
func (w *ActivationWorker) Tick(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "worker.ActivationTick")
	defer span.End()

	concerts, err := w.tokens.ConcertsWithQueues(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for _, concertID := range concerts {
		if err := w.TickConcert(ctx, concertID); err != nil {
			logger.Get().Error(fmt.Sprintf("Failed to schedule concert queue: %v", err),
				zap.String("concert_id", concertID))
		}
	}
	return nil
}

// TickConcert runs one scheduling pass for a single concert. The pass runs
// under the concert's activation lock; if another scheduler instance holds
// it the tick is skipped, not queued.
func (w *ActivationWorker) TickConcert(ctx context.Context, concertID string) error {
	err := w.locker.WithLock(ctx, lock.ActivationKey(concertID), 0, w.config.Interval, func(ctx context.Context) error {
		return w.tickConcert(ctx, concertID)
	})
	if domain.IsLockContention(err) {
		return nil
	}
	return err
}

func (w *ActivationWorker) tickConcert(ctx context.Context, concertID string) error {
	ctx, span := telemetry.StartSpan(ctx, "worker.TickConcert")
	defer span.End()
	span.SetAttributes(attribute.String("concert.id", concertID))

	now := w.now()

	// Reclaim first so freed capacity is admitted in the same tick.
	reclaimed, err := w.reclaimExpired(ctx, concertID, now)
	if err != nil {
		return err
	}

	activated, err := w.admit(ctx, concertID, now)
	if err != nil {
		return err
	}

	if err := w.pushPositions(ctx, concertID, now); err != nil {
		return err
	}

	if reclaimed > 0 || activated > 0 {
		logger.Get().Info("Queue tick",
			zap.String("concert_id", concertID),
			zap.Int("reclaimed", reclaimed),
			zap.Int("activated", activated))
	}
	span.SetAttributes(
		attribute.Int("queue.reclaimed", reclaimed),
		attribute.Int("queue.activated", activated),
	)
	return nil
}

func (w *ActivationWorker) reclaimExpired(ctx context.Context, concertID string, now time.Time) (int, error) {
	expired, err := w.tokens.ExpiredActive(ctx, concertID, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, token := range expired {
		if err := w.tokens.UpdateStatus(ctx, token, domain.TokenStatusExpired); err != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to expire token: %v", err),
				zap.String("token_id", token.ID))
			continue
		}
		reclaimed++
		w.notifier.NotifyExpired(ctx, &domain.TokenExpired{
			TokenID:   token.ID,
			UserID:    token.UserID,
			ConcertID: token.ConcertID,
			Timestamp: now,
		})
	}
	return reclaimed, nil
}

func (w *ActivationWorker) admit(ctx context.Context, concertID string, now time.Time) (int, error) {
	active, err := w.tokens.ActiveCount(ctx, concertID, now)
	if err != nil {
		return 0, err
	}

	capacity := w.config.MaxActiveUsers - active
	if capacity <= 0 {
		return 0, nil
	}
	if capacity > w.config.ActivationBatch {
		capacity = w.config.ActivationBatch
	}

	batch, err := w.tokens.PopOldestWaiting(ctx, concertID, capacity)
	if err != nil {
		return 0, err
	}

	activated := 0
	expiresAt := now.Add(w.config.ActiveLease)
	for _, token := range batch {
		if err := w.tokens.MarkActive(ctx, token, now, expiresAt); err != nil {
			logger.Get().Error(fmt.Sprintf("Failed to activate token: %v", err),
				zap.String("token_id", token.ID))
			continue
		}
		activated++

		pass, err := w.issuer.Issue(token, expiresAt)
		if err != nil {
			logger.Get().Error(fmt.Sprintf("Failed to issue reservation pass: %v", err),
				zap.String("token_id", token.ID))
			continue
		}
		w.notifier.NotifyActivated(ctx, &domain.TokenActivated{
			TokenID:         token.ID,
			UserID:          token.UserID,
			ConcertID:       token.ConcertID,
			ReservationPass: pass,
			ExpiresAt:       expiresAt,
			Timestamp:       now,
		})
	}
	return activated, nil
}

func (w *ActivationWorker) pushPositions(ctx context.Context, concertID string, now time.Time) error {
	waiting, err := w.tokens.ListWaiting(ctx, concertID, w.config.PositionUpdateLimit)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	tickSeconds := int64(w.config.Interval.Seconds())
	updates := make([]*domain.PositionUpdate, 0, len(waiting))
	for i, token := range waiting {
		position := int64(i) + 1
		updates = append(updates, &domain.PositionUpdate{
			TokenID:       token.ID,
			UserID:        token.UserID,
			ConcertID:     token.ConcertID,
			Position:      position,
			EstimatedWait: (position / w.config.ActivationBatch) * tickSeconds,
			Timestamp:     now,
		})
	}
	w.notifier.NotifyPositions(ctx, updates)
	return nil
}

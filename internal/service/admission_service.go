package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

// QueueStatus is what a polling client sees: the token plus its place in
// line. Position is 0 for ACTIVE tokens.
type QueueStatus struct {
	Token                *domain.QueueToken `json:"token"`
	Position             int64              `json:"position"`
	EstimatedWaitSeconds int64              `json:"estimated_wait_seconds"`
}

// AdmissionService manages queue token lifecycle and position queries
type AdmissionService interface {
	// GenerateToken enters the user into the concert's queue. Re-entry with
	// a live token returns the existing token unchanged.
	GenerateToken(ctx context.Context, concertID, userID string) (*QueueStatus, error)

	// GetStatus returns the token's current status and position
	GetStatus(ctx context.Context, tokenID string) (*QueueStatus, error)

	// ValidateActiveToken checks that the token is ACTIVE, unexpired, and
	// was issued for the given concert. An elapsed lease is expired lazily
	// before the check fails.
	ValidateActiveToken(ctx context.Context, tokenID, concertID string) (*domain.QueueToken, error)

	// CompleteToken marks a token COMPLETED after a confirmed purchase
	CompleteToken(ctx context.Context, tokenID string) error

	// ExpireToken marks a token EXPIRED, recording why
	ExpireToken(ctx context.Context, tokenID, reason string) error

	// CancelToken marks a token CANCELLED at the user's request
	CancelToken(ctx context.Context, tokenID string) error
}

// AdmissionConfig tunes wait estimation
type AdmissionConfig struct {
	// ThroughputPerTick is how many users each scheduler tick admits
	ThroughputPerTick int64
	// TickInterval is the scheduler's activation interval
	TickInterval time.Duration
}

// DefaultAdmissionConfig returns production defaults
func DefaultAdmissionConfig() *AdmissionConfig {
	return &AdmissionConfig{
		ThroughputPerTick: 50,
		TickInterval:      10 * time.Second,
	}
}

type admissionService struct {
	tokens repository.TokenRepository
	config *AdmissionConfig

	now   func() time.Time
	newID func() string
}

// NewAdmissionService creates an admission service
func NewAdmissionService(tokens repository.TokenRepository, config *AdmissionConfig) AdmissionService {
	if config == nil {
		config = DefaultAdmissionConfig()
	}
	return &admissionService{
		tokens: tokens,
		config: config,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// GenerateToken implements AdmissionService
func (s *admissionService) GenerateToken(ctx context.Context, concertID, userID string) (*QueueStatus, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.GenerateToken")
	defer span.End()
	span.SetAttributes(
		attribute.String("concert.id", concertID),
		attribute.String("user.id", userID),
	)

	token := &domain.QueueToken{
		ID:        s.newID(),
		UserID:    userID,
		ConcertID: concertID,
		Status:    domain.TokenStatusWaiting,
		EnteredAt: s.now(),
	}

	stored, created, err := s.tokens.Enter(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("queue.created", created))

	return s.statusFor(ctx, stored)
}

// GetStatus implements AdmissionService
func (s *admissionService) GetStatus(ctx context.Context, tokenID string) (*QueueStatus, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("token.id", tokenID))

	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	if token.LeaseElapsed(s.now()) {
		if err := s.tokens.UpdateStatus(ctx, token, domain.TokenStatusExpired); err != nil {
			return nil, err
		}
	}

	return s.statusFor(ctx, token)
}

// ValidateActiveToken implements AdmissionService
func (s *admissionService) ValidateActiveToken(ctx context.Context, tokenID, concertID string) (*domain.QueueToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ValidateActiveToken")
	defer span.End()
	span.SetAttributes(attribute.String("token.id", tokenID))

	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	if token.LeaseElapsed(s.now()) {
		if err := s.tokens.UpdateStatus(ctx, token, domain.TokenStatusExpired); err != nil {
			return nil, err
		}
		return nil, domain.ErrTokenExpired
	}

	if token.Status != domain.TokenStatusActive {
		return nil, domain.ErrTokenNotActive
	}

	if token.ConcertID != concertID {
		return nil, domain.ErrTokenConcertMismatch
	}

	return token, nil
}

// CompleteToken implements AdmissionService
func (s *admissionService) CompleteToken(ctx context.Context, tokenID string) error {
	return s.transition(ctx, tokenID, domain.TokenStatusCompleted)
}

// ExpireToken implements AdmissionService
func (s *admissionService) ExpireToken(ctx context.Context, tokenID, reason string) error {
	if err := s.transition(ctx, tokenID, domain.TokenStatusExpired); err != nil {
		return err
	}
	logger.Get().Info("Queue token expired",
		zap.String("token_id", tokenID),
		zap.String("reason", reason))
	return nil
}

// CancelToken implements AdmissionService
func (s *admissionService) CancelToken(ctx context.Context, tokenID string) error {
	return s.transition(ctx, tokenID, domain.TokenStatusCancelled)
}

func (s *admissionService) transition(ctx context.Context, tokenID string, status domain.TokenStatus) error {
	ctx, span := telemetry.StartSpan(ctx, "service.TokenTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("token.id", tokenID),
		attribute.String("token.target_status", string(status)),
	)

	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if token.Status.IsTerminal() {
		return domain.ErrTokenTerminal
	}
	return s.tokens.UpdateStatus(ctx, token, status)
}

func (s *admissionService) statusFor(ctx context.Context, token *domain.QueueToken) (*QueueStatus, error) {
	status := &QueueStatus{Token: token}

	switch token.Status {
	case domain.TokenStatusWaiting:
		pos, err := s.tokens.WaitingPosition(ctx, token.ConcertID, token.ID)
		if err != nil {
			if domain.IsNotFound(err) {
				// Promoted between the read and the rank lookup; report the
				// front of the line rather than failing the poll.
				status.Position = 1
				status.EstimatedWaitSeconds = s.estimateWait(1)
				return status, nil
			}
			return nil, err
		}
		status.Position = pos
		status.EstimatedWaitSeconds = s.estimateWait(pos)
	case domain.TokenStatusActive:
		status.Position = 0
		status.EstimatedWaitSeconds = 0
	default:
		status.Position = 0
		status.EstimatedWaitSeconds = 0
	}
	return status, nil
}

// estimateWait derives seconds of wait from the scheduler's admission rate:
// full ticks ahead of this position times the tick interval.
func (s *admissionService) estimateWait(position int64) int64 {
	if position <= 0 || s.config.ThroughputPerTick <= 0 {
		return 0
	}
	ticksAhead := position / s.config.ThroughputPerTick
	return ticksAhead * int64(s.config.TickInterval.Seconds())
}

package repository

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/pkg/redis"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

//go:embed scripts/enter_queue.lua
var enterQueueScript string

const enterQueueScriptName = "enter_queue"

const (
	waitingKeyPrefix = "queue:waiting:"
	activeKeyPrefix  = "queue:active:"
	tokenKeyPrefix   = "queue:token:"
	userKeyPrefix    = "queue:user:"
	seqKeyPrefix     = "queue:seq:"

	// terminal token hashes are kept around for a day so clients polling an
	// old token id still get a definite status instead of a 404
	terminalTokenTTL = 24 * time.Hour
)

func waitingKey(concertID string) string { return waitingKeyPrefix + concertID }
func activeKey(concertID string) string  { return activeKeyPrefix + concertID }
func tokenKey(tokenID string) string     { return tokenKeyPrefix + tokenID }
func seqKey(concertID string) string     { return seqKeyPrefix + concertID }
func userKey(concertID, userID string) string {
	return userKeyPrefix + concertID + ":" + userID
}

// RedisTokenRepository implements TokenRepository on Redis. The waiting
// queue is a sorted set scored by entry time with a per-concert sequence
// tie-break, the active set is scored by lease expiry, and token state
// lives in per-token hashes.
type RedisTokenRepository struct {
	client *redis.Client
}

// NewRedisTokenRepository creates a Redis-backed token repository
func NewRedisTokenRepository(client *redis.Client) *RedisTokenRepository {
	return &RedisTokenRepository{client: client}
}

var _ TokenRepository = (*RedisTokenRepository)(nil)

// Enter implements TokenRepository
func (r *RedisTokenRepository) Enter(ctx context.Context, token *domain.QueueToken) (*domain.QueueToken, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.Enter")
	defer span.End()
	span.SetAttributes(
		attribute.String("concert.id", token.ConcertID),
		attribute.String("user.id", token.UserID),
	)

	keys := []string{
		userKey(token.ConcertID, token.UserID),
		waitingKey(token.ConcertID),
		tokenKey(token.ID),
		seqKey(token.ConcertID),
	}
	args := []interface{}{
		token.ID,
		token.UserID,
		token.ConcertID,
		token.EnteredAt.UnixMilli(),
	}

	result, err := r.client.EvalWithFallback(ctx, enterQueueScriptName, enterQueueScript, keys, args...).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("failed to enter queue: %w", err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, false, fmt.Errorf("unexpected enter_queue result: %v", result)
	}

	created := toInt64(parts[0]) == 1
	returnedID := fmt.Sprintf("%v", parts[1])

	if created {
		span.SetAttributes(attribute.Bool("queue.created", true))
		out := *token
		out.Status = domain.TokenStatusWaiting
		return &out, true, nil
	}

	existing, err := r.GetToken(ctx, returnedID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetToken implements TokenRepository
func (r *RedisTokenRepository) GetToken(ctx context.Context, tokenID string) (*domain.QueueToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetToken")
	defer span.End()
	span.SetAttributes(attribute.String("token.id", tokenID))

	fields, err := r.client.HGetAll(ctx, tokenKey(tokenID)).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrTokenNotFound
	}
	return tokenFromHash(fields), nil
}

// GetTokenByUser implements TokenRepository
func (r *RedisTokenRepository) GetTokenByUser(ctx context.Context, concertID, userID string) (*domain.QueueToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.GetTokenByUser")
	defer span.End()

	tokenID, err := r.client.Get(ctx, userKey(concertID, userID)).Result()
	if err == goredis.Nil {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get user token index: %w", err)
	}
	return r.GetToken(ctx, tokenID)
}

// WaitingPosition implements TokenRepository
func (r *RedisTokenRepository) WaitingPosition(ctx context.Context, concertID, tokenID string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.WaitingPosition")
	defer span.End()

	rank, err := r.client.ZRank(ctx, waitingKey(concertID), tokenID).Result()
	if err == goredis.Nil {
		return 0, domain.ErrTokenNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to get waiting position: %w", err)
	}
	return rank + 1, nil
}

// WaitingCount implements TokenRepository
func (r *RedisTokenRepository) WaitingCount(ctx context.Context, concertID string) (int64, error) {
	count, err := r.client.ZCard(ctx, waitingKey(concertID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count waiting tokens: %w", err)
	}
	return count, nil
}

// ActiveCount implements TokenRepository. Tokens whose lease elapsed are
// excluded; the activation worker reclaims them separately.
func (r *RedisTokenRepository) ActiveCount(ctx context.Context, concertID string, now time.Time) (int64, error) {
	min := strconv.FormatInt(now.UnixMilli(), 10)
	count, err := r.client.ZCount(ctx, activeKey(concertID), "("+min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active tokens: %w", err)
	}
	return count, nil
}

// PopOldestWaiting implements TokenRepository
func (r *RedisTokenRepository) PopOldestWaiting(ctx context.Context, concertID string, n int64) ([]*domain.QueueToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.PopOldestWaiting")
	defer span.End()
	span.SetAttributes(
		attribute.String("concert.id", concertID),
		attribute.Int64("queue.batch", n),
	)

	if n <= 0 {
		return nil, nil
	}

	key := waitingKey(concertID)
	ids, err := r.client.ZRange(ctx, key, 0, n-1).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read waiting queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := r.client.ZRem(ctx, key, members...).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to remove waiting tokens: %w", err)
	}

	tokens := make([]*domain.QueueToken, 0, len(ids))
	for _, id := range ids {
		token, err := r.GetToken(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// MarkActive implements TokenRepository
func (r *RedisTokenRepository) MarkActive(ctx context.Context, token *domain.QueueToken, activatedAt, expiresAt time.Time) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.MarkActive")
	defer span.End()
	span.SetAttributes(attribute.String("token.id", token.ID))

	err := r.client.HSet(ctx, tokenKey(token.ID),
		"status", string(domain.TokenStatusActive),
		"activated_at", activatedAt.UnixMilli(),
		"expires_at", expiresAt.UnixMilli(),
	).Err()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark token active: %w", err)
	}

	err = r.client.ZAdd(ctx, activeKey(token.ConcertID), goredis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: token.ID,
	}).Err()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to add token to active set: %w", err)
	}

	token.Status = domain.TokenStatusActive
	token.ActivatedAt = activatedAt
	token.ExpiresAt = expiresAt
	return nil
}

// UpdateStatus implements TokenRepository
func (r *RedisTokenRepository) UpdateStatus(ctx context.Context, token *domain.QueueToken, status domain.TokenStatus) error {
	ctx, span := telemetry.StartSpan(ctx, "repository.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("token.id", token.ID),
		attribute.String("token.status", string(status)),
	)

	if err := r.client.HSet(ctx, tokenKey(token.ID), "status", string(status)).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update token status: %w", err)
	}

	if status.IsTerminal() {
		if err := r.client.ZRem(ctx, waitingKey(token.ConcertID), token.ID).Err(); err != nil {
			return fmt.Errorf("failed to remove token from waiting set: %w", err)
		}
		if err := r.client.ZRem(ctx, activeKey(token.ConcertID), token.ID).Err(); err != nil {
			return fmt.Errorf("failed to remove token from active set: %w", err)
		}
		if err := r.client.Del(ctx, userKey(token.ConcertID, token.UserID)).Err(); err != nil {
			return fmt.Errorf("failed to remove user token index: %w", err)
		}
		if err := r.client.Expire(ctx, tokenKey(token.ID), terminalTokenTTL).Err(); err != nil {
			return fmt.Errorf("failed to expire terminal token: %w", err)
		}
	}

	token.Status = status
	return nil
}

// ExpiredActive implements TokenRepository
func (r *RedisTokenRepository) ExpiredActive(ctx context.Context, concertID string, now time.Time) ([]*domain.QueueToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "repository.ExpiredActive")
	defer span.End()

	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(ctx, activeKey(concertID), &goredis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read expired active tokens: %w", err)
	}

	tokens := make([]*domain.QueueToken, 0, len(ids))
	for _, id := range ids {
		token, err := r.GetToken(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// ListWaiting implements TokenRepository
func (r *RedisTokenRepository) ListWaiting(ctx context.Context, concertID string, limit int64) ([]*domain.QueueToken, error) {
	if limit <= 0 {
		limit = -1
	} else {
		limit--
	}

	ids, err := r.client.ZRange(ctx, waitingKey(concertID), 0, limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting tokens: %w", err)
	}

	tokens := make([]*domain.QueueToken, 0, len(ids))
	for _, id := range ids {
		token, err := r.GetToken(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// ConcertsWithQueues implements TokenRepository
func (r *RedisTokenRepository) ConcertsWithQueues(ctx context.Context) ([]string, error) {
	var (
		cursor   uint64
		concerts []string
		seen     = make(map[string]struct{})
	)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, waitingKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue keys: %w", err)
		}
		for _, key := range keys {
			concertID := strings.TrimPrefix(key, waitingKeyPrefix)
			if _, ok := seen[concertID]; !ok {
				seen[concertID] = struct{}{}
				concerts = append(concerts, concertID)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return concerts, nil
}

func tokenFromHash(fields map[string]string) *domain.QueueToken {
	token := &domain.QueueToken{
		ID:        fields["id"],
		UserID:    fields["user_id"],
		ConcertID: fields["concert_id"],
		Status:    domain.TokenStatus(fields["status"]),
	}
	if ms := parseInt64(fields["entered_at"]); ms > 0 {
		token.EnteredAt = time.UnixMilli(ms)
	}
	if ms := parseInt64(fields["activated_at"]); ms > 0 {
		token.ActivatedAt = time.UnixMilli(ms)
	}
	if ms := parseInt64(fields["expires_at"]); ms > 0 {
		token.ExpiresAt = time.UnixMilli(ms)
	}
	return token
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		return parseInt64(n)
	default:
		return 0
	}
}

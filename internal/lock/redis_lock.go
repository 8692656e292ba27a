package lock

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nitchakan-dev/concert-rush/pkg/redis"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const releaseLockScriptName = "release_lock"

// LockClient is the subset of Redis operations the locker needs. pkg/redis
// satisfies it through RedisLockClient; tests use an in-memory fake.
type LockClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	EvalScript(ctx context.Context, name, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisLockClient adapts pkg/redis.Client to LockClient
type RedisLockClient struct {
	client *redis.Client
}

// NewRedisLockClient creates a LockClient backed by pkg/redis
func NewRedisLockClient(client *redis.Client) *RedisLockClient {
	return &RedisLockClient{client: client}
}

func (a *RedisLockClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.client.SetNX(ctx, key, value, ttl).Result()
}

func (a *RedisLockClient) EvalScript(ctx context.Context, name, script string, keys []string, args ...interface{}) (interface{}, error) {
	return a.client.EvalWithFallback(ctx, name, script, keys, args...).Result()
}

// RedisLocker implements Locker on a single Redis instance using
// SET NX PX with a per-acquisition holder token.
type RedisLocker struct {
	client LockClient

	// pollInterval is how often TryAcquire re-attempts while waiting.
	pollInterval time.Duration
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client LockClient) *RedisLocker {
	return &RedisLocker{
		client:       client,
		pollInterval: 50 * time.Millisecond,
	}
}

var _ Locker = (*RedisLocker)(nil)

// TryAcquire implements Locker
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (*Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, "lock.TryAcquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.wait_ms", waitTime.Milliseconds()),
		attribute.Int64("lock.lease_ms", leaseTime.Milliseconds()),
	)

	token := uuid.New().String()
	deadline := time.Now().Add(waitTime)

	for {
		ok, err := l.client.SetNX(ctx, key, token, leaseTime)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			span.SetAttributes(attribute.Bool("lock.acquired", true))
			return &Handle{
				Key:        key,
				Token:      token,
				LeaseTime:  leaseTime,
				AcquiredAt: time.Now(),
			}, nil
		}

		if waitTime <= 0 || !time.Now().Add(l.pollInterval).Before(deadline) {
			span.SetAttributes(attribute.Bool("lock.acquired", false))
			return nil, ErrLockContention
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release implements Locker. The compare-and-delete script guarantees a
// holder whose lease already expired cannot delete a successor's lock.
func (l *RedisLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "lock.Release")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", h.Key))

	_, err := l.client.EvalScript(ctx, releaseLockScriptName, releaseLockScript, []string{h.Key}, h.Token)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to release lock %s: %w", h.Key, err)
	}
	return nil
}

// WithLock implements Locker
func (l *RedisLocker) WithLock(ctx context.Context, key string, waitTime, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	h, err := l.TryAcquire(ctx, key, waitTime, leaseTime)
	if err != nil {
		return err
	}
	defer func() {
		// Release on every exit path, panics included. Release errors are
		// swallowed: the lease expires on its own.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, h)
	}()

	return fn(ctx)
}

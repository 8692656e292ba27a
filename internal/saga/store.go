package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/pkg/redis"
)

// Store persists saga contexts. A reservation index enforces at most one
// live saga per hold.
type Store interface {
	// Save inserts or updates a context and its reservation index
	Save(ctx context.Context, sc *PaymentSagaContext) error

	// Get loads a context by saga id, domain.ErrSagaNotFound when absent
	Get(ctx context.Context, sagaID string) (*PaymentSagaContext, error)

	// GetByHold loads the live context for a hold
	GetByHold(ctx context.Context, holdID string) (*PaymentSagaContext, error)

	// Delete removes a context and its reservation index
	Delete(ctx context.Context, sagaID string) error

	// ListStalled returns non-terminal contexts not updated since cutoff
	ListStalled(ctx context.Context, cutoff time.Time) ([]*PaymentSagaContext, error)
}

// MemoryStore is an in-memory Store for tests and single-process setups
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*PaymentSagaContext
	byHold map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*PaymentSagaContext),
		byHold: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// Save implements Store
func (s *MemoryStore) Save(_ context.Context, sc *PaymentSagaContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := deepCopy(sc)
	if err != nil {
		return err
	}
	s.byID[sc.SagaID] = cp
	s.byHold[sc.HoldID] = sc.SagaID
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*PaymentSagaContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.byID[sagaID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	return deepCopy(sc)
}

// GetByHold implements Store
func (s *MemoryStore) GetByHold(_ context.Context, holdID string) (*PaymentSagaContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sagaID, ok := s.byHold[holdID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	sc, ok := s.byID[sagaID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	return deepCopy(sc)
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.byID[sagaID]; ok {
		delete(s.byHold, sc.HoldID)
		delete(s.byID, sagaID)
	}
	return nil
}

// ListStalled implements Store
func (s *MemoryStore) ListStalled(_ context.Context, cutoff time.Time) ([]*PaymentSagaContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stalled []*PaymentSagaContext
	for _, sc := range s.byID {
		if !sc.State.IsTerminal() && sc.UpdatedAt.Before(cutoff) {
			cp, err := deepCopy(sc)
			if err != nil {
				return nil, err
			}
			stalled = append(stalled, cp)
		}
	}
	return stalled, nil
}

func deepCopy(sc *PaymentSagaContext) (*PaymentSagaContext, error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to copy saga context: %w", err)
	}
	cp := &PaymentSagaContext{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("failed to copy saga context: %w", err)
	}
	return cp, nil
}

const (
	sagaKeyPrefix     = "saga:payment:"
	sagaHoldKeyPrefix = "saga:payment:hold:"

	// contexts are deleted at terminal states; the TTL is a backstop for
	// processes that die between the lifecycle event and the delete
	sagaKeyTTL = 24 * time.Hour
)

func sagaKey(sagaID string) string     { return sagaKeyPrefix + sagaID }
func sagaHoldKey(holdID string) string { return sagaHoldKeyPrefix + holdID }

// RedisStore is a Redis-backed Store. Contexts are stored as JSON values
// keyed by saga id with a hold -> saga index alongside.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, sc *PaymentSagaContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal saga context: %w", err)
	}
	if err := s.client.Set(ctx, sagaKey(sc.SagaID), data, sagaKeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to save saga context: %w", err)
	}
	if err := s.client.Set(ctx, sagaHoldKey(sc.HoldID), sc.SagaID, sagaKeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to save saga hold index: %w", err)
	}
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, sagaID string) (*PaymentSagaContext, error) {
	data, err := s.client.Get(ctx, sagaKey(sagaID)).Bytes()
	if err == goredis.Nil {
		return nil, domain.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga context: %w", err)
	}

	sc := &PaymentSagaContext{}
	if err := json.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga context: %w", err)
	}
	return sc, nil
}

// GetByHold implements Store
func (s *RedisStore) GetByHold(ctx context.Context, holdID string) (*PaymentSagaContext, error) {
	sagaID, err := s.client.Get(ctx, sagaHoldKey(holdID)).Result()
	if err == goredis.Nil {
		return nil, domain.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga hold index: %w", err)
	}
	return s.Get(ctx, sagaID)
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, sagaID string) error {
	sc, err := s.Get(ctx, sagaID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.client.Del(ctx, sagaKey(sagaID), sagaHoldKey(sc.HoldID)).Err(); err != nil {
		return fmt.Errorf("failed to delete saga context: %w", err)
	}
	return nil
}

// ListStalled implements Store
func (s *RedisStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*PaymentSagaContext, error) {
	var (
		cursor  uint64
		stalled []*PaymentSagaContext
	)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, sagaKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga keys: %w", err)
		}

		for _, key := range keys {
			// the hold index shares the prefix; skip it
			if len(key) >= len(sagaHoldKeyPrefix) && key[:len(sagaHoldKeyPrefix)] == sagaHoldKeyPrefix {
				continue
			}
			data, err := s.client.Get(ctx, key).Bytes()
			if err == goredis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load saga context: %w", err)
			}
			sc := &PaymentSagaContext{}
			if err := json.Unmarshal(data, sc); err != nil {
				continue
			}
			if !sc.State.IsTerminal() && sc.UpdatedAt.Before(cutoff) {
				stalled = append(stalled, sc)
			}
		}

		if next == 0 {
			break
		}
		cursor = next
	}
	return stalled, nil
}

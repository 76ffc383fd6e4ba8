// Package dedupe suppresses replays of gateway webhook deliveries.
//
// A delivery is claimed before it is processed. A second claim for the
// same key inside the TTL reports a duplicate; a failed delivery is
// released so the gateway's redelivery can be processed.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store claims keys for a bounded time.
type Store interface {
	// Claim returns true if key was not claimed within its TTL.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim.
	Release(ctx context.Context, key string) error
}

// MemoryStore keeps claims in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore creates an in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)

	// Opportunistic sweep keeps the map bounded by live claims.
	if len(m.claims) > 1024 {
		for k, exp := range m.claims {
			if !now.Before(exp) {
				delete(m.claims, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}

// RedisStore claims keys with SET NX so every instance sees the claim.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore creates a redis-backed claim store.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (r *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.namespace+":"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.namespace+":"+key).Err(); err != nil {
		return fmt.Errorf("dedupe: del: %w", err)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

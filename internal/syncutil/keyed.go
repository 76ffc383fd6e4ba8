// Package syncutil provides per-key serialization for wallet, escrow and
// payment mutations.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-backed mutexes addressed by key.
// Memory stays bounded no matter how many wallets or escrows are seen;
// two keys hashing to the same shard simply serialize with each other.
// The zero value is not usable; call NewKeyedMutex.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex returns an unlocked keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until key is held and returns its unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext is Lock with cancellation. On ctx expiry it returns
// (nil, ctx.Err()) and the key is not held.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

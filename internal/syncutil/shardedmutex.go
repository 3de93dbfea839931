// Package syncutil holds keyed locking helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// ShardedMutex serializes work per string key using a fixed pool of locks.
// Two keys may share a shard; callers must not hold two keys at once.
// The zero value is not usable; call NewShardedMutex.
type ShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewShardedMutex returns an unlocked ShardedMutex.
func NewShardedMutex() *ShardedMutex {
	m := &ShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until key is held and returns the release func.
func (m *ShardedMutex) Lock(key string) func() {
	ch := m.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done.
func (m *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ShardedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

package app

import (
	"hash/maphash"
	"sync"
)

const defaultShards = 64

type mapShard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// shardedMap spreads keys over independently locked shards so a writer
// only ever blocks readers of the same shard, and only for a map operation.
type shardedMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []mapShard[K, V]
}

func newShardedMap[K comparable, V any](n int) *shardedMap[K, V] {
	if n <= 0 {
		n = defaultShards
	}
	sm := &shardedMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: make([]mapShard[K, V], n),
	}
	for i := range sm.shards {
		sm.shards[i].m = make(map[K]V)
	}
	return sm
}

func (sm *shardedMap[K, V]) shard(k K) *mapShard[K, V] {
	h := maphash.Comparable(sm.seed, k)
	return &sm.shards[h%uint64(len(sm.shards))]
}

func (sm *shardedMap[K, V]) Load(k K) (V, bool) {
	sh := sm.shard(k)
	sh.mu.RLock()
	v, ok := sh.m[k]
	sh.mu.RUnlock()
	return v, ok
}

// StoreIfAbsent inserts v unless k is present and reports whether it stored.
func (sm *shardedMap[K, V]) StoreIfAbsent(k K, v V) bool {
	sh := sm.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[k]; ok {
		return false
	}
	sh.m[k] = v
	return true
}

// DeleteIf removes k only while match accepts the stored value.
func (sm *shardedMap[K, V]) DeleteIf(k K, match func(V) bool) bool {
	sh := sm.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[k]
	if !ok || !match(v) {
		return false
	}
	delete(sh.m, k)
	return true
}

// Snapshot collects all values, holding one shard lock at a time.
func (sm *shardedMap[K, V]) Snapshot() []V {
	var out []V
	for i := range sm.shards {
		sh := &sm.shards[i]
		sh.mu.RLock()
		for _, v := range sh.m {
			out = append(out, v)
		}
		sh.mu.RUnlock()
	}
	return out
}

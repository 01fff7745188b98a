package admission

import (
	"context"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryStore is an in-process token bucket. Keys are spread over
// murmur3-selected shards; one mutex per shard serializes every update to
// the keys it holds.
type MemoryStore struct {
	limits Limits
	now    func() time.Time
	shards []*shard[*bucket]
}

// NewMemoryStore returns a token bucket store. A nil now uses time.Now.
func NewMemoryStore(l Limits, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{limits: l, now: now, shards: newShards[*bucket](defaultShards)}
}

// CheckAndConsume refills the key's bucket for the elapsed time, capped at
// capacity, and takes one token if at least one is available.
func (m *MemoryStore) CheckAndConsume(_ context.Context, key string) (bool, error) {
	sh := m.shards[shardIndex(key, len(m.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := m.now()
	b, ok := sh.keys[key]
	if !ok {
		b = &bucket{tokens: m.limits.Capacity, last: now}
		sh.keys[key] = b
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += elapsed.Seconds() * m.limits.RefillRate
		if b.tokens > m.limits.Capacity {
			b.tokens = m.limits.Capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Tokens reports the stored token count for key (capacity if unknown).
// The value is not refilled.
func (m *MemoryStore) Tokens(key string) float64 {
	sh := m.shards[shardIndex(key, len(m.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok := sh.keys[key]; ok {
		return b.tokens
	}
	return m.limits.Capacity
}

// Sweep drops buckets that would be full again by now; they are
// indistinguishable from a new key. Returns the number removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	window := m.limits.Window()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, b := range sh.keys {
			if now.Sub(b.last) >= window {
				delete(sh.keys, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

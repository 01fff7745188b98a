package admission

import (
	"context"
	"time"
)

// WindowStore is the local fallback: a sliding window of accepted
// timestamps per key. A request is accepted while fewer than Capacity
// requests were accepted during the last Window. Entries older than the
// window are evicted on every check.
//
// The store is instance-local. With several gateways running it only
// approximates the shared limit.
type WindowStore struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards []*shard[[]time.Time]
}

// NewWindowStore derives limit and window from l. A nil now uses time.Now.
func NewWindowStore(l Limits, now func() time.Time) *WindowStore {
	if now == nil {
		now = time.Now
	}
	limit := int(l.Capacity)
	if limit < 1 {
		limit = 1
	}
	return &WindowStore{
		limit:  limit,
		window: l.Window(),
		now:    now,
		shards: newShards[[]time.Time](defaultShards),
	}
}

// CheckAndConsume implements Store.
func (w *WindowStore) CheckAndConsume(_ context.Context, key string) (bool, error) {
	sh := w.shards[shardIndex(key, len(w.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := w.now()
	q := evict(sh.keys[key], now.Add(-w.window))
	if len(q) >= w.limit {
		sh.keys[key] = q
		return false, nil
	}
	sh.keys[key] = append(q, now)
	return true, nil
}

// Sweep removes keys with no timestamps inside the window.
func (w *WindowStore) Sweep(now time.Time) int {
	cutoff := now.Add(-w.window)
	removed := 0
	for _, sh := range w.shards {
		sh.mu.Lock()
		for k, q := range sh.keys {
			if q = evict(q, cutoff); len(q) == 0 {
				delete(sh.keys, k)
				removed++
				continue
			}
			sh.keys[k] = q
		}
		sh.mu.Unlock()
	}
	return removed
}

// evict drops timestamps at or before cutoff. q is ordered oldest first.
func evict(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && !q[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	return append(q[:0], q[i:]...)
}

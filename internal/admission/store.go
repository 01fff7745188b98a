package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Store performs one indivisible check-and-consume for a client key.
// Implementations must serialize all updates to the same key.
type Store interface {
	CheckAndConsume(ctx context.Context, key string) (bool, error)
}

// Sweeper is implemented by local stores that can reclaim idle keys.
type Sweeper interface {
	Sweep(now time.Time) int
}

// ErrUnavailable marks store errors meaning the backend could not be reached.
// The controller routes such requests to its local fallback.
var ErrUnavailable = errors.New("admission store unavailable")

// Limits is the token bucket shape shared by every store.
type Limits struct {
	Capacity   float64 // max burst
	RefillRate float64 // tokens per second
}

// Window is the time a drained bucket needs to refill completely.
func (l Limits) Window() time.Duration {
	if l.RefillRate <= 0 {
		return 0
	}
	return time.Duration(l.Capacity / l.RefillRate * float64(time.Second))
}

const defaultShards = 32

// shardIndex maps a key onto one of n shards.
func shardIndex(key string, n int) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

type shard[T any] struct {
	mu   sync.Mutex
	keys map[string]T
}

func newShards[T any](n int) []*shard[T] {
	if n <= 0 {
		n = defaultShards
	}
	out := make([]*shard[T], n)
	for i := range out {
		out[i] = &shard[T]{keys: make(map[string]T)}
	}
	return out
}

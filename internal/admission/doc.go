// Package admission implements per-client request quotas.
//
// # Algorithm
//
// Each client identity owns a token bucket of Capacity tokens refilled at
// RefillRate tokens per second. A request refills the bucket for the time
// elapsed since the last update (capped at Capacity) and consumes one token
// if at least one is available. The refill, comparison and write happen as
// one indivisible step per key, so concurrent requests from the same client
// can never spend the same token twice.
//
// # Stores
//
//   - RedisStore: shared bucket evaluated by a Lua script in one round
//     trip; keys expire once a bucket would be full again.
//   - MemoryStore: the same bucket held in process, for single instances.
//   - WindowStore: sliding-window counter used as the fallback while the
//     shared store is unreachable.
//
// The local stores shard keys with murmur3 and serialize each shard with a
// mutex.
//
// # Failure Semantics
//
// Transport failures against the shared store route requests to the
// WindowStore for RetryAfter. A fallback decision is instance-local, so
// several gateways only approximate the global limit until the store comes
// back. Any other store error fails open: the request is allowed and the
// error logged. Options.FailClosed inverts that choice, which makes the
// shared store a hard dependency.
package admission

package admission

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Mode names the store currently answering admission checks.
type Mode string

const (
	ModeShared   Mode = "shared"   // shared token bucket
	ModeLocal    Mode = "local"    // in-process token bucket, no shared store configured
	ModeFallback Mode = "fallback" // shared store unreachable, sliding window
)

// Options configures a Controller.
type Options struct {
	// Shared is the preferred store. Nil means single-instance operation on Local.
	Shared Store
	// Local answers when no shared store is configured. Defaults to a MemoryStore.
	Local Store
	// Fallback answers while the shared store is unreachable. Defaults to a WindowStore.
	Fallback Store

	Limits Limits

	// RetryAfter is how long the shared store is skipped after it was found unreachable.
	RetryAfter time.Duration
	// FailClosed denies requests when the shared store returns an unexpected
	// error. The default is to allow them.
	FailClosed bool
	// SweepEvery is the Run interval for reclaiming idle local keys.
	SweepEvery time.Duration

	// OnModeChange is called (synchronously, outside the lock) on every mode switch.
	OnModeChange func(from, to Mode)

	Logger *log.Logger
	Now    func() time.Time
}

// Controller decides whether a client may issue a request.
// It is safe for concurrent use.
type Controller struct {
	opts Options

	mu        sync.Mutex
	mode      Mode
	skipUntil time.Time
}

// NewController returns a controller using opts, filling in defaults.
func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Local == nil {
		opts.Local = NewMemoryStore(opts.Limits, opts.Now)
	}
	if opts.Fallback == nil {
		opts.Fallback = NewWindowStore(opts.Limits, opts.Now)
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Minute
	}
	mode := ModeLocal
	if opts.Shared != nil {
		mode = ModeShared
	}
	return &Controller{opts: opts, mode: mode}
}

// Mode returns the store currently in use.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// MarkUnavailable switches to the fallback for RetryAfter. Used when the
// shared store fails its startup check.
func (c *Controller) MarkUnavailable(err error) {
	if c.opts.Shared == nil {
		return
	}
	c.opts.Logger.Printf("admission: shared store unavailable, using local fallback: %v", err)
	c.setMode(ModeFallback, c.opts.Now().Add(c.opts.RetryAfter))
}

// Allow consumes one unit of identity's quota and reports whether the
// request may proceed.
//
// Unreachable shared store: the request is decided by the local fallback.
// Any other shared store error: the request is allowed (or denied with
// FailClosed) so an outage of the store does not block all traffic.
//
// A cancelled ctx is denied and leaves the mode unchanged.
func (c *Controller) Allow(ctx context.Context, identity string) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.opts.Shared == nil {
		ok, err := c.opts.Local.CheckAndConsume(ctx, identity)
		if err != nil {
			c.opts.Logger.Printf("admission: local store error: %v", err)
			return !c.opts.FailClosed
		}
		return ok
	}

	if !c.sharedUsable() {
		return c.fallback(ctx, identity)
	}

	ok, err := c.opts.Shared.CheckAndConsume(ctx, identity)
	switch {
	case err != nil && ctx.Err() != nil:
		return false
	case err == nil:
		c.setMode(ModeShared, time.Time{})
		return ok
	case errors.Is(err, ErrUnavailable):
		c.opts.Logger.Printf("admission: shared store unreachable, falling back for %s: %v", c.opts.RetryAfter, err)
		c.setMode(ModeFallback, c.opts.Now().Add(c.opts.RetryAfter))
		return c.fallback(ctx, identity)
	default:
		c.opts.Logger.Printf("admission: shared store error (fail_closed=%v): %v", c.opts.FailClosed, err)
		return !c.opts.FailClosed
	}
}

func (c *Controller) fallback(ctx context.Context, identity string) bool {
	ok, err := c.opts.Fallback.CheckAndConsume(ctx, identity)
	if err != nil {
		c.opts.Logger.Printf("admission: fallback store error: %v", err)
		return !c.opts.FailClosed
	}
	return ok
}

func (c *Controller) sharedUsable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode != ModeFallback || !c.opts.Now().Before(c.skipUntil)
}

func (c *Controller) setMode(next Mode, skipUntil time.Time) {
	c.mu.Lock()
	prev := c.mode
	c.mode = next
	c.skipUntil = skipUntil
	c.mu.Unlock()

	if prev != next {
		if next == ModeShared {
			c.opts.Logger.Printf("admission: shared store recovered")
		}
		if c.opts.OnModeChange != nil {
			c.opts.OnModeChange(prev, next)
		}
	}
}

// Sweep reclaims idle keys from the local stores and returns how many were removed.
func (c *Controller) Sweep() int {
	now := c.opts.Now()
	n := 0
	for _, s := range []Store{c.opts.Local, c.opts.Fallback} {
		if sw, ok := s.(Sweeper); ok {
			n += sw.Sweep(now)
		}
	}
	return n
}

// Run sweeps local stores every SweepEvery until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.opts.Logger.Printf("admission: swept %d idle keys", n)
			}
		}
	}
}

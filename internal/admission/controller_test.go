package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type scriptedStore struct {
	mu    sync.Mutex
	calls int
	ok    bool
	err   error
}

func (s *scriptedStore) CheckAndConsume(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.ok, s.err
}

func (s *scriptedStore) set(ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok, s.err = ok, err
}

func (s *scriptedStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestController_LocalQuotaScenario(t *testing.T) {
	clock := newFakeClock()
	c := NewController(Options{
		Limits: Limits{Capacity: 60, RefillRate: 1},
		Now:    clock.Now,
		Logger: quietLogger(),
	})
	if c.Mode() != ModeLocal {
		t.Fatalf("mode got %s want %s", c.Mode(), ModeLocal)
	}
	ctx := context.Background()
	for i := 1; i <= 60; i++ {
		if !c.Allow(ctx, "198.51.100.7") {
			t.Fatalf("request %d denied", i)
		}
		clock.Advance(10 * time.Millisecond)
	}
	if c.Allow(ctx, "198.51.100.7") {
		t.Fatalf("61st request within one second allowed")
	}
	clock.Advance(60 * time.Second)
	if !c.Allow(ctx, "198.51.100.7") {
		t.Fatalf("request after 60s denied")
	}
}

func TestController_SharedUnavailableFallsBack(t *testing.T) {
	clock := newFakeClock()
	shared := &scriptedStore{err: fmt.Errorf("%w: dial tcp: connection refused", ErrUnavailable)}
	var transitions []string
	c := NewController(Options{
		Shared:     shared,
		Limits:     Limits{Capacity: 2, RefillRate: 0.1},
		RetryAfter: 5 * time.Second,
		Now:        clock.Now,
		Logger:     quietLogger(),
		OnModeChange: func(from, to Mode) {
			transitions = append(transitions, string(from)+"->"+string(to))
		},
	})
	ctx := context.Background()

	// Fallback window: 2 per 20s.
	if !c.Allow(ctx, "a") || !c.Allow(ctx, "a") {
		t.Fatalf("fallback denied within limit")
	}
	if c.Allow(ctx, "a") {
		t.Fatalf("fallback allowed over limit")
	}
	if c.Mode() != ModeFallback {
		t.Fatalf("mode got %s want %s", c.Mode(), ModeFallback)
	}
	if got := shared.count(); got != 1 {
		t.Fatalf("shared store called %d times during cooldown, want 1", got)
	}

	// Store recovers; after the cooldown it is tried again.
	shared.set(true, nil)
	clock.Advance(5 * time.Second)
	if !c.Allow(ctx, "a") {
		t.Fatalf("recovered shared store denied")
	}
	if c.Mode() != ModeShared {
		t.Fatalf("mode got %s want %s", c.Mode(), ModeShared)
	}
	want := []string{"shared->fallback", "fallback->shared"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Fatalf("transitions got %v want %v", transitions, want)
	}
}

func TestController_UnexpectedErrorFailsOpen(t *testing.T) {
	shared := &scriptedStore{err: errors.New("redis: ERR script exploded")}
	c := NewController(Options{Shared: shared, Limits: Limits{Capacity: 1, RefillRate: 1}, Logger: quietLogger()})
	for i := 0; i < 5; i++ {
		if !c.Allow(context.Background(), "x") {
			t.Fatalf("request %d denied on store error", i)
		}
	}
	if c.Mode() != ModeShared {
		t.Fatalf("unexpected errors must not switch to fallback, mode %s", c.Mode())
	}
}

func TestController_UnexpectedErrorFailClosed(t *testing.T) {
	shared := &scriptedStore{err: errors.New("redis: ERR script exploded")}
	c := NewController(Options{
		Shared:     shared,
		Limits:     Limits{Capacity: 1, RefillRate: 1},
		FailClosed: true,
		Logger:     quietLogger(),
	})
	if c.Allow(context.Background(), "x") {
		t.Fatalf("fail-closed controller allowed on store error")
	}
}

func TestController_MarkUnavailable(t *testing.T) {
	clock := newFakeClock()
	shared := &scriptedStore{ok: true}
	c := NewController(Options{
		Shared:     shared,
		Limits:     Limits{Capacity: 1, RefillRate: 1},
		RetryAfter: time.Second,
		Now:        clock.Now,
		Logger:     quietLogger(),
	})
	c.MarkUnavailable(errors.New("ping: connection refused"))
	if c.Mode() != ModeFallback {
		t.Fatalf("mode got %s want %s", c.Mode(), ModeFallback)
	}
	c.Allow(context.Background(), "x")
	if shared.count() != 0 {
		t.Fatalf("shared store used during startup cooldown")
	}
	clock.Advance(time.Second)
	c.Allow(context.Background(), "x")
	if shared.count() != 1 || c.Mode() != ModeShared {
		t.Fatalf("shared store not retried after cooldown: calls=%d mode=%s", shared.count(), c.Mode())
	}
}

func TestController_RunStopsOnCancel(t *testing.T) {
	c := NewController(Options{Limits: Limits{Capacity: 1, RefillRate: 1}, SweepEvery: time.Millisecond, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	c.Allow(context.Background(), "x")
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestController_CancelledCallerKeepsSharedQuota(t *testing.T) {
	clock := newFakeClock()
	store, _ := newRedisStore(t, Limits{Capacity: 2, RefillRate: 0.01}, clock)
	var transitions int
	c := NewController(Options{
		Shared:       store,
		Limits:       Limits{Capacity: 2, RefillRate: 0.01},
		Now:          clock.Now,
		Logger:       quietLogger(),
		OnModeChange: func(from, to Mode) { transitions++ },
	})
	ctx := context.Background()
	allowed := 0
	for i := 0; i < 3; i++ {
		if c.Allow(ctx, "203.0.113.50") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed got %d want 2", allowed)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Allow(cancelled, "203.0.113.50") {
		t.Fatalf("cancelled request allowed")
	}
	if c.Mode() != ModeShared {
		t.Fatalf("mode got %s want %s", c.Mode(), ModeShared)
	}

	for i := 0; i < 3; i++ {
		if c.Allow(ctx, "203.0.113.50") {
			t.Fatalf("request %d allowed after quota was spent", i+1)
		}
	}
	if transitions != 0 {
		t.Fatalf("mode changed %d times want 0", transitions)
	}
}

// cancelDuringCall cancels the caller's context mid-request and reports the
// failure the transport would see.
type cancelDuringCall struct {
	cancel context.CancelFunc
}

func (s *cancelDuringCall) CheckAndConsume(context.Context, string) (bool, error) {
	s.cancel()
	return false, fmt.Errorf("%w: %v", ErrUnavailable, context.Canceled)
}

func TestController_CancelledMidCallDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(Options{
		Shared: &cancelDuringCall{cancel: cancel},
		Limits: Limits{Capacity: 5, RefillRate: 1},
		Logger: quietLogger(),
	})
	if c.Allow(ctx, "x") {
		t.Fatalf("request allowed after its context was cancelled")
	}
	if c.Mode() != ModeShared {
		t.Fatalf("mode got %s want %s", c.Mode(), ModeShared)
	}
}

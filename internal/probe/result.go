package probe

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TargetGuard is implemented by *guard.Guard.
type TargetGuard interface {
	IsUnsafeTarget(ctx context.Context, host string) bool
}

// checkTarget runs the guard on the literal host before any outbound I/O.
// ctx carries the request deadline, so a slow resolver cannot outlive it.
// A guard that ran out of time still rejects; the failure names the timeout.
func checkTarget(ctx context.Context, g TargetGuard, host string) *Failure {
	if host == "" {
		return Invalid("target host is empty")
	}
	if g.IsUnsafeTarget(ctx, host) {
		if err := ctx.Err(); err != nil {
			return FromError("resolving target: ", err)
		}
		return Unsafe()
	}
	return nil
}

// begin starts a Result for kind and target.
func begin(kind Kind, target string) *Result {
	return &Result{
		ID:      uuid.NewString(),
		Kind:    kind,
		Target:  target,
		Started: time.Now(),
	}
}

func (r *Result) fail(f *Failure) Result {
	r.Failure = f
	return r.done()
}

func (r *Result) done() Result {
	r.Duration = time.Since(r.Started)
	return *r
}

// Fail returns a failed Result for req without running it. The gateway uses
// it for rejections that happen before an executor is reached.
func Fail(req Request, f *Failure) Result {
	target := req.Target()
	if h, ok := req.(HTTPRequest); ok {
		target = h.URL
	}
	return begin(req.Kind(), target).fail(f)
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d.Microseconds()) / 1000
}

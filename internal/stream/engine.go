package stream

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrTooManySessions is returned by Start when MaxSessions are already live.
var ErrTooManySessions = errors.New("too many concurrent scan sessions")

// DefaultStderrLimit caps the stderr kept for the terminal event.
const DefaultStderrLimit = 64 * 1024

// Options configures an Engine.
type Options struct {
	// MaxSessions bounds concurrently running sessions; 0 means unbounded.
	MaxSessions int
	// StderrLimit bounds captured stderr per session.
	StderrLimit int
	Logger      *log.Logger
}

// Engine starts streaming sessions and tracks how many are live.
type Engine struct {
	opts   Options
	active atomic.Int64
}

// NewEngine returns an Engine with defaults applied.
func NewEngine(opts Options) *Engine {
	if opts.StderrLimit <= 0 {
		opts.StderrLimit = DefaultStderrLimit
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Engine{opts: opts}
}

// Active returns the number of sessions not yet reaped.
func (e *Engine) Active() int64 { return e.active.Load() }

// Start spawns argv and returns its session immediately. The session lives
// until the process exits, timeout elapses or ctx is cancelled, whichever
// comes first; in every case the child is reaped before Done closes.
//
// argv is executed directly, never through a shell.
func (e *Engine) Start(ctx context.Context, argv []string, timeout time.Duration) (*Session, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("stream: empty command")
	}
	if timeout <= 0 {
		return nil, errors.New("stream: timeout must be positive")
	}
	if n := e.active.Add(1); e.opts.MaxSessions > 0 && n > int64(e.opts.MaxSessions) {
		e.active.Add(-1)
		return nil, ErrTooManySessions
	}

	s := &Session{
		id:          uuid.NewString(),
		argv:        append([]string(nil), argv...),
		timeout:     timeout,
		stderrLimit: e.opts.StderrLimit,
		started:     time.Now(),
		events:      make(chan Event),
		done:        make(chan struct{}),
		state:       StateStarting,
	}
	go func() {
		defer e.active.Add(-1)
		s.run(ctx)
		sum := s.Summary()
		e.opts.Logger.Printf("stream: session %s %s exit=%d lines=%d in %dms",
			sum.ID, sum.State, sum.ExitCode, sum.Lines, sum.Duration.Milliseconds())
	}()
	return s, nil
}

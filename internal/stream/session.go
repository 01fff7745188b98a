package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sanverite/probe-gateway/internal/proc"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateStarting           State = "starting"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StateTimedOut           State = "timed_out"
	StateClientDisconnected State = "client_disconnected"
	StateSpawnFailed        State = "spawn_failed"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateClientDisconnected, StateSpawnFailed:
		return true
	}
	return false
}

// EventKind identifies an Event.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventLine    EventKind = "line"
	EventDone    EventKind = "done"    // terminal: process exited
	EventTimeout EventKind = "timeout" // terminal: killed at the deadline
	EventError   EventKind = "error"   // terminal: process could not be spawned
)

// Event is one message of a session's output sequence.
type Event struct {
	Kind     EventKind
	Line     string // EventLine
	ExitCode int    // EventDone
	Stderr   string // EventDone, EventTimeout
	Message  string // EventTimeout, EventError
}

// Terminal reports whether e ends the sequence.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventTimeout || e.Kind == EventError
}

// Summary describes a finished session.
type Summary struct {
	ID       string
	State    State
	ExitCode int
	Lines    int
	Started  time.Time
	Duration time.Duration
}

// Session is one streaming run of an external command. It is owned by the
// request that started it; Events must be drained or the request context
// cancelled for the session to end.
type Session struct {
	id          string
	argv        []string
	timeout     time.Duration
	stderrLimit int
	started     time.Time

	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	state    State
	pid      int
	exitCode int
	lines    int
	ended    time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the output sequence. It is closed after the terminal event
// (or, for a disconnected client, after cleanup).
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the child has been reaped and all handles released.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the child's process id, or 0 before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Summary returns the session outcome. Fields are final once Done is closed.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.ended
	if end.IsZero() {
		end = time.Now()
	}
	return Summary{
		ID:       s.id,
		State:    s.state,
		ExitCode: s.exitCode,
		Lines:    s.lines,
		Started:  s.started,
		Duration: end.Sub(s.started),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if st.Terminal() {
		s.ended = time.Now()
	}
}

// run drives the session from spawn to reaping. ctx belongs to the
// consumer; its cancellation means nobody reads Events anymore.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	procCtx, kill := context.WithCancel(context.Background())
	defer kill()

	cmd := exec.CommandContext(procCtx, s.argv[0], s.argv[1:]...)
	proc.Prepare(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(ctx, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if err := cmd.Start(); err != nil {
		s.fail(ctx, err)
		return
	}

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.mu.Unlock()
	s.setState(StateRunning)

	stop := make(chan struct{})
	lines := make(chan string)
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		defer close(lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- strings.ToValidUTF8(sc.Text(), "\uFFFD"):
			case <-stop:
				// Keep draining so the child never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, stdout)
				return
			}
		}
	}()

	errBuf := &proc.CappedBuffer{Limit: s.stderrLimit}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(errBuf, stderr)
	}()

	// Wait may only run once both pipes hit EOF.
	exited := make(chan error, 1)
	go func() {
		<-stdoutDone
		<-stderrDone
		exited <- cmd.Wait()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	outcome := StateRunning
	if !s.send(ctx, Event{Kind: EventStart}) {
		outcome = StateClientDisconnected
	}

loop:
	for outcome == StateRunning {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			select {
			case s.events <- Event{Kind: EventLine, Line: line}:
				s.mu.Lock()
				s.lines++
				s.mu.Unlock()
			case <-timer.C:
				outcome = StateTimedOut
			case <-ctx.Done():
				outcome = StateClientDisconnected
			}
		case <-exited:
			outcome = StateCompleted
			break loop
		case <-timer.C:
			outcome = StateTimedOut
		case <-ctx.Done():
			outcome = StateClientDisconnected
		}
	}

	if outcome != StateCompleted {
		close(stop)
		kill()
		<-exited
	}

	s.mu.Lock()
	if cmd.ProcessState != nil {
		s.exitCode = cmd.ProcessState.ExitCode()
	}
	exitCode := s.exitCode
	s.mu.Unlock()
	s.setState(outcome)

	switch outcome {
	case StateCompleted:
		s.send(ctx, Event{Kind: EventDone, ExitCode: exitCode, Stderr: errBuf.String()})
	case StateTimedOut:
		s.send(ctx, Event{
			Kind:    EventTimeout,
			Message: fmt.Sprintf("scan timed out after %s", s.timeout),
			Stderr:  errBuf.String(),
		})
	}
}

// fail handles a spawn failure: one error event, nothing else.
func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.exitCode = -1
	s.mu.Unlock()
	s.setState(StateSpawnFailed)
	s.send(ctx, Event{Kind: EventError, Message: "failed to start scanner: " + err.Error()})
}

// send delivers e unless the consumer is gone.
func (s *Session) send(ctx context.Context, e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

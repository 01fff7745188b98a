package core

import (
	"errors"
	"sync"
	"time"
)

// AgentState represents the lifecycle state of the gateway.
// The state machine is intentionally small and coarse. The intended
// transitions:
//
// inactive -> starting | active
// starting -> active | error | inactive
// active   -> degraded | stopping | error
// degraded -> active | stopping | error
// stopping -> inactive | error
// error    -> inactive | starting
//
// Transitions outside this set are rejected by SetAgentState.
type AgentState string

const (
	StateInactive AgentState = "inactive"
	StateStarting AgentState = "starting"
	StateActive   AgentState = "active"
	StateDegraded AgentState = "degraded" // admission runs on the local fallback
	StateStopping AgentState = "stopping"
	StateError    AgentState = "error"
)

// Serving reports whether the gateway accepts probe requests in state a.
func (a AgentState) Serving() bool {
	return a == StateActive || a == StateDegraded
}

// DefaultRecentRecords is the ring size used when NewState gets n <= 0.
const DefaultRecentRecords = 50

// OutcomeOK is the counter label of a successful probe.
const OutcomeOK = "ok"

// Record is the hand-off of one finished probe to the result sink.
// Times are captured as observed.
type Record struct {
	ID         string
	Kind       string // "http", "port", "scan" or "scan_stream"
	Target     string
	Identity   string // client identity the request was admitted for
	OK         bool
	ErrorKind  string // empty when OK
	Reason     string // refines ErrorKind for client errors
	Message    string
	Started    time.Time
	DurationMs int64
}

// Outcome is the counter label for r: "ok", the client error reason, or
// the error kind.
func (r Record) Outcome() string {
	switch {
	case r.OK:
		return OutcomeOK
	case r.Reason != "":
		return r.Reason
	case r.ErrorKind != "":
		return r.ErrorKind
	default:
		return "unknown"
	}
}

// Snapshot is a threadsafe read model returned to the API layer.
// All nested slices/maps are returned as defensive copies, so callers
// may safely retain value without additional locking.
type Snapshot struct {
	AgentState AgentState
	StartedAt  time.Time
	Warnings   []string
	// Recent holds the latest records, newest first.
	Recent []Record
	// Counters maps probe kind to outcome to count.
	Counters map[string]map[string]int64
}

// TransitionFunc observes a completed lifecycle transition.
type TransitionFunc func(from, to AgentState)

// State holds mutable gateway state with synchronization.
// Use the provided methods to mutate; callers should never take the lock directly.
type State struct {
	mu        sync.RWMutex
	agent     AgentState
	startedAt time.Time
	warnings  []string
	listeners []TransitionFunc

	// ring of recent records; next is the slot written next
	recent []Record
	next   int
	filled bool

	counters map[string]map[string]int64
}

// NewState constructs a default-inactive state keeping the last n records.
func NewState(n int) *State {
	if n <= 0 {
		n = DefaultRecentRecords
	}
	return &State{
		agent:    StateInactive,
		recent:   make([]Record, n),
		counters: make(map[string]map[string]int64),
	}
}

// GetSnapshot returns a deep copy safe for concurrent reads.
func (s *State) GetSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	warnings := append([]string(nil), s.warnings...)
	counters := make(map[string]map[string]int64, len(s.counters))
	for kind, m := range s.counters {
		c := make(map[string]int64, len(m))
		for k, v := range m {
			c[k] = v
		}
		counters[kind] = c
	}

	return Snapshot{
		AgentState: s.agent,
		StartedAt:  s.startedAt,
		Warnings:   warnings,
		Recent:     s.recentLocked(),
		Counters:   counters,
	}
}

// recentLocked walks the ring backwards from the newest entry.
func (s *State) recentLocked() []Record {
	n := s.next
	if s.filled {
		n = len(s.recent)
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.recent)) % len(s.recent)
		out = append(out, s.recent[idx])
	}
	return out
}

// Record stores r in the recent ring, evicting the oldest entry when full,
// and bumps the counter for its kind and outcome.
func (s *State) Record(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.next] = r
	s.next++
	if s.next == len(s.recent) {
		s.next = 0
		s.filled = true
	}

	m := s.counters[r.Kind]
	if m == nil {
		m = make(map[string]int64)
		s.counters[r.Kind] = m
	}
	m[r.Outcome()]++
}

// Uptime returns the wall-clock duration since the gateway entered Active state.
// Returns zero if never started. While stopping/degraded, uptime continues
// from the last start; when transitioning to Inactive, uptime resets to zero.
func (s *State) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// AgentState returns the current lifecycle state.
func (s *State) AgentState() AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// AppendWarning adds a non-fatal warning to the state.
func (s *State) AppendWarning(msg string) {
	if msg == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// ClearWarnings removes all accumulated warnings.
func (s *State) ClearWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = nil
}

// OnTransition registers fn to run after every successful state change.
// Listeners run synchronously on the goroutine that changed the state,
// outside the lock, in registration order.
func (s *State) OnTransition(fn TransitionFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ErrInvalidTransition is returned when SetAgentState receives an illegal transition.
var ErrInvalidTransition = errors.New("invalid agent state transition")

// SetAgentState transitions the gateway to the next state, enforcing a simple
// state machine. On the first transition to Active, startedAt is set. When
// transitioning to Inactive, startedAt is cleared.
//
// Returns ErrInvalidTransition if the (current -> next) edge is not allowed.
func (s *State) SetAgentState(next AgentState) error {
	s.mu.Lock()

	cur := s.agent
	if cur == next {
		// Idempotent: no-op
		s.mu.Unlock()
		return nil
	}

	if !allowedTransition(cur, next) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}

	switch next {
	case StateActive:
		// First activate in a run: set startedAt if zero.
		if s.startedAt.IsZero() {
			s.startedAt = time.Now()
		}

	case StateInactive:
		// Fully reset uptime on full stop.
		s.startedAt = time.Time{}
	}

	s.agent = next
	listeners := append([]TransitionFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cur, next)
	}
	return nil
}

func allowedTransition(cur, next AgentState) bool {
	switch cur {
	case StateInactive:
		return next == StateStarting || next == StateActive
	case StateStarting:
		return next == StateActive || next == StateError || next == StateInactive
	case StateActive:
		return next == StateDegraded || next == StateStopping || next == StateError
	case StateDegraded:
		return next == StateActive || next == StateStopping || next == StateError
	case StateStopping:
		return next == StateInactive || next == StateError
	case StateError:
		return next == StateInactive || next == StateStarting
	default:
		return false
	}
}

// Reset clears warnings, recent records and counters.
//
// If clearLifecycle is true, also resets agent state to Inactive and zeroes
// StartedAt (i.e., full reset). Listeners are not notified in that case.
func (s *State) Reset(clearLifecycle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clearLifecycle {
		s.agent = StateInactive
		s.startedAt = time.Time{}
	}

	s.warnings = nil
	s.recent = make([]Record, len(s.recent))
	s.next = 0
	s.filled = false
	s.counters = make(map[string]map[string]int64)
}

package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestSetAgentState_Transitions(t *testing.T) {
	cases := []struct {
		name string
		path []AgentState
		ok   bool
	}{
		{"start up", []AgentState{StateStarting, StateActive}, true},
		{"degrade and recover", []AgentState{StateActive, StateDegraded, StateActive}, true},
		{"graceful stop", []AgentState{StateActive, StateStopping, StateInactive}, true},
		{"idempotent", []AgentState{StateActive, StateActive}, true},
		{"inactive to degraded", []AgentState{StateDegraded}, false},
		{"stopping to active", []AgentState{StateActive, StateStopping, StateActive}, false},
		{"error restart", []AgentState{StateStarting, StateError, StateStarting}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState(0)
			var err error
			for _, next := range tc.path {
				if err = s.SetAgentState(next); err != nil {
					break
				}
			}
			if tc.ok && err != nil {
				t.Fatalf("got %v want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("got %v want ErrInvalidTransition", err)
			}
		})
	}
}

func TestSetAgentState_StartedAt(t *testing.T) {
	s := NewState(0)
	if s.Uptime() != 0 {
		t.Fatalf("uptime before start got %v", s.Uptime())
	}
	_ = s.SetAgentState(StateActive)
	started := s.GetSnapshot().StartedAt
	if started.IsZero() {
		t.Fatalf("startedAt not set on activate")
	}
	_ = s.SetAgentState(StateDegraded)
	_ = s.SetAgentState(StateActive)
	if got := s.GetSnapshot().StartedAt; !got.Equal(started) {
		t.Fatalf("startedAt moved on recovery: got %v want %v", got, started)
	}
	_ = s.SetAgentState(StateStopping)
	_ = s.SetAgentState(StateInactive)
	if !s.GetSnapshot().StartedAt.IsZero() {
		t.Fatalf("startedAt not cleared on inactive")
	}
}

func TestOnTransition(t *testing.T) {
	s := NewState(0)
	var got []string
	s.OnTransition(func(from, to AgentState) {
		// Listeners run outside the lock.
		_ = s.AgentState()
		got = append(got, fmt.Sprintf("%s->%s", from, to))
	})
	_ = s.SetAgentState(StateStarting)
	_ = s.SetAgentState(StateStarting)
	_ = s.SetAgentState(StateActive)
	_ = s.SetAgentState(StateInactive) // rejected
	want := []string{"inactive->starting", "starting->active"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRecord_RingAndCounters(t *testing.T) {
	s := NewState(3)
	for i := 0; i < 5; i++ {
		s.Record(Record{ID: fmt.Sprint(i), Kind: "http", OK: i%2 == 0})
	}
	s.Record(Record{ID: "5", Kind: "port", ErrorKind: "client_error", Reason: "rate_limited"})
	s.Record(Record{ID: "6", Kind: "port", ErrorKind: "timeout_error"})

	snap := s.GetSnapshot()
	var ids []string
	for _, r := range snap.Recent {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[6 5 4]" {
		t.Fatalf("recent got %v want [6 5 4]", ids)
	}
	if snap.Counters["http"]["ok"] != 3 || snap.Counters["http"]["unknown"] != 2 {
		t.Fatalf("http counters got %v", snap.Counters["http"])
	}
	if snap.Counters["port"]["rate_limited"] != 1 || snap.Counters["port"]["timeout_error"] != 1 {
		t.Fatalf("port counters got %v", snap.Counters["port"])
	}
}

func TestRecord_PartialRing(t *testing.T) {
	s := NewState(0)
	if len(s.GetSnapshot().Recent) != 0 {
		t.Fatalf("recent not empty on a fresh state")
	}
	s.Record(Record{ID: "a", Kind: "scan", OK: true})
	s.Record(Record{ID: "b", Kind: "scan", OK: true})
	recent := s.GetSnapshot().Recent
	if len(recent) != 2 || recent[0].ID != "b" || recent[1].ID != "a" {
		t.Fatalf("recent got %+v", recent)
	}
}

func TestGetSnapshot_DeepCopy(t *testing.T) {
	s := NewState(2)
	s.AppendWarning("w1")
	s.Record(Record{ID: "a", Kind: "http", OK: true})
	snap := s.GetSnapshot()
	snap.Warnings[0] = "mutated"
	snap.Counters["http"]["ok"] = 100
	snap.Recent[0].ID = "mutated"

	again := s.GetSnapshot()
	if again.Warnings[0] != "w1" || again.Counters["http"]["ok"] != 1 || again.Recent[0].ID != "a" {
		t.Fatalf("snapshot aliases internal state: %+v", again)
	}
}

func TestReset(t *testing.T) {
	s := NewState(2)
	_ = s.SetAgentState(StateActive)
	s.AppendWarning("w")
	s.Record(Record{Kind: "http", OK: true})

	s.Reset(false)
	snap := s.GetSnapshot()
	if snap.AgentState != StateActive || len(snap.Warnings) != 0 || len(snap.Recent) != 0 || len(snap.Counters) != 0 {
		t.Fatalf("partial reset got %+v", snap)
	}
	s.Reset(true)
	if s.AgentState() != StateInactive || s.Uptime() != 0 {
		t.Fatalf("full reset left lifecycle %s", s.AgentState())
	}
}

func TestRecord_Concurrent(t *testing.T) {
	s := NewState(10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Record(Record{Kind: "port", OK: true})
				_ = s.GetSnapshot()
			}
		}()
	}
	wg.Wait()
	if got := s.GetSnapshot().Counters["port"]["ok"]; got != 800 {
		t.Fatalf("got %d want 800", got)
	}
}

func TestServing(t *testing.T) {
	for st, want := range map[AgentState]bool{
		StateActive: true, StateDegraded: true,
		StateStarting: false, StateStopping: false, StateInactive: false, StateError: false,
	} {
		if st.Serving() != want {
			t.Fatalf("%s.Serving() got %v want %v", st, st.Serving(), want)
		}
	}
}

func TestClearWarnings(t *testing.T) {
	s := NewState(2)
	s.AppendWarning("store unreachable")
	s.Record(Record{Kind: "port", OK: true})
	s.ClearWarnings()
	snap := s.GetSnapshot()
	if len(snap.Warnings) != 0 {
		t.Fatalf("warnings got %v want none", snap.Warnings)
	}
	if len(snap.Recent) != 1 {
		t.Fatalf("records cleared along with warnings")
	}
}

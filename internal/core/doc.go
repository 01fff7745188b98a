// Package core owns the gateway's lifecycle state and its in-memory result
// sink.
//
// Overview
//
// The core package models the gateway as a simple state machine plus a
// bounded history of finished probes. It provides a single concurrency
// boundary: methods on *State.
//
// Concurrency & Safety
//
// State is safe for concurrent use. Read access is via GetSnapshot(), which
// returns a deep copy suitable for use without further locking. Mutation is
// done via Record, AppendWarning and SetAgentState(), each holding the
// internal lock briefly. Callers must never take the lock directly.
//
// Lifecycle
//
// AgentState reflects the coarse lifecycle:
//   inactive -> starting | active
//   starting -> active | error | inactive
//   active   -> degraded | stopping | error
//   degraded -> active | stopping | error
//   stopping -> inactive | error
//   error    -> inactive | starting
//
// SetAgentState enforces these transitions and then notifies listeners
// registered with OnTransition. Degraded means the shared admission store is
// unreachable and requests are admitted by the local fallback. On the first
// transition to Active, startedAt is set. Transition to Inactive clears
// startedAt. Uptime derives from startedAt.
//
// Results
//
// Record stores each finished probe in a fixed-size ring (newest first in
// snapshots) and counts outcomes per probe kind. Outcomes are "ok", the
// client error reason ("invalid_request", "unsafe_target", "rate_limited")
// or the error kind for every other failure.
package core

// Package probe contains the outbound probes served by the gateway.
//
// # Overview
//
// Three probe kinds exist, each with its own Executor:
//
//   - HTTPExecutor issues a single HTTP request and reports status, headers,
//     a body preview and latency.
//   - PortExecutor performs a TCP connect and reports open, closed or
//     filtered.
//   - ScanExecutor runs a restricted external scanner, either to completion
//     (Execute) or as a live session (Stream).
//
// Requests are plain values. Validate rejects malformed input before any
// other component sees the request; executors assume a validated request.
//
// # Target Safety
//
// Every executor consults a TargetGuard with the literal target before any
// outbound I/O. HTTP redirects are re-checked hop by hop. A rejected target
// yields a ClientError with reason unsafe_target and no connection is made.
//
// # Error Model
//
// Expected failures never escape as Go errors: they are returned inside the
// Result as a *Failure carrying an ErrorKind, an optional Reason and a
// human-readable Message. A non-zero scanner exit is not a failure.
//
// # Process Handling
//
// Scanner processes run in their own process group (see package proc) and
// the whole group is killed at the deadline. Execute always reaps the child
// before returning.
package probe

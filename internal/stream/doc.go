// Package stream runs a long-lived external command and forwards its
// output line by line.
//
// # Lifecycle
//
// Every Session moves through
//
//	starting -> running -> completed | timed_out | client_disconnected
//	starting -> spawn_failed
//
// A successful spawn emits EventStart. Each complete stdout line is sent as
// one EventLine as soon as it is read. The sequence ends with exactly one
// terminal event:
//
//   - EventDone when the process exits on its own (exit code and stderr),
//   - EventTimeout when the session deadline kills it,
//   - EventError when the process cannot be spawned.
//
// When the consumer's context is cancelled the process is killed at once.
// No terminal event is delivered in that case since nobody is reading.
//
// # Cleanup
//
// All exits share one path: the child's process group is killed if it is
// still running, both pipes are drained to EOF, the process is waited for
// and the Events channel is closed. Done closes after that, so a closed
// Done guarantees no zombie and no leaked goroutine.
package stream

// Package gateway is the single entry point for probe requests.
//
// Every request goes through the same pipeline:
//
//  1. Validate: malformed requests are rejected before anything else runs.
//  2. Admission: the client identity must hold a token, else rate_limited.
//  3. Execution: the probe runs on a bounded worker pool. The executor
//     checks the target with the safety guard before any outbound I/O.
//  4. Recording: the outcome, success or failure, is handed to the Recorder.
//
// Streaming scans follow steps 1-3 and are recorded when the session ends.
// A panic inside an executor fails only the request that caused it.
package gateway

// Package api exposes the gateway over HTTP/JSON and Server-Sent Events.
//
// Separation of Concerns
//
// The api package defines public JSON types (decoupled from probe and core),
// maps requests and results between them, and hosts an HTTP server with
// minimal middleware. The gateway remains unaware of HTTP or JSON.
//
// Versioning
//
// All routes are versioned under /v1. Non-breaking additions extend types,
// while breaking changes require a new prefix (/v2).
//
// Server
//
// NewServer wires handlers onto a ServeMux and configures timeouts. Start()
// runs ListenAndServe() in a goroutine; Stop() ends streaming sessions and
// performs graceful shutdown. Middleware sets JSON content type and logs
// method/path/status/duration.
//
// Error Model
//
// APIError carries the failure message, its kind and reason, and a
// timestamp in RFC3339. Status codes: 400 invalid request or unsafe target,
// 429 rate limited, 502 upstream error, 504 timeout, 503 configuration
// error or overload, 405 wrong method.
//
// Client Identity
//
// Admission is keyed by the peer address. X-Forwarded-For is honored only
// when TrustProxyHeaders is set, and then only its first hop.
//
// Current Endpoints
//
// - POST /v1/http: HTTP probe
// - POST /v1/port: TCP connect probe
// - POST /v1/scan: batch service scan
// - GET /v1/scan/stream: streaming service scan (text/event-stream)
// - GET /v1/client-ip: the caller's identity as seen by admission
// - GET /v1/healthz: liveness/readiness
// - GET /v1/status: lifecycle, admission mode, counters and recent results
package api

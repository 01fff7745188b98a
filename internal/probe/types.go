package probe

import (
	"context"
	"time"
)

// Kind identifies a probe variant.
type Kind string

const (
	KindHTTP Kind = "http"
	KindPort Kind = "port"
	KindScan Kind = "scan"
)

// Request is one of HTTPRequest, PortRequest or ScanRequest.
type Request interface {
	Kind() Kind
	// Target is the host the guard checks and the probe connects to;
	// for HTTP it is derived from the URL.
	Target() string
	// Validate rejects malformed requests before any other component runs.
	Validate(l Limits) *Failure
	timeout() time.Duration
}

// Executor runs one kind of probe. Expected failures are reported inside
// the Result, never as a panic.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// HTTPRequest asks for a single HTTP exchange.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
	Verbose bool // return the full body instead of truncating it
}

// PortRequest asks for a TCP connect check.
type PortRequest struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// ScanRequest asks for a restricted service scan.
type ScanRequest struct {
	Host      string
	TopPorts  int
	Timeout   time.Duration
	Streaming bool
}

func (HTTPRequest) Kind() Kind { return KindHTTP }
func (PortRequest) Kind() Kind { return KindPort }
func (ScanRequest) Kind() Kind { return KindScan }

func (r HTTPRequest) timeout() time.Duration { return r.Timeout }
func (r PortRequest) timeout() time.Duration { return r.Timeout }
func (r ScanRequest) timeout() time.Duration { return r.Timeout }

func (r PortRequest) Target() string { return r.Host }
func (r ScanRequest) Target() string { return r.Host }

// Result is the immutable outcome of one probe. Exactly one payload is set
// on success. A failure leaves payloads nil, except that a scan killed at
// its deadline keeps the partial Scan output next to the timeout Failure.
type Result struct {
	ID       string
	Kind     Kind
	Target   string
	Started  time.Time
	Duration time.Duration

	HTTP *HTTPResult
	Port *PortResult
	Scan *ScanResult

	Failure *Failure
}

// OK reports whether the probe succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// HTTPResult is the HTTP probe payload.
type HTTPResult struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	Truncated  bool
	LatencyMs  float64
}

// Port states, as reported by a TCP connect.
const (
	PortOpen     = "open"
	PortClosed   = "closed"
	PortFiltered = "filtered"
)

// PortResult is the TCP connect payload.
type PortResult struct {
	Open      bool
	State     string
	LatencyMs float64
	Error     string // reason when not open: "timeout", "connection refused", ...
}

// ScanResult is the batch scan payload.
type ScanResult struct {
	Command  []string
	Stdout   string
	Stderr   string
	ExitCode int
}

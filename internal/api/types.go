package api

import "time"

// Public JSON types returned by the API. These are intentionally decoupled
// from the internal probe and core types to preserve API stability and allow
// internal refactors without breaking clients.

// HTTPProbeRequest is the body of POST /v1/http. Timeout is in seconds.
type HTTPProbeRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Timeout *float64          `json:"timeout"`
	Verbose bool              `json:"verbose"`
}

// PortProbeRequest is the body of POST /v1/port.
type PortProbeRequest struct {
	Host    string   `json:"host"`
	Port    *int     `json:"port"`
	Timeout *float64 `json:"timeout"`
}

// ScanProbeRequest is the body of POST /v1/scan. GET /v1/scan/stream takes
// the same fields as query parameters.
type ScanProbeRequest struct {
	Host     string   `json:"host"`
	TopPorts *int     `json:"top_ports"`
	Timeout  *float64 `json:"timeout"`
}

// HTTPProbeResponse is the success payload of POST /v1/http.
type HTTPProbeResponse struct {
	ID         string            `json:"id"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Truncated  bool              `json:"truncated"`
	LatencyMs  float64           `json:"latency_ms"`
}

// PortProbeResponse is the success payload of POST /v1/port. A closed or
// filtered port is a successful probe with Open false.
type PortProbeResponse struct {
	ID        string  `json:"id"`
	Open      bool    `json:"open"`
	State     string  `json:"state"` // "open", "closed" or "filtered"
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// ScanProbeResponse is the payload of POST /v1/scan.
type ScanProbeResponse struct {
	ID         string   `json:"id"`
	Cmd        []string `json:"cmd"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	ReturnCode int      `json:"returncode"`
}

// ClientIPResponse is the payload of GET /v1/client-ip.
type ClientIPResponse struct {
	IP string `json:"ip"`
}

// StatusResponse is the top-level payload for GET /v1/status.
type StatusResponse struct {
	State         string                      `json:"state"`
	StartedAt     string                      `json:"started_at"`
	UptimeSec     int64                       `json:"uptime_sec"`
	Warnings      []string                    `json:"warnings"`
	AdmissionMode string                      `json:"admission_mode"`
	Pool          PoolView                    `json:"pool"`
	ActiveStreams int64                       `json:"active_streams"`
	Counters      map[string]map[string]int64 `json:"counters"`
	Recent        []RecordView                `json:"recent"`
	GeneratedAt   string                      `json:"generated_at"`
}

// PoolView describes outbound probe capacity.
type PoolView struct {
	Running  int `json:"running"`
	Waiting  int `json:"waiting"`
	Capacity int `json:"capacity"`
}

// RecordView is one finished probe.
type RecordView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Target     string `json:"target"`
	Identity   string `json:"identity"`
	OK         bool   `json:"ok"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
}

// APIError is a standard error payload. Kind and Reason mirror the probe
// failure taxonomy; Partial carries the output of a scan killed at its
// deadline.
type APIError struct {
	Error     string             `json:"error"`
	Kind      string             `json:"kind,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp string             `json:"timestamp"` // RFC3339
	Partial   *ScanProbeResponse `json:"partial,omitempty"`
}

// TimeNow abstracts time for tests; overridden in tests.
var TimeNow = func() time.Time { return time.Now() }

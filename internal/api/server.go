package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/sanverite/probe-gateway/internal/admission"
	"github.com/sanverite/probe-gateway/internal/core"
	"github.com/sanverite/probe-gateway/internal/gateway"
	"github.com/sanverite/probe-gateway/internal/probe"
	"github.com/sanverite/probe-gateway/internal/stream"
)

// Constants for route prefixing. Versioning is explicit to allow non-breaking additions.
const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8080"

	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 64 << 10
)

// Prober is implemented by *gateway.Gateway.
type Prober interface {
	ProbeHTTP(ctx context.Context, identity string, req probe.HTTPRequest) probe.Result
	ProbePort(ctx context.Context, identity string, req probe.PortRequest) probe.Result
	ScanPorts(ctx context.Context, identity string, req probe.ScanRequest) probe.Result
	StreamScan(ctx context.Context, identity string, req probe.ScanRequest) (*stream.Session, *probe.Failure)
	Stats() gateway.Stats
}

// ServerOptions configures the HTTP server.
// Timeouts are conservative defaults; probe handlers extend the read and
// write deadlines of their own connection by the probe timeout.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Logger            *log.Logger

	// TrustProxyHeaders takes the client identity from the first
	// X-Forwarded-For hop instead of the peer address.
	TrustProxyHeaders bool

	// Optional status sources.
	Admission interface{ Mode() admission.Mode }
	Streams   interface{ Active() int64 }
}

// Server hosts the HTTP API for the gateway.
type Server struct {
	http   *http.Server
	gw     Prober
	state  *core.State
	logger *log.Logger
	opts   ServerOptions

	// lifetime ends in Stop; streaming sessions are bound to it.
	lifetime context.Context
	stopAll  context.CancelFunc
}

// NewServer constructs a new API server in front of gw, reporting from state.
// The server does not start listening until Start is called.
func NewServer(gw Prober, state *core.State, opts ServerOptions) *Server {
	if gw == nil {
		panic("api.NewServer: gateway is nil")
	}
	if state == nil {
		panic("api.NewServer: state is nil")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	lifetime, stopAll := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	s := &Server{
		gw:       gw,
		state:    state,
		logger:   opts.Logger,
		opts:     opts,
		lifetime: lifetime,
		stopAll:  stopAll,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           withBasicMiddleware(mux, opts.Logger),
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ErrorLog:          opts.Logger,
			BaseContext: func(l net.Listener) context.Context {
				return context.Background()
			},
		},
	}

	// Routes
	mux.HandleFunc("/"+APIVersion+"/healthz", s.handleHealthz)
	mux.HandleFunc("/"+APIVersion+"/status", s.handleStatus)
	mux.HandleFunc("/"+APIVersion+"/client-ip", s.handleClientIP)
	mux.HandleFunc("/"+APIVersion+"/http", s.handleHTTP)
	mux.HandleFunc("/"+APIVersion+"/port", s.handlePort)
	mux.HandleFunc("/"+APIVersion+"/scan", s.handleScan)
	mux.HandleFunc("/"+APIVersion+"/scan/stream", s.handleScanStream)

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start begins serving HTTP in a background goroutine.
// It returns immediately; use Stop for graceful shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Printf("api: listening on %s\n", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("api: ListenAndServe error: %v", err)
		}
	}()
}

// Stop ends every streaming session, then gracefully shuts down the server,
// waiting up to ShutdownTimeout for in-flight probes.
func (s *Server) Stop(ctx context.Context) error {
	s.stopAll()
	timeout := s.opts.ShutdownTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, APIError{
		Error:     "method not allowed",
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Error:     msg,
		Kind:      string(probe.ClientError),
		Reason:    probe.ReasonInvalidRequest,
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	})
}

// handleHealthz is a simple readiness/liveness endpoint. It reports 503
// while the gateway is not serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	state := s.state.AgentState()
	status, code := "ok", http.StatusOK
	if !state.Serving() {
		status, code = string(state), http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": TimeNow().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns the current gateway snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var mode string
	if s.opts.Admission != nil {
		mode = string(s.opts.Admission.Mode())
	}
	var streams int64
	if s.opts.Streams != nil {
		streams = s.opts.Streams.Active()
	}
	writeJSON(w, http.StatusOK, FromCoreSnapshot(s.state.GetSnapshot(), mode, s.gw.Stats(), streams))
}

// handleClientIP echoes the identity the gateway uses for admission.
func (s *Server) handleClientIP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, ClientIPResponse{IP: ClientIdentity(r, s.opts.TrustProxyHeaders)})
}

// decodeBody reads a JSON body into v, reporting a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// handleHTTP runs an HTTP probe.
// Method: POST
// Request: HTTPProbeRequest JSON
// Response (200): HTTPProbeResponse JSON; failures per StatusFor
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in HTTPProbeRequest
	if !decodeBody(w, r, &in) {
		return
	}
	req := ToHTTPRequest(in)
	s.extendDeadlines(w, req.Timeout)
	s.writeResult(w, s.gw.ProbeHTTP(r.Context(), ClientIdentity(r, s.opts.TrustProxyHeaders), req))
}

// handlePort runs a TCP connect probe.
// Method: POST
// Request: PortProbeRequest JSON
// Response (200): PortProbeResponse JSON, also for closed ports
func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in PortProbeRequest
	if !decodeBody(w, r, &in) {
		return
	}
	req := ToPortRequest(in)
	s.extendDeadlines(w, req.Timeout)
	s.writeResult(w, s.gw.ProbePort(r.Context(), ClientIdentity(r, s.opts.TrustProxyHeaders), req))
}

// handleScan runs a batch scan.
// Method: POST
// Request: ScanProbeRequest JSON
// Response (200): ScanProbeResponse JSON; 504 with the partial output on timeout
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in ScanProbeRequest
	if !decodeBody(w, r, &in) {
		return
	}
	req := ToScanRequest(in)
	s.extendDeadlines(w, req.Timeout)
	s.writeResult(w, s.gw.ScanPorts(r.Context(), ClientIdentity(r, s.opts.TrustProxyHeaders), req))
}

func (s *Server) writeResult(w http.ResponseWriter, res probe.Result) {
	status, body := FromResult(res)
	writeJSON(w, status, body)
}

// extendDeadlines lets a probe handler outlive the server-wide read and
// write timeouts by d. A non-positive d removes both deadlines.
// Unsupported writers (tests) are ignored.
func (s *Server) extendDeadlines(w http.ResponseWriter, d time.Duration) {
	var until time.Time
	if d > 0 {
		until = time.Now().Add(d + s.opts.WriteTimeout)
	}
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(until)
	_ = rc.SetWriteDeadline(until)
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Basic middleware: sets JSON content type and very lightweight logging.
// Handlers that stream override the content type.
func withBasicMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := TimeNow()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		logger.Printf("api: %s %s %d %dms UA=%q", r.Method, r.URL.Path, rec.status, dur.Milliseconds(), r.UserAgent())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

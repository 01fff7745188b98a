package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sanverite/probe-gateway/internal/stream"
)

// Markers framing a streamed scan. Every other data line is scanner output.
const (
	MarkerStart   = "__START__"
	MarkerDone    = "__DONE__"
	MarkerTimeout = "__TIMEOUT__"
	MarkerError   = "__ERROR__"
)

// DoneEvent is the JSON carried after MarkerDone.
type DoneEvent struct {
	ReturnCode int    `json:"returncode"`
	Stderr     string `json:"stderr"`
}

// handleScanStream runs a scan and relays its output as Server-Sent Events.
// Method: GET
// Query: host, top_ports, timeout (seconds)
// Response (200): text/event-stream; errors before the scan starts are JSON
//
// The session lives as long as the client reads: a failed write or a closed
// connection kills the scanner.
func (s *Server) handleScanStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	in := ScanProbeRequest{Host: q.Get("host")}
	if v := q.Get("top_ports"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "top_ports must be an integer")
			return
		}
		in.TopPorts = &n
	}
	if v := q.Get("timeout"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(w, "timeout must be a number of seconds")
			return
		}
		in.Timeout = &f
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	sess, f := s.gw.StreamScan(ctx, ClientIdentity(r, s.opts.TrustProxyHeaders), ToScanRequest(in))
	if f != nil {
		writeJSON(w, StatusFor(f), FromFailure(f))
		return
	}

	s.extendDeadlines(w, 0)
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for ev := range sess.Events() {
		err := writeEvent(w, ev)
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			s.logger.Printf("api: stream %s: client gone: %v", sess.ID(), err)
			cancel()
			break
		}
	}
	<-sess.Done()
}

// writeEvent writes ev as one SSE data frame.
func writeEvent(w io.Writer, ev stream.Event) error {
	var data string
	switch ev.Kind {
	case stream.EventStart:
		data = MarkerStart
	case stream.EventLine:
		data = ev.Line
	case stream.EventDone:
		b, err := json.Marshal(DoneEvent{ReturnCode: ev.ExitCode, Stderr: ev.Stderr})
		if err != nil {
			return err
		}
		data = MarkerDone + " " + string(b)
	case stream.EventTimeout:
		data = MarkerTimeout + " " + ev.Message
	case stream.EventError:
		data = MarkerError + " " + ev.Message
	default:
		return nil
	}
	_, err := io.WriteString(w, "data: "+singleLine(data)+"\n\n")
	return err
}

// singleLine keeps a payload inside one data field.
func singleLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

package api

import (
	"net/http"
	"time"

	"github.com/sanverite/probe-gateway/internal/core"
	"github.com/sanverite/probe-gateway/internal/gateway"
	"github.com/sanverite/probe-gateway/internal/probe"
)

// Request defaults applied when a field is absent.
const (
	DefaultHTTPTimeout = 10 * time.Second
	DefaultPort        = 80
	DefaultPortTimeout = 5 * time.Second
	DefaultTopPorts    = 100
	DefaultScanTimeout = 30 * time.Second
)

func seconds(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v * float64(time.Second))
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// ToHTTPRequest maps the public body onto probe.HTTPRequest.
func ToHTTPRequest(in HTTPProbeRequest) probe.HTTPRequest {
	return probe.HTTPRequest{
		URL:     in.URL,
		Method:  in.Method,
		Headers: in.Headers,
		Timeout: seconds(in.Timeout, DefaultHTTPTimeout),
		Verbose: in.Verbose,
	}
}

// ToPortRequest maps the public body onto probe.PortRequest.
func ToPortRequest(in PortProbeRequest) probe.PortRequest {
	return probe.PortRequest{
		Host:    in.Host,
		Port:    intOr(in.Port, DefaultPort),
		Timeout: seconds(in.Timeout, DefaultPortTimeout),
	}
}

// ToScanRequest maps the public body onto probe.ScanRequest.
func ToScanRequest(in ScanProbeRequest) probe.ScanRequest {
	return probe.ScanRequest{
		Host:     in.Host,
		TopPorts: intOr(in.TopPorts, DefaultTopPorts),
		Timeout:  seconds(in.Timeout, DefaultScanTimeout),
	}
}

// StatusFor maps a probe failure kind to an HTTP status.
func StatusFor(f *probe.Failure) int {
	switch f.Kind {
	case probe.ClientError:
		if f.Reason == probe.ReasonRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	case probe.UpstreamError:
		return http.StatusBadGateway
	case probe.TimeoutError:
		return http.StatusGatewayTimeout
	case probe.ConfigurationError, probe.Overloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromFailure converts a probe failure to the public error payload.
func FromFailure(f *probe.Failure) APIError {
	return APIError{
		Error:     f.Message,
		Kind:      string(f.Kind),
		Reason:    f.Reason,
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	}
}

// FromResult converts a probe result to an HTTP status and JSON body.
func FromResult(res probe.Result) (int, any) {
	if f := res.Failure; f != nil {
		body := FromFailure(f)
		if res.Scan != nil {
			v := fromScan(res.ID, res.Scan)
			body.Partial = &v
		}
		return StatusFor(f), body
	}
	switch {
	case res.HTTP != nil:
		h := res.HTTP
		return http.StatusOK, HTTPProbeResponse{
			ID:         res.ID,
			StatusCode: h.StatusCode,
			Headers:    h.Headers,
			Body:       h.Body,
			Truncated:  h.Truncated,
			LatencyMs:  h.LatencyMs,
		}
	case res.Port != nil:
		p := res.Port
		return http.StatusOK, PortProbeResponse{
			ID:        res.ID,
			Open:      p.Open,
			State:     p.State,
			LatencyMs: p.LatencyMs,
			Error:     p.Error,
		}
	case res.Scan != nil:
		return http.StatusOK, fromScan(res.ID, res.Scan)
	}
	return http.StatusInternalServerError, APIError{
		Error:     "probe returned no result",
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	}
}

func fromScan(id string, s *probe.ScanResult) ScanProbeResponse {
	return ScanProbeResponse{
		ID:         id,
		Cmd:        append([]string(nil), s.Command...),
		Stdout:     s.Stdout,
		Stderr:     s.Stderr,
		ReturnCode: s.ExitCode,
	}
}

// FromCoreSnapshot converts core.Snapshot to the public StatusResponse.
// It computes uptime based on StartedAt and current wall-clock time.
func FromCoreSnapshot(s core.Snapshot, mode string, pool gateway.Stats, streams int64) StatusResponse {
	var started string
	var uptime int64
	if !s.StartedAt.IsZero() {
		started = s.StartedAt.UTC().Format(time.RFC3339)
		uptime = int64(time.Since(s.StartedAt).Seconds())
	}

	recent := make([]RecordView, 0, len(s.Recent))
	for _, r := range s.Recent {
		recent = append(recent, RecordView{
			ID:         r.ID,
			Kind:       r.Kind,
			Target:     r.Target,
			Identity:   r.Identity,
			OK:         r.OK,
			ErrorKind:  r.ErrorKind,
			Reason:     r.Reason,
			Message:    r.Message,
			StartedAt:  r.Started.UTC().Format(time.RFC3339Nano),
			DurationMs: r.DurationMs,
		})
	}

	return StatusResponse{
		State:         string(s.AgentState),
		StartedAt:     started,
		UptimeSec:     uptime,
		Warnings:      append([]string(nil), s.Warnings...),
		AdmissionMode: mode,
		Pool:          PoolView{Running: pool.Running, Waiting: pool.Waiting, Capacity: pool.Capacity},
		ActiveStreams: streams,
		Counters:      s.Counters,
		Recent:        recent,
		GeneratedAt:   TimeNow().UTC().Format(time.RFC3339),
	}
}

package probe

import (
	"context"
	"errors"
	"net"

	"github.com/sanverite/probe-gateway/internal/guard"
)

// ErrorKind classifies a failed probe.
type ErrorKind string

const (
	// ClientError: the request itself is unacceptable. Never retried.
	ClientError ErrorKind = "client_error"
	// UpstreamError: the target refused, reset or failed TLS. Never retried.
	UpstreamError ErrorKind = "upstream_error"
	// TimeoutError: the probe exceeded its bound without an answer.
	TimeoutError ErrorKind = "timeout_error"
	// ConfigurationError: the server is missing something an operator must fix.
	ConfigurationError ErrorKind = "configuration_error"
	// Overloaded: outbound capacity is exhausted; the request was not attempted.
	Overloaded ErrorKind = "overloaded"
)

// Reasons refine ClientError.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonUnsafeTarget   = "unsafe_target"
	ReasonRateLimited    = "rate_limited"
)

// Failure is a structured, human-readable probe failure.
type Failure struct {
	Kind    ErrorKind
	Reason  string
	Message string
}

func (f *Failure) Error() string {
	if f.Reason != "" {
		return string(f.Kind) + " (" + f.Reason + "): " + f.Message
	}
	return string(f.Kind) + ": " + f.Message
}

// Invalid builds a ClientError for a malformed request.
func Invalid(msg string) *Failure {
	return &Failure{Kind: ClientError, Reason: ReasonInvalidRequest, Message: msg}
}

// Unsafe builds the ClientError returned when the guard rejects a target.
func Unsafe() *Failure {
	return &Failure{Kind: ClientError, Reason: ReasonUnsafeTarget, Message: guard.ErrUnsafeTarget.Error()}
}

// RateLimited builds the ClientError returned when admission denies a request.
func RateLimited() *Failure {
	return &Failure{Kind: ClientError, Reason: ReasonRateLimited, Message: "rate limit exceeded"}
}

// FromError maps a transport error onto TimeoutError or UpstreamError.
func FromError(prefix string, err error) *Failure {
	kind := UpstreamError
	if isTimeout(err) {
		kind = TimeoutError
	}
	return &Failure{Kind: kind, Message: prefix + err.Error()}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

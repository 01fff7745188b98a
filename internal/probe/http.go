package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// HTTP body limits.
const (
	BodyPreviewChars = 2000
	TruncatedMarker  = "\n\n...truncated..."
	MaxBodyBytes     = 1 << 20
	MaxRedirects     = 10
)

var errUnsafeRedirect = errors.New("redirect to a private or local address")

// HTTPExecutor performs HTTP probes.
type HTTPExecutor struct {
	guard     TargetGuard
	transport http.RoundTripper
}

// NewHTTPExecutor returns an executor using a clone of the default
// transport. A nil rt uses that default.
func NewHTTPExecutor(g TargetGuard, rt http.RoundTripper) *HTTPExecutor {
	if rt == nil {
		rt = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &HTTPExecutor{guard: g, transport: rt}
}

// Execute issues one request, following redirects, bounded by the request
// timeout. Every redirect target is checked by the guard as well.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) Result {
	r, ok := req.(HTTPRequest)
	if !ok {
		panic(fmt.Sprintf("probe: HTTPExecutor cannot run %T", req))
	}
	res := begin(KindHTTP, r.URL)
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if f := checkTarget(ctx, e.guard, r.Target()); f != nil {
		return res.fail(f)
	}

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, strings.TrimSpace(r.URL), nil)
	if err != nil {
		return res.fail(Invalid("invalid request: " + err.Error()))
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, "Host") {
			hreq.Host = v
			continue
		}
		hreq.Header.Set(k, v)
	}

	client := &http.Client{
		Transport: e.transport,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			if e.guard.IsUnsafeTarget(next.Context(), next.URL.Hostname()) {
				return errUnsafeRedirect
			}
			return nil
		},
	}

	t0 := time.Now()
	resp, err := client.Do(hreq)
	if err != nil {
		if errors.Is(err, errUnsafeRedirect) {
			return res.fail(Unsafe())
		}
		return res.fail(FromError("request failed: ", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return res.fail(FromError("reading body failed: ", err))
	}
	latency := millis(time.Since(t0))

	body, truncated := string(raw), false
	if !r.Verbose {
		body, truncated = truncate(body, BodyPreviewChars)
	}

	res.HTTP = &HTTPResult{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       body,
		Truncated:  truncated,
		LatencyMs:  latency,
	}
	return res.done()
}

// truncate keeps the first n characters of s and appends TruncatedMarker.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i, count := 0, 0
	for i = range s {
		if count == n {
			break
		}
		count++
	}
	return s[:i] + TruncatedMarker, true
}

// flattenHeaders joins repeated header values with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

package probe

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/sanverite/probe-gateway/internal/guard"
)

// MaxTopPorts is the largest port set a scan may request.
const MaxTopPorts = 1000

// Limits bounds request parameters. Zero values disable the bound.
type Limits struct {
	MaxTimeout     time.Duration // HTTP and port probes
	MaxScanTimeout time.Duration // scans, batch and streaming
}

func checkTimeout(d, max time.Duration) *Failure {
	if d <= 0 {
		return Invalid("timeout must be > 0")
	}
	if max > 0 && d > max {
		return Invalid(fmt.Sprintf("timeout must be <= %s", max))
	}
	return nil
}

// Validate implements Request.
func (r HTTPRequest) Validate(l Limits) *Failure {
	if strings.TrimSpace(r.URL) == "" {
		return Invalid("url is required")
	}
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil {
		return Invalid("invalid url: " + err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Invalid("url scheme must be http or https")
	}
	if u.Hostname() == "" {
		return Invalid("url has no host")
	}
	if r.Method != "" && !httpguts.ValidHeaderFieldName(r.Method) {
		return Invalid(fmt.Sprintf("invalid method %q", r.Method))
	}
	for k, v := range r.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return Invalid(fmt.Sprintf("invalid header name %q", k))
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return Invalid(fmt.Sprintf("invalid value for header %q", k))
		}
	}
	return checkTimeout(r.Timeout, l.MaxTimeout)
}

// Target implements Request.
func (r HTTPRequest) Target() string {
	host, err := guard.HostFromURL(r.URL)
	if err != nil {
		return ""
	}
	return host
}

// Validate implements Request.
func (r PortRequest) Validate(l Limits) *Failure {
	if r.Host == "" {
		return Invalid("host is required")
	}
	if !ValidHost(r.Host) {
		return Invalid(fmt.Sprintf("invalid host %q", r.Host))
	}
	if r.Port < 1 || r.Port > 65535 {
		return Invalid("port must be between 1 and 65535")
	}
	return checkTimeout(r.Timeout, l.MaxTimeout)
}

// Validate implements Request.
func (r ScanRequest) Validate(l Limits) *Failure {
	if r.Host == "" {
		return Invalid("host is required")
	}
	if !ValidHost(r.Host) {
		return Invalid(fmt.Sprintf("invalid host %q", r.Host))
	}
	if r.TopPorts < 1 || r.TopPorts > MaxTopPorts {
		return Invalid(fmt.Sprintf("top_ports must be between 1 and %d", MaxTopPorts))
	}
	return checkTimeout(r.Timeout, l.MaxScanTimeout)
}

// ValidHost accepts an IP literal or an RFC 1123 hostname. Anything else,
// including names beginning with '-', is rejected so the value can be used
// as a positional command argument.
func ValidHost(h string) bool {
	if _, err := netip.ParseAddr(h); err == nil {
		return !strings.HasPrefix(h, "-")
	}
	h = strings.TrimSuffix(h, ".")
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

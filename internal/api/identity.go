package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIdentity returns the admission key for r: the peer address, or the
// first X-Forwarded-For hop when trustProxy is set and that hop is a valid
// IP. Without a usable address it returns "unknown".
func ClientIdentity(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	if host == "" {
		return "unknown"
	}
	return host
}

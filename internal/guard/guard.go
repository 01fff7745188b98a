// Package guard classifies probe targets that must never be contacted.
//
// A target is unsafe when any address it resolves to lies in a private-use,
// loopback, link-local or otherwise non-public range. Resolution failures
// are unsafe as well: the guard fails closed.
//
// The check happens against the literal target before any outbound
// connection. The connection itself re-resolves the name, so a record that
// changes between the check and the dial is not caught here.
package guard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"go4.org/netipx"
)

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// reservedPrefixes lists every range a probe may not reach.
var reservedPrefixes = []string{
	// IPv4
	"0.0.0.0/8",          // "this" network
	"10.0.0.0/8",         // private-use
	"100.64.0.0/10",      // shared address space (CGNAT)
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local, cloud metadata
	"172.16.0.0/12",      // private-use
	"192.0.0.0/24",       // IETF protocol assignments
	"192.168.0.0/16",     // private-use
	"198.18.0.0/15",      // benchmarking
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
	// IPv6
	"::/128",         // unspecified
	"::1/128",        // loopback
	"::/96",          // IPv4-compatible
	"64:ff9b::/96",   // NAT64 well-known prefix
	"64:ff9b:1::/48", // NAT64 local-use
	"2002::/16",      // 6to4
	"fc00::/7",       // unique local
	"fe80::/10",      // link-local
	"fec0::/10",      // site-local (deprecated)
}

var reserved = mustBuildSet(reservedPrefixes)

func mustBuildSet(prefixes []string) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, err := b.IPSet()
	if err != nil {
		panic("guard: reserved set: " + err.Error())
	}
	return set
}

// ErrUnsafeTarget is the message surfaced to callers when the guard rejects.
var ErrUnsafeTarget = errors.New("target resolves to a private or local address")

// Guard resolves hostnames and classifies the result.
// It is safe for concurrent use.
type Guard struct {
	resolver Resolver
}

// New returns a Guard backed by r. A nil r uses net.DefaultResolver.
func New(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r}
}

// IsUnsafeTarget reports whether host must not be probed. Every address the
// resolver returns (both families) is checked; a single reserved address
// is enough. Lookup errors and empty answers are unsafe.
func (g *Guard) IsUnsafeTarget(ctx context.Context, host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if host == "" {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return IsReserved(addr)
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		if IsReserved(a) {
			return true
		}
	}
	return false
}

// IsReserved reports whether addr lies in a non-public range.
// IPv4-mapped IPv6 addresses are judged by their IPv4 form; zones are ignored.
func IsReserved(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap().WithZone("")
	if addr.IsMulticast() {
		return true
	}
	return reserved.Contains(addr)
}

// HostFromURL returns the host component a client would dial for raw:
// scheme, userinfo, port and IPv6 brackets removed.
func HostFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("url has no host")
	}
	return host, nil
}

package guard

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type fakeResolver struct {
	answers map[string][]string
	calls   int
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	f.calls++
	raw, ok := f.answers[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		out = append(out, netip.MustParseAddr(s))
	}
	return out, nil
}

func TestIsUnsafeTarget(t *testing.T) {
	r := &fakeResolver{answers: map[string][]string{
		"public.example":   {"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"},
		"private.example":  {"10.1.2.3"},
		"mixed.example":    {"93.184.216.34", "192.168.1.10"},
		"loop6.example":    {"::1"},
		"metadata.example": {"169.254.169.254"},
		"ula.example":      {"fd00::1"},
		"ll6.example":      {"2606:4700::1111", "fe80::1"},
		"mapped.example":   {"::ffff:127.0.0.1"},
		"empty.example":    {},
	}}
	g := New(r)

	cases := []struct {
		host   string
		unsafe bool
	}{
		{"public.example", false},
		{"private.example", true},
		{"mixed.example", true},
		{"loop6.example", true},
		{"metadata.example", true},
		{"ula.example", true},
		{"ll6.example", true},
		{"mapped.example", true},
		{"empty.example", true},
		{"nxdomain.example", true},
		{"", true},
		{"   ", true},
		{"8.8.8.8", false},
		{"127.0.0.1", true},
		{"172.20.0.1", true},
		{"172.32.0.1", false},
		{"100.64.0.1", true},
		{"[::1]", true},
		{"[2001:4860:4860::8888]", false},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"64:ff9b::a9fe:a9fe", true},
		{"64:ff9b:1::a00:1", true},
		{"2002:a9fe:a9fe::1", true},
		{"::a9fe:a9fe", true},
		{"fec0::1", true},
		{"2606:4700:4700::1111", false},
	}
	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			if got := g.IsUnsafeTarget(context.Background(), tc.host); got != tc.unsafe {
				t.Fatalf("IsUnsafeTarget(%q) got %v want %v", tc.host, got, tc.unsafe)
			}
		})
	}
}

func TestIsUnsafeTarget_LiteralSkipsResolver(t *testing.T) {
	r := &fakeResolver{}
	g := New(r)
	g.IsUnsafeTarget(context.Background(), "1.1.1.1")
	g.IsUnsafeTarget(context.Background(), "10.0.0.1")
	if r.calls != 0 {
		t.Fatalf("resolver called %d times for IP literals", r.calls)
	}
}

func TestHostFromURL(t *testing.T) {
	cases := map[string]string{
		"http://169.254.169.254/":               "169.254.169.254",
		"https://user:pw@example.com:8443/a?b":  "example.com",
		"http://[::1]:8080/":                    "::1",
		"https://Example.COM":                   "Example.COM",
		"http://example.com:80@10.0.0.1/":       "10.0.0.1",
		"  https://example.org/path  ":          "example.org",
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			got, err := HostFromURL(raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != want {
				t.Fatalf("got %q want %q", got, want)
			}
		})
	}
}

func TestHostFromURL_Invalid(t *testing.T) {
	for _, raw := range []string{"", "example.com", "http://", "://bad"} {
		t.Run(raw, func(t *testing.T) {
			if _, err := HostFromURL(raw); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

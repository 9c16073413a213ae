package httpclient

import (
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/blockflow/blockflow/pkg/errors"
)

// blockedPrefixes are the address ranges workflow fetch traffic must never
// reach: loopback, RFC 1918, link-local, the "this network" block, and the
// IPv6 unique-local and link-local ranges.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// BlockedPrefixes returns a copy of the guarded address ranges.
func BlockedPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, len(blockedPrefixes))
	copy(out, blockedPrefixes)
	return out
}

// CheckURL rejects URLs that point at internal infrastructure. The check is
// lexical: literal IPs are matched against the blocked ranges, and the
// hostnames localhost and *.local are refused outright. It runs before any
// DNS lookup or connection attempt, so a rejected URL costs zero network
// traffic.
func CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &errors.ValidationError{Field: "url", Message: "invalid URL: " + err.Error()}
	}
	return checkHost(u.Hostname())
}

func checkHost(host string) error {
	if host == "" {
		return &errors.ValidationError{Field: "url", Message: "URL has no host"}
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return ssrfError(host)
	}

	// url.Hostname strips the brackets from IPv6 literals, so ParseAddr
	// covers both families.
	if addr, err := netip.ParseAddr(lower); err == nil {
		addr = addr.Unmap()
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr) {
				return ssrfError(host)
			}
		}
	}
	return nil
}

func ssrfError(host string) error {
	return &errors.PolicyError{
		Rule:   "ssrf",
		Detail: "SSRF protection: refusing to fetch private or internal address " + host,
	}
}

// guardTransport applies CheckURL before the request leaves the process.
// It wraps the retry layer from outside so blocked requests are never
// retried.
type guardTransport struct {
	base http.RoundTripper
}

func newGuardTransport(base http.RoundTripper) *guardTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &guardTransport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := checkHost(req.URL.Hostname()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

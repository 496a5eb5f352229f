// Package cloudflare recognizes Cloudflare edge IPs so the proxy only
// trusts CF-* forwarding headers from peers that are actually
// Cloudflare, and resolves the real client IP/country accordingly.
package cloudflare

import (
	"net"
	"net/http"
	"strings"
)

// ipv4Ranges are Cloudflare's published IPv4 CIDR blocks.
var ipv4Ranges = mustParseCIDRs([]string{
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"162.158.0.0/15",
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"131.0.72.0/22",
})

// ipv6Prefixes are the first two bytes of Cloudflare's published IPv6
// ranges, matched against the same two bytes of the candidate address.
var ipv6Prefixes = [][2]byte{
	{0x24, 0x00}, // 2400:cb00::/32
	{0x26, 0x06}, // 2606:4700::/32
	{0x28, 0x03}, // 2803:f800::/32
	{0x24, 0x05}, // 2405:b500::/32 and 2405:8100::/32
	{0x2a, 0x06}, // 2a06:98c0::/29
	{0x2c, 0x0f}, // 2c0f:f248::/32
}

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("cloudflare: invalid CIDR literal " + c)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsCloudflareIP reports whether ip belongs to a known Cloudflare edge
// range.
func IsCloudflareIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range ipv4Ranges {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	v6 := ip.To16()
	if v6 == nil {
		return false
	}
	for _, p := range ipv6Prefixes {
		if v6[0] == p[0] && v6[1] == p[1] {
			return true
		}
	}
	return false
}

// ResolveClientIP returns the true client IP for a request whose
// direct peer is peerIP. When trustHeaders is false (Cloudflare mode
// disabled, or peerIP isn't a recognized Cloudflare edge address) it
// always returns peerIP: proxy headers are never trusted from an
// untrusted peer. Otherwise headers are consulted in priority order
// CF-Connecting-IP -> X-Real-IP -> first entry of X-Forwarded-For.
func ResolveClientIP(h http.Header, peerIP string, trustHeaders bool) string {
	if !trustHeaders {
		return peerIP
	}

	if v := strings.TrimSpace(h.Get("CF-Connecting-IP")); v != "" {
		if ip := net.ParseIP(v); ip != nil {
			return v
		}
	}

	if v := strings.TrimSpace(h.Get("X-Real-IP")); v != "" {
		if ip := net.ParseIP(v); ip != nil {
			return v
		}
	}

	if v := h.Get("X-Forwarded-For"); v != "" {
		first := strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return first
		}
	}

	return peerIP
}

// ResolveCountry returns the CF-IPCountry override when trustHeaders is
// true and the header carries a plausible ISO 3166-1 alpha-2 code
// ("XX" is Cloudflare's own "unknown" sentinel and is ignored).
// Returns "" when no override applies, leaving GeoIP lookup in place.
func ResolveCountry(h http.Header, trustHeaders bool) string {
	if !trustHeaders {
		return ""
	}
	cc := strings.ToUpper(strings.TrimSpace(h.Get("CF-IPCountry")))
	if len(cc) == 2 && cc != "XX" {
		return cc
	}
	return ""
}

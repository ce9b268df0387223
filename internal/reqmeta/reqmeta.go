// Package reqmeta derives per-request facts used for keys and audit: the
// client IP and a device fingerprint.
package reqmeta

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Unknown is the IP used when no address can be determined. All such
// clients share rate-limit buckets.
const Unknown = "unknown"

// Client hint headers a front-end may send alongside the standard ones.
const (
	HeaderScreen   = "X-Client-Screen"
	HeaderTimezone = "X-Client-Timezone"
	HeaderPlatform = "X-Client-Platform"
)

// IPResolver extracts client IPs. With TrustProxyHeaders set, forwarding
// headers are honored; TrustedProxies further limits that to peers inside
// the listed prefixes.
type IPResolver struct {
	TrustProxyHeaders bool
	TrustedProxies    []netip.Prefix
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// transport peer, then Unknown.
func (res IPResolver) ClientIP(r *http.Request) string {
	peer, _ := parseIP(r.RemoteAddr)

	if res.trustsPeer(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := parseIP(first); ok {
				return ip
			}
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	if peer != "" {
		return peer
	}
	return Unknown
}

func (res IPResolver) trustsPeer(peer string) bool {
	if !res.TrustProxyHeaders {
		return false
	}
	if len(res.TrustedProxies) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	for _, p := range res.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIP(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// Hints are optional client-declared device facts.
type Hints struct {
	Screen   string `json:"screen,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// HintsFromHeaders reads the X-Client-* hint headers.
func HintsFromHeaders(h http.Header) Hints {
	return Hints{
		Screen:   h.Get(HeaderScreen),
		Timezone: h.Get(HeaderTimezone),
		Platform: h.Get(HeaderPlatform),
	}
}

// Fingerprint is the hex SHA-256 of User-Agent, Accept-Language,
// Accept-Encoding and the hints, newline separated.
func Fingerprint(h http.Header, hints Hints) string {
	sum := sha256.New()
	for _, part := range []string{
		h.Get("User-Agent"),
		h.Get("Accept-Language"),
		h.Get("Accept-Encoding"),
		hints.Screen,
		hints.Timezone,
		hints.Platform,
	} {
		sum.Write([]byte(strings.TrimSpace(part)))
		sum.Write([]byte{'\n'})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

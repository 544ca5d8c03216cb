package httpmw

import (
	"net"
	"net/http"
	"strings"

	"github.com/toolink/ratelimit/rules"
)

// KeyFunc extracts the rate limit identity from a request.
type KeyFunc func(r *http.Request) string

// KeyByRemoteIP uses the IP of the direct peer.
func KeyByRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

// KeyByForwardedIP trusts X-Forwarded-For and X-Real-IP, falling back to the
// peer address. Only use it behind a proxy that overwrites those headers,
// otherwise clients choose their own bucket.
func KeyByForwardedIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for _, ip := range strings.Split(forwarded, ",") {
			if parsed := parseIP(ip); parsed != "" {
				return parsed
			}
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return KeyByRemoteIP(r)
}

// KeyByHeader uses the value of the named header.
func KeyByHeader(name string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// Extractor resolves identities of the kinds used in rules files.
type Extractor func(r *http.Request, limitBy string) string

// DefaultExtractor maps "ip" to the peer IP, "device_id" to the X-Device-ID
// header and "user_id" to the X-User-ID header.
func DefaultExtractor(r *http.Request, limitBy string) string {
	switch limitBy {
	case rules.LimitByIP:
		return KeyByRemoteIP(r)
	case rules.LimitByDeviceID:
		return r.Header.Get("X-Device-ID")
	case rules.LimitByUserID:
		return r.Header.Get("X-User-ID")
	default:
		return ""
	}
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

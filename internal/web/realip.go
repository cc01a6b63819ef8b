package web

import (
	"net"
	"net/http"
	"strings"
)

// Headers consulted for the client address, in trust order. The CDN header
// wins because the edge rewrites it on every request; the proxy headers can
// be client-supplied on direct connections.
const (
	headerCFConnectingIP = "CF-Connecting-IP"
	headerXRealIP        = "X-Real-IP"
	headerXForwardedFor  = "X-Forwarded-For"
)

// ClientIP resolves the originating address of r. It prefers the CDN
// header, then the reverse-proxy headers, then the peer address. The result
// keys the per-IP rate limit, so every request must map to some stable
// string; "unknown" is the fallback when nothing usable is present.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get(headerCFConnectingIP)); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get(headerXRealIP)); ip != "" {
		return ip
	}
	if fwd := r.Header.Get(headerXForwardedFor); fwd != "" {
		// The first hop is the client; later entries are proxies.
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

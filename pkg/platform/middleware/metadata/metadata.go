package metadata

import (
	"net"
	"net/http"
	"strings"

	"geogate/pkg/requestcontext"
)

// ClientMetadata extracts client IP address and User-Agent from the request
// and adds them to the context for use by handlers and services.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIPFromRequest(r)
		userAgent := r.Header.Get("User-Agent")

		ctx := requestcontext.WithClientMetadata(r.Context(), ip, userAgent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	return ClientIP(r.Header, r.RemoteAddr)
}

// ClientIP resolves the originating client address from proxy headers, falling
// back to the transport peer address. It returns "" when nothing usable is present.
func ClientIP(headers http.Header, peerAddr string) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...)
	// Take the first IP which is the original client
	if xff := headers.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.Index(xff, ","); idx != -1 {
			first = xff[:idx]
		}
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	// X-Real-IP is set by nginx and similar proxies
	if xri := strings.TrimSpace(headers.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return PeerIP(peerAddr)
}

// PeerIP strips the port from a transport address and reduces IPv4-mapped
// IPv6 addresses (::ffff:203.0.113.7) to their IPv4 form.
func PeerIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ClientIP returns the caller's address without the port. RemoteAddr is
// expected to be already rewritten by a trusted real-ip middleware.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// WebSocketBase returns the ws:// or wss:// origin clients should dial.
// A configured public URL wins; otherwise the request's own host and TLS
// state are used, honouring X-Forwarded-Proto from a fronting proxy.
func WebSocketBase(publicURL string, r *http.Request) string {
	if raw := strings.TrimSpace(publicURL); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			switch strings.ToLower(u.Scheme) {
			case "https", "wss":
				u.Scheme = "wss"
			default:
				u.Scheme = "ws"
			}
			return strings.TrimSuffix(u.Scheme+"://"+u.Host+u.Path, "/")
		}
	}
	if r == nil {
		return ""
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		scheme = "wss"
	}
	return scheme + "://" + NormalizeHostPort(r.Host)
}

// NormalizeHostPort lower-cases host and drops a trailing dot while
// keeping an explicit port.
func NormalizeHostPort(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if h, p, err := net.SplitHostPort(host); err == nil {
		h = strings.TrimSuffix(h, ".")
		if p == "" {
			return h
		}
		return net.JoinHostPort(h, p)
	}
	return strings.TrimSuffix(host, ".")
}

// AllowedOrigin reports whether a browser Origin header may open a
// websocket. Requests without an Origin are not from a browser and pass.
// With a public URL configured only its host is accepted; otherwise the
// origin must name the host the request was sent to.
func AllowedOrigin(publicURL string, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	want := r.Host
	if host := PublicHost(publicURL); host != "" {
		want = host
	}
	return NormalizeHostPort(u.Host) == NormalizeHostPort(want)
}

// PublicHost returns the host[:port] of a configured public URL, or "".
func PublicHost(publicURL string) string {
	raw := strings.TrimSpace(publicURL)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

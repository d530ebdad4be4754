// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardedIPHeaders are consulted in order when the immediate peer is the
// local tunnel client.
var forwardedIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Real-IP",
	"X-Forwarded-For",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// ClientIP returns the source address of r. Forwarding headers are only
// honoured when the direct peer is a loopback address, i.e. the local
// tunnel client; any other peer could forge them.
func ClientIP(r *http.Request) string {
	peer := RemoteIP(r.RemoteAddr)
	if !isLoopback(peer) {
		return peer
	}
	for _, name := range forwardedIPHeaders {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" {
			continue
		}
		if first, _, ok := strings.Cut(v, ","); ok {
			v = strings.TrimSpace(first)
		}
		if ip := net.ParseIP(v); ip != nil {
			return ip.String()
		}
	}
	return peer
}

// RemoteIP strips the port from a host:port remote address.
func RemoteIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return h
	}
	return strings.Trim(remoteAddr, "[]")
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be proxied.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}

	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token))
			if key != "" {
				h.Del(key)
			}
		}
	}

	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

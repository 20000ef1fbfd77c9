// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strconv"
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

// RemoveHopByHopHeaders strips hop-by-hop headers, including any named in
// Connection, that must not cross the relay.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				h.Del(key)
			}
		}
	}
	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// IsUpgradeRequest reports whether the header map asks for an HTTP Upgrade
// handshake. The relay carries request/response exchanges only.
func IsUpgradeRequest(h http.Header) bool {
	if len(h) == 0 || strings.TrimSpace(h.Get("Upgrade")) == "" {
		return false
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// SetForwardedHeaders rewrites reverse-proxy headers to describe the public
// request r. Public callers can spoof these headers, so case-insensitive
// variants are removed before canonical keys are set. The client address is
// appended to any existing X-Forwarded-For chain.
func SetForwardedHeaders(h http.Header, r *http.Request) {
	if h == nil || r == nil {
		return
	}
	appendForwardedFor(h, r.RemoteAddr)

	host := strings.TrimSpace(r.Host)
	if host == "" {
		return
	}
	DeleteHeaderCI(h, "Host")
	DeleteHeaderCI(h, "X-Forwarded-Proto")
	DeleteHeaderCI(h, "X-Forwarded-Host")
	DeleteHeaderCI(h, "X-Forwarded-Port")

	h["Host"] = []string{host}

	proto, port := "http", "80"
	if r.TLS != nil {
		proto, port = "https", "443"
	}
	if _, p, err := net.SplitHostPort(host); err == nil && strings.TrimSpace(p) != "" {
		port = strings.TrimSpace(p)
	}
	h["X-Forwarded-Proto"] = []string{proto}
	h["X-Forwarded-Host"] = []string{host}
	h["X-Forwarded-Port"] = []string{port}
}

func appendForwardedFor(h http.Header, remoteAddr string) {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	existing := ""
	for k, vals := range h {
		if !strings.EqualFold(k, "X-Forwarded-For") {
			continue
		}
		if existing == "" && len(vals) > 0 {
			existing = strings.TrimSpace(vals[0])
		}
		delete(h, k)
	}
	if existing != "" {
		h["X-Forwarded-For"] = []string{existing + ", " + ip}
	} else {
		h["X-Forwarded-For"] = []string{ip}
	}
}

// DeleteHeaderCI removes every case-insensitive variant of key.
func DeleteHeaderCI(h http.Header, key string) {
	if h == nil || key == "" {
		return
	}
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

// FirstHeaderCI returns the first value of key, matching case-insensitively.
func FirstHeaderCI(h http.Header, key string) string {
	for k, vals := range h {
		if strings.EqualFold(k, key) && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
	}
	return ""
}

// LoopbackHost returns the 127.0.0.1 host:port for a local service port.
func LoopbackHost(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
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

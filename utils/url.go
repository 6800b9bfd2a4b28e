package utils

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeURL takes user-friendly server inputs and converts them into an
// HTTPS URL for WebTransport. defaultPath is used when the input has none.
// Examples, with defaultPath "/echo":
//   - "https://example.com"      -> "https://example.com/echo"
//   - "localhost:4433"           -> "https://localhost:4433/echo"
//   - "http://localhost:4433/x"  -> "https://localhost:4433/x"
//   - "example.com/chat?room=1"  -> "https://example.com/chat?room=1"
func NormalizeURL(raw, defaultPath string) (string, error) {
	server := strings.TrimSpace(raw)
	if server == "" {
		return "", errors.New("server address is empty")
	}

	// WebTransport only runs over HTTP/3, which is always TLS.
	server = strings.Replace(server, "http://", "https://", 1)
	if !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultPath
	}
	return u.String(), nil
}

// IsSubdomain reports whether host matches the given domain pattern.
// Supports patterns like:
//   - "*.example.com" (wildcard for any subdomain of example.com)
//   - "sub.example.com" (exact host match)
//
// Normalizes by stripping scheme/port and lowercasing.
func IsSubdomain(domain, host string) bool {
	if host == "" || domain == "" {
		return false
	}

	h := strings.ToLower(StripPort(StripScheme(host)))
	d := strings.ToLower(StripPort(StripScheme(domain)))

	// Wildcard pattern: require at least one label before the suffix
	if strings.HasPrefix(d, "*.") {
		suffix := d[1:]
		return len(h) > len(suffix) && strings.HasSuffix(h, suffix)
	}

	if h == d {
		return true
	}

	return strings.HasSuffix(h, "."+d)
}

// OriginAllowed reports whether origin matches any of patterns. An empty
// pattern list allows every origin; "*" matches anything, including a
// missing origin header.
func OriginAllowed(patterns []string, origin string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || IsSubdomain(p, origin) {
			return true
		}
	}
	return false
}

func StripScheme(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "https://")

	return s
}

func StripPort(s string) string {
	if s == "" {
		return s
	}
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 && idx+1 < len(s) {
		port := s[idx+1:]
		digits := true
		for _, ch := range port {
			if ch < '0' || ch > '9' {
				digits = false
				break
			}
		}
		if digits {
			return s[:idx]
		}
	}
	return s
}

// IsLocalhost reports whether r comes from a loopback or private address.
func IsLocalhost(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}

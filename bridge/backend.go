package bridge

import (
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// RequestHandler decides on a SessionRequest, possibly later and from another
// goroutine, by calling Accept or Reject exactly once.
type RequestHandler func(req *SessionRequest)

// Backend routes inbound WebTransport CONNECT requests either to the
// path-based default accept or to an application RequestHandler.
type Backend struct {
	mu      sync.RWMutex
	paths   map[string]struct{}
	handler RequestHandler
}

func NewBackend() *Backend {
	return &Backend{paths: make(map[string]struct{})}
}

// RegisterPath makes path accepted by default.
func (b *Backend) RegisterPath(path string) {
	b.mu.Lock()
	b.paths[normalizePath(path)] = struct{}{}
	b.mu.Unlock()
}

// UnregisterPath removes a default-accepted path.
func (b *Backend) UnregisterPath(path string) {
	b.mu.Lock()
	delete(b.paths, normalizePath(path))
	b.mu.Unlock()
}

// SetRequestHandler installs h; a nil h restores path-based accept.
func (b *Backend) SetRequestHandler(h RequestHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// ProcessWebTransportRequest returns the decision promise for a CONNECT
// request header block. It never blocks.
func (b *Backend) ProcessWebTransportRequest(header map[string]string) *AcceptPromise {
	promise := NewAcceptPromise()

	if m := header[":method"]; m != "" && m != http.MethodConnect {
		log.Warn().Str("method", m).Msg("[backend] non-CONNECT request rejected")
		promise.Resolve(Decision{Status: http.StatusMethodNotAllowed})
		return promise
	}
	rawPath := header[":path"]
	if rawPath == "" {
		log.Warn().Msg("[backend] CONNECT without :path rejected")
		promise.Resolve(Decision{Status: http.StatusBadRequest})
		return promise
	}
	path := normalizePath(rawPath)

	b.mu.RLock()
	handler := b.handler
	_, registered := b.paths[path]
	b.mu.RUnlock()

	if handler != nil {
		req := &SessionRequest{
			Header:    header,
			Path:      path,
			Authority: header[":authority"],
			Origin:    header["origin"],
			Protocols: parseProtocols(header["wt-available-protocols"]),
			promise:   promise,
		}
		handler(req)
		return promise
	}

	if registered {
		promise.Resolve(Decision{Status: http.StatusOK})
	} else {
		log.Debug().Str("path", path).Msg("[backend] no session handler for path")
		promise.Resolve(Decision{Status: http.StatusNotFound})
	}
	return promise
}

func normalizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return p
}

// parseProtocols reads a comma-separated list of (optionally quoted) tokens.
func parseProtocols(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if i := strings.IndexByte(part, ';'); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		part = strings.Trim(part, `"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

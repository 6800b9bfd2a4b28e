package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/wtbridge/bridge"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		offered   []string
		want      string
	}{
		{"client preference wins", []string{"b", "a"}, []string{"a", "b"}, "a"},
		{"skips unsupported", []string{"b"}, []string{"a", "b"}, "b"},
		{"no overlap", []string{"x"}, []string{"a"}, ""},
		{"nothing offered", []string{"x"}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, negotiate(tt.supported, tt.offered))
		})
	}
}

func newTestCore(t *testing.T) *bridge.Server {
	t.Helper()
	r := bridge.NewReactor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	cfg := bridge.DefaultConfig()
	return bridge.NewServer(r, &cfg, bridge.SinkFunc(func(bridge.Event) {}))
}

func connectHeader(path, origin, protocols string) map[string]string {
	h := map[string]string{
		":method":    "CONNECT",
		":protocol":  "webtransport",
		":scheme":    "https",
		":authority": "bridge.example",
		":path":      path,
	}
	if origin != "" {
		h["origin"] = origin
	}
	if protocols != "" {
		h["wt-available-protocols"] = protocols
	}
	return h
}

func TestEchoAppHandleRequest(t *testing.T) {
	core := newTestCore(t)
	newEchoApp(core, newBridgeMetrics(), []string{"/echo"}, []string{"*.example.com"}, []string{"chat-v2", "chat-v1"})

	tests := []struct {
		name        string
		header      map[string]string
		status      int
		subprotocol string
	}{
		{"foreign origin", connectHeader("/echo", "https://evil.test", ""), http.StatusForbidden, ""},
		{"unknown path", connectHeader("/other", "https://app.example.com", ""), http.StatusNotFound, ""},
		{"accepted", connectHeader("/echo", "https://app.example.com", ""), http.StatusOK, ""},
		{"query ignored", connectHeader("/echo?room=1", "https://app.example.com", ""), http.StatusOK, ""},
		{"subprotocol", connectHeader("/echo", "https://app.example.com", `"chat-v1", "chat-v2"`), http.StatusOK, "chat-v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := core.Backend().ProcessWebTransportRequest(tt.header).Result()
			require.True(t, ok, "decision resolves synchronously")
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.subprotocol, d.Header["wt-protocol"])
		})
	}
}

func TestEchoAppAcceptsAnyPath(t *testing.T) {
	core := newTestCore(t)
	newEchoApp(core, newBridgeMetrics(), nil, nil, nil)

	d, ok := core.Backend().ProcessWebTransportRequest(connectHeader("/anything", "", "")).Result()
	require.True(t, ok)
	assert.True(t, d.Accepted())
	assert.Empty(t, d.Header)
}

func adminRequest(t *testing.T, h http.Handler, method, target, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRouter(t *testing.T) {
	core := newTestCore(t)
	metrics := newBridgeMetrics()
	newEchoApp(core, metrics, []string{"/echo"}, nil, nil)
	h := newAdminRouter(core, metrics)

	rec := adminRequest(t, h, http.MethodGet, "/healthz", "203.0.113.7:1234")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = adminRequest(t, h, http.MethodGet, "/sessions/", "127.0.0.1:5555")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = adminRequest(t, h, http.MethodGet, "/sessions/", "203.0.113.7:1234")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = adminRequest(t, h, http.MethodGet, "/sessions/abc", "127.0.0.1:5555")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminRequest(t, h, http.MethodGet, "/sessions/42", "127.0.0.1:5555")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminRequest(t, h, http.MethodDelete, "/sessions/42", "10.0.0.3:5555")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	core.Backend().ProcessWebTransportRequest(connectHeader("/nope", "", ""))
	rec = adminRequest(t, h, http.MethodGet, "/metrics", "127.0.0.1:5555")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `wtbridge_session_requests_total{status="404"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestAdminHealthzAfterStop(t *testing.T) {
	core := newTestCore(t)
	h := newAdminRouter(core, newBridgeMetrics())

	core.Reactor().Stop()
	rec := adminRequest(t, h, http.MethodGet, "/healthz", "127.0.0.1:1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConnectRequest(t *testing.T) {
	req, err := connectRequest("https://bridge.example:4433/echo?room=1", []string{"chat-v2", "chat-v1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		":method":                "CONNECT",
		":protocol":              "webtransport",
		":scheme":                "https",
		":authority":             "bridge.example:4433",
		":path":                  "/echo?room=1",
		"wt-available-protocols": `"chat-v2", "chat-v1"`,
	}, req.Header)

	req, err = connectRequest("https://bridge.example/echo", nil)
	require.NoError(t, err)
	_, ok := req.Header["wt-available-protocols"]
	assert.False(t, ok)
}

func TestDialTLSConfig(t *testing.T) {
	defer func() { flagCertHash, flagInsecure = "", false }()

	cfg, err := dialTLSConfig()
	require.NoError(t, err)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Equal(t, []string{"h3"}, cfg.NextProtos)

	flagInsecure = true
	cfg, err = dialTLSConfig()
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	flagCertHash = "not-hex"
	_, err = dialTLSConfig()
	assert.Error(t, err)

	flagCertHash = strings.Repeat("ab", 32)
	cfg, err = dialTLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, cfg.VerifyPeerCertificate)
	assert.Equal(t, []string{"h3"}, cfg.NextProtos)
}

func TestDialSessionTerminalEvents(t *testing.T) {
	failure := errors.New("handshake failed")
	d := &dialSession{reactor: bridge.NewReactor(), out: io.Discard, in: strings.NewReader("")}
	_, err := d.handle(bridge.ConnectionFailed{Err: failure})
	assert.ErrorIs(t, err, failure)

	tests := []struct {
		name  string
		ev    bridge.Event
		done  bool
		fails bool
	}{
		{"connection failed", bridge.ConnectionFailed{Err: failure}, true, true},
		{"unsupported", bridge.WebTransportSupport{Supported: false}, true, true},
		{"supported", bridge.WebTransportSupport{Supported: true}, false, false},
		{"session closed", bridge.SessionClosed{Code: 7, Message: "bye"}, true, false},
		{"request dropped", bridge.RequestDropped{Err: bridge.ErrRequestSuperseded}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &dialSession{reactor: bridge.NewReactor(), out: io.Discard, in: strings.NewReader("")}
			done, err := d.handle(tt.ev)
			assert.Equal(t, tt.done, done)
			if tt.fails {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDialSessionConnectTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := bridge.NewEventQueue(ctx)
	defer q.Close()

	d := &dialSession{reactor: bridge.NewReactor(), out: &bytes.Buffer{}, in: strings.NewReader("")}
	err := d.run(ctx, q, 20*time.Millisecond)
	assert.ErrorIs(t, err, errConnectTimeout)
}

func TestDialSessionStopsOnQueueClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := bridge.NewEventQueue(ctx)
	q.Emit(bridge.WebTransportSupport{Supported: true})
	q.Emit(bridge.SessionClosed{Code: 0})

	d := &dialSession{reactor: bridge.NewReactor(), out: io.Discard, in: strings.NewReader("")}
	assert.NoError(t, d.run(ctx, q, 0))
}

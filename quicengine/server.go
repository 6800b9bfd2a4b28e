package quicengine

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"

	"gosuda.org/wtbridge/bridge"
)

type upgradeFunc func(http.ResponseWriter, *http.Request) (wtSession, error)

// Server accepts WebTransport sessions over HTTP/3 and hands them to a
// bridge.Server. Every CONNECT request is routed through the bridge backend
// before the upgrade.
type Server struct {
	core *bridge.Server
	cfg  *bridge.Config
	wt   *webtransport.Server
}

// NewServer builds an HTTP/3 server on addr. Origins are not checked here;
// the backend sees the origin header and decides.
func NewServer(core *bridge.Server, cfg *bridge.Config, addr string, tlsConf *tls.Config) *Server {
	s := &Server{core: core, cfg: cfg}
	s.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConf,
			Handler:   http.HandlerFunc(s.serveHTTP),
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleConnect(w, r, func(w http.ResponseWriter, r *http.Request) (wtSession, error) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			return nil, err
		}
		return sess, nil
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, upgrade upgradeFunc) {
	reactor := s.core.Reactor()
	header := requestHeader(r)

	var promise *bridge.AcceptPromise
	if err := reactor.Do(r.Context(), func() { promise = s.core.HandleRequest(header) }); err != nil {
		http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
		return
	}
	decision, err := promise.Wait(r.Context())
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("[quic] client left before decision")
		return
	}
	if !decision.Accepted() {
		w.WriteHeader(decision.Status)
		return
	}
	for k, v := range decision.Header {
		w.Header().Set(k, v)
	}

	sess, err := upgrade(w, r)
	if err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("[quic] webtransport upgrade failed")
		return
	}

	qs := newSession(reactor, s.cfg, sess, decision.Header["wt-protocol"])
	attached := false
	err = reactor.Do(context.Background(), func() {
		attached = s.core.AttachSession(qs, r.URL.Path) != nil
	})
	if err != nil || !attached {
		qs.cancel()
		if closeErr := sess.CloseWithError(webtransport.SessionErrorCode(s.cfg.DetachSessionCode), s.cfg.DetachSessionMessage); closeErr != nil {
			log.Debug().Err(closeErr).Msg("[quic] close rejected session")
		}
		return
	}
	qs.start()
}

// requestHeader flattens r into the pseudo-header map the backend routes on.
func requestHeader(r *http.Request) map[string]string {
	h := map[string]string{
		":method":    r.Method,
		":scheme":    "https",
		":authority": r.Host,
		":path":      r.URL.RequestURI(),
	}
	if r.Method == http.MethodConnect && r.Proto != "" {
		h[":protocol"] = r.Proto
	}
	for k, vs := range r.Header {
		h[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return h
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.wt.H3.Addr).Msg("[quic] http/3 (webtransport) listening")
	return s.wt.ListenAndServe()
}

// Serve runs the server over conn, typically a *PacketConn.
func (s *Server) Serve(conn net.PacketConn) error {
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("[quic] http/3 (webtransport) serving")
	return s.wt.Serve(conn)
}

func (s *Server) Close() error {
	return s.wt.Close()
}

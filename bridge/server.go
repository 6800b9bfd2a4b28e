package bridge

import (
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"
)

// Server is the server-side dispatcher: it owns the Backend and every
// session accepted through it. Methods run on the reactor.
type Server struct {
	reactor *Reactor
	cfg     *Config
	sink    Sink
	backend *Backend

	sessions map[SessionID]*Session
	closed   bool
}

func NewServer(r *Reactor, cfg *Config, sink Sink) *Server {
	return &Server{
		reactor:  r,
		cfg:      cfg,
		sink:     sink,
		backend:  NewBackend(),
		sessions: make(map[SessionID]*Session),
	}
}

// Backend returns the request router.
func (s *Server) Backend() *Backend {
	return s.backend
}

// Reactor returns the reactor the server runs on.
func (s *Server) Reactor() *Reactor {
	return s.reactor
}

// DeliverRequestsAsEvents makes every CONNECT request surface as a
// NewSessionRequest event for the consumer to resolve.
func (s *Server) DeliverRequestsAsEvents() {
	s.backend.SetRequestHandler(func(req *SessionRequest) {
		s.sink.Emit(NewSessionRequest{Request: req})
	})
}

// HandleRequest routes a CONNECT header block through the backend.
func (s *Server) HandleRequest(header map[string]string) *AcceptPromise {
	if s.closed {
		p := NewAcceptPromise()
		p.Resolve(Decision{Status: http.StatusServiceUnavailable})
		return p
	}
	return s.backend.ProcessWebTransportRequest(header)
}

// AttachSession wraps an engine session accepted for path. It returns nil
// and closes the handle once the server is shut down.
func (s *Server) AttachSession(h SessionHandle, path string) *Session {
	if s.closed {
		h.CloseSession(s.cfg.DetachSessionCode, s.cfg.DetachSessionMessage)
		return nil
	}
	sess := newSession(s.reactor, s.cfg, s.sink, h, path)
	sess.onClosed = func(closed *Session) {
		delete(s.sessions, closed.id)
	}
	s.sessions[sess.id] = sess

	log.Info().
		Uint64("session_id", uint64(sess.id)).
		Str("path", path).
		Msg("[server] session attached")
	return sess
}

// Session looks a session up by id.
func (s *Server) Session(id SessionID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns the active sessions ordered by id.
func (s *Server) Sessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Shutdown closes every session; each gets its SessionClosed and every
// pending operation its failure signal.
func (s *Server) Shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	for _, sess := range s.Sessions() {
		sess.Detach()
	}
	log.Info().Msg("[server] shut down")
}

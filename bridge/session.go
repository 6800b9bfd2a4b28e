package bridge

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionReadyState
	SessionDrainingState
	SessionClosedState
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionReadyState:
		return "ready"
	case SessionDrainingState:
		return "draining"
	default:
		return "closed"
	}
}

type pendingOpen struct {
	sendGroup uint64
	sendOrder int64
}

// Session wraps one engine WebTransport session. All methods must run on the
// reactor; use the reactor's Schedule or Do from other goroutines.
//
// handle is non-nil exactly while the session is active. Once nulled every
// operation is a no-op or an immediate failure.
type Session struct {
	reactor *Reactor
	cfg     *Config
	sink    Sink

	handle SessionHandle
	id     SessionID
	path   string
	state  SessionState

	pendingBidi  []pendingOpen
	pendingUnidi []pendingOpen

	streams map[StreamID]*Stream
	stats   statsRecorder

	onClosed func(*Session)
}

func newSession(r *Reactor, cfg *Config, sink Sink, h SessionHandle, path string) *Session {
	s := &Session{
		reactor: r,
		cfg:     cfg,
		sink:    sink,
		handle:  h,
		id:      h.ID(),
		path:    path,
		streams: make(map[StreamID]*Stream),
		stats:   newStatsRecorder(),
	}
	h.SetVisitor(s)
	return s
}

// ID returns the session id.
func (s *Session) ID() SessionID { return s.id }

// Path returns the CONNECT path the session was established on.
func (s *Session) Path() string { return s.path }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Live reports whether the engine handle is still attached.
func (s *Session) Live() bool { return s.handle != nil }

// PendingOpens returns the queued bidirectional and unidirectional open requests.
func (s *Session) PendingOpens() (bidi, unidi int) {
	return len(s.pendingBidi), len(s.pendingUnidi)
}

// Streams returns the attached streams ordered by id.
func (s *Session) Streams() []*Stream {
	out := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Session) emit(ev Event) {
	if s.sink != nil {
		s.sink.Emit(ev)
	}
}

func (s *Session) usable() bool {
	return s.handle != nil && (s.state == SessionReadyState || s.state == SessionDrainingState)
}

// ---- outgoing streams ----

// TryOpenBidiStream asks for a new outgoing bidirectional stream. It returns
// false when there is no credit and waitUntilAvailable is unset; the caller
// then applies its own back-pressure. Until OnSessionReady the session counts
// as having no credit whatever the engine reports, so only a waiting request
// is accepted then. Accepted requests complete with a NewStream or, at
// teardown, a StreamOpenFailed event.
func (s *Session) TryOpenBidiStream(waitUntilAvailable bool, sendGroup uint64, sendOrder int64) bool {
	if s.handle == nil || s.state == SessionClosedState {
		return false
	}
	canOpen := s.usable() && s.handle.CanOpenNextOutgoingBidirectionalStream()
	if !canOpen && !waitUntilAvailable {
		return false
	}
	s.pendingBidi = append(s.pendingBidi, pendingOpen{sendGroup: sendGroup, sendOrder: sendOrder})
	s.trySendingBidirectionalStreams()
	return true
}

// TryOpenUnidiStream is TryOpenBidiStream for unidirectional streams.
func (s *Session) TryOpenUnidiStream(waitUntilAvailable bool, sendGroup uint64, sendOrder int64) bool {
	if s.handle == nil || s.state == SessionClosedState {
		return false
	}
	canOpen := s.usable() && s.handle.CanOpenNextOutgoingUnidirectionalStream()
	if !canOpen && !waitUntilAvailable {
		return false
	}
	s.pendingUnidi = append(s.pendingUnidi, pendingOpen{sendGroup: sendGroup, sendOrder: sendOrder})
	s.trySendingUnidirectionalStreams()
	return true
}

// trySendingBidirectionalStreams services queued opens strictly in FIFO order
// while the engine reports credit.
func (s *Session) trySendingBidirectionalStreams() {
	for len(s.pendingBidi) > 0 && s.usable() && s.handle.CanOpenNextOutgoingBidirectionalStream() {
		h := s.handle.OpenOutgoingBidirectionalStream()
		if h == nil {
			return
		}
		req := s.pendingBidi[0]
		s.pendingBidi = s.pendingBidi[1:]
		s.attachOutgoing(h, true, req)
	}
}

func (s *Session) trySendingUnidirectionalStreams() {
	for len(s.pendingUnidi) > 0 && s.usable() && s.handle.CanOpenNextOutgoingUnidirectionalStream() {
		h := s.handle.OpenOutgoingUnidirectionalStream()
		if h == nil {
			return
		}
		req := s.pendingUnidi[0]
		s.pendingUnidi = s.pendingUnidi[1:]
		s.attachOutgoing(h, false, req)
	}
}

func (s *Session) attachOutgoing(h StreamHandle, bidi bool, req pendingOpen) {
	h.SetPriority(req.sendGroup, req.sendOrder)
	st := newStream(s, h, bidi, false, req.sendGroup, req.sendOrder)
	s.streams[st.id] = st

	log.Debug().
		Uint64("session_id", uint64(s.id)).
		Uint64("stream_id", uint64(st.id)).
		Bool("bidi", bidi).
		Msg("[session] outgoing stream opened")

	s.emit(NewStream{
		Session:       s,
		Stream:        st,
		Bidirectional: bidi,
		SendGroup:     req.sendGroup,
		SendOrder:     req.sendOrder,
	})
	// An outgoing stream is writable as soon as it exists.
	st.doCanWrite()
}

func (s *Session) removeStream(st *Stream) {
	if cur, ok := s.streams[st.id]; ok && cur == st {
		delete(s.streams, st.id)
	}
}

// ---- datagrams ----

// WriteDatagram sends p immediately and always reports the outcome with one
// DatagramSendComplete carrying token.
func (s *Session) WriteDatagram(p []byte, token any) {
	if s.handle == nil {
		s.stats.failed++
		s.emit(DatagramSendComplete{Session: s, Token: token, Err: ErrSessionGone})
		return
	}
	status := s.handle.SendOrQueueDatagram(p)
	var err error
	switch status {
	case DatagramSent, DatagramQueued:
		s.stats.sent++
	case DatagramTooLarge:
		err = ErrDatagramTooLarge
	default:
		err = ErrDatagramDropped
	}
	if err != nil {
		s.stats.failed++
		log.Debug().
			Uint64("session_id", uint64(s.id)).
			Str("status", status.String()).
			Int("size", len(p)).
			Msg("[session] datagram not sent")
	}
	s.emit(DatagramSendComplete{Session: s, Token: token, Err: err})
}

// ScheduleWriteDatagram queues WriteDatagram on the reactor. It is safe to
// call from any goroutine. When it returns true the datagram gets exactly one
// DatagramSendComplete; if the reactor stops first, that completion carries
// ErrReactorStopped. When it returns false nothing is emitted.
func (s *Session) ScheduleWriteDatagram(p []byte, token any) bool {
	return s.reactor.ScheduleOrFail(
		func() { s.WriteDatagram(p, token) },
		func() { s.emit(DatagramSendComplete{Session: s, Token: token, Err: ErrReactorStopped}) },
	)
}

// MaxDatagramSize returns the engine's current datagram payload limit, 0 once closed.
func (s *Session) MaxDatagramSize() int {
	if s.handle == nil {
		return 0
	}
	return min(s.handle.MaxDatagramSize(), s.cfg.MaxDatagramSize)
}

// ---- stats ----

// Stats returns a fresh snapshot, or the last one with ErrSessionGone once closed.
func (s *Session) Stats() (SessionStats, error) {
	if s.handle == nil {
		return s.stats.final(), ErrSessionGone
	}
	return s.stats.snapshot(s.handle.SessionStats(), s.handle.DatagramStats()), nil
}

// RequestStats emits a SessionStatsReport.
func (s *Session) RequestStats() {
	st, _ := s.Stats()
	s.emit(SessionStatsReport{Session: s, Stats: st})
}

// ---- closing ----

// Close asks the engine to close the session. The SessionClosed event follows
// once the engine reports it.
func (s *Session) Close(code uint32, reason string) {
	if s.handle == nil {
		return
	}
	s.handle.CloseSession(code, reason)
}

// NotifyDraining tells the peer this side is going away.
func (s *Session) NotifyDraining() {
	if s.handle == nil {
		return
	}
	s.handle.NotifySessionDraining()
}

// Detach tears the session down without waiting for the engine.
func (s *Session) Detach() {
	if s.state == SessionClosedState {
		return
	}
	if s.handle != nil {
		s.handle.CloseSession(s.cfg.DetachSessionCode, s.cfg.DetachSessionMessage)
	}
	s.shutdown(s.cfg.DetachSessionCode, s.cfg.DetachSessionMessage)
}

func (s *Session) shutdown(code uint32, message string) {
	if s.state == SessionClosedState {
		return
	}
	s.state = SessionClosedState

	h := s.handle
	s.handle = nil
	if h != nil {
		h.SetVisitor(nil)
	}

	for _, st := range s.Streams() {
		st.teardown()
	}

	closeErr := &SessionError{Code: code, Message: message}
	bidi, unidi := s.pendingBidi, s.pendingUnidi
	s.pendingBidi, s.pendingUnidi = nil, nil
	for _, req := range bidi {
		s.emit(StreamOpenFailed{Session: s, Bidirectional: true, SendGroup: req.sendGroup, SendOrder: req.sendOrder, Err: closeErr})
	}
	for _, req := range unidi {
		s.emit(StreamOpenFailed{Session: s, Bidirectional: false, SendGroup: req.sendGroup, SendOrder: req.sendOrder, Err: closeErr})
	}

	log.Info().
		Uint64("session_id", uint64(s.id)).
		Uint32("code", code).
		Str("message", message).
		Msg("[session] closed")

	s.emit(SessionClosed{Session: s, Code: code, Message: message})
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// ---- engine visitor ----

func (s *Session) OnSessionReady() {
	if s.state != SessionCreated || s.handle == nil {
		return
	}
	s.state = SessionReadyState
	s.emit(SessionReady{Session: s, Subprotocol: s.handle.NegotiatedSubprotocol()})

	// Requests queued before readiness are serviced now.
	s.trySendingBidirectionalStreams()
	s.trySendingUnidirectionalStreams()
}

func (s *Session) OnSessionClosed(code uint32, message string) {
	s.shutdown(code, message)
}

func (s *Session) OnSessionDraining() {
	if s.state != SessionReadyState {
		return
	}
	s.state = SessionDrainingState
	s.emit(SessionDraining{Session: s})
}

func (s *Session) OnIncomingBidirectionalStreamAvailable() {
	s.acceptIncoming(true)
}

func (s *Session) OnIncomingUnidirectionalStreamAvailable() {
	s.acceptIncoming(false)
}

func (s *Session) acceptIncoming(bidi bool) {
	for s.handle != nil {
		var h StreamHandle
		if bidi {
			h = s.handle.AcceptIncomingBidirectionalStream()
		} else {
			h = s.handle.AcceptIncomingUnidirectionalStream()
		}
		if h == nil {
			return
		}
		st := newStream(s, h, bidi, true, 0, 0)
		s.streams[st.id] = st
		s.emit(NewStream{Session: s, Stream: st, Bidirectional: bidi, Incoming: true})
		st.tryRead()
	}
}

func (s *Session) OnDatagramReceived(p []byte) {
	if s.state == SessionClosedState {
		return
	}
	s.stats.received++
	s.emit(DatagramReceived{Session: s, Data: newBufferFrom(p)})
}

func (s *Session) OnCanCreateNewOutgoingBidirectionalStream() {
	s.trySendingBidirectionalStreams()
}

func (s *Session) OnCanCreateNewOutgoingUnidirectionalStream() {
	s.trySendingUnidirectionalStreams()
}

// Package quicengine implements the bridge engine capability set over
// quic-go and webtransport-go.
package quicengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"

	"gosuda.org/wtbridge/bridge"
)

var sessionSeq atomic.Uint64

// wtSession is the part of *webtransport.Session the adapter uses.
type wtSession interface {
	AcceptStream(ctx context.Context) (*webtransport.Stream, error)
	AcceptUniStream(ctx context.Context) (*webtransport.ReceiveStream, error)
	OpenStream() (*webtransport.Stream, error)
	OpenStreamSync(ctx context.Context) (*webtransport.Stream, error)
	OpenUniStream() (*webtransport.SendStream, error)
	OpenUniStreamSync(ctx context.Context) (*webtransport.SendStream, error)
	SendDatagram(p []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code webtransport.SessionErrorCode, msg string) error
	Context() context.Context
}

// Session adapts a webtransport-go session to bridge.SessionHandle. Pump
// goroutines turn blocking accepts and datagram reads into visitor
// callbacks scheduled on the reactor.
type Session struct {
	reactor     *bridge.Reactor
	cfg         *bridge.Config
	sess        wtSession
	id          bridge.SessionID
	subprotocol string

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once

	// reactor only
	visitor       bridge.SessionVisitor
	readyNotified bool
	closed        bool
	closeCode     uint32
	closeMsg      string
	closeReported bool
	incomingBidi  []*Stream
	incomingUni   []*Stream
	streams       map[bridge.StreamID]*Stream

	stashedBidi *webtransport.Stream
	stashedUni  *webtransport.SendStream
	openingBidi bool
	openingUni  bool

	dgramLost    atomic.Uint64
	dgramDropped atomic.Uint64
}

var _ bridge.SessionHandle = (*Session)(nil)

func newSession(r *bridge.Reactor, cfg *bridge.Config, sess wtSession, subprotocol string) *Session {
	ctx, cancel := context.WithCancel(sess.Context())
	return &Session{
		reactor:     r,
		cfg:         cfg,
		sess:        sess,
		id:          bridge.SessionID(sessionSeq.Add(1)),
		subprotocol: subprotocol,
		ctx:         ctx,
		cancel:      cancel,
		streams:     make(map[bridge.StreamID]*Stream),
	}
}

// start launches the pumps. It is idempotent.
func (s *Session) start() {
	s.startOnce.Do(func() {
		go s.acceptBidiLoop()
		go s.acceptUniLoop()
		go s.datagramLoop()
		go s.watch()
	})
}

func (s *Session) ID() bridge.SessionID { return s.id }

// SetVisitor attaches v. The underlying session is already established, so
// the first visitor is told it is ready right away. A session that ended
// before any visitor was attached reports the close to the first one instead.
func (s *Session) SetVisitor(v bridge.SessionVisitor) {
	s.visitor = v
	if v == nil {
		return
	}
	if s.closed {
		if !s.closeReported {
			s.closeReported = true
			s.reactor.Schedule(s.reportClosed)
		}
		return
	}
	if s.readyNotified {
		return
	}
	s.readyNotified = true
	s.reactor.Schedule(func() {
		if s.closed || s.visitor == nil {
			return
		}
		s.visitor.OnSessionReady()
		if len(s.incomingBidi) > 0 {
			s.visitor.OnIncomingBidirectionalStreamAvailable()
		}
		if len(s.incomingUni) > 0 && s.visitor != nil {
			s.visitor.OnIncomingUnidirectionalStreamAvailable()
		}
	})
}

func (s *Session) reportClosed() {
	if s.visitor != nil {
		s.visitor.OnSessionClosed(s.closeCode, s.closeMsg)
	}
}

// ---- pumps ----

func (s *Session) acceptBidiLoop() {
	for {
		st, err := s.sess.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		s.reactor.Schedule(func() {
			if s.closed {
				st.CancelRead(0)
				st.CancelWrite(0)
				return
			}
			s.incomingBidi = append(s.incomingBidi, s.wrap(bridge.StreamID(st.StreamID()), st, st))
			if s.visitor != nil && s.readyNotified {
				s.visitor.OnIncomingBidirectionalStreamAvailable()
			}
		})
	}
}

func (s *Session) acceptUniLoop() {
	for {
		st, err := s.sess.AcceptUniStream(s.ctx)
		if err != nil {
			return
		}
		s.reactor.Schedule(func() {
			if s.closed {
				st.CancelRead(0)
				return
			}
			s.incomingUni = append(s.incomingUni, s.wrap(bridge.StreamID(st.StreamID()), st, nil))
			if s.visitor != nil && s.readyNotified {
				s.visitor.OnIncomingUnidirectionalStreamAvailable()
			}
		})
	}
}

func (s *Session) datagramLoop() {
	for {
		p, err := s.sess.ReceiveDatagram(s.ctx)
		if err != nil {
			return
		}
		s.reactor.Schedule(func() {
			if s.closed || s.visitor == nil {
				s.dgramDropped.Add(1)
				return
			}
			s.visitor.OnDatagramReceived(p)
		})
	}
}

// watch is the only reporter of the session's end; the other pumps just exit.
func (s *Session) watch() {
	<-s.ctx.Done()
	code, msg := closeInfo(context.Cause(s.sess.Context()))
	s.reactor.Schedule(func() { s.deliverClosed(code, msg) })
}

func (s *Session) deliverClosed(code uint32, msg string) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode, s.closeMsg = code, msg
	s.cancel()
	for _, st := range s.streams {
		st.stop()
	}
	log.Debug().
		Uint64("session_id", uint64(s.id)).
		Uint32("code", code).
		Str("message", msg).
		Msg("[quic] session ended")
	if s.visitor != nil {
		s.closeReported = true
		s.visitor.OnSessionClosed(code, msg)
	}
}

func closeInfo(err error) (uint32, string) {
	var serr *webtransport.SessionError
	if errors.As(err, &serr) {
		return uint32(serr.ErrorCode), serr.Message
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return 0, ""
	}
	return 0, err.Error()
}

func (s *Session) wrap(id bridge.StreamID, recv receiver, send sender) *Stream {
	st := newStream(s.reactor, s.cfg, id, recv, send)
	st.release = func() { delete(s.streams, id) }
	s.streams[id] = st
	st.start()
	return st
}

// ---- outgoing streams ----

// CanOpenNextOutgoingBidirectionalStream is false only while a blocked open
// waits for peer credit; OnCanCreateNewOutgoingBidirectionalStream follows.
func (s *Session) CanOpenNextOutgoingBidirectionalStream() bool {
	return !s.closed && (s.stashedBidi != nil || !s.openingBidi)
}

func (s *Session) CanOpenNextOutgoingUnidirectionalStream() bool {
	return !s.closed && (s.stashedUni != nil || !s.openingUni)
}

func (s *Session) OpenOutgoingBidirectionalStream() bridge.StreamHandle {
	if s.closed {
		return nil
	}
	st := s.stashedBidi
	s.stashedBidi = nil
	if st == nil {
		var err error
		st, err = s.sess.OpenStream()
		if err != nil {
			s.openBidiWhenAllowed()
			return nil
		}
	}
	return s.wrap(bridge.StreamID(st.StreamID()), st, st)
}

func (s *Session) OpenOutgoingUnidirectionalStream() bridge.StreamHandle {
	if s.closed {
		return nil
	}
	st := s.stashedUni
	s.stashedUni = nil
	if st == nil {
		var err error
		st, err = s.sess.OpenUniStream()
		if err != nil {
			s.openUniWhenAllowed()
			return nil
		}
	}
	return s.wrap(bridge.StreamID(st.StreamID()), nil, st)
}

func (s *Session) openBidiWhenAllowed() {
	if s.openingBidi {
		return
	}
	s.openingBidi = true
	go func() {
		st, err := s.sess.OpenStreamSync(s.ctx)
		s.reactor.Schedule(func() {
			s.openingBidi = false
			if err != nil {
				return
			}
			if s.closed {
				st.CancelRead(0)
				st.CancelWrite(0)
				return
			}
			s.stashedBidi = st
			if s.visitor != nil {
				s.visitor.OnCanCreateNewOutgoingBidirectionalStream()
			}
		})
	}()
}

func (s *Session) openUniWhenAllowed() {
	if s.openingUni {
		return
	}
	s.openingUni = true
	go func() {
		st, err := s.sess.OpenUniStreamSync(s.ctx)
		s.reactor.Schedule(func() {
			s.openingUni = false
			if err != nil {
				return
			}
			if s.closed {
				st.CancelWrite(0)
				return
			}
			s.stashedUni = st
			if s.visitor != nil {
				s.visitor.OnCanCreateNewOutgoingUnidirectionalStream()
			}
		})
	}()
}

func (s *Session) AcceptIncomingBidirectionalStream() bridge.StreamHandle {
	if len(s.incomingBidi) == 0 {
		return nil
	}
	st := s.incomingBidi[0]
	s.incomingBidi = s.incomingBidi[1:]
	return st
}

func (s *Session) AcceptIncomingUnidirectionalStream() bridge.StreamHandle {
	if len(s.incomingUni) == 0 {
		return nil
	}
	st := s.incomingUni[0]
	s.incomingUni = s.incomingUni[1:]
	return st
}

// ---- datagrams ----

func (s *Session) SendOrQueueDatagram(p []byte) bridge.DatagramStatus {
	if s.closed {
		return bridge.DatagramInternalError
	}
	if len(p) > s.MaxDatagramSize() {
		return bridge.DatagramTooLarge
	}
	err := s.sess.SendDatagram(p)
	if err == nil {
		return bridge.DatagramSent
	}
	var tooLarge *quic.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return bridge.DatagramTooLarge
	}
	s.dgramLost.Add(1)
	log.Debug().Err(err).Uint64("session_id", uint64(s.id)).Msg("[quic] datagram not sent")
	return bridge.DatagramDropped
}

func (s *Session) MaxDatagramSize() int {
	return s.cfg.MaxDatagramSize
}

// ---- closing ----

func (s *Session) CloseSession(code uint32, reason string) {
	if s.closed {
		return
	}
	go func() {
		if err := s.sess.CloseWithError(webtransport.SessionErrorCode(code), reason); err != nil {
			log.Debug().Err(err).Uint64("session_id", uint64(s.id)).Msg("[quic] close session")
		}
		s.cancel()
	}()
}

// NotifySessionDraining is not signalled on the wire; webtransport-go has no
// drain capsule API.
func (s *Session) NotifySessionDraining() {
	log.Debug().Uint64("session_id", uint64(s.id)).Msg("[quic] draining requested")
}

// ---- stats ----

// SessionStats reports no RTT samples; webtransport-go does not expose the
// connection's congestion state.
func (s *Session) SessionStats() bridge.EngineSessionStats {
	return bridge.EngineSessionStats{}
}

func (s *Session) DatagramStats() bridge.EngineDatagramStats {
	return bridge.EngineDatagramStats{
		LostOutgoing:    s.dgramLost.Load(),
		DroppedIncoming: s.dgramDropped.Load(),
	}
}

func (s *Session) NegotiatedSubprotocol() string { return s.subprotocol }

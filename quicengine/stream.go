package quicengine

import (
	"errors"
	"io"
	"sync"

	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"

	"gosuda.org/wtbridge/bridge"
)

type receiver interface {
	Read(p []byte) (int, error)
	CancelRead(code webtransport.StreamErrorCode)
}

type sender interface {
	Write(p []byte) (int, error)
	Close() error
	CancelWrite(code webtransport.StreamErrorCode)
}

var writePool bytebufferpool.Pool

// Stream adapts a webtransport-go stream to bridge.StreamHandle. Blocking
// reads and writes run on helper goroutines; their results are posted to the
// reactor, so every bridge.StreamHandle method is non-blocking and must be
// called on the reactor.
type Stream struct {
	reactor *bridge.Reactor
	id      bridge.StreamID
	recv    receiver
	send    sender
	window  int
	chunk   int

	visitor bridge.StreamVisitor
	release func()

	// read side, reactor only
	regions  [][]byte
	fin      bool
	finTaken bool

	// write side, reactor only
	writing  bool
	finSent  bool
	canceled bool

	sendGroup uint64
	sendOrder int64

	// buffered bytes not yet consumed, shared with the read pump
	mu       sync.Mutex
	buffered int
	space    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

var _ bridge.StreamHandle = (*Stream)(nil)

func newStream(r *bridge.Reactor, cfg *bridge.Config, id bridge.StreamID, recv receiver, send sender) *Stream {
	s := &Stream{
		reactor: r,
		id:      id,
		recv:    recv,
		send:    send,
		window:  cfg.StreamReceiveWindow,
		chunk:   cfg.ReadChunkSize,
		space:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	if recv == nil {
		s.fin, s.finTaken = true, true
	}
	if send == nil {
		s.finSent = true
	}
	return s
}

func (s *Stream) start() {
	if s.recv != nil {
		go s.readLoop()
	}
}

func (s *Stream) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Stream) ID() bridge.StreamID { return s.id }

// SetVisitor attaches v. A nil visitor releases the stream: whatever
// direction is still open is cancelled.
func (s *Stream) SetVisitor(v bridge.StreamVisitor) {
	s.visitor = v
	if v != nil {
		if len(s.regions) > 0 || s.fin {
			s.reactor.Schedule(s.notifyReadable)
		}
		return
	}
	if s.recv != nil && !s.finTaken {
		s.recv.CancelRead(0)
	}
	if s.send != nil && !s.finSent && !s.canceled {
		s.canceled = true
		s.send.CancelWrite(0)
	}
	s.stop()
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

func (s *Stream) notifyReadable() {
	if s.visitor != nil {
		s.visitor.OnCanRead()
	}
}

// ---- read side ----

func (s *Stream) readLoop() {
	for {
		if !s.waitForSpace() {
			return
		}
		buf := make([]byte, s.chunk)
		n, err := s.recv.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.mu.Lock()
			s.buffered += n
			s.mu.Unlock()
			s.reactor.Schedule(func() {
				s.regions = append(s.regions, data)
				s.notifyReadable()
			})
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			s.reactor.Schedule(func() {
				s.fin = true
				s.notifyReadable()
			})
			return
		}
		var serr *webtransport.StreamError
		if errors.As(err, &serr) && serr.Remote {
			code := uint32(serr.ErrorCode)
			s.reactor.Schedule(func() {
				if s.visitor != nil {
					s.visitor.OnResetStreamReceived(code)
				}
			})
			return
		}
		// Session-level failures are reported by the session.
		log.Debug().Err(err).Uint64("stream_id", uint64(s.id)).Msg("[quic] stream read ended")
		return
	}
}

// waitForSpace blocks the pump while the consumer lags a full window behind.
func (s *Stream) waitForSpace() bool {
	for {
		s.mu.Lock()
		full := s.buffered >= s.window
		s.mu.Unlock()
		if !full {
			return true
		}
		select {
		case <-s.space:
		case <-s.stopped:
			return false
		}
	}
}

func (s *Stream) PeekNextReadableRegion() ([]byte, bool) {
	if len(s.regions) == 0 {
		return nil, s.fin
	}
	return s.regions[0], s.fin && len(s.regions) == 1
}

func (s *Stream) SkipBytes(n int) bool {
	consumed := 0
	for n > 0 && len(s.regions) > 0 {
		head := s.regions[0]
		if n >= len(head) {
			n -= len(head)
			consumed += len(head)
			s.regions[0] = nil
			s.regions = s.regions[1:]
			continue
		}
		s.regions[0] = head[n:]
		consumed += n
		n = 0
	}
	if consumed > 0 {
		s.mu.Lock()
		s.buffered -= consumed
		s.mu.Unlock()
		select {
		case s.space <- struct{}{}:
		default:
		}
	}
	if s.fin && len(s.regions) == 0 {
		s.finTaken = true
		return true
	}
	return false
}

func (s *Stream) ReadableBytes() int {
	n := 0
	for _, r := range s.regions {
		n += len(r)
	}
	return n
}

// ---- write side ----

// Write copies p and hands it to a writer goroutine. Only one chunk is in
// flight; while it is, Write and SendFin refuse and OnCanWrite follows.
func (s *Stream) Write(p []byte) bool {
	if !s.CanWrite() {
		return false
	}
	s.writing = true
	bb := writePool.Get()
	bb.B = append(bb.B[:0], p...)

	go func() {
		_, err := s.send.Write(bb.B)
		writePool.Put(bb)
		s.reactor.Schedule(func() { s.onWriteDone(err) })
	}()
	return true
}

func (s *Stream) onWriteDone(err error) {
	s.writing = false
	if s.visitor == nil {
		return
	}
	if err != nil {
		var serr *webtransport.StreamError
		if errors.As(err, &serr) && serr.Remote {
			s.canceled = true
			s.visitor.OnStopSendingReceived(uint32(serr.ErrorCode))
			return
		}
		log.Debug().Err(err).Uint64("stream_id", uint64(s.id)).Msg("[quic] stream write failed")
		return
	}
	s.visitor.OnCanWrite()
}

func (s *Stream) SendFin() bool {
	if !s.CanWrite() {
		return false
	}
	s.finSent = true
	if err := s.send.Close(); err != nil {
		log.Debug().Err(err).Uint64("stream_id", uint64(s.id)).Msg("[quic] stream close failed")
	}
	// quic-go does not surface the peer's ack of fin; the write side is
	// treated as done once fin is queued.
	s.reactor.Schedule(func() {
		if s.visitor != nil {
			s.visitor.OnWriteSideInDataRecvdState()
		}
	})
	return true
}

func (s *Stream) CanWrite() bool {
	return s.send != nil && !s.writing && !s.finSent && !s.canceled
}

func (s *Stream) SendStopSending(code uint32) {
	if s.recv == nil || s.finTaken {
		return
	}
	s.finTaken = true
	s.recv.CancelRead(webtransport.StreamErrorCode(code))
}

func (s *Stream) ResetWithUserCode(code uint32) {
	if s.send == nil || s.canceled || s.finSent {
		return
	}
	s.canceled = true
	s.send.CancelWrite(webtransport.StreamErrorCode(code))
}

// SetPriority records the send group and order. webtransport-go schedules
// streams itself, so the values are informational.
func (s *Stream) SetPriority(sendGroup uint64, sendOrder int64) {
	s.sendGroup, s.sendOrder = sendGroup, sendOrder
}

// Priority returns the recorded send group and order.
func (s *Stream) Priority() (uint64, int64) {
	return s.sendGroup, s.sendOrder
}

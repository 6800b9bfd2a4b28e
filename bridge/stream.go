package bridge

import (
	"github.com/rs/zerolog/log"
)

type pendingWrite struct {
	data  []byte
	token any
}

// Stream wraps one engine stream. All methods must run on the reactor.
//
// Each direction terminates exactly once (fin, reset or stop-sending) and the
// consumer sees one StreamNetworkFinish per direction. Every chunk accepted
// by WriteChunk gets exactly one StreamWriteComplete.
type Stream struct {
	session  *Session
	handle   StreamHandle
	id       StreamID
	bidi     bool
	incoming bool

	sendGroup uint64
	sendOrder int64

	writeQueue []pendingWrite

	finRequested        bool
	finSent             bool
	stopSendingReceived bool
	resetReceived       bool
	readPaused          bool
	readDrainRequested  bool

	readDone  bool
	writeDone bool
	detached  bool

	reading       bool
	deferredReset *uint32
}

func newStream(sess *Session, h StreamHandle, bidi, incoming bool, sendGroup uint64, sendOrder int64) *Stream {
	s := &Stream{
		session:   sess,
		handle:    h,
		id:        h.ID(),
		bidi:      bidi,
		incoming:  incoming,
		sendGroup: sendGroup,
		sendOrder: sendOrder,
	}
	if !bidi {
		// A unidirectional stream has only one direction; the other is born closed.
		if incoming {
			s.writeDone = true
		} else {
			s.readDone = true
		}
	}
	h.SetVisitor(s)
	return s
}

// ID returns the engine stream id.
func (s *Stream) ID() StreamID { return s.id }

// Session returns the owning session.
func (s *Stream) Session() *Session { return s.session }

// Bidirectional reports the stream direction.
func (s *Stream) Bidirectional() bool { return s.bidi }

// Incoming reports whether the peer opened the stream.
func (s *Stream) Incoming() bool { return s.incoming }

// Priority returns the send group and send order requested at open time.
func (s *Stream) Priority() (sendGroup uint64, sendOrder int64) {
	return s.sendGroup, s.sendOrder
}

// Live reports whether the engine handle is still attached.
func (s *Stream) Live() bool { return s.handle != nil }

// QueuedWrites returns the number of chunks waiting for engine credit.
func (s *Stream) QueuedWrites() int { return len(s.writeQueue) }

// FinSent reports whether fin was handed to the engine.
func (s *Stream) FinSent() bool { return s.finSent }

func (s *Stream) emit(ev Event) {
	s.session.emit(ev)
}

// ---- read path ----

// PauseReading stops requesting buffers from the engine until ResumeReading or Drain.
func (s *Stream) PauseReading() {
	s.readPaused = true
}

// ResumeReading clears the pause and asks for the next buffer. It is also the
// way a consumer asks again after a non-drained read.
func (s *Stream) ResumeReading() {
	s.readPaused = false
	s.tryRead()
}

// Drain flushes the engine-buffered bytes to the consumer even while paused.
func (s *Stream) Drain() {
	s.readDrainRequested = true
	s.tryRead()
}

// tryRead delivers at most one StreamRead per call.
func (s *Stream) tryRead() {
	if s.handle == nil || s.readDone || s.reading {
		return
	}
	if s.readPaused && !s.readDrainRequested {
		return
	}

	data, fin := s.handle.PeekNextReadableRegion()
	if len(data) == 0 {
		if !fin {
			return
		}
		s.handle.SkipBytes(0)
		s.readDrainRequested = false
		s.emit(StreamRead{Stream: s, Fin: true, Drained: true})
		s.finishRead(FinishFin, 0)
		return
	}

	s.reading = true
	limit := s.session.cfg.ReadChunkSize
	if avail := s.handle.ReadableBytes(); avail > 0 && avail < limit {
		limit = avail
	}
	buf := newBuffer(limit)

	finReached := false
	for {
		n := min(len(data), buf.room(limit))
		buf.append(data[:n])
		finReached = s.handle.SkipBytes(n)
		if s.handle == nil || finReached || buf.room(limit) == 0 {
			break
		}
		data, fin = s.handle.PeekNextReadableRegion()
		if len(data) == 0 {
			if fin {
				finReached = s.handle.SkipBytes(0)
			}
			break
		}
	}
	s.reading = false

	drained := s.handle == nil || s.handle.ReadableBytes() == 0
	if drained {
		s.readDrainRequested = false
	}

	s.emit(StreamRead{Stream: s, Data: buf, Fin: finReached, Drained: drained})

	if finReached {
		s.finishRead(FinishFin, 0)
		return
	}
	if s.deferredReset != nil {
		code := *s.deferredReset
		s.deferredReset = nil
		s.resetReceived = true
		s.finishRead(FinishReset, code)
		return
	}
	if s.readDrainRequested && !drained {
		s.session.reactor.Schedule(s.tryRead)
	}
}

func (s *Stream) finishRead(cause FinishCause, code uint32) {
	if s.readDone {
		return
	}
	s.readDone = true
	s.emit(StreamNetworkFinish{Stream: s, Side: ReadSide, Cause: cause, Code: code})
	s.maybeDetach()
}

// ---- write path ----

// WriteChunk queues p for the engine. token is returned in the matching
// StreamWriteComplete. p must not be modified until then.
func (s *Stream) WriteChunk(p []byte, token any) {
	switch {
	case s.finRequested || s.finSent:
		log.Warn().Uint64("stream_id", uint64(s.id)).Msg("[stream] write after fin rejected")
		s.failWrite(token, ErrWriteAfterFin)
		return
	case s.handle == nil:
		s.failWrite(token, ErrStreamGone)
		return
	case s.writeDone:
		s.failWrite(token, ErrStreamStopped)
		return
	}
	s.writeQueue = append(s.writeQueue, pendingWrite{data: p, token: token})
	s.doCanWrite()
}

// Finish requests fin after every queued chunk.
func (s *Stream) Finish() {
	if s.finRequested || s.writeDone {
		return
	}
	s.finRequested = true
	s.doCanWrite()
}

func (s *Stream) failWrite(token any, err error) {
	s.emit(StreamWriteComplete{Stream: s, Token: token, Err: err})
}

// doCanWrite drains the queue in FIFO order; a refused chunk stays at the head.
func (s *Stream) doCanWrite() {
	if s.handle == nil || s.finSent || s.writeDone {
		return
	}
	for len(s.writeQueue) > 0 {
		head := s.writeQueue[0]
		if !s.handle.Write(head.data) {
			return
		}
		s.writeQueue[0] = pendingWrite{}
		s.writeQueue = s.writeQueue[1:]
		s.emit(StreamWriteComplete{Stream: s, Token: head.token})
		if s.handle == nil || s.writeDone {
			return
		}
	}
	if s.finRequested && !s.finSent {
		if s.handle.SendFin() {
			s.finSent = true
			s.finishWrite(FinishFin, 0)
		}
	}
}

func (s *Stream) failQueued(err error) {
	queue := s.writeQueue
	s.writeQueue = nil
	for _, w := range queue {
		s.failWrite(w.token, err)
	}
}

func (s *Stream) finishWrite(cause FinishCause, code uint32) {
	if s.writeDone {
		return
	}
	s.writeDone = true
	s.failQueued(ErrStreamStopped)
	s.emit(StreamNetworkFinish{Stream: s, Side: WriteSide, Cause: cause, Code: code})
	s.maybeDetach()
}

// ---- local aborts ----

// Reset abandons the write side with code.
func (s *Stream) Reset(code uint32) {
	if s.writeDone {
		return
	}
	if s.handle != nil {
		s.handle.ResetWithUserCode(code)
	}
	s.finishWrite(FinishReset, code)
}

// StopSending asks the peer to stop sending and ends the read side.
func (s *Stream) StopSending(code uint32) {
	if s.readDone {
		return
	}
	if s.handle != nil {
		s.handle.SendStopSending(code)
	}
	s.finishRead(FinishStopSending, code)
}

// SetPriority forwards the WebTransport send group and order to the engine.
func (s *Stream) SetPriority(sendGroup uint64, sendOrder int64) {
	s.sendGroup, s.sendOrder = sendGroup, sendOrder
	if s.handle != nil {
		s.handle.SetPriority(sendGroup, sendOrder)
	}
}

// Close aborts whatever direction is still open and detaches the stream.
func (s *Stream) Close() {
	if s.detached {
		return
	}
	code := s.session.cfg.DefaultStreamErrorCode
	if s.handle != nil {
		if !s.writeDone {
			s.handle.ResetWithUserCode(code)
		}
		if !s.readDone {
			s.handle.SendStopSending(code)
		}
	}
	s.teardown()
}

// ---- engine visitor ----

func (s *Stream) OnCanRead() {
	s.tryRead()
}

func (s *Stream) OnCanWrite() {
	s.doCanWrite()
}

func (s *Stream) OnResetStreamReceived(code uint32) {
	if s.readDone {
		return
	}
	if s.reading {
		// Bytes already peeked are delivered first.
		c := code
		s.deferredReset = &c
		return
	}
	s.resetReceived = true
	s.finishRead(FinishReset, code)
}

func (s *Stream) OnStopSendingReceived(code uint32) {
	s.stopSendingReceived = true
	s.finishWrite(FinishStopSending, code)
}

func (s *Stream) OnWriteSideInDataRecvdState() {
	if s.writeDone {
		return
	}
	s.finSent = true
	s.finishWrite(FinishFin, 0)
}

func (s *Stream) OnStreamClosed() {
	s.teardown()
}

// ---- lifetime ----

func (s *Stream) maybeDetach() {
	if s.readDone && s.writeDone && !s.detached {
		s.teardown()
	}
}

// teardown drops the engine handle, fails queued chunks in order and
// synthesizes the termination signals the engine never delivered.
func (s *Stream) teardown() {
	if s.detached {
		return
	}
	s.detached = true

	h := s.handle
	s.handle = nil
	if h != nil {
		h.SetVisitor(nil)
	}

	s.failQueued(ErrStreamTornDown)

	code := s.session.cfg.DefaultStreamErrorCode
	if !s.readDone {
		s.readDone = true
		s.resetReceived = true
		s.emit(StreamNetworkFinish{Stream: s, Side: ReadSide, Cause: FinishReset, Code: code})
	}
	if !s.writeDone {
		s.writeDone = true
		s.stopSendingReceived = true
		s.emit(StreamNetworkFinish{Stream: s, Side: WriteSide, Cause: FinishStopSending, Code: code})
	}

	log.Debug().
		Uint64("session_id", uint64(s.session.id)).
		Uint64("stream_id", uint64(s.id)).
		Msg("[stream] detached")
	s.session.removeStream(s)
}

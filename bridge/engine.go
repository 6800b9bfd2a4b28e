package bridge

import "time"

// StreamID identifies a stream within a session.
type StreamID uint64

// SessionID identifies a WebTransport session within a dispatcher.
type SessionID uint64

// DatagramStatus is the outcome of SessionHandle.SendOrQueueDatagram.
type DatagramStatus int

const (
	DatagramSent DatagramStatus = iota
	DatagramQueued
	DatagramBlocked
	DatagramTooLarge
	DatagramDropped
	DatagramInternalError
)

func (s DatagramStatus) String() string {
	switch s {
	case DatagramSent:
		return "sent"
	case DatagramQueued:
		return "queued"
	case DatagramBlocked:
		return "blocked"
	case DatagramTooLarge:
		return "too_large"
	case DatagramDropped:
		return "dropped"
	default:
		return "internal_error"
	}
}

// EngineSessionStats is the raw snapshot the engine reports for a session's connection.
type EngineSessionStats struct {
	MinRTT            time.Duration
	SmoothedRTT       time.Duration
	RTTVariation      time.Duration
	EstimatedSendRate uint64 // bits per second
}

// EngineDatagramStats is the raw snapshot of the engine's datagram queue counters.
type EngineDatagramStats struct {
	ExpiredOutgoing uint64
	LostOutgoing    uint64
	DroppedIncoming uint64
}

// SessionHandle is the engine-owned WebTransport session capability set.
// The core never owns a handle; it drops its reference when the engine tears
// the session down.
type SessionHandle interface {
	ID() SessionID
	SetVisitor(v SessionVisitor)

	CanOpenNextOutgoingBidirectionalStream() bool
	CanOpenNextOutgoingUnidirectionalStream() bool
	OpenOutgoingBidirectionalStream() StreamHandle
	OpenOutgoingUnidirectionalStream() StreamHandle
	AcceptIncomingBidirectionalStream() StreamHandle
	AcceptIncomingUnidirectionalStream() StreamHandle

	SendOrQueueDatagram(p []byte) DatagramStatus
	MaxDatagramSize() int

	CloseSession(code uint32, reason string)
	NotifySessionDraining()

	SessionStats() EngineSessionStats
	DatagramStats() EngineDatagramStats
	NegotiatedSubprotocol() string
}

// StreamHandle is the engine-owned stream capability set.
type StreamHandle interface {
	ID() StreamID
	SetVisitor(v StreamVisitor)

	// PeekNextReadableRegion returns the next contiguous readable bytes without
	// consuming them, and whether fin follows them.
	PeekNextReadableRegion() (data []byte, fin bool)
	// SkipBytes consumes n bytes and reports whether fin has been reached.
	SkipBytes(n int) (finReached bool)
	ReadableBytes() int

	// Write hands p to the engine atomically; false means back-pressure.
	Write(p []byte) bool
	SendFin() bool
	CanWrite() bool

	SendStopSending(code uint32)
	ResetWithUserCode(code uint32)
	SetPriority(sendGroup uint64, sendOrder int64)
}

// SessionVisitor receives engine session callbacks on the reactor goroutine.
type SessionVisitor interface {
	OnSessionReady()
	OnSessionClosed(code uint32, message string)
	OnSessionDraining()
	OnIncomingBidirectionalStreamAvailable()
	OnIncomingUnidirectionalStreamAvailable()
	OnDatagramReceived(p []byte)
	OnCanCreateNewOutgoingBidirectionalStream()
	OnCanCreateNewOutgoingUnidirectionalStream()
}

// StreamVisitor receives engine stream callbacks on the reactor goroutine.
type StreamVisitor interface {
	OnCanRead()
	OnCanWrite()
	OnResetStreamReceived(code uint32)
	OnStopSendingReceived(code uint32)
	OnWriteSideInDataRecvdState()
	// OnStreamClosed is raised when the engine destroys the stream; the handle
	// must not be used afterwards.
	OnStreamClosed()
}

// Request is an HTTP/3 request header block plus optional body, as sent by
// the client to establish a session.
type Request struct {
	Header map[string]string
	Body   []byte
	Fin    bool
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := &Request{Fin: r.Fin}
	if r.Header != nil {
		c.Header = make(map[string]string, len(r.Header))
		for k, v := range r.Header {
			c.Header[k] = v
		}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// HandshakeState is the engine connection state polled by the client coordinator.
type HandshakeState int

const (
	HandshakeIdle HandshakeState = iota
	HandshakeInFlight
	HandshakeConfirmed
	HandshakeFailed
)

// ClientConn is the engine-side client connection polled by Client.
type ClientConn interface {
	// StartHandshake begins one handshake attempt.
	StartHandshake() error
	HandshakeState() HandshakeState
	// Session returns the WebTransport session once it was obtained, nil before.
	Session() SessionHandle
	// WebTransportSupport reports whether the peer's settings have been
	// observed and whether they enable WebTransport.
	WebTransportSupport() (settled, supported bool)
	// SendRequest returns false when the request cannot be completed
	// synchronously and must be retained for replay.
	SendRequest(req *Request) bool
	CanReconnectWithDifferentVersion() bool
	ReconnectWithDifferentVersion() error
	Close()
}

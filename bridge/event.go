package bridge

import (
	"context"
	"sync"
)

// Event is a notification from the core to the external consumer. Every
// concrete event type is one of the structs below.
type Event interface {
	Kind() string
	isEvent()
}

// Sink consumes events. Emit is called on the reactor goroutine and must not block.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// StreamSide names a direction of a stream.
type StreamSide int

const (
	ReadSide StreamSide = iota
	WriteSide
)

func (s StreamSide) String() string {
	if s == ReadSide {
		return "read"
	}
	return "write"
}

// FinishCause names how a stream direction terminated.
type FinishCause int

const (
	FinishFin FinishCause = iota
	FinishReset
	FinishStopSending
)

func (c FinishCause) String() string {
	switch c {
	case FinishFin:
		return "fin"
	case FinishReset:
		return "reset"
	default:
		return "stop_sending"
	}
}

type (
	SessionReady struct {
		Session     *Session
		Subprotocol string
	}

	SessionClosed struct {
		Session *Session
		Code    uint32
		Message string
	}

	SessionDraining struct {
		Session *Session
	}

	NewStream struct {
		Session       *Session
		Stream        *Stream
		Bidirectional bool
		Incoming      bool
		SendGroup     uint64
		SendOrder     int64
	}

	// StreamOpenFailed resolves a queued open request that never got credit.
	StreamOpenFailed struct {
		Session       *Session
		Bidirectional bool
		SendGroup     uint64
		SendOrder     int64
		Err           error
	}

	// StreamRead carries Data (nil for a fin-only notification). Drained is
	// true when the engine has no more bytes ready.
	StreamRead struct {
		Stream  *Stream
		Data    *Buffer
		Fin     bool
		Drained bool
	}

	StreamWriteComplete struct {
		Stream *Stream
		Token  any
		Err    error
	}

	StreamNetworkFinish struct {
		Stream *Stream
		Side   StreamSide
		Cause  FinishCause
		Code   uint32
	}

	DatagramReceived struct {
		Session *Session
		Data    *Buffer
	}

	DatagramSendComplete struct {
		Session *Session
		Token   any
		Err     error
	}

	SessionStatsReport struct {
		Session *Session
		Stats   SessionStats
	}

	NewSessionRequest struct {
		Request *SessionRequest
	}

	ClientConnected struct {
		Client *Client
	}

	ConnectionFailed struct {
		Client *Client
		Err    error
	}

	WebTransportSupport struct {
		Client    *Client
		Supported bool
	}

	RequestReplayed struct {
		Client  *Client
		Request *Request
	}

	RequestDropped struct {
		Client  *Client
		Request *Request
		Err     error
	}
)

func (SessionReady) Kind() string         { return "session_ready" }
func (SessionClosed) Kind() string        { return "session_closed" }
func (SessionDraining) Kind() string      { return "session_draining" }
func (NewStream) Kind() string            { return "new_stream" }
func (StreamOpenFailed) Kind() string     { return "stream_open_failed" }
func (StreamRead) Kind() string           { return "stream_read" }
func (StreamWriteComplete) Kind() string  { return "stream_write_complete" }
func (StreamNetworkFinish) Kind() string  { return "stream_network_finish" }
func (DatagramReceived) Kind() string     { return "datagram_received" }
func (DatagramSendComplete) Kind() string { return "datagram_send_complete" }
func (SessionStatsReport) Kind() string   { return "session_stats" }
func (NewSessionRequest) Kind() string    { return "new_session_request" }
func (ClientConnected) Kind() string      { return "client_connected" }
func (ConnectionFailed) Kind() string     { return "connection_failed" }
func (WebTransportSupport) Kind() string  { return "webtransport_support" }
func (RequestReplayed) Kind() string      { return "request_replayed" }
func (RequestDropped) Kind() string       { return "request_dropped" }

func (SessionReady) isEvent()         {}
func (SessionClosed) isEvent()        {}
func (SessionDraining) isEvent()      {}
func (NewStream) isEvent()            {}
func (StreamOpenFailed) isEvent()     {}
func (StreamRead) isEvent()           {}
func (StreamWriteComplete) isEvent()  {}
func (StreamNetworkFinish) isEvent()  {}
func (DatagramReceived) isEvent()     {}
func (DatagramSendComplete) isEvent() {}
func (SessionStatsReport) isEvent()   {}
func (NewSessionRequest) isEvent()    {}
func (ClientConnected) isEvent()      {}
func (ConnectionFailed) isEvent()     {}
func (WebTransportSupport) isEvent()  {}
func (RequestReplayed) isEvent()      {}
func (RequestDropped) isEvent()       {}

// EventQueue is an unbounded Sink whose events are read from C. Emit never
// blocks, so the reactor cannot stall on a slow consumer.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

// NewEventQueue starts the delivery goroutine; it exits when ctx is done or Close is called.
func NewEventQueue(ctx context.Context) *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

// Emit implements Sink.
func (q *EventQueue) Emit(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// C returns the delivery channel. It is closed when the queue stops.
func (q *EventQueue) C() <-chan Event {
	return q.out
}

// Close stops delivery; undelivered events are dropped.
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) run(ctx context.Context) {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}

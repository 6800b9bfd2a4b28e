package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteAfterFin is reported for a chunk submitted after Finish.
	ErrWriteAfterFin = errors.New("bridge: write after fin")
	// ErrStreamGone is reported when the engine stream handle is no longer live.
	ErrStreamGone = errors.New("bridge: stream gone")
	// ErrSessionGone is reported when the engine session handle is no longer live.
	ErrSessionGone = errors.New("bridge: session gone")
	// ErrStreamStopped is reported for queued chunks after the peer sent STOP_SENDING
	// or the stream was reset locally.
	ErrStreamStopped = errors.New("bridge: stream write side stopped")
	// ErrStreamTornDown is reported for queued chunks discarded at teardown.
	ErrStreamTornDown = errors.New("bridge: stream torn down")
	// ErrDatagramTooLarge is reported when the engine refuses a datagram over the size limit.
	ErrDatagramTooLarge = errors.New("bridge: datagram too large")
	// ErrDatagramDropped is reported when the engine drops a datagram.
	ErrDatagramDropped = errors.New("bridge: datagram dropped")
	// ErrHandshakeFailed is reported once the handshake retry budget is exhausted.
	ErrHandshakeFailed = errors.New("bridge: handshake failed")
	// ErrRequestSuperseded is reported for a retained request replaced by a newer one.
	ErrRequestSuperseded = errors.New("bridge: request superseded")
	// ErrClientClosed is reported for operations on a closed client.
	ErrClientClosed = errors.New("bridge: client closed")
	// ErrReactorStopped is returned by Do after Stop and reported for scheduled
	// datagrams that Stop dropped.
	ErrReactorStopped = errors.New("bridge: reactor stopped")
)

// StreamError carries an application error code reported by the engine for a stream.
type StreamError struct {
	Code   uint32
	Remote bool
}

func (e *StreamError) Error() string {
	if e.Remote {
		return fmt.Sprintf("stream error (remote): code %d", e.Code)
	}
	return fmt.Sprintf("stream error (local): code %d", e.Code)
}

// SessionError carries the close code and message of a WebTransport session.
type SessionError struct {
	Code    uint32
	Message string
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session closed: code %d", e.Code)
	}
	return fmt.Sprintf("session closed: code %d: %s", e.Code, e.Message)
}

package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSession is an in-memory SessionHandle. Credit, datagram status and
// incoming streams are set by the test; nothing happens asynchronously.
type fakeSession struct {
	id      SessionID
	visitor SessionVisitor

	bidiCredit  int
	unidiCredit int
	nextStream  StreamID
	opened      []*fakeStream

	incomingBidi  []*fakeStream
	incomingUnidi []*fakeStream

	datagramStatus DatagramStatus
	datagrams      [][]byte
	sendCalls      int
	maxDatagram    int

	closed      bool
	closeCode   uint32
	closeReason string
	draining    bool

	stats       EngineSessionStats
	dgramStats  EngineDatagramStats
	subprotocol string
}

var _ SessionHandle = (*fakeSession)(nil)

func newFakeSession(id SessionID) *fakeSession {
	return &fakeSession{id: id, nextStream: 1, maxDatagram: 1200}
}

func (f *fakeSession) ID() SessionID               { return f.id }
func (f *fakeSession) SetVisitor(v SessionVisitor) { f.visitor = v }

func (f *fakeSession) CanOpenNextOutgoingBidirectionalStream() bool  { return f.bidiCredit > 0 }
func (f *fakeSession) CanOpenNextOutgoingUnidirectionalStream() bool { return f.unidiCredit > 0 }

func (f *fakeSession) OpenOutgoingBidirectionalStream() StreamHandle {
	if f.bidiCredit == 0 {
		return nil
	}
	f.bidiCredit--
	return f.newStream()
}

func (f *fakeSession) OpenOutgoingUnidirectionalStream() StreamHandle {
	if f.unidiCredit == 0 {
		return nil
	}
	f.unidiCredit--
	return f.newStream()
}

func (f *fakeSession) newStream() *fakeStream {
	st := newFakeStream(f.nextStream)
	f.nextStream += 4
	f.opened = append(f.opened, st)
	return st
}

func (f *fakeSession) AcceptIncomingBidirectionalStream() StreamHandle {
	if len(f.incomingBidi) == 0 {
		return nil
	}
	st := f.incomingBidi[0]
	f.incomingBidi = f.incomingBidi[1:]
	return st
}

func (f *fakeSession) AcceptIncomingUnidirectionalStream() StreamHandle {
	if len(f.incomingUnidi) == 0 {
		return nil
	}
	st := f.incomingUnidi[0]
	f.incomingUnidi = f.incomingUnidi[1:]
	return st
}

func (f *fakeSession) SendOrQueueDatagram(p []byte) DatagramStatus {
	f.sendCalls++
	if f.datagramStatus == DatagramSent || f.datagramStatus == DatagramQueued {
		f.datagrams = append(f.datagrams, append([]byte(nil), p...))
	}
	return f.datagramStatus
}

func (f *fakeSession) MaxDatagramSize() int { return f.maxDatagram }

func (f *fakeSession) CloseSession(code uint32, reason string) {
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeSession) NotifySessionDraining() { f.draining = true }

func (f *fakeSession) SessionStats() EngineSessionStats   { return f.stats }
func (f *fakeSession) DatagramStats() EngineDatagramStats { return f.dgramStats }
func (f *fakeSession) NegotiatedSubprotocol() string      { return f.subprotocol }

// peerClosed delivers the engine's close callback.
func (f *fakeSession) peerClosed(code uint32, message string) {
	if f.visitor != nil {
		f.visitor.OnSessionClosed(code, message)
	}
}

// fakeStream is an in-memory StreamHandle. Readable data is a list of
// regions so multi-region reads can be exercised.
type fakeStream struct {
	id      StreamID
	visitor StreamVisitor

	regions [][]byte
	fin     bool
	skipped int

	// writeBudget is the number of further Write calls accepted; -1 is unlimited.
	writeBudget int
	written     [][]byte
	finBlocked  bool
	finSent     bool

	stopSent  []uint32
	resetSent []uint32

	sendGroup uint64
	sendOrder int64
}

var _ StreamHandle = (*fakeStream)(nil)

func newFakeStream(id StreamID) *fakeStream {
	return &fakeStream{id: id, writeBudget: -1}
}

func (f *fakeStream) ID() StreamID               { return f.id }
func (f *fakeStream) SetVisitor(v StreamVisitor) { f.visitor = v }

func (f *fakeStream) PeekNextReadableRegion() ([]byte, bool) {
	if len(f.regions) == 0 {
		return nil, f.fin
	}
	return f.regions[0], f.fin && len(f.regions) == 1
}

func (f *fakeStream) SkipBytes(n int) bool {
	f.skipped += n
	for n > 0 && len(f.regions) > 0 {
		if n >= len(f.regions[0]) {
			n -= len(f.regions[0])
			f.regions = f.regions[1:]
			continue
		}
		f.regions[0] = f.regions[0][n:]
		n = 0
	}
	return f.fin && len(f.regions) == 0
}

func (f *fakeStream) ReadableBytes() int {
	n := 0
	for _, r := range f.regions {
		n += len(r)
	}
	return n
}

func (f *fakeStream) Write(p []byte) bool {
	if f.writeBudget == 0 {
		return false
	}
	if f.writeBudget > 0 {
		f.writeBudget--
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return true
}

func (f *fakeStream) SendFin() bool {
	if f.finBlocked || f.writeBudget == 0 {
		return false
	}
	f.finSent = true
	return true
}

func (f *fakeStream) CanWrite() bool { return f.writeBudget != 0 }

func (f *fakeStream) SendStopSending(code uint32)   { f.stopSent = append(f.stopSent, code) }
func (f *fakeStream) ResetWithUserCode(code uint32) { f.resetSent = append(f.resetSent, code) }

func (f *fakeStream) SetPriority(sendGroup uint64, sendOrder int64) {
	f.sendGroup, f.sendOrder = sendGroup, sendOrder
}

// push makes data readable and notifies the visitor.
func (f *fakeStream) push(data []byte, fin bool) {
	if len(data) > 0 {
		f.regions = append(f.regions, data)
	}
	f.fin = f.fin || fin
	if f.visitor != nil {
		f.visitor.OnCanRead()
	}
}

// recorder collects events in emission order.
type recorder struct {
	events []Event
}

func (r *recorder) Emit(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) reset() { r.events = nil }

func eventsOf[T Event](r *recorder) []T {
	var out []T
	for _, ev := range r.events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) kinds() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ReadChunkSize = 8
	cfg.StreamReceiveWindow = 64
	cfg.DefaultStreamErrorCode = 77
	cfg.DetachSessionCode = 9
	return &cfg
}

type harness struct {
	reactor *Reactor
	cfg     *Config
	rec     *recorder
	engine  *fakeSession
	session *Session
}

// newReadySession returns a session that has already received OnSessionReady.
func newReadySession(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.session.OnSessionReady()
	require.Equal(t, SessionReadyState, h.session.State())
	h.rec.reset()
	return h
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reactor: NewReactor(),
		cfg:     testConfig(),
		rec:     &recorder{},
		engine:  newFakeSession(1),
	}
	h.session = newSession(h.reactor, h.cfg, h.rec, h.engine, "/echo")
	require.Same(t, h.session, h.engine.visitor)
	return h
}

// openBidi opens one outgoing bidirectional stream with credit.
func (h *harness) openBidi(t *testing.T) (*Stream, *fakeStream) {
	t.Helper()
	h.engine.bidiCredit++
	require.True(t, h.session.TryOpenBidiStream(false, 0, 0))
	ns := eventsOf[NewStream](h.rec)
	require.NotEmpty(t, ns)
	st := ns[len(ns)-1].Stream
	fs := h.engine.opened[len(h.engine.opened)-1]
	h.rec.reset()
	return st, fs
}

// acceptBidi delivers one incoming bidirectional stream.
func (h *harness) acceptBidi(t *testing.T, id StreamID) (*Stream, *fakeStream) {
	t.Helper()
	fs := newFakeStream(id)
	h.engine.incomingBidi = append(h.engine.incomingBidi, fs)
	h.session.OnIncomingBidirectionalStreamAvailable()
	ns := eventsOf[NewStream](h.rec)
	require.Len(t, ns, 1)
	require.True(t, ns[0].Incoming)
	h.rec.reset()
	return ns[0].Stream, fs
}

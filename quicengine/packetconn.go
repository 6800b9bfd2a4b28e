package quicengine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"

	"gosuda.org/wtbridge/bridge"
)

var (
	// ErrPacketConnClosed is returned after Close. It matches net.ErrClosed.
	ErrPacketConnClosed = fmt.Errorf("quicengine: packet conn closed: %w", net.ErrClosed)

	packetPool bytebufferpool.Pool
)

const inboundQueueLen = 1024

type inboundPacket struct {
	bb   *bytebufferpool.ByteBuffer
	from net.Addr
}

// PacketConnStats counts packets crossing the external boundary.
type PacketConnStats struct {
	Delivered uint64
	Dropped   uint64
	Writer    bridge.PacketWriterStats
}

// PacketConn is the net.PacketConn handed to quic-go. Inbound packets are
// injected with DeliverPacket by whatever owns the socket; outbound packets
// leave through a bridge.PacketWriter, which may refuse them while blocked.
// WriteTo waits for the writer to become writable again.
type PacketConn struct {
	local  net.Addr
	writer *bridge.PacketWriter

	inbound  chan inboundPacket
	writable chan struct{}
	closed   chan struct{}
	once     sync.Once

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
	deadlineMoved chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

var _ net.PacketConn = (*PacketConn)(nil)

// NewPacketConn returns a conn whose writes go through writer.
func NewPacketConn(local net.Addr, writer *bridge.PacketWriter) *PacketConn {
	c := &PacketConn{
		local:         local,
		writer:        writer,
		inbound:       make(chan inboundPacket, inboundQueueLen),
		writable:      make(chan struct{}, 1),
		closed:        make(chan struct{}),
		deadlineMoved: make(chan struct{}),
	}
	writer.OnWritable(func() {
		select {
		case c.writable <- struct{}{}:
		default:
		}
	})
	return c
}

// ListenUDP binds a UDP socket and pumps it through a PacketConn. Egress is
// paced by cfg.EgressBytesPerSecond.
func ListenUDP(addr string, cfg bridge.Config) (*PacketConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	writer := bridge.NewPacketWriter(cfg, func(p []byte, to net.Addr) (bridge.WriteStatus, error) {
		if _, err := udp.WriteTo(p, to); err != nil {
			return bridge.WriteError, err
		}
		return bridge.WriteOK, nil
	}, nil)

	c := NewPacketConn(udp.LocalAddr(), writer)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := udp.ReadFrom(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Error().Err(err).Msg("[quic] udp read failed")
				}
				c.Close()
				return
			}
			c.DeliverPacket(buf[:n], from)
		}
	}()
	go func() {
		<-c.closed
		udp.Close()
	}()

	log.Info().Str("addr", udp.LocalAddr().String()).Msg("[quic] udp listening")
	return c, nil
}

// DeliverPacket queues an inbound packet. p is copied. Packets are dropped
// when the queue is full, as a socket would.
func (c *PacketConn) DeliverPacket(p []byte, from net.Addr) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	bb := packetPool.Get()
	bb.B = append(bb.B[:0], p...)
	select {
	case c.inbound <- inboundPacket{bb: bb, from: from}:
		c.delivered.Add(1)
		return true
	default:
		packetPool.Put(bb)
		c.dropped.Add(1)
		return false
	}
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		deadline, moved := c.deadline(true)
		timeout, stop, expired := timerFor(deadline)
		if expired {
			return 0, nil, os.ErrDeadlineExceeded
		}

		select {
		case pkt := <-c.inbound:
			stop()
			n := copy(p, pkt.bb.B)
			packetPool.Put(pkt.bb)
			return n, pkt.from, nil
		case <-c.closed:
			stop()
			return 0, nil, ErrPacketConnClosed
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-moved:
			stop()
		}
	}
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	for {
		res := c.writer.WritePacket(p, addr)
		switch res.Status {
		case bridge.WriteOK:
			return res.BytesWritten, nil
		case bridge.WriteError:
			return 0, res.Err
		}

		deadline, moved := c.deadline(false)
		timeout, stop, expired := timerFor(deadline)
		if expired {
			return 0, os.ErrDeadlineExceeded
		}
		select {
		case <-c.writable:
			stop()
		case <-c.closed:
			stop()
			return 0, ErrPacketConnClosed
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-moved:
			stop()
		}
	}
}

// timerFor returns a channel firing at deadline; nil when there is none.
func timerFor(deadline time.Time) (<-chan time.Time, func(), bool) {
	if deadline.IsZero() {
		return nil, func() {}, false
	}
	d := time.Until(deadline)
	if d <= 0 {
		return nil, func() {}, true
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }, false
}

func (c *PacketConn) deadline(read bool) (time.Time, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if read {
		return c.readDeadline, c.deadlineMoved
	}
	return c.writeDeadline, c.deadlineMoved
}

func (c *PacketConn) setDeadlines(read, write *time.Time) {
	c.mu.Lock()
	if read != nil {
		c.readDeadline = *read
	}
	if write != nil {
		c.writeDeadline = *write
	}
	close(c.deadlineMoved)
	c.deadlineMoved = make(chan struct{})
	c.mu.Unlock()
}

func (c *PacketConn) SetDeadline(t time.Time) error {
	c.setDeadlines(&t, &t)
	return nil
}

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.setDeadlines(&t, nil)
	return nil
}

func (c *PacketConn) SetWriteDeadline(t time.Time) error {
	c.setDeadlines(nil, &t)
	return nil
}

func (c *PacketConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr { return c.local }

// Stats returns the packet counters.
func (c *PacketConn) Stats() PacketConnStats {
	return PacketConnStats{
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Writer:    c.writer.Stats(),
	}
}

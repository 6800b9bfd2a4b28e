package bridge

import (
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"gosuda.org/wtbridge/bridge/ratelimit"
)

// WriteStatus is the outcome of a packet write.
type WriteStatus int

const (
	WriteOK WriteStatus = iota
	WriteBlocked
	WriteError
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WriteBlocked:
		return "blocked"
	default:
		return "error"
	}
}

// WriteResult is returned by PacketWriter.WritePacket.
type WriteResult struct {
	Status       WriteStatus
	BytesWritten int
	Err          error
}

// SendFunc is the external send primitive. It reports WriteBlocked when the
// sender cannot take the packet now; the sender must then call
// PacketWriter.SetWritable once it can.
type SendFunc func(p []byte, addr net.Addr) (WriteStatus, error)

var errPacketTooLarge = errors.New("bridge: packet exceeds max packet size")

// PacketWriterStats are cumulative counters of a PacketWriter.
type PacketWriterStats struct {
	Packets       uint64
	Bytes         uint64
	BlockedEvents uint64
	Errors        uint64
}

// PacketWriter adapts the engine's "write this packet" call onto an external
// send function and tracks the blocked state between them.
type PacketWriter struct {
	send          SendFunc
	bucket        *ratelimit.Bucket
	clk           clock.Clock
	maxPacketSize int

	mu         sync.Mutex
	blocked    bool
	unblock    *clock.Timer
	onWritable []func()
	stats      PacketWriterStats
}

// NewPacketWriter builds a writer capped at cfg.EgressBytesPerSecond.
func NewPacketWriter(cfg Config, send SendFunc, clk clock.Clock) *PacketWriter {
	if clk == nil {
		clk = clock.New()
	}
	return &PacketWriter{
		send:          send,
		bucket:        ratelimit.NewBucket(cfg.EgressBytesPerSecond, 0, clk),
		clk:           clk,
		maxPacketSize: cfg.MaxPacketSize,
	}
}

// WritePacket hands p to the external sender unless the writer is blocked.
func (w *PacketWriter) WritePacket(p []byte, addr net.Addr) WriteResult {
	if len(p) > w.maxPacketSize {
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return WriteResult{Status: WriteError, Err: errPacketTooLarge}
	}

	w.mu.Lock()
	if w.blocked {
		w.mu.Unlock()
		return WriteResult{Status: WriteBlocked}
	}
	if ok, wait := w.bucket.TryTake(int64(len(p))); !ok {
		w.blockLocked()
		w.unblock = w.clk.AfterFunc(wait, w.SetWritable)
		w.mu.Unlock()
		return WriteResult{Status: WriteBlocked}
	}
	w.mu.Unlock()

	status, err := w.send(p, addr)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch status {
	case WriteOK:
		w.stats.Packets++
		w.stats.Bytes += uint64(len(p))
		return WriteResult{Status: WriteOK, BytesWritten: len(p)}
	case WriteBlocked:
		w.blockLocked()
		return WriteResult{Status: WriteBlocked}
	default:
		w.stats.Errors++
		log.Debug().Err(err).Int("size", len(p)).Msg("[writer] send failed")
		return WriteResult{Status: WriteError, Err: err}
	}
}

func (w *PacketWriter) blockLocked() {
	if !w.blocked {
		w.blocked = true
		w.stats.BlockedEvents++
	}
}

// IsWriteBlocked reports whether the last write was refused.
func (w *PacketWriter) IsWriteBlocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocked
}

// SetWritable clears the blocked state and runs the registered callbacks.
func (w *PacketWriter) SetWritable() {
	w.mu.Lock()
	if w.unblock != nil {
		w.unblock.Stop()
		w.unblock = nil
	}
	if !w.blocked {
		w.mu.Unlock()
		return
	}
	w.blocked = false
	cbs := w.onWritable
	w.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// OnWritable registers a callback run every time the writer leaves the blocked state.
func (w *PacketWriter) OnWritable(cb func()) {
	w.mu.Lock()
	w.onWritable = append(w.onWritable, cb)
	w.mu.Unlock()
}

// MaxPacketSize returns the largest accepted packet.
func (w *PacketWriter) MaxPacketSize() int {
	return w.maxPacketSize
}

// Stats returns a copy of the counters.
func (w *PacketWriter) Stats() PacketWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

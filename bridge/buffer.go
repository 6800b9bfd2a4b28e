package bridge

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

var bufferPool bytebufferpool.Pool

// Buffer is an owned byte buffer handed to the consumer with a read or
// datagram event. The consumer must call Release exactly once; further
// calls are ignored.
type Buffer struct {
	bb       *bytebufferpool.ByteBuffer
	released atomic.Bool
}

func newBuffer(capacity int) *Buffer {
	bb := bufferPool.Get()
	if cap(bb.B) < capacity {
		bb.B = make([]byte, 0, capacity)
	}
	bb.B = bb.B[:0]
	return &Buffer{bb: bb}
}

func newBufferFrom(p []byte) *Buffer {
	b := newBuffer(len(p))
	b.bb.B = append(b.bb.B, p...)
	return b
}

// Bytes returns the buffer contents. It is invalid after Release.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.bb.B
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	return b == nil || b.released.Load()
}

// Release returns the memory to the pool.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	bufferPool.Put(b.bb)
	b.bb = nil
}

func (b *Buffer) room(limit int) int {
	return limit - len(b.bb.B)
}

func (b *Buffer) append(p []byte) {
	b.bb.B = append(b.bb.B, p...)
}

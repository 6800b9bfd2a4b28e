package bridge

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketWriterBlocksAndResumes(t *testing.T) {
	cfg := DefaultConfig()
	status := WriteBlocked
	var sent [][]byte
	w := NewPacketWriter(cfg, func(p []byte, _ net.Addr) (WriteStatus, error) {
		if status == WriteOK {
			sent = append(sent, p)
		}
		return status, nil
	}, clock.NewMock())

	writable := 0
	w.OnWritable(func() { writable++ })

	res := w.WritePacket([]byte("a"), nil)
	assert.Equal(t, WriteBlocked, res.Status)
	assert.True(t, w.IsWriteBlocked())

	// Blocked writers refuse without calling the sender.
	status = WriteOK
	res = w.WritePacket([]byte("b"), nil)
	assert.Equal(t, WriteBlocked, res.Status)
	assert.Empty(t, sent)

	w.SetWritable()
	w.SetWritable()
	assert.Equal(t, 1, writable)

	res = w.WritePacket([]byte("c"), nil)
	assert.Equal(t, WriteOK, res.Status)
	assert.Equal(t, 1, res.BytesWritten)

	st := w.Stats()
	assert.Equal(t, uint64(1), st.Packets)
	assert.Equal(t, uint64(1), st.BlockedEvents)
}

func TestPacketWriterErrors(t *testing.T) {
	cfg := DefaultConfig()
	boom := errors.New("boom")
	w := NewPacketWriter(cfg, func([]byte, net.Addr) (WriteStatus, error) {
		return WriteError, boom
	}, nil)

	res := w.WritePacket(make([]byte, cfg.MaxPacketSize+1), nil)
	assert.Equal(t, WriteError, res.Status)
	assert.Error(t, res.Err)

	res = w.WritePacket([]byte("x"), nil)
	assert.Equal(t, WriteError, res.Status)
	assert.ErrorIs(t, res.Err, boom)
	assert.False(t, w.IsWriteBlocked())
	assert.Equal(t, uint64(2), w.Stats().Errors)
}

func TestPacketWriterRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EgressBytesPerSecond = 2000
	clk := clock.NewMock()
	packets := 0
	w := NewPacketWriter(cfg, func([]byte, net.Addr) (WriteStatus, error) {
		packets++
		return WriteOK, nil
	}, clk)

	p := make([]byte, 1000)
	require.Equal(t, WriteOK, w.WritePacket(p, nil).Status)
	require.Equal(t, WriteOK, w.WritePacket(p, nil).Status)
	assert.Equal(t, WriteBlocked, w.WritePacket(p, nil).Status)
	assert.True(t, w.IsWriteBlocked())

	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		return !w.IsWriteBlocked()
	}, time.Second, time.Millisecond)
	assert.Equal(t, WriteOK, w.WritePacket(p, nil).Status)
	assert.Equal(t, 3, packets)
}

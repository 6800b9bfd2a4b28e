package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTTWindow(t *testing.T) {
	var w RTTWindow
	assert.Zero(t, w.Average())
	assert.Zero(t, w.Min())

	w.Add(10 * time.Millisecond)
	w.Add(30 * time.Millisecond)
	w.Add(0) // ignored
	assert.Equal(t, 20*time.Millisecond, w.Average())
	assert.Equal(t, 10*time.Millisecond, w.Min())

	for i := 0; i < RTTWindowLen; i++ {
		w.Add(5 * time.Millisecond)
	}
	assert.Equal(t, 5*time.Millisecond, w.Average(), "old samples fall out of the window")

	w.Clear()
	assert.Zero(t, w.Average())
}

func TestLossTrackerObserve(t *testing.T) {
	lt := NewLossTracker()

	lt.Observe(10, 0)
	assert.InDelta(t, 0.0, lt.Get(), 1e-9)

	lt.Observe(20, 5) // 5 of 10 lost
	assert.InDelta(t, 0.25, lt.Get(), 1e-9)

	lt.Observe(20, 5) // no traffic, skipped
	assert.InDelta(t, 0.25, lt.Get(), 1e-9)

	lt.Reset()
	assert.Zero(t, lt.Get())
}

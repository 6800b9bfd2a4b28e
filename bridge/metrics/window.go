// Package metrics smooths connection samples reported by the protocol engine.
package metrics

import "time"

const (
	RTTWindowLen = 16
)

// RTTWindow keeps the most recent RTT samples, newest first. Zero samples are
// treated as missing.
type RTTWindow [RTTWindowLen]time.Duration

func (w *RTTWindow) Add(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	copy(w[1:], w[:])
	w[0] = rtt
}

func (w *RTTWindow) Average() time.Duration {
	var sum time.Duration
	var count int64
	for _, v := range w {
		if v > 0 {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / time.Duration(count)
}

// Min returns the smallest recorded sample.
func (w *RTTWindow) Min() time.Duration {
	var m time.Duration
	for _, v := range w {
		if v > 0 && (m == 0 || v < m) {
			m = v
		}
	}
	return m
}

func (w *RTTWindow) Clear() {
	for i := range w {
		w[i] = 0
	}
}

// Package ratelimit paces egress bytes without blocking the caller.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Bucket is a thread-safe token bucket where tokens are bytes and refill at
// rateBps. Unlike a sleeping limiter it never blocks: TryTake tells the caller
// how long to wait instead, so a single reactor goroutine can use it.
type Bucket struct {
	mu  sync.Mutex
	clk clock.Clock

	rateBps    int64
	tokens     float64
	maxTokens  float64
	lastRefill time.Time

	// Stats
	totalBytes   int64
	throttleHits int64
}

// NewBucket creates a limiter for rateBps with burst bytes. It returns nil for
// a non-positive rate; a nil Bucket admits everything.
func NewBucket(rateBps int64, burst int64, clk clock.Clock) *Bucket {
	if rateBps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rateBps // default burst = 1 second worth
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Bucket{
		clk:        clk,
		rateBps:    rateBps,
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		lastRefill: clk.Now(),
	}
}

// TryTake consumes n bytes if they are available. Otherwise it consumes
// nothing and returns the wait until they will be.
func (b *Bucket) TryTake(n int64) (bool, time.Duration) {
	if b == nil || n <= 0 {
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	needed := float64(n)
	if needed > b.maxTokens {
		// A single request larger than the burst can only ever pass from a full bucket.
		needed = b.maxTokens
	}
	if b.tokens >= needed {
		b.tokens -= needed
		b.totalBytes += n
		return true, 0
	}

	deficit := needed - b.tokens
	wait := time.Duration(deficit / float64(b.rateBps) * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	b.throttleHits++
	log.Debug().
		Int64("bytes_requested", n).
		Int64("rate_bps", b.rateBps).
		Dur("wait_time", wait).
		Msg("[ratelimit] throttling")
	return false, wait
}

func (b *Bucket) refillLocked() {
	now := b.clk.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * float64(b.rateBps)
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// Stats returns total admitted bytes and the number of refusals.
func (b *Bucket) Stats() (totalBytes, throttleHits int64) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes, b.throttleHits
}

// Rate returns the configured bytes per second.
func (b *Bucket) Rate() int64 {
	if b == nil {
		return 0
	}
	return b.rateBps
}

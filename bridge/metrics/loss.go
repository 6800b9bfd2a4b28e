package metrics

// LossTracker is an EWMA over per-interval datagram loss ratios.
type LossTracker struct {
	alpha       float64
	ewma        float64
	sampleCount uint64

	lastSent uint64
	lastLost uint64
}

func NewLossTracker() *LossTracker {
	return &LossTracker{
		alpha: 0.5,
		ewma:  0,
	}
}

func (lt *LossTracker) Update(loss float64) {
	lt.sampleCount++
	if lt.sampleCount == 1 {
		lt.ewma = loss
	} else {
		lt.ewma = lt.alpha*loss + (1-lt.alpha)*lt.ewma
	}
}

// Observe feeds cumulative sent/lost counters and updates the EWMA with the
// loss ratio of the interval since the previous call. Intervals without
// traffic are skipped.
func (lt *LossTracker) Observe(sent, lost uint64) {
	if sent < lt.lastSent || lost < lt.lastLost {
		// Counters restarted underneath us.
		lt.lastSent, lt.lastLost = 0, 0
	}
	ds := sent - lt.lastSent
	dl := lost - lt.lastLost
	lt.lastSent, lt.lastLost = sent, lost
	if ds == 0 {
		return
	}
	ratio := float64(dl) / float64(ds)
	if ratio > 1 {
		ratio = 1
	}
	lt.Update(ratio)
}

func (lt *LossTracker) Get() float64 {
	return lt.ewma
}

func (lt *LossTracker) Reset() {
	lt.ewma = 0
	lt.sampleCount = 0
	lt.lastSent = 0
	lt.lastLost = 0
}

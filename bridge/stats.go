package bridge

import (
	"time"

	"gosuda.org/wtbridge/bridge/metrics"
)

// SessionStats is the snapshot surfaced to the consumer.
type SessionStats struct {
	MinRTT            time.Duration
	SmoothedRTT       time.Duration
	RTTVariation      time.Duration
	AverageRTT        time.Duration // mean over recent snapshots
	EstimatedSendRate uint64        // bits per second

	ExpiredOutgoingDatagrams uint64
	LostOutgoingDatagrams    uint64
	DroppedIncomingDatagrams uint64
	DatagramsSent            uint64
	DatagramsReceived        uint64
	DatagramsFailed          uint64
	DatagramLoss             float64 // EWMA of the lost/sent ratio between snapshots
}

type statsRecorder struct {
	rtt  metrics.RTTWindow
	loss *metrics.LossTracker

	sent     uint64
	received uint64
	failed   uint64

	last SessionStats
}

func newStatsRecorder() statsRecorder {
	return statsRecorder{loss: metrics.NewLossTracker()}
}

func (r *statsRecorder) snapshot(es EngineSessionStats, ds EngineDatagramStats) SessionStats {
	r.rtt.Add(es.SmoothedRTT)
	r.loss.Observe(r.sent, ds.LostOutgoing+ds.ExpiredOutgoing)

	r.last = SessionStats{
		MinRTT:                   es.MinRTT,
		SmoothedRTT:              es.SmoothedRTT,
		RTTVariation:             es.RTTVariation,
		AverageRTT:               r.rtt.Average(),
		EstimatedSendRate:        es.EstimatedSendRate,
		ExpiredOutgoingDatagrams: ds.ExpiredOutgoing,
		LostOutgoingDatagrams:    ds.LostOutgoing,
		DroppedIncomingDatagrams: ds.DroppedIncoming,
		DatagramsSent:            r.sent,
		DatagramsReceived:        r.received,
		DatagramsFailed:          r.failed,
		DatagramLoss:             r.loss.Get(),
	}
	return r.last
}

// final returns the last snapshot with the local counters brought up to date.
func (r *statsRecorder) final() SessionStats {
	s := r.last
	s.DatagramsSent = r.sent
	s.DatagramsReceived = r.received
	s.DatagramsFailed = r.failed
	return s
}

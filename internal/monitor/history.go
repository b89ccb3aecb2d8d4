package monitor

import (
	"math"
	"time"

	"sdwanctl/internal/model"
)

// MaxSamples is the size of the RTT sliding window.
const MaxSamples = 10

// ProbeHistory accumulates probe results for one path. Zero times mean never.
type ProbeHistory struct {
	RTTSamples        []float64 // milliseconds, oldest first
	ProbesSent        uint64
	ProbesReceived    uint64
	LastSequence      uint64
	LastSuccess       time.Time
	LastBandwidth     float64 // Mbps
	LastBandwidthTest time.Time
	// MTU of the carrying interface, 0 when unknown.
	MTU int

	mtuCheckedAt time.Time
}

// AddSample records a successful probe.
func (h *ProbeHistory) AddSample(rttMs float64, now time.Time) {
	h.RTTSamples = append(h.RTTSamples, rttMs)
	if over := len(h.RTTSamples) - MaxSamples; over > 0 {
		h.RTTSamples = append(h.RTTSamples[:0], h.RTTSamples[over:]...)
	}
	h.ProbesReceived++
	h.LastSuccess = now
}

// nextSequence accounts for a probe about to be sent and returns its sequence.
func (h *ProbeHistory) nextSequence() uint64 {
	h.ProbesSent++
	h.LastSequence++
	return h.LastSequence
}

// AvgLatency is the mean of the window, 0 when empty.
func (h *ProbeHistory) AvgLatency() float64 {
	if len(h.RTTSamples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h.RTTSamples {
		sum += v
	}
	return sum / float64(len(h.RTTSamples))
}

// Jitter is the population standard deviation of the window, 0 below two samples.
func (h *ProbeHistory) Jitter() float64 {
	if len(h.RTTSamples) < 2 {
		return 0
	}
	mean := h.AvgLatency()
	var sq float64
	for _, v := range h.RTTSamples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(h.RTTSamples)))
}

// PacketLoss is the percentage of unanswered probes. Received may exceed sent
// (late echoes of earlier probes), in which case loss is 0.
func (h *ProbeHistory) PacketLoss() float64 {
	if h.ProbesSent == 0 {
		return 0
	}
	var lost uint64
	if h.ProbesSent > h.ProbesReceived {
		lost = h.ProbesSent - h.ProbesReceived
	}
	return float64(lost) / float64(h.ProbesSent) * 100
}

// Score combines latency, jitter and loss into 0..100.
func (h *ProbeHistory) Score() uint8 {
	return Score(h.AvgLatency(), h.Jitter(), h.PacketLoss())
}

// Metrics snapshots the history as path metrics measured at now.
func (h *ProbeHistory) Metrics(now time.Time) model.PathMetrics {
	mtu := h.MTU
	if mtu <= 0 {
		mtu = model.DefaultMTU
	}
	return model.PathMetrics{
		LatencyMs:     h.AvgLatency(),
		JitterMs:      h.Jitter(),
		PacketLossPct: h.PacketLoss(),
		BandwidthMbps: h.LastBandwidth,
		MTU:           mtu,
		MeasuredAt:    now,
		Score:         h.Score(),
	}
}

func (h *ProbeHistory) clone() *ProbeHistory {
	c := *h
	c.RTTSamples = append([]float64(nil), h.RTTSamples...)
	return &c
}

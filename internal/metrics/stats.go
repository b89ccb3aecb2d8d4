package metrics

import (
	"math"
	"sort"
	"time"

	"sdwanctl/internal/model"
)

// Summary is a basic statistics snapshot over stored path metrics.
type Summary struct {
	Count            int       `json:"count"`
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	P95LatencyMs     float64   `json:"p95_latency_ms"`
	MinLatencyMs     float64   `json:"min_latency_ms"`
	MaxLatencyMs     float64   `json:"max_latency_ms"`
	AvgJitterMs      float64   `json:"avg_jitter_ms"`
	AvgLossPct       float64   `json:"avg_loss_pct"`
	AvgBandwidthMbps float64   `json:"avg_bandwidth_mbps"`
	AvgScore         float64   `json:"avg_score"`
	MinScore         uint8     `json:"min_score"`
}

// Summarize computes summary metrics for items measured at or after since.
func Summarize(items []model.MetricsSample, since time.Time) Summary {
	filtered := make([]model.PathMetrics, 0, len(items))
	for _, s := range items {
		if !s.Metrics.MeasuredAt.Before(since) {
			filtered = append(filtered, s.Metrics)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumLatency, sumJitter, sumLoss, sumBandwidth, sumScore float64
	minLatency := math.MaxFloat64
	maxLatency := 0.0
	minScore := uint8(math.MaxUint8)
	from := filtered[0].MeasuredAt
	to := filtered[0].MeasuredAt

	for _, m := range filtered {
		values = append(values, m.LatencyMs)
		sumLatency += m.LatencyMs
		sumJitter += m.JitterMs
		sumLoss += m.PacketLossPct
		sumBandwidth += m.BandwidthMbps
		sumScore += float64(m.Score)
		minLatency = math.Min(minLatency, m.LatencyMs)
		maxLatency = math.Max(maxLatency, m.LatencyMs)
		if m.Score < minScore {
			minScore = m.Score
		}
		if m.MeasuredAt.Before(from) {
			from = m.MeasuredAt
		}
		if m.MeasuredAt.After(to) {
			to = m.MeasuredAt
		}
	}

	sort.Float64s(values)
	count := float64(len(filtered))

	return Summary{
		Count:            len(filtered),
		From:             from,
		To:               to,
		AvgLatencyMs:     sumLatency / count,
		P95LatencyMs:     percentile(values, 0.95),
		MinLatencyMs:     minLatency,
		MaxLatencyMs:     maxLatency,
		AvgJitterMs:      sumJitter / count,
		AvgLossPct:       sumLoss / count,
		AvgBandwidthMbps: sumBandwidth / count,
		AvgScore:         sumScore / count,
		MinScore:         minScore,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

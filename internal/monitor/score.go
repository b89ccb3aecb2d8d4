package monitor

import (
	"math"

	"sdwanctl/internal/model"
)

const (
	weightLatency = 0.4
	weightJitter  = 0.3
	weightLoss    = 0.3

	// Loss above this marks a path down regardless of score.
	downLossPct = 50.0
	// Score below this marks a path degraded.
	degradedScore = 50
)

func latencyScore(ms float64) float64 {
	switch {
	case ms < 50:
		return 100
	case ms < 200:
		return 100 * (200 - ms) / 150
	default:
		return 0
	}
}

func jitterScore(ms float64) float64 {
	switch {
	case ms < 5:
		return 100
	case ms < 50:
		return 100 * (50 - ms) / 45
	default:
		return 0
	}
}

// lossScore drops from 50 to 0 at exactly 10% loss.
func lossScore(pct float64) float64 {
	switch {
	case pct < 0.1:
		return 100
	case pct < 10:
		return 100 - pct/10*50
	default:
		return 0
	}
}

// Score returns the weighted health score for the given statistics.
func Score(latencyMs, jitterMs, lossPct float64) uint8 {
	s := weightLatency*latencyScore(latencyMs) +
		weightJitter*jitterScore(jitterMs) +
		weightLoss*lossScore(lossPct)
	s = math.Round(s)
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return uint8(s)
}

// StatusFor derives the path status from a metrics snapshot.
func StatusFor(m model.PathMetrics) model.PathStatus {
	switch {
	case m.PacketLossPct > downLossPct:
		return model.PathDown
	case m.Score < degradedScore:
		return model.PathDegraded
	default:
		return model.PathUp
	}
}

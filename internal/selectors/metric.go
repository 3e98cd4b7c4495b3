package selectors

import "github.com/plexus-labs/plexus/internal/metrics"

// scoreSelector ranks candidates by a score computed from window aggregates.
// Candidates without aggregates are skipped; when none have data (or there is
// no collector at all) the whole selection falls back to random. Ties keep
// the earlier candidate, preserving input order.
type scoreSelector struct {
	name     string
	stats    Stats
	fallback *Random
	// score returns the candidate's score and whether it is usable.
	// Lower is better when asc is true, higher when false.
	score func(a metrics.Aggregates) (float64, bool)
	asc   bool
}

func (s *scoreSelector) Name() string { return s.name }

func (s *scoreSelector) Select(cands []Candidate, previousAttempts map[string]bool) Candidate {
	if s.stats == nil {
		return s.fallback.Select(cands, previousAttempts)
	}

	best := -1
	var bestScore float64
	for i, c := range cands {
		agg, ok := s.stats.Aggregates(c.Provider)
		if !ok {
			continue
		}
		score, usable := s.score(agg)
		if !usable {
			continue
		}
		if best == -1 || (s.asc && score < bestScore) || (!s.asc && score > bestScore) {
			best = i
			bestScore = score
		}
	}
	if best == -1 {
		return s.fallback.Select(cands, previousAttempts)
	}
	return cands[best]
}

// NewCost selects the lowest average cost per 1M tokens.
func NewCost(stats Stats) Selector {
	return &scoreSelector{
		name:     "cost",
		stats:    stats,
		fallback: NewRandom(),
		asc:      true,
		score: func(a metrics.Aggregates) (float64, bool) {
			return a.AvgCostPer1M, a.AvgCostPer1M > 0
		},
	}
}

// NewLatency selects the lowest average latency.
func NewLatency(stats Stats) Selector {
	return &scoreSelector{
		name:     "latency",
		stats:    stats,
		fallback: NewRandom(),
		asc:      true,
		score: func(a metrics.Aggregates) (float64, bool) {
			return a.AvgLatencyMs, a.AvgLatencyMs > 0
		},
	}
}

// NewPerformance selects the highest throughput / (latency · cost); with no
// throughput data the score degrades to 1 / (latency · cost).
func NewPerformance(stats Stats) Selector {
	return &scoreSelector{
		name:     "performance",
		stats:    stats,
		fallback: NewRandom(),
		asc:      false,
		score: func(a metrics.Aggregates) (float64, bool) {
			if a.AvgLatencyMs <= 0 || a.AvgCostPer1M <= 0 {
				return 0, false
			}
			denom := a.AvgLatencyMs * a.AvgCostPer1M
			if a.AvgTokensPerSec > 0 {
				return a.AvgTokensPerSec / denom, true
			}
			return 1 / denom, true
		},
	}
}

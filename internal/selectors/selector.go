// Package selectors implements the target-selection strategies used by the
// router to order an alias's candidate list.
//
// Available strategies:
//   - random:      uniform, or weighted by target weight when set.
//   - in_order:    first candidate not yet attempted.
//   - cost:        lowest average cost per 1M tokens over the metrics window.
//   - latency:     lowest average latency.
//   - performance: highest throughput / (latency · cost).
//
// The metric-driven strategies fall back to random when no window data
// exists for any candidate.
package selectors

import (
	"log/slog"

	"github.com/plexus-labs/plexus/internal/metrics"
)

// Candidate is one (provider, model) pair under consideration.
type Candidate struct {
	Provider string
	Model    string
	Weight   float64
}

// Key returns the attempt-tracking key for the candidate.
func (c Candidate) Key() string { return c.Provider + "/" + c.Model }

// Stats exposes the rolling-window aggregates a selector may consult.
// *metrics.Collector satisfies it.
type Stats interface {
	Aggregates(provider string) (metrics.Aggregates, bool)
}

// Selector picks one candidate from a non-empty list. previousAttempts holds
// candidate keys already tried for this request.
type Selector interface {
	Name() string
	Select(cands []Candidate, previousAttempts map[string]bool) Candidate
}

// ForName resolves a strategy name. Unknown names fall back to random with a
// logged warning; the empty name is random without one.
func ForName(name string, stats Stats, log *slog.Logger) Selector {
	switch name {
	case "", "random":
		return NewRandom()
	case "in_order":
		return InOrder{}
	case "cost":
		return NewCost(stats)
	case "latency":
		return NewLatency(stats)
	case "performance":
		return NewPerformance(stats)
	default:
		log.Warn("unknown selector strategy, using random", "selector", name)
		return NewRandom()
	}
}

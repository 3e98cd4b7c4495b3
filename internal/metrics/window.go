package metrics

import (
	"sort"
	"sync"
	"time"
)

// RequestMetrics is one completed request observation.
type RequestMetrics struct {
	Provider     string
	Timestamp    time.Time
	Success      bool
	LatencyMs    float64
	TTFTMs       *float64 // nil for unary requests
	TokensPerSec *float64 // nil when the stream produced no tokens
	CostPer1M    float64
}

// Aggregates are computed on read over the rolling window.
type Aggregates struct {
	RequestCount    int     `json:"requestCount"`
	SuccessRate     float64 `json:"successRate"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	P50LatencyMs    float64 `json:"p50LatencyMs"`
	P95LatencyMs    float64 `json:"p95LatencyMs"`
	AvgTTFTMs       float64 `json:"avgTtftMs"`
	TTFTSamples     int     `json:"ttftSamples"`
	AvgTokensPerSec float64 `json:"avgTokensPerSec"`
	AvgCostPer1M    float64 `json:"avgCostPer1M"`
}

// Collector keeps an append-only ring of observations per provider, trimmed
// to the window on both write and read. Providers with no recent records
// disappear from reads.
type Collector struct {
	mu     sync.Mutex
	window time.Duration
	rings  map[string][]RequestMetrics
	now    func() time.Time
}

// NewCollector creates a collector with the given rolling window.
func NewCollector(window time.Duration) *Collector {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Collector{
		window: window,
		rings:  make(map[string][]RequestMetrics),
		now:    time.Now,
	}
}

// Record appends one observation. A zero timestamp is filled with now.
func (c *Collector) Record(m RequestMetrics) {
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := append(c.rings[m.Provider], m)
	c.rings[m.Provider] = c.trimLocked(ring)
}

// trimLocked drops records older than the window. Must hold c.mu.
func (c *Collector) trimLocked(ring []RequestMetrics) []RequestMetrics {
	cutoff := c.now().Add(-c.window)
	i := 0
	for i < len(ring) && ring[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return ring
	}
	return append(ring[:0:0], ring[i:]...)
}

// Aggregates computes the window aggregates for one provider. ok is false
// when the provider has no records in the window.
func (c *Collector) Aggregates(provider string) (Aggregates, bool) {
	c.mu.Lock()
	ring := c.trimLocked(c.rings[provider])
	if len(ring) == 0 {
		delete(c.rings, provider)
		c.mu.Unlock()
		return Aggregates{}, false
	}
	c.rings[provider] = ring
	clone := append([]RequestMetrics(nil), ring...)
	c.mu.Unlock()

	return aggregate(clone), true
}

// All computes aggregates for every provider with records in the window.
func (c *Collector) All() map[string]Aggregates {
	c.mu.Lock()
	clones := make(map[string][]RequestMetrics, len(c.rings))
	for provider, ring := range c.rings {
		ring = c.trimLocked(ring)
		if len(ring) == 0 {
			delete(c.rings, provider)
			continue
		}
		c.rings[provider] = ring
		clones[provider] = append([]RequestMetrics(nil), ring...)
	}
	c.mu.Unlock()

	out := make(map[string]Aggregates, len(clones))
	for provider, ring := range clones {
		out[provider] = aggregate(ring)
	}
	return out
}

func aggregate(ring []RequestMetrics) Aggregates {
	a := Aggregates{RequestCount: len(ring)}
	latencies := make([]float64, 0, len(ring))

	var successes int
	var latencySum, ttftSum, tpsSum, costSum float64
	var tpsSamples, costSamples int
	for _, m := range ring {
		if m.Success {
			successes++
		}
		latencySum += m.LatencyMs
		latencies = append(latencies, m.LatencyMs)
		if m.TTFTMs != nil {
			ttftSum += *m.TTFTMs
			a.TTFTSamples++
		}
		if m.TokensPerSec != nil {
			tpsSum += *m.TokensPerSec
			tpsSamples++
		}
		if m.CostPer1M > 0 {
			costSum += m.CostPer1M
			costSamples++
		}
	}

	n := float64(len(ring))
	a.SuccessRate = float64(successes) / n
	a.AvgLatencyMs = latencySum / n
	if a.TTFTSamples > 0 {
		a.AvgTTFTMs = ttftSum / float64(a.TTFTSamples)
	}
	if tpsSamples > 0 {
		a.AvgTokensPerSec = tpsSum / float64(tpsSamples)
	}
	if costSamples > 0 {
		a.AvgCostPer1M = costSum / float64(costSamples)
	}

	sort.Float64s(latencies)
	a.P50LatencyMs = percentile(latencies, 50)
	a.P95LatencyMs = percentile(latencies, 95)
	return a
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

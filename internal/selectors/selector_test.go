package selectors

import (
	"log/slog"
	"math"
	"testing"

	"github.com/plexus-labs/plexus/internal/metrics"
)

type fakeStats map[string]metrics.Aggregates

func (f fakeStats) Aggregates(provider string) (metrics.Aggregates, bool) {
	a, ok := f[provider]
	return a, ok
}

func TestRandomUniform(t *testing.T) {
	r := NewRandom()
	cands := []Candidate{{Provider: "a"}, {Provider: "b"}, {Provider: "c"}}

	counts := map[string]int{}
	const n = 30000
	for i := 0; i < n; i++ {
		counts[r.Select(cands, nil).Provider]++
	}
	for _, c := range cands {
		got := float64(counts[c.Provider]) / n
		if math.Abs(got-1.0/3.0) > 0.02 {
			t.Errorf("provider %s frequency = %.3f, want ~0.333", c.Provider, got)
		}
	}
}

func TestRandomWeighted(t *testing.T) {
	r := NewRandom()
	// Weights 3:1; the unweighted candidate counts as 1.
	cands := []Candidate{{Provider: "heavy", Weight: 3}, {Provider: "light"}}

	counts := map[string]int{}
	const n = 40000
	for i := 0; i < n; i++ {
		counts[r.Select(cands, nil).Provider]++
	}
	got := float64(counts["heavy"]) / n
	if math.Abs(got-0.75) > 0.02 {
		t.Errorf("heavy frequency = %.3f, want ~0.75", got)
	}
}

func TestInOrderSkipsAttempted(t *testing.T) {
	s := InOrder{}
	cands := []Candidate{
		{Provider: "a", Model: "m"},
		{Provider: "b", Model: "m"},
		{Provider: "c", Model: "m"},
	}

	if got := s.Select(cands, nil); got.Provider != "a" {
		t.Errorf("first pick = %s, want a", got.Provider)
	}
	attempted := map[string]bool{"a/m": true}
	if got := s.Select(cands, attempted); got.Provider != "b" {
		t.Errorf("second pick = %s, want b", got.Provider)
	}
	attempted["b/m"] = true
	attempted["c/m"] = true
	if got := s.Select(cands, attempted); got.Provider != "a" {
		t.Errorf("exhausted pick = %s, want a (wraps to first)", got.Provider)
	}
}

func TestCostPicksCheapest(t *testing.T) {
	stats := fakeStats{
		"pricey": {AvgCostPer1M: 12},
		"cheap":  {AvgCostPer1M: 2},
	}
	s := NewCost(stats)
	cands := []Candidate{{Provider: "pricey"}, {Provider: "cheap"}, {Provider: "unknown"}}
	if got := s.Select(cands, nil); got.Provider != "cheap" {
		t.Errorf("pick = %s, want cheap", got.Provider)
	}
}

func TestCostTieKeepsInputOrder(t *testing.T) {
	stats := fakeStats{
		"first":  {AvgCostPer1M: 5},
		"second": {AvgCostPer1M: 5},
	}
	s := NewCost(stats)
	cands := []Candidate{{Provider: "first"}, {Provider: "second"}}
	if got := s.Select(cands, nil); got.Provider != "first" {
		t.Errorf("tie pick = %s, want first", got.Provider)
	}
}

func TestCostFallsBackToRandomWithoutData(t *testing.T) {
	s := NewCost(fakeStats{})
	cands := []Candidate{{Provider: "a"}, {Provider: "b"}}
	got := s.Select(cands, nil)
	if got.Provider != "a" && got.Provider != "b" {
		t.Errorf("unexpected pick %q", got.Provider)
	}

	// Nil collector behaves the same.
	s = NewCost(nil)
	got = s.Select(cands, nil)
	if got.Provider != "a" && got.Provider != "b" {
		t.Errorf("unexpected pick %q", got.Provider)
	}
}

func TestLatencyPicksFastest(t *testing.T) {
	stats := fakeStats{
		"slow": {AvgLatencyMs: 900},
		"fast": {AvgLatencyMs: 120},
	}
	s := NewLatency(stats)
	cands := []Candidate{{Provider: "slow"}, {Provider: "fast"}}
	if got := s.Select(cands, nil); got.Provider != "fast" {
		t.Errorf("pick = %s, want fast", got.Provider)
	}
}

func TestPerformanceScore(t *testing.T) {
	stats := fakeStats{
		// throughput/(latency·cost): 100/(100·2)=0.5 vs 40/(50·1)=0.8
		"a": {AvgLatencyMs: 100, AvgCostPer1M: 2, AvgTokensPerSec: 100},
		"b": {AvgLatencyMs: 50, AvgCostPer1M: 1, AvgTokensPerSec: 40},
	}
	s := NewPerformance(stats)
	cands := []Candidate{{Provider: "a"}, {Provider: "b"}}
	if got := s.Select(cands, nil); got.Provider != "b" {
		t.Errorf("pick = %s, want b", got.Provider)
	}

	// Zero throughput degrades to 1/(latency·cost): 1/200 vs 1/50.
	stats = fakeStats{
		"a": {AvgLatencyMs: 100, AvgCostPer1M: 2},
		"b": {AvgLatencyMs: 50, AvgCostPer1M: 1},
	}
	s = NewPerformance(stats)
	if got := s.Select(cands, nil); got.Provider != "b" {
		t.Errorf("zero-throughput pick = %s, want b", got.Provider)
	}
}

func TestForNameUnknownFallsBack(t *testing.T) {
	s := ForName("fancy-new-strategy", nil, slog.Default())
	if s.Name() != "random" {
		t.Errorf("fallback selector = %s, want random", s.Name())
	}
	for _, name := range []string{"", "random", "in_order", "cost", "latency", "performance"} {
		s := ForName(name, fakeStats{}, slog.Default())
		if s == nil {
			t.Errorf("ForName(%q) returned nil", name)
		}
	}
}

// Package pricing computes per-request cost in USD from token usage.
//
// Rates are resolved through a fallback chain: the target model's configured
// pricing, its tiered-by-input-tokens pricing, a built-in registry of
// well-known models, and finally a fixed estimate. The chosen source is
// labelled on the result so usage rows can tell exact from estimated cost.
package pricing

import (
	"strings"

	plexus "github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/unified"
)

// Source labels where the rates used for a calculation came from.
type Source string

// Rate sources, in fallback order.
const (
	SourceModel    Source = "model"    // model-specific pricing from config
	SourceTiered   Source = "tiered"   // tier matched by input token count
	SourceRegistry Source = "registry" // built-in default for a known model
	SourceEstimate Source = "estimate" // fixed fallback rates
)

// Rates are USD per million tokens.
type Rates struct {
	InputPer1M     float64
	OutputPer1M    float64
	CachedPer1M    float64
	ReasoningPer1M float64
}

// Result is the cost breakdown for one request. All fields are USD.
type Result struct {
	TotalUSD     float64
	InputUSD     float64
	OutputUSD    float64
	CachedUSD    float64
	ReasoningUSD float64
	Source       Source
	Discount     float64
	Rates        Rates
}

// estimateRates is the last-resort fallback when nothing is known about the
// model. Deliberately conservative mid-market numbers.
var estimateRates = Rates{InputPer1M: 1.0, OutputPer1M: 3.0}

// registry holds default rates for well-known model families, matched by
// prefix against the canonical model id.
var registry = []struct {
	prefix string
	rates  Rates
}{
	{"gpt-4o-mini", Rates{InputPer1M: 0.15, OutputPer1M: 0.60, CachedPer1M: 0.075}},
	{"gpt-4o", Rates{InputPer1M: 2.50, OutputPer1M: 10.00, CachedPer1M: 1.25}},
	{"gpt-4.1-mini", Rates{InputPer1M: 0.40, OutputPer1M: 1.60, CachedPer1M: 0.10}},
	{"gpt-4.1", Rates{InputPer1M: 2.00, OutputPer1M: 8.00, CachedPer1M: 0.50}},
	{"o3", Rates{InputPer1M: 2.00, OutputPer1M: 8.00, ReasoningPer1M: 8.00}},
	{"claude-3-5-haiku", Rates{InputPer1M: 0.80, OutputPer1M: 4.00, CachedPer1M: 0.08}},
	{"claude-sonnet", Rates{InputPer1M: 3.00, OutputPer1M: 15.00, CachedPer1M: 0.30}},
	{"claude-opus", Rates{InputPer1M: 15.00, OutputPer1M: 75.00, CachedPer1M: 1.50}},
	{"gemini-2.0-flash", Rates{InputPer1M: 0.10, OutputPer1M: 0.40}},
	{"gemini-1.5-pro", Rates{InputPer1M: 1.25, OutputPer1M: 5.00}},
	{"deepseek", Rates{InputPer1M: 0.27, OutputPer1M: 1.10, CachedPer1M: 0.07}},
}

// Calculator resolves rates and computes request cost.
type Calculator struct{}

// NewCalculator creates a Calculator.
func NewCalculator() *Calculator { return &Calculator{} }

// perM converts a per-million-token rate to a cost for n tokens.
func perM(rate float64, n int) float64 {
	if rate == 0 || n == 0 {
		return 0
	}
	return rate * float64(n) / 1_000_000
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// resolveRates walks the fallback chain for the given model.
func resolveRates(model string, pc *plexus.PricingConfig, inputTokens int) (Rates, Source) {
	if pc != nil {
		if len(pc.Tiers) > 0 {
			tier := pc.Tiers[len(pc.Tiers)-1]
			for _, t := range pc.Tiers {
				if t.MaxInputTokens > 0 && inputTokens <= t.MaxInputTokens {
					tier = t
					break
				}
			}
			return Rates{
				InputPer1M:  tier.InputPer1M,
				OutputPer1M: tier.OutputPer1M,
				CachedPer1M: deref(tier.CachedPer1M),
			}, SourceTiered
		}
		if pc.InputPer1M != nil || pc.OutputPer1M != nil {
			return Rates{
				InputPer1M:     deref(pc.InputPer1M),
				OutputPer1M:    deref(pc.OutputPer1M),
				CachedPer1M:    deref(pc.CachedPer1M),
				ReasoningPer1M: deref(pc.ReasoningPer1M),
			}, SourceModel
		}
	}
	for _, entry := range registry {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.rates, SourceRegistry
		}
	}
	return estimateRates, SourceEstimate
}

// Calculate computes the cost of a request against the given model pricing.
// discount is the provider's multiplier (1 = list price); values <= 0 are
// treated as 1. Cached tokens are billed at the cached rate and excluded
// from the input rate when a cached rate exists.
func (c *Calculator) Calculate(model string, pc *plexus.PricingConfig, discount float64, usage unified.Usage) Result {
	rates, source := resolveRates(model, pc, usage.InputTokens)
	if discount <= 0 {
		discount = 1
	}

	input := usage.InputTokens
	if rates.CachedPer1M > 0 && usage.CachedTokens > 0 && usage.CachedTokens <= input {
		input -= usage.CachedTokens
	}

	r := Result{Source: source, Discount: discount, Rates: rates}
	r.InputUSD = perM(rates.InputPer1M, input) * discount
	r.OutputUSD = perM(rates.OutputPer1M, usage.OutputTokens) * discount
	r.CachedUSD = perM(rates.CachedPer1M, usage.CachedTokens) * discount
	r.ReasoningUSD = perM(rates.ReasoningPer1M, usage.ReasoningTokens) * discount
	r.TotalUSD = r.InputUSD + r.OutputUSD + r.CachedUSD + r.ReasoningUSD
	return r
}

// CostPer1M returns the blended cost per million tokens implied by a result,
// used by the metrics window and the cost selector. Returns 0 when the
// request consumed no tokens.
func CostPer1M(r Result, usage unified.Usage) float64 {
	total := usage.InputTokens + usage.OutputTokens
	if total == 0 {
		return 0
	}
	return r.TotalUSD / float64(total) * 1_000_000
}

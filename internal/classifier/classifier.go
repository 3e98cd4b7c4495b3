// Package classifier scores request complexity for the "auto" model alias.
//
// The Classifier interface is the pluggable contract; Heuristic is the
// bundled implementation. Classification is synchronous, does no I/O, and
// runs in microseconds so it can sit on the routing hot path.
package classifier

import (
	"strings"

	"github.com/plexus-labs/plexus/unified"
)

// Tier buckets a request by the capability it needs.
type Tier string

// Tiers, cheapest first.
const (
	TierHeartbeat Tier = "HEARTBEAT"
	TierSimple    Tier = "SIMPLE"
	TierMedium    Tier = "MEDIUM"
	TierComplex   Tier = "COMPLEX"
	TierReasoning Tier = "REASONING"
)

// Promote returns the next tier up; TierReasoning stays put.
func (t Tier) Promote() Tier {
	switch t {
	case TierHeartbeat:
		return TierSimple
	case TierSimple:
		return TierMedium
	case TierMedium:
		return TierComplex
	default:
		return TierReasoning
	}
}

// AliasKey is the tier_models config key for the tier.
func (t Tier) AliasKey() string { return strings.ToLower(string(t)) }

// Input is the request slice a classifier may inspect.
type Input struct {
	Messages       []unified.Message
	Tools          []unified.Tool
	ResponseFormat *unified.ResponseFormat
}

// Result is the classification outcome.
type Result struct {
	Tier                Tier     `json:"tier"`
	Score               float64  `json:"score"`
	Confidence          float64  `json:"confidence"`
	AgenticScore        float64  `json:"agenticScore"`
	HasStructuredOutput bool     `json:"hasStructuredOutput"`
	Signals             []string `json:"signals"`
	Reasoning           string   `json:"reasoning"`
}

// Classifier scores a request. Implementations must be safe for concurrent
// use and must not block.
type Classifier interface {
	Classify(in Input) Result
}

// Heuristic is a lexical scorer: prompt size, conversation depth, tool
// surface, and a small keyword table drive the score.
type Heuristic struct{}

// reasoningMarkers push a request towards the reasoning tier.
var reasoningMarkers = []string{
	"step by step", "prove", "derive", "theorem", "chain of thought",
	"reason about", "formally", "rigorous",
}

// complexMarkers push a request towards the complex tier.
var complexMarkers = []string{
	"refactor", "architecture", "implement", "debug", "analyze", "analyse",
	"optimize", "optimise", "design a", "trade-off", "tradeoff",
}

// Classify implements Classifier.
func (Heuristic) Classify(in Input) Result {
	var textLen, userTurns int
	var lastUser string
	hasToolResults := false
	for _, m := range in.Messages {
		for _, p := range m.Parts {
			switch p.Type {
			case unified.PartText:
				textLen += len(p.Text)
			case unified.PartToolResult:
				hasToolResults = true
			}
		}
		if m.Role == unified.RoleUser {
			userTurns++
			lastUser = m.Text()
		}
	}
	lower := strings.ToLower(lastUser)

	res := Result{Signals: []string{}}
	score := 0.0

	switch {
	case textLen > 20000:
		score += 0.45
		res.Signals = append(res.Signals, "very_long_prompt")
	case textLen > 4000:
		score += 0.3
		res.Signals = append(res.Signals, "long_prompt")
	case textLen > 800:
		score += 0.15
	}
	if userTurns > 6 {
		score += 0.1
		res.Signals = append(res.Signals, "deep_conversation")
	}
	for _, kw := range complexMarkers {
		if strings.Contains(lower, kw) {
			score += 0.2
			res.Signals = append(res.Signals, "complex_marker")
			break
		}
	}
	reasoning := false
	for _, kw := range reasoningMarkers {
		if strings.Contains(lower, kw) {
			score += 0.35
			reasoning = true
			res.Signals = append(res.Signals, "reasoning_marker")
			break
		}
	}
	if strings.Contains(lastUser, "```") {
		score += 0.1
		res.Signals = append(res.Signals, "code_block")
	}

	if in.ResponseFormat != nil && in.ResponseFormat.Type != "" && in.ResponseFormat.Type != "text" {
		res.HasStructuredOutput = true
		score += 0.1
		res.Signals = append(res.Signals, "structured_output")
	}

	// Agentic signal: a tool surface plus evidence of an ongoing loop.
	agentic := 0.0
	if n := len(in.Tools); n > 0 {
		agentic = 0.4
		if n >= 5 {
			agentic = 0.7
		}
		if hasToolResults {
			agentic += 0.3
		}
		res.Signals = append(res.Signals, "tools")
	}
	if agentic > 1 {
		agentic = 1
	}
	res.AgenticScore = agentic

	if score > 1 {
		score = 1
	}
	res.Score = score

	trimmed := strings.TrimSpace(lower)
	switch {
	case userTurns <= 1 && textLen <= 20 && (trimmed == "ping" || trimmed == "ok" || trimmed == "hi" || trimmed == "hello" || trimmed == "test"):
		res.Tier = TierHeartbeat
	case reasoning || score >= 0.8:
		res.Tier = TierReasoning
	case score >= 0.5:
		res.Tier = TierComplex
	case score >= 0.2:
		res.Tier = TierMedium
	default:
		res.Tier = TierSimple
	}

	// Confidence grows with the distance from the nearest tier boundary.
	res.Confidence = 0.6
	if len(res.Signals) >= 2 {
		res.Confidence = 0.8
	}
	if res.Tier == TierHeartbeat {
		res.Confidence = 0.95
	}
	res.Reasoning = "signals: " + strings.Join(res.Signals, ",")
	return res
}

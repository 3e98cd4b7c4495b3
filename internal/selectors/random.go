package selectors

import (
	"math/rand"
	"sync"
	"time"
)

// Random picks uniformly, or by cumulative weight when any candidate has an
// explicit weight. Missing weights count as 1.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a Random selector with its own seeded source.
func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewSource(time.Now().UnixNano()))} //nolint:gosec
}

func (r *Random) Name() string { return "random" }

func (r *Random) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Select draws from [0, totalWeight) and walks the cumulative weights.
func (r *Random) Select(cands []Candidate, _ map[string]bool) Candidate {
	total := 0.0
	for _, c := range cands {
		total += weightOf(c)
	}
	draw := r.float64() * total
	cumulative := 0.0
	for _, c := range cands {
		cumulative += weightOf(c)
		if draw < cumulative {
			return c
		}
	}
	return cands[len(cands)-1]
}

func weightOf(c Candidate) float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// InOrder returns the first candidate not yet attempted; when every
// candidate has been attempted it returns the first.
type InOrder struct{}

func (InOrder) Name() string { return "in_order" }

func (InOrder) Select(cands []Candidate, previousAttempts map[string]bool) Candidate {
	for _, c := range cands {
		if !previousAttempts[c.Key()] {
			return c
		}
	}
	return cands[0]
}

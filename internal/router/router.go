// Package router resolves an incoming model name into an ordered list of
// healthy upstream targets. It expands aliases, drops disabled or cooling
// targets, applies api-type narrowing, and orders what remains with the
// alias's selector strategy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/classifier"
	"github.com/plexus-labs/plexus/internal/cooldown"
	"github.com/plexus-labs/plexus/internal/selectors"
	"github.com/plexus-labs/plexus/unified"
)

// Resolution failures. Callers match with errors.Is.
var (
	ErrAliasNotFound      = errors.New("model alias not found")
	ErrAllDisabled        = errors.New("all targets disabled")
	ErrAllOnCooldown      = errors.New("all targets on cooldown")
	ErrNoCompatibleTarget = errors.New("no compatible target")
)

// RouteResult is one resolved upstream target, carrying everything the
// dispatcher needs to call it.
type RouteResult struct {
	Provider       string
	ProviderConfig plexus.ProviderConfig
	Model          string
	ModelConfig    *plexus.ModelConfig
	Alias          string
	Weight         float64
	Direct         bool
}

// Key returns the attempt-tracking key for the target.
func (r RouteResult) Key() string { return r.Provider + "/" + r.Model }

// Router resolves model names against the live config snapshot.
type Router struct {
	snapshot   *plexus.Snapshot
	cooldowns  *cooldown.Manager
	stats      selectors.Stats
	classifier classifier.Classifier
	log        *slog.Logger
}

// New creates a Router. stats and clf may be nil; metric selectors then fall
// back to random and the auto alias resolves without classification.
func New(snapshot *plexus.Snapshot, cooldowns *cooldown.Manager, stats selectors.Stats, clf classifier.Classifier, log *slog.Logger) *Router {
	if clf == nil {
		clf = classifier.Heuristic{}
	}
	return &Router{
		snapshot:   snapshot,
		cooldowns:  cooldowns,
		stats:      stats,
		classifier: clf,
		log:        log,
	}
}

// Resolve returns the first candidate for the request's model.
func (r *Router) Resolve(ctx context.Context, req *unified.Request) (RouteResult, error) {
	cands, err := r.ResolveCandidates(ctx, req)
	if err != nil {
		return RouteResult{}, err
	}
	return cands[0], nil
}

// ResolveCandidates resolves the request's model name into an ordered,
// non-empty candidate list, or returns one of the resolution errors.
func (r *Router) ResolveCandidates(ctx context.Context, req *unified.Request) ([]RouteResult, error) {
	return r.resolveCandidates(ctx, req, req.Model, 0)
}

// maxAutoDepth bounds auto → alias recursion against config cycles.
const maxAutoDepth = 4

func (r *Router) resolveCandidates(ctx context.Context, req *unified.Request, modelName string, depth int) ([]RouteResult, error) {
	cfg := r.snapshot.Current()
	log := r.log

	if rest, ok := strings.CutPrefix(modelName, "direct/"); ok {
		return r.resolveDirect(cfg, rest)
	}

	if modelName == "auto" && cfg.Auto != nil && cfg.Auto.Enabled && depth < maxAutoDepth {
		alias, res := r.autoAlias(cfg, req)
		log.Info("auto classification",
			"tier", res.Tier,
			"score", res.Score,
			"agentic_score", res.AgenticScore,
			"alias", alias)
		if alias != "" && alias != "auto" {
			return r.resolveCandidates(ctx, req, alias, depth+1)
		}
	}

	canonical, alias, ok := cfg.ResolveAlias(modelName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAliasNotFound, modelName)
	}

	// Expansion: drop disabled targets and targets of missing or disabled
	// providers.
	enriched := make([]RouteResult, 0, len(alias.Targets))
	for _, t := range alias.Targets {
		if !t.IsEnabled() {
			continue
		}
		pc, ok := cfg.Provider(t.Provider)
		if !ok || !pc.IsEnabled() {
			continue
		}
		res := RouteResult{
			Provider:       t.Provider,
			ProviderConfig: pc,
			Model:          t.Model,
			Alias:          canonical,
			Weight:         t.Weight,
		}
		if mc, ok := cfg.ModelFor(t.Provider, t.Model); ok {
			res.ModelConfig = &mc
		}
		enriched = append(enriched, res)
	}
	if len(enriched) == 0 {
		return nil, fmt.Errorf("%w: alias %q", ErrAllDisabled, canonical)
	}

	healthy := r.filterCooldown(ctx, enriched)
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: alias %q", ErrAllOnCooldown, canonical)
	}

	healthy = r.narrow(healthy, alias, req, canonical)

	sel := selectors.ForName(alias.Selector, r.stats, log)
	return orderBySelector(sel, healthy), nil
}

func (r *Router) resolveDirect(cfg *plexus.Config, rest string) ([]RouteResult, error) {
	provider, model, ok := strings.Cut(rest, "/")
	if !ok || provider == "" || model == "" {
		return nil, fmt.Errorf("%w: malformed direct route %q", ErrNoCompatibleTarget, "direct/"+rest)
	}
	pc, found := cfg.Provider(provider)
	if !found {
		return nil, fmt.Errorf("%w: provider %q", ErrNoCompatibleTarget, provider)
	}
	if !pc.IsEnabled() {
		return nil, fmt.Errorf("%w: provider %q is disabled", ErrAllDisabled, provider)
	}
	res := RouteResult{
		Provider:       provider,
		ProviderConfig: pc,
		Model:          model,
		Direct:         true,
	}
	if mc, ok := cfg.ModelFor(provider, model); ok {
		res.ModelConfig = &mc
	}
	return []RouteResult{res}, nil
}

// autoAlias classifies the request and maps the tier to a configured alias.
// The agentic boost promotes one tier when the score clears the threshold.
func (r *Router) autoAlias(cfg *plexus.Config, req *unified.Request) (string, classifier.Result) {
	res := r.classifier.Classify(classifier.Input{
		Messages:       req.Messages,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
	})
	tier := res.Tier
	if res.AgenticScore > cfg.Auto.AgenticBoostThreshold {
		tier = tier.Promote()
	}
	return cfg.Auto.TierModels[tier.AliasKey()], res
}

// filterCooldown drops cooling targets, preserving order. Providers with
// disable_cooldown bypass inside the manager.
func (r *Router) filterCooldown(ctx context.Context, cands []RouteResult) []RouteResult {
	if r.cooldowns == nil {
		return cands
	}
	keys := make([]cooldown.Key, len(cands))
	for i, c := range cands {
		keys[i] = cooldown.Key{Provider: c.Provider, Model: c.Model}
	}
	healthy := r.cooldowns.FilterHealthy(ctx, keys)
	ok := make(map[cooldown.Key]bool, len(healthy))
	for _, k := range healthy {
		ok[k] = true
	}
	out := cands[:0:0]
	for i, c := range cands {
		if ok[keys[i]] {
			out = append(out, c)
		}
	}
	return out
}

// narrow applies api_match and embeddings narrowing. Either narrowing that
// would empty the list is abandoned with a warning instead.
func (r *Router) narrow(cands []RouteResult, alias plexus.AliasConfig, req *unified.Request, canonical string) []RouteResult {
	if alias.Priority == "api_match" && req.IncomingAPIType != "" {
		kept := cands[:0:0]
		for _, c := range cands {
			if supportsAPIType(c, req.IncomingAPIType) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			r.log.Warn("api_match narrowing left no targets, keeping original set",
				"alias", canonical, "api_type", req.IncomingAPIType)
		} else {
			cands = kept
		}
	}

	if req.IncomingAPIType == unified.APIEmbeddings || alias.Type == "embeddings" {
		kept := cands[:0:0]
		for _, c := range cands {
			if c.ModelConfig == nil || c.ModelConfig.Type == "" || c.ModelConfig.Type == "embeddings" {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			r.log.Warn("embeddings narrowing left no targets, keeping original set",
				"alias", canonical)
		} else {
			cands = kept
		}
	}
	return cands
}

// supportsAPIType reports whether the target can serve the api type, via the
// model's access_via list or the provider's base-url keys.
func supportsAPIType(c RouteResult, apiType unified.APIType) bool {
	if c.ModelConfig != nil && len(c.ModelConfig.AccessVia) > 0 {
		for _, t := range c.ModelConfig.AccessVia {
			if t == apiType {
				return true
			}
		}
		return false
	}
	types := c.ProviderConfig.APIBaseURL.APITypes()
	if len(types) == 0 {
		// Single-URL providers take anything; the dispatcher transforms.
		return true
	}
	for _, t := range types {
		if t == apiType {
			return true
		}
	}
	return false
}

// orderBySelector builds the full failover order by repeated selection with
// removal, so the selector's preference holds across the entire list.
func orderBySelector(sel selectors.Selector, cands []RouteResult) []RouteResult {
	if len(cands) <= 1 {
		return cands
	}
	pool := make([]selectors.Candidate, len(cands))
	byKey := make(map[string]RouteResult, len(cands))
	for i, c := range cands {
		pool[i] = selectors.Candidate{Provider: c.Provider, Model: c.Model, Weight: c.Weight}
		byKey[c.Key()] = c
	}
	ordered := make([]RouteResult, 0, len(cands))
	for len(pool) > 0 {
		pick := sel.Select(pool, nil)
		ordered = append(ordered, byKey[pick.Provider+"/"+pick.Model])
		next := pool[:0]
		for _, c := range pool {
			if c.Provider != pick.Provider || c.Model != pick.Model {
				next = append(next, c)
			}
		}
		pool = next
	}
	return ordered
}

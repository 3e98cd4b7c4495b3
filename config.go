// Package plexus holds the gateway configuration model and the immutable
// snapshot mechanism used to share it across in-flight requests.
//
// A Config is loaded from a YAML or JSON file with [LoadConfig], checked with
// [ValidateConfig], and published through a [Snapshot] so that hot reloads
// swap the whole view atomically while running requests keep the version they
// captured at ingress.
package plexus

import (
	"fmt"

	"github.com/plexus-labs/plexus/unified"
)

// Config is the root of the gateway configuration file.
type Config struct {
	// Providers maps provider name to its upstream configuration.
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	// Models maps a client-facing alias to its routing entry.
	Models map[string]AliasConfig `json:"models" yaml:"models"`
	// Cooldown controls the exponential backoff applied to failing targets.
	Cooldown CooldownConfig `json:"cooldown" yaml:"cooldown"`
	// Failover controls retry behaviour across candidate targets.
	Failover FailoverConfig `json:"failover" yaml:"failover"`
	// Auto configures the complexity-classified "auto" model alias.
	Auto *AutoConfig `json:"auto,omitempty" yaml:"auto,omitempty"`
	// APIKeys lists the client keys accepted at ingress.
	APIKeys []APIKeyConfig `json:"apiKeys,omitempty" yaml:"apiKeys,omitempty"`
	// Metrics configures the rolling per-provider aggregation window.
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	// Usage configures the persistent usage/error log store.
	Usage StoreConfig `json:"usage,omitempty" yaml:"usage,omitempty"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Enabled          *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"` // default true
	APIBaseURL       BaseURL           `json:"api_base_url" yaml:"api_base_url"`
	APIKey           string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ExtraBody        map[string]any    `json:"extraBody,omitempty" yaml:"extraBody,omitempty"`
	DisableCooldown  bool              `json:"disable_cooldown,omitempty" yaml:"disable_cooldown,omitempty"`
	Discount         float64           `json:"discount,omitempty" yaml:"discount,omitempty"` // default 1.0
	ForceTransformer unified.APIType   `json:"force_transformer,omitempty" yaml:"force_transformer,omitempty"`
	Models           ModelMap          `json:"models,omitempty" yaml:"models,omitempty"`
}

// IsEnabled reports whether the provider accepts traffic (enabled defaults to true).
func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// DiscountFactor returns the configured discount multiplier, defaulting to 1.
func (p ProviderConfig) DiscountFactor() float64 {
	if p.Discount <= 0 {
		return 1
	}
	return p.Discount
}

// BaseURL is either a single URL string or a map from API type to URL, with
// an optional "default" key.
type BaseURL struct {
	URL    string
	PerAPI map[string]string
}

// UnmarshalYAML accepts both the string and the map form.
func (b *BaseURL) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		b.URL = s
		return nil
	}
	var m map[string]string
	if err := unmarshal(&m); err != nil {
		return fmt.Errorf("api_base_url must be a string or a map of api type to url: %w", err)
	}
	b.PerAPI = m
	return nil
}

// UnmarshalJSON accepts both the string and the map form.
func (b *BaseURL) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return jsonUnmarshal(data, &b.URL)
	}
	return jsonUnmarshal(data, &b.PerAPI)
}

// IsZero reports whether no base URL was configured at all.
func (b BaseURL) IsZero() bool { return b.URL == "" && len(b.PerAPI) == 0 }

// Resolve returns the URL to use for the given API type. For the map form the
// lookup order is the api type key, then "default", then any entry;
// fellBack is true for the last case. Trailing slashes are stripped.
func (b BaseURL) Resolve(apiType unified.APIType) (url string, ok bool, fellBack bool) {
	if b.URL != "" {
		return trimTrailingSlash(b.URL), true, false
	}
	if u, found := b.PerAPI[string(apiType)]; found {
		return trimTrailingSlash(u), true, false
	}
	if u, found := b.PerAPI["default"]; found {
		return trimTrailingSlash(u), true, false
	}
	for _, u := range b.PerAPI {
		return trimTrailingSlash(u), true, true
	}
	return "", false, false
}

// APITypes returns the API types the map form declares (excluding "default").
// The string form declares none; callers fall back to the incoming type.
func (b BaseURL) APITypes() []unified.APIType {
	if len(b.PerAPI) == 0 {
		return nil
	}
	types := make([]unified.APIType, 0, len(b.PerAPI))
	for k := range b.PerAPI {
		if k == "default" {
			continue
		}
		types = append(types, unified.APIType(k))
	}
	return types
}

func trimTrailingSlash(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}

// ModelMap maps a model id to its configuration. The YAML form may also be a
// bare list of model ids, which maps every id to a zero ModelConfig.
type ModelMap map[string]ModelConfig

// UnmarshalYAML accepts both the map form and the list-of-ids form.
func (m *ModelMap) UnmarshalYAML(unmarshal func(any) error) error {
	var asMap map[string]ModelConfig
	if err := unmarshal(&asMap); err == nil {
		*m = asMap
		return nil
	}
	var asList []string
	if err := unmarshal(&asList); err != nil {
		return fmt.Errorf("models must be a map of model id to config or a list of model ids: %w", err)
	}
	out := make(ModelMap, len(asList))
	for _, id := range asList {
		out[id] = ModelConfig{}
	}
	*m = out
	return nil
}

// ModelConfig describes one model offered by a provider.
type ModelConfig struct {
	// Type is the model class: "chat", "embeddings", "images", "speech", …
	// Empty means chat.
	Type      string            `json:"type,omitempty" yaml:"type,omitempty"`
	AccessVia []unified.APIType `json:"access_via,omitempty" yaml:"access_via,omitempty"`
	Pricing   *PricingConfig    `json:"pricing,omitempty" yaml:"pricing,omitempty"`
}

// PricingConfig holds per-million-token rates, either flat or tiered by
// input token count.
type PricingConfig struct {
	InputPer1M     *float64      `json:"inputPer1M,omitempty" yaml:"inputPer1M,omitempty"`
	OutputPer1M    *float64      `json:"outputPer1M,omitempty" yaml:"outputPer1M,omitempty"`
	CachedPer1M    *float64      `json:"cachedPer1M,omitempty" yaml:"cachedPer1M,omitempty"`
	ReasoningPer1M *float64      `json:"reasoningPer1M,omitempty" yaml:"reasoningPer1M,omitempty"`
	Tiers          []PricingTier `json:"tiers,omitempty" yaml:"tiers,omitempty"`
}

// PricingTier applies up to MaxInputTokens input tokens; tiers are matched in
// order and the last tier catches everything when MaxInputTokens is zero.
type PricingTier struct {
	MaxInputTokens int      `json:"maxInputTokens,omitempty" yaml:"maxInputTokens,omitempty"`
	InputPer1M     float64  `json:"inputPer1M" yaml:"inputPer1M"`
	OutputPer1M    float64  `json:"outputPer1M" yaml:"outputPer1M"`
	CachedPer1M    *float64 `json:"cachedPer1M,omitempty" yaml:"cachedPer1M,omitempty"`
}

// AliasConfig maps a client-facing model name to an ordered target list.
type AliasConfig struct {
	Selector          string      `json:"selector,omitempty" yaml:"selector,omitempty"` // default random
	Priority          string      `json:"priority,omitempty" yaml:"priority,omitempty"` // "api_match" or empty
	AdditionalAliases []string    `json:"additional_aliases,omitempty" yaml:"additional_aliases,omitempty"`
	Type              string      `json:"type,omitempty" yaml:"type,omitempty"`
	Targets           []TargetRef `json:"targets" yaml:"targets"`
}

// TargetRef names one (provider, model) pair inside an alias.
type TargetRef struct {
	Provider string  `json:"provider" yaml:"provider"`
	Model    string  `json:"model" yaml:"model"`
	Enabled  *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"` // default true
	Weight   float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// IsEnabled reports whether the target accepts traffic (enabled defaults to true).
func (t TargetRef) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// CooldownConfig bounds the exponential backoff window.
type CooldownConfig struct {
	InitialMinutes int `json:"initialMinutes,omitempty" yaml:"initialMinutes,omitempty"` // default 2
	MaxMinutes     int `json:"maxMinutes,omitempty" yaml:"maxMinutes,omitempty"`         // default 300
}

// FailoverConfig controls cross-target retries.
type FailoverConfig struct {
	Enabled              *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"` // default true
	MaxAttempts          int      `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	RetryableStatusCodes []int    `json:"retryableStatusCodes,omitempty" yaml:"retryableStatusCodes,omitempty"`
	RetryableErrors      []string `json:"retryableErrors,omitempty" yaml:"retryableErrors,omitempty"`
	// RequestTimeoutSeconds is the per-attempt timeout for unary calls.
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds,omitempty" yaml:"requestTimeoutSeconds,omitempty"` // default 120
}

// IsEnabled reports whether failover is active (enabled defaults to true).
func (f FailoverConfig) IsEnabled() bool { return f.Enabled == nil || *f.Enabled }

// AutoConfig configures the classifier-backed "auto" alias.
type AutoConfig struct {
	Enabled               bool              `json:"enabled" yaml:"enabled"`
	TierModels            map[string]string `json:"tier_models" yaml:"tier_models"`
	AgenticBoostThreshold float64           `json:"agentic_boost_threshold,omitempty" yaml:"agentic_boost_threshold,omitempty"` // default 0.8
}

// APIKeyConfig is one client key accepted by the ingress auth middleware.
type APIKeyConfig struct {
	Name    string `json:"name" yaml:"name"`
	Secret  string `json:"secret" yaml:"secret"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// MetricsConfig sizes the rolling aggregation window.
type MetricsConfig struct {
	WindowMinutes int `json:"windowMinutes,omitempty" yaml:"windowMinutes,omitempty"` // default 10
}

// StoreConfig selects the persistence backend for cooldowns and usage logs.
type StoreConfig struct {
	// Driver is "sqlite" (default), "postgres", or "none".
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// ResolveAlias looks up an alias by its canonical key or any of its
// additional aliases, returning the canonical key.
func (c *Config) ResolveAlias(name string) (canonical string, alias AliasConfig, ok bool) {
	if a, found := c.Models[name]; found {
		return name, a, true
	}
	for key, a := range c.Models {
		for _, extra := range a.AdditionalAliases {
			if extra == name {
				return key, a, true
			}
		}
	}
	return "", AliasConfig{}, false
}

// ModelFor returns the model config for a (provider, model) pair, if present.
func (c *Config) ModelFor(provider, model string) (ModelConfig, bool) {
	p, ok := c.Providers[provider]
	if !ok {
		return ModelConfig{}, false
	}
	mc, ok := p.Models[model]
	return mc, ok
}

// CooldownWorthy reports whether an upstream status should open a cooldown
// for the target. Client errors like 400/413/422 never do.
func CooldownWorthy(status int) bool {
	switch status {
	case 401, 403, 408, 429:
		return true
	}
	return status >= 500
}

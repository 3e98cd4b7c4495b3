package plexus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Defaults applied by LoadConfig when the file omits the fields.
const (
	DefaultCooldownInitialMinutes = 2
	DefaultCooldownMaxMinutes     = 300
	DefaultRequestTimeoutSeconds  = 120
	DefaultMetricsWindowMinutes   = 10
	DefaultAgenticBoostThreshold  = 0.8
)

// DefaultRetryableStatusCodes is the failover retry set when none is configured.
var DefaultRetryableStatusCodes = []int{429, 500, 502, 503, 504}

// DefaultRetryableErrors is the network error set when none is configured.
var DefaultRetryableErrors = []string{"ECONNREFUSED", "ETIMEDOUT", "ENOTFOUND"}

// LoadConfig reads and parses a config file from the given path and applies
// defaults. Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Cooldown.InitialMinutes <= 0 {
		cfg.Cooldown.InitialMinutes = DefaultCooldownInitialMinutes
	}
	if cfg.Cooldown.MaxMinutes <= 0 {
		cfg.Cooldown.MaxMinutes = DefaultCooldownMaxMinutes
	}
	if len(cfg.Failover.RetryableStatusCodes) == 0 {
		cfg.Failover.RetryableStatusCodes = append([]int(nil), DefaultRetryableStatusCodes...)
	}
	if len(cfg.Failover.RetryableErrors) == 0 {
		cfg.Failover.RetryableErrors = append([]string(nil), DefaultRetryableErrors...)
	}
	if cfg.Failover.RequestTimeoutSeconds <= 0 {
		cfg.Failover.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	if cfg.Metrics.WindowMinutes <= 0 {
		cfg.Metrics.WindowMinutes = DefaultMetricsWindowMinutes
	}
	if cfg.Auto != nil && cfg.Auto.AgenticBoostThreshold <= 0 {
		cfg.Auto.AgenticBoostThreshold = DefaultAgenticBoostThreshold
	}
}

// knownSelectors are the selector strategies the router understands.
var knownSelectors = map[string]bool{
	"":            true, // defaults to random
	"random":      true,
	"in_order":    true,
	"cost":        true,
	"latency":     true,
	"performance": true,
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range cfg.Providers {
		if p.APIBaseURL.IsZero() {
			return fmt.Errorf("provider %q: api_base_url is required", name)
		}
	}

	for alias, a := range cfg.Models {
		if len(a.Targets) == 0 {
			return fmt.Errorf("alias %q: targets must be non-empty", alias)
		}
		if !knownSelectors[a.Selector] {
			return fmt.Errorf("alias %q: unknown selector %q", alias, a.Selector)
		}
		if a.Priority != "" && a.Priority != "api_match" {
			return fmt.Errorf("alias %q: unknown priority %q", alias, a.Priority)
		}
		for _, t := range a.Targets {
			if t.Provider == "" || t.Model == "" {
				return fmt.Errorf("alias %q: every target needs provider and model", alias)
			}
			if _, ok := cfg.Providers[t.Provider]; !ok {
				return fmt.Errorf("alias %q: unknown provider %q", alias, t.Provider)
			}
			if t.Weight < 0 {
				return fmt.Errorf("alias %q: target %s/%s has negative weight", alias, t.Provider, t.Model)
			}
		}
		for _, extra := range a.AdditionalAliases {
			if _, clash := cfg.Models[extra]; clash {
				return fmt.Errorf("alias %q: additional alias %q collides with a canonical alias", alias, extra)
			}
		}
	}

	// An additional alias may not be claimed by two canonical entries.
	claimed := make(map[string]string)
	for alias, a := range cfg.Models {
		for _, extra := range a.AdditionalAliases {
			if owner, dup := claimed[extra]; dup {
				return fmt.Errorf("additional alias %q claimed by both %q and %q", extra, owner, alias)
			}
			claimed[extra] = alias
		}
	}

	if cfg.Auto != nil && cfg.Auto.Enabled {
		if len(cfg.Auto.TierModels) == 0 {
			return fmt.Errorf("auto: tier_models is required when auto is enabled")
		}
		for tier, alias := range cfg.Auto.TierModels {
			if _, _, ok := cfg.ResolveAlias(alias); !ok {
				return fmt.Errorf("auto: tier %q points at unknown alias %q", tier, alias)
			}
		}
	}

	for i, k := range cfg.APIKeys {
		if k.Secret == "" {
			return fmt.Errorf("apiKeys[%d]: secret is required", i)
		}
	}

	switch cfg.Usage.Driver {
	case "", "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("usage: unknown driver %q", cfg.Usage.Driver)
	}

	return nil
}

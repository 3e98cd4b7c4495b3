// Package ratelimit extracts cooldown durations from provider rate-limit
// error payloads and Retry-After headers.
package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Parser inspects a raw upstream error payload and returns the cooldown
// duration it advertises, if any.
type Parser func(body []byte) (time.Duration, bool)

// Registry maps provider type to its parser. Unregistered providers use the
// default parser.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates an empty registry; Parse falls back to ParseResetAfter.
func NewRegistry() *Registry {
	return &Registry{parsers: map[string]Parser{}}
}

// Register binds a parser to a provider type, replacing any existing one.
func (r *Registry) Register(providerType string, p Parser) {
	r.parsers[providerType] = p
}

// Parse runs the provider's parser, falling back to the default.
func (r *Registry) Parse(providerType string, body []byte) (time.Duration, bool) {
	if p, ok := r.parsers[providerType]; ok {
		return p(body)
	}
	return ParseResetAfter(body)
}

// The "reset after Nx" grammar: seconds tried before minutes before hours so
// the most precise unit wins when a body mentions several.
var (
	resetSeconds = regexp.MustCompile(`(?i)reset\s*after\s*(\d+)\s*(?:s|secs?|seconds?)\b`)
	resetMinutes = regexp.MustCompile(`(?i)reset\s*after\s*(\d+)\s*(?:m|mins?|minutes?)\b`)
	resetHours   = regexp.MustCompile(`(?i)reset\s*after\s*(\d+)\s*(?:h|hrs?|hours?)\b`)
)

// ParseResetAfter is the built-in parser recognising "reset after Nx" forms,
// case-insensitive, with optional whitespace.
func ParseResetAfter(body []byte) (time.Duration, bool) {
	if m := resetSeconds.FindSubmatch(body); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	if m := resetMinutes.FindSubmatch(body); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return time.Duration(n) * time.Minute, true
		}
	}
	if m := resetHours.FindSubmatch(body); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return time.Duration(n) * time.Hour, true
		}
	}
	return 0, false
}

// ParseRetryAfter reads an HTTP Retry-After header, accepting both the
// delta-seconds and the HTTP-date forms. The header, when present, takes
// precedence over anything found in the body.
func ParseRetryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

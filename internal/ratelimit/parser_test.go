package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseResetAfter(t *testing.T) {
	cases := []struct {
		body string
		want time.Duration
		ok   bool
	}{
		{"rate limited, reset after 20s", 20 * time.Second, true},
		{"Reset After 5 seconds", 5 * time.Second, true},
		{"RESET AFTER 2 sec", 2 * time.Second, true},
		{"reset after 3 minutes", 3 * time.Minute, true},
		{"reset after 3m", 3 * time.Minute, true},
		{"reset after 1 min", time.Minute, true},
		{"reset after 2 hours", 2 * time.Hour, true},
		{"reset after 1hr", time.Hour, true},
		{"reset after1h", time.Hour, true},
		{"quota exceeded, retry later", 0, false},
		{"reset after soon", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseResetAfter([]byte(tc.body))
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseResetAfter(%q) = (%v, %v), want (%v, %v)", tc.body, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSecondsWinOverLargerUnits(t *testing.T) {
	got, ok := ParseResetAfter([]byte("reset after 30s, or reset after 2 minutes at the latest"))
	if !ok || got != 30*time.Second {
		t.Errorf("got (%v, %v), want 30s", got, ok)
	}
}

func TestRegistryCustomParser(t *testing.T) {
	r := NewRegistry()
	r.Register("acme", func([]byte) (time.Duration, bool) { return 7 * time.Second, true })

	if d, ok := r.Parse("acme", []byte("whatever")); !ok || d != 7*time.Second {
		t.Errorf("custom parser not used: (%v, %v)", d, ok)
	}
	// Unregistered providers fall back to the built-in grammar.
	if d, ok := r.Parse("other", []byte("reset after 9s")); !ok || d != 9*time.Second {
		t.Errorf("default parser not used: (%v, %v)", d, ok)
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	if _, ok := ParseRetryAfter(h); ok {
		t.Error("missing header should not parse")
	}

	h.Set("Retry-After", "15")
	if d, ok := ParseRetryAfter(h); !ok || d != 15*time.Second {
		t.Errorf("delta-seconds form: (%v, %v)", d, ok)
	}

	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	d, ok := ParseRetryAfter(h)
	if !ok || d < 80*time.Second || d > 91*time.Second {
		t.Errorf("http-date form: (%v, %v)", d, ok)
	}

	h.Set("Retry-After", "garbage")
	if _, ok := ParseRetryAfter(h); ok {
		t.Error("garbage header should not parse")
	}
}

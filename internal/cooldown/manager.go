// Package cooldown tracks per-(provider, model) failure state with
// exponential backoff and persists it across restarts.
//
// Each key moves Absent → OnCooldown(n) → Absent, either by expiry or by an
// explicit success. The in-memory map is the authority during a run; the
// store is write-through and replayed at startup after purging expired rows.
package cooldown

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	plexus "github.com/plexus-labs/plexus"
)

// Key identifies one cooldown entry. Different models on the same provider
// are independent.
type Key struct {
	Provider string
	Model    string
}

// Entry is the live state for one key.
type Entry struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	Expiry              time.Time `json:"expiry"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Status is a snapshot row with the remaining time precomputed.
type Status struct {
	Entry
	TimeRemainingMs int64 `json:"timeRemainingMs"`
}

// Manager owns the cooldown map. All map access goes through one mutex; the
// mutex is never held across store I/O.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]Entry

	store    Store
	snapshot *plexus.Snapshot
	log      *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager backed by store, replaying any live entries.
// Store errors during replay are logged and the manager starts empty.
func NewManager(store Store, snapshot *plexus.Snapshot, log *slog.Logger) *Manager {
	m := &Manager{
		entries:  make(map[Key]Entry),
		store:    store,
		snapshot: snapshot,
		log:      log,
		now:      time.Now,
	}
	if store != nil {
		entries, err := store.Load(context.Background())
		if err != nil {
			log.Error("cooldown store load failed", "error", err.Error())
		} else {
			for _, e := range entries {
				if e.Expiry.After(m.now()) {
					m.entries[Key{e.Provider, e.Model}] = e
				}
			}
		}
	}
	return m
}

// backoff returns min(maxMs, initialMs * 2^(n-1)) for the n-th consecutive
// failure. The duration saturates; n itself is not capped.
func (m *Manager) backoff(n int) time.Duration {
	cfg := m.snapshot.Current().Cooldown
	initial := time.Duration(cfg.InitialMinutes) * time.Minute
	max := time.Duration(cfg.MaxMinutes) * time.Minute
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// MarkFailure increments the key's consecutive failure count and opens (or
// extends) its cooldown. When duration is nil the exponential backoff
// schedule is used. The store write completes before return; a store error
// is logged and the in-memory entry still stands.
func (m *Manager) MarkFailure(ctx context.Context, provider, model string, duration *time.Duration) Entry {
	key := Key{provider, model}

	m.mu.Lock()
	n := m.entries[key].ConsecutiveFailures + 1
	d := m.backoff(n)
	if duration != nil {
		d = *duration
	}
	entry := Entry{
		Provider:            provider,
		Model:               model,
		Expiry:              m.now().Add(d),
		ConsecutiveFailures: n,
	}
	m.entries[key] = entry
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Put(ctx, entry); err != nil {
			m.log.Error("cooldown persist failed", "provider", provider, "model", model, "error", err.Error())
		}
	}
	m.log.Warn("target cooling down",
		"provider", provider,
		"model", model,
		"failures", n,
		"duration_ms", d.Milliseconds(),
	)
	return entry
}

// MarkSuccess removes the key entirely, resetting its failure count.
// Idempotent when no entry exists.
func (m *Manager) MarkSuccess(ctx context.Context, provider, model string) {
	key := Key{provider, model}

	m.mu.Lock()
	_, existed := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if existed && m.store != nil {
		if err := m.store.Delete(ctx, provider, model); err != nil {
			m.log.Error("cooldown delete failed", "provider", provider, "model", model, "error", err.Error())
		}
	}
}

// IsHealthy reports whether the key has no live cooldown. A lapsed entry is
// removed from memory and the store on the way out.
func (m *Manager) IsHealthy(ctx context.Context, provider, model string) bool {
	key := Key{provider, model}

	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return true
	}
	if m.now().After(entry.Expiry) {
		delete(m.entries, key)
		m.mu.Unlock()
		if m.store != nil {
			if err := m.store.Delete(ctx, provider, model); err != nil {
				m.log.Error("cooldown delete failed", "provider", provider, "model", model, "error", err.Error())
			}
		}
		return true
	}
	m.mu.Unlock()
	return false
}

// FilterHealthy keeps only keys that pass IsHealthy, preserving caller
// order. Keys whose provider has disable_cooldown set in the current config
// snapshot always pass.
func (m *Manager) FilterHealthy(ctx context.Context, keys []Key) []Key {
	cfg := m.snapshot.Current()
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if p, ok := cfg.Provider(k.Provider); ok && p.DisableCooldown {
			out = append(out, k)
			continue
		}
		if m.IsHealthy(ctx, k.Provider, k.Model) {
			out = append(out, k)
		}
	}
	return out
}

// Clear removes entries in scope: all of them, one provider's, or one key's.
func (m *Manager) Clear(ctx context.Context, provider, model string) {
	m.mu.Lock()
	for k := range m.entries {
		if provider != "" && k.Provider != provider {
			continue
		}
		if model != "" && k.Model != model {
			continue
		}
		delete(m.entries, k)
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Clear(ctx, provider, model); err != nil {
			m.log.Error("cooldown clear failed", "provider", provider, "model", model, "error", err.Error())
		}
	}
}

// Snapshot lists live entries with their remaining time, sorted by key for
// stable output. Lapsed entries are skipped (and left for lazy removal).
func (m *Manager) Snapshot() []Status {
	now := m.now()

	m.mu.Lock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.Expiry.After(now) {
			continue
		}
		out = append(out, Status{Entry: e, TimeRemainingMs: e.Expiry.Sub(now).Milliseconds()})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

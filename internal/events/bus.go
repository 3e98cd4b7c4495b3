// Package events is a small in-process pub/sub bus for usage and lifecycle
// events. Publishing never blocks; slow subscribers lose events.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/plexus-labs/plexus/internal/metrics"
)

// Event types published on the bus.
const (
	TypeRequestCompleted = "request.completed"
	TypeRequestFailed    = "request.failed"
	TypeCooldownSet      = "cooldown.set"
	TypeCooldownCleared  = "cooldown.cleared"
	TypeConfigReloaded   = "config.reloaded"
)

// Event is one bus message.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to named subscribers, each behind a bounded queue.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	size int
	log  *slog.Logger
}

// NewBus creates a Bus with the given per-subscriber queue size.
func NewBus(queueSize int, log *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs: make(map[string]chan Event),
		size: queueSize,
		log:  log,
	}
}

// Subscribe registers a named subscriber and returns its channel. Subscribing
// an existing name replaces the old subscription and closes its channel.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan Event, b.size)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers the event to every subscriber without blocking. Full
// queues drop the event with a warning.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(name).Inc()
			b.log.Warn("event dropped, subscriber queue full",
				"subscriber", name, "event_type", ev.Type)
		}
	}
}

// Close shuts every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}

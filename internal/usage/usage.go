// Package usage records per-request usage and error rows and feeds the
// metrics window and the event bus. Writes are best-effort: a failed store
// write is logged and never blocks or fails the response.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/events"
	"github.com/plexus-labs/plexus/internal/metrics"
	"github.com/plexus-labs/plexus/pricing"
	"github.com/plexus-labs/plexus/unified"
)

// Entry is one usage row. Streaming requests write it twice: once with
// Pending set at stream start and once finalized when usage is known.
type Entry struct {
	RequestID     string    `json:"requestId"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"clientIp,omitempty"`
	APIKeyName    string    `json:"apiKeyName,omitempty"`
	AliasUsed     string    `json:"aliasUsed,omitempty"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	ClientAPIType string    `json:"clientApiType"`
	TargetAPIType string    `json:"targetApiType"`
	Passthrough   bool      `json:"passthrough"`
	Streaming     bool      `json:"streaming"`
	Pending       bool      `json:"pending"`

	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CachedTokens    int64 `json:"cachedTokens"`
	ReasoningTokens int64 `json:"reasoningTokens"`

	LatencyMs                int64    `json:"latencyMs"`
	ProviderTTFTMs           *int64   `json:"providerTtftMs,omitempty"`
	ClientTTFTMs             *int64   `json:"clientTtftMs,omitempty"`
	ProviderTokensPerSecond  *float64 `json:"providerTokensPerSecond,omitempty"`
	ClientTokensPerSecond    *float64 `json:"clientTokensPerSecond,omitempty"`
	TransformationOverheadMs *int64   `json:"transformationOverheadMs,omitempty"`

	Cost       float64 `json:"cost"`
	CostSource string  `json:"costSource"`
}

// ErrorEntry is one failed-request row.
type ErrorEntry struct {
	RequestID     string    `json:"requestId"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"clientIp,omitempty"`
	APIKeyName    string    `json:"apiKeyName,omitempty"`
	AliasUsed     string    `json:"aliasUsed,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Model         string    `json:"model,omitempty"`
	StatusCode    int       `json:"statusCode"`
	ErrorType     string    `json:"errorType"`
	Message       string    `json:"message"`
	AttemptCount  int       `json:"attemptCount"`
	ProviderError string    `json:"providerError,omitempty"`
}

// Store persists usage rows. WriteUsage is an upsert keyed by request id so
// the pending → finalize two-step is idempotent.
type Store interface {
	WriteUsage(ctx context.Context, e Entry) error
	WriteError(ctx context.Context, e ErrorEntry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Logger builds usage rows from request state and fans them out to the
// store, the metrics window, Prometheus, and the event bus.
type Logger struct {
	store     Store
	collector *metrics.Collector
	bus       *events.Bus
	calc      *pricing.Calculator
	log       *slog.Logger
	now       func() time.Time
}

// NewLogger creates a Logger. Any of store, collector, and bus may be nil.
func NewLogger(store Store, collector *metrics.Collector, bus *events.Bus, log *slog.Logger) *Logger {
	return &Logger{
		store:     store,
		collector: collector,
		bus:       bus,
		calc:      pricing.NewCalculator(),
		log:       log,
		now:       time.Now,
	}
}

// LogPending writes the provisional row at stream start, before usage is
// known. The finalized LogSuccess later upserts the same request id.
func (l *Logger) LogPending(ctx context.Context, rc *unified.RequestContext) {
	e := l.baseEntry(rc)
	e.Pending = true
	l.write(ctx, e)
}

// LogSuccess records a completed request.
func (l *Logger) LogSuccess(ctx context.Context, rc *unified.RequestContext, resp *unified.Response, pc *plexus.PricingConfig, discount float64) {
	e := l.baseEntry(rc)
	e.InputTokens = int64(resp.Usage.InputTokens)
	e.OutputTokens = int64(resp.Usage.OutputTokens)
	e.CachedTokens = int64(resp.Usage.CachedTokens)
	e.ReasoningTokens = int64(resp.Usage.ReasoningTokens)

	cost := l.calc.Calculate(rc.ActualModel, pc, discount, resp.Usage)
	e.Cost = cost.TotalUSD
	e.CostSource = string(cost.Source)

	fillTiming(&e, rc)

	l.write(ctx, e)
	l.record(rc, e, true)
	l.publish(events.TypeRequestCompleted, map[string]any{
		"requestId": e.RequestID,
		"provider":  e.Provider,
		"model":     e.Model,
		"cost":      e.Cost,
		"tokens":    e.InputTokens + e.OutputTokens,
	})
}

// LogError records a failed request.
func (l *Logger) LogError(ctx context.Context, rc *unified.RequestContext, e ErrorEntry) {
	if e.RequestID == "" {
		e.RequestID = rc.ID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.ClientIP = rc.ClientIP
	e.APIKeyName = rc.APIKeyName
	e.AliasUsed = rc.AliasUsed
	if e.Provider == "" {
		e.Provider = rc.ActualProvider
	}
	if e.Model == "" {
		e.Model = rc.ActualModel
	}
	if l.store != nil {
		if err := l.store.WriteError(ctx, e); err != nil {
			l.log.Error("error row write failed", "request_id", e.RequestID, "error", err)
		}
	}
	if e.Provider != "" {
		metrics.UpstreamErrors.WithLabelValues(e.Provider, e.ErrorType).Inc()
	}
	l.record(rc, Entry{Provider: e.Provider, LatencyMs: l.now().Sub(rc.StartTime).Milliseconds()}, false)
	l.publish(events.TypeRequestFailed, map[string]any{
		"requestId": e.RequestID,
		"provider":  e.Provider,
		"status":    e.StatusCode,
		"errorType": e.ErrorType,
	})
}

func (l *Logger) baseEntry(rc *unified.RequestContext) Entry {
	return Entry{
		RequestID:     rc.ID,
		Timestamp:     l.now(),
		ClientIP:      rc.ClientIP,
		APIKeyName:    rc.APIKeyName,
		AliasUsed:     rc.AliasUsed,
		Provider:      rc.ActualProvider,
		Model:         rc.ActualModel,
		ClientAPIType: string(rc.ClientAPIType),
		TargetAPIType: string(rc.TargetAPIType),
		Passthrough:   rc.Passthrough,
		Streaming:     rc.Streaming,
		LatencyMs:     l.now().Sub(rc.StartTime).Milliseconds(),
	}
}

// fillTiming derives TTFT, throughput, and transformation overhead from the
// request timestamps. Fields stay nil when a timestamp is missing.
func fillTiming(e *Entry, rc *unified.RequestContext) {
	if ms := rc.ProviderTTFT(); ms >= 0 {
		e.ProviderTTFTMs = &ms
		if e.OutputTokens > 0 && e.LatencyMs > ms {
			tps := float64(e.OutputTokens) / (float64(e.LatencyMs-ms) / 1000)
			e.ProviderTokensPerSecond = &tps
		}
	}
	if ms := rc.ClientTTFT(); ms >= 0 {
		e.ClientTTFTMs = &ms
		if e.OutputTokens > 0 && e.LatencyMs > ms {
			tps := float64(e.OutputTokens) / (float64(e.LatencyMs-ms) / 1000)
			e.ClientTokensPerSecond = &tps
		}
	}
	if e.ProviderTTFTMs != nil && e.ClientTTFTMs != nil {
		overhead := *e.ClientTTFTMs - *e.ProviderTTFTMs
		e.TransformationOverheadMs = &overhead
	}
}

func (l *Logger) write(ctx context.Context, e Entry) {
	if l.store == nil {
		return
	}
	if err := l.store.WriteUsage(ctx, e); err != nil {
		l.log.Error("usage row write failed", "request_id", e.RequestID, "error", err)
	}
}

// record feeds the rolling window and the Prometheus counters.
func (l *Logger) record(rc *unified.RequestContext, e Entry, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	if e.Provider != "" {
		metrics.RequestsTotal.WithLabelValues(e.Provider, e.Model, status).Inc()
		metrics.RequestDuration.WithLabelValues(e.Provider, e.Model).Observe(float64(e.LatencyMs) / 1000)
		if success {
			metrics.TokensInput.WithLabelValues(e.Provider, e.Model).Add(float64(e.InputTokens))
			metrics.TokensOutput.WithLabelValues(e.Provider, e.Model).Add(float64(e.OutputTokens))
			metrics.RequestCostUSD.WithLabelValues(e.Provider, e.Model).Add(e.Cost)
			if e.ProviderTTFTMs != nil {
				metrics.TimeToFirstToken.WithLabelValues(e.Provider, e.Model).Observe(float64(*e.ProviderTTFTMs) / 1000)
			}
		}
	}
	if l.collector == nil || e.Provider == "" {
		return
	}
	rm := metrics.RequestMetrics{
		Provider:  e.Provider,
		Timestamp: l.now(),
		Success:   success,
		LatencyMs: float64(e.LatencyMs),
	}
	if e.ProviderTTFTMs != nil {
		v := float64(*e.ProviderTTFTMs)
		rm.TTFTMs = &v
	}
	if e.ProviderTokensPerSecond != nil {
		v := *e.ProviderTokensPerSecond
		rm.TokensPerSec = &v
	}
	if e.Cost > 0 {
		rm.CostPer1M = pricing.CostPer1M(pricing.Result{TotalUSD: e.Cost}, unified.Usage{
			InputTokens:  int(e.InputTokens),
			OutputTokens: int(e.OutputTokens),
		})
	}
	l.collector.Record(rm)
}

func (l *Logger) publish(eventType string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.Event{Type: eventType, Timestamp: l.now(), Payload: payload})
}

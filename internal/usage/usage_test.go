package usage

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/metrics"
	"github.com/plexus-labs/plexus/unified"
)

type captureStore struct {
	NoopStore
	usage  []Entry
	errors []ErrorEntry
}

func (c *captureStore) WriteUsage(_ context.Context, e Entry) error {
	c.usage = append(c.usage, e)
	return nil
}

func (c *captureStore) WriteError(_ context.Context, e ErrorEntry) error {
	c.errors = append(c.errors, e)
	return nil
}

func testRequestContext(start time.Time) *unified.RequestContext {
	return &unified.RequestContext{
		ID:             "req-1",
		StartTime:      start,
		ClientIP:       "10.0.0.1",
		APIKeyName:     "team-a",
		ClientAPIType:  unified.APIChat,
		AliasUsed:      "big",
		ActualProvider: "alpha",
		ActualModel:    "alpha-large",
		TargetAPIType:  unified.APIMessages,
		Streaming:      true,
	}
}

func TestLogSuccessComputesTiming(t *testing.T) {
	store := &captureStore{}
	l := NewLogger(store, nil, nil, slog.Default())
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return start.Add(2 * time.Second) }

	rc := testRequestContext(start)
	rc.ProviderFirstToken = start.Add(300 * time.Millisecond)
	rc.ClientFirstToken = start.Add(350 * time.Millisecond)

	resp := &unified.Response{Usage: unified.Usage{InputTokens: 100, OutputTokens: 170}}
	l.LogSuccess(context.Background(), rc, resp, nil, 0)

	if len(store.usage) != 1 {
		t.Fatalf("wrote %d rows, want 1", len(store.usage))
	}
	e := store.usage[0]
	if e.Pending {
		t.Error("finalized row marked pending")
	}
	if e.LatencyMs != 2000 {
		t.Errorf("latency = %d, want 2000", e.LatencyMs)
	}
	if e.ProviderTTFTMs == nil || *e.ProviderTTFTMs != 300 {
		t.Errorf("provider ttft = %v, want 300", e.ProviderTTFTMs)
	}
	if e.TransformationOverheadMs == nil || *e.TransformationOverheadMs != 50 {
		t.Errorf("transformation overhead = %v, want 50", e.TransformationOverheadMs)
	}
	// 170 output tokens over the 1.7s after first token.
	if e.ProviderTokensPerSecond == nil || math.Abs(*e.ProviderTokensPerSecond-100) > 0.01 {
		t.Errorf("tokens/sec = %v, want 100", e.ProviderTokensPerSecond)
	}
	if e.CostSource == "" || e.Cost <= 0 {
		t.Errorf("cost not computed: %+v", e)
	}
}

func TestLogSuccessFeedsCostPerMillion(t *testing.T) {
	store := &captureStore{}
	collector := metrics.NewCollector(time.Minute)
	l := NewLogger(store, collector, nil, slog.Default())
	rc := testRequestContext(time.Now())

	in, out := 3.0, 6.0
	pc := &plexus.PricingConfig{InputPer1M: &in, OutputPer1M: &out}
	resp := &unified.Response{Usage: unified.Usage{InputTokens: 800, OutputTokens: 200}}
	l.LogSuccess(context.Background(), rc, resp, pc, 0)

	a, ok := collector.Aggregates("alpha")
	if !ok {
		t.Fatal("no aggregates for provider")
	}
	// (800*3 + 200*6) / 1e6 USD over 1000 tokens blends to 3.6 per million.
	if math.Abs(a.AvgCostPer1M-3.6) > 1e-9 {
		t.Errorf("cost per 1M = %v, want 3.6", a.AvgCostPer1M)
	}
}

func TestLogPendingThenFinalizeSameID(t *testing.T) {
	store := &captureStore{}
	l := NewLogger(store, nil, nil, slog.Default())
	start := time.Now()
	rc := testRequestContext(start)

	l.LogPending(context.Background(), rc)
	l.LogSuccess(context.Background(), rc, &unified.Response{Usage: unified.Usage{InputTokens: 5, OutputTokens: 7}}, nil, 0)

	if len(store.usage) != 2 {
		t.Fatalf("wrote %d rows, want 2", len(store.usage))
	}
	if !store.usage[0].Pending || store.usage[1].Pending {
		t.Error("pending flags wrong")
	}
	if store.usage[0].RequestID != store.usage[1].RequestID {
		t.Error("pending and final rows use different request ids")
	}
}

func TestLogErrorFillsContext(t *testing.T) {
	store := &captureStore{}
	l := NewLogger(store, nil, nil, slog.Default())
	rc := testRequestContext(time.Now())

	l.LogError(context.Background(), rc, ErrorEntry{
		StatusCode:   502,
		ErrorType:    "upstream_error",
		Message:      "bad gateway",
		AttemptCount: 2,
	})

	if len(store.errors) != 1 {
		t.Fatalf("wrote %d error rows, want 1", len(store.errors))
	}
	e := store.errors[0]
	if e.RequestID != "req-1" || e.Provider != "alpha" || e.Model != "alpha-large" {
		t.Errorf("context not filled: %+v", e)
	}
}

func TestSQLStoreUpsertFinalizes(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	pending := Entry{
		RequestID: "r1",
		Timestamp: time.Now(),
		Provider:  "alpha",
		Model:     "m",
		Streaming: true,
		Pending:   true,
	}
	if err := store.WriteUsage(ctx, pending); err != nil {
		t.Fatalf("write pending: %v", err)
	}

	final := pending
	final.Pending = false
	final.InputTokens = 10
	final.OutputTokens = 20
	final.Cost = 0.001
	final.CostSource = "registry"
	if err := store.WriteUsage(ctx, final); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// Replay is idempotent.
	if err := store.WriteUsage(ctx, final); err != nil {
		t.Fatalf("replay finalize: %v", err)
	}

	rows, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	got := rows[0]
	if got.Pending || got.InputTokens != 10 || got.OutputTokens != 20 {
		t.Errorf("row not finalized: %+v", got)
	}
}

func TestSQLStoreErrorRows(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	e := ErrorEntry{
		RequestID:    "r2",
		Timestamp:    time.Now(),
		StatusCode:   429,
		ErrorType:    "rate_limited",
		Message:      "slow down",
		AttemptCount: 3,
	}
	if err := store.WriteError(context.Background(), e); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
}

package dispatch

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/cooldown"
	"github.com/plexus-labs/plexus/internal/ratelimit"
	"github.com/plexus-labs/plexus/internal/router"
	"github.com/plexus-labs/plexus/transformers"
	"github.com/plexus-labs/plexus/unified"
)

const chatCompletion = `{"id":"cmpl-1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`

func testHarness(t *testing.T, cfg *plexus.Config) (*Dispatcher, *cooldown.Manager) {
	t.Helper()
	snap := plexus.NewSnapshot(cfg)
	cd := cooldown.NewManager(cooldown.NoopStore{}, snap, slog.Default())
	rt := router.New(snap, cd, nil, nil, slog.Default())
	return New(snap, rt, cd, transformers.NewRegistry(), ratelimit.NewRegistry(), nil, slog.Default()), cd
}

func poolConfig(aURL, bURL string) *plexus.Config {
	return &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"a": {
				APIBaseURL: plexus.BaseURL{URL: aURL},
				APIKey:     "sk-aaaa-secret-zzzz",
				Models:     plexus.ModelMap{"m-a": {}},
			},
			"b": {
				APIBaseURL: plexus.BaseURL{URL: bURL},
				APIKey:     "sk-bbbb-secret-yyyy",
				Models:     plexus.ModelMap{"m-b": {}},
			},
		},
		Models: map[string]plexus.AliasConfig{
			"pool": {
				Selector: "in_order",
				Targets: []plexus.TargetRef{
					{Provider: "a", Model: "m-a"},
					{Provider: "b", Model: "m-b"},
				},
			},
		},
		Cooldown: plexus.CooldownConfig{InitialMinutes: 2, MaxMinutes: 300},
		Failover: plexus.FailoverConfig{
			RetryableStatusCodes: []int{429, 500, 502, 503},
			RetryableErrors:      []string{"ECONNREFUSED", "ETIMEDOUT"},
		},
	}
}

func chatReq(model string) *unified.Request {
	return &unified.Request{
		Model:           model,
		Messages:        []unified.Message{unified.TextMessage(unified.RoleUser, "hello")},
		IncomingAPIType: unified.APIChat,
		OriginalBody:    []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hello"}]}`),
	}
}

func TestFailoverCoolsDownOnlyFailedTarget(t *testing.T) {
	var aHits, bHits atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aHits.Add(1)
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer b.Close()

	d, cd := testHarness(t, poolConfig(a.URL, b.URL))
	rc := &unified.RequestContext{StartTime: time.Now()}
	res, err := d.Dispatch(context.Background(), chatReq("pool"), rc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.AttemptCount != 2 {
		t.Errorf("attemptCount = %d, want 2", res.AttemptCount)
	}
	if res.Target.Provider != "b" {
		t.Errorf("served by %q, want b", res.Target.Provider)
	}
	if aHits.Load() != 1 || bHits.Load() != 1 {
		t.Errorf("hits a=%d b=%d, want 1/1", aHits.Load(), bHits.Load())
	}
	ctx := context.Background()
	if cd.IsHealthy(ctx, "a", "m-a") {
		t.Error("a/m-a should be on cooldown after 500")
	}
	if !cd.IsHealthy(ctx, "b", "m-b") {
		t.Error("b/m-b should stay healthy")
	}
	if rc.ActualProvider != "b" || rc.ActualModel != "m-b" {
		t.Errorf("request context records %s/%s", rc.ActualProvider, rc.ActualModel)
	}
}

func TestNonRetryableStatusFetchesOnce(t *testing.T) {
	var aHits, bHits atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aHits.Add(1)
		http.Error(w, `{"error":{"message":"too large"}}`, http.StatusRequestEntityTooLarge)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bHits.Add(1)
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer b.Close()

	d, cd := testHarness(t, poolConfig(a.URL, b.URL))
	_, err := d.Dispatch(context.Background(), chatReq("pool"), &unified.RequestContext{})
	var re *RoutingError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RoutingError", err)
	}
	if re.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", re.StatusCode)
	}
	if re.AttemptCount != 1 {
		t.Errorf("attemptCount = %d, want 1", re.AttemptCount)
	}
	if aHits.Load() != 1 || bHits.Load() != 0 {
		t.Errorf("hits a=%d b=%d, want 1/0", aHits.Load(), bHits.Load())
	}
	ctx := context.Background()
	// Client errors never open a cooldown.
	if !cd.IsHealthy(ctx, "a", "m-a") || !cd.IsHealthy(ctx, "b", "m-b") {
		t.Error("no target should be on cooldown after a 413")
	}
}

func TestRateLimitUsesRetryAfterHeader(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer b.Close()

	d, cd := testHarness(t, poolConfig(a.URL, b.URL))
	if _, err := d.Dispatch(context.Background(), chatReq("pool"), &unified.RequestContext{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	found := false
	for _, st := range cd.Snapshot() {
		if st.Provider != "a" {
			continue
		}
		found = true
		remaining := time.Until(st.Expiry)
		if remaining < 20*time.Second || remaining > 31*time.Second {
			t.Errorf("cooldown remaining = %v, want ~30s from Retry-After", remaining)
		}
	}
	if !found {
		t.Fatal("a/m-a missing from cooldown snapshot")
	}
}

func TestRateLimitParsesBodyResetHint(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited, reset after 20s"}}`, http.StatusTooManyRequests)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer b.Close()

	d, cd := testHarness(t, poolConfig(a.URL, b.URL))
	res, err := d.Dispatch(context.Background(), chatReq("pool"), &unified.RequestContext{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Target.Provider != "b" {
		t.Errorf("served by %q, want b", res.Target.Provider)
	}
	found := false
	for _, st := range cd.Snapshot() {
		if st.Provider != "a" {
			continue
		}
		found = true
		remaining := time.Until(st.Expiry)
		if remaining < 15*time.Second || remaining > 21*time.Second {
			t.Errorf("cooldown remaining = %v, want ~20s from body hint", remaining)
		}
	}
	if !found {
		t.Fatal("a/m-a missing from cooldown snapshot")
	}
}

func TestPassthroughRewritesModelAndMergesExtraBody(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer a.Close()

	cfg := poolConfig(a.URL, a.URL)
	p := cfg.Providers["a"]
	p.ExtraBody = map[string]any{"provider.sort": "throughput"}
	cfg.Providers["a"] = p

	d, _ := testHarness(t, cfg)
	res, err := d.Dispatch(context.Background(), chatReq("pool"), &unified.RequestContext{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Passthrough {
		t.Error("same-dialect request should be pass-through")
	}
	if got := gjson.GetBytes(gotBody, "model").String(); got != "m-a" {
		t.Errorf("upstream model = %q, want m-a", got)
	}
	if got := gjson.GetBytes(gotBody, "provider.sort").String(); got != "throughput" {
		t.Errorf("extra body not merged: %s", gotBody)
	}
	if gotAuth != "Bearer sk-aaaa-secret-zzzz" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	meta := gjson.GetBytes(res.RawBody, "plexus")
	if meta.Get("provider").String() != "a" || meta.Get("model").String() != "m-a" {
		t.Errorf("meta block = %s", meta.Raw)
	}
}

func TestAnthropicAuthHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	cfg := poolConfig(srv.URL, srv.URL)
	p := cfg.Providers["a"]
	p.APIBaseURL = plexus.BaseURL{PerAPI: map[string]string{"messages": srv.URL}}
	cfg.Providers["a"] = p

	d, _ := testHarness(t, cfg)
	req := chatReq("direct/a/m-a")
	req.IncomingAPIType = unified.APIMessages
	req.OriginalBody = []byte(`{"model":"x","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`)
	if _, err := d.Dispatch(context.Background(), req, &unified.RequestContext{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotKey != "sk-aaaa-secret-zzzz" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
}

func TestStreamingPassthroughStampsFirstByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		chunks := []string{
			`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"hel"}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte(c + "\n\n"))
			fl.Flush()
		}
	}))
	defer srv.Close()

	d, _ := testHarness(t, poolConfig(srv.URL, srv.URL))
	req := chatReq("pool")
	req.Stream = true
	rc := &unified.RequestContext{StartTime: time.Now()}

	res, err := d.Dispatch(context.Background(), req, rc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected a stream envelope")
	}
	if !res.Stream.BypassTransformation {
		t.Error("same-dialect stream should bypass transformation")
	}

	var lines []string
	sc := bufio.NewScanner(res.Stream.Body)
	for sc.Scan() {
		if l := sc.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if len(lines) != 3 || !strings.HasSuffix(lines[2], "[DONE]") {
		t.Fatalf("forwarded lines = %q", lines)
	}
	if rc.ProviderFirstToken.IsZero() {
		t.Error("provider first-byte time not stamped")
	}

	final := <-res.Stream.Done
	if final.Text() != "hello" {
		t.Errorf("accumulated text = %q, want hello", final.Text())
	}
	if final.FinishReason != unified.FinishStop {
		t.Errorf("finish = %q", final.FinishReason)
	}
}

func TestStreamFailoverBeforeFirstByte(t *testing.T) {
	// a sends OK headers and then kills the connection before any body
	// byte: the client has seen nothing, so the attempt must fail over.
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, c := range []string{
			`data: {"id":"c1","object":"chat.completion.chunk","model":"m-b","choices":[{"index":0,"delta":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		} {
			_, _ = w.Write([]byte(c + "\n\n"))
			fl.Flush()
		}
	}))
	defer b.Close()

	d, cd := testHarness(t, poolConfig(a.URL, b.URL))
	req := chatReq("pool")
	req.Stream = true
	rc := &unified.RequestContext{StartTime: time.Now()}

	res, err := d.Dispatch(context.Background(), req, rc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Target.Provider != "b" {
		t.Errorf("served by %q, want b", res.Target.Provider)
	}
	if res.AttemptCount != 2 {
		t.Errorf("attemptCount = %d, want 2", res.AttemptCount)
	}
	ctx := context.Background()
	if cd.IsHealthy(ctx, "a", "m-a") {
		t.Error("a/m-a should be on cooldown after dying before first byte")
	}
	if !cd.IsHealthy(ctx, "b", "m-b") {
		t.Error("b/m-b should stay healthy")
	}

	out, err := io.ReadAll(res.Stream.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if !strings.Contains(string(out), `"content":"hi"`) {
		t.Errorf("relayed stream = %q", out)
	}
	final := <-res.Stream.Done
	if final.Text() != "hi" {
		t.Errorf("accumulated text = %q, want hi", final.Text())
	}
}

func TestConnectionRefusedFailsOver(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer b.Close()

	d, cd := testHarness(t, poolConfig(deadURL, b.URL))
	res, err := d.Dispatch(context.Background(), chatReq("pool"), &unified.RequestContext{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Target.Provider != "b" || res.AttemptCount != 2 {
		t.Errorf("served by %s after %d attempts", res.Target.Provider, res.AttemptCount)
	}
	if cd.IsHealthy(context.Background(), "a", "m-a") {
		t.Error("unreachable target should be on cooldown")
	}
}

func TestFailoverDisabledStopsAfterFirstAttempt(t *testing.T) {
	var bHits atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bHits.Add(1)
		_, _ = w.Write([]byte(chatCompletion))
	}))
	defer b.Close()

	cfg := poolConfig(a.URL, b.URL)
	off := false
	cfg.Failover.Enabled = &off

	d, _ := testHarness(t, cfg)
	_, err := d.Dispatch(context.Background(), chatReq("pool"), &unified.RequestContext{})
	var re *RoutingError
	if !errors.As(err, &re) || re.AttemptCount != 1 {
		t.Fatalf("err = %v, want single-attempt routing error", err)
	}
	if bHits.Load() != 0 {
		t.Error("second target must not be called with failover disabled")
	}
}

func TestSanitizeHeadersMasksSecrets(t *testing.T) {
	got := sanitizeHeaders(map[string]string{
		"Authorization": "Bearer sk-abcd1234efgh5678",
		"x-api-key":     "sk-ant-verylongsecretkey",
		"Content-Type":  "application/json",
	})
	if got["Authorization"] != "Bearer sk-a...5678" {
		t.Errorf("Authorization = %q", got["Authorization"])
	}
	if got["x-api-key"] != "sk-a...tkey" {
		t.Errorf("x-api-key = %q", got["x-api-key"])
	}
	if got["Content-Type"] != "application/json" {
		t.Errorf("plain header altered: %q", got["Content-Type"])
	}
}

func TestChooseTargetAPITypePrecedence(t *testing.T) {
	base := router.RouteResult{
		Provider: "p",
		ProviderConfig: plexus.ProviderConfig{
			APIBaseURL: plexus.BaseURL{PerAPI: map[string]string{
				"chat":     "https://p.example/v1",
				"messages": "https://p.example",
			}},
		},
	}

	if got, _ := chooseTargetAPIType(base, unified.APIMessages); got != unified.APIMessages {
		t.Errorf("matching base url key: got %q", got)
	}

	forced := base
	forced.ProviderConfig.ForceTransformer = unified.APIChat
	if got, _ := chooseTargetAPIType(forced, unified.APIMessages); got != unified.APIChat {
		t.Errorf("force_transformer ignored: got %q", got)
	}

	via := base
	mc := &plexus.ModelConfig{AccessVia: []unified.APIType{unified.APIResponses}}
	via.ModelConfig = mc
	got, reason := chooseTargetAPIType(via, unified.APIChat)
	if got != unified.APIResponses || reason == "" {
		t.Errorf("access_via fallback: got %q reason %q", got, reason)
	}

	single := router.RouteResult{
		Provider:       "p",
		ProviderConfig: plexus.ProviderConfig{APIBaseURL: plexus.BaseURL{URL: "https://p.example/v1"}},
	}
	if got, _ := chooseTargetAPIType(single, unified.APIGemini); got != unified.APIGemini {
		t.Errorf("single-url provider should speak the incoming dialect, got %q", got)
	}
}

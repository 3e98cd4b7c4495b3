// Package dispatch orchestrates a request across the router's candidate
// list: it renders the payload for each target, calls the upstream, applies
// failover and cooldown rules, and hands back either a unary response or a
// streaming envelope.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/cooldown"
	"github.com/plexus-labs/plexus/internal/logging"
	"github.com/plexus-labs/plexus/internal/metrics"
	"github.com/plexus-labs/plexus/internal/ratelimit"
	"github.com/plexus-labs/plexus/internal/router"
	"github.com/plexus-labs/plexus/transformers"
	"github.com/plexus-labs/plexus/unified"
)

// RoutingError carries full routing context for a failed dispatch. Header
// values are sanitized before they land here.
type RoutingError struct {
	Provider              string            `json:"provider"`
	TargetModel           string            `json:"targetModel"`
	TargetAPIType         unified.APIType   `json:"targetApiType"`
	URL                   string            `json:"url"`
	SanitizedHeaders      map[string]string `json:"sanitizedHeaders,omitempty"`
	StatusCode            int               `json:"statusCode,omitempty"`
	ProviderResponse      string            `json:"providerResponse,omitempty"`
	AttemptCount          int               `json:"attemptCount"`
	AllAttemptedProviders []string          `json:"allAttemptedProviders"`
	Err                   error             `json:"-"`

	// retryable forces failover regardless of the configured error lists.
	// Set for stream failures before the first body byte, which are always
	// safe to retry since nothing reached the client.
	retryable bool
}

func (e *RoutingError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s/%s returned %d after %d attempt(s)",
			e.Provider, e.TargetModel, e.StatusCode, e.AttemptCount)
	}
	return fmt.Sprintf("upstream %s/%s failed after %d attempt(s): %v",
		e.Provider, e.TargetModel, e.AttemptCount, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Result is a completed dispatch. Exactly one of Response or Stream is set.
type Result struct {
	Response *unified.Response
	// RawBody is the provider's unary body, already carrying the meta block
	// when Passthrough is set. Ingress writes it directly for pass-through
	// and opaque dialects.
	RawBody []byte
	// ContentType is the provider's unary response content type; audio
	// endpoints return non-JSON bodies.
	ContentType  string
	Stream       *unified.StreamEnvelope
	Passthrough  bool
	Target       router.RouteResult
	AttemptCount int
}

// Dispatcher runs the candidate loop.
type Dispatcher struct {
	snapshot   *plexus.Snapshot
	router     *router.Router
	cooldowns  *cooldown.Manager
	registry   *transformers.Registry
	ratelimits *ratelimit.Registry
	client     *http.Client
	log        *slog.Logger
}

// New creates a Dispatcher. The client's own timeout is left untouched;
// per-attempt deadlines come from the failover config.
func New(snapshot *plexus.Snapshot, rt *router.Router, cooldowns *cooldown.Manager, registry *transformers.Registry, ratelimits *ratelimit.Registry, client *http.Client, log *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if ratelimits == nil {
		ratelimits = ratelimit.NewRegistry()
	}
	return &Dispatcher{
		snapshot:   snapshot,
		router:     rt,
		cooldowns:  cooldowns,
		registry:   registry,
		ratelimits: ratelimits,
		client:     client,
		log:        log,
	}
}

// Dispatch resolves candidates and tries them in order until one succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, req *unified.Request, rc *unified.RequestContext) (*Result, error) {
	cfg := d.snapshot.Current()
	log := logging.FromContext(ctx)

	cands, err := d.router.ResolveCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	maxAttempts := len(cands)
	if !cfg.Failover.IsEnabled() {
		maxAttempts = 1
	} else if cfg.Failover.MaxAttempts > 0 && cfg.Failover.MaxAttempts < maxAttempts {
		maxAttempts = cfg.Failover.MaxAttempts
	}

	var attempted []string
	var lastErr *RoutingError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		target := cands[attempt]
		attempted = append(attempted, target.Provider)

		res, rerr := d.tryTarget(ctx, cfg, req, rc, target, attempt+1)
		if rerr == nil {
			res.AttemptCount = attempt + 1
			if target.Alias != "" {
				metrics.FailoverAttempts.WithLabelValues(target.Alias).Observe(float64(attempt + 1))
			}
			return res, nil
		}
		rerr.AttemptCount = attempt + 1
		rerr.AllAttemptedProviders = attempted
		lastErr = rerr

		if !d.isRetryable(cfg, rerr) {
			log.Warn("upstream failure is not retryable",
				"provider", target.Provider, "model", target.Model, "status", rerr.StatusCode)
			return nil, rerr
		}
		log.Warn("upstream failure, trying next candidate",
			"provider", target.Provider, "model", target.Model,
			"status", rerr.StatusCode, "attempt", attempt+1, "of", maxAttempts)
	}
	return nil, lastErr
}

// tryTarget runs a single upstream attempt.
func (d *Dispatcher) tryTarget(ctx context.Context, cfg *plexus.Config, req *unified.Request, rc *unified.RequestContext, target router.RouteResult, attempt int) (*Result, *RoutingError) {
	apiType, reason := chooseTargetAPIType(target, req.IncomingAPIType)
	if reason != "" {
		d.log.Debug("target api type chosen by fallback", "provider", target.Provider, "api_type", apiType, "reason", reason)
	}

	fail := func(err error) (*Result, *RoutingError) {
		return nil, &RoutingError{
			Provider:      target.Provider,
			TargetModel:   target.Model,
			TargetAPIType: apiType,
			Err:           err,
		}
	}

	base, ok, fellBack := target.ProviderConfig.APIBaseURL.Resolve(apiType)
	if !ok {
		return fail(fmt.Errorf("provider %q has no base url", target.Provider))
	}
	if fellBack {
		d.log.Warn("base url chosen by map fallback", "provider", target.Provider, "api_type", apiType)
	}

	targetT, ok := d.registry.For(apiType)
	if !ok {
		return fail(fmt.Errorf("no transformer for api type %q", apiType))
	}

	passthrough := req.IncomingAPIType == apiType &&
		target.ProviderConfig.ForceTransformer == "" &&
		len(req.OriginalBody) > 0

	payload, err := d.buildPayload(req, target, targetT, apiType, passthrough)
	if err != nil {
		return fail(err)
	}

	upstreamReq := *req
	upstreamReq.Model = target.Model
	endpoint := targetT.Endpoint(&upstreamReq)
	url := base + endpoint

	headers := buildHeaders(apiType, target.ProviderConfig, req.Stream)
	if ct, ok := req.Metadata["contentType"].(string); ok && ct != "" {
		headers["Content-Type"] = ct
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if !req.Stream && cfg.Failover.RequestTimeoutSeconds > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Failover.RequestTimeoutSeconds)*time.Second)
	}
	release := func() {
		if cancel != nil {
			cancel()
		}
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		release()
		return fail(err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	rc.ActualProvider = target.Provider
	rc.ActualModel = target.Model
	rc.TargetAPIType = apiType
	rc.Passthrough = passthrough
	if target.Alias != "" {
		rc.AliasUsed = target.Alias
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		release()
		metrics.UpstreamErrors.WithLabelValues(target.Provider, netErrName(err)).Inc()
		re := &RoutingError{
			Provider:         target.Provider,
			TargetModel:      target.Model,
			TargetAPIType:    apiType,
			URL:              url,
			SanitizedHeaders: sanitizeHeaders(headers),
			Err:              err,
		}
		d.markFailure(ctx, cfg, target, nil, nil)
		return nil, re
	}

	if httpResp.StatusCode != http.StatusOK {
		defer release()
		defer func() { _ = httpResp.Body.Close() }()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))

		re := &RoutingError{
			Provider:         target.Provider,
			TargetModel:      target.Model,
			TargetAPIType:    apiType,
			URL:              url,
			SanitizedHeaders: sanitizeHeaders(headers),
			StatusCode:       httpResp.StatusCode,
			ProviderResponse: string(respBody),
			Err:              fmt.Errorf("upstream status %d", httpResp.StatusCode),
		}
		metrics.UpstreamErrors.WithLabelValues(target.Provider, fmt.Sprintf("http_%d", httpResp.StatusCode)).Inc()

		if plexus.CooldownWorthy(httpResp.StatusCode) {
			var duration *time.Duration
			if httpResp.StatusCode == http.StatusTooManyRequests {
				if dur, ok := ratelimit.ParseRetryAfter(httpResp.Header); ok {
					duration = &dur
				} else if dur, ok := d.ratelimits.Parse(target.Provider, respBody); ok {
					duration = &dur
				}
			}
			d.markFailure(ctx, cfg, target, duration, &httpResp.StatusCode)
		}
		return nil, re
	}

	if req.Stream {
		// Success is committed only once the upstream produces a body byte.
		// A connection that dies between headers and payload has sent
		// nothing to the client, so it fails over like any network error.
		head, rdErr := firstChunk(httpResp.Body)
		if rdErr != nil {
			_ = httpResp.Body.Close()
			metrics.UpstreamErrors.WithLabelValues(target.Provider, netErrName(rdErr)).Inc()
			d.markFailure(ctx, cfg, target, nil, nil)
			return nil, &RoutingError{
				Provider:         target.Provider,
				TargetModel:      target.Model,
				TargetAPIType:    apiType,
				URL:              url,
				SanitizedHeaders: sanitizeHeaders(headers),
				Err:              fmt.Errorf("stream failed before first byte: %w", rdErr),
				retryable:        true,
			}
		}
		rc.ProviderFirstToken = time.Now()
		res, rerr := d.streamResult(req, target, targetT, apiType, passthrough, httpResp, head)
		if rerr == nil {
			d.markSuccess(ctx, target)
		}
		return res, rerr
	}

	d.markSuccess(ctx, target)

	defer release()
	defer func() { _ = httpResp.Body.Close() }()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fail(err)
	}

	resp, err := targetT.TransformResponse(raw, &upstreamReq)
	if err != nil {
		return fail(err)
	}
	meta := buildMeta(target, apiType)
	resp.Meta = meta

	res := &Result{
		Response:    resp,
		RawBody:     raw,
		ContentType: httpResp.Header.Get("Content-Type"),
		Passthrough: passthrough,
		Target:      target,
	}
	// Audio and other non-JSON bodies are forwarded untouched.
	if passthrough && gjson.ValidBytes(raw) {
		if tagged, err := sjson.SetBytes(raw, "plexus", meta); err == nil {
			res.RawBody = tagged
		}
	}
	return res, nil
}

// streamResult wraps the upstream SSE body, replaying the already-read first
// chunk ahead of it. Pass-through keeps the provider frames; otherwise the
// stream is re-encoded in the client dialect.
func (d *Dispatcher) streamResult(req *unified.Request, target router.RouteResult, targetT transformers.Transformer, apiType unified.APIType, passthrough bool, httpResp *http.Response, head []byte) (*Result, *RoutingError) {
	streamer, ok := targetT.(transformers.Streamer)
	if !ok {
		_ = httpResp.Body.Close()
		return nil, &RoutingError{
			Provider:      target.Provider,
			TargetModel:   target.Model,
			TargetAPIType: apiType,
			Err:           fmt.Errorf("api type %q does not stream", apiType),
		}
	}

	var enc transformers.StreamEncoder
	if !passthrough {
		clientT, ok := d.registry.For(req.IncomingAPIType)
		if !ok {
			_ = httpResp.Body.Close()
			return nil, &RoutingError{
				Provider:      target.Provider,
				TargetModel:   target.Model,
				TargetAPIType: apiType,
				Err:           fmt.Errorf("no transformer for client api type %q", req.IncomingAPIType),
			}
		}
		clientStreamer, ok := clientT.(transformers.Streamer)
		if !ok {
			_ = httpResp.Body.Close()
			return nil, &RoutingError{
				Provider:      target.Provider,
				TargetModel:   target.Model,
				TargetAPIType: apiType,
				Err:           fmt.Errorf("client api type %q does not stream", req.IncomingAPIType),
			}
		}
		enc = clientStreamer.NewStreamEncoder(req)
	}

	body := &prependReader{head: head, rc: httpResp.Body}
	env := transformers.TransformStream(body, streamer.NewStreamDecoder(), enc, "text/event-stream")
	env.Meta = buildMeta(target, apiType)

	return &Result{
		Stream:      env,
		Passthrough: passthrough,
		Target:      target,
	}, nil
}

// firstChunk blocks until the upstream produces its first body bytes. Any
// error before then, including a clean EOF on an empty body, means the
// stream died between headers and payload.
func firstChunk(r io.Reader) ([]byte, error) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// prependReader replays head before reading from the underlying body.
type prependReader struct {
	head []byte
	rc   io.ReadCloser
}

func (r *prependReader) Read(p []byte) (int, error) {
	if len(r.head) > 0 {
		n := copy(p, r.head)
		r.head = r.head[n:]
		return n, nil
	}
	return r.rc.Read(p)
}

func (r *prependReader) Close() error { return r.rc.Close() }

// buildPayload renders the upstream body: pass-through clone with model
// rewrite, or full transformation. Configured extraBody keys are merged last
// either way.
func (d *Dispatcher) buildPayload(req *unified.Request, target router.RouteResult, targetT transformers.Transformer, apiType unified.APIType, passthrough bool) ([]byte, error) {
	// Multipart bodies are forwarded byte for byte; the model field inside
	// the form is left as the client sent it.
	if apiType == unified.APITranscriptions {
		return req.OriginalBody, nil
	}
	var payload []byte
	var err error
	if passthrough {
		payload, err = sjson.SetBytes(append([]byte(nil), req.OriginalBody...), "model", target.Model)
		if err != nil {
			return nil, fmt.Errorf("rewrite model: %w", err)
		}
	} else {
		upstream := *req
		upstream.Model = target.Model
		payload, err = targetT.TransformRequest(&upstream)
		if err != nil {
			return nil, fmt.Errorf("transform request: %w", err)
		}
	}
	for k, v := range target.ProviderConfig.ExtraBody {
		payload, err = sjson.SetBytes(payload, k, v)
		if err != nil {
			return nil, fmt.Errorf("merge extra body key %q: %w", k, err)
		}
	}
	return payload, nil
}

// chooseTargetAPIType picks the dialect spoken to the target. The returned
// reason is non-empty when no declared type matched and the first available
// was used.
func chooseTargetAPIType(target router.RouteResult, incoming unified.APIType) (unified.APIType, string) {
	if ft := target.ProviderConfig.ForceTransformer; ft != "" {
		return ft, ""
	}
	if mc := target.ModelConfig; mc != nil && len(mc.AccessVia) > 0 {
		for _, t := range mc.AccessVia {
			if t == incoming {
				return t, ""
			}
		}
		return mc.AccessVia[0], "incoming api type not in access_via"
	}
	types := target.ProviderConfig.APIBaseURL.APITypes()
	if len(types) == 0 {
		// Single-URL provider speaks whatever the client spoke.
		return incoming, ""
	}
	for _, t := range types {
		if t == incoming {
			return t, ""
		}
	}
	return types[0], "incoming api type not offered by provider base urls"
}

// buildHeaders assembles upstream headers; config headers are merged last
// and may override anything.
func buildHeaders(apiType unified.APIType, pc plexus.ProviderConfig, stream bool) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if stream {
		h["Accept"] = "text/event-stream"
	}
	switch apiType {
	case unified.APIMessages:
		h["x-api-key"] = pc.APIKey
		h["anthropic-version"] = "2023-06-01"
	case unified.APIGemini:
		h["x-goog-api-key"] = pc.APIKey
	default:
		if pc.APIKey != "" {
			h["Authorization"] = "Bearer " + pc.APIKey
		}
	}
	for k, v := range pc.Headers {
		h[k] = v
	}
	return h
}

// sensitiveHeaders are masked to <first4>...<last4> in logs and errors.
var sensitiveHeaders = map[string]bool{
	"x-api-key":      true,
	"authorization":  true,
	"x-goog-api-key": true,
}

func sanitizeHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = maskSecret(v)
			continue
		}
		out[k] = v
	}
	return out
}

// maskSecret keeps the Bearer prefix and the first and last four characters.
func maskSecret(v string) string {
	prefix := ""
	if rest, ok := strings.CutPrefix(v, "Bearer "); ok {
		prefix = "Bearer "
		v = rest
	}
	if len(v) <= 8 {
		return prefix + "..."
	}
	return prefix + v[:4] + "..." + v[len(v)-4:]
}

// isRetryable applies the configured status and network error lists.
func (d *Dispatcher) isRetryable(cfg *plexus.Config, re *RoutingError) bool {
	if re.retryable {
		return true
	}
	if re.StatusCode > 0 {
		for _, code := range cfg.Failover.RetryableStatusCodes {
			if code == re.StatusCode {
				return true
			}
		}
		return false
	}
	name := netErrName(re.Err)
	for _, n := range cfg.Failover.RetryableErrors {
		if n == name {
			return true
		}
	}
	return false
}

// netErrName maps a transport error to its conventional errno name.
func netErrName(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "ECONNREFUSED"
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "ETIMEDOUT"
	case strings.Contains(msg, "no such host"):
		return "ENOTFOUND"
	case strings.Contains(msg, "connection reset"):
		return "ECONNRESET"
	default:
		return "network_error"
	}
}

func (d *Dispatcher) markFailure(ctx context.Context, cfg *plexus.Config, target router.RouteResult, duration *time.Duration, status *int) {
	if d.cooldowns == nil {
		return
	}
	if status != nil && !plexus.CooldownWorthy(*status) {
		return
	}
	d.cooldowns.MarkFailure(ctx, target.Provider, target.Model, duration)
	metrics.CooldownActive.WithLabelValues(target.Provider, target.Model).Set(1)
}

func (d *Dispatcher) markSuccess(ctx context.Context, target router.RouteResult) {
	if d.cooldowns == nil {
		return
	}
	d.cooldowns.MarkSuccess(ctx, target.Provider, target.Model)
	metrics.CooldownActive.WithLabelValues(target.Provider, target.Model).Set(0)
}

// buildMeta assembles the response meta block for a target.
func buildMeta(target router.RouteResult, apiType unified.APIType) *unified.Meta {
	meta := &unified.Meta{
		Provider:         target.Provider,
		Model:            target.Model,
		APIType:          apiType,
		ProviderDiscount: target.ProviderConfig.DiscountFactor(),
		CanonicalModel:   target.Alias,
	}
	if mc := target.ModelConfig; mc != nil && mc.Pricing != nil {
		p := mc.Pricing
		mp := &unified.MetaPricing{}
		if p.InputPer1M != nil {
			mp.InputPer1M = *p.InputPer1M
		}
		if p.OutputPer1M != nil {
			mp.OutputPer1M = *p.OutputPer1M
		}
		if p.CachedPer1M != nil {
			mp.CachedPer1M = *p.CachedPer1M
		}
		if p.ReasoningPer1M != nil {
			mp.ReasoningPer1M = *p.ReasoningPer1M
		}
		meta.Pricing = mp
	}
	return meta
}

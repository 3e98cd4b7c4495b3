package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexus-labs/plexus"
	"github.com/plexus-labs/plexus/internal/cooldown"
	"github.com/plexus-labs/plexus/internal/dispatch"
	"github.com/plexus-labs/plexus/internal/events"
	"github.com/plexus-labs/plexus/internal/logging"
	"github.com/plexus-labs/plexus/internal/metrics"
	"github.com/plexus-labs/plexus/internal/router"
	"github.com/plexus-labs/plexus/internal/usage"
	"github.com/plexus-labs/plexus/transformers"
	"github.com/plexus-labs/plexus/unified"
)

const maxBodyBytes = 25 << 20

type contextKey string

const apiKeyNameKey contextKey = "api_key_name"

type server struct {
	snap       *plexus.Snapshot
	dispatcher *dispatch.Dispatcher
	registry   *transformers.Registry
	cooldowns  *cooldown.Manager
	usage      *usage.Logger
	usageStore usage.Store
	collector  *metrics.Collector
	bus        *events.Bus
	log        *slog.Logger
}

func newServer(snap *plexus.Snapshot, d *dispatch.Dispatcher, registry *transformers.Registry, cd *cooldown.Manager, ul *usage.Logger, us usage.Store, collector *metrics.Collector, bus *events.Bus, log *slog.Logger) *server {
	return &server{
		snap:       snap,
		dispatcher: d,
		registry:   registry,
		cooldowns:  cd,
		usage:      ul,
		usageStore: us,
		collector:  collector,
		bus:        bus,
		log:        log,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/models", s.handleModels)

	r.Post("/v1/chat/completions", s.auth(unified.APIChat, s.handleCompletion(unified.APIChat)))
	r.Post("/v1/messages", s.auth(unified.APIMessages, s.handleCompletion(unified.APIMessages)))
	r.Post("/v1/responses", s.auth(unified.APIResponses, s.handleCompletion(unified.APIResponses)))
	r.Post("/v1beta/models/{model}", s.auth(unified.APIGemini, s.handleGemini))

	r.Post("/v1/embeddings", s.auth(unified.APIEmbeddings, s.handleOpaque(unified.APIEmbeddings)))
	r.Post("/v1/images/generations", s.auth(unified.APIImages, s.handleOpaque(unified.APIImages)))
	r.Post("/v1/audio/speech", s.auth(unified.APISpeech, s.handleOpaque(unified.APISpeech)))
	r.Post("/v1/audio/transcriptions", s.auth(unified.APITranscriptions, s.handleTranscriptions))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/cooldowns", s.handleCooldownList)
		r.Delete("/cooldowns", s.handleCooldownClear)
		r.Get("/usage/recent", s.handleUsageRecent)
		r.Get("/metrics/providers", s.handleProviderMetrics)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// auth checks the client key against the configured apiKeys list. A config
// with no enabled keys runs open.
func (s *server) auth(apiType unified.APIType, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.snap.Current()
		var enabled []plexus.APIKeyConfig
		for _, k := range cfg.APIKeys {
			if k.Enabled {
				enabled = append(enabled, k)
			}
		}
		if len(enabled) == 0 {
			next(w, r)
			return
		}

		secret := r.Header.Get("x-api-key")
		if secret == "" {
			secret = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		for _, k := range enabled {
			if secret != "" && secret == k.Secret {
				ctx := context.WithValue(r.Context(), apiKeyNameKey, k.Name)
				next(w, r.WithContext(ctx))
				return
			}
		}
		writeDialectError(w, apiType, http.StatusUnauthorized, "authentication_error", "invalid or missing API key")
	}
}

func apiKeyName(ctx context.Context) string {
	v, _ := ctx.Value(apiKeyNameKey).(string)
	return v
}

// handleCompletion serves the chat-class dialects that parse into the
// unified request model.
func (s *server) handleCompletion(apiType unified.APIType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeDialectError(w, apiType, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
			return
		}
		tr, ok := s.registry.For(apiType)
		if !ok {
			writeDialectError(w, apiType, http.StatusInternalServerError, "server_error", "dialect not registered")
			return
		}
		req, err := tr.ParseRequest(body)
		if err != nil {
			writeDialectError(w, apiType, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			writeDialectError(w, apiType, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		s.serve(w, r, apiType, req)
	}
}

// handleGemini routes /v1beta/models/{model}:{action}. The model and the
// stream flag travel in the URL, not the body.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	seg := chi.URLParam(r, "model")
	model, action, ok := strings.Cut(seg, ":")
	if !ok || model == "" {
		writeDialectError(w, unified.APIGemini, http.StatusNotFound, "invalid_request_error", "expected /v1beta/models/{model}:generateContent")
		return
	}
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeDialectError(w, unified.APIGemini, http.StatusNotFound, "invalid_request_error", "unsupported action "+action)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeDialectError(w, unified.APIGemini, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		return
	}
	tr, _ := s.registry.For(unified.APIGemini)
	req, err := tr.ParseRequest(body)
	if err != nil {
		writeDialectError(w, unified.APIGemini, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	req.Model = model
	req.Stream = stream
	if err := req.Validate(); err != nil {
		writeDialectError(w, unified.APIGemini, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	s.serve(w, r, unified.APIGemini, req)
}

// handleOpaque serves the dialects whose bodies are forwarded without
// structural transformation.
func (s *server) handleOpaque(apiType unified.APIType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeDialectError(w, apiType, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
			return
		}
		tr, _ := s.registry.For(apiType)
		req, err := tr.ParseRequest(body)
		if err != nil {
			writeDialectError(w, apiType, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if req.Model == "" {
			writeDialectError(w, apiType, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		s.serve(w, r, apiType, req)
	}
}

// handleTranscriptions forwards the multipart upload opaquely; the model
// comes from the form field rather than a JSON body, and the raw bytes are
// kept intact for the upstream.
func (s *server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeDialectError(w, unified.APITranscriptions, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		return
	}
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeDialectError(w, unified.APITranscriptions, http.StatusBadRequest, "invalid_request_error", "expected multipart form data")
		return
	}

	model := ""
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		if part.FormName() == "model" {
			v, _ := io.ReadAll(io.LimitReader(part, 256))
			model = strings.TrimSpace(string(v))
		}
		_ = part.Close()
	}
	if model == "" {
		writeDialectError(w, unified.APITranscriptions, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	req := &unified.Request{
		Model:           model,
		IncomingAPIType: unified.APITranscriptions,
		OriginalBody:    body,
		Metadata:        map[string]any{"contentType": contentType},
	}
	s.serve(w, r, unified.APITranscriptions, req)
}

// serve runs the dispatch and writes the response in the client's dialect.
func (s *server) serve(w http.ResponseWriter, r *http.Request, apiType unified.APIType, req *unified.Request) {
	ctx := r.Context()
	rc := &unified.RequestContext{
		ID:            logging.RequestIDFromContext(ctx),
		StartTime:     time.Now(),
		ClientIP:      r.RemoteAddr,
		APIKeyName:    apiKeyName(ctx),
		ClientAPIType: apiType,
		Streaming:     req.Stream,
	}
	req.RequestID = rc.ID

	if req.Stream {
		s.usage.LogPending(ctx, rc)
	}

	res, err := s.dispatcher.Dispatch(ctx, req, rc)
	if err != nil {
		s.writeDispatchError(ctx, w, apiType, rc, err)
		return
	}

	if res.Stream != nil {
		s.relayStream(ctx, w, rc, res)
		return
	}

	contentType := "application/json"
	var body []byte
	if res.Passthrough || !renderable(apiType) {
		body = res.RawBody
		if res.ContentType != "" {
			contentType = res.ContentType
		}
	} else {
		clientT, ok := s.registry.For(apiType)
		if !ok {
			writeDialectError(w, apiType, http.StatusInternalServerError, "server_error", "dialect not registered")
			return
		}
		rendered, err := clientT.RenderResponse(res.Response)
		if err != nil {
			s.log.Error("render response failed", "api_type", apiType, "error", err)
			writeDialectError(w, apiType, http.StatusInternalServerError, "server_error", "failed to render response")
			return
		}
		body = rendered
	}

	w.Header().Set("Content-Type", contentType)
	rc.ClientFirstToken = time.Now()
	_, _ = w.Write(body)

	s.logSuccess(ctx, rc, res, res.Response)
}

// renderable reports whether the dialect has a unified-to-wire renderer.
// Opaque dialects are always served from the raw provider body.
func renderable(t unified.APIType) bool {
	switch t {
	case unified.APIChat, unified.APIMessages, unified.APIGemini, unified.APIResponses:
		return true
	}
	return false
}

// relayStream copies the envelope body to the client with per-frame flushes,
// then finalizes usage from the accumulated snapshot.
func (s *server) relayStream(ctx context.Context, w http.ResponseWriter, rc *unified.RequestContext, res *dispatch.Result) {
	env := res.Stream
	defer func() { _ = env.Body.Close() }()

	w.Header().Set("Content-Type", env.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, err := env.Body.Read(buf)
		if n > 0 {
			if rc.ClientFirstToken.IsZero() {
				rc.ClientFirstToken = time.Now()
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Warn("stream relay ended early", "error", err)
			}
			break
		}
	}

	final := <-env.Done
	if final != nil {
		final.Meta = env.Meta
		s.logSuccess(ctx, rc, res, final)
	}
}

func (s *server) logSuccess(ctx context.Context, rc *unified.RequestContext, res *dispatch.Result, resp *unified.Response) {
	if resp == nil {
		return
	}
	var pc *plexus.PricingConfig
	if mc := res.Target.ModelConfig; mc != nil {
		pc = mc.Pricing
	}
	s.usage.LogSuccess(ctx, rc, resp, pc, res.Target.ProviderConfig.DiscountFactor())
}

// writeDispatchError maps routing and upstream failures onto the client's
// dialect error envelope and records the error row.
func (s *server) writeDispatchError(ctx context.Context, w http.ResponseWriter, apiType unified.APIType, rc *unified.RequestContext, err error) {
	status := http.StatusBadGateway
	errType := "upstream_error"
	msg := err.Error()
	entry := usage.ErrorEntry{Message: msg}

	var re *dispatch.RoutingError
	switch {
	case errors.Is(err, router.ErrAliasNotFound):
		status, errType = http.StatusNotFound, "model_not_found"
	case errors.Is(err, router.ErrNoCompatibleTarget):
		status, errType = http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, router.ErrAllDisabled), errors.Is(err, router.ErrAllOnCooldown):
		status, errType = http.StatusServiceUnavailable, "overloaded_error"
	case errors.As(err, &re):
		if re.StatusCode > 0 {
			status = re.StatusCode
		}
		entry.StatusCode = re.StatusCode
		entry.AttemptCount = re.AttemptCount
		entry.ProviderError = re.ProviderResponse
	}
	entry.StatusCode = status
	entry.ErrorType = errType

	s.usage.LogError(ctx, rc, entry)
	writeDialectError(w, apiType, status, errType, msg)
}

// handleModels lists the configured aliases and direct targets in the OpenAI
// list shape.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	cfg := s.snap.Current()
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var data []model
	for alias := range cfg.Models {
		data = append(data, model{ID: alias, Object: "model", OwnedBy: "plexus"})
	}
	if cfg.Auto != nil && cfg.Auto.Enabled {
		data = append(data, model{ID: "auto", Object: "model", OwnedBy: "plexus"})
	}
	for name, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		for m := range p.Models {
			data = append(data, model{ID: "direct/" + name + "/" + m, Object: "model", OwnedBy: name})
		}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

func (s *server) handleCooldownList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cooldowns": s.cooldowns.Snapshot()})
}

// handleCooldownClear lifts cooldowns. ?provider= and ?model= narrow the
// scope; with neither, everything is cleared.
func (s *server) handleCooldownClear(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")
	s.cooldowns.Clear(r.Context(), provider, model)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := s.usageStore.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"usage": rows})
}

func (s *server) handleProviderMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"providers": s.collector.All()})
}

// handleEvents streams gateway events over SSE until the client disconnects.
// Each connection gets its own bounded subscriber queue; slow consumers drop
// events rather than backpressure request handling.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "events disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	name := "admin-" + logging.RequestIDFromContext(r.Context())
	ch := s.bus.Subscribe(name)
	defer s.bus.Unsubscribe(name)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

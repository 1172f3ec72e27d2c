package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/seo-llm-proxy/internal/auth"
	"github.com/felipepmaragno/seo-llm-proxy/internal/cache"
	"github.com/felipepmaragno/seo-llm-proxy/internal/circuitbreaker"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/httputil"
	"github.com/felipepmaragno/seo-llm-proxy/internal/metrics"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
	"github.com/felipepmaragno/seo-llm-proxy/internal/quota"
	"github.com/felipepmaragno/seo-llm-proxy/internal/ratelimit"
	"github.com/felipepmaragno/seo-llm-proxy/internal/router"
	"github.com/felipepmaragno/seo-llm-proxy/internal/stream"
	"github.com/felipepmaragno/seo-llm-proxy/internal/telemetry"
)

const (
	maxRequestBody  = 4 << 20
	maxResponseBody = 32 << 20
)

type HandlerConfig struct {
	Tracker     *quota.Tracker
	Router      *router.Router
	Breakers    *circuitbreaker.Manager
	Sessions    *auth.SessionVerifier
	RateLimiter ratelimit.RateLimiter
	RateLimits  ratelimit.TierLimits
	Cache       cache.Cache
	CacheTTL    time.Duration

	// Client performs upstream calls. It should have no whole-request timeout so that
	// streams are not cut off; UpstreamTimeout bounds buffered calls instead.
	Client          *http.Client
	UpstreamTimeout time.Duration

	// Checks back /health/ready. CheckTimeout bounds them all and defaults to 5s.
	Checks       []HealthCheck
	CheckTimeout time.Duration

	Admin   http.Handler
	Version string
}

type Handler struct {
	tracker         *quota.Tracker
	router          *router.Router
	breakers        *circuitbreaker.Manager
	rateLimiter     ratelimit.RateLimiter
	rateLimits      ratelimit.TierLimits
	cache           cache.Cache
	cacheTTL        time.Duration
	client          *http.Client
	upstreamTimeout time.Duration
	checks          []HealthCheck
	checkTimeout    time.Duration
	version         string
	mux             *http.ServeMux
	handler         http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	client := cfg.Client
	if client == nil {
		client = httputil.NewClient(httputil.UpstreamConfig(cfg.UpstreamTimeout))
	}
	limits := cfg.RateLimits
	if limits == nil {
		limits = ratelimit.DefaultTierLimits()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	checkTimeout := cfg.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		tracker:         cfg.Tracker,
		router:          cfg.Router,
		breakers:        cfg.Breakers,
		rateLimiter:     cfg.RateLimiter,
		rateLimits:      limits,
		cache:           cfg.Cache,
		cacheTTL:        cacheTTL,
		client:          client,
		upstreamTimeout: cfg.UpstreamTimeout,
		checks:          cfg.Checks,
		checkTimeout:    checkTimeout,
		version:         version,
		mux:             http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /completions", h.handleCompletions)
	h.mux.HandleFunc("POST /v1/chat/completions", h.handleCompletions)
	h.mux.HandleFunc("POST /embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("POST /v1/embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/templates", h.handleListTemplates)
	h.mux.HandleFunc("POST /v1/templates/{id}/fill", h.handleFillTemplate)
	h.mux.HandleFunc("GET /v1/quota", h.handleQuota)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	h.handler = auth.Identify(cfg.Sessions)(h.mux)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// completionBody is the wire shape of POST /completions: the chat payload plus the
// routing fields, which never leave the proxy.
type completionBody struct {
	domain.ChatRequest
	domain.Routing
}

// caller is the resolved identity of one request.
type caller struct {
	requestID   string
	userID      string
	tier        domain.Tier
	preferences domain.Preferences
}

func (h *Handler) resolveCaller(w http.ResponseWriter, r *http.Request) caller {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	id := auth.IdentityFromContext(r.Context())
	c := caller{
		requestID: requestID,
		userID:    id.UserID,
		tier:      h.tracker.GetTier(r.Context(), id.UserID),
	}
	if profile := h.tracker.Profile(r.Context(), id.UserID); profile != nil {
		c.preferences = profile.Preferences
	}
	return c
}

// admit applies the per-minute rate limit and the monthly quota. It writes the
// rejection itself and reports whether the request may proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, c caller) bool {
	ctx := r.Context()

	if h.rateLimiter != nil {
		limit := h.rateLimits.For(c.tier)
		allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, "user:"+c.userID, limit)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "request_id", c.requestID, "error", err)
		} else {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
			if !allowed {
				slog.Warn("rate limit exceeded", "request_id", c.requestID, "user_id", c.userID, "tier", c.tier)
				metrics.RecordRateLimitHit(string(c.tier))
				writeError(w, http.StatusTooManyRequests, domain.ErrRateLimitExceeded.Error())
				return false
			}
		}
	}

	if h.tracker.HasExceededLimit(ctx, c.userID, c.tier) {
		slog.Warn("quota exceeded", "request_id", c.requestID, "user_id", c.userID, "tier", c.tier)
		metrics.RecordQuotaRejection(string(c.tier))
		writeError(w, http.StatusTooManyRequests, domain.ErrQuotaExceeded.Error())
		return false
	}

	return true
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	c := h.resolveCaller(w, r)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var body completionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}

	if !h.admit(w, r, c) {
		return
	}

	route, err := h.router.Resolve(r.Context(), router.Request{
		Model:       body.Model,
		Routing:     body.Routing,
		Tier:        c.tier,
		Preferences: c.preferences,
	})
	if err != nil {
		h.fail(w, c, "completions", nil, err)
		return
	}

	req := body.ChatRequest
	req.Model = route.Model

	if req.Stream {
		h.streamCompletion(w, r, c, route, req, raw, start)
		return
	}
	h.bufferCompletion(w, r, c, route, req, raw, start)
}

func (h *Handler) bufferCompletion(w http.ResponseWriter, r *http.Request, c caller, route *router.Route, req domain.ChatRequest, raw []byte, start time.Time) {
	ctx, span := startRouteSpan(r.Context(), "completion.buffered", c, route, false)
	defer span.End()

	var cacheKey string
	if h.cache != nil && r.Header.Get("X-Skip-Cache") != "true" {
		cacheKey = cache.Key(req, route.Provider, route.BaseURL)
		if cached, ok := h.cache.Get(ctx, cacheKey); ok {
			metrics.RecordCacheHit(string(route.Provider))
			telemetry.SetCacheHit(span, true)
			slog.Info("cache hit",
				"request_id", c.requestID,
				"user_id", c.userID,
				"tier", c.tier,
				"provider", route.Provider,
				"model", route.Model,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
		metrics.RecordCacheMiss(string(route.Provider))
	}

	up, err := route.Adapter.BuildChat(provider.Call{Request: req, Raw: raw, APIKey: route.APIKey, BaseURL: route.BaseURL})
	if err != nil {
		h.fail(w, c, "completions", route, err)
		return
	}

	if h.upstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.upstreamTimeout)
		defer cancel()
	}

	resp, err := provider.Send(ctx, h.client, route.Provider, up)
	if err != nil {
		h.router.Report(ctx, route, err)
		telemetry.RecordError(span, err)
		h.fail(w, c, "completions", route, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		h.router.Report(ctx, route, err)
		h.fail(w, c, "completions", route, err)
		return
	}
	h.router.Report(ctx, route, nil)

	out, err := route.Adapter.ParseChat(data)
	if err != nil {
		h.fail(w, c, "completions", route, err)
		return
	}

	usage, estimated := out.Usage, false
	if usage.TotalTokens == 0 {
		usage, estimated = estimateBuffered(req.Messages, out), true
	}

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, out)

	if cacheKey != "" {
		if err := h.cache.Set(ctx, cacheKey, out, h.cacheTTL); err != nil {
			slog.Warn("failed to cache response", "request_id", c.requestID, "error", err)
		}
	}

	h.recordUsage(r.Context(), span, c, route, usage, estimated)
	h.logCompleted(ctx, c, "completions", route, http.StatusOK, start)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, c caller, route *router.Route, req domain.ChatRequest, raw []byte, start time.Time) {
	ctx, span := startRouteSpan(r.Context(), "completion.stream", c, route, true)
	defer span.End()

	sw := stream.NewWriter(w)
	if sw == nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	up, err := route.Adapter.BuildChat(provider.Call{Request: req, Raw: raw, APIKey: route.APIKey, BaseURL: route.BaseURL})
	if err != nil {
		h.fail(w, c, "completions", route, err)
		return
	}

	// Dispatch before committing to a 200 so upstream failures keep their status.
	resp, err := provider.Send(ctx, h.client, route.Provider, up)
	if err != nil {
		h.router.Report(ctx, route, err)
		telemetry.RecordError(span, err)
		h.fail(w, c, "completions", route, err)
		return
	}
	defer resp.Body.Close()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	sw.WriteHeaders()

	var meter stream.Meter
	streamErr := route.Adapter.Stream(ctx, resp.Body, func(payload []byte) error {
		meter.Observe(payload)
		return sw.WriteData(payload)
	})

	status := http.StatusOK
	switch {
	case streamErr == nil:
		if err := sw.WriteDone(); err != nil {
			slog.Debug("client went away before [DONE]", "request_id", c.requestID, "error", err)
		}
		h.router.Report(ctx, route, nil)
	case ctx.Err() != nil:
		slog.Info("client disconnected mid-stream", "request_id", c.requestID, "user_id", c.userID)
		status = 499
	default:
		slog.Error("stream failed", "request_id", c.requestID, "provider", route.Provider, "error", streamErr)
		metrics.RecordProviderError(string(route.Provider), "stream")
		telemetry.RecordError(span, streamErr)
		h.router.Report(ctx, route, streamErr)
		_ = sw.WriteError(clientMessage(streamErr))
		status = http.StatusBadGateway
	}

	usage, estimated := meter.Usage(stream.EstimatePromptTokens(req.Messages))
	h.recordUsage(r.Context(), span, c, route, usage, estimated)
	h.logCompleted(ctx, c, "completions", route, status, start)
}

// embeddingsBody accepts input as a single string or an array of strings.
type embeddingsBody struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
	domain.Routing
}

func (b embeddingsBody) inputs() ([]string, error) {
	var one string
	if err := json.Unmarshal(b.Input, &one); err == nil {
		if one == "" {
			return nil, errors.New("input is required")
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(b.Input, &many); err != nil || len(many) == 0 {
		return nil, errors.New("input must be a string or a non-empty array of strings")
	}
	return many, nil
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	c := h.resolveCaller(w, r)

	var body embeddingsBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input, err := body.inputs()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.admit(w, r, c) {
		return
	}

	route, err := h.router.Resolve(r.Context(), router.Request{
		Model:       body.Model,
		Routing:     body.Routing,
		Tier:        c.tier,
		Preferences: c.preferences,
		Embeddings:  true,
	})
	if err != nil {
		h.fail(w, c, "embeddings", nil, err)
		return
	}

	ctx, span := startRouteSpan(r.Context(), "embeddings", c, route, false)
	defer span.End()

	up, err := route.Adapter.BuildEmbeddings(provider.EmbeddingsCall{
		Request: domain.EmbeddingsRequest{Model: route.Model, Input: input},
		APIKey:  route.APIKey,
		BaseURL: route.BaseURL,
	})
	if err != nil {
		h.fail(w, c, "embeddings", route, err)
		return
	}

	if h.upstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.upstreamTimeout)
		defer cancel()
	}

	resp, err := provider.Send(ctx, h.client, route.Provider, up)
	if err != nil {
		h.router.Report(ctx, route, err)
		telemetry.RecordError(span, err)
		h.fail(w, c, "embeddings", route, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		h.router.Report(ctx, route, err)
		h.fail(w, c, "embeddings", route, err)
		return
	}
	h.router.Report(ctx, route, nil)

	out, err := route.Adapter.ParseEmbeddings(data)
	if err == nil && len(out.Embeddings) != len(input) {
		err = &domain.UpstreamError{
			Provider:   route.Provider,
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("upstream returned %d embeddings for %d inputs", len(out.Embeddings), len(input)),
		}
	}
	if err != nil {
		h.fail(w, c, "embeddings", route, err)
		return
	}

	writeJSON(w, http.StatusOK, out)

	usage, estimated := domain.Usage{PromptTokens: out.Usage.PromptTokens, TotalTokens: out.Usage.PromptTokens}, false
	if usage.PromptTokens == 0 {
		n := 0
		for _, s := range input {
			n += stream.EstimateTokens(s)
		}
		usage, estimated = domain.Usage{PromptTokens: n, TotalTokens: n}, true
	}
	h.recordUsage(r.Context(), span, c, route, usage, estimated)
	h.logCompleted(ctx, c, "embeddings", route, http.StatusOK, start)
}

// recordUsage runs after the response is written and never touches it. It detaches
// from the request context so a disconnecting client does not drop the record.
func (h *Handler) recordUsage(ctx context.Context, span trace.Span, c caller, route *router.Route, usage domain.Usage, estimated bool) {
	rec := h.tracker.RecordUsage(context.WithoutCancel(ctx), c.userID, route.Model, route.Provider, usage.PromptTokens, usage.CompletionTokens, estimated)
	telemetry.SetUsage(span, rec)

	metrics.RecordTokens(string(c.tier), string(route.Provider), route.Model, rec.PromptTokens, rec.CompletionTokens)
	metrics.RecordCost(string(c.tier), string(route.Provider), route.Model, rec.CostUSD)
	if estimated {
		metrics.RecordEstimatedUsage(string(route.Provider))
	}
}

func estimateBuffered(messages []domain.Message, resp *domain.ChatResponse) domain.Usage {
	prompt := stream.EstimatePromptTokens(messages)
	completion := 0
	for _, choice := range resp.Choices {
		if choice.Message != nil {
			completion += stream.EstimateTokens(choice.Message.Content)
		}
	}
	return domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func startRouteSpan(ctx context.Context, name string, c caller, route *router.Route, streaming bool) (context.Context, trace.Span) {
	return telemetry.StartRouteSpan(ctx, name, telemetry.Route{
		RequestID: c.requestID,
		Tier:      c.tier,
		Provider:  route.Provider,
		Model:     route.Model,
		KeyOrigin: string(route.KeyOrigin),
		Stream:    streaming,
	})
}

func (h *Handler) logCompleted(ctx context.Context, c caller, endpoint string, route *router.Route, status int, start time.Time) {
	latency := time.Since(start)
	metrics.RecordRequest(endpoint, string(c.tier), string(route.Provider), route.Model, strconv.Itoa(status), latency.Seconds())
	slog.Info("request completed",
		"request_id", c.requestID,
		"endpoint", endpoint,
		"user_id", c.userID,
		"tier", c.tier,
		"provider", route.Provider,
		"model", route.Model,
		"key_origin", route.KeyOrigin,
		"status", status,
		"latency_ms", latency.Milliseconds(),
		"trace_id", telemetry.TraceID(ctx),
	)
}

// fail maps err to a status, logs it and writes the error body. route may be nil when
// routing itself failed.
func (h *Handler) fail(w http.ResponseWriter, c caller, endpoint string, route *router.Route, err error) {
	status, message := statusFor(err)

	p, model := "", ""
	if route != nil {
		p, model = string(route.Provider), route.Model
		metrics.RecordProviderError(p, errorType(err))
	}
	metrics.RecordRequest(endpoint, string(c.tier), p, model, strconv.Itoa(status), 0)

	attrs := []any{
		"request_id", c.requestID,
		"endpoint", endpoint,
		"user_id", c.userID,
		"tier", c.tier,
		"provider", p,
		"model", model,
		"status", status,
		"error", err,
	}
	if status >= 500 {
		slog.Error("request failed", attrs...)
	} else {
		slog.Warn("request rejected", attrs...)
	}

	writeError(w, status, message)
}

// statusFor maps the error taxonomy onto HTTP. Upstream errors keep the upstream's own
// status and message; configuration errors name the provider.
func statusFor(err error) (int, string) {
	var upstream *domain.UpstreamError
	var cfgErr *domain.ConfigError

	switch {
	case errors.As(err, &upstream):
		return upstream.StatusCode, upstream.Message
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, cfgErr.Error()
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrProviderNotFound),
		errors.Is(err, domain.ErrEmbeddingsUnsupported):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrModelNotAllowed):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	default:
		return http.StatusInternalServerError, clientMessage(err)
	}
}

// clientMessage is the text shown to callers for failures that carry no message of
// their own. Transport details stay in the logs.
func clientMessage(err error) string {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Message
	}
	return "upstream request failed"
}

func errorType(err error) string {
	var upstream *domain.UpstreamError
	switch {
	case errors.As(err, &upstream):
		return fmt.Sprintf("http_%d", upstream.StatusCode)
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

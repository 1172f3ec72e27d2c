package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "tier", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmproxy_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"tier", "provider", "model", "type"},
	)

	EstimatedUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_estimated_usage_total",
			Help: "Usage records whose token counts were estimated from streamed text",
		},
		[]string{"provider"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_cost_usd_total",
			Help: "Total estimated cost in USD",
		},
		[]string{"tier", "provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"provider"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmproxy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"tier"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_quota_rejections_total",
			Help: "Total number of requests rejected for an exhausted monthly quota",
		},
		[]string{"tier"},
	)

	QuotaAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_quota_alerts_total",
			Help: "Total number of quota alerts raised",
		},
		[]string{"level"},
	)

	UsageWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmproxy_usage_write_failures_total",
			Help: "Usage records that could not be stored or enqueued",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmproxy_active_streams",
			Help: "Number of active streaming responses",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmproxy_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"version"},
	)
)

func RecordRequest(endpoint, tier, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(endpoint, tier, provider, model, status).Inc()
	RequestDuration.WithLabelValues(endpoint, provider, model).Observe(durationSec)
}

func RecordTokens(tier, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(tier, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(tier, provider, model, "completion").Add(float64(completionTokens))
}

func RecordEstimatedUsage(provider string) {
	EstimatedUsageTotal.WithLabelValues(provider).Inc()
}

func RecordCost(tier, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(tier, provider, model).Add(costUSD)
}

func RecordCacheHit(provider string) {
	CacheHits.WithLabelValues(provider).Inc()
}

func RecordCacheMiss(provider string) {
	CacheMisses.WithLabelValues(provider).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitHit(tier string) {
	RateLimitHits.WithLabelValues(tier).Inc()
}

func RecordQuotaRejection(tier string) {
	QuotaRejections.WithLabelValues(tier).Inc()
}

func RecordQuotaAlert(level string) {
	QuotaAlerts.WithLabelValues(level).Inc()
}

func RecordUsageWriteFailure() {
	UsageWriteFailures.Inc()
}

// SetCircuitBreakerState exports a breaker state by name.
func SetCircuitBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(provider).Set(v)
}

func InitInstanceMetrics(version string) {
	InstanceInfo.WithLabelValues(version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}

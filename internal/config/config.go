package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

// keyedProviders are the providers whose server-side key may come from the environment.
var keyedProviders = []domain.Provider{
	domain.ProviderOpenAI,
	domain.ProviderAnthropic,
	domain.ProviderMistral,
	domain.ProviderTogether,
	domain.ProviderOpenRouter,
	domain.ProviderLlama,
	domain.ProviderCohere,
}

type Config struct {
	Addr        string
	LogLevel    string
	Version     string
	RedisURL    string
	DatabaseURL string

	// Server-side provider keys, keyed by provider. Empty keys are omitted.
	ProviderKeys      map[domain.Provider]string
	OpenAIBaseURL     string
	OllamaBaseURL     string
	OpenRouterReferer string
	OpenRouterTitle   string
	UpstreamTimeout   time.Duration

	OTLPEndpoint             string
	TraceSampleRatio         float64
	AWSRegion                string
	ProviderKeysSecretPrefix string
	ProviderKeysCacheTTL     time.Duration
	UsageQueueURL            string
	QuotaAlertTopicARN       string

	EncryptionKey    string
	SessionJWTSecret string
	AdminTokenHashes string

	StripeAPIKey           string
	StripeStandardPriceIDs []string
	StripePremiumPriceIDs  []string

	QuotaFreeTokens     int64
	QuotaStandardTokens int64
	QuotaPremiumTokens  int64

	CacheTTL time.Duration

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		Version:                      getEnv("VERSION", "dev"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		ProviderKeys:                 make(map[domain.Provider]string),
		OpenAIBaseURL:                getEnv("OPENAI_BASE_URL", ""),
		OllamaBaseURL:                getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OpenRouterReferer:            getEnv("OPENROUTER_REFERER", ""),
		OpenRouterTitle:              getEnv("OPENROUTER_TITLE", ""),
		UpstreamTimeout:              getDurationEnv("UPSTREAM_TIMEOUT", 60*time.Second),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		ProviderKeysSecretPrefix:     getEnv("PROVIDER_KEYS_SECRET_PREFIX", ""),
		ProviderKeysCacheTTL:         getDurationEnv("PROVIDER_KEYS_CACHE_TTL", 5*time.Minute),
		UsageQueueURL:                getEnv("USAGE_QUEUE_URL", ""),
		QuotaAlertTopicARN:           getEnv("QUOTA_ALERT_TOPIC_ARN", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		SessionJWTSecret:             getEnv("SESSION_JWT_SECRET", ""),
		AdminTokenHashes:             getEnv("ADMIN_TOKEN_HASHES", ""),
		StripeAPIKey:                 getEnv("STRIPE_API_KEY", ""),
		StripeStandardPriceIDs:       getListEnv("STRIPE_STANDARD_PRICE_IDS"),
		StripePremiumPriceIDs:        getListEnv("STRIPE_PREMIUM_PRICE_IDS"),
		CacheTTL:                     getDurationEnv("CACHE_TTL", time.Hour),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	for _, p := range keyedProviders {
		if key := getEnv(provider.KeyEnvName(p), ""); key != "" {
			cfg.ProviderKeys[p] = key
		}
	}

	var err error
	if cfg.TraceSampleRatio, err = getFloat64Env("TRACE_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.QuotaFreeTokens, err = getInt64Env("QUOTA_FREE_TOKENS", 50_000); err != nil {
		return nil, err
	}
	if cfg.QuotaStandardTokens, err = getInt64Env("QUOTA_STANDARD_TOKENS", 500_000); err != nil {
		return nil, err
	}
	if cfg.QuotaPremiumTokens, err = getInt64Env("QUOTA_PREMIUM_TOKENS", 2_000_000); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL != "" && cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required when DATABASE_URL is set")
	}

	return cfg, nil
}

// QuotaLimits returns the monthly token limits per tier.
func (c *Config) QuotaLimits() map[domain.Tier]int64 {
	return map[domain.Tier]int64{
		domain.TierFree:     c.QuotaFreeTokens,
		domain.TierStandard: c.QuotaStandardTokens,
		domain.TierPremium:  c.QuotaPremiumTokens,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts a Go duration ("90s", "2m") or a bare number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(value, "_", ""), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: want a non-negative integer, got %q", key, value)
	}
	return n, nil
}

func getFloat64Env(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("%s: want a non-negative number, got %q", key, value)
	}
	return f, nil
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

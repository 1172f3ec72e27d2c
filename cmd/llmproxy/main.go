package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/seo-llm-proxy/internal/api"
	"github.com/felipepmaragno/seo-llm-proxy/internal/auth"
	"github.com/felipepmaragno/seo-llm-proxy/internal/billing"
	"github.com/felipepmaragno/seo-llm-proxy/internal/cache"
	"github.com/felipepmaragno/seo-llm-proxy/internal/circuitbreaker"
	"github.com/felipepmaragno/seo-llm-proxy/internal/config"
	"github.com/felipepmaragno/seo-llm-proxy/internal/crypto"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/httputil"
	"github.com/felipepmaragno/seo-llm-proxy/internal/metrics"
	"github.com/felipepmaragno/seo-llm-proxy/internal/notifications"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider/anthropic"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider/ollama"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider/openai"
	"github.com/felipepmaragno/seo-llm-proxy/internal/queue"
	"github.com/felipepmaragno/seo-llm-proxy/internal/quota"
	"github.com/felipepmaragno/seo-llm-proxy/internal/ratelimit"
	"github.com/felipepmaragno/seo-llm-proxy/internal/repository"
	"github.com/felipepmaragno/seo-llm-proxy/internal/router"
	"github.com/felipepmaragno/seo-llm-proxy/internal/secrets"
	"github.com/felipepmaragno/seo-llm-proxy/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting llm proxy", "addr", cfg.Addr, "version", cfg.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "seo-llm-proxy",
		Version:     cfg.Version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	metrics.InitInstanceMetrics(cfg.Version)

	var checks []api.HealthCheck

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		checks = append(checks, api.RedisCheck(rdb))
		slog.Info("using redis for rate limits, cache, breakers and alert dedup")
	}

	var (
		profiles repository.ProfileRepository
		usage    repository.UsageRepository
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			slog.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", "error", err)
			os.Exit(1)
		}
		profiles = repository.NewPostgresProfileRepository(db, enc)
		usage = repository.NewPostgresUsageRepository(db)
		checks = append(checks, api.PostgresCheck(db.DB))
		slog.Info("using postgres repositories")
	} else {
		profiles = repository.NewInMemoryProfileRepository()
		usage = repository.NewInMemoryUsageRepository()
		slog.Warn("DATABASE_URL not set, profiles and usage are kept in memory")
	}

	var rateLimiter ratelimit.RateLimiter
	var responseCache cache.Cache
	var dedup quota.AlertDeduplicator
	if rdb != nil {
		rateLimiter = ratelimit.NewRedisRateLimiter(rdb)
		responseCache = cache.NewRedisCache(rdb)
		dedup = quota.NewRedisDeduplicator(rdb, 31*24*time.Hour)
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		responseCache = cache.NewInMemoryCache()
		dedup = quota.NewInMemoryDeduplicator()
	}

	var notifier notifications.Notifier
	if cfg.QuotaAlertTopicARN != "" && cfg.AWSRegion != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.QuotaAlertTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		notifier = sns
		slog.Info("publishing alerts to sns", "topic", cfg.QuotaAlertTopicARN)
	}

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateChange(func(ctx context.Context, p domain.Provider, from, to string) {
			metrics.SetCircuitBreakerState(string(p), to)
			slog.Warn("circuit breaker state changed", "provider", p, "from", from, "to", to)
		}),
	}
	if notifier != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithStateChange(notifications.ProviderStateHandler(notifier)))
	}
	if cfg.UseDistributedCircuitBreaker && rdb != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithFactory(circuitbreaker.RedisFactory(rdb, circuitbreaker.DefaultConfig())))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	keys := secrets.Chain{}
	if cfg.AWSRegion != "" && cfg.ProviderKeysSecretPrefix != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets manager client", "error", err)
			os.Exit(1)
		}
		store.SetCacheTTL(cfg.ProviderKeysCacheTTL)
		keys = append(keys, secrets.NewStoreKeys(store, cfg.ProviderKeysSecretPrefix))
		slog.Info("reading provider keys from secrets manager", "prefix", cfg.ProviderKeysSecretPrefix)
	}
	keys = append(keys, secrets.StaticKeys(cfg.ProviderKeys))

	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	registry := provider.NewRegistry(
		openai.NewOpenAI(openaiOpts...),
		openai.NewMistral(),
		openai.NewTogether(),
		openai.NewOpenRouter(cfg.OpenRouterReferer, cfg.OpenRouterTitle),
		openai.NewLlama(),
		openai.NewCohere(),
		openai.NewCustom(),
		anthropic.New(""),
		ollama.New(cfg.OllamaBaseURL),
	)
	for p := range cfg.ProviderKeys {
		slog.Info("server key configured", "provider", p)
	}

	providerRouter := router.New(registry,
		router.WithKeySource(keys),
		router.WithBreakers(breakers),
	)

	monitor := quota.NewMonitor(quota.DefaultThresholds(), dedup)
	monitor.OnAlert(quota.LogAlertHandler)
	monitor.OnAlert(func(_ context.Context, alert quota.Alert) {
		metrics.RecordQuotaAlert(string(alert.Level))
	})
	if notifier != nil {
		monitor.OnAlert(notifications.QuotaAlertHandler(notifier))
	}

	trackerOpts := []quota.Option{quota.WithMonitor(monitor)}
	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to create sqs queue", "error", err)
			os.Exit(1)
		}
		trackerOpts = append(trackerOpts, quota.WithSink(queue.Sink{Queue: q}))
		worker := queue.NewWorker(q, usage, queue.DefaultWorkerConfig())
		go worker.Run(ctx)
		slog.Info("usage records go through sqs", "queue", cfg.UsageQueueURL)
	}
	tracker := quota.NewTracker(profiles, usage, quota.Limits(cfg.QuotaLimits()), trackerOpts...)

	var syncer *billing.TierSyncer
	if cfg.StripeAPIKey != "" {
		subs, err := billing.NewStripeSubscriptions(cfg.StripeAPIKey)
		if err != nil {
			slog.Error("failed to create stripe client", "error", err)
			os.Exit(1)
		}
		syncer = billing.NewTierSyncer(profiles, subs, billing.PricePlan{
			Standard: cfg.StripeStandardPriceIDs,
			Premium:  cfg.StripePremiumPriceIDs,
		})
		slog.Info("stripe tier sync enabled")
	}

	var admin http.Handler
	if cfg.AdminTokenHashes != "" {
		tokens, err := auth.ParseAdminTokens(cfg.AdminTokenHashes)
		if err != nil {
			slog.Error("invalid ADMIN_TOKEN_HASHES", "error", err)
			os.Exit(1)
		}
		admin = api.NewAdminHandler(api.AdminConfig{
			Profiles: profiles,
			Usage:    usage,
			Tracker:  tracker,
			Auth:     auth.NewAdminAuthenticator(tokens),
			Syncer:   syncer,
		})
		slog.Info("admin api enabled", "tokens", len(tokens))
	}

	var sessions *auth.SessionVerifier
	if cfg.SessionJWTSecret != "" {
		sessions = auth.NewSessionVerifier(cfg.SessionJWTSecret)
	} else {
		slog.Warn("SESSION_JWT_SECRET not set, every caller is anonymous")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Tracker:         tracker,
		Router:          providerRouter,
		Breakers:        breakers,
		Sessions:        sessions,
		RateLimiter:     rateLimiter,
		RateLimits:      ratelimit.DefaultTierLimits(),
		Cache:           responseCache,
		CacheTTL:        cfg.CacheTTL,
		Client:          httputil.NewClient(httputil.UpstreamConfig(cfg.UpstreamTimeout)),
		UpstreamTimeout: cfg.UpstreamTimeout,
		Checks:          checks,
		Admin:           admin,
		Version:         cfg.Version,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: a long generation is streamed for as long as the upstream runs.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

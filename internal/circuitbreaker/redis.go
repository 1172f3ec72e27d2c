package circuitbreaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

// The scripts make each transition atomic across the state keys of one provider.
// Time is passed in by the caller so every replica and the tests agree on it.

// KEYS: state, last_failure, successes. ARGV: timeout_seconds, now.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state ~= 'open' then
    return state
end
local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
if (tonumber(ARGV[2]) - lastFailure) >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('SET', KEYS[3], '0')
    return 'half-open'
end
return 'open'
`)

// KEYS: state, failures, successes. ARGV: success_threshold.
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end
if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end
return state
`)

// KEYS: state, failures, last_failure, successes. ARGV: failure_threshold, now.
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
redis.call('SET', KEYS[3], ARGV[2])
if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end
if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end
return state
`)

// RedisCircuitBreaker keeps one provider's breaker in Redis under cb:<provider>:*.
// Redis errors fail open.
type RedisCircuitBreaker struct {
	client    redis.UniversalClient
	provider  domain.Provider
	config    Config
	keyPrefix string
	now       func() time.Time
}

func NewRedis(client redis.UniversalClient, provider domain.Provider, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:    client,
		provider:  provider,
		config:    cfg,
		keyPrefix: "cb:" + string(provider) + ":",
		now:       time.Now,
	}
}

// RedisFactory builds Redis breakers for Manager.
func RedisFactory(client redis.UniversalClient, cfg Config) func(domain.Provider) CircuitBreaker {
	return func(p domain.Provider) CircuitBreaker {
		return NewRedis(client, p, cfg)
	}
}

func (cb *RedisCircuitBreaker) stateKey() string       { return cb.keyPrefix + "state" }
func (cb *RedisCircuitBreaker) failuresKey() string    { return cb.keyPrefix + "failures" }
func (cb *RedisCircuitBreaker) successesKey() string   { return cb.keyPrefix + "successes" }
func (cb *RedisCircuitBreaker) lastFailureKey() string { return cb.keyPrefix + "last_failure" }

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.stateKey(), cb.lastFailureKey(), cb.successesKey()}
	result, err := allowScript.Run(ctx, cb.client, keys, int64(cb.config.Timeout.Seconds()), cb.now().Unix()).Text()
	if err != nil {
		slog.Warn("circuit breaker unavailable, allowing request", "provider", cb.provider, "error", err)
		return nil
	}
	if result == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.successesKey()}
	if err := recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold).Err(); err != nil {
		slog.Warn("circuit breaker record failed", "provider", cb.provider, "error", err)
	}
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.lastFailureKey(), cb.successesKey()}
	if err := recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold, cb.now().Unix()).Err(); err != nil {
		slog.Warn("circuit breaker record failed", "provider", cb.provider, "error", err)
	}
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.stateKey()).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

// Reset closes the circuit, for manual intervention.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.stateKey(), "closed", 0)
	pipe.Set(ctx, cb.failuresKey(), "0", 0)
	pipe.Set(ctx, cb.successesKey(), "0", 0)
	pipe.Del(ctx, cb.lastFailureKey())
	_, err := pipe.Exec(ctx)
	return err
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrConfiguration         = errors.New("configuration error")
	ErrQuotaExceeded         = errors.New("monthly token quota exceeded")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrModelNotAllowed       = errors.New("model not allowed for tier")
	ErrEmbeddingsUnsupported = errors.New("embeddings not supported by provider")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrProfileNotFound       = errors.New("profile not found")
	ErrUpstream              = errors.New("upstream error")
)

// ConfigError reports a provider that cannot be called with the configuration at hand,
// such as a missing API key or base URL.
type ConfigError struct {
	Provider Provider
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

func MissingKeyError(p Provider, envName string) *ConfigError {
	return &ConfigError{Provider: p, Reason: fmt.Sprintf("no API key configured (set %s or pass api_key)", envName)}
}

// UpstreamError carries a non-2xx provider response back to the caller.
type UpstreamError struct {
	Provider   Provider
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstream
}

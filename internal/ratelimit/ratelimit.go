// Package ratelimit caps requests per minute for each caller. Limits depend on the
// caller's subscription tier; anonymous callers are limited per client address.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

const window = time.Minute

type RateLimiter interface {
	// Allow counts one request for key and reports whether it fits in limit.
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// TierLimits is requests per minute per tier. A value <= 0 disables limiting.
type TierLimits map[domain.Tier]int

func DefaultTierLimits() TierLimits {
	return TierLimits{
		domain.TierFree:     20,
		domain.TierStandard: 60,
		domain.TierPremium:  300,
	}
}

func (l TierLimits) For(tier domain.Tier) int {
	if v, ok := l[tier]; ok {
		return v
	}
	return l[domain.TierFree]
}

// InMemoryRateLimiter uses fixed one-minute windows per key.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*counter
	now     func() time.Time
}

type counter struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*counter),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &counter{resetAt: now.Add(window)}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

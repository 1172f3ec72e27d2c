package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "user1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed to be true")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "user1", 3)
	rl.Allow(ctx, "user1", 3)

	allowed, remaining, _, _ = rl.Allow(ctx, "user1", 3)
	if allowed {
		t.Error("expected allowed to be false after limit exceeded")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiter_DifferentUsers(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "user1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "user1", 1); allowed {
		t.Error("user1 should be rate limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "anon:10.0.0.1", 1); !allowed {
		t.Error("anonymous caller should have its own window")
	}
}

func TestInMemoryRateLimiter_WindowResets(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, resetAt, _ := rl.Allow(ctx, "user1", 1)
	if !resetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("resetAt = %v, want one minute ahead", resetAt)
	}
	if allowed, _, _, _ := rl.Allow(ctx, "user1", 1); allowed {
		t.Fatal("expected second request to be limited")
	}

	now = now.Add(time.Minute)
	if allowed, _, _, _ := rl.Allow(ctx, "user1", 1); !allowed {
		t.Error("expected a new window after reset")
	}
}

func TestInMemoryRateLimiter_ZeroLimit(t *testing.T) {
	rl := NewInMemoryRateLimiter()

	if allowed, _, _, _ := rl.Allow(context.Background(), "user1", 0); allowed {
		t.Error("expected zero limit to block")
	}
}

func TestInMemoryRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	var mu sync.Mutex
	allowedCount := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _, _, _ := rl.Allow(ctx, "user1", 50); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 50 {
		t.Errorf("expected 50 allowed, got %d", allowedCount)
	}
}

func TestTierLimits_For(t *testing.T) {
	l := DefaultTierLimits()

	if l.For(domain.TierPremium) <= l.For(domain.TierStandard) || l.For(domain.TierStandard) <= l.For(domain.TierFree) {
		t.Errorf("limits should grow with tier: %v", l)
	}
	if l.For("unknown") != l.For(domain.TierFree) {
		t.Error("unknown tier should fall back to free")
	}
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRedisRateLimiter(client)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, _, err := rl.Allow(ctx, "user1", 2)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, remaining, _, _ := rl.Allow(ctx, "user1", 2)
	if allowed || remaining != 0 {
		t.Errorf("third request: allowed=%v remaining=%d", allowed, remaining)
	}

	now = now.Add(61 * time.Second)
	if allowed, _, _, _ := rl.Allow(ctx, "user1", 2); !allowed {
		t.Error("old requests should slide out of the window")
	}
}

func TestRedisRateLimiter_Error(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	if _, _, _, err := NewRedisRateLimiter(client).Allow(context.Background(), "user1", 5); err == nil {
		t.Error("expected an error when Redis is down")
	}
}

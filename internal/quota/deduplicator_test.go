package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("First alert should be allowed")
	}
	if d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("Same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelCritical) {
		t.Error("Different level should be allowed")
	}
	if !d.ShouldAlert(ctx, "user1:2024-06", AlertLevelWarning) {
		t.Error("A new month should be allowed")
	}
	if !d.ShouldAlert(ctx, "user2:2024-05", AlertLevelWarning) {
		t.Error("Different user should be allowed")
	}
}

func TestInMemoryDeduplicator_ClearAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning)
	d.ClearAlert(ctx, "user1:2024-05")

	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("After clear, should be able to alert again")
	}
}

func newRedisDedup(t *testing.T) (*RedisDeduplicator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisDeduplicator(client, time.Hour), mr
}

func TestRedisDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d, mr := newRedisDedup(t)

	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("First alert should be allowed")
	}
	if d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("Second instance should see the claim")
	}

	mr.FastForward(2 * time.Hour)
	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("Claim should expire after ttl")
	}
}

func TestRedisDeduplicator_ClearAlert(t *testing.T) {
	ctx := context.Background()
	d, _ := newRedisDedup(t)

	d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning)
	d.ShouldAlert(ctx, "user1:2024-05", AlertLevelCritical)
	d.ShouldAlert(ctx, "user2:2024-05", AlertLevelWarning)

	d.ClearAlert(ctx, "user1:2024-05")

	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelWarning) {
		t.Error("warning should be claimable after clear")
	}
	if !d.ShouldAlert(ctx, "user1:2024-05", AlertLevelCritical) {
		t.Error("critical should be claimable after clear")
	}
	if d.ShouldAlert(ctx, "user2:2024-05", AlertLevelWarning) {
		t.Error("other users must not be cleared")
	}
}

func TestRedisDeduplicator_FailsOpen(t *testing.T) {
	d, mr := newRedisDedup(t)
	mr.Close()

	if !d.ShouldAlert(context.Background(), "user1:2024-05", AlertLevelWarning) {
		t.Error("Redis errors should let the alert through")
	}
}

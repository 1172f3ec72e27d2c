package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure an alert for a subject (user and month) and level is
// dispatched once, even with several proxy instances running.
type AlertDeduplicator interface {
	// ShouldAlert returns true only for the first caller to claim subject and level.
	ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool
	// ClearAlert forgets every level claimed for subject.
	ClearAlert(ctx context.Context, subject string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]map[AlertLevel]bool
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]map[AlertLevel]bool),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	levels, ok := d.sent[subject]
	if !ok {
		levels = make(map[AlertLevel]bool)
		d.sent[subject] = levels
	}
	if levels[level] {
		return false
	}
	levels[level] = true
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, subject)
}

type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduplicator keeps claims for ttl. Subjects already carry the month, so a
// ttl a little over a month is enough.
func NewRedisDeduplicator(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) alertKey(subject string, level AlertLevel) string {
	return fmt.Sprintf("quota:alert:%s:%s", subject, level)
}

// ShouldAlert claims the key with SETNX; on a Redis error it lets the alert through.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(subject, level), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		slog.Warn("alert dedup unavailable", "subject", subject, "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, subject string) {
	var keys []string
	iter := d.client.Scan(ctx, 0, fmt.Sprintf("quota:alert:%s:*", subject), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

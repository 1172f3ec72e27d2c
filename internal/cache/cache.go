// Package cache stores non-streaming completions so that identical requests routed to
// the same upstream are answered without another provider call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

const keyPrefix = "llmcache:"

type Cache interface {
	Get(ctx context.Context, key string) (*domain.ChatResponse, bool)
	Set(ctx context.Context, key string, resp *domain.ChatResponse, ttl time.Duration) error
}

// Key hashes everything that can change the completion: the resolved provider and
// base URL, the model, the messages and every sampling parameter. API keys are not
// part of it.
func Key(req domain.ChatRequest, provider domain.Provider, baseURL string) string {
	data, _ := json.Marshal(struct {
		Provider         domain.Provider  `json:"provider"`
		BaseURL          string           `json:"base_url,omitempty"`
		Model            string           `json:"model"`
		Messages         []domain.Message `json:"messages"`
		Temperature      *float64         `json:"temperature,omitempty"`
		MaxTokens        *int             `json:"max_tokens,omitempty"`
		TopP             *float64         `json:"top_p,omitempty"`
		FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
		Stop             []string         `json:"stop,omitempty"`
	}{
		Provider:         provider,
		BaseURL:          baseURL,
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	})

	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	response  domain.ChatResponse
	expiresAt time.Time
}

// NewInMemoryCache starts a janitor that evicts expired entries every minute until
// Close is called.
func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]cacheItem),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.janitor(time.Minute)
	return c
}

// Get returns a copy so callers may annotate it freely.
func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.ChatResponse, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || c.now().After(item.expiresAt) {
		return nil, false
	}
	resp := item.response
	resp.Choices = append([]domain.Choice(nil), item.response.Choices...)
	return &resp, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, resp *domain.ChatResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem{
		response:  *resp,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

func (c *InMemoryCache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.ChatResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *domain.ChatResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

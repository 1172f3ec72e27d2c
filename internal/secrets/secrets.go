package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

var ErrNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// KeySource resolves the platform-wide API key for a provider. An empty key with a nil
// error means the source has nothing for that provider.
type KeySource interface {
	ProviderKey(ctx context.Context, p domain.Provider) (string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client the store uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager caches every answer for ttl, including "not found", so a provider
// without a stored key costs one AWS call per ttl rather than one per request.
type AWSSecretsManager struct {
	client SecretsManagerAPI
	now    func() time.Time

	mu    sync.Mutex
	ttl   time.Duration
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	missing   bool
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		now:    time.Now,
		ttl:    5 * time.Minute,
		cache:  make(map[string]cachedSecret),
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	cached, ok := s.cache[name]
	s.mu.Unlock()
	if ok && s.now().Before(cached.expiresAt) {
		if cached.missing {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return cached.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		s.store(name, cachedSecret{missing: true})
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	case err != nil:
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(out.SecretString)
	s.store(name, cachedSecret{value: value})
	return value, nil
}

func (s *AWSSecretsManager) store(name string, entry cachedSecret) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.expiresAt = s.now().Add(s.ttl)
	s.cache[name] = entry
}

// SetCacheTTL controls how long an answer is reused, which bounds how quickly a
// rotated or newly added key is picked up.
func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}

// StoreKeys reads provider keys from a SecretStore under prefix+provider, e.g.
// "seo-llm-proxy/openai". The secret may be the bare key or a JSON object with an
// api_key field.
type StoreKeys struct {
	store  SecretStore
	prefix string
}

func NewStoreKeys(store SecretStore, prefix string) *StoreKeys {
	return &StoreKeys{store: store, prefix: prefix}
}

func (k *StoreKeys) ProviderKey(ctx context.Context, p domain.Provider) (string, error) {
	raw, err := k.store.GetSecret(ctx, k.prefix+string(p))
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if gjson.Valid(raw) {
		if key := gjson.Get(raw, "api_key"); key.Exists() {
			return key.String(), nil
		}
	}
	return raw, nil
}

// StaticKeys serves keys loaded from the environment at startup.
type StaticKeys map[domain.Provider]string

func (k StaticKeys) ProviderKey(_ context.Context, p domain.Provider) (string, error) {
	return k[p], nil
}

// Chain asks each source in order and returns the first non-empty key. A failing
// source is logged and skipped so an unreachable secret store degrades to the next one.
type Chain []KeySource

func (c Chain) ProviderKey(ctx context.Context, p domain.Provider) (string, error) {
	for _, src := range c {
		key, err := src.ProviderKey(ctx, p)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Warn("provider key lookup failed", "provider", p, "error", err)
			}
			continue
		}
		if key != "" {
			return key, nil
		}
	}
	return "", nil
}

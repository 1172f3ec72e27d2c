package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/circuitbreaker"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider/anthropic"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider/ollama"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider/openai"
	"github.com/felipepmaragno/seo-llm-proxy/internal/secrets"
)

func testRegistry() *provider.Registry {
	return provider.NewRegistry(
		openai.NewOpenAI(),
		openai.NewMistral(),
		openai.NewCustom(),
		anthropic.New(""),
		ollama.New(""),
	)
}

var serverKeys = secrets.StaticKeys{
	domain.ProviderOpenAI:    "sk-server-openai",
	domain.ProviderAnthropic: "sk-server-anthropic",
}

func TestResolve_ExplicitProviderWins(t *testing.T) {
	r := New(testRegistry(), WithKeySource(serverKeys))

	route, err := r.Resolve(context.Background(), Request{
		Model:   "gpt-4o-mini",
		Routing: domain.Routing{Provider: domain.ProviderOllama},
		Tier:    domain.TierFree,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Provider != domain.ProviderOllama {
		t.Errorf("expected ollama, got %s", route.Provider)
	}
	if route.KeyOrigin != KeyNone {
		t.Errorf("ollama should not pick up a key, got %s", route.KeyOrigin)
	}
}

func TestResolve_ProviderInference(t *testing.T) {
	r := New(testRegistry(), WithKeySource(secrets.StaticKeys{
		domain.ProviderOpenAI:    "k",
		domain.ProviderAnthropic: "k",
		domain.ProviderMistral:   "k",
	}))

	tests := []struct {
		model string
		tier  domain.Tier
		want  domain.Provider
	}{
		{"gpt-4o-mini", domain.TierFree, domain.ProviderOpenAI},
		{"claude-3-5-haiku-20241022", domain.TierStandard, domain.ProviderAnthropic},
		{"llama3.1", domain.TierFree, domain.ProviderOllama},
		{"mistral", domain.TierFree, domain.ProviderOllama},
		{"claude-next", domain.TierFree, domain.ProviderAnthropic},
		{"open-mixtral-8x22b", domain.TierFree, domain.ProviderMistral},
		{"some-unknown-model", domain.TierFree, domain.ProviderOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			route, err := r.Resolve(context.Background(), Request{Model: tt.model, Tier: tt.tier})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route.Provider != tt.want {
				t.Errorf("Resolve(%q).Provider = %s, want %s", tt.model, route.Provider, tt.want)
			}
		})
	}
}

func TestResolve_TaskSelectsModel(t *testing.T) {
	r := New(testRegistry(), WithKeySource(serverKeys))

	route, err := r.Resolve(context.Background(), Request{
		Routing:     domain.Routing{Task: domain.TaskKeywordAnalysis},
		Tier:        domain.TierFree,
		Preferences: domain.Preferences{PreferredHosting: domain.HostingLocal},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Provider != domain.ProviderOllama || route.Descriptor == nil {
		t.Errorf("expected a local catalog model, got %s/%s", route.Provider, route.Model)
	}
}

func TestResolve_EmbeddingsDefaultTask(t *testing.T) {
	r := New(testRegistry(), WithKeySource(serverKeys))

	route, err := r.Resolve(context.Background(), Request{Tier: domain.TierFree, Embeddings: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Descriptor == nil || !route.Descriptor.Supports(domain.TaskEmbedding) {
		t.Errorf("expected an embedding model, got %s", route.Model)
	}
}

func TestResolve_ModelOrTaskRequired(t *testing.T) {
	r := New(testRegistry())

	_, err := r.Resolve(context.Background(), Request{Tier: domain.TierFree})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestResolve_TierEnforcement(t *testing.T) {
	r := New(testRegistry(), WithKeySource(serverKeys))

	_, err := r.Resolve(context.Background(), Request{Model: "claude-3-opus-20240229", Tier: domain.TierStandard})
	if !errors.Is(err, domain.ErrModelNotAllowed) {
		t.Fatalf("expected ErrModelNotAllowed, got %v", err)
	}

	if _, err := r.Resolve(context.Background(), Request{Model: "claude-3-opus-20240229", Tier: domain.TierPremium}); err != nil {
		t.Errorf("premium should be allowed, got %v", err)
	}
}

func TestResolve_KeyPrecedence(t *testing.T) {
	r := New(testRegistry(), WithKeySource(serverKeys))
	ctx := context.Background()
	prefs := domain.Preferences{APIKeys: map[domain.Provider]string{domain.ProviderOpenAI: "sk-user"}}

	route, _ := r.Resolve(ctx, Request{Model: "gpt-4o-mini", Tier: domain.TierFree, Preferences: prefs, Routing: domain.Routing{APIKey: "sk-caller"}})
	if route.APIKey != "sk-caller" || route.KeyOrigin != KeyCaller {
		t.Errorf("caller key should win, got %s", route.KeyOrigin)
	}

	route, _ = r.Resolve(ctx, Request{Model: "gpt-4o-mini", Tier: domain.TierFree, Preferences: prefs})
	if route.APIKey != "sk-user" || route.KeyOrigin != KeyProfile {
		t.Errorf("stored key should beat the server key, got %s", route.KeyOrigin)
	}

	route, _ = r.Resolve(ctx, Request{Model: "gpt-4o-mini", Tier: domain.TierFree})
	if route.APIKey != "sk-server-openai" || route.KeyOrigin != KeyServer {
		t.Errorf("expected the server key, got %s", route.KeyOrigin)
	}
}

func TestResolve_CallerBaseURLGetsOnlyCallerKey(t *testing.T) {
	r := New(testRegistry(), WithKeySource(secrets.StaticKeys{
		domain.ProviderOpenAI: "sk-server-openai",
		domain.ProviderCustom: "sk-server-custom",
	}))
	ctx := context.Background()
	prefs := domain.Preferences{APIKeys: map[domain.Provider]string{
		domain.ProviderOpenAI: "sk-user",
		domain.ProviderCustom: "sk-user-custom",
	}}

	_, err := r.Resolve(ctx, Request{
		Model:       "gpt-4o-mini",
		Tier:        domain.TierFree,
		Preferences: prefs,
		Routing:     domain.Routing{Provider: domain.ProviderOpenAI, BaseURL: "https://elsewhere.example/v1"},
	})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	route, err := r.Resolve(ctx, Request{
		Model:       "gpt-4o-mini",
		Tier:        domain.TierFree,
		Preferences: prefs,
		Routing:     domain.Routing{Provider: domain.ProviderOpenAI, BaseURL: "https://elsewhere.example/v1", APIKey: "sk-caller"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.APIKey != "sk-caller" || route.KeyOrigin != KeyCaller {
		t.Errorf("expected the caller key, got %s", route.KeyOrigin)
	}

	route, err = r.Resolve(ctx, Request{
		Model:       "my-model",
		Tier:        domain.TierFree,
		Preferences: prefs,
		Routing:     domain.Routing{Provider: domain.ProviderCustom, BaseURL: "http://vllm:8000/v1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.APIKey != "" || route.KeyOrigin != KeyNone {
		t.Errorf("custom endpoint from the request must not receive stored keys, got %s", route.KeyOrigin)
	}
}

func TestResolve_MissingKeyFailsBeforeDispatch(t *testing.T) {
	r := New(testRegistry())

	_, err := r.Resolve(context.Background(), Request{Model: "mistral-small-latest", Tier: domain.TierFree})

	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Provider != domain.ProviderMistral || !strings.Contains(cfgErr.Error(), "MISTRAL_API_KEY") {
		t.Errorf("error should name the provider and env var: %v", cfgErr)
	}
}

func TestResolve_BaseURLPrecedence(t *testing.T) {
	r := New(testRegistry(), WithBaseURL(domain.ProviderOllama, "http://gpu-box:11434"))
	ctx := context.Background()

	route, _ := r.Resolve(ctx, Request{Model: "llama3.1", Tier: domain.TierFree})
	if route.BaseURL != "http://gpu-box:11434" {
		t.Errorf("expected server override, got %q", route.BaseURL)
	}

	prefs := domain.Preferences{BaseURL: "http://my-laptop:11434"}
	route, _ = r.Resolve(ctx, Request{Model: "llama3.1", Tier: domain.TierFree, Preferences: prefs})
	if route.BaseURL != "http://my-laptop:11434" {
		t.Errorf("expected saved endpoint, got %q", route.BaseURL)
	}

	route, _ = r.Resolve(ctx, Request{Model: "llama3.1", Tier: domain.TierFree, Preferences: prefs, Routing: domain.Routing{BaseURL: "http://caller:11434"}})
	if route.BaseURL != "http://caller:11434" {
		t.Errorf("expected caller base URL, got %q", route.BaseURL)
	}
}

func TestResolve_CustomRequiresBaseURL(t *testing.T) {
	r := New(testRegistry())

	_, err := r.Resolve(context.Background(), Request{Model: "my-model", Tier: domain.TierFree, Routing: domain.Routing{Provider: domain.ProviderCustom}})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	route, err := r.Resolve(context.Background(), Request{Model: "my-model", Tier: domain.TierFree, Routing: domain.Routing{Provider: domain.ProviderCustom, BaseURL: "http://vllm:8000/v1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.APIKey != "" {
		t.Error("custom endpoints get no server key")
	}
}

func TestResolve_UnknownProvider(t *testing.T) {
	r := New(testRegistry())

	_, err := r.Resolve(context.Background(), Request{Model: "x", Tier: domain.TierFree, Routing: domain.Routing{Provider: "bedrock"}})
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestResolve_OpenBreaker(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	r := New(testRegistry(), WithKeySource(serverKeys), WithBreakers(breakers))
	ctx := context.Background()

	route, err := r.Resolve(ctx, Request{Model: "gpt-4o-mini", Tier: domain.TierFree})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Report(ctx, route, &domain.UpstreamError{Provider: domain.ProviderOpenAI, StatusCode: 503})

	_, err = r.Resolve(ctx, Request{Model: "gpt-4o-mini", Tier: domain.TierFree})
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}

	if _, err := r.Resolve(ctx, Request{Model: "llama3.1", Tier: domain.TierFree}); err != nil {
		t.Errorf("other providers should still route, got %v", err)
	}
}

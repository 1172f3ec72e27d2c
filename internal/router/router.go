// Package router decides where a request goes: which model, which provider, which
// base URL and which API key. Resolution is done before any network call so that
// configuration problems fail fast and never reach an upstream.
package router

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/seo-llm-proxy/internal/catalog"
	"github.com/felipepmaragno/seo-llm-proxy/internal/circuitbreaker"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

// KeySource supplies server-side provider keys (secret store, environment).
type KeySource interface {
	ProviderKey(ctx context.Context, p domain.Provider) (string, error)
}

// Request is what the caller asked for plus who the caller is.
type Request struct {
	Model       string
	Routing     domain.Routing
	Tier        domain.Tier
	Preferences domain.Preferences
	Embeddings  bool
}

// KeyOrigin records where an API key came from. Keys themselves are never logged.
type KeyOrigin string

const (
	KeyNone    KeyOrigin = "none"
	KeyCaller  KeyOrigin = "caller"
	KeyProfile KeyOrigin = "profile"
	KeyServer  KeyOrigin = "server"
)

type Route struct {
	Provider   domain.Provider
	Model      string
	Adapter    provider.Adapter
	APIKey     string
	KeyOrigin  KeyOrigin
	BaseURL    string
	Descriptor *catalog.ModelDescriptor
}

type Router struct {
	registry *provider.Registry
	keys     KeySource
	baseURLs map[domain.Provider]string
	breakers *circuitbreaker.Manager
}

type Option func(*Router)

func WithKeySource(keys KeySource) Option {
	return func(r *Router) { r.keys = keys }
}

// WithBaseURL overrides the default endpoint of p, e.g. OLLAMA_BASE_URL.
func WithBaseURL(p domain.Provider, url string) Option {
	return func(r *Router) {
		if url != "" {
			r.baseURLs[p] = url
		}
	}
}

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(r *Router) { r.breakers = m }
}

func New(registry *provider.Registry, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		baseURLs: make(map[domain.Provider]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Registry() *provider.Registry {
	return r.registry
}

// Resolve turns req into a Route. The model is the caller's, or the catalog's pick for
// the task. The provider is the caller's, else the catalog's, else a guess from the
// model name. Errors wrap ErrInvalidRequest, ErrProviderNotFound, ErrModelNotAllowed,
// ErrConfiguration or ErrCircuitBreakerOpen.
func (r *Router) Resolve(ctx context.Context, req Request) (*Route, error) {
	route := &Route{Model: req.Model}

	if route.Model == "" {
		task := req.Routing.Task
		if task == "" && req.Embeddings {
			task = domain.TaskEmbedding
		}
		if task == "" {
			return nil, fmt.Errorf("%w: model or task is required", domain.ErrInvalidRequest)
		}
		d := catalog.SelectModelForTask(task, req.Tier, req.Preferences.PreferredHosting, req.Preferences.PreferredProvider)
		route.Model = d.ID
	}

	if d, ok := catalog.Lookup(route.Model); ok {
		if !catalog.Eligible(req.Tier, d) {
			return nil, fmt.Errorf("%w: %s requires the %s tier", domain.ErrModelNotAllowed, d.ID, d.Tier)
		}
		route.Descriptor = &d
	}

	switch {
	case req.Routing.Provider != "":
		route.Provider = req.Routing.Provider
	case route.Descriptor != nil:
		route.Provider = route.Descriptor.Provider
	default:
		route.Provider = provider.InferProvider(route.Model)
	}

	adapter, err := r.registry.Get(route.Provider)
	if err != nil {
		return nil, err
	}
	route.Adapter = adapter

	route.BaseURL = r.baseURL(req, route)
	if route.Provider == domain.ProviderCustom && route.BaseURL == "" {
		return nil, &domain.ConfigError{Provider: route.Provider, Reason: "base_url is required"}
	}

	route.APIKey, route.KeyOrigin = r.apiKey(ctx, req, route.Provider)
	if adapter.RequiresKey() {
		if route.APIKey == "" && req.Routing.BaseURL != "" {
			return nil, fmt.Errorf("%w: api_key is required when base_url overrides the %s endpoint",
				domain.ErrInvalidRequest, route.Provider)
		}
		if err := provider.RequireKey(route.Provider, route.APIKey); err != nil {
			return nil, err
		}
	}

	if r.breakers != nil {
		if err := r.breakers.Allow(ctx, route.Provider); err != nil {
			return nil, fmt.Errorf("%w: %s", err, route.Provider)
		}
	}

	return route, nil
}

// Report feeds a dispatch outcome back into the provider's circuit breaker.
func (r *Router) Report(ctx context.Context, route *Route, err error) {
	if r.breakers != nil && route != nil {
		r.breakers.Record(ctx, route.Provider, err)
	}
}

func selfHosted(p domain.Provider) bool {
	return p == domain.ProviderCustom || p == domain.ProviderOllama
}

// baseURL precedence: caller, the user's saved endpoint for self-hosted providers,
// catalog descriptor, server override. Empty means the adapter default.
func (r *Router) baseURL(req Request, route *Route) string {
	if req.Routing.BaseURL != "" {
		return req.Routing.BaseURL
	}
	if selfHosted(route.Provider) && req.Preferences.BaseURL != "" {
		return req.Preferences.BaseURL
	}
	if route.Descriptor != nil && route.Descriptor.Provider == route.Provider && route.Descriptor.BaseURL != "" {
		return route.Descriptor.BaseURL
	}
	return r.baseURLs[route.Provider]
}

// apiKey precedence: caller, the user's stored key, server key source. A caller-chosen
// base URL only ever receives the caller's own key.
func (r *Router) apiKey(ctx context.Context, req Request, p domain.Provider) (string, KeyOrigin) {
	if req.Routing.APIKey != "" {
		return req.Routing.APIKey, KeyCaller
	}
	if req.Routing.BaseURL != "" {
		return "", KeyNone
	}
	if key := req.Preferences.APIKeys[p]; key != "" {
		return key, KeyProfile
	}
	if r.keys != nil {
		if key, err := r.keys.ProviderKey(ctx, p); err == nil && key != "" {
			return key, KeyServer
		}
	}
	return "", KeyNone
}

// Package openai adapts every upstream that speaks the OpenAI chat completions dialect:
// OpenAI itself, Mistral, Together, OpenRouter, Meta's Llama API, Cohere's compatibility
// API and arbitrary custom endpoints.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

const (
	chatPath       = "/chat/completions"
	embeddingsPath = "/embeddings"
	doneSentinel   = "[DONE]"
)

var defaultBaseURLs = map[domain.Provider]string{
	domain.ProviderOpenAI:     "https://api.openai.com/v1",
	domain.ProviderMistral:    "https://api.mistral.ai/v1",
	domain.ProviderTogether:   "https://api.together.xyz/v1",
	domain.ProviderOpenRouter: "https://openrouter.ai/api/v1",
	domain.ProviderLlama:      "https://api.llama.com/compat/v1",
	domain.ProviderCohere:     "https://api.cohere.ai/compatibility/v1",
}

type Adapter struct {
	name        domain.Provider
	baseURL     string
	requiresKey bool
	embeddings  bool
	streamUsage bool
	headers     http.Header
}

type Option func(*Adapter)

// WithBaseURL overrides the vendor's default endpoint root.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		if value != "" {
			a.headers.Set(key, value)
		}
	}
}

func New(name domain.Provider, opts ...Option) *Adapter {
	a := &Adapter{
		name:        name,
		baseURL:     defaultBaseURLs[name],
		requiresKey: true,
		embeddings:  true,
		headers:     make(http.Header),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func NewOpenAI(opts ...Option) *Adapter {
	a := New(domain.ProviderOpenAI, opts...)
	a.streamUsage = true
	return a
}

func NewMistral(opts ...Option) *Adapter {
	return New(domain.ProviderMistral, opts...)
}

func NewTogether(opts ...Option) *Adapter {
	return New(domain.ProviderTogether, opts...)
}

// NewOpenRouter sends the attribution headers OpenRouter asks integrators for.
func NewOpenRouter(referer, title string, opts ...Option) *Adapter {
	opts = append([]Option{WithHeader("HTTP-Referer", referer), WithHeader("X-Title", title)}, opts...)
	a := New(domain.ProviderOpenRouter, opts...)
	a.embeddings = false
	return a
}

func NewLlama(opts ...Option) *Adapter {
	a := New(domain.ProviderLlama, opts...)
	a.embeddings = false
	return a
}

func NewCohere(opts ...Option) *Adapter {
	return New(domain.ProviderCohere, opts...)
}

// NewCustom targets a caller-supplied endpoint. A key is sent only when one is given.
func NewCustom(opts ...Option) *Adapter {
	a := New(domain.ProviderCustom, opts...)
	a.requiresKey = false
	return a
}

func (a *Adapter) Name() domain.Provider {
	return a.name
}

func (a *Adapter) RequiresKey() bool {
	return a.requiresKey
}

func (a *Adapter) base(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.baseURL == "" {
		return "", &domain.ConfigError{Provider: a.name, Reason: "base_url is required"}
	}
	return a.baseURL, nil
}

func (a *Adapter) header(key string, stream bool) (http.Header, error) {
	if a.requiresKey {
		if err := provider.RequireKey(a.name, key); err != nil {
			return nil, err
		}
	}

	h := provider.JSONHeader(stream)
	for k, v := range a.headers {
		h[k] = v
	}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return h, nil
}

func (a *Adapter) BuildChat(call provider.Call) (*provider.Upstream, error) {
	base, err := a.base(call.BaseURL)
	if err != nil {
		return nil, err
	}
	h, err := a.header(call.APIKey, call.Request.Stream)
	if err != nil {
		return nil, err
	}

	body, err := a.chatBody(call)
	if err != nil {
		return nil, err
	}

	return &provider.Upstream{
		URL:    provider.Endpoint(base, chatPath),
		Header: h,
		Body:   body,
	}, nil
}

// chatBody forwards the caller's own JSON when available so vendor-specific fields such
// as response_format survive, then pins model and stream to the routed values. Every
// spelling of those keys is stripped first so upstream cannot see a second one.
func (a *Adapter) chatBody(call provider.Call) ([]byte, error) {
	pinned := []string{"model", "stream"}
	if !call.Request.Stream {
		pinned = append(pinned, "stream_options")
	}

	body, err := provider.Strip(call.Raw, pinned...)
	if len(call.Raw) == 0 || err != nil {
		raw, merr := json.Marshal(call.Request)
		if merr != nil {
			return nil, fmt.Errorf("marshal request: %w", merr)
		}
		if body, err = provider.Strip(raw, pinned...); err != nil {
			return nil, err
		}
	}

	body, err = sjson.SetBytes(body, "model", call.Request.Model)
	if err != nil {
		return nil, fmt.Errorf("set model: %w", err)
	}
	if call.Request.Stream {
		body, err = sjson.SetBytes(body, "stream", true)
		if err == nil && a.streamUsage {
			body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("set stream: %w", err)
	}
	return body, nil
}

func (a *Adapter) ParseChat(body []byte) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	return &resp, nil
}

// Stream forwards each data payload unchanged. The [DONE] sentinel is swallowed
// because the proxy writes its own.
func (a *Adapter) Stream(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	return provider.ScanSSE(ctx, r, func(event string, data []byte) error {
		if string(data) == doneSentinel {
			return nil
		}
		if event == "error" || gjson.GetBytes(data, "error").Exists() {
			return &domain.UpstreamError{
				Provider:   a.name,
				StatusCode: http.StatusBadGateway,
				Message:    provider.ErrorMessage(http.StatusBadGateway, data),
			}
		}
		return emit(data)
	})
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage domain.EmbeddingsUsage `json:"usage"`
}

func (a *Adapter) BuildEmbeddings(call provider.EmbeddingsCall) (*provider.Upstream, error) {
	if !a.embeddings {
		return nil, fmt.Errorf("%w: %s", domain.ErrEmbeddingsUnsupported, a.name)
	}
	base, err := a.base(call.BaseURL)
	if err != nil {
		return nil, err
	}
	h, err := a.header(call.APIKey, false)
	if err != nil {
		return nil, err
	}

	body, err := provider.Marshal(embeddingsRequest{Model: call.Request.Model, Input: call.Request.Input})
	if err != nil {
		return nil, err
	}

	return &provider.Upstream{
		URL:    provider.Endpoint(base, embeddingsPath),
		Header: h,
		Body:   body,
	}, nil
}

func (a *Adapter) ParseEmbeddings(body []byte) (*domain.EmbeddingsResponse, error) {
	var resp embeddingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &domain.EmbeddingsResponse{
		Embeddings: make([][]float64, len(resp.Data)),
		Usage:      resp.Usage,
	}
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out.Embeddings) {
			idx = i
		}
		out.Embeddings[idx] = d.Embedding
	}
	return out, nil
}

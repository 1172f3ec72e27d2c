// Package client is the Go client the product's services use to talk to the proxy.
// Routing choices are explicit: everything that decides where a call goes lives in
// Config and is sent with every request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/catalog"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/httputil"
	"github.com/felipepmaragno/seo-llm-proxy/internal/prompt"
	"github.com/felipepmaragno/seo-llm-proxy/internal/quota"
	"github.com/felipepmaragno/seo-llm-proxy/internal/stream"
)

type Config struct {
	// ProxyURL is the proxy's root, e.g. https://llm.internal.example.com.
	ProxyURL string
	// SessionToken identifies the end user. Without it calls are anonymous and free tier.
	SessionToken string
	// APIKeys are the user's own provider keys. The key for the routed provider is sent
	// as api_key; the proxy falls back to its own keys otherwise.
	APIKeys map[domain.Provider]string
	// BaseURL is the endpoint for self-hosted providers (ollama, custom).
	BaseURL string
	// Tier is used only for local model selection; the proxy enforces the real tier.
	Tier              domain.Tier
	PreferredHosting  domain.Hosting
	PreferredProvider domain.Provider
	HTTPClient        *http.Client
	Timeout           time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.ProxyURL == "" {
		return nil, fmt.Errorf("%w: proxy URL is required", domain.ErrConfiguration)
	}
	cfg.ProxyURL = strings.TrimRight(cfg.ProxyURL, "/")
	if cfg.Tier == "" {
		cfg.Tier = domain.TierFree
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httputil.NewClient(httputil.UpstreamConfig(cfg.Timeout))
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// Request is one completion. Set Model, or Task to let the catalog choose.
type Request struct {
	Model       string
	Task        domain.Task
	Messages    []domain.Message
	Temperature *float64
	MaxTokens   *int
	// Provider overrides the provider the catalog would pick for Model.
	Provider domain.Provider
}

// APIError is a non-2xx answer from the proxy.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxy returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the proxy's error taxonomy where it is unambiguous.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		if e.Message == domain.ErrQuotaExceeded.Error() {
			return domain.ErrQuotaExceeded
		}
		if e.Message == domain.ErrRateLimitExceeded.Error() {
			return domain.ErrRateLimitExceeded
		}
	case http.StatusForbidden:
		return domain.ErrModelNotAllowed
	case http.StatusBadRequest:
		return domain.ErrInvalidRequest
	}
	return nil
}

type wireRequest struct {
	domain.ChatRequest
	domain.Routing
}

// resolve fills the routing fields from Config. A task is resolved to a model locally
// so the matching stored key can be attached.
func (c *Client) resolve(req Request) (wireRequest, error) {
	if len(req.Messages) == 0 {
		return wireRequest{}, fmt.Errorf("%w: messages is required", domain.ErrInvalidRequest)
	}

	model, p := req.Model, req.Provider
	if model == "" {
		if req.Task == "" {
			return wireRequest{}, fmt.Errorf("%w: model or task is required", domain.ErrInvalidRequest)
		}
		d := catalog.SelectModelForTask(req.Task, c.cfg.Tier, c.cfg.PreferredHosting, c.cfg.PreferredProvider)
		model = d.ID
		if p == "" {
			p = d.Provider
		}
	}
	if p == "" {
		if d, ok := catalog.Lookup(model); ok {
			p = d.Provider
		}
	}

	return wireRequest{
		ChatRequest: domain.ChatRequest{
			Model:       model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
		Routing: c.routing(p),
	}, nil
}

func (c *Client) routing(p domain.Provider) domain.Routing {
	r := domain.Routing{Provider: p}
	if p != "" {
		r.APIKey = c.cfg.APIKeys[p]
	}
	if p == domain.ProviderOllama || p == domain.ProviderCustom {
		r.BaseURL = c.cfg.BaseURL
	}
	return r
}

func (c *Client) Complete(ctx context.Context, req Request) (*domain.ChatResponse, error) {
	body, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, "/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Stream calls fn with every chunk in order. Frames from any upstream arrive in the one
// chunk shape. A server-side failure mid-stream is returned as *stream.Error.
func (c *Client) Stream(ctx context.Context, req Request, fn func(domain.StreamChunk) error) error {
	body, err := c.resolve(req)
	if err != nil {
		return err
	}
	body.Stream = true

	resp, err := c.post(ctx, "/completions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return stream.Normalize(ctx, resp.Body, fn)
}

// Embed returns one vector per input. An empty model lets the catalog choose.
func (c *Client) Embed(ctx context.Context, model string, input []string) (*domain.EmbeddingsResponse, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: input is required", domain.ErrInvalidRequest)
	}

	var p domain.Provider
	if model == "" {
		d := catalog.SelectModelForTask(domain.TaskEmbedding, c.cfg.Tier, c.cfg.PreferredHosting, c.cfg.PreferredProvider)
		model, p = d.ID, d.Provider
	} else if d, ok := catalog.Lookup(model); ok {
		p = d.Provider
	}

	body := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
		domain.Routing
	}{Model: model, Input: input, Routing: c.routing(p)}

	resp, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.EmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// CompleteTemplate fills a prompt template and completes it with the model the catalog
// picks for the template's task.
func (c *Client) CompleteTemplate(ctx context.Context, templateID string, vars map[string]string) (*domain.ChatResponse, error) {
	t, ok := prompt.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", domain.ErrInvalidRequest, templateID)
	}
	messages, _ := prompt.Fill(templateID, vars)
	return c.Complete(ctx, Request{Task: t.Task, Messages: messages})
}

// Quota returns the caller's usage for the current month.
func (c *Client) Quota(ctx context.Context) (*quota.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProxyURL+"/v1/quota", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out quota.Status
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProxyURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// do sends req and turns non-2xx answers into *APIError. On success the caller owns
// resp.Body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.cfg.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.SessionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call proxy: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return nil, apiErr
}

// IsQuotaExceeded reports whether err means the user has used up this month's tokens.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, domain.ErrQuotaExceeded)
}

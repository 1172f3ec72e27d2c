package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/stream"
)

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.ProxyURL = srv.URL + "/"
	cfg.HTTPClient = srv.Client()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestNew_RequiresProxyURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestComplete_SendsExplicitRouting(t *testing.T) {
	var got map[string]any
	var gotAuth string
	c := newTestClient(t, Config{
		SessionToken: "jwt-abc",
		APIKeys:      map[domain.Provider]string{domain.ProviderMistral: "sk-mistral-own"},
	}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		got = decodeBody(t, r)
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","model":"mistral-small-latest",
			"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	resp, err := c.Complete(context.Background(), Request{
		Model:    "mistral-small-latest",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer jwt-abc", gotAuth)
	assert.Equal(t, "mistral-small-latest", got["model"])
	assert.Equal(t, "mistral", got["provider"])
	assert.Equal(t, "sk-mistral-own", got["api_key"])
	assert.NotContains(t, got, "base_url")
	assert.NotContains(t, got, "stream")
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestComplete_TaskUsesTierAndPreferences(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, Config{
		Tier:             domain.TierFree,
		PreferredHosting: domain.HostingLocal,
		BaseURL:          "http://gpu-box:11434",
	}, func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		fmt.Fprint(w, `{"id":"1","choices":[]}`)
	})

	_, err := c.Complete(context.Background(), Request{
		Task:     domain.TaskContentGeneration,
		Messages: []domain.Message{{Role: "user", Content: "write"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "ollama", got["provider"])
	assert.Equal(t, "http://gpu-box:11434", got["base_url"])
	assert.NotContains(t, got, "api_key")
}

func TestComplete_Validation(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent")
	})

	_, err := c.Complete(context.Background(), Request{Model: "gpt-4o-mini"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = c.Complete(context.Background(), Request{Messages: []domain.Message{{Role: "user", Content: "x"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestComplete_APIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"quota", http.StatusTooManyRequests, `{"error":"monthly token quota exceeded"}`, domain.ErrQuotaExceeded},
		{"rate limit", http.StatusTooManyRequests, `{"error":"rate limit exceeded"}`, domain.ErrRateLimitExceeded},
		{"tier", http.StatusForbidden, `{"error":"model not allowed for tier"}`, domain.ErrModelNotAllowed},
		{"bad request", http.StatusBadRequest, `{"error":"messages is required"}`, domain.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := c.Complete(context.Background(), Request{
				Model:    "gpt-4o-mini",
				Messages: []domain.Message{{Role: "user", Content: "hi"}},
			})
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestComplete_PlainTextError(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.Complete(context.Background(), Request{Model: "gpt-4o-mini", Messages: []domain.Message{{Role: "user", Content: "hi"}}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.False(t, IsQuotaExceeded(err))
}

func TestStream_NormalizesFrames(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Key\"}}]}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"model\":\"llama3.1\",\"message\":{\"role\":\"assistant\",\"content\":\"words\"},\"done\":true}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var contents []string
	var finish *string
	err := c.Stream(context.Background(), Request{
		Model:    "llama3.1",
		Messages: []domain.Message{{Role: "user", Content: "keywords please"}},
	}, func(chunk domain.StreamChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Delta != nil {
				contents = append(contents, choice.Delta.Content)
			}
			if choice.FinishReason != nil {
				finish = choice.FinishReason
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Key", "words"}, contents)
	require.NotNil(t, finish)
	assert.Equal(t, "stop", *finish)
}

func TestStream_ServerError(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"model overloaded\"}\n\n")
	})

	err := c.Stream(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}, func(domain.StreamChunk) error { return nil })

	var streamErr *stream.Error
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, "model overloaded", streamErr.Message)
}

func TestEmbed(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, Config{
		APIKeys: map[domain.Provider]string{domain.ProviderOpenAI: "sk-own"},
	}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		got = decodeBody(t, r)
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2]],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	})

	resp, err := c.Embed(context.Background(), "", []string{"sourdough"})
	require.NoError(t, err)

	assert.Equal(t, "text-embedding-3-small", got["model"])
	assert.Equal(t, "sk-own", got["api_key"])
	assert.Equal(t, []any{"sourdough"}, got["input"])
	assert.Len(t, resp.Embeddings, 1)
	assert.Equal(t, 2, resp.Usage.PromptTokens)

	_, err = c.Embed(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCompleteTemplate(t *testing.T) {
	var got struct {
		Messages []domain.Message `json:"messages"`
		Model    string           `json:"model"`
	}
	c := newTestClient(t, Config{Tier: domain.TierStandard}, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"1","choices":[]}`)
	})

	_, err := c.CompleteTemplate(context.Background(), "meta-description", map[string]string{"topic": "Fresh sourdough every morning", "primaryKeyword": "sourdough"})
	require.NoError(t, err)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "Fresh sourdough every morning")
	assert.NotEmpty(t, got.Model)

	_, err = c.CompleteTemplate(context.Background(), "does-not-exist", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestQuota(t *testing.T) {
	c := newTestClient(t, Config{SessionToken: "jwt"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/quota", r.URL.Path)
		fmt.Fprint(w, `{"user_id":"u1","tier":"standard","used_tokens":10,"limit_tokens":500000,"remaining_tokens":499990,"period":"2026-10"}`)
	})

	status, err := c.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(499990), status.Remaining)
	assert.Equal(t, domain.TierStandard, status.Tier)
}

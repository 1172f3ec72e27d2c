package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	chatPath       = "/api/chat"
	embeddingsPath = "/api/embed"
)

// Adapter talks to a local Ollama daemon. It never needs an API key.
type Adapter struct {
	baseURL string
}

func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL}
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderOllama
}

func (a *Adapter) RequiresKey() bool {
	return false
}

func (a *Adapter) base(override string) string {
	if override != "" {
		return override
	}
	return a.baseURL
}

func (a *Adapter) BuildChat(call provider.Call) (*provider.Upstream, error) {
	body, err := provider.Marshal(toOllamaRequest(call.Request))
	if err != nil {
		return nil, err
	}

	return &provider.Upstream{
		URL:    provider.Endpoint(a.base(call.BaseURL), chatPath),
		Header: provider.JSONHeader(false),
		Body:   body,
	}, nil
}

func (a *Adapter) ParseChat(body []byte) (*domain.ChatResponse, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return toOpenAIResponse(resp), nil
}

// Stream forwards Ollama's newline-delimited JSON objects as they are; the stream
// normalizer on the consuming side rewrites them into chunks.
func (a *Adapter) Stream(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	return provider.ScanLines(ctx, r, func(line []byte) error {
		if msg := gjson.GetBytes(line, "error"); msg.Exists() {
			return &domain.UpstreamError{
				Provider:   domain.ProviderOllama,
				StatusCode: http.StatusBadGateway,
				Message:    msg.String(),
			}
		}
		return emit(line)
	})
}

// ollamaEmbeddingsRequest targets /api/embed, which takes a batch in input and answers
// with one vector per entry.
type ollamaEmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbeddingsResponse struct {
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

func (a *Adapter) BuildEmbeddings(call provider.EmbeddingsCall) (*provider.Upstream, error) {
	body, err := provider.Marshal(ollamaEmbeddingsRequest{Model: call.Request.Model, Input: call.Request.Input})
	if err != nil {
		return nil, err
	}

	return &provider.Upstream{
		URL:    provider.Endpoint(a.base(call.BaseURL), embeddingsPath),
		Header: provider.JSONHeader(false),
		Body:   body,
	}, nil
}

func (a *Adapter) ParseEmbeddings(body []byte) (*domain.EmbeddingsResponse, error) {
	var resp ollamaEmbeddingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &domain.EmbeddingsResponse{Embeddings: resp.Embeddings}
	if out.Embeddings == nil {
		out.Embeddings = [][]float64{}
	}
	out.Usage = domain.EmbeddingsUsage{PromptTokens: resp.PromptEvalCount, TotalTokens: resp.PromptEvalCount}
	return out, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func toOllamaRequest(req domain.ChatRequest) ollamaChatRequest {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	// stream is always explicit: the daemon streams when the field is absent
	ollamaReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.Stream,
	}

	opts := ollamaOptions{
		Temperature:      req.Temperature,
		NumPredict:       req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	}
	if opts.Temperature != nil || opts.NumPredict != nil || opts.TopP != nil ||
		opts.FrequencyPenalty != nil || opts.PresencePenalty != nil || len(opts.Stop) > 0 {
		ollamaReq.Options = &opts
	}

	return ollamaReq
}

func toOpenAIResponse(resp ollamaChatResponse) *domain.ChatResponse {
	created := time.Now().Unix()
	if ts, err := time.Parse(time.RFC3339Nano, resp.CreatedAt); err == nil {
		created = ts.Unix()
	}

	reason := resp.DoneReason
	if reason == "" {
		reason = "stop"
	}

	role := resp.Message.Role
	if role == "" {
		role = "assistant"
	}

	return &domain.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    role,
					Content: resp.Message.Content,
				},
				FinishReason: &reason,
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

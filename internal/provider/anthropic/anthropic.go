package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	messagesPath     = "/messages"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	baseURL string
}

func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{baseURL: baseURL}
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderAnthropic
}

func (a *Adapter) RequiresKey() bool {
	return true
}

func (a *Adapter) BuildChat(call provider.Call) (*provider.Upstream, error) {
	if err := provider.RequireKey(domain.ProviderAnthropic, call.APIKey); err != nil {
		return nil, err
	}

	body, err := provider.Marshal(toAnthropicRequest(call.Request))
	if err != nil {
		return nil, err
	}

	base := call.BaseURL
	if base == "" {
		base = a.baseURL
	}

	h := provider.JSONHeader(call.Request.Stream)
	h.Set("x-api-key", call.APIKey)
	h.Set("anthropic-version", anthropicVersion)

	return &provider.Upstream{
		URL:    provider.Endpoint(base, messagesPath),
		Header: h,
		Body:   body,
	}, nil
}

func (a *Adapter) ParseChat(body []byte) (*domain.ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return toOpenAIResponse(resp), nil
}

// Stream reshapes Anthropic's typed events into OpenAI chunks. Usage arrives split
// across message_start (input) and message_delta (output) and is emitted on the final
// chunk.
func (a *Adapter) Stream(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	var (
		id      string
		model   string
		created = time.Now().Unix()
		usage   domain.Usage
	)

	send := func(delta *domain.Delta, finish *string, u *domain.Usage) error {
		chunk := domain.StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []domain.Choice{{Index: 0, Delta: delta, FinishReason: finish}},
			Usage:   u,
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		return emit(data)
	}

	return provider.ScanSSE(ctx, r, func(_ string, data []byte) error {
		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				id = event.Message.ID
				model = event.Message.Model
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
			return send(&domain.Delta{Role: "assistant"}, nil, nil)
		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				return nil
			}
			return send(&domain.Delta{Content: event.Delta.Text}, nil, nil)
		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			var stop string
			if event.Delta != nil {
				stop = event.Delta.StopReason
			}
			final := usage
			return send(&domain.Delta{}, mapStopReason(stop), &final)
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return &domain.UpstreamError{
				Provider:   domain.ProviderAnthropic,
				StatusCode: http.StatusBadGateway,
				Message:    msg,
			}
		default:
			return nil
		}
	})
}

func (a *Adapter) BuildEmbeddings(provider.EmbeddingsCall) (*provider.Upstream, error) {
	return nil, fmt.Errorf("%w: %s", domain.ErrEmbeddingsUnsupported, domain.ProviderAnthropic)
}

func (a *Adapter) ParseEmbeddings([]byte) (*domain.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("%w: %s", domain.ErrEmbeddingsUnsupported, domain.ProviderAnthropic)
}

// anthropicRequest carries only what the messages API accepts; top_p and the penalty
// fields have no counterpart and are dropped.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	System        string             `json:"system,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string             `json:"type"`
	Message *anthropicResponse `json:"message,omitempty"`
	Delta   *streamDelta       `json:"delta,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *streamError       `json:"error,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type streamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return anthropicRequest{
		Model:         req.Model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		Stream:        req.Stream,
		System:        strings.Join(system, "\n\n"),
		StopSequences: req.Stop,
	}
}

func toOpenAIResponse(resp anthropicResponse) *domain.ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content.String(),
				},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) *string {
	var out string
	switch reason {
	case "":
		return nil
	case "end_turn", "stop_sequence":
		out = "stop"
	case "max_tokens":
		out = "length"
	default:
		out = reason
	}
	return &out
}

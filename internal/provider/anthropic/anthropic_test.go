package anthropic

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

func ptr[T any](v T) *T { return &v }

func TestBuildChat_ReshapesBody(t *testing.T) {
	a := New("")
	up, err := a.BuildChat(provider.Call{
		Request: domain.ChatRequest{
			Model: "claude-3-5-haiku-20241022",
			Messages: []domain.Message{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hi"},
			},
			Temperature:      ptr(0.3),
			TopP:             ptr(0.9),
			FrequencyPenalty: ptr(0.5),
			PresencePenalty:  ptr(0.5),
			MaxTokens:        ptr(256),
		},
		APIKey: "ak",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if up.URL != "https://api.anthropic.com/v1/messages" {
		t.Errorf("expected messages endpoint, got %s", up.URL)
	}
	if got := up.Header.Get("x-api-key"); got != "ak" {
		t.Errorf("expected x-api-key ak, got %q", got)
	}
	if got := up.Header.Get("anthropic-version"); got != anthropicVersion {
		t.Errorf("expected anthropic-version %s, got %q", anthropicVersion, got)
	}
	if up.Header.Get("Authorization") != "" {
		t.Error("expected no Authorization header")
	}

	for _, field := range []string{"top_p", "frequency_penalty", "presence_penalty"} {
		if gjson.GetBytes(up.Body, field).Exists() {
			t.Errorf("expected %s to be dropped", field)
		}
	}
	if got := gjson.GetBytes(up.Body, "system").String(); got != "be brief" {
		t.Errorf("expected system prompt, got %q", got)
	}
	if n := len(gjson.GetBytes(up.Body, "messages").Array()); n != 1 {
		t.Errorf("expected 1 message after lifting system, got %d", n)
	}
	if got := gjson.GetBytes(up.Body, "max_tokens").Int(); got != 256 {
		t.Errorf("expected max_tokens 256, got %d", got)
	}
	if got := gjson.GetBytes(up.Body, "temperature").Float(); got != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", got)
	}
}

func TestBuildChat_DefaultMaxTokens(t *testing.T) {
	up, err := New("").BuildChat(provider.Call{Request: domain.ChatRequest{Model: "claude"}, APIKey: "ak"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gjson.GetBytes(up.Body, "max_tokens").Int(); got != defaultMaxTokens {
		t.Errorf("expected default max_tokens, got %d", got)
	}
}

func TestParseChat(t *testing.T) {
	body := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022",
		"content":[{"type":"text","text":"Hello"},{"type":"text","text":" there"}],
		"stop_reason":"max_tokens","usage":{"input_tokens":10,"output_tokens":5}}`

	resp, err := New("").ParseChat([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "length" {
		t.Errorf("expected finish_reason length, got %v", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestStream_ReshapesEvents(t *testing.T) {
	raw := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":12,"output_tokens":1}}}`,
		"",
		"event: ping",
		`data: {"type":"ping"}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	var frames []string
	err := New("").Stream(context.Background(), strings.NewReader(raw), func(p []byte) error {
		frames = append(frames, string(p))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(frames), frames)
	}

	if got := gjson.Get(frames[0], "choices.0.delta.role").String(); got != "assistant" {
		t.Errorf("expected role frame first, got %s", frames[0])
	}
	if got := gjson.Get(frames[1], "choices.0.delta.content").String(); got != "Hi" {
		t.Errorf("expected content Hi, got %s", frames[1])
	}
	if got := gjson.Get(frames[1], "id").String(); got != "msg_1" {
		t.Errorf("expected id msg_1, got %s", got)
	}
	if got := gjson.Get(frames[2], "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("expected finish_reason stop, got %s", frames[2])
	}
	if got := gjson.Get(frames[2], "usage.total_tokens").Int(); got != 15 {
		t.Errorf("expected total_tokens 15, got %d", got)
	}
}

func TestStream_ErrorEvent(t *testing.T) {
	raw := "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	err := New("").Stream(context.Background(), strings.NewReader(raw), func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Fatalf("expected overloaded error, got %v", err)
	}
}

func TestEmbeddingsUnsupported(t *testing.T) {
	if _, err := New("").BuildEmbeddings(provider.EmbeddingsCall{}); err == nil {
		t.Fatal("expected error")
	}
}

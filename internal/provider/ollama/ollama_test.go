package ollama

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/provider"
)

func TestBuildChat_StreamFlagAlwaysSent(t *testing.T) {
	up, err := New("").BuildChat(provider.Call{Request: domain.ChatRequest{Model: "llama3.1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := gjson.GetBytes(up.Body, "stream")
	if !r.Exists() || r.Bool() {
		t.Errorf("expected explicit stream=false, got %s", up.Body)
	}
	if gjson.GetBytes(up.Body, "options").Exists() {
		t.Error("expected no options when none were set")
	}
}

func TestBuildChat_CallerBaseURL(t *testing.T) {
	up, err := New("http://ollama:11434").BuildChat(provider.Call{
		Request: domain.ChatRequest{Model: "llama3.1"},
		BaseURL: "http://gpu-box:11434/api/chat",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.URL != "http://gpu-box:11434/api/chat" {
		t.Errorf("unexpected url %s", up.URL)
	}
}

func TestBuildChat_Options(t *testing.T) {
	temp := 0.1
	maxTokens := 64
	up, err := New("").BuildChat(provider.Call{Request: domain.ChatRequest{
		Model: "llama3.1", Temperature: &temp, MaxTokens: &maxTokens,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gjson.GetBytes(up.Body, "options.num_predict").Int(); got != 64 {
		t.Errorf("expected num_predict 64, got %d", got)
	}
}

func TestParseChat(t *testing.T) {
	resp, err := New("").ParseChat([]byte(`{"model":"llama3.1","created_at":"2024-05-01T10:00:00Z","message":{"role":"assistant","content":"hey"},"done":true,"prompt_eval_count":3,"eval_count":4}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "hey" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected finish reason %q", *resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("expected 7 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestStream_ForwardsLines(t *testing.T) {
	raw := `{"model":"m","message":{"content":"a"},"done":false}` + "\n\n" +
		`{"model":"m","message":{"content":"b"},"done":true}` + "\n"

	var got []string
	err := New("").Stream(context.Background(), strings.NewReader(raw), func(p []byte) error {
		got = append(got, gjson.GetBytes(p, "message.content").String())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, "") != "ab" {
		t.Errorf("unexpected frames %v", got)
	}
}

func TestStream_ErrorLine(t *testing.T) {
	err := New("").Stream(context.Background(), strings.NewReader(`{"error":"model not found"}`+"\n"), func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestEmbeddings(t *testing.T) {
	up, err := New("").BuildEmbeddings(provider.EmbeddingsCall{Request: domain.EmbeddingsRequest{
		Model: "nomic-embed-text", Input: []string{"one", "two", "three"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.URL != "http://localhost:11434/api/embed" {
		t.Errorf("unexpected url %q", up.URL)
	}
	if got := gjson.GetBytes(up.Body, "input.#").Int(); got != 3 {
		t.Errorf("expected 3 inputs, got %d", got)
	}
	if gjson.GetBytes(up.Body, "prompt").Exists() {
		t.Error("prompt belongs to the legacy endpoint and must not be sent")
	}

	single, err := New("").BuildEmbeddings(provider.EmbeddingsCall{Request: domain.EmbeddingsRequest{
		Model: "nomic-embed-text", Input: []string{"one"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gjson.GetBytes(single.Body, "input").Raw; got != `["one"]` {
		t.Errorf("single input should still be a list, got %s", got)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"single", `{"embeddings":[[0.1,0.2]]}`, 1},
		{"batch", `{"embeddings":[[0.1],[0.2],[0.3]],"prompt_eval_count":9}`, 3},
		{"empty", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := New("").ParseEmbeddings([]byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(resp.Embeddings) != tt.want {
				t.Errorf("expected %d vectors, got %d", tt.want, len(resp.Embeddings))
			}
		})
	}
}

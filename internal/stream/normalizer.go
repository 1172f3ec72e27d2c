// Package stream turns the proxy's server-sent events into one chunk shape,
// whichever upstream produced them, and writes such events on the server side.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

const (
	doneSentinel = "[DONE]"
	maxLineSize  = 1024 * 1024
)

var ErrMalformedFrame = errors.New("malformed stream frame")

// Error is returned by Normalize when the server terminated the stream with an error
// event instead of the [DONE] sentinel.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return "stream error: " + e.Message
}

// Normalize reads SSE text from r and calls fn with every data frame in order. Blank
// lines and the [DONE] sentinel are skipped; a frame that cannot be decoded is logged
// and skipped without ending the stream. Ollama-native frames are rewritten into the
// OpenAI chunk shape.
func Normalize(ctx context.Context, r io.Reader, fn func(domain.StreamChunk) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	event := ""
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			event = ""
			continue
		}

		if name, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(name)
			continue
		}

		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)

		if event == "error" {
			return &Error{Message: errorMessage(payload)}
		}

		if payload == doneSentinel {
			continue
		}

		chunk, err := Decode([]byte(payload))
		if err != nil {
			slog.Warn("skipping malformed stream frame", "error", err)
			continue
		}

		if err := fn(chunk); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Decode parses one data payload. Payloads without a choices array but with a message
// object are treated as Ollama frames and rewritten; everything else is assumed to be
// OpenAI-compatible already.
func Decode(payload []byte) (domain.StreamChunk, error) {
	if !gjson.ValidBytes(payload) {
		return domain.StreamChunk{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return domain.StreamChunk{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	if IsOllamaFrame(root) {
		return fromOllama(root), nil
	}

	var chunk domain.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return domain.StreamChunk{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return chunk, nil
}

func IsOllamaFrame(root gjson.Result) bool {
	return !root.Get("choices").Exists() && root.Get("message").IsObject()
}

func fromOllama(root gjson.Result) domain.StreamChunk {
	var finish *string
	if root.Get("done").Bool() {
		reason := root.Get("done_reason").String()
		if reason == "" {
			reason = "stop"
		}
		finish = &reason
	}

	created := time.Now().Unix()
	if ts, err := time.Parse(time.RFC3339Nano, root.Get("created_at").String()); err == nil {
		created = ts.Unix()
	}

	chunk := domain.StreamChunk{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   root.Get("model").String(),
		Choices: []domain.Choice{
			{
				Index: 0,
				Delta: &domain.Delta{
					Role:    root.Get("message.role").String(),
					Content: root.Get("message.content").String(),
				},
				FinishReason: finish,
			},
		},
	}

	if finish != nil && root.Get("eval_count").Exists() {
		prompt := int(root.Get("prompt_eval_count").Int())
		completion := int(root.Get("eval_count").Int())
		chunk.Usage = &domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}

	return chunk
}

func errorMessage(payload string) string {
	if msg := gjson.Get(payload, "error").String(); msg != "" {
		return msg
	}
	return payload
}

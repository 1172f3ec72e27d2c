package stream

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

// CharsPerToken is the heuristic used when an upstream does not report usage on a
// stream: one token is assumed to be about four characters.
const CharsPerToken = 4

// EstimateTokens applies the CharsPerToken heuristic to s.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimatePromptTokens estimates the prompt size of messages.
func EstimatePromptTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Meter watches forwarded stream payloads and accounts for their token usage. It keeps
// the character estimate and any exact figures side by side so the estimate is never
// mistaken for a reported count.
type Meter struct {
	chars int
	exact *domain.Usage
}

func (m *Meter) Observe(payload []byte) {
	if !gjson.ValidBytes(payload) {
		return
	}
	root := gjson.ParseBytes(payload)

	for _, path := range []string{"choices.#.delta.content", "choices.#.message.content"} {
		for _, c := range root.Get(path).Array() {
			m.chars += utf8.RuneCountInString(c.String())
		}
	}
	if IsOllamaFrame(root) {
		m.chars += utf8.RuneCountInString(root.Get("message.content").String())
	}

	if u := root.Get("usage"); u.IsObject() && u.Get("total_tokens").Exists() {
		m.exact = &domain.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	if root.Get("done").Bool() && root.Get("eval_count").Exists() {
		prompt := int(root.Get("prompt_eval_count").Int())
		completion := int(root.Get("eval_count").Int())
		m.exact = &domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}
}

// Chars returns how many content characters have been observed.
func (m *Meter) Chars() int {
	return m.chars
}

// Estimate returns the heuristic usage given an estimated prompt size.
func (m *Meter) Estimate(promptTokens int) domain.Usage {
	completion := (m.chars + CharsPerToken - 1) / CharsPerToken
	return domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
	}
}

// Exact returns the usage reported by the upstream, if any frame carried it.
func (m *Meter) Exact() (domain.Usage, bool) {
	if m.exact == nil {
		return domain.Usage{}, false
	}
	return *m.exact, true
}

// Usage prefers exact figures and falls back to the estimate. The boolean reports
// whether the result is an estimate.
func (m *Meter) Usage(promptTokens int) (domain.Usage, bool) {
	if u, ok := m.Exact(); ok {
		return u, false
	}
	return m.Estimate(promptTokens), true
}

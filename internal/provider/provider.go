// Package provider turns a chat or embeddings request into the HTTP call one upstream
// LLM vendor expects, and turns the vendor's answer back into the proxy's shapes. Each
// vendor lives in its own subpackage behind the Adapter interface.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

// RoutingFields are request-body keys that steer the proxy and must never be sent to
// an upstream.
var RoutingFields = []string{"api_key", "provider", "base_url", "task"}

// Call is everything an adapter needs to build one chat request. Raw, when set, is the
// caller's original JSON body; unknown fields in it are forwarded to OpenAI-compatible
// upstreams after the routing fields are removed.
type Call struct {
	Request domain.ChatRequest
	Raw     []byte
	APIKey  string
	BaseURL string
}

type EmbeddingsCall struct {
	Request domain.EmbeddingsRequest
	APIKey  string
	BaseURL string
}

// Upstream is a fully built request. Building it has no side effects.
type Upstream struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Adapter isolates one vendor's quirks: endpoint, auth header, body shape and stream
// format.
type Adapter interface {
	Name() domain.Provider
	// RequiresKey reports whether BuildChat fails without an API key.
	RequiresKey() bool
	BuildChat(call Call) (*Upstream, error)
	ParseChat(body []byte) (*domain.ChatResponse, error)
	// Stream reads the upstream's streaming body and calls emit with one
	// OpenAI-compatible or Ollama-native JSON payload per frame, in order.
	Stream(ctx context.Context, r io.Reader, emit func(payload []byte) error) error
	BuildEmbeddings(call EmbeddingsCall) (*Upstream, error)
	ParseEmbeddings(body []byte) (*domain.EmbeddingsResponse, error)
}

type Registry struct {
	adapters map[domain.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, p)
	}
	return a, nil
}

// Providers lists the registered providers, sorted.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var keyEnvNames = map[domain.Provider]string{
	domain.ProviderOpenAI:     "OPENAI_API_KEY",
	domain.ProviderAnthropic:  "ANTHROPIC_API_KEY",
	domain.ProviderMistral:    "MISTRAL_API_KEY",
	domain.ProviderTogether:   "TOGETHER_API_KEY",
	domain.ProviderOpenRouter: "OPENROUTER_API_KEY",
	domain.ProviderLlama:      "LLAMA_API_KEY",
	domain.ProviderCohere:     "COHERE_API_KEY",
}

// KeyEnvName returns the environment variable that holds p's API key, or "" for
// providers that never read one from the environment.
func KeyEnvName(p domain.Provider) string {
	return keyEnvNames[p]
}

// InferProvider guesses a provider from a model name. It is a heuristic for callers that
// name neither a provider nor a catalog model: a self-hosted model can contain these
// substrings by coincidence.
func InferProvider(model string) domain.Provider {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return domain.ProviderAnthropic
	case strings.Contains(m, "mistral"), strings.Contains(m, "mixtral"):
		return domain.ProviderMistral
	default:
		return domain.ProviderOpenAI
	}
}

// Endpoint appends path to base unless base already ends with it.
func Endpoint(base, path string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, path) {
		return base
	}
	return base + path
}

// Strip removes routing fields, plus any extra keys, from the top level of a JSON
// object. Keys match the way encoding/json binds them: unescaped and case-insensitive,
// so case variants and duplicates are dropped along with the exact key.
func Strip(body []byte, extra ...string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("strip: invalid JSON")
	}
	obj := gjson.ParseBytes(body)
	if !obj.IsObject() {
		return nil, fmt.Errorf("strip: body is not a JSON object")
	}

	var buf bytes.Buffer
	buf.Grow(len(body))
	buf.WriteByte('{')
	first := true
	obj.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if isField(name, RoutingFields) || isField(name, extra) {
			return true
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(key.Raw)
		buf.WriteByte(':')
		buf.WriteString(value.Raw)
		return true
	})
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func isField(name string, fields []string) bool {
	for _, f := range fields {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

// RequireKey fails closed when a provider needs a key and none was resolved.
func RequireKey(p domain.Provider, key string) error {
	if key != "" {
		return nil
	}
	env := KeyEnvName(p)
	if env == "" {
		env = strings.ToUpper(string(p)) + "_API_KEY"
	}
	return domain.MissingKeyError(p, env)
}

func JSONHeader(stream bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	return h
}

// Marshal encodes v and strips routing fields from the result.
func Marshal(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return Strip(body)
}

package domain

import "time"

type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Rank orders tiers so that a higher rank may use everything a lower rank may.
func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 2
	case TierStandard:
		return 1
	default:
		return 0
	}
}

func (t Tier) Valid() bool {
	return t == TierFree || t == TierStandard || t == TierPremium
}

// ParseTier returns TierFree for anything it does not recognise.
func ParseTier(s string) Tier {
	t := Tier(s)
	if t.Valid() {
		return t
	}
	return TierFree
}

type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderMistral    Provider = "mistral"
	ProviderTogether   Provider = "together"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
	ProviderCustom     Provider = "custom"
	ProviderLlama      Provider = "llama"
	ProviderCohere     Provider = "cohere"
)

type Hosting string

const (
	HostingCloud  Hosting = "cloud"
	HostingLocal  Hosting = "local"
	HostingCustom Hosting = "custom"
)

type Task string

const (
	TaskContentGeneration Task = "content-generation"
	TaskKeywordAnalysis   Task = "keyword-analysis"
	TaskTechnicalSEO      Task = "technical-seo"
	TaskStrategy          Task = "strategy"
	TaskClassification    Task = "classification"
	TaskSummarization     Task = "summarization"
	TaskEmbedding         Task = "embedding"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the LLM payload. Routing instructions travel separately in Routing
// so that they can never be serialized upstream by accident.
type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

// Routing holds the proxy control parameters a caller may put in the request body.
type Routing struct {
	Provider Provider `json:"provider,omitempty"`
	BaseURL  string   `json:"base_url,omitempty"`
	APIKey   string   `json:"api_key,omitempty"`
	Task     Task     `json:"task,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is the one chunk shape every streaming consumer depends on.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"-"`
}

type EmbeddingsResponse struct {
	Embeddings [][]float64     `json:"embeddings"`
	Usage      EmbeddingsUsage `json:"usage"`
}

type EmbeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// UsageRecord is an append-only fact written once per completed request.
// Estimated is set when token counts came from the streaming character heuristic.
type UsageRecord struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	Model            string    `json:"model" db:"model"`
	Provider         string    `json:"provider" db:"provider"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens" db:"total_tokens"`
	CostUSD          float64   `json:"cost_usd" db:"cost_usd"`
	Estimated        bool      `json:"estimated" db:"estimated"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Preferences is the per-user routing configuration passed explicitly into each call.
type Preferences struct {
	PreferredHosting  Hosting             `json:"preferred_hosting,omitempty"`
	PreferredProvider Provider            `json:"preferred_provider,omitempty"`
	BaseURL           string              `json:"base_url,omitempty"`
	APIKeys           map[Provider]string `json:"-"`
}

type Profile struct {
	UserID           string      `json:"user_id"`
	Tier             Tier        `json:"tier"`
	StripeCustomerID string      `json:"stripe_customer_id,omitempty"`
	Preferences      Preferences `json:"preferences"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type Model struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	OwnedBy   string  `json:"owned_by"`
	Provider  string  `json:"provider,omitempty"`
	Hosting   string  `json:"hosting,omitempty"`
	Tier      string  `json:"tier,omitempty"`
	Tasks     []Task  `json:"tasks,omitempty"`
	Context   int     `json:"context_window,omitempty"`
	CostPer1K float64 `json:"cost_per_1k_tokens,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

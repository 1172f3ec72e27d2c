// Package catalog is the static registry of known models and the pure selection
// function that picks one for a task, a subscription tier and the caller's hosting and
// provider preferences.
package catalog

import (
	"slices"
	"sort"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

// ModelDescriptor is an immutable catalog entry. Tier is the minimum subscription
// required to use the model.
type ModelDescriptor struct {
	ID                    string
	Provider              domain.Provider
	Hosting               domain.Hosting
	BaseURL               string
	APIKeyEnvName         string
	Tier                  domain.Tier
	SupportedTasks        []domain.Task
	ContextWindowTokens   int
	MaxOutputTokens       int
	CostPer1KTokens       float64
	InputCostPer1KTokens  float64
	OutputCostPer1KTokens float64
}

func (d ModelDescriptor) Supports(task domain.Task) bool {
	return slices.Contains(d.SupportedTasks, task)
}

var chatTasks = []domain.Task{
	domain.TaskContentGeneration,
	domain.TaskKeywordAnalysis,
	domain.TaskTechnicalSEO,
	domain.TaskStrategy,
	domain.TaskClassification,
	domain.TaskSummarization,
}

var embeddingTasks = []domain.Task{domain.TaskEmbedding}

// Fallback is returned by SelectModelForTask when no descriptor survives filtering.
var Fallback = ModelDescriptor{
	ID:                    "gpt-4o-mini",
	Provider:              domain.ProviderOpenAI,
	Hosting:               domain.HostingCloud,
	APIKeyEnvName:         "OPENAI_API_KEY",
	Tier:                  domain.TierFree,
	SupportedTasks:        chatTasks,
	ContextWindowTokens:   128000,
	MaxOutputTokens:       16384,
	CostPer1KTokens:       0.000375,
	InputCostPer1KTokens:  0.00015,
	OutputCostPer1KTokens: 0.0006,
}

var models = []ModelDescriptor{
	Fallback,
	{
		ID: "gpt-4o", Provider: domain.ProviderOpenAI, Hosting: domain.HostingCloud,
		APIKeyEnvName: "OPENAI_API_KEY", Tier: domain.TierStandard, SupportedTasks: chatTasks,
		ContextWindowTokens: 128000, MaxOutputTokens: 16384,
		CostPer1KTokens: 0.01, InputCostPer1KTokens: 0.005, OutputCostPer1KTokens: 0.015,
	},
	{
		ID: "gpt-4-turbo", Provider: domain.ProviderOpenAI, Hosting: domain.HostingCloud,
		APIKeyEnvName: "OPENAI_API_KEY", Tier: domain.TierPremium,
		SupportedTasks: []domain.Task{
			domain.TaskContentGeneration, domain.TaskKeywordAnalysis,
			domain.TaskTechnicalSEO, domain.TaskStrategy,
		},
		ContextWindowTokens: 128000, MaxOutputTokens: 4096,
		CostPer1KTokens: 0.02, InputCostPer1KTokens: 0.01, OutputCostPer1KTokens: 0.03,
	},
	{
		ID: "text-embedding-3-small", Provider: domain.ProviderOpenAI, Hosting: domain.HostingCloud,
		APIKeyEnvName: "OPENAI_API_KEY", Tier: domain.TierFree, SupportedTasks: embeddingTasks,
		ContextWindowTokens: 8191,
		CostPer1KTokens:     0.00002, InputCostPer1KTokens: 0.00002,
	},
	{
		ID: "text-embedding-3-large", Provider: domain.ProviderOpenAI, Hosting: domain.HostingCloud,
		APIKeyEnvName: "OPENAI_API_KEY", Tier: domain.TierStandard, SupportedTasks: embeddingTasks,
		ContextWindowTokens: 8191,
		CostPer1KTokens:     0.00013, InputCostPer1KTokens: 0.00013,
	},
	{
		ID: "claude-3-5-haiku-20241022", Provider: domain.ProviderAnthropic, Hosting: domain.HostingCloud,
		APIKeyEnvName: "ANTHROPIC_API_KEY", Tier: domain.TierStandard, SupportedTasks: chatTasks,
		ContextWindowTokens: 200000, MaxOutputTokens: 8192,
		CostPer1KTokens: 0.003, InputCostPer1KTokens: 0.001, OutputCostPer1KTokens: 0.005,
	},
	{
		ID: "claude-3-5-sonnet-20241022", Provider: domain.ProviderAnthropic, Hosting: domain.HostingCloud,
		APIKeyEnvName: "ANTHROPIC_API_KEY", Tier: domain.TierPremium,
		SupportedTasks: []domain.Task{
			domain.TaskContentGeneration, domain.TaskKeywordAnalysis,
			domain.TaskTechnicalSEO, domain.TaskStrategy, domain.TaskSummarization,
		},
		ContextWindowTokens: 200000, MaxOutputTokens: 8192,
		CostPer1KTokens: 0.009, InputCostPer1KTokens: 0.003, OutputCostPer1KTokens: 0.015,
	},
	{
		ID: "claude-3-opus-20240229", Provider: domain.ProviderAnthropic, Hosting: domain.HostingCloud,
		APIKeyEnvName: "ANTHROPIC_API_KEY", Tier: domain.TierPremium,
		SupportedTasks:      []domain.Task{domain.TaskContentGeneration, domain.TaskStrategy},
		ContextWindowTokens: 200000, MaxOutputTokens: 4096,
		CostPer1KTokens: 0.045, InputCostPer1KTokens: 0.015, OutputCostPer1KTokens: 0.075,
	},
	{
		ID: "mistral-small-latest", Provider: domain.ProviderMistral, Hosting: domain.HostingCloud,
		APIKeyEnvName: "MISTRAL_API_KEY", Tier: domain.TierFree, SupportedTasks: chatTasks,
		ContextWindowTokens: 32000, MaxOutputTokens: 8192,
		CostPer1KTokens: 0.0004, InputCostPer1KTokens: 0.0002, OutputCostPer1KTokens: 0.0006,
	},
	{
		ID: "mistral-large-latest", Provider: domain.ProviderMistral, Hosting: domain.HostingCloud,
		APIKeyEnvName: "MISTRAL_API_KEY", Tier: domain.TierStandard, SupportedTasks: chatTasks,
		ContextWindowTokens: 128000, MaxOutputTokens: 8192,
		CostPer1KTokens: 0.004, InputCostPer1KTokens: 0.002, OutputCostPer1KTokens: 0.006,
	},
	{
		ID: "mistral-embed", Provider: domain.ProviderMistral, Hosting: domain.HostingCloud,
		APIKeyEnvName: "MISTRAL_API_KEY", Tier: domain.TierFree, SupportedTasks: embeddingTasks,
		ContextWindowTokens: 8192,
		CostPer1KTokens:     0.0001, InputCostPer1KTokens: 0.0001,
	},
	{
		ID: "meta-llama/Llama-3.3-70B-Instruct-Turbo", Provider: domain.ProviderTogether, Hosting: domain.HostingCloud,
		APIKeyEnvName: "TOGETHER_API_KEY", Tier: domain.TierStandard, SupportedTasks: chatTasks,
		ContextWindowTokens: 131072, MaxOutputTokens: 8192,
		CostPer1KTokens: 0.00088, InputCostPer1KTokens: 0.00088, OutputCostPer1KTokens: 0.00088,
	},
	{
		ID: "togethercomputer/m2-bert-80M-8k-retrieval", Provider: domain.ProviderTogether, Hosting: domain.HostingCloud,
		APIKeyEnvName: "TOGETHER_API_KEY", Tier: domain.TierFree, SupportedTasks: embeddingTasks,
		ContextWindowTokens: 8192,
		CostPer1KTokens:     0.000008, InputCostPer1KTokens: 0.000008,
	},
	{
		ID: "meta-llama/llama-3.1-8b-instruct", Provider: domain.ProviderOpenRouter, Hosting: domain.HostingCloud,
		APIKeyEnvName: "OPENROUTER_API_KEY", Tier: domain.TierFree,
		SupportedTasks: []domain.Task{
			domain.TaskKeywordAnalysis, domain.TaskClassification, domain.TaskSummarization,
		},
		ContextWindowTokens: 131072, MaxOutputTokens: 8192,
		CostPer1KTokens: 0.00005, InputCostPer1KTokens: 0.00005, OutputCostPer1KTokens: 0.00005,
	},
	{
		ID: "Llama-4-Maverick-17B-128E-Instruct-FP8", Provider: domain.ProviderLlama, Hosting: domain.HostingCloud,
		APIKeyEnvName: "LLAMA_API_KEY", Tier: domain.TierPremium, SupportedTasks: chatTasks,
		ContextWindowTokens: 128000, MaxOutputTokens: 4096,
		CostPer1KTokens: 0.0006, InputCostPer1KTokens: 0.0003, OutputCostPer1KTokens: 0.0009,
	},
	{
		ID: "command-r-plus", Provider: domain.ProviderCohere, Hosting: domain.HostingCloud,
		APIKeyEnvName: "COHERE_API_KEY", Tier: domain.TierPremium,
		SupportedTasks: []domain.Task{
			domain.TaskContentGeneration, domain.TaskStrategy, domain.TaskSummarization,
		},
		ContextWindowTokens: 128000, MaxOutputTokens: 4096,
		CostPer1KTokens: 0.00625, InputCostPer1KTokens: 0.0025, OutputCostPer1KTokens: 0.01,
	},
	{
		ID: "embed-english-v3.0", Provider: domain.ProviderCohere, Hosting: domain.HostingCloud,
		APIKeyEnvName: "COHERE_API_KEY", Tier: domain.TierStandard, SupportedTasks: embeddingTasks,
		ContextWindowTokens: 512,
		CostPer1KTokens:     0.0001, InputCostPer1KTokens: 0.0001,
	},
	{
		ID: "llama3.1", Provider: domain.ProviderOllama, Hosting: domain.HostingLocal,
		Tier: domain.TierFree, SupportedTasks: chatTasks,
		ContextWindowTokens: 131072, MaxOutputTokens: 4096,
	},
	{
		ID: "mistral", Provider: domain.ProviderOllama, Hosting: domain.HostingLocal,
		Tier: domain.TierFree,
		SupportedTasks: []domain.Task{
			domain.TaskContentGeneration, domain.TaskClassification, domain.TaskSummarization,
		},
		ContextWindowTokens: 32768, MaxOutputTokens: 4096,
	},
	{
		ID: "nomic-embed-text", Provider: domain.ProviderOllama, Hosting: domain.HostingLocal,
		Tier: domain.TierFree, SupportedTasks: embeddingTasks,
		ContextWindowTokens: 8192,
	},
	{
		ID: "custom-model", Provider: domain.ProviderCustom, Hosting: domain.HostingCustom,
		Tier:                domain.TierFree,
		SupportedTasks:      append(slices.Clone(chatTasks), domain.TaskEmbedding),
		ContextWindowTokens: 8192, MaxOutputTokens: 2048,
	},
}

var byID = func() map[string]ModelDescriptor {
	m := make(map[string]ModelDescriptor, len(models))
	for _, d := range models {
		m[d.ID] = d
	}
	return m
}()

// All returns a copy of the catalog in declaration order.
func All() []ModelDescriptor {
	return slices.Clone(models)
}

func Lookup(id string) (ModelDescriptor, bool) {
	d, ok := byID[id]
	return d, ok
}

// Eligible reports whether a subscriber on tier may use d.
func Eligible(tier domain.Tier, d ModelDescriptor) bool {
	switch tier {
	case domain.TierPremium:
		return true
	case domain.TierStandard:
		return d.Tier != domain.TierPremium
	default:
		return d.Tier == domain.TierFree
	}
}

// Selectable returns every descriptor that supports task and is eligible for tier, in
// catalog order.
func Selectable(task domain.Task, tier domain.Tier) []ModelDescriptor {
	var out []ModelDescriptor
	for _, d := range models {
		if d.Supports(task) && Eligible(tier, d) {
			out = append(out, d)
		}
	}
	return out
}

// SelectModelForTask picks the best model for task that tier may use. Hosting and
// provider preferences narrow the candidates only when that leaves at least one.
// An empty preference means no preference.
func SelectModelForTask(task domain.Task, tier domain.Tier, preferredHosting domain.Hosting, preferredProvider domain.Provider) ModelDescriptor {
	candidates := Selectable(task, tier)

	if preferredHosting != "" {
		candidates = narrow(candidates, func(d ModelDescriptor) bool { return d.Hosting == preferredHosting })
	}
	if preferredProvider != "" {
		candidates = narrow(candidates, func(d ModelDescriptor) bool { return d.Provider == preferredProvider })
	}

	if len(candidates) == 0 {
		return Fallback
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() > b.Tier.Rank()
		}
		if am, bm := a.Hosting == preferredHosting, b.Hosting == preferredHosting; am != bm {
			return am
		}
		if am, bm := a.Provider == preferredProvider, b.Provider == preferredProvider; am != bm {
			return am
		}
		return hostingRank(a.Hosting) > hostingRank(b.Hosting)
	})

	return candidates[0]
}

func narrow(in []ModelDescriptor, keep func(ModelDescriptor) bool) []ModelDescriptor {
	var out []ModelDescriptor
	for _, d := range in {
		if keep(d) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return in
	}
	return out
}

func hostingRank(h domain.Hosting) int {
	switch h {
	case domain.HostingCloud:
		return 2
	case domain.HostingLocal:
		return 1
	default:
		return 0
	}
}

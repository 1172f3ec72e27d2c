package cost

import (
	"sync"

	"github.com/felipepmaragno/seo-llm-proxy/internal/catalog"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Calculator prices token usage from the model catalog. Overrides take precedence and
// cover models that are reachable through custom endpoints but absent from the catalog.
type Calculator struct {
	mu        sync.RWMutex
	overrides map[string]ModelPricing
}

func NewCalculator() *Calculator {
	return &Calculator{
		overrides: make(map[string]ModelPricing),
	}
}

func (c *Calculator) Pricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	p, ok := c.overrides[model]
	c.mu.RUnlock()
	if ok {
		return p, true
	}

	d, ok := catalog.Lookup(model)
	if !ok {
		return ModelPricing{}, false
	}

	in, out := d.InputCostPer1KTokens, d.OutputCostPer1KTokens
	if in == 0 && out == 0 {
		in, out = d.CostPer1KTokens, d.CostPer1KTokens
	}
	return ModelPricing{InputPer1K: in, OutputPer1K: out}, true
}

// Calculate returns the USD cost of usage, or 0 for unpriced models.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	pricing, ok := c.Pricing(model)
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[model] = pricing
}

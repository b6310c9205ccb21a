// Package cost estimates what a backend call cost from its token usage.
package cost

import (
	"sync"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                                    {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":                               {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":                                   {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":                              {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"claude-sonnet-4-6":                         {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":                 {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
}

// Calculator is safe for concurrent use. Unknown models cost 0.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{
		pricing: pricing,
	}
}

func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

// Estimate is Calculate, except that calls to a free-tier backend cost nothing.
func (c *Calculator) Estimate(free bool, model string, usage domain.Usage) float64 {
	if free {
		return 0
	}
	return c.Calculate(model, usage)
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

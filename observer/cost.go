package observer

import "github.com/athanor-ai/athanor"

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultFamilyPricing prices by model family when no exact model id matches.
// Users can override or extend per model id via [observer.pricing] in
// athanor.toml.
var DefaultFamilyPricing = map[athanor.ModelFamily]ModelPricing{
	athanor.FamilyHaiku:  {0.80, 4.00},
	athanor.FamilySonnet: {3.00, 15.00},
	athanor.FamilyOpus:   {15.00, 75.00},
	athanor.FamilyOther:  {1.00, 4.00},
}

// CostCalculator computes USD cost from token counts. Exact model ids win
// over family defaults.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with the family defaults, optionally
// merged with per-model overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(overrides))
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for the given model and token counts.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		p = DefaultFamilyPricing[athanor.FamilyOf(model)]
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

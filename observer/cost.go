package observer

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing contains sensible defaults for common models served
// through OpenAI-compatible endpoints. Users can override or extend via
// [observer.pricing] in troupe.toml.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"o3-mini":      {1.10, 4.40},

	"deepseek-chat":     {0.27, 1.10},
	"deepseek-reasoner": {0.55, 2.19},

	"text-embedding-3-small": {0.02, 0.0},
	"text-embedding-3-large": {0.13, 0.0},
}

// CostCalculator converts token usage into USD using a pricing table.
// Unknown models cost zero rather than erroring, so a missing table entry
// never breaks a run.
type CostCalculator struct {
	overrides map[string]ModelPricing
}

// NewCostCalculator builds a calculator over DefaultPricing plus the given
// per-deployment overrides. Overrides win on conflict.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	return &CostCalculator{overrides: overrides}
}

// Calculate returns the USD cost of one call's token usage.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.overrides[model]
	if !ok {
		if p, ok = DefaultPricing[model]; !ok {
			return 0
		}
	}
	const million = 1_000_000
	return float64(inputTokens)*p.InputPerMillion/million +
		float64(outputTokens)*p.OutputPerMillion/million
}

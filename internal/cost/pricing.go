package cost

import "github.com/blufio/blufio/internal/store"

// Rate is a per-model rate card: USD per token in each token class.
// Prices are expressed per-token (not per-1K) to keep Cost() a single
// multiply-and-sum with no unit conversion to get wrong.
type Rate struct {
	InputPerToken         float64
	OutputPerToken        float64
	CacheReadPerToken     float64
	CacheCreationPerToken float64
}

// pricingTable is a static rate card. There is no ecosystem library
// for LLM token pricing — this is a data table, not a computation, so
// carrying it on the standard library alone needs no further
// justification beyond "no library publishes this data".
var pricingTable = map[string]Rate{
	"claude-opus-4-20250514": {
		InputPerToken:         15.0 / 1_000_000,
		OutputPerToken:        75.0 / 1_000_000,
		CacheReadPerToken:     1.5 / 1_000_000,
		CacheCreationPerToken: 18.75 / 1_000_000,
	},
	"claude-sonnet-4-20250514": {
		InputPerToken:         3.0 / 1_000_000,
		OutputPerToken:        15.0 / 1_000_000,
		CacheReadPerToken:     0.3 / 1_000_000,
		CacheCreationPerToken: 3.75 / 1_000_000,
	},
	"claude-haiku-4-5-20250901": {
		InputPerToken:         0.8 / 1_000_000,
		OutputPerToken:        4.0 / 1_000_000,
		CacheReadPerToken:     0.08 / 1_000_000,
		CacheCreationPerToken: 1.0 / 1_000_000,
	},
}

// defaultRate is used for an unrecognized model so that Cost() never
// silently returns zero for billed usage.
var defaultRate = pricingTable["claude-sonnet-4-20250514"]

// RateFor returns the rate card for model, falling back to the
// Sonnet-tier rate for unrecognized model ids.
func RateFor(model string) Rate {
	if r, ok := pricingTable[model]; ok {
		return r
	}
	return defaultRate
}

// Cost computes the USD cost of one provider call.
func Cost(model string, usage store.TokenUsage) float64 {
	r := RateFor(model)
	return float64(usage.InputTokens)*r.InputPerToken +
		float64(usage.OutputTokens)*r.OutputPerToken +
		float64(usage.CacheReadTokens)*r.CacheReadPerToken +
		float64(usage.CacheCreationTokens)*r.CacheCreationPerToken
}

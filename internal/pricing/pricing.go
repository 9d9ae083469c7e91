// Package pricing converts token usage into USD cost.
package pricing

import "github.com/apiguardian/gateway/internal/store"

// Cost returns the USD cost of a completed call against the given model.
// A nil model (no pricing record) costs 0 — the call is still logged, so the
// gap shows up in analytics instead of silently inflating spend.
func Cost(model *store.Model, promptTokens, completionTokens int) float64 {
	if model == nil {
		return 0
	}

	inputCost := float64(promptTokens) * model.InputPricePerMillion
	outputCost := float64(completionTokens) * model.OutputPricePerMillion

	return (inputCost + outputCost) / 1_000_000
}
